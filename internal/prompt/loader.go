// Package prompt builds the bounded instruction payload for each turn:
// fixed instruction layers, a dynamic project-state layer, a trailing
// conversation window, and the current input, trimmed to the target model's
// capability tier.
package prompt

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"plotloom/internal/logging"

	"gopkg.in/yaml.v3"
)

//go:embed layers/*.yaml
var defaultLayers embed.FS

// Variant selects how much of a layer to render.
type Variant int

const (
	VariantFull Variant = iota
	VariantConcise
	VariantMin
)

// Layer is one instruction block with size variants. Missing variants fall
// back to the next larger one, so authors only write the variants that
// actually differ.
type Layer struct {
	Name           string `yaml:"name"`
	Content        string `yaml:"content"`
	ContentConcise string `yaml:"content_concise"`
	ContentMin     string `yaml:"content_min"`
}

// Render returns the layer text for a variant, falling back min -> concise
// -> full.
func (l Layer) Render(v Variant) string {
	switch v {
	case VariantMin:
		if s := strings.TrimSpace(l.ContentMin); s != "" {
			return s
		}
		fallthrough
	case VariantConcise:
		if s := strings.TrimSpace(l.ContentConcise); s != "" {
			return s
		}
	}
	return strings.TrimSpace(l.Content)
}

type layerFile struct {
	Layers []Layer `yaml:"layers"`
}

// Corpus is an immutable set of named layers. Assembly reads it, never
// writes it.
type Corpus struct {
	layers map[string]Layer
}

// Layer looks up a layer by name.
func (c *Corpus) Layer(name string) (Layer, bool) {
	l, ok := c.layers[name]
	return l, ok
}

func (c *Corpus) addFile(data []byte, origin string) error {
	var f layerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse layer file %s: %w", origin, err)
	}
	for _, l := range f.Layers {
		if l.Name == "" {
			return fmt.Errorf("layer file %s contains a layer without a name", origin)
		}
		if _, exists := c.layers[l.Name]; exists {
			logging.PromptDebug("Layer %q overridden by %s", l.Name, origin)
		}
		c.layers[l.Name] = l
	}
	return nil
}

// DefaultCorpus loads the embedded layer set.
func DefaultCorpus() (*Corpus, error) {
	c := &Corpus{layers: make(map[string]Layer)}

	entries, err := defaultLayers.ReadDir("layers")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded layers: %w", err)
	}
	for _, e := range entries {
		data, err := defaultLayers.ReadFile("layers/" + e.Name())
		if err != nil {
			return nil, err
		}
		if err := c.addFile(data, e.Name()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCorpus loads embedded defaults, then applies on-disk overrides from
// overrideDir (typically .plotloom/prompts). A missing directory is not an
// error; a malformed override file is.
func LoadCorpus(overrideDir string) (*Corpus, error) {
	c, err := DefaultCorpus()
	if err != nil {
		return nil, err
	}
	if overrideDir == "" {
		return c, nil
	}

	matches, err := filepath.Glob(filepath.Join(overrideDir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read layer override %s: %w", path, err)
		}
		if err := c.addFile(data, path); err != nil {
			return nil, err
		}
	}
	if len(matches) > 0 {
		logging.Prompt("Loaded %d layer override file(s) from %s", len(matches), overrideDir)
	}
	return c, nil
}
