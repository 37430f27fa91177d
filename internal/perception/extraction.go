package perception

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"plotloom/internal/config"
	"plotloom/internal/logging"

	"google.golang.org/genai"
)

// ErrExtraction marks unusable extractor output. The caller skips the item
// and retries it on the next consolidation cycle; nothing is lost.
var ErrExtraction = errors.New("extraction returned unusable output")

// Triple is a candidate fact extracted from unstructured text. Extractor
// output is advisory: the consolidator cross-checks it against the graph and
// never trusts it outright.
type Triple struct {
	Subject     string `json:"subject"`
	SubjectType string `json:"subject_type"`
	Attribute   string `json:"attribute"`
	Value       string `json:"value"`
}

// TripleExtractor pulls candidate facts out of raw conversation text.
type TripleExtractor interface {
	Extract(ctx context.Context, text string) ([]Triple, error)
}

// GenAIExtractor runs extraction through Gemini with deterministic settings.
// Temperature 0 and a fixed seed are mandatory: re-running consolidation over
// the same events must produce the same candidate facts.
type GenAIExtractor struct {
	client *genai.Client
	model  string
	seed   int32
}

// NewGenAIExtractor builds an extractor from the extraction config.
func NewGenAIExtractor(ctx context.Context, cfg config.ExtractionConfig) (*GenAIExtractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("extraction API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GenAIExtractor{client: client, model: model, seed: cfg.Seed}, nil
}

const extractionPrompt = `Extract story facts from the text below as a JSON array.
Each fact is an object: {"subject": entity name, "subject_type": one of character/location/event/theme/rule, "attribute": the property or relation, "value": the stated value}.
Only extract facts the text states outright; never infer. Return [] if there are none. Return JSON only.

Text:
%s`

// Extract returns candidate triples for one block of text.
func (e *GenAIExtractor) Extract(ctx context.Context, text string) ([]Triple, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "Extract")
	defer timer.Stop()

	resp, err := e.client.Models.GenerateContent(ctx, e.model,
		genai.Text(fmt.Sprintf(extractionPrompt, text)),
		&genai.GenerateContentConfig{
			Temperature:      genai.Ptr[float32](0),
			Seed:             genai.Ptr[int32](e.seed),
			ResponseMIMEType: "application/json",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	raw := resp.Text()
	triples, err := parseTriples(raw)
	if err != nil {
		logging.Get(logging.CategoryAPI).Warn("Unusable extraction output (%d chars): %v", len(raw), err)
		return nil, err
	}

	logging.APIDebug("Extracted %d candidate triple(s) from %d chars", len(triples), len(text))
	return triples, nil
}

// parseTriples tolerantly decodes extractor output. Models wrap JSON in code
// fences or prose often enough that we hunt for the array before giving up.
func parseTriples(raw string) ([]Triple, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty reply: %w", ErrExtraction)
	}

	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}

	if !strings.HasPrefix(raw, "[") {
		start := strings.Index(raw, "[")
		end := strings.LastIndex(raw, "]")
		if start == -1 || end <= start {
			return nil, fmt.Errorf("no JSON array in reply: %w", ErrExtraction)
		}
		raw = raw[start : end+1]
	}

	var triples []Triple
	if err := json.Unmarshal([]byte(raw), &triples); err != nil {
		return nil, fmt.Errorf("invalid triple JSON: %v: %w", err, ErrExtraction)
	}

	// Drop incomplete triples instead of failing the batch.
	valid := triples[:0]
	for _, t := range triples {
		if t.Subject == "" || t.Attribute == "" || t.Value == "" {
			continue
		}
		valid = append(valid, t)
	}
	return valid, nil
}
