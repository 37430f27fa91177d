package perception

import (
	"context"
	"fmt"
	"strings"

	"plotloom/internal/logging"
)

// Resource is a registered external reference the model can ask about: a
// style guide, a research dossier, a period reference.
type Resource struct {
	ID          string
	Description string
	Content     string
}

// ResearchClient answers queries against a registered resource.
type ResearchClient interface {
	Research(ctx context.Context, resourceID, query string) (answer string, sources []string, err error)
}

// ModelResearchClient runs research queries through an LLM grounded on the
// resource's registered content.
type ModelResearchClient struct {
	llm       LLMClient
	resources map[string]Resource
}

func NewModelResearchClient(llm LLMClient, resources []Resource) *ModelResearchClient {
	m := make(map[string]Resource, len(resources))
	for _, r := range resources {
		m[r.ID] = r
	}
	return &ModelResearchClient{llm: llm, resources: m}
}

// Resources lists the registered handles for prompt assembly.
func (c *ModelResearchClient) Resources() []Resource {
	out := make([]Resource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	return out
}

// Research answers a query from one resource. The answer is grounded on the
// registered content only; the model is told to say so when the resource
// does not cover the question.
func (c *ModelResearchClient) Research(ctx context.Context, resourceID, query string) (string, []string, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "Research")
	defer timer.Stop()

	res, ok := c.resources[resourceID]
	if !ok {
		return "", nil, fmt.Errorf("unknown research resource %q", resourceID)
	}

	var b strings.Builder
	b.WriteString("Answer the question using only the reference material below. ")
	b.WriteString("If the material does not cover it, say so plainly.\n\n")
	fmt.Fprintf(&b, "Reference (%s): %s\n\n%s\n\nQuestion: %s", res.ID, res.Description, res.Content, query)

	answer, err := c.llm.Complete(ctx, b.String())
	if err != nil {
		return "", nil, fmt.Errorf("research query against %s failed: %w", resourceID, err)
	}

	logging.API("Research query answered: resource=%s query_len=%d", resourceID, len(query))
	return strings.TrimSpace(answer), []string{res.ID}, nil
}
