package prompt

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"plotloom/internal/logging"
	"plotloom/internal/store"
	"plotloom/internal/workorder"
)

// Notebook keys with mode-specific prompt blocks attached to them.
const (
	NotebookVoice       = "voice"
	NotebookActiveScene = "active_scene"
	NotebookFocus       = "focus"
)

// ResourceHandle is a registered external resource the model may query
// through a research_query action.
type ResourceHandle struct {
	ID          string
	Description string
}

// Request carries everything Assemble needs. All of it is snapshot data:
// Assemble is a pure function of the request plus the immutable corpus, so
// identical requests always produce identical payloads.
type Request struct {
	Tier Tier
	Mode workorder.Mode

	WorkOrder    *workorder.WorkOrder
	Ledger       []store.KBEntry
	Graph        []store.Node
	Conversation []store.SessionEvent
	Resources    []ResourceHandle
	UserInput    string

	ContextWindowTokens int
	ReplyReserveTokens  int
}

// Payload is the assembled instruction text plus its size estimate.
type Payload struct {
	Text            string
	EstimatedTokens int
	Tier            Tier
}

// Assembler composes payloads from a layer corpus.
type Assembler struct {
	corpus *Corpus
}

func NewAssembler(corpus *Corpus) *Assembler {
	return &Assembler{corpus: corpus}
}

// Assemble builds the payload for one turn at the requested tier. It fails
// with ErrBudgetExceeded when the result plus the reply reserve does not fit
// the context window; it never silently truncates.
func (a *Assembler) Assemble(req Request) (Payload, error) {
	timer := logging.StartTimer(logging.CategoryPrompt, "Assemble")
	defer timer.Stop()

	if req.WorkOrder == nil {
		return Payload{}, fmt.Errorf("assemble requires a work order snapshot")
	}
	budget := req.ContextWindowTokens - req.ReplyReserveTokens
	if budget <= 0 {
		return Payload{}, fmt.Errorf("context window %d leaves no room after reply reserve %d: %w",
			req.ContextWindowTokens, req.ReplyReserveTokens, ErrBudgetExceeded)
	}

	policy := policyFor(req.Tier)
	var b strings.Builder

	a.writeLayer(&b, "persona", policy.Persona)
	if policy.IncludeProcessMap {
		a.writeLayer(&b, "process_map", policy.ProcessMap)
	}
	a.writeLayer(&b, modeRulesLayer(req.Mode), policy.ModeRules)
	a.writeLayer(&b, "protocol", policy.Protocol)

	writeStateBlock(&b, req, policy)
	writeConversation(&b, req.Conversation, policy.TurnCap)

	b.WriteString("## Input\n")
	b.WriteString(strings.TrimSpace(req.UserInput))
	b.WriteString("\n")

	text := b.String()
	est := EstimateTokens(text)
	if est > budget {
		logging.Get(logging.CategoryPrompt).Warn("Payload over budget: %d tokens > %d (tier=%s)", est, budget, req.Tier)
		return Payload{}, fmt.Errorf("payload is %d tokens against a budget of %d (tier %s): %w",
			est, budget, req.Tier, ErrBudgetExceeded)
	}

	logging.PromptDebug("Assembled payload: tier=%s mode=%s tokens=%d/%d", req.Tier, req.Mode, est, budget)
	return Payload{Text: text, EstimatedTokens: est, Tier: req.Tier}, nil
}

// AssembleFit tries the requested tier and steps down toward minimal until
// the payload fits. Only a budget failure triggers a step down; if even the
// minimal tier does not fit, the budget error surfaces.
func (a *Assembler) AssembleFit(req Request) (Payload, error) {
	start := 0
	for i, t := range tierOrder {
		if t == req.Tier {
			start = i
		}
	}

	var lastErr error
	for _, t := range tierOrder[start:] {
		req.Tier = t
		p, err := a.Assemble(req)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrBudgetExceeded) {
			return Payload{}, err
		}
		lastErr = err
	}
	return Payload{}, lastErr
}

func modeRulesLayer(mode workorder.Mode) string {
	return "mode_rules_" + strings.ToLower(string(mode))
}

func (a *Assembler) writeLayer(b *strings.Builder, name string, v Variant) {
	layer, ok := a.corpus.Layer(name)
	if !ok {
		logging.Get(logging.CategoryPrompt).Warn("Layer %q missing from corpus", name)
		return
	}
	text := layer.Render(v)
	if text == "" {
		return
	}
	b.WriteString(text)
	b.WriteString("\n\n")
}

// writeStateBlock serializes the dynamic project-state layer: mode,
// completion, focus, the ledger excerpt, resource handles, and the
// mode-specific blocks.
func writeStateBlock(b *strings.Builder, req Request, policy trimPolicy) {
	wo := req.WorkOrder

	b.WriteString("## Project State\n")
	fmt.Fprintf(b, "Mode: %s\n", wo.Mode)
	fmt.Fprintf(b, "Completion: %.0f%%\n", wo.CompletionPercentage())
	if focus := strings.TrimSpace(wo.Notebooks[NotebookFocus]); focus != "" {
		fmt.Fprintf(b, "Active focus: %s\n", focus)
	}
	b.WriteString("\n")

	// ARCHITECT gets the full work-order detail; everyone past it gets the
	// completion line above and nothing more, except DIRECTOR's voice and
	// scene blocks below.
	if req.Mode == workorder.ModeArchitect {
		b.WriteString("### Work Order\n")
		for _, t := range wo.Templates {
			fmt.Fprintf(b, "- %s [%s]", t.Name, t.Status)
			if len(t.MissingFields) > 0 {
				fmt.Fprintf(b, " missing: %s", strings.Join(t.MissingFields, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	writeLedgerExcerpt(b, req.Ledger, policy.LedgerCap)
	writeGraphExcerpt(b, req.Graph, policy.GraphCap)

	if len(req.Resources) > 0 {
		b.WriteString("### Research Resources\n")
		for _, r := range req.Resources {
			fmt.Fprintf(b, "- %s: %s\n", r.ID, r.Description)
		}
		b.WriteString("\n")
	}

	if req.Mode == workorder.ModeDirector || req.Mode == workorder.ModeEditor {
		if voice := strings.TrimSpace(wo.Notebooks[NotebookVoice]); voice != "" {
			b.WriteString("### Calibrated Voice\n")
			b.WriteString(voice)
			b.WriteString("\n\n")
		}
	}
	if req.Mode == workorder.ModeDirector {
		if scene := strings.TrimSpace(wo.Notebooks[NotebookActiveScene]); scene != "" {
			b.WriteString("### Active Scene\n")
			b.WriteString(scene)
			b.WriteString("\n\n")
		}
	}
}

// writeLedgerExcerpt applies the tier cap to volatile entries only. Every
// foundational entry is included no matter how tight the tier.
func writeLedgerExcerpt(b *strings.Builder, entries []store.KBEntry, limit int) {
	var foundational, volatile []store.KBEntry
	for _, e := range entries {
		if e.IsFoundational() {
			foundational = append(foundational, e)
		} else {
			volatile = append(volatile, e)
		}
	}
	if limit >= 0 && len(volatile) > limit {
		volatile = volatile[:limit]
	}
	if len(foundational)+len(volatile) == 0 {
		return
	}

	b.WriteString("### Established Canon\n")
	for _, e := range foundational {
		fmt.Fprintf(b, "- [%s] %s: %s\n", e.Category, e.Key, e.Value)
	}
	for _, e := range volatile {
		fmt.Fprintf(b, "- [%s] %s: %s\n", e.Category, e.Key, e.Value)
	}
	b.WriteString("\n")
}

// writeGraphExcerpt lists the most connected canon entities. Callers pass
// nodes in centrality order; the tier cap keeps only the head.
func writeGraphExcerpt(b *strings.Builder, nodes []store.Node, limit int) {
	if limit >= 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	if len(nodes) == 0 {
		return
	}

	b.WriteString("### Key Entities\n")
	for _, n := range nodes {
		fmt.Fprintf(b, "- %s (%s)", n.Name, n.Type)
		keys := make([]string, 0, len(n.Properties))
		for k := range n.Properties {
			if k == "name" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, " %s=%v;", k, n.Properties[k])
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeConversation(b *strings.Builder, events []store.SessionEvent, limit int) {
	if limit >= 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	if len(events) == 0 {
		return
	}

	b.WriteString("## Recent Conversation\n")
	for _, e := range events {
		role := "User"
		if e.Role == "assistant" {
			role = "Assistant"
		}
		fmt.Fprintf(b, "%s: %s\n", role, strings.TrimSpace(e.Content))
	}
	b.WriteString("\n")
}
