package articulation

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"plotloom/internal/health"
	"plotloom/internal/logging"
	"plotloom/internal/perception"
	"plotloom/internal/store"
	"plotloom/internal/workorder"
)

// Result is the outcome of one action. Err is per-action: an invalid or
// denied action never aborts the rest of the turn.
type Result struct {
	Action Action
	Err    error
	Info   string
}

// ConsolidateFunc requests a consolidation cycle for a project. It must not
// block: dispatch holds the project lock, which the consolidator also takes.
type ConsolidateFunc func(projectID string)

// Dispatcher validates parsed actions against the schema registry and
// applies them. All mutations go through the store or the work order; this
// and the consolidator are the only writers.
type Dispatcher struct {
	store       *store.LocalStore
	research    perception.ResearchClient
	alerts      *health.Reporter
	consolidate ConsolidateFunc
}

func NewDispatcher(st *store.LocalStore, research perception.ResearchClient, alerts *health.Reporter, consolidate ConsolidateFunc) *Dispatcher {
	return &Dispatcher{store: st, research: research, alerts: alerts, consolidate: consolidate}
}

type ledgerWrite struct {
	category, key, value, source string

	// resultIdx points back at the Result this write came from, so a
	// commit-time rejection lands on the right action.
	resultIdx int
}

// Dispatch applies a parsed response's actions for one turn.
//
// Actions are validated up front, then staged against a cloned work order,
// then committed: ledger upserts first, the work order row once at the end.
// Validation failures and denied transitions are per-action results; only an
// infrastructure failure during commit aborts the turn. Every applied
// operation is an upsert, so re-dispatching the same parsed response does
// not duplicate state.
func (d *Dispatcher) Dispatch(ctx context.Context, projectID string, resp ParsedResponse) ([]Result, error) {
	timer := logging.StartTimer(logging.CategoryDispatch, "Dispatch")
	defer timer.Stop()

	lock := d.store.Locks().Get(projectID)
	lock.Lock()
	defer lock.Unlock()

	wo, err := d.store.LoadWorkOrder(projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load work order: %w", err)
	}
	staged := wo.Clone()

	var (
		results        []Result
		writes         []ledgerWrite
		overrides      []workorder.OverrideEvent
		runConsolidate bool
	)

	for _, a := range resp.Actions {
		if verr := ValidateAction(a, staged.Mode); verr != nil {
			logging.Get(logging.CategoryDispatch).Warn("Skipping action: %v", verr)
			results = append(results, Result{Action: a, Err: verr})
			continue
		}

		switch a.Type {
		case ActionSaveDecision:
			source := stringParam(a, "source")
			if source == "" {
				source = "session"
			}
			writes = append(writes, ledgerWrite{
				category:  stringParam(a, "category"),
				key:       stringParam(a, "key"),
				value:     stringParam(a, "value"),
				source:    source,
				resultIdx: len(results),
			})
			results = append(results, Result{Action: a, Info: "decision staged"})

		case ActionUpdateTemplate:
			uerr := staged.UpdateStatus(
				stringParam(a, "template"),
				workorder.TemplateStatus(stringParam(a, "status")),
				stringSliceParam(a, "missing_fields"),
			)
			results = append(results, Result{Action: a, Err: uerr,
				Info: fmt.Sprintf("completion %.0f%%", staged.CompletionPercentage())})

		case ActionAdvanceMode:
			target, perr := workorder.ParseMode(stringParam(a, "target"))
			if perr == nil {
				perr = staged.Advance(target)
			}
			results = append(results, Result{Action: a, Err: perr, Info: string(staged.Mode)})

		case ActionOverrideMode:
			target, perr := workorder.ParseMode(stringParam(a, "target"))
			if perr != nil {
				results = append(results, Result{Action: a, Err: perr})
				continue
			}
			ev, oerr := staged.Override(target, stringParam(a, "reason"))
			if oerr == nil {
				overrides = append(overrides, ev)
			}
			results = append(results, Result{Action: a, Err: oerr, Info: "gate skipped"})

		case ActionResearchQuery:
			w, rerr := d.runResearch(ctx, a)
			if rerr == nil {
				w.resultIdx = len(results)
				writes = append(writes, w)
			}
			results = append(results, Result{Action: a, Err: rerr})

		case ActionNote:
			notebook := stringParam(a, "notebook")
			text := stringParam(a, "text")
			existing := staged.Notebooks[notebook]
			if !strings.Contains(existing, text) {
				if existing != "" {
					existing += "\n"
				}
				staged.Notebooks[notebook] = existing + text
			}
			results = append(results, Result{Action: a})

		case ActionConsolidate:
			runConsolidate = true
			results = append(results, Result{Action: a, Info: "consolidation requested"})
		}
	}

	// Content updates replace the named document wholesale.
	for _, cu := range resp.ContentUpdates {
		staged.Notebooks[cu.Target] = cu.Content
		logging.DispatchDebug("Content update applied: target=%s len=%d", cu.Target, len(cu.Content))
	}

	// Commit. Ledger writes are individually rejected when they hit a
	// promoted entry; that is a per-action outcome, not a turn failure.
	for _, w := range writes {
		if serr := d.store.SaveDecision(projectID, w.category, w.key, w.value, w.source); serr != nil {
			results[w.resultIdx].Err = serr
			logging.Get(logging.CategoryDispatch).Warn("Ledger write rejected: %v", serr)
		}
	}
	if err := d.store.SaveWorkOrder(staged); err != nil {
		return results, fmt.Errorf("failed to persist work order: %w", err)
	}

	for _, ev := range overrides {
		if aerr := d.alerts.ReportOverride(projectID, ev); aerr != nil {
			logging.Get(logging.CategoryDispatch).Warn("Failed to emit override alert: %v", aerr)
		}
	}
	if runConsolidate && d.consolidate != nil {
		d.consolidate(projectID)
	}

	logging.Dispatch("Turn dispatched: project=%s actions=%d ledger_writes=%d mode=%s",
		projectID, len(resp.Actions), len(writes), staged.Mode)
	return results, nil
}

// runResearch answers a research action and shapes it into a ledger write
// tagged source=external_query. The key is derived from resource and query
// so re-dispatching the same action upserts the same entry.
func (d *Dispatcher) runResearch(ctx context.Context, a Action) (ledgerWrite, error) {
	if d.research == nil {
		return ledgerWrite{}, fmt.Errorf("no research collaborator configured")
	}

	resourceID := stringParam(a, "resource_id")
	query := stringParam(a, "query")

	answer, sources, err := d.research.Research(ctx, resourceID, query)
	if err != nil {
		return ledgerWrite{}, err
	}

	sum := sha256.Sum256([]byte(resourceID + "\x00" + query))
	return ledgerWrite{
		category: store.CategoryWorld,
		key:      fmt.Sprintf("research_%x", sum[:6]),
		value:    fmt.Sprintf("%s (sources: %s)", answer, strings.Join(sources, ", ")),
		source:   "external_query",
	}, nil
}
