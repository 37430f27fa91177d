// Package health is the outward alert surface: structured JSONL records for
// open conflicts and gate overrides, consumed by external reporting, never
// acted on by this process.
package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"plotloom/internal/logging"
	"plotloom/internal/store"
	"plotloom/internal/workorder"
)

// Alert kinds.
const (
	KindConflict     = "conflict_open"
	KindGateOverride = "gate_override"
)

// Alert is one line in the alert log.
type Alert struct {
	Kind      string                 `json:"kind"`
	ProjectID string                 `json:"project_id"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	At        time.Time              `json:"at"`
}

// Reporter appends alerts to .plotloom/alerts/alerts.jsonl. A nil Reporter is
// a valid no-op, so callers do not need conditional wiring in tests.
type Reporter struct {
	path string
	mu   sync.Mutex
}

func NewReporter(workspace string) *Reporter {
	return &Reporter{path: filepath.Join(workspace, ".plotloom", "alerts", "alerts.jsonl")}
}

func (r *Reporter) emit(a Alert) error {
	if r == nil {
		return nil
	}
	a.At = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create alerts directory: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open alert log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}

	logging.Get(logging.CategoryAlerts).Info("Alert emitted: kind=%s project=%s", a.Kind, a.ProjectID)
	return nil
}

// ReportConflict raises an alert for a detected contradiction.
func (r *Reporter) ReportConflict(projectID string, c store.ConflictRecord) error {
	return r.emit(Alert{
		Kind:      KindConflict,
		ProjectID: projectID,
		Detail: map[string]interface{}{
			"conflict_id":   c.ID,
			"subject":       c.Subject,
			"attribute":     c.Attribute,
			"existing_fact": c.ExistingFact,
			"incoming_fact": c.IncomingFact,
		},
	})
}

// ReportOverride raises an alert for a skipped gate.
func (r *Reporter) ReportOverride(projectID string, ev workorder.OverrideEvent) error {
	return r.emit(Alert{
		Kind:      KindGateOverride,
		ProjectID: projectID,
		Detail: map[string]interface{}{
			"from":   string(ev.From),
			"to":     string(ev.To),
			"reason": ev.Reason,
		},
	})
}
