// Package workorder implements the phase-gated state machine that tracks a
// project's progress through the writing pipeline. A WorkOrder is an explicit
// per-project value passed into every call, never a process-wide singleton,
// so multiple projects can run concurrently.
package workorder

import (
	"fmt"
	"strings"
	"time"

	"plotloom/internal/logging"
)

// Mode is a pipeline phase.
type Mode string

const (
	ModeArchitect        Mode = "ARCHITECT"
	ModeVoiceCalibration Mode = "VOICE_CALIBRATION"
	ModeDirector         Mode = "DIRECTOR"
	ModeEditor           Mode = "EDITOR"
)

// modeOrder is the linear progression. Forward motion is gated; manual
// override can jump anywhere but is always logged as a skipped gate.
var modeOrder = []Mode{ModeArchitect, ModeVoiceCalibration, ModeDirector, ModeEditor}

// TemplateStatus tracks a single required artifact.
type TemplateStatus string

const (
	StatusNotStarted TemplateStatus = "not_started"
	StatusInProgress TemplateStatus = "in_progress"
	StatusDraftReady TemplateStatus = "draft_ready"
	StatusComplete   TemplateStatus = "complete"
)

var validStatuses = map[TemplateStatus]bool{
	StatusNotStarted: true,
	StatusInProgress: true,
	StatusDraftReady: true,
	StatusComplete:   true,
}

// TemplateRequirement is one artifact a mode must produce before the gate
// to the next mode opens.
type TemplateRequirement struct {
	Name           string         `json:"name"`
	Mode           Mode           `json:"mode"`
	Status         TemplateStatus `json:"status"`
	RequiredFields []string       `json:"required_fields,omitempty"`
	MissingFields  []string       `json:"missing_fields,omitempty"`
}

// OverrideEvent records a manual gate override for the audit trail.
type OverrideEvent struct {
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// WorkOrder is the per-project phase tracker.
type WorkOrder struct {
	ProjectID string                `json:"project_id"`
	Mode      Mode                  `json:"mode"`
	Templates []TemplateRequirement `json:"templates"`
	Notebooks map[string]string     `json:"notebooks,omitempty"`
	Overrides []OverrideEvent       `json:"overrides,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
}

// TransitionDenied is returned when gate requirements are unmet. It names the
// specific missing requirements so the caller can report them.
type TransitionDenied struct {
	From    Mode
	To      Mode
	Missing []string
}

func (e *TransitionDenied) Error() string {
	return fmt.Sprintf("transition %s -> %s denied, incomplete: %s",
		e.From, e.To, strings.Join(e.Missing, ", "))
}

// New creates a work order at ARCHITECT with the default template set.
func New(projectID string) *WorkOrder {
	return &WorkOrder{
		ProjectID: projectID,
		Mode:      ModeArchitect,
		Templates: defaultTemplates(),
		Notebooks: make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
}

// defaultTemplates seeds the required artifacts per mode.
func defaultTemplates() []TemplateRequirement {
	return []TemplateRequirement{
		{Name: "Story Bible", Mode: ModeArchitect, Status: StatusNotStarted,
			RequiredFields: []string{"premise", "protagonist", "antagonist", "setting", "stakes"}},
		{Name: "Beat Sheet", Mode: ModeArchitect, Status: StatusNotStarted,
			RequiredFields: []string{"beats"}},
		{Name: "Character Dossiers", Mode: ModeArchitect, Status: StatusNotStarted,
			RequiredFields: []string{"principals"}},
		{Name: "Voice Samples", Mode: ModeVoiceCalibration, Status: StatusNotStarted,
			RequiredFields: []string{"samples"}},
		{Name: "Voice Selection", Mode: ModeVoiceCalibration, Status: StatusNotStarted,
			RequiredFields: []string{"winner"}},
		{Name: "Scene Drafts", Mode: ModeDirector, Status: StatusNotStarted,
			RequiredFields: []string{"scenes"}},
		{Name: "Revision Pass", Mode: ModeEditor, Status: StatusNotStarted,
			RequiredFields: []string{"notes"}},
	}
}

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range modeOrder {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// modeIndex returns a mode's position in the linear order.
func modeIndex(m Mode) int {
	for i, known := range modeOrder {
		if m == known {
			return i
		}
	}
	return -1
}

// RequirementsFor returns the templates owned by a mode.
func (w *WorkOrder) RequirementsFor(mode Mode) []TemplateRequirement {
	var reqs []TemplateRequirement
	for _, t := range w.Templates {
		if t.Mode == mode {
			reqs = append(reqs, t)
		}
	}
	return reqs
}

// missingFor lists incomplete templates for a mode, with missing fields
// appended so the denial message is actionable.
func (w *WorkOrder) missingFor(mode Mode) []string {
	var missing []string
	for _, t := range w.Templates {
		if t.Mode != mode || t.Status == StatusComplete {
			continue
		}
		desc := fmt.Sprintf("%s (%s)", t.Name, t.Status)
		if len(t.MissingFields) > 0 {
			desc = fmt.Sprintf("%s (%s: missing %s)", t.Name, t.Status, strings.Join(t.MissingFields, ", "))
		}
		missing = append(missing, desc)
	}
	return missing
}

// Advance moves to target if every gate between the current mode and the
// target is satisfied. On failure it returns *TransitionDenied naming the
// missing requirements and leaves the work order unchanged.
func (w *WorkOrder) Advance(target Mode) error {
	from := modeIndex(w.Mode)
	to := modeIndex(target)
	if to == -1 {
		return fmt.Errorf("unknown mode %q", target)
	}
	if to <= from {
		return fmt.Errorf("advance only moves forward; use Override to re-enter %s", target)
	}

	// Every mode before the target must have its gate satisfied.
	var missing []string
	for i := from; i < to; i++ {
		missing = append(missing, w.missingFor(modeOrder[i])...)
	}
	if len(missing) > 0 {
		logging.WorkOrder("Transition denied %s -> %s: %d requirements missing", w.Mode, target, len(missing))
		return &TransitionDenied{From: w.Mode, To: target, Missing: missing}
	}

	logging.WorkOrder("Mode advanced: %s -> %s (project=%s)", w.Mode, target, w.ProjectID)
	w.Mode = target
	return nil
}

// Override jumps to target unconditionally. Always permitted, never silent:
// the skipped gate is recorded on the work order and the returned event must
// be reported through the alert surface by the caller. Modes are
// re-enterable; nothing is rolled back.
func (w *WorkOrder) Override(target Mode, reason string) (OverrideEvent, error) {
	if modeIndex(target) == -1 {
		return OverrideEvent{}, fmt.Errorf("unknown mode %q", target)
	}

	ev := OverrideEvent{From: w.Mode, To: target, Reason: reason, At: time.Now().UTC()}
	w.Overrides = append(w.Overrides, ev)
	w.Mode = target

	logging.WorkOrder("GATE OVERRIDE: %s -> %s (project=%s, reason=%q)", ev.From, ev.To, w.ProjectID, reason)
	return ev, nil
}

// UpdateStatus sets a template's status and missing fields. Completion
// percentage is a pure function of template state, so it is current the
// moment this returns.
func (w *WorkOrder) UpdateStatus(name string, status TemplateStatus, missingFields []string) error {
	if !validStatuses[status] {
		return fmt.Errorf("invalid template status %q", status)
	}

	for i := range w.Templates {
		if !strings.EqualFold(w.Templates[i].Name, name) {
			continue
		}
		w.Templates[i].Status = status
		w.Templates[i].MissingFields = missingFields
		if status == StatusComplete {
			w.Templates[i].MissingFields = nil
		}
		logging.WorkOrderDebug("Template %q -> %s (completion now %.0f%%)", name, status, w.CompletionPercentage())
		return nil
	}
	return fmt.Errorf("unknown template %q", name)
}

// CompletionPercentage is complete_templates / total_templates * 100.
func (w *WorkOrder) CompletionPercentage() float64 {
	if len(w.Templates) == 0 {
		return 0
	}
	complete := 0
	for _, t := range w.Templates {
		if t.Status == StatusComplete {
			complete++
		}
	}
	return float64(complete) / float64(len(w.Templates)) * 100
}

// Clone returns a deep copy, used to snapshot the work order for prompt
// assembly while a turn may still mutate the original.
func (w *WorkOrder) Clone() *WorkOrder {
	cp := *w
	cp.Templates = make([]TemplateRequirement, len(w.Templates))
	copy(cp.Templates, w.Templates)
	for i := range cp.Templates {
		cp.Templates[i].RequiredFields = append([]string(nil), w.Templates[i].RequiredFields...)
		cp.Templates[i].MissingFields = append([]string(nil), w.Templates[i].MissingFields...)
	}
	cp.Notebooks = make(map[string]string, len(w.Notebooks))
	for k, v := range w.Notebooks {
		cp.Notebooks[k] = v
	}
	cp.Overrides = append([]OverrideEvent(nil), w.Overrides...)
	return &cp
}
