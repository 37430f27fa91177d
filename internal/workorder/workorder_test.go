package workorder

import (
	"errors"
	"strings"
	"testing"
)

func completeMode(t *testing.T, wo *WorkOrder, mode Mode) {
	t.Helper()
	for _, req := range wo.RequirementsFor(mode) {
		if err := wo.UpdateStatus(req.Name, StatusComplete, nil); err != nil {
			t.Fatalf("UpdateStatus(%s) failed: %v", req.Name, err)
		}
	}
}

func TestAdvanceDeniedNamesMissingRequirements(t *testing.T) {
	wo := New("p1")
	wo.UpdateStatus("Story Bible", StatusComplete, nil)
	wo.UpdateStatus("Beat Sheet", StatusInProgress, []string{"beats 11-15"})

	err := wo.Advance(ModeVoiceCalibration)
	if err == nil {
		t.Fatal("expected denial with Architect gate open")
	}

	var denied *TransitionDenied
	if !errors.As(err, &denied) {
		t.Fatalf("expected *TransitionDenied, got %T: %v", err, err)
	}
	if denied.From != ModeArchitect || denied.To != ModeVoiceCalibration {
		t.Errorf("denial carries wrong endpoints: %s -> %s", denied.From, denied.To)
	}
	if len(denied.Missing) != 2 {
		t.Errorf("expected Beat Sheet and Character Dossiers missing, got %v", denied.Missing)
	}
	if !strings.Contains(err.Error(), "Beat Sheet") || !strings.Contains(err.Error(), "beats 11-15") {
		t.Errorf("denial should name the partial template and its gap: %v", err)
	}

	if wo.Mode != ModeArchitect {
		t.Errorf("denied transition must leave the mode unchanged, got %s", wo.Mode)
	}
}

func TestAdvanceSucceedsWhenGateClosed(t *testing.T) {
	wo := New("p1")
	completeMode(t, wo, ModeArchitect)

	if err := wo.Advance(ModeVoiceCalibration); err != nil {
		t.Fatalf("Advance failed with all requirements complete: %v", err)
	}
	if wo.Mode != ModeVoiceCalibration {
		t.Errorf("expected VOICE_CALIBRATION, got %s", wo.Mode)
	}
}

func TestAdvanceChecksEveryIntermediateGate(t *testing.T) {
	wo := New("p1")
	completeMode(t, wo, ModeArchitect)

	// Jumping ARCHITECT -> DIRECTOR must also check the calibration gate.
	err := wo.Advance(ModeDirector)
	var denied *TransitionDenied
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial for skipped calibration gate, got %v", err)
	}
	if !strings.Contains(err.Error(), "Voice") {
		t.Errorf("denial should name the calibration requirements: %v", err)
	}

	completeMode(t, wo, ModeVoiceCalibration)
	if err := wo.Advance(ModeDirector); err != nil {
		t.Fatalf("Advance failed after closing both gates: %v", err)
	}
}

func TestAdvanceRejectsBackwardMotion(t *testing.T) {
	wo := New("p1")
	completeMode(t, wo, ModeArchitect)
	wo.Advance(ModeVoiceCalibration)

	if err := wo.Advance(ModeArchitect); err == nil {
		t.Error("advance must not move backward")
	}
	if err := wo.Advance(ModeVoiceCalibration); err == nil {
		t.Error("advance to the current mode should fail")
	}
}

func TestOverrideAlwaysPermitted(t *testing.T) {
	wo := New("p1")

	// Nothing complete, gate wide open; override still goes through.
	ev, err := wo.Override(ModeEditor, "deadline crunch")
	if err != nil {
		t.Fatalf("Override failed: %v", err)
	}
	if wo.Mode != ModeEditor {
		t.Errorf("expected EDITOR after override, got %s", wo.Mode)
	}
	if ev.From != ModeArchitect || ev.To != ModeEditor || ev.Reason != "deadline crunch" {
		t.Errorf("override event malformed: %+v", ev)
	}
	if len(wo.Overrides) != 1 {
		t.Errorf("override must land in the audit trail, got %d entries", len(wo.Overrides))
	}

	// Backward is fine too; modes are re-enterable.
	if _, err := wo.Override(ModeArchitect, "rework the outline"); err != nil {
		t.Errorf("backward override failed: %v", err)
	}
	if len(wo.Overrides) != 2 {
		t.Errorf("expected 2 audit entries, got %d", len(wo.Overrides))
	}
}

func TestOverrideUnknownMode(t *testing.T) {
	wo := New("p1")
	if _, err := wo.Override(Mode("PRODUCER"), ""); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestCompletionPercentage(t *testing.T) {
	wo := &WorkOrder{
		ProjectID: "p1",
		Mode:      ModeArchitect,
		Templates: []TemplateRequirement{
			{Name: "a", Mode: ModeArchitect, Status: StatusComplete},
			{Name: "b", Mode: ModeArchitect, Status: StatusComplete},
			{Name: "c", Mode: ModeArchitect, Status: StatusComplete},
			{Name: "d", Mode: ModeArchitect, Status: StatusDraftReady},
		},
	}
	if got := wo.CompletionPercentage(); got != 75 {
		t.Errorf("3 of 4 complete should be 75, got %v", got)
	}

	if err := wo.UpdateStatus("d", StatusComplete, nil); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if got := wo.CompletionPercentage(); got != 100 {
		t.Errorf("expected 100 after final completion, got %v", got)
	}
}

func TestUpdateStatusValidation(t *testing.T) {
	wo := New("p1")
	if err := wo.UpdateStatus("Story Bible", TemplateStatus("finished"), nil); err == nil {
		t.Error("expected error for invalid status")
	}
	if err := wo.UpdateStatus("No Such Template", StatusComplete, nil); err == nil {
		t.Error("expected error for unknown template")
	}

	// draft_ready is not complete; the gate stays shut.
	wo.UpdateStatus("Story Bible", StatusDraftReady, nil)
	wo.UpdateStatus("Beat Sheet", StatusComplete, nil)
	wo.UpdateStatus("Character Dossiers", StatusComplete, nil)
	if err := wo.Advance(ModeVoiceCalibration); err == nil {
		t.Error("draft_ready must not satisfy the gate")
	}
}

func TestUpdateStatusCompleteClearsMissingFields(t *testing.T) {
	wo := New("p1")
	wo.UpdateStatus("Beat Sheet", StatusInProgress, []string{"beats"})
	wo.UpdateStatus("Beat Sheet", StatusComplete, []string{"stale"})

	for _, tmpl := range wo.Templates {
		if tmpl.Name == "Beat Sheet" && len(tmpl.MissingFields) != 0 {
			t.Errorf("complete template kept missing fields: %v", tmpl.MissingFields)
		}
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" director "); err != nil || m != ModeDirector {
		t.Errorf("ParseMode failed: %v %v", m, err)
	}
	if _, err := ParseMode("intern"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestCloneIsDeep(t *testing.T) {
	wo := New("p1")
	wo.Notebooks["architect"] = "original"

	cp := wo.Clone()
	cp.Notebooks["architect"] = "mutated"
	cp.Templates[0].Status = StatusComplete

	if wo.Notebooks["architect"] != "original" {
		t.Error("clone shares notebook map")
	}
	if wo.Templates[0].Status == StatusComplete {
		t.Error("clone shares template slice")
	}
}
