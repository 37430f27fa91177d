package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"plotloom/internal/store"
	"plotloom/internal/workorder"
)

func testAssembler(t *testing.T) *Assembler {
	t.Helper()
	corpus, err := DefaultCorpus()
	if err != nil {
		t.Fatalf("DefaultCorpus failed: %v", err)
	}
	return NewAssembler(corpus)
}

func testRequest(tier Tier, mode workorder.Mode) Request {
	wo := workorder.New("p1")
	if mode != workorder.ModeArchitect {
		wo.Override(mode, "test setup")
	}
	wo.Notebooks[NotebookVoice] = "Close third person, dry wit, present tense."
	wo.Notebooks[NotebookActiveScene] = "Elena confronts Marcus on the quay at dawn."

	return Request{
		Tier:      tier,
		Mode:      mode,
		WorkOrder: wo,
		Ledger: []store.KBEntry{
			{Category: store.CategoryCharacter, Key: "elena_fatal_flaw", Value: "distrust"},
			{Category: store.CategoryConstraint, Key: "no_magic", Value: "hard scifi only"},
			{Category: store.CategoryWorld, Key: "capital", Value: "Meridian"},
			{Category: store.CategoryPreference, Key: "sentences", Value: "short"},
			{Category: store.CategoryVoice, Key: "tense", Value: "present"},
		},
		Conversation: []store.SessionEvent{
			{Role: "user", Content: "let's work on chapter three"},
			{Role: "assistant", Content: "picking up from the quay scene"},
			{Role: "user", Content: "make the confrontation colder"},
		},
		UserInput:           "write the opening exchange",
		ContextWindowTokens: 128000,
		ReplyReserveTokens:  4096,
	}
}

func TestAssembleDeterministic(t *testing.T) {
	a := testAssembler(t)
	req := testRequest(TierFull, workorder.ModeDirector)

	p1, err := a.Assemble(req)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	p2, err := a.Assemble(req)
	if err != nil {
		t.Fatalf("second Assemble failed: %v", err)
	}
	if diff := cmp.Diff(p1, p2); diff != "" {
		t.Errorf("identical requests produced different payloads:\n%s", diff)
	}
}

func TestAssembleModeInclusion(t *testing.T) {
	a := testAssembler(t)

	arch, err := a.Assemble(testRequest(TierFull, workorder.ModeArchitect))
	if err != nil {
		t.Fatalf("Assemble(ARCHITECT) failed: %v", err)
	}
	if !strings.Contains(arch.Text, "### Work Order") || !strings.Contains(arch.Text, "Story Bible") {
		t.Error("ARCHITECT payload must carry full work order detail")
	}
	if strings.Contains(arch.Text, "### Calibrated Voice") || strings.Contains(arch.Text, "### Active Scene") {
		t.Error("ARCHITECT payload must omit voice and scene blocks")
	}

	dir, err := a.Assemble(testRequest(TierFull, workorder.ModeDirector))
	if err != nil {
		t.Fatalf("Assemble(DIRECTOR) failed: %v", err)
	}
	if !strings.Contains(dir.Text, "### Calibrated Voice") || !strings.Contains(dir.Text, "### Active Scene") {
		t.Error("DIRECTOR payload must carry voice and scene blocks")
	}
	if strings.Contains(dir.Text, "### Work Order") {
		t.Error("DIRECTOR payload carries only the completion summary, not template detail")
	}
	if !strings.Contains(dir.Text, "Completion:") {
		t.Error("DIRECTOR payload must still report completion")
	}
}

func TestAssembleWorkOrderListsEveryTemplateInOrder(t *testing.T) {
	a := testAssembler(t)

	p, err := a.Assemble(testRequest(TierFull, workorder.ModeArchitect))
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	wo := workorder.New("p1")
	last := -1
	for _, tpl := range wo.Templates {
		idx := strings.Index(p.Text, "- "+tpl.Name+" [")
		if idx == -1 {
			t.Fatalf("template %q missing from work order block:\n%s", tpl.Name, p.Text)
		}
		if idx < last {
			t.Errorf("template %q out of declared order", tpl.Name)
		}
		last = idx
	}
}

func TestAssembleTierTrimming(t *testing.T) {
	a := testAssembler(t)

	full, _ := a.Assemble(testRequest(TierFull, workorder.ModeArchitect))
	med, _ := a.Assemble(testRequest(TierMedium, workorder.ModeArchitect))
	min, _ := a.Assemble(testRequest(TierMinimal, workorder.ModeArchitect))

	if !(full.EstimatedTokens > med.EstimatedTokens && med.EstimatedTokens > min.EstimatedTokens) {
		t.Errorf("expected monotonically smaller payloads, got %d >= %d >= %d",
			full.EstimatedTokens, med.EstimatedTokens, min.EstimatedTokens)
	}

	// Minimal drops the process map entirely.
	if strings.Contains(min.Text, "VOICE_CALIBRATION (") {
		t.Error("minimal tier must omit the process map layer")
	}

	// Minimal caps conversation at 2 turns; the oldest line goes.
	if strings.Contains(min.Text, "chapter three") {
		t.Error("minimal tier should keep only the trailing 2 turns")
	}
	if !strings.Contains(min.Text, "colder") {
		t.Error("minimal tier dropped the newest turn")
	}
}

func TestAssembleFoundationalSurvivesTrimming(t *testing.T) {
	a := testAssembler(t)

	p, err := a.Assemble(testRequest(TierMinimal, workorder.ModeArchitect))
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if !strings.Contains(p.Text, "elena_fatal_flaw") || !strings.Contains(p.Text, "no_magic") {
		t.Error("foundational ledger entries must survive the minimal tier")
	}
	// 3 volatile entries against a cap of 2: the last one goes.
	if strings.Contains(p.Text, "tense") {
		t.Error("volatile entries beyond the minimal cap should be trimmed")
	}
}

func TestAssembleGraphExcerpt(t *testing.T) {
	a := testAssembler(t)

	nodes := []store.Node{
		{Name: "elena", Type: store.NodeCharacter, Properties: map[string]interface{}{"name": "elena", "fatal_flaw": "distrust"}},
		{Name: "meridian", Type: store.NodeLocation, Properties: map[string]interface{}{"name": "meridian"}},
		{Name: "marcus", Type: store.NodeCharacter, Properties: map[string]interface{}{"name": "marcus"}},
	}

	req := testRequest(TierFull, workorder.ModeDirector)
	req.Graph = nodes
	p, err := a.Assemble(req)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if !strings.Contains(p.Text, "### Key Entities") {
		t.Fatal("full tier must carry the key-entity excerpt")
	}
	if !strings.Contains(p.Text, "elena (character) fatal_flaw=distrust;") {
		t.Errorf("node properties missing from excerpt:\n%s", p.Text)
	}

	// Minimal drops the excerpt entirely.
	req = testRequest(TierMinimal, workorder.ModeDirector)
	req.Graph = nodes
	p, err = a.Assemble(req)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if strings.Contains(p.Text, "### Key Entities") {
		t.Error("minimal tier must omit the key-entity excerpt")
	}
}

func TestAssembleBudgetSafety(t *testing.T) {
	a := testAssembler(t)

	for _, tier := range []Tier{TierFull, TierMedium, TierMinimal} {
		req := testRequest(tier, workorder.ModeDirector)
		p, err := a.Assemble(req)
		if err != nil {
			t.Fatalf("Assemble(%s) failed: %v", tier, err)
		}
		budget := req.ContextWindowTokens - req.ReplyReserveTokens
		if p.EstimatedTokens > budget {
			t.Errorf("tier %s: payload %d exceeds budget %d", tier, p.EstimatedTokens, budget)
		}
	}
}

func TestAssembleFailsLoudlyWhenMinimalCannotFit(t *testing.T) {
	a := testAssembler(t)

	req := testRequest(TierMinimal, workorder.ModeArchitect)
	req.ContextWindowTokens = 300
	req.ReplyReserveTokens = 250

	_, err := a.Assemble(req)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}

	_, err = a.AssembleFit(req)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("AssembleFit should surface the budget error, got %v", err)
	}
}

func TestAssembleFitStepsDown(t *testing.T) {
	a := testAssembler(t)

	req := testRequest(TierFull, workorder.ModeArchitect)
	full, err := a.Assemble(req)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	// A window the full payload overflows but the trimmed tiers fit.
	req.ContextWindowTokens = full.EstimatedTokens - 1
	req.ReplyReserveTokens = 0

	p, err := a.AssembleFit(req)
	if err != nil {
		t.Fatalf("AssembleFit failed: %v", err)
	}
	if p.Tier == TierFull {
		t.Error("expected AssembleFit to step down from full")
	}
}

func TestClassifyTier(t *testing.T) {
	cases := []struct {
		window      int
		reliability float64
		want        Tier
	}{
		{128000, 0.95, TierFull},
		{200000, 0.7, TierMedium},
		{32000, 0.9, TierMedium},
		{128000, 0.3, TierMinimal},
		{8000, 0.99, TierMinimal},
	}
	for _, tc := range cases {
		if got := ClassifyTier(tc.window, tc.reliability); got != tc.want {
			t.Errorf("ClassifyTier(%d, %v) = %s, want %s", tc.window, tc.reliability, got, tc.want)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Error("empty string should estimate 0 tokens")
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("4 chars should be 1 token, got %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("5 chars should round up to 2 tokens, got %d", got)
	}
}
