package store

import (
	"fmt"
	"strings"
	"testing"
)

func TestSaveDecisionUpsert(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDecision("p1", CategoryCharacter, "elena_fatal_flaw", "pride", "session"); err != nil {
		t.Fatalf("SaveDecision failed: %v", err)
	}
	if err := s.SaveDecision("p1", CategoryCharacter, "elena_fatal_flaw", "hubris", "session"); err != nil {
		t.Fatalf("SaveDecision upsert failed: %v", err)
	}

	entries, err := s.GetContext("p1", 10)
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after upsert, got %d", len(entries))
	}
	if entries[0].Value != "hubris" {
		t.Errorf("expected upserted value, got %q", entries[0].Value)
	}
}

func TestSaveDecisionRejectsInvalidCategory(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDecision("p1", "mood", "k", "v", ""); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestSaveDecisionProtectsPromotedEntries(t *testing.T) {
	s := newTestStore(t)

	s.SaveDecision("p1", CategoryCharacter, "elena_fatal_flaw", "distrust", "session")
	if err := s.MarkPromoted("p1", "elena_fatal_flaw"); err != nil {
		t.Fatalf("MarkPromoted failed: %v", err)
	}

	err := s.SaveDecision("p1", CategoryCharacter, "elena_fatal_flaw", "recklessness", "session")
	if err == nil {
		t.Fatal("expected rejection when overwriting a promoted entry")
	}
	if !strings.Contains(err.Error(), "promoted") {
		t.Errorf("unhelpful error: %v", err)
	}

	// Re-saving the identical value stays a no-op, not an error.
	if err := s.SaveDecision("p1", CategoryCharacter, "elena_fatal_flaw", "distrust", "session"); err != nil {
		t.Errorf("identical re-save of promoted entry should succeed: %v", err)
	}
}

func TestGetContextFoundationalAlwaysRetrieved(t *testing.T) {
	s := newTestStore(t)

	// 3 foundational entries buried under 20 newer volatile ones.
	s.SaveDecision("p1", CategoryCharacter, "elena_fatal_flaw", "distrust", "")
	s.SaveDecision("p1", CategoryConstraint, "no_magic", "hard scifi only", "")
	s.SaveDecision("p1", CategoryCharacter, "marcus_secret", "deserter", "")
	for i := 0; i < 20; i++ {
		s.SaveDecision("p1", CategoryPreference, fmt.Sprintf("style_%d", i), "short sentences", "")
	}

	entries, err := s.GetContext("p1", 5)
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected exactly limit entries, got %d", len(entries))
	}

	foundational := 0
	for _, e := range entries {
		if e.IsFoundational() {
			foundational++
		}
	}
	if foundational != 3 {
		t.Errorf("all 3 foundational entries must survive a limit of 5, got %d", foundational)
	}
}

func TestGetContextFoundationalExceedsLimit(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 6; i++ {
		s.SaveDecision("p1", CategoryConstraint, fmt.Sprintf("rule_%d", i), "v", "")
	}
	s.SaveDecision("p1", CategoryWorld, "capital", "Meridian", "")

	// Foundational entries overflow the limit; they are still all returned
	// and no volatile entry squeezes in.
	entries, err := s.GetContext("p1", 3)
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("expected all 6 foundational entries, got %d", len(entries))
	}
	for _, e := range entries {
		if !e.IsFoundational() {
			t.Errorf("volatile entry %s leaked into an exhausted budget", e.Key)
		}
	}
}

func TestGetContextVolatileRecency(t *testing.T) {
	s := newTestStore(t)

	s.SaveDecision("p1", CategoryWorld, "old_fact", "v1", "")
	s.SaveDecision("p1", CategoryWorld, "mid_fact", "v2", "")
	s.SaveDecision("p1", CategoryWorld, "new_fact", "v3", "")

	entries, err := s.GetContext("p1", 2)
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	keys := map[string]bool{entries[0].Key: true, entries[1].Key: true}
	if keys["old_fact"] {
		t.Error("oldest volatile entry should have been evicted first")
	}
}

func TestUnpromotedAndMarkPromoted(t *testing.T) {
	s := newTestStore(t)

	s.SaveDecision("p1", CategoryCharacter, "k1", "v1", "")
	s.SaveDecision("p1", CategoryWorld, "k2", "v2", "")

	pending, err := s.UnpromotedEntries("p1", 10)
	if err != nil {
		t.Fatalf("UnpromotedEntries failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 unpromoted, got %d", len(pending))
	}

	if err := s.MarkPromoted("p1", "k1"); err != nil {
		t.Fatalf("MarkPromoted failed: %v", err)
	}
	pending, _ = s.UnpromotedEntries("p1", 10)
	if len(pending) != 1 || pending[0].Key != "k2" {
		t.Errorf("expected only k2 pending, got %+v", pending)
	}

	if err := s.MarkPromoted("p1", "ghost"); err == nil {
		t.Error("MarkPromoted on a missing key should fail")
	}
}
