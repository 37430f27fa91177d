package store

import "testing"

func TestQueueConflictDedupe(t *testing.T) {
	s := newTestStore(t)

	id1, created, err := s.QueueConflict("p1", "elena", "fatal_flaw", "distrust", "recklessness", []string{"evt1"})
	if err != nil {
		t.Fatalf("QueueConflict failed: %v", err)
	}
	if !created {
		t.Error("first detection should report a new record")
	}

	// Same contradiction re-detected on the next cycle.
	id2, created, err := s.QueueConflict("p1", "elena", "fatal_flaw", "distrust", "recklessness", []string{"evt2"})
	if err != nil {
		t.Fatalf("QueueConflict re-detect failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("identical open conflict was duplicated: %s vs %s", id1, id2)
	}
	if created {
		t.Error("re-detection must not report a new record")
	}

	open, err := s.OpenConflicts("p1")
	if err != nil {
		t.Fatalf("OpenConflicts failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open conflict, got %d", len(open))
	}
	if open[0].Subject != "elena" || open[0].IncomingFact != "recklessness" {
		t.Errorf("unexpected conflict record: %+v", open[0])
	}
}

func TestResolveConflictKeepExisting(t *testing.T) {
	s := newTestStore(t)

	s.SaveDecision("p1", CategoryCharacter, "elena_fatal_flaw", "distrust", "")
	s.MarkPromoted("p1", "elena_fatal_flaw")
	id, _, _ := s.QueueConflict("p1", "elena", "fatal_flaw", "distrust", "recklessness", nil)

	if err := s.ResolveConflict("p1", id, false); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}

	open, _ := s.OpenConflicts("p1")
	if len(open) != 0 {
		t.Errorf("conflict still open after resolution")
	}

	entries, _ := s.GetContext("p1", 10)
	if len(entries) != 1 || entries[0].Value != "distrust" {
		t.Errorf("keeping existing must leave the ledger untouched: %+v", entries)
	}

	// Double resolution fails loudly.
	if err := s.ResolveConflict("p1", id, false); err == nil {
		t.Error("resolving an already-resolved conflict should error")
	}
}

func TestResolveConflictKeepIncoming(t *testing.T) {
	s := newTestStore(t)

	s.SaveDecision("p1", CategoryCharacter, "elena_fatal_flaw", "distrust", "")
	s.MarkPromoted("p1", "elena_fatal_flaw")
	id, _, _ := s.QueueConflict("p1", "elena", "fatal_flaw", "distrust", "recklessness", nil)

	if err := s.ResolveConflict("p1", id, true); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}

	entries, _ := s.GetContext("p1", 10)
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	if entries[0].Value != "recklessness" {
		t.Errorf("keeping incoming must rewrite the disputed entry, got %q", entries[0].Value)
	}
	if entries[0].IsPromoted {
		t.Error("rewritten entry should be unlocked for re-promotion")
	}
}

func TestResolveConflictUnknownID(t *testing.T) {
	s := newTestStore(t)
	if err := s.ResolveConflict("p1", "no-such-id", true); err == nil {
		t.Error("expected error for unknown conflict id")
	}
}
