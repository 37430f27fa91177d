package store

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddNodeDedupe(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "Elena", "role": "protagonist"})
	if err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}

	// Same name, different case and whitespace, must merge not duplicate.
	id2, err := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "  elena ", "fatal_flaw": "pride"})
	if err != nil {
		t.Fatalf("AddNode merge failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected dedupe to return same id, got %s and %s", id1, id2)
	}

	node, ok, err := s.GetNode("p1", id1)
	if err != nil || !ok {
		t.Fatalf("GetNode failed: ok=%v err=%v", ok, err)
	}
	if node.Properties["role"] != "protagonist" {
		t.Errorf("merge dropped existing field role: %v", node.Properties)
	}
	if node.Properties["fatal_flaw"] != "pride" {
		t.Errorf("merge missed incoming field fatal_flaw: %v", node.Properties)
	}
}

func TestAddNodeFieldLastWriteWins(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "Marcus", "rank": "captain"}); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	id, err := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "Marcus", "rank": "admiral"})
	if err != nil {
		t.Fatalf("AddNode update failed: %v", err)
	}

	node, ok, _ := s.GetNode("p1", id)
	if !ok {
		t.Fatal("node not found after merge")
	}
	if node.Properties["rank"] != "admiral" {
		t.Errorf("expected last write to win on rank, got %v", node.Properties["rank"])
	}
}

func TestAddNodeProjectIsolation(t *testing.T) {
	s := newTestStore(t)

	id1, _ := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "Elena"})
	id2, _ := s.AddNode("p2", NodeCharacter, map[string]interface{}{"name": "Elena"})
	if id1 == id2 {
		t.Error("nodes in different projects must not dedupe against each other")
	}

	if _, ok, _ := s.GetNode("p2", id1); ok {
		t.Error("p1 node visible through p2")
	}
}

func TestAddEdgeRejectsMissingEndpoint(t *testing.T) {
	s := newTestStore(t)

	id, _ := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "Elena"})

	err := s.AddEdge("p1", id, "nope", "knows", nil)
	if err == nil {
		t.Fatal("expected error for missing target")
	}
	if !errors.Is(err, ErrReference) {
		t.Errorf("expected ErrReference, got %v", err)
	}

	// The write must not have gone through.
	sub, err := s.GetNeighbors("p1", id, 1)
	if err != nil {
		t.Fatalf("GetNeighbors failed: %v", err)
	}
	if len(sub.Edges) != 0 {
		t.Errorf("rejected edge was persisted: %+v", sub.Edges)
	}
}

func TestAddEdgeUpsert(t *testing.T) {
	s := newTestStore(t)

	a, _ := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "Elena"})
	b, _ := s.AddNode("p1", NodeLocation, map[string]interface{}{"name": "Harbor District"})

	if err := s.AddEdge("p1", a, b, "lives_in", map[string]interface{}{"since": "ch1"}); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := s.AddEdge("p1", a, b, "lives_in", map[string]interface{}{"since": "ch3"}); err != nil {
		t.Fatalf("AddEdge upsert failed: %v", err)
	}

	sub, _ := s.GetNeighbors("p1", a, 1)
	if len(sub.Edges) != 1 {
		t.Fatalf("expected 1 edge after upsert, got %d", len(sub.Edges))
	}
	if sub.Edges[0].Properties["since"] != "ch3" {
		t.Errorf("upsert did not replace properties: %v", sub.Edges[0].Properties)
	}
}

func TestGetNeighborsDepth(t *testing.T) {
	s := newTestStore(t)

	// a - b - c - d chain.
	a, _ := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "A"})
	b, _ := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "B"})
	c, _ := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "C"})
	d, _ := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "D"})
	s.AddEdge("p1", a, b, "knows", nil)
	s.AddEdge("p1", b, c, "knows", nil)
	s.AddEdge("p1", c, d, "knows", nil)

	sub, err := s.GetNeighbors("p1", a, 2)
	if err != nil {
		t.Fatalf("GetNeighbors failed: %v", err)
	}
	if len(sub.Nodes) != 3 {
		t.Errorf("depth 2 from A should reach A,B,C; got %d nodes", len(sub.Nodes))
	}

	sub, _ = s.GetNeighbors("p1", a, 3)
	if len(sub.Nodes) != 4 {
		t.Errorf("depth 3 from A should reach all 4 nodes, got %d", len(sub.Nodes))
	}
}

func TestGetNeighborsUnknownNode(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetNeighbors("p1", "missing", 2); !errors.Is(err, ErrReference) {
		t.Errorf("expected ErrReference for unknown start node, got %v", err)
	}
}

func TestRankCentrality(t *testing.T) {
	s := newTestStore(t)

	hub, _ := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "Hub"})
	x, _ := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "X"})
	y, _ := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "Y"})
	z, _ := s.AddNode("p1", NodeCharacter, map[string]interface{}{"name": "Z"})
	s.AddEdge("p1", hub, x, "knows", nil)
	s.AddEdge("p1", hub, y, "knows", nil)
	s.AddEdge("p1", hub, z, "knows", nil)
	s.AddEdge("p1", x, y, "knows", nil)

	ranked, err := s.RankCentrality("p1")
	if err != nil {
		t.Fatalf("RankCentrality failed: %v", err)
	}
	if len(ranked) != 4 {
		t.Fatalf("expected 4 ranked nodes, got %d", len(ranked))
	}
	if ranked[0].ID != hub {
		t.Errorf("expected hub node first, got %s", ranked[0].Name)
	}

	// Stable output on repeat.
	again, _ := s.RankCentrality("p1")
	for i := range ranked {
		if ranked[i].ID != again[i].ID {
			t.Fatalf("ranking not stable at position %d", i)
		}
	}
}

func TestFindNode(t *testing.T) {
	s := newTestStore(t)

	id, _ := s.AddNode("p1", NodeLocation, map[string]interface{}{"name": "The Undercroft"})

	node, ok, err := s.FindNode("p1", NodeLocation, "the undercroft")
	if err != nil || !ok {
		t.Fatalf("FindNode failed: ok=%v err=%v", ok, err)
	}
	if node.ID != id {
		t.Errorf("FindNode returned wrong node: %s", node.ID)
	}

	if _, ok, _ := s.FindNode("p1", NodeCharacter, "the undercroft"); ok {
		t.Error("FindNode must respect node type")
	}
}
