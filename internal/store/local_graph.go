package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"plotloom/internal/logging"

	"github.com/google/uuid"
)

// =============================================================================
// KNOWLEDGE GRAPH (durable long-term memory)
// =============================================================================

// ErrReference is returned when an edge names a node that does not exist.
// The write is rejected, never silently dropped.
var ErrReference = errors.New("edge endpoint does not reference an existing node")

// Valid node types. The ledger category -> node type mapping in the
// consolidator produces only these.
const (
	NodeCharacter = "character"
	NodeLocation  = "location"
	NodeEvent     = "event"
	NodeTheme     = "theme"
	NodeRule      = "rule"
)

// Node is a typed entity in the knowledge graph.
type Node struct {
	ID         string
	ProjectID  string
	Type       string
	Name       string
	Properties map[string]interface{}
	UpdatedAt  time.Time
}

// Edge is a typed relation between two nodes.
type Edge struct {
	ID         int64
	ProjectID  string
	SourceID   string
	TargetID   string
	Relation   string
	Properties map[string]interface{}
}

// Subgraph is the result of a bounded neighborhood traversal.
type Subgraph struct {
	Nodes []Node
	Edges []Edge
}

// normalizeName lowercases and trims a name for dedupe matching.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// nodeName extracts the name property, which drives dedupe.
func nodeName(properties map[string]interface{}) string {
	if v, ok := properties["name"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// AddNode upserts a node. Dedupe key is (project, type, normalized name):
// a matching node has incoming properties merged field-by-field with
// last-write-wins per field. Every write bumps updated_at.
func (s *LocalStore) AddNode(projectID, nodeType string, properties map[string]interface{}) (string, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "AddNode")
	defer timer.Stop()

	name := nodeName(properties)
	if projectID == "" || nodeType == "" || name == "" {
		return "", fmt.Errorf("invalid node: project_id, type and properties.name must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	norm := normalizeName(name)
	logging.GraphDebug("AddNode: project=%s type=%s name=%q", projectID, nodeType, name)

	var existingID string
	var existingProps sql.NullString
	err := s.db.QueryRow(
		`SELECT id, properties FROM nodes WHERE project_id = ? AND node_type = ? AND norm_name = ?`,
		projectID, nodeType, norm,
	).Scan(&existingID, &existingProps)

	switch {
	case err == sql.ErrNoRows:
		id := uuid.NewString()
		propsJSON, merr := json.Marshal(properties)
		if merr != nil {
			return "", fmt.Errorf("failed to marshal node properties: %w", merr)
		}
		_, err = s.db.Exec(
			`INSERT INTO nodes (id, project_id, node_type, name, norm_name, properties) VALUES (?, ?, ?, ?, ?, ?)`,
			id, projectID, nodeType, name, norm, string(propsJSON),
		)
		if err != nil {
			logging.Get(logging.CategoryGraph).Error("Failed to insert node %q: %v", name, err)
			return "", err
		}
		logging.GraphDebug("Node created: id=%s", id)
		return id, nil

	case err != nil:
		logging.Get(logging.CategoryGraph).Error("Node lookup failed for %q: %v", name, err)
		return "", err
	}

	// Merge field-by-field, last write wins per field.
	merged := make(map[string]interface{})
	if existingProps.Valid && existingProps.String != "" {
		if uerr := json.Unmarshal([]byte(existingProps.String), &merged); uerr != nil {
			logging.Get(logging.CategoryGraph).Warn("Corrupt properties on node %s, overwriting: %v", existingID, uerr)
			merged = make(map[string]interface{})
		}
	}
	for k, v := range properties {
		merged[k] = v
	}

	propsJSON, merr := json.Marshal(merged)
	if merr != nil {
		return "", fmt.Errorf("failed to marshal merged properties: %w", merr)
	}
	_, err = s.db.Exec(
		`UPDATE nodes SET properties = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(propsJSON), existingID,
	)
	if err != nil {
		logging.Get(logging.CategoryGraph).Error("Failed to merge node %s: %v", existingID, err)
		return "", err
	}

	logging.GraphDebug("Node merged: id=%s fields=%d", existingID, len(properties))
	return existingID, nil
}

// GetNodeAttribute returns a single property value for a node, used by the
// consolidator's conflict check. ok is false when the node or field is absent.
func (s *LocalStore) GetNodeAttribute(projectID, nodeType, name, field string) (interface{}, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var propsJSON sql.NullString
	err := s.db.QueryRow(
		`SELECT properties FROM nodes WHERE project_id = ? AND node_type = ? AND norm_name = ?`,
		projectID, nodeType, normalizeName(name),
	).Scan(&propsJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !propsJSON.Valid || propsJSON.String == "" {
		return nil, false, nil
	}

	var props map[string]interface{}
	if err := json.Unmarshal([]byte(propsJSON.String), &props); err != nil {
		return nil, false, fmt.Errorf("corrupt properties for node %q: %w", name, err)
	}
	v, ok := props[field]
	return v, ok, nil
}

// nodeExistsLocked assumes the caller holds at least s.mu.RLock().
func (s *LocalStore) nodeExistsLocked(projectID, id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM nodes WHERE project_id = ? AND id = ?`, projectID, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddEdge upserts an edge between two existing nodes. A missing endpoint
// fails with ErrReference.
func (s *LocalStore) AddEdge(projectID, sourceID, targetID, relation string, properties map[string]interface{}) error {
	timer := logging.StartTimer(logging.CategoryGraph, "AddEdge")
	defer timer.Stop()

	if projectID == "" || sourceID == "" || targetID == "" || relation == "" {
		return fmt.Errorf("invalid edge: project/source/target/relation must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, endpoint := range []string{sourceID, targetID} {
		exists, err := s.nodeExistsLocked(projectID, endpoint)
		if err != nil {
			return err
		}
		if !exists {
			logging.Get(logging.CategoryGraph).Warn("Edge rejected, missing endpoint %s (%s -[%s]-> %s)",
				endpoint, sourceID, relation, targetID)
			return fmt.Errorf("node %s: %w", endpoint, ErrReference)
		}
	}

	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("failed to marshal edge properties: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO edges (project_id, source_id, target_id, relation, properties) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, source_id, relation, target_id)
		 DO UPDATE SET properties = excluded.properties, updated_at = CURRENT_TIMESTAMP`,
		projectID, sourceID, targetID, relation, string(propsJSON),
	)
	if err != nil {
		logging.Get(logging.CategoryGraph).Error("Failed to store edge: %v", err)
		return err
	}

	logging.GraphDebug("Edge stored: %s -[%s]-> %s", sourceID, relation, targetID)
	return nil
}

// edgesForLocked returns all edges touching a node. Caller holds s.mu.RLock().
func (s *LocalStore) edgesForLocked(projectID, nodeID string) ([]Edge, error) {
	rows, err := s.db.Query(
		`SELECT id, source_id, target_id, relation, properties FROM edges
		 WHERE project_id = ? AND (source_id = ? OR target_id = ?)`,
		projectID, nodeID, nodeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var propsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &propsJSON); err != nil {
			logging.Get(logging.CategoryGraph).Warn("Edge row scan failed: %v", err)
			continue
		}
		e.ProjectID = projectID
		if propsJSON.Valid && propsJSON.String != "" {
			if err := json.Unmarshal([]byte(propsJSON.String), &e.Properties); err != nil {
				logging.Get(logging.CategoryGraph).Warn("Edge properties unmarshal failed for %d: %v", e.ID, err)
			}
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// getNodeLocked loads one node by id. Caller holds s.mu.RLock().
func (s *LocalStore) getNodeLocked(projectID, id string) (Node, bool, error) {
	var n Node
	var propsJSON sql.NullString
	err := s.db.QueryRow(
		`SELECT id, node_type, name, properties, updated_at FROM nodes WHERE project_id = ? AND id = ?`,
		projectID, id,
	).Scan(&n.ID, &n.Type, &n.Name, &propsJSON, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, err
	}
	n.ProjectID = projectID
	if propsJSON.Valid && propsJSON.String != "" {
		if err := json.Unmarshal([]byte(propsJSON.String), &n.Properties); err != nil {
			logging.Get(logging.CategoryGraph).Warn("Node properties unmarshal failed for %s: %v", id, err)
		}
	}
	return n, true, nil
}

// GetNode loads a single node by id.
func (s *LocalStore) GetNode(projectID, id string) (Node, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getNodeLocked(projectID, id)
}

// FindNode looks up a node by type and name.
func (s *LocalStore) FindNode(projectID, nodeType, name string) (Node, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRow(
		`SELECT id FROM nodes WHERE project_id = ? AND node_type = ? AND norm_name = ?`,
		projectID, nodeType, normalizeName(name),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, err
	}
	return s.getNodeLocked(projectID, id)
}

// GetNeighbors returns the subgraph within depth hops of a node using BFS.
// depth <= 0 defaults to 2.
func (s *LocalStore) GetNeighbors(projectID, id string, depth int) (Subgraph, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "GetNeighbors")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if depth <= 0 {
		depth = 2
	}

	start, ok, err := s.getNodeLocked(projectID, id)
	if err != nil {
		return Subgraph{}, err
	}
	if !ok {
		return Subgraph{}, fmt.Errorf("node %s: %w", id, ErrReference)
	}

	type queueItem struct {
		id    string
		depth int
	}

	visited := map[string]bool{id: true}
	seenEdges := map[int64]bool{}
	sub := Subgraph{Nodes: []Node{start}}
	queue := []queueItem{{id: id, depth: 0}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.depth >= depth {
			continue
		}

		edges, err := s.edgesForLocked(projectID, current.id)
		if err != nil {
			return Subgraph{}, err
		}

		for _, e := range edges {
			if !seenEdges[e.ID] {
				seenEdges[e.ID] = true
				sub.Edges = append(sub.Edges, e)
			}
			for _, next := range []string{e.SourceID, e.TargetID} {
				if visited[next] {
					continue
				}
				visited[next] = true
				node, ok, err := s.getNodeLocked(projectID, next)
				if err != nil {
					return Subgraph{}, err
				}
				if ok {
					sub.Nodes = append(sub.Nodes, node)
				}
				queue = append(queue, queueItem{id: next, depth: current.depth + 1})
			}
		}
	}

	logging.GraphDebug("GetNeighbors(%s, depth=%d): %d nodes, %d edges", id, depth, len(sub.Nodes), len(sub.Edges))
	return sub, nil
}

// RankCentrality orders nodes by degree centrality (edge count, ties broken
// by recency then id for stable output). Used to decide what the assembler
// surfaces first under tight budgets.
func (s *LocalStore) RankCentrality(projectID string) ([]Node, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "RankCentrality")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT n.id, n.node_type, n.name, n.properties, n.updated_at,
		        (SELECT COUNT(*) FROM edges e
		         WHERE e.project_id = n.project_id AND (e.source_id = n.id OR e.target_id = n.id)) AS degree
		 FROM nodes n
		 WHERE n.project_id = ?`,
		projectID,
	)
	if err != nil {
		logging.Get(logging.CategoryGraph).Error("Centrality query failed: %v", err)
		return nil, err
	}
	defer rows.Close()

	type ranked struct {
		node   Node
		degree int
	}
	var all []ranked
	for rows.Next() {
		var r ranked
		var propsJSON sql.NullString
		if err := rows.Scan(&r.node.ID, &r.node.Type, &r.node.Name, &propsJSON, &r.node.UpdatedAt, &r.degree); err != nil {
			logging.Get(logging.CategoryGraph).Warn("Centrality row scan failed: %v", err)
			continue
		}
		r.node.ProjectID = projectID
		if propsJSON.Valid && propsJSON.String != "" {
			if err := json.Unmarshal([]byte(propsJSON.String), &r.node.Properties); err != nil {
				logging.Get(logging.CategoryGraph).Warn("Properties unmarshal failed for %s: %v", r.node.ID, err)
			}
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].degree != all[j].degree {
			return all[i].degree > all[j].degree
		}
		if !all[i].node.UpdatedAt.Equal(all[j].node.UpdatedAt) {
			return all[i].node.UpdatedAt.After(all[j].node.UpdatedAt)
		}
		return all[i].node.ID < all[j].node.ID
	})

	nodes := make([]Node, len(all))
	for i, r := range all {
		nodes[i] = r.node
	}
	return nodes, nil
}
