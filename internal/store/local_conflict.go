package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"plotloom/internal/logging"

	"github.com/google/uuid"
)

// =============================================================================
// CONFLICT RECORDS (detected contradictions, never auto-resolved)
// =============================================================================

// Conflict statuses.
const (
	ConflictOpen     = "open"
	ConflictResolved = "resolved"
)

// ConflictRecord captures a contradiction between a stored fact and an
// incoming one. The graph is left untouched when one is queued; resolution is
// always an explicit external decision.
type ConflictRecord struct {
	ID           string
	ProjectID    string
	Subject      string
	Attribute    string
	ExistingFact string
	IncomingFact string
	Sources      []string
	Status       string
	CreatedAt    time.Time
}

// QueueConflict records a detected contradiction and returns its id. The
// second return reports whether the record is new; a re-detected open
// conflict comes back with created=false.
func (s *LocalStore) QueueConflict(projectID, subject, attribute, existing, incoming string, sources []string) (string, bool, error) {
	timer := logging.StartTimer(logging.CategoryStore, "QueueConflict")
	defer timer.Stop()

	if projectID == "" || subject == "" {
		return "", false, fmt.Errorf("invalid conflict: project_id and subject must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// An identical open conflict is not duplicated; re-detecting the same
	// contradiction on the next cycle returns the existing record.
	var existingID string
	err := s.db.QueryRow(
		`SELECT id FROM conflicts
		 WHERE project_id = ? AND subject = ? AND attribute = ? AND incoming_fact = ? AND status = ?`,
		projectID, subject, attribute, incoming, ConflictOpen,
	).Scan(&existingID)
	if err == nil {
		logging.StoreDebug("Conflict already queued: %s", existingID)
		return existingID, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, err
	}

	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal conflict sources: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.Exec(
		`INSERT INTO conflicts (id, project_id, subject, attribute, existing_fact, incoming_fact, sources, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, projectID, subject, attribute, existing, incoming, string(sourcesJSON), ConflictOpen,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to queue conflict: %v", err)
		return "", false, err
	}

	logging.Store("Conflict queued: subject=%s attribute=%s", subject, attribute)
	return id, true, nil
}

// OpenConflicts returns unresolved conflicts for a project, oldest first.
func (s *LocalStore) OpenConflicts(projectID string) ([]ConflictRecord, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenConflicts")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, subject, attribute, existing_fact, incoming_fact, COALESCE(sources, '[]'), status, created_at
		 FROM conflicts
		 WHERE project_id = ? AND status = ?
		 ORDER BY rowid ASC`,
		projectID, ConflictOpen,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []ConflictRecord
	for rows.Next() {
		var c ConflictRecord
		var sourcesJSON string
		if err := rows.Scan(&c.ID, &c.Subject, &c.Attribute, &c.ExistingFact, &c.IncomingFact, &sourcesJSON, &c.Status, &c.CreatedAt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Conflict row scan failed: %v", err)
			continue
		}
		c.ProjectID = projectID
		if err := json.Unmarshal([]byte(sourcesJSON), &c.Sources); err != nil {
			logging.Get(logging.CategoryStore).Warn("Conflict sources unmarshal failed for %s: %v", c.ID, err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ResolveConflict closes a conflict with an explicit winning value. When
// keepIncoming is true the disputed ledger entry (if any) is rewritten with
// the incoming value and unlocked for re-promotion; otherwise the stored fact
// stands. This is the only path that may change a promoted entry.
func (s *LocalStore) ResolveConflict(projectID, conflictID string, keepIncoming bool) error {
	timer := logging.StartTimer(logging.CategoryStore, "ResolveConflict")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	var subject, attribute, incoming, status string
	err := s.db.QueryRow(
		`SELECT subject, attribute, incoming_fact, status FROM conflicts WHERE project_id = ? AND id = ?`,
		projectID, conflictID,
	).Scan(&subject, &attribute, &incoming, &status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("conflict %s not found for project %s", conflictID, projectID)
	}
	if err != nil {
		return err
	}
	if status == ConflictResolved {
		return fmt.Errorf("conflict %s is already resolved", conflictID)
	}

	if keepIncoming {
		key := subject + "_" + attribute
		_, err = s.db.Exec(
			`UPDATE kb_entries SET value = ?, is_promoted = FALSE, updated_at = CURRENT_TIMESTAMP
			 WHERE project_id = ? AND key = ?`,
			incoming, projectID, key,
		)
		if err != nil {
			return fmt.Errorf("failed to rewrite disputed entry: %w", err)
		}
	}

	_, err = s.db.Exec(
		`UPDATE conflicts SET status = ?, resolved_at = CURRENT_TIMESTAMP WHERE project_id = ? AND id = ?`,
		ConflictResolved, projectID, conflictID,
	)
	if err != nil {
		return err
	}

	logging.Store("Conflict resolved: %s (keepIncoming=%v)", conflictID, keepIncoming)
	return nil
}
