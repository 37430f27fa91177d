package store

import (
	"fmt"
	"time"

	"plotloom/internal/logging"

	"github.com/google/uuid"
)

// =============================================================================
// SESSION EVENTS (raw conversation awaiting consolidation)
// =============================================================================

// SessionEvent is one raw conversation message. committed flips exactly once,
// when the consolidator has finished extracting from it, and never reverts.
type SessionEvent struct {
	ID        string
	ProjectID string
	SessionID string
	Role      string // "user" or "assistant"
	Content   string
	Committed bool
	CreatedAt time.Time
}

// AppendSessionEvent records a conversation message. Returns the event id.
func (s *LocalStore) AppendSessionEvent(projectID, sessionID, role, content string) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "AppendSessionEvent")
	defer timer.Stop()

	if projectID == "" || sessionID == "" || role == "" {
		return "", fmt.Errorf("invalid session event: project/session/role must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO session_events (id, project_id, session_id, role, content) VALUES (?, ?, ?, ?, ?)`,
		id, projectID, sessionID, role, content,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to append session event: %v", err)
		return "", err
	}

	logging.StoreDebug("Session event appended: session=%s role=%s len=%d", sessionID, role, len(content))
	return id, nil
}

// UncommittedEvents returns events the consolidator has not yet processed,
// oldest first so promotion follows conversation order.
func (s *LocalStore) UncommittedEvents(projectID string, limit int) ([]SessionEvent, error) {
	timer := logging.StartTimer(logging.CategoryStore, "UncommittedEvents")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, committed, created_at
		 FROM session_events
		 WHERE project_id = ? AND committed = FALSE
		 ORDER BY rowid ASC
		 LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to query uncommitted events: %v", err)
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Role, &e.Content, &e.Committed, &e.CreatedAt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Session event scan failed: %v", err)
			continue
		}
		e.ProjectID = projectID
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkCommitted flips committed on one event. The flag never reverts; a
// second call is a harmless no-op, which keeps re-consolidation idempotent.
func (s *LocalStore) MarkCommitted(projectID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE session_events SET committed = TRUE WHERE project_id = ? AND id = ? AND committed = FALSE`,
		projectID, eventID,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to mark event %s committed: %v", eventID, err)
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.StoreDebug("Session event committed: %s", eventID)
	}
	return nil
}

// RecentEvents returns the trailing conversation window for prompt assembly,
// newest last.
func (s *LocalStore) RecentEvents(projectID, sessionID string, limit int) ([]SessionEvent, error) {
	timer := logging.StartTimer(logging.CategoryStore, "RecentEvents")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, committed, created_at
		 FROM session_events
		 WHERE project_id = ? AND session_id = ?
		 ORDER BY rowid DESC
		 LIMIT ?`,
		projectID, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Role, &e.Content, &e.Committed, &e.CreatedAt); err != nil {
			continue
		}
		e.ProjectID = projectID
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
