package store

import (
	"fmt"
	"time"

	"plotloom/internal/logging"
)

// =============================================================================
// DECISION LEDGER (short-term, fast-write memory)
// =============================================================================

// Ledger categories. Character and constraint entries are foundational: they
// are always retrieved regardless of the context limit, because a
// protagonist's defining flaw must survive months of scene-level decisions.
const (
	CategoryCharacter  = "character"
	CategoryWorld      = "world"
	CategoryStructure  = "structure"
	CategoryConstraint = "constraint"
	CategoryPreference = "preference"
	CategoryVoice      = "voice"
)

// foundationalCategories are never evicted from context retrieval.
var foundationalCategories = map[string]bool{
	CategoryCharacter:  true,
	CategoryConstraint: true,
}

// validCategories guards SaveDecision input.
var validCategories = map[string]bool{
	CategoryCharacter:  true,
	CategoryWorld:      true,
	CategoryStructure:  true,
	CategoryConstraint: true,
	CategoryPreference: true,
	CategoryVoice:      true,
}

// KBEntry is one ledger row: a decision captured during a turn, not yet
// durable in the graph.
type KBEntry struct {
	ID         int64
	ProjectID  string
	Category   string
	Key        string
	Value      string
	Source     string
	IsPromoted bool
	UpdatedAt  time.Time
}

// IsFoundational reports whether the entry survives every retrieval budget.
func (e KBEntry) IsFoundational() bool {
	return foundationalCategories[e.Category]
}

// SaveDecision upserts a ledger entry by (project, key). Re-dispatching the
// same action is a no-op beyond refreshing updated_at, which makes direct
// capture idempotent.
//
// A promoted entry is immutable except through explicit conflict resolution:
// attempting to overwrite one fails rather than silently corrupting canon.
func (s *LocalStore) SaveDecision(projectID, category, key, value, source string) error {
	timer := logging.StartTimer(logging.CategoryLedger, "SaveDecision")
	defer timer.Stop()

	if projectID == "" || key == "" {
		return fmt.Errorf("invalid decision: project_id and key must be non-empty")
	}
	if !validCategories[category] {
		return fmt.Errorf("invalid ledger category %q", category)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var promoted bool
	var existingValue string
	err := s.db.QueryRow(
		`SELECT is_promoted, value FROM kb_entries WHERE project_id = ? AND key = ?`,
		projectID, key,
	).Scan(&promoted, &existingValue)
	if err == nil && promoted && existingValue != value {
		logging.Get(logging.CategoryLedger).Warn("Rejected write to promoted entry %s/%s", projectID, key)
		return fmt.Errorf("entry %q is promoted; changing it requires conflict resolution", key)
	}

	logging.LedgerDebug("SaveDecision: project=%s category=%s key=%s", projectID, category, key)

	_, err = s.db.Exec(
		`INSERT INTO kb_entries (project_id, category, key, value, source) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, key)
		 DO UPDATE SET category = excluded.category, value = excluded.value,
		               source = excluded.source, updated_at = CURRENT_TIMESTAMP`,
		projectID, category, key, value, source,
	)
	if err != nil {
		logging.Get(logging.CategoryLedger).Error("Failed to save decision %s/%s: %v", projectID, key, err)
		return err
	}

	return nil
}

// GetContext returns the tiered context excerpt for a project.
//
// Retrieval algorithm: ALL foundational entries (character, constraint) are
// always included regardless of limit; the remaining budget is filled with
// volatile entries (world, structure, preference, voice) ordered by recency
// descending. limit <= 0 means foundational entries only.
func (s *LocalStore) GetContext(projectID string, limit int) ([]KBEntry, error) {
	timer := logging.StartTimer(logging.CategoryLedger, "GetContext")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	foundational, err := s.queryEntriesLocked(
		`SELECT id, category, key, value, COALESCE(source, ''), is_promoted, updated_at
		 FROM kb_entries
		 WHERE project_id = ? AND category IN (?, ?)
		 ORDER BY updated_at DESC, id DESC`,
		projectID, CategoryCharacter, CategoryConstraint,
	)
	if err != nil {
		return nil, err
	}

	remaining := limit - len(foundational)
	if remaining <= 0 {
		logging.LedgerDebug("GetContext: %d foundational entries fill the budget (limit=%d)", len(foundational), limit)
		return foundational, nil
	}

	volatile, err := s.queryEntriesLocked(
		`SELECT id, category, key, value, COALESCE(source, ''), is_promoted, updated_at
		 FROM kb_entries
		 WHERE project_id = ? AND category NOT IN (?, ?)
		 ORDER BY updated_at DESC, id DESC
		 LIMIT ?`,
		projectID, CategoryCharacter, CategoryConstraint, remaining,
	)
	if err != nil {
		return nil, err
	}

	logging.LedgerDebug("GetContext: %d foundational + %d volatile entries (limit=%d)",
		len(foundational), len(volatile), limit)
	return append(foundational, volatile...), nil
}

// UnpromotedEntries returns ledger entries awaiting consolidation.
func (s *LocalStore) UnpromotedEntries(projectID string, limit int) ([]KBEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	return s.queryEntriesLocked(
		`SELECT id, category, key, value, COALESCE(source, ''), is_promoted, updated_at
		 FROM kb_entries
		 WHERE project_id = ? AND is_promoted = FALSE
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		projectID, limit,
	)
}

// MarkPromoted flips is_promoted on a single entry. Promotion is a flag flip,
// not a deletion; the ledger row remains the audit trail of the decision.
func (s *LocalStore) MarkPromoted(projectID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE kb_entries SET is_promoted = TRUE, updated_at = CURRENT_TIMESTAMP
		 WHERE project_id = ? AND key = ?`,
		projectID, key,
	)
	if err != nil {
		logging.Get(logging.CategoryLedger).Error("Failed to mark %s/%s promoted: %v", projectID, key, err)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger entry %q not found for project %s", key, projectID)
	}

	logging.LedgerDebug("Entry promoted: %s/%s", projectID, key)
	return nil
}

// queryEntriesLocked runs an entry query assuming the caller holds s.mu.
func (s *LocalStore) queryEntriesLocked(query string, args ...interface{}) ([]KBEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		logging.Get(logging.CategoryLedger).Error("Ledger query failed: %v", err)
		return nil, err
	}
	defer rows.Close()

	var entries []KBEntry
	for rows.Next() {
		var e KBEntry
		if err := rows.Scan(&e.ID, &e.Category, &e.Key, &e.Value, &e.Source, &e.IsPromoted, &e.UpdatedAt); err != nil {
			logging.Get(logging.CategoryLedger).Warn("Ledger row scan failed: %v", err)
			continue
		}
		e.ProjectID = fmt.Sprint(args[0])
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
