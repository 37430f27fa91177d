package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"plotloom/internal/logging"
	"plotloom/internal/workorder"
)

// =============================================================================
// WORK ORDER PERSISTENCE (one row per project)
// =============================================================================

// LoadWorkOrder returns the project's work order, creating and persisting a
// fresh one at ARCHITECT if the project has none yet.
func (s *LocalStore) LoadWorkOrder(projectID string) (*workorder.WorkOrder, error) {
	timer := logging.StartTimer(logging.CategoryStore, "LoadWorkOrder")
	defer timer.Stop()

	s.mu.RLock()
	wo, found, err := s.loadWorkOrderLocked(projectID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if found {
		return wo, nil
	}

	wo = workorder.New(projectID)
	if err := s.SaveWorkOrder(wo); err != nil {
		return nil, err
	}
	logging.Store("Created work order for project %s at %s", projectID, wo.Mode)
	return wo, nil
}

func (s *LocalStore) loadWorkOrderLocked(projectID string) (*workorder.WorkOrder, bool, error) {
	var mode, templatesJSON string
	var notebooksJSON, overridesJSON sql.NullString
	var createdAt time.Time
	err := s.db.QueryRow(
		`SELECT mode, templates, notebooks, overrides, created_at FROM work_orders WHERE project_id = ?`,
		projectID,
	).Scan(&mode, &templatesJSON, &notebooksJSON, &overridesJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	parsedMode, err := workorder.ParseMode(mode)
	if err != nil {
		return nil, false, fmt.Errorf("work order for %s has corrupt mode: %w", projectID, err)
	}

	wo := &workorder.WorkOrder{
		ProjectID: projectID,
		Mode:      parsedMode,
		Notebooks: make(map[string]string),
		CreatedAt: createdAt,
	}
	if err := json.Unmarshal([]byte(templatesJSON), &wo.Templates); err != nil {
		return nil, false, fmt.Errorf("work order for %s has corrupt templates: %w", projectID, err)
	}
	if notebooksJSON.Valid && notebooksJSON.String != "" {
		if err := json.Unmarshal([]byte(notebooksJSON.String), &wo.Notebooks); err != nil {
			logging.Get(logging.CategoryStore).Warn("Corrupt notebooks for %s, resetting: %v", projectID, err)
		}
	}
	if overridesJSON.Valid && overridesJSON.String != "" {
		if err := json.Unmarshal([]byte(overridesJSON.String), &wo.Overrides); err != nil {
			logging.Get(logging.CategoryStore).Warn("Corrupt override trail for %s: %v", projectID, err)
		}
	}
	return wo, true, nil
}

// SaveWorkOrder upserts the project's work order row.
func (s *LocalStore) SaveWorkOrder(wo *workorder.WorkOrder) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveWorkOrder")
	defer timer.Stop()

	if wo == nil || wo.ProjectID == "" {
		return fmt.Errorf("invalid work order: project_id must be non-empty")
	}

	templatesJSON, err := json.Marshal(wo.Templates)
	if err != nil {
		return fmt.Errorf("failed to marshal templates: %w", err)
	}
	notebooksJSON, err := json.Marshal(wo.Notebooks)
	if err != nil {
		return fmt.Errorf("failed to marshal notebooks: %w", err)
	}
	overridesJSON, err := json.Marshal(wo.Overrides)
	if err != nil {
		return fmt.Errorf("failed to marshal overrides: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO work_orders (project_id, mode, templates, notebooks, overrides)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id)
		 DO UPDATE SET mode = excluded.mode, templates = excluded.templates,
		               notebooks = excluded.notebooks, overrides = excluded.overrides,
		               updated_at = CURRENT_TIMESTAMP`,
		wo.ProjectID, string(wo.Mode), string(templatesJSON), string(notebooksJSON), string(overridesJSON),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save work order for %s: %v", wo.ProjectID, err)
		return err
	}

	logging.StoreDebug("Work order saved: project=%s mode=%s completion=%.0f%%",
		wo.ProjectID, wo.Mode, wo.CompletionPercentage())
	return nil
}

// ListProjects returns every project id with a work order, used by the
// consolidator to iterate projects per cycle.
func (s *LocalStore) ListProjects() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT project_id FROM work_orders ORDER BY project_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		projects = append(projects, id)
	}
	return projects, rows.Err()
}
