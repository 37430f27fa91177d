// Package store implements plotloom's durable state over SQLite:
// the knowledge graph (nodes, edges), the decision ledger, session events,
// conflict records, and persisted work orders. All tables are keyed by
// project_id so multiple projects share one database file.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"plotloom/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// LocalStore is the single persistence owner. Writes go through either the
// Action Dispatcher (direct capture) or the Consolidator (promotion); nothing
// else mutates these tables.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	locks *ProjectLocks
}

// NewLocalStore initializes the SQLite database at the given path.
func NewLocalStore(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Initializing LocalStore at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// NORMAL is safe with WAL and substantially faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	store := &LocalStore{db: db, dbPath: path, locks: NewProjectLocks()}
	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("LocalStore initialization complete (graph, ledger, sessions, conflicts, work orders)")
	return store, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	// Knowledge graph nodes. One row per (project, type, normalized name);
	// AddNode dedupes against norm_name and merges properties.
	nodesTable := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		node_type TEXT NOT NULL,
		name TEXT NOT NULL,
		norm_name TEXT NOT NULL,
		properties TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(project_id, node_type, norm_name)
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(project_id, node_type);
	`

	// Knowledge graph edges. Endpoint existence is enforced in AddEdge, not
	// by a foreign key, so a violation surfaces as ErrReference instead of a
	// driver-specific constraint error.
	edgesTable := `
	CREATE TABLE IF NOT EXISTS edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		properties TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(project_id, source_id, relation, target_id)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(project_id, source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(project_id, target_id);
	CREATE INDEX IF NOT EXISTS idx_edges_relation ON edges(project_id, relation);
	`

	// Decision ledger. Upsert key is (project_id, key).
	kbTable := `
	CREATE TABLE IF NOT EXISTS kb_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		category TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		source TEXT,
		is_promoted BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(project_id, key)
	);
	CREATE INDEX IF NOT EXISTS idx_kb_project ON kb_entries(project_id);
	CREATE INDEX IF NOT EXISTS idx_kb_category ON kb_entries(project_id, category);
	CREATE INDEX IF NOT EXISTS idx_kb_promoted ON kb_entries(project_id, is_promoted);
	`

	// Raw conversation events awaiting consolidation.
	sessionTable := `
	CREATE TABLE IF NOT EXISTS session_events (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		committed BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON session_events(project_id, session_id);
	CREATE INDEX IF NOT EXISTS idx_events_committed ON session_events(project_id, committed);
	`

	// Detected contradictions. Never auto-resolved.
	conflictsTable := `
	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		attribute TEXT NOT NULL,
		existing_fact TEXT NOT NULL,
		incoming_fact TEXT NOT NULL,
		sources TEXT,
		status TEXT DEFAULT 'open',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		resolved_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_project ON conflicts(project_id, status);
	`

	// One work order per project; templates and notebooks are JSON blobs.
	workOrdersTable := `
	CREATE TABLE IF NOT EXISTS work_orders (
		project_id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		templates TEXT NOT NULL,
		notebooks TEXT,
		overrides TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	for _, table := range []string{
		nodesTable,
		edgesTable,
		kbTable,
		sessionTable,
		conflictsTable,
		workOrdersTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Locks returns the per-project lock set shared by the turn executor and the
// consolidator. Holding a project's lock guarantees a consistent pre- or
// post-consolidation snapshot.
func (s *LocalStore) Locks() *ProjectLocks {
	return s.locks
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	logging.Store("Closing LocalStore database connection")
	return s.db.Close()
}

// GetDB returns the underlying SQL database connection.
func (s *LocalStore) GetDB() *sql.DB {
	return s.db
}

// GetStats returns per-table row counts for the status command.
func (s *LocalStore) GetStats(projectID string) (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GetStats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"nodes", "edges", "kb_entries", "session_events", "conflicts"}

	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE project_id = ?", table), projectID).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}

	return stats, nil
}
