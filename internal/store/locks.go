package store

import "sync"

// ProjectLocks is a keyed mutex set scoping graph/ledger writes per project.
// The turn executor holds a project's lock while applying parsed actions; the
// consolidator holds it while promoting a batch. A live prompt assembly
// therefore reads a consistent pre- or post-consolidation snapshot, never a
// partially-written one.
type ProjectLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProjectLocks creates an empty lock set.
func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{locks: make(map[string]*sync.Mutex)}
}

// Get returns the mutex for a project, creating it on first use.
func (p *ProjectLocks) Get(projectID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.locks[projectID]; ok {
		return l
	}
	l := &sync.Mutex{}
	p.locks[projectID] = l
	return l
}
