// Package consolidator is the background ETL between the fast decision
// ledger and the durable knowledge graph. It promotes structured ledger
// entries deterministically, runs unstructured session text through the
// advisory extractor, and queues a ConflictRecord whenever an incoming fact
// contradicts stored canon instead of writing over it.
package consolidator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"plotloom/internal/health"
	"plotloom/internal/logging"
	"plotloom/internal/perception"
	"plotloom/internal/store"
)

// categoryNodeType is the deterministic ledger category -> graph node type
// mapping for structured promotion.
var categoryNodeType = map[string]string{
	store.CategoryCharacter:  store.NodeCharacter,
	store.CategoryWorld:      store.NodeLocation,
	store.CategoryStructure:  store.NodeEvent,
	store.CategoryConstraint: store.NodeRule,
	store.CategoryPreference: store.NodeRule,
	store.CategoryVoice:      store.NodeTheme,
}

// CycleStats summarizes one consolidation pass over a project.
type CycleStats struct {
	Promoted  int
	Committed int
	Conflicts int
	Skipped   int
}

func (s CycleStats) add(o CycleStats) CycleStats {
	s.Promoted += o.Promoted
	s.Committed += o.Committed
	s.Conflicts += o.Conflicts
	s.Skipped += o.Skipped
	return s
}

// Consolidator runs promotion cycles, either on an interval or on request.
type Consolidator struct {
	store     *store.LocalStore
	extractor perception.TripleExtractor
	alerts    *health.Reporter

	batchSize   int
	maxParallel int

	requests chan string
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

func New(st *store.LocalStore, extractor perception.TripleExtractor, alerts *health.Reporter, batchSize, maxParallel int) *Consolidator {
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Consolidator{
		store:       st,
		extractor:   extractor,
		alerts:      alerts,
		batchSize:   batchSize,
		maxParallel: maxParallel,
		requests:    make(chan string, 16),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// RequestCycle asks for a prompt consolidation of one project. Non-blocking:
// if the queue is full a scheduled cycle will pick the work up anyway.
func (c *Consolidator) RequestCycle(projectID string) {
	select {
	case c.requests <- projectID:
	default:
		logging.ConsolidateDebug("Cycle request queue full, %s deferred to scheduled cycle", projectID)
	}
}

// Start runs the background loop until Stop or context cancellation.
func (c *Consolidator) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.started = true
	go c.loop(ctx, interval)
	logging.Consolidate("Consolidator started: interval=%s batch=%d parallel=%d", interval, c.batchSize, c.maxParallel)
}

// Stop terminates the background loop and waits for the in-flight cycle to
// drain.
func (c *Consolidator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if !c.started {
		return
	}
	<-c.done
}

func (c *Consolidator) loop(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case projectID := <-c.requests:
			if _, err := c.ConsolidateProject(ctx, projectID); err != nil {
				logging.Get(logging.CategoryConsolidate).Error("Requested cycle failed for %s: %v", projectID, err)
			}
		case <-ticker.C:
			if _, err := c.RunCycle(ctx); err != nil {
				logging.Get(logging.CategoryConsolidate).Error("Scheduled cycle failed: %v", err)
			}
		}
	}
}

// RunCycle consolidates every known project, bounded-parallel.
func (c *Consolidator) RunCycle(ctx context.Context) (CycleStats, error) {
	timer := logging.StartTimer(logging.CategoryConsolidate, "RunCycle")
	defer timer.StopWithInfo()

	projects, err := c.store.ListProjects()
	if err != nil {
		return CycleStats{}, fmt.Errorf("failed to list projects: %w", err)
	}

	var (
		mu    sync.Mutex
		total CycleStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel)

	for _, projectID := range projects {
		projectID := projectID
		g.Go(func() error {
			stats, err := c.ConsolidateProject(gctx, projectID)
			if err != nil {
				return fmt.Errorf("project %s: %w", projectID, err)
			}
			mu.Lock()
			total = total.add(stats)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return total, err
	}
	logging.Consolidate("Cycle complete: %d project(s), promoted=%d committed=%d conflicts=%d skipped=%d",
		len(projects), total.Promoted, total.Committed, total.Conflicts, total.Skipped)
	return total, nil
}

// ConsolidateProject promotes one project's pending work under its lock.
// Every merged item is committed individually, so a crash mid-batch never
// loses committed progress and never reprocesses it; re-running the same
// batch is idempotent because every graph write is an upsert.
func (c *Consolidator) ConsolidateProject(ctx context.Context, projectID string) (CycleStats, error) {
	timer := logging.StartTimer(logging.CategoryConsolidate, "ConsolidateProject")
	defer timer.Stop()

	lock := c.store.Locks().Get(projectID)
	lock.Lock()
	defer lock.Unlock()

	var stats CycleStats

	entries, err := c.store.UnpromotedEntries(projectID, c.batchSize)
	if err != nil {
		return stats, err
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		promoted, conflicted, perr := c.promoteEntry(projectID, e)
		if perr != nil {
			logging.Get(logging.CategoryConsolidate).Error("Failed to promote %s/%s: %v", projectID, e.Key, perr)
			stats.Skipped++
			continue
		}
		if conflicted {
			stats.Conflicts++
		}
		if promoted {
			stats.Promoted++
		}
	}

	events, err := c.store.UncommittedEvents(projectID, c.batchSize)
	if err != nil {
		return stats, err
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		committed, conflicts, eerr := c.processEvent(ctx, projectID, ev)
		stats.Conflicts += conflicts
		if eerr != nil {
			// Unusable extraction output: leave uncommitted, retry next
			// cycle.
			logging.ConsolidateDebug("Leaving event %s for next cycle: %v", ev.ID, eerr)
			stats.Skipped++
			continue
		}
		if committed {
			stats.Committed++
		}
	}

	return stats, nil
}

// splitKey derives (subject, attribute) from a ledger key like
// "elena_fatal_flaw": the first segment is the subject, the rest the
// attribute.
func splitKey(key string) (string, string) {
	parts := strings.SplitN(key, "_", 2)
	if len(parts) < 2 || parts[1] == "" {
		return key, "value"
	}
	return parts[0], parts[1]
}

// promoteEntry merges one structured ledger entry into the graph, or queues
// a conflict and leaves both the entry and the graph untouched.
func (c *Consolidator) promoteEntry(projectID string, e store.KBEntry) (promoted, conflicted bool, err error) {
	nodeType, ok := categoryNodeType[e.Category]
	if !ok {
		return false, false, fmt.Errorf("no node type mapping for category %q", e.Category)
	}
	subject, attribute := splitKey(e.Key)

	existing, found, err := c.store.GetNodeAttribute(projectID, nodeType, subject, attribute)
	if err != nil {
		return false, false, err
	}
	if found {
		if existingStr, isStr := existing.(string); isStr && Incompatible(existingStr, e.Value) {
			if err := c.raiseConflict(projectID, subject, attribute, existingStr, e.Value, "ledger:"+e.Key); err != nil {
				return false, false, err
			}
			return false, true, nil
		}
	}

	props := map[string]interface{}{"name": subject}
	if attribute != "name" {
		props[attribute] = e.Value
	}
	if _, err := c.store.AddNode(projectID, nodeType, props); err != nil {
		return false, false, err
	}
	if err := c.store.MarkPromoted(projectID, e.Key); err != nil {
		return false, false, err
	}

	logging.ConsolidateDebug("Promoted %s/%s -> %s node %q", projectID, e.Key, nodeType, subject)
	return true, false, nil
}

// processEvent extracts candidate facts from one raw event and merges the
// compatible ones. Extractor output is advisory: each triple is checked
// against the graph before it touches anything.
func (c *Consolidator) processEvent(ctx context.Context, projectID string, ev store.SessionEvent) (committed bool, conflicts int, err error) {
	if c.extractor == nil {
		return false, 0, errors.New("no extractor configured")
	}

	triples, err := c.extractor.Extract(ctx, ev.Content)
	if err != nil {
		return false, 0, err
	}

	for _, t := range triples {
		nodeType, ok := categoryNodeType[t.SubjectType]
		if !ok {
			nodeType = validNodeType(t.SubjectType)
		}
		if nodeType == "" {
			logging.ConsolidateDebug("Dropping triple with unknown subject type %q", t.SubjectType)
			continue
		}

		subject := strings.ToLower(strings.TrimSpace(t.Subject))
		existing, found, gerr := c.store.GetNodeAttribute(projectID, nodeType, subject, t.Attribute)
		if gerr != nil {
			return false, conflicts, gerr
		}
		if found {
			if existingStr, isStr := existing.(string); isStr && Incompatible(existingStr, t.Value) {
				if cerr := c.raiseConflict(projectID, subject, t.Attribute, existingStr, t.Value, "event:"+ev.ID); cerr != nil {
					return false, conflicts, cerr
				}
				conflicts++
				continue
			}
		}

		props := map[string]interface{}{"name": subject}
		if t.Attribute != "name" {
			props[t.Attribute] = t.Value
		}
		if _, aerr := c.store.AddNode(projectID, nodeType, props); aerr != nil {
			return false, conflicts, aerr
		}

		// When the value names a known entity, record the relation as an
		// edge too.
		c.linkIfEntity(projectID, nodeType, subject, t.Attribute, t.Value)
	}

	if err := c.store.MarkCommitted(projectID, ev.ID); err != nil {
		return false, conflicts, err
	}
	return true, conflicts, nil
}

// linkIfEntity adds an edge subject -[attribute]-> value when both endpoints
// exist as nodes. Best effort; a miss is not an error.
func (c *Consolidator) linkIfEntity(projectID, subjectType, subject, attribute, value string) {
	source, ok, err := c.store.FindNode(projectID, subjectType, subject)
	if err != nil || !ok {
		return
	}
	for _, targetType := range []string{store.NodeCharacter, store.NodeLocation, store.NodeEvent, store.NodeTheme, store.NodeRule} {
		target, ok, err := c.store.FindNode(projectID, targetType, value)
		if err != nil || !ok {
			continue
		}
		if err := c.store.AddEdge(projectID, source.ID, target.ID, attribute, nil); err != nil {
			logging.ConsolidateDebug("Edge link skipped: %v", err)
		}
		return
	}
}

func (c *Consolidator) raiseConflict(projectID, subject, attribute, existing, incoming, sourceRef string) error {
	id, created, err := c.store.QueueConflict(projectID, subject, attribute, existing, incoming, []string{sourceRef})
	if err != nil {
		return err
	}
	// A re-detected open conflict already alerted; alerting again every
	// cycle until the author resolves it is noise.
	if !created {
		logging.ConsolidateDebug("Conflict still open, alert suppressed: %s", id)
		return nil
	}
	if aerr := c.alerts.ReportConflict(projectID, store.ConflictRecord{
		ID:           id,
		ProjectID:    projectID,
		Subject:      subject,
		Attribute:    attribute,
		ExistingFact: existing,
		IncomingFact: incoming,
	}); aerr != nil {
		logging.Get(logging.CategoryConsolidate).Warn("Failed to emit conflict alert: %v", aerr)
	}

	logging.Consolidate("Conflict detected: %s.%s existing=%q incoming=%q", subject, attribute, existing, incoming)
	return nil
}

// validNodeType passes through a recognized node type, empty otherwise.
func validNodeType(t string) string {
	switch t {
	case store.NodeCharacter, store.NodeLocation, store.NodeEvent, store.NodeTheme, store.NodeRule:
		return t
	}
	return ""
}
