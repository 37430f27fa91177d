package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"plotloom/internal/articulation"
	"plotloom/internal/config"
	"plotloom/internal/consolidator"
	"plotloom/internal/health"
	"plotloom/internal/logging"
	"plotloom/internal/perception"
	"plotloom/internal/prompt"
	"plotloom/internal/session"
	"plotloom/internal/store"
	"plotloom/internal/workorder"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string
	projectID string
	sessionID string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "plotloom",
	Short: "plotloom - durable narrative context for long-form writing sessions",
	Long: `plotloom keeps a writing project's canon alive across sessions.

Decisions land in a tiered ledger, a background consolidator promotes them
into a knowledge graph, and every model turn is assembled from that durable
state instead of a scrolling transcript. Contradictions are surfaced for the
author to resolve; nothing overwrites canon silently.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			workspace, _ = os.Getwd()
		}

		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("Category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// initCmd sets up the .plotloom workspace directory
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize plotloom in the current workspace",
	Long: `Creates the .plotloom/ directory with a default config.json, plus
empty prompts/ and research/ directories for layer overrides and research
source material.

Run this once per writing project.`,
	RunE: runInit,
}

// turnCmd runs one conversational turn
var turnCmd = &cobra.Command{
	Use:   "turn [input]",
	Short: "Run one conversational turn against the model",
	Long: `Assembles a prompt from the project's current mode, ledger, and recent
conversation, calls the model, and applies the actions in its reply.

A failed model call leaves no trace; rerun the turn to retry.

Example:
  plotloom turn -p novel "Elena's fatal flaw is distrust"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTurn,
}

// consolidateCmd runs the promotion pipeline
var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Promote ledger entries and session events into the knowledge graph",
	Long: `Runs one consolidation cycle over every project in the store: structured
ledger entries become graph nodes, raw session events go through the
extraction collaborator, and contradictions are queued as conflicts.

With --watch, keeps running on the configured interval until interrupted.`,
	RunE: runConsolidate,
}

// statusCmd shows project state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show project mode, template progress, and store counts",
	RunE:  showStatus,
}

// conflictsCmd manages queued contradictions
var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List and resolve detected canon contradictions",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open conflicts for the project",
	RunE:  listConflicts,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [conflict-id]",
	Short: "Resolve a conflict by keeping the existing or the incoming fact",
	Long: `Resolves one queued contradiction. By default the existing fact wins and
the incoming claim is discarded; pass --keep-incoming to rewrite canon with
the new fact instead.`,
	Args: cobra.ExactArgs(1),
	RunE: resolveConflict,
}

// advanceCmd moves the work order forward through its phases
var advanceCmd = &cobra.Command{
	Use:   "advance [mode]",
	Short: "Advance the project to a later phase",
	Long: `Advances the work order to the target phase. Every phase between the
current one and the target must have its templates complete; a denied
transition lists exactly what is missing.

Phases, in order: ARCHITECT, VOICE_CALIBRATION, DIRECTOR, EDITOR.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdvance,
}

// overrideCmd skips phase gates, with an audit trail
var overrideCmd = &cobra.Command{
	Use:   "override [mode]",
	Short: "Force the project into a phase, skipping incomplete gates",
	Long: `Moves the work order to the target phase regardless of template state.
The skipped gate is recorded in the audit trail and raised as an alert.

Example:
  plotloom override -p novel DIRECTOR --reason "outline lives in my head"`,
	Args: cobra.ExactArgs(1),
	RunE: runOverride,
}

// ledgerCmd inspects the decision ledger
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the decision ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries, foundational first",
	RunE:  listLedger,
}

var (
	watchMode    bool
	keepIncoming bool
	overrideWhy  string
	ledgerLimit  int
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&projectID, "project", "p", "default", "Project id")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "cli", "Session id")

	consolidateCmd.Flags().BoolVar(&watchMode, "watch", false, "Keep consolidating on the configured interval")
	conflictsResolveCmd.Flags().BoolVar(&keepIncoming, "keep-incoming", false, "Rewrite canon with the incoming fact")
	overrideCmd.Flags().StringVar(&overrideWhy, "reason", "", "Why the gate is being skipped")
	ledgerListCmd.Flags().IntVar(&ledgerLimit, "limit", 50, "Max volatile entries to show")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	ledgerCmd.AddCommand(ledgerListCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(turnCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolvePath anchors a config-relative path at the workspace.
func resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

// openStore loads config and opens the SQLite store.
func openStore() (*config.Config, *store.LocalStore, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewLocalStore(resolvePath(cfg.Storage.DatabasePath))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return cfg, st, nil
}

// loadResources reads .plotloom/research/* into research resources. The file
// name is the resource id; the first line is its description.
func loadResources() []perception.Resource {
	dir := filepath.Join(workspace, ".plotloom", "research")
	names, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var resources []perception.Resource
	for _, entry := range names {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn("Skipping unreadable research file", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		content := string(data)
		desc, _, _ := strings.Cut(content, "\n")
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		resources = append(resources, perception.Resource{
			ID:          id,
			Description: strings.TrimSpace(strings.TrimLeft(desc, "# ")),
			Content:     content,
		})
	}
	return resources
}

func resourceHandles(resources []perception.Resource) []prompt.ResourceHandle {
	handles := make([]prompt.ResourceHandle, 0, len(resources))
	for _, r := range resources {
		handles = append(handles, prompt.ResourceHandle{ID: r.ID, Description: r.Description})
	}
	return handles
}

// newExtractor builds the extraction collaborator, or nil when no key is
// configured. The consolidator degrades gracefully: structured entries still
// promote, raw events wait.
func newExtractor(ctx context.Context, cfg *config.Config) perception.TripleExtractor {
	if cfg.Extraction.APIKey == "" {
		logger.Debug("No extraction key configured, raw events will not consolidate")
		return nil
	}
	ex, err := perception.NewGenAIExtractor(ctx, cfg.Extraction)
	if err != nil {
		logger.Warn("Extraction collaborator unavailable", zap.Error(err))
		return nil
	}
	return ex
}

// runInit creates the workspace directory structure
func runInit(cmd *cobra.Command, args []string) error {
	for _, sub := range []string{"prompts", "research"} {
		if err := os.MkdirAll(filepath.Join(workspace, ".plotloom", sub), 0755); err != nil {
			return fmt.Errorf("failed to create workspace directories: %w", err)
		}
	}

	if _, err := os.Stat(config.Path(workspace)); err == nil {
		fmt.Println("Workspace already initialized. Use 'plotloom status' to view project state.")
		return nil
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(workspace); err != nil {
		return err
	}

	fmt.Printf("Initialized plotloom workspace at %s\n", filepath.Join(workspace, ".plotloom"))
	fmt.Println("Set PLOTLOOM_API_KEY (and optionally PLOTLOOM_EXTRACTION_API_KEY), then run 'plotloom turn'.")
	return nil
}

// runTurn executes one conversational turn end to end
func runTurn(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	input := strings.Join(args, " ")
	logger.Info("Running turn",
		zap.String("project", projectID),
		zap.String("session", sessionID))

	corpus, err := prompt.LoadCorpus(resolvePath(cfg.Prompt.LayerDir))
	if err != nil {
		return fmt.Errorf("failed to load prompt layers: %w", err)
	}

	llm := perception.NewOpenAIClient(cfg.LLM, cfg.LLMTimeout())
	resources := loadResources()
	research := perception.NewModelResearchClient(llm, resources)
	alerts := health.NewReporter(workspace)
	cons := consolidator.New(st, newExtractor(ctx, cfg), alerts,
		cfg.Consolidator.BatchSize, cfg.Consolidator.MaxParallel)

	// The consolidate action fires while dispatch holds the project lock, so
	// the cycle itself runs after the turn has fully committed.
	var (
		pendingMu sync.Mutex
		pending   []string
	)
	dispatcher := articulation.NewDispatcher(st, research, alerts, func(pid string) {
		pendingMu.Lock()
		pending = append(pending, pid)
		pendingMu.Unlock()
	})

	executor := session.NewExecutor(st, prompt.NewAssembler(corpus), llm, dispatcher, cfg, resourceHandles(resources))

	result, err := executor.RunTurn(ctx, projectID, sessionID, input)
	if err != nil {
		if errors.Is(err, perception.ErrRetryable) {
			return fmt.Errorf("model call failed, rerun to retry: %w", err)
		}
		return err
	}

	fmt.Println(result.Message)
	for _, r := range result.Results {
		if r.Err != nil {
			fmt.Printf("  ✗ %s: %v\n", r.Action.Type, r.Err)
		} else if r.Info != "" {
			fmt.Printf("  ✓ %s (%s)\n", r.Action.Type, r.Info)
		} else {
			fmt.Printf("  ✓ %s\n", r.Action.Type)
		}
	}

	pendingMu.Lock()
	requested := pending
	pendingMu.Unlock()
	for _, pid := range requested {
		stats, cerr := cons.ConsolidateProject(ctx, pid)
		if cerr != nil {
			logger.Warn("Requested consolidation failed", zap.String("project", pid), zap.Error(cerr))
			continue
		}
		fmt.Printf("  consolidated: %d promoted, %d committed, %d conflicts\n",
			stats.Promoted, stats.Committed, stats.Conflicts)
	}
	return nil
}

// runConsolidate runs the promotion pipeline once, or on an interval
func runConsolidate(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alerts := health.NewReporter(workspace)
	cons := consolidator.New(st, newExtractor(ctx, cfg), alerts,
		cfg.Consolidator.BatchSize, cfg.Consolidator.MaxParallel)

	if !watchMode {
		stats, err := cons.RunCycle(ctx)
		if err != nil {
			return fmt.Errorf("consolidation cycle failed: %w", err)
		}
		fmt.Printf("Cycle complete: %d promoted, %d committed, %d conflicts, %d skipped\n",
			stats.Promoted, stats.Committed, stats.Conflicts, stats.Skipped)
		return nil
	}

	// Watch mode reloads the logging section when config.json changes.
	watcher, werr := config.NewWatcher(workspace)
	if werr == nil {
		if werr = watcher.Start(); werr == nil {
			defer watcher.Stop()
		}
	}
	if werr != nil {
		logger.Warn("Config watcher unavailable", zap.Error(werr))
	}

	interval := cfg.ConsolidatorInterval()
	logger.Info("Consolidator watching", zap.Duration("interval", interval))
	cons.Start(ctx, interval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cons.Stop()
	fmt.Println("Consolidator stopped")
	return nil
}

// showStatus displays project state
func showStatus(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	wo, err := st.LoadWorkOrder(projectID)
	if err != nil {
		return err
	}

	fmt.Printf("Project: %s\n", projectID)
	fmt.Println("=========================")
	fmt.Printf("Mode:       %s\n", wo.Mode)
	fmt.Printf("Completion: %.0f%%\n", wo.CompletionPercentage())
	fmt.Printf("Model:      %s (window %d tokens)\n", cfg.LLM.Model, cfg.LLM.ContextWindowTokens)
	if len(wo.Overrides) > 0 {
		fmt.Printf("Overrides:  %d gate(s) skipped\n", len(wo.Overrides))
	}
	fmt.Println()

	fmt.Println("Templates:")
	for _, tpl := range wo.Templates {
		line := fmt.Sprintf("  [%s] %-18s %s", tpl.Mode, tpl.Name, tpl.Status)
		if len(tpl.MissingFields) > 0 {
			line += " (missing: " + strings.Join(tpl.MissingFields, ", ") + ")"
		}
		fmt.Println(line)
	}
	fmt.Println()

	stats, err := st.GetStats(projectID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println("Store:")
	for _, k := range keys {
		fmt.Printf("  %-18s %d\n", k, stats[k])
	}
	return nil
}

// listConflicts prints open contradictions
func listConflicts(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	open, err := st.OpenConflicts(projectID)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		fmt.Println("No open conflicts.")
		return nil
	}

	fmt.Printf("%d open conflict(s):\n\n", len(open))
	for _, c := range open {
		fmt.Printf("  %s\n", c.ID)
		fmt.Printf("    %s.%s\n", c.Subject, c.Attribute)
		fmt.Printf("    established: %s\n", c.ExistingFact)
		fmt.Printf("    incoming:    %s\n", c.IncomingFact)
		if len(c.Sources) > 0 {
			fmt.Printf("    sources:     %s\n", strings.Join(c.Sources, ", "))
		}
		fmt.Println()
	}
	fmt.Println("Resolve with: plotloom conflicts resolve <id> [--keep-incoming]")
	return nil
}

// resolveConflict applies the author's ruling on one contradiction
func resolveConflict(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ResolveConflict(projectID, args[0], keepIncoming); err != nil {
		return err
	}
	if keepIncoming {
		fmt.Println("Resolved: canon rewritten with the incoming fact.")
	} else {
		fmt.Println("Resolved: existing fact kept, incoming claim discarded.")
	}
	return nil
}

// runAdvance moves the work order to a later phase
func runAdvance(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	target, err := workorder.ParseMode(args[0])
	if err != nil {
		return err
	}

	lock := st.Locks().Get(projectID)
	lock.Lock()
	defer lock.Unlock()

	wo, err := st.LoadWorkOrder(projectID)
	if err != nil {
		return err
	}
	if err := wo.Advance(target); err != nil {
		return err
	}
	if err := st.SaveWorkOrder(wo); err != nil {
		return err
	}

	fmt.Printf("Advanced to %s\n", wo.Mode)
	return nil
}

// runOverride forces a phase change and records the audit event
func runOverride(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	target, err := workorder.ParseMode(args[0])
	if err != nil {
		return err
	}

	lock := st.Locks().Get(projectID)
	lock.Lock()
	defer lock.Unlock()

	wo, err := st.LoadWorkOrder(projectID)
	if err != nil {
		return err
	}
	ev, err := wo.Override(target, overrideWhy)
	if err != nil {
		return err
	}
	if err := st.SaveWorkOrder(wo); err != nil {
		return err
	}

	alerts := health.NewReporter(workspace)
	if aerr := alerts.ReportOverride(projectID, ev); aerr != nil {
		logger.Warn("Failed to emit override alert", zap.Error(aerr))
	}

	fmt.Printf("Overrode gate: %s -> %s (recorded in audit trail)\n", ev.From, ev.To)
	return nil
}

// listLedger prints the decision ledger the way retrieval sees it
func listLedger(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.GetContext(projectID, ledgerLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Ledger is empty.")
		return nil
	}

	for _, e := range entries {
		marker := " "
		if e.IsFoundational() {
			marker = "*"
		}
		promoted := ""
		if e.IsPromoted {
			promoted = " [promoted]"
		}
		fmt.Printf("%s %-10s %-24s %s%s\n", marker, e.Category, e.Key, e.Value, promoted)
	}
	fmt.Println("\n* foundational (retrieved regardless of limit)")
	return nil
}
