package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"researchd/internal/config"
	"researchd/internal/embedding"
	"researchd/internal/export"
	"researchd/internal/manager"
	"researchd/internal/monitor"
	"researchd/internal/provider"
	"researchd/internal/resolver"
	"researchd/internal/session"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
	cfg    *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "researchd",
	Short: "researchd - durable deep-research session tracker",
	Long: `researchd starts long-running Gemini deep-research tasks, persists each
one as a session on disk, and lets you check, continue, and export them
across restarts.

The research itself runs remotely; researchd owns the lifecycle: submit,
poll with a freshness policy, resume after restarts, and prune old records.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		zcfg := zap.NewProductionConfig()
		if cfg.Logging.Format == "text" {
			zcfg = zap.NewDevelopmentConfig()
		}
		if lvl, lerr := zapcore.ParseLevel(cfg.Logging.Level); lerr == nil {
			zcfg.Level = zap.NewAtomicLevelAt(lvl)
		}
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		if cfg.Logging.File != "" {
			zcfg.OutputPaths = []string{cfg.Logging.File}
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var (
	startTitle   string
	startTags    []string
	startNotes   string
	startFormat  string
	startAgent   string
	startStores  []string
	checkForce   bool
	quickSave    bool
	listState    string
	exportFormat string
	exportDir    string
	updateTitle  string
	updateTags   []string
	updateNotes  string
)

// startCmd submits a new deep-research task
var startCmd = &cobra.Command{
	Use:   "start [query]",
	Short: "Start a deep-research task and track it as a session",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStart,
}

// checkCmd refreshes and prints a session's status
var checkCmd = &cobra.Command{
	Use:   "check [reference]",
	Short: "Check the status of a session",
	Long: `Checks a session's status, contacting the remote task only when the
cached state is old enough to warrant it (or --force is given).

The reference can be a session id, an id prefix, a phrase describing the
research ("the kubernetes one"), or empty for the most recent session.`,
	RunE: runCheck,
}

// followupCmd asks a question in a completed session's context
var followupCmd = &cobra.Command{
	Use:   "followup [reference] -- [question]",
	Short: "Ask a follow-up question about completed research",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFollowup,
}

// quickCmd answers synchronously with search grounding
var quickCmd = &cobra.Command{
	Use:   "quick [query]",
	Short: "Run a quick grounded query without a background task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuick,
}

// listCmd lists stored sessions
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List research sessions",
	RunE:  runList,
}

// exportCmd writes a completed report to a file
var exportCmd = &cobra.Command{
	Use:   "export [reference]",
	Short: "Export a completed report to markdown or JSON",
	RunE:  runExport,
}

// updateCmd edits session annotations
var updateCmd = &cobra.Command{
	Use:   "update [reference]",
	Short: "Update a session's title, tags, or notes",
	RunE:  runUpdate,
}

// cancelCmd stops tracking a running session
var cancelCmd = &cobra.Command{
	Use:   "cancel [reference]",
	Short: "Cancel a pending or running session",
	RunE:  runCancel,
}

// deleteCmd removes a session record
var deleteCmd = &cobra.Command{
	Use:   "delete [session-id]",
	Short: "Delete a session record by exact id",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

// pruneCmd removes old terminal sessions
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove completed sessions past the retention window",
	RunE:  runPrune,
}

// resumeCmd reconciles sessions after a restart
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Reconcile in-flight sessions with the remote side",
	Long: `Polls every pending or running session once, removes sessions whose
remote task no longer exists, and fails sessions stuck past 24 hours.
Run this after a restart or a long gap.`,
	RunE: runResume,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Config file path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	startCmd.Flags().StringVar(&startTitle, "title", "", "Session title")
	startCmd.Flags().StringSliceVar(&startTags, "tag", nil, "Session tag (repeatable)")
	startCmd.Flags().StringVar(&startNotes, "notes", "", "Session notes")
	startCmd.Flags().StringVar(&startFormat, "format-instructions", "", "Report format instructions")
	startCmd.Flags().StringVar(&startAgent, "agent", "", "Override the research agent")
	startCmd.Flags().StringSliceVar(&startStores, "file-search-store", nil, "File search store to ground on (repeatable)")

	checkCmd.Flags().BoolVar(&checkForce, "force", false, "Poll the remote task even if the cached state is fresh")
	quickCmd.Flags().BoolVar(&quickSave, "save", false, "Persist the answer as a completed session")

	listCmd.Flags().StringVar(&listState, "state", "", "Filter by state (PENDING, RUNNING, COMPLETED, FAILED, CANCELLED)")

	exportCmd.Flags().StringVar(&exportFormat, "format", "markdown", "Export format (markdown, json)")
	exportCmd.Flags().StringVarP(&exportDir, "out", "o", ".", "Output directory")

	updateCmd.Flags().StringVar(&updateTitle, "title", "", "New title")
	updateCmd.Flags().StringSliceVar(&updateTags, "tag", nil, "Replacement tags (repeatable)")
	updateCmd.Flags().StringVar(&updateNotes, "notes", "", "New notes")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(followupCmd)
	rootCmd.AddCommand(quickCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(resumeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".researchd/config.yaml"
	}
	return home + "/.researchd/config.yaml"
}

// opContext builds the per-command context with timeout and SIGINT handling.
func opContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()
	return ctx, cancel
}

// openStore opens the session store; enough for local-only commands.
func openStore() (*session.Store, error) {
	return session.NewStore(cfg.Storage.Dir, logger)
}

// newManager wires the full stack. Commands that contact the API use this
// and so require a configured key.
func newManager() (*manager.Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := openStore()
	if err != nil {
		return nil, err
	}

	gcfg := provider.DefaultGeminiConfig(cfg.Gemini.APIKey)
	gcfg.BaseURL = cfg.Gemini.BaseURL
	gcfg.Agent = cfg.Gemini.Agent
	gcfg.FollowupModel = cfg.Gemini.FollowupModel
	gcfg.Timeout = cfg.GetTimeout()
	gemini, err := provider.NewGemini(gcfg, logger)
	if err != nil {
		return nil, err
	}

	qcfg := provider.DefaultQuickConfig(cfg.Gemini.APIKey)
	qcfg.BaseURL = cfg.Gemini.BaseURL
	qcfg.Model = cfg.Gemini.QuickModel
	quick, err := provider.NewQuick(qcfg, logger)
	if err != nil {
		return nil, err
	}

	mcfg := monitor.DefaultConfig()
	mcfg.AbsoluteThreshold = cfg.GetRefreshThreshold()
	mcfg.MaxRetries = uint64(cfg.Monitor.MaxRetries)
	mcfg.InitialBackoff = cfg.GetInitialBackoff()
	mcfg.MaxBackoff = cfg.GetMaxBackoff()
	mon := monitor.New(gemini, store, mcfg, logger)

	var embedder resolver.Embedder
	if cfg.Embedding.Provider != "none" {
		engine, err := embedding.NewEngine(embedding.Config{
			Provider:       cfg.Embedding.Provider,
			GenAIAPIKey:    cfg.Gemini.APIKey,
			GenAIModel:     cfg.Embedding.Model,
			OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
			TaskType:       "SEMANTIC_SIMILARITY",
		})
		if err != nil {
			logger.Warn("embedding engine unavailable, semantic resolution disabled", zap.Error(err))
		} else {
			embedder = engine
		}
	}
	rcfg := resolver.DefaultConfig()
	if cfg.Embedding.Threshold > 0 {
		rcfg.Threshold = cfg.Embedding.Threshold
	}
	res := resolver.New(embedder, rcfg, logger)

	return manager.New(store, mon, gemini, quick, res, cfg.GetRetention(), logger), nil
}

// localManager wires a manager without API clients, for commands that only
// touch the local store.
func localManager() (*manager.Manager, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	res := resolver.New(nil, resolver.DefaultConfig(), logger)
	return manager.New(store, nil, nil, nil, res, cfg.GetRetention(), logger), nil
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	mgr, err := newManager()
	if err != nil {
		return err
	}
	s, err := mgr.Start(ctx, strings.Join(args, " "), manager.StartOptions{
		Title:              startTitle,
		Tags:               startTags,
		Notes:              startNotes,
		FormatInstructions: startFormat,
		Agent:              startAgent,
		FileSearchStores:   startStores,
	})
	if err != nil {
		if s != nil {
			fmt.Printf("Session %s failed to start: %v\n", s.ID, err)
		}
		return err
	}
	fmt.Printf("Started research session %s\n", s.ID)
	fmt.Printf("  Query: %s\n", s.Query)
	fmt.Printf("  Check progress with: researchd check %s\n", shortID(s.ID))
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	mgr, err := newManager()
	if err != nil {
		return err
	}
	res, err := mgr.Check(ctx, strings.Join(args, " "), checkForce)
	if res == nil && err != nil {
		return err
	}
	printDecision(res.Decision)
	printSession(res.Session)
	if res.Polled {
		fmt.Printf("  (remote poll: %s)\n", res.Reason)
	} else {
		fmt.Printf("  (cached: %s)\n", res.Reason)
	}
	if err != nil {
		fmt.Printf("  Status check incomplete: %v\n", err)
	}
	return nil
}

func runFollowup(cmd *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	reference, question := splitReference(cmd, args)
	if question == "" {
		return fmt.Errorf("usage: researchd followup [reference] -- [question]")
	}

	mgr, err := newManager()
	if err != nil {
		return err
	}
	res, err := mgr.Followup(ctx, reference, question)
	if err != nil {
		return err
	}
	printDecision(res.Decision)
	if res.Degraded {
		fmt.Println("Note: original conversation unavailable; answered with a fresh grounded query.")
	}
	fmt.Println(res.Answer)
	return nil
}

func runQuick(cmd *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	mgr, err := newManager()
	if err != nil {
		return err
	}
	s, err := mgr.Quick(ctx, strings.Join(args, " "), quickSave)
	if err != nil {
		return err
	}
	fmt.Println(s.Result.Text)
	if len(s.Result.Citations) > 0 {
		fmt.Println("\nSources:")
		for _, c := range s.Result.Citations {
			fmt.Printf("  %d. %s (%s)\n", c.Number, c.Title, c.Domain)
		}
	}
	if quickSave {
		fmt.Printf("\nSaved as session %s\n", shortID(s.ID))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	mgr, err := localManager()
	if err != nil {
		return err
	}
	var states []session.State
	if listState != "" {
		st := session.State(strings.ToUpper(listState))
		if !st.Valid() {
			return fmt.Errorf("unknown state: %s", listState)
		}
		states = []session.State{st}
	}
	sessions, corrupt, err := mgr.List(manager.ListOptions{States: states})
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
	}
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = truncate(s.Query, 60)
		}
		fmt.Printf("%s  %-9s  %s  %s\n",
			shortID(s.ID), s.State, s.UpdatedAt.Local().Format("2006-01-02 15:04"), title)
	}
	for _, c := range corrupt {
		fmt.Fprintf(os.Stderr, "warning: unreadable record %s: %v\n", c.Path, c.Err)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	mgr, err := localManager()
	if err != nil {
		return err
	}
	f, err := export.ParseFormat(exportFormat)
	if err != nil {
		return err
	}
	s, decision, err := mgr.ExportReady(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	printDecision(decision)
	body, err := export.Render(s, f)
	if err != nil {
		return err
	}
	dir := exportDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(dir, export.Filename(s, f))
	if err := os.WriteFile(path, body, 0644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	fmt.Printf("Exported to %s\n", path)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	mgr, err := localManager()
	if err != nil {
		return err
	}
	fields := manager.UpdateFields{}
	if cmd.Flags().Changed("title") {
		fields.Title = &updateTitle
	}
	if cmd.Flags().Changed("tag") {
		fields.Tags = updateTags
	}
	if cmd.Flags().Changed("notes") {
		fields.Notes = &updateNotes
	}
	s, decision, err := mgr.Update(ctx, strings.Join(args, " "), fields)
	if err != nil {
		return err
	}
	printDecision(decision)
	fmt.Printf("Updated session %s\n", s.ID)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	mgr, err := newManager()
	if err != nil {
		return err
	}
	s, decision, err := mgr.Cancel(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	printDecision(decision)
	fmt.Printf("Cancelled session %s\n", s.ID)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	mgr, err := localManager()
	if err != nil {
		return err
	}
	if err := mgr.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", args[0])
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	mgr, err := localManager()
	if err != nil {
		return err
	}
	n, corrupt, err := mgr.Prune()
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d session(s) older than %d days\n", n, cfg.Storage.RetentionDays)
	for _, c := range corrupt {
		fmt.Fprintf(os.Stderr, "warning: unreadable record %s: %v\n", c.Path, c.Err)
	}
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, cancel := opContext()
	defer cancel()

	mgr, err := newManager()
	if err != nil {
		return err
	}
	report, err := mgr.Resume(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Checked %d in-flight session(s)\n", report.Checked)
	if len(report.Completed) > 0 {
		fmt.Printf("  Completed: %s\n", strings.Join(shortIDs(report.Completed), ", "))
	}
	if len(report.Running) > 0 {
		fmt.Printf("  Still running: %s\n", strings.Join(shortIDs(report.Running), ", "))
	}
	if len(report.Failed) > 0 {
		fmt.Printf("  Failed: %s\n", strings.Join(shortIDs(report.Failed), ", "))
	}
	if len(report.Removed) > 0 {
		fmt.Printf("  Removed (remote task gone): %s\n", strings.Join(shortIDs(report.Removed), ", "))
	}
	return nil
}

// splitReference splits "reference -- question" argument lists; the part
// before -- (if any) is the reference.
func splitReference(cmd *cobra.Command, args []string) (string, string) {
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		return strings.Join(args[:dash], " "), strings.Join(args[dash:], " ")
	}
	// No --: treat everything as the question against the latest session.
	return "", strings.Join(args, " ")
}

func printDecision(d *resolver.Decision) {
	if d == nil {
		return
	}
	if d.Basis == resolver.BasisFallback {
		fmt.Printf("Session %s (%s)\n", shortID(d.SessionID), d.Reason)
	}
}

func printSession(s *session.Session) {
	fmt.Printf("Session %s: %s\n", shortID(s.ID), s.State)
	fmt.Printf("  Query: %s\n", truncate(s.Query, 100))
	switch s.State {
	case session.StateCompleted:
		if s.Result != nil {
			fmt.Printf("  Report: %d chars, %d sources, %.0fs\n",
				len(s.Result.Text), len(s.Result.Citations), s.Result.DurationSeconds)
		}
		if s.Summary != "" {
			fmt.Printf("  Summary: %s\n", s.Summary)
		}
	case session.StateFailed:
		if s.Error != nil {
			fmt.Printf("  Error: [%s] %s\n", s.Error.Code, s.Error.Message)
		}
	case session.StateRunning, session.StatePending:
		fmt.Printf("  Running for %s\n", time.Since(s.CreatedAt).Round(time.Second))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = shortID(id)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
