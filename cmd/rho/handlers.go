package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/rho-agent/rho/internal/agent"
	"github.com/rho-agent/rho/internal/agent/providers"
	"github.com/rho-agent/rho/internal/config"
	"github.com/rho-agent/rho/internal/logging"
	"github.com/rho-agent/rho/internal/profile"
	"github.com/rho-agent/rho/internal/runstore"
	"github.com/rho-agent/rho/internal/sessions"
	"github.com/rho-agent/rho/internal/signals"
	"github.com/rho-agent/rho/internal/state"
	"github.com/rho-agent/rho/internal/telemetry"
	"github.com/rho-agent/rho/pkg/models"
)

// =============================================================================
// SHARED HELPERS
// =============================================================================

func loadHarnessConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.LoadDefault()
	}
	return config.Load(path)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func providerName(model string) string {
	if providers.IsAnthropicModel(model) {
		return config.ProviderAnthropic
	}
	return config.ProviderOpenAI
}

func apiKeyHint(provider string) string {
	if provider == config.ProviderAnthropic {
		return "ANTHROPIC_API_KEY"
	}
	return "OPENAI_API_KEY"
}

// clientFactory builds model clients from the harness config plus the
// agent's own overrides. The session calls it once per run, and again
// after compaction swaps the agent.
func clientFactory(cfg *config.Config) agent.ClientFactory {
	return func(a *agent.Agent) (agent.ModelClient, error) {
		name := providerName(a.Model)
		p := cfg.ProviderFor(name)
		if p.APIKey == "" {
			return nil, fmt.Errorf("no API key for provider %s: set providers.%s.api_key or export %s", name, name, apiKeyHint(name))
		}
		return providers.New(a.Model, providers.Options{
			APIKey:          p.APIKey,
			BaseURL:         firstNonEmpty(a.BaseURL, p.BaseURL),
			MaxTokens:       p.MaxTokens,
			ReasoningEffort: a.ReasoningEffort,
			ServiceTier:     a.ServiceTier,
			ResponseFormat:  a.ResponseFormat,
		})
	}
}

// openControl picks the control plane: Postgres when a DSN is
// configured, the signal directory otherwise. The returned func
// releases whatever was opened.
func openControl(ctx context.Context, cfg *config.Config, logger *logging.Logger) (signals.SessionControl, func(), error) {
	if dsn := cfg.Signals.PostgresDSN; dsn != "" {
		pc, err := signals.NewPostgresControl(ctx, dsn, signals.WithPostgresControlLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("connect signal store: %w", err)
		}
		return pc, func() { pc.Close() }, nil
	}
	fc, err := signals.NewFileControl(cfg.Signals.Dir, signals.WithFileControlLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("open signal dir: %w", err)
	}
	return fc, func() {}, nil
}

// openTelemetry builds the processor for the configured backend. The
// --telemetry flag overrides the file setting.
func openTelemetry(ctx context.Context, cfg *config.Config, backendOverride string, logger *logging.Logger) (*telemetry.Processor, error) {
	backend := firstNonEmpty(backendOverride, cfg.Telemetry.Backend)

	var exporter telemetry.Exporter
	switch backend {
	case "sqlite":
		exp, err := telemetry.NewSQLiteExporter(cfg.Telemetry.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open telemetry store: %w", err)
		}
		exporter = exp
	case "postgres":
		exp, err := telemetry.NewPostgresExporter(cfg.Telemetry.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect telemetry store: %w", err)
		}
		exporter = exp
	case "otlp":
		exp, err := telemetry.NewOTLPExporter(ctx, telemetry.OTLPConfig{
			Endpoint:       cfg.Telemetry.OTLPEndpoint,
			ServiceVersion: version,
			Insecure:       cfg.Telemetry.OTLPInsecure,
		})
		if err != nil {
			return nil, fmt.Errorf("connect otlp collector: %w", err)
		}
		exporter = exp
	case "none":
		exporter = telemetry.NoopExporter{}
	default:
		return nil, fmt.Errorf("unknown telemetry backend %q (want sqlite, postgres, otlp, or none)", backend)
	}

	procOpts := []telemetry.ProcessorOption{
		telemetry.WithProcessorLogger(logger),
		telemetry.WithProcessorMetrics(telemetry.NewMetrics(prometheus.DefaultRegisterer)),
	}
	if cfg.Telemetry.QueueSize > 0 {
		procOpts = append(procOpts, telemetry.WithQueueSize(cfg.Telemetry.QueueSize))
	}
	return telemetry.NewProcessor(exporter, procOpts...), nil
}

// startMetricsListener serves /metrics on addr when addr is non-empty.
// The returned func shuts the listener down.
func startMetricsListener(addr string, logger *logging.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(context.Background(), "metrics listener", "err", err, "addr", addr)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// sessionOptions assembles the Session options shared by run and resume.
func sessionOptions(cmd *cobra.Command, cfg *config.Config, logger *logging.Logger,
	control signals.SessionControl, proc *telemetry.Processor, render *renderer,
	outDir string, maxTurns int, autoCompact, nudge bool) []agent.SessionOption {

	opts := []agent.SessionOption{
		agent.WithLogger(logger),
		agent.WithControl(control),
		agent.WithTelemetry(proc),
		agent.WithOnEvent(render.handle),
		agent.WithApprovalCallback(promptApproval(os.Stdin, cmd.ErrOrStderr())),
		agent.WithAutoCompact(autoCompact),
		agent.WithNudges(nudge),
	}
	if outDir != "" {
		opts = append(opts, agent.WithOutputDir(outDir))
	}
	if maxTurns > 0 {
		opts = append(opts, agent.WithMaxTurns(maxTurns))
	}
	if cfg.Defaults.CompactThreshold > 0 {
		opts = append(opts, agent.WithCompactThreshold(cfg.Defaults.CompactThreshold))
	}
	if cfg.Output.MaxChars > 0 {
		opts = append(opts, agent.WithOutputMaxChars(cfg.Output.MaxChars))
	}
	if cfg.Output.PreviewLines > 0 {
		opts = append(opts, agent.WithPreviewLines(cfg.Output.PreviewLines))
	}
	return opts
}

// =============================================================================
// RUN
// =============================================================================

func runRun(cmd *cobra.Command, opts *runOptions, instruction string) error {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return fmt.Errorf("instruction is required")
	}

	cfg, err := loadHarnessConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)

	model := firstNonEmpty(opts.model, cfg.Defaults.Model)
	prof, err := profile.Resolve(firstNonEmpty(opts.profileName, cfg.Defaults.Profile))
	if err != nil {
		return err
	}
	if opts.approve != "" {
		prof.Approval = profile.ApprovalMode(opts.approve)
		if err := prof.Validate(); err != nil {
			return fmt.Errorf("--approve %s: %w", opts.approve, err)
		}
	}

	providerID := providerName(model)
	provider := cfg.ProviderFor(providerID)
	if provider.APIKey == "" {
		return fmt.Errorf("no API key for provider %s: set providers.%s.api_key in the config or export %s", providerID, providerID, apiKeyHint(providerID))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.NewString()
	dir, err := sessions.Create(cfg.Sessions.Dir, sessionID)
	if err != nil {
		return err
	}

	system := firstNonEmpty(opts.system, cfg.Defaults.SystemPrompt)
	contextWindow := opts.contextWindow
	if contextWindow == 0 {
		contextWindow = cfg.Defaults.ContextWindow
	}
	if err := dir.SaveConfig(sessions.Config{
		Model:         model,
		SystemPrompt:  system,
		WorkingDir:    opts.workdir,
		BaseURL:       provider.BaseURL,
		ContextWindow: contextWindow,
		Profile:       prof,
	}); err != nil {
		return err
	}
	if err := dir.SaveMeta(sessions.Meta{Model: model, Status: models.StatusRunning}); err != nil {
		return err
	}

	tw, err := dir.OpenTrace(state.WithRedactor(logger.RedactString))
	if err != nil {
		return err
	}
	defer tw.Close()
	st := state.New(sessionID)
	st.AttachTrace(tw)

	if opts.tracePath != "" {
		extra, err := state.NewTraceWriter(opts.tracePath, state.WithRedactor(logger.RedactString))
		if err != nil {
			return fmt.Errorf("open trace copy: %w", err)
		}
		defer extra.Close()
		st.Observe(func(ev models.AgentEvent) { _ = extra.Write(ev) })
	}

	control, closeControl, err := openControl(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeControl()

	proc, err := openTelemetry(ctx, cfg, opts.telemetryBackend, logger)
	if err != nil {
		return err
	}
	defer proc.Close()

	var db *sql.DB
	if path := firstNonEmpty(opts.dbPath, cfg.Database.Path); path != "" {
		db, err = sql.Open("sqlite", path)
		if err != nil {
			return fmt.Errorf("open database %s: %w", path, err)
		}
		defer db.Close()
	}

	// The delegate closure lets sub-agents inherit whatever agent is
	// current after compaction swaps.
	var current *agent.Agent
	delegate := agent.NewDelegateTool(func() *agent.Agent { return current }, agent.WithDelegateLogger(logger))

	a, err := agent.New(agent.Config{
		SystemPrompt:  system,
		Model:         model,
		Profile:       prof,
		WorkingDir:    opts.workdir,
		BaseURL:       provider.BaseURL,
		ContextWindow: contextWindow,
		ClientFactory: clientFactory(cfg),
		Deps:          profile.FactoryDeps{DB: db, Delegate: delegate},
	})
	if err != nil {
		return err
	}
	current = a

	outDir, err := dir.OutputsDir()
	if err != nil {
		return err
	}
	render := newRenderer(cmd.OutOrStdout(), cfg.Output.PreviewLines)

	maxTurns := opts.maxTurns
	if maxTurns == 0 {
		maxTurns = cfg.Defaults.MaxTurns
	}
	autoCompact := cfg.Defaults.AutoCompactEnabled() && !opts.noAutoCompact
	nudge := opts.evalNudge || cfg.Defaults.Nudge

	sess, err := agent.NewSession(a, st,
		sessionOptions(cmd, cfg, logger, control, proc, render, outDir, maxTurns, autoCompact, nudge)...)
	if err != nil {
		return err
	}

	stopMetrics := startMetricsListener(firstNonEmpty(opts.metricsAddr, cfg.Metrics.Addr), logger)
	defer stopMetrics()

	if err := sess.Register(ctx, instruction); err != nil {
		logger.Warn(ctx, "register session", "err", err)
	}
	defer sess.Deregister(context.Background())

	logger.Info(ctx, "session started", "session_id", sessionID, "model", model, "profile", prof.Name)

	store, err := runstore.NewSQLiteStore(cfg.RunStore.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := sess.Run(ctx, instruction)
	if err != nil {
		_ = dir.SetStatus(models.StatusError)
		return err
	}
	return settleRun(cmd, store, dir, sessionID, result)
}

// =============================================================================
// RESUME
// =============================================================================

func runResume(cmd *cobra.Command, configPath, runID string, approveAll, rejectAll bool, decide string) error {
	if approveAll && rejectAll {
		return fmt.Errorf("--approve-all and --reject-all are mutually exclusive")
	}
	if decide != "" && (approveAll || rejectAll) {
		return fmt.Errorf("--decide cannot be combined with --approve-all or --reject-all")
	}

	cfg, err := loadHarnessConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := runstore.NewSQLiteStore(cfg.RunStore.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	rs, err := store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			return fmt.Errorf("no interrupted run %q; rho sessions list shows recent sessions", runID)
		}
		return err
	}

	decisions, err := resolveDecisions(rs, approveAll, rejectAll, decide)
	if err != nil {
		return err
	}

	dir, err := sessions.Open(cfg.Sessions.Dir, rs.SessionID)
	if err != nil {
		return err
	}
	scfg, err := dir.LoadConfig()
	if err != nil {
		return err
	}

	providerID := providerName(scfg.Model)
	if cfg.ProviderFor(providerID).APIKey == "" {
		return fmt.Errorf("no API key for provider %s: set providers.%s.api_key in the config or export %s", providerID, providerID, apiKeyHint(providerID))
	}

	var db *sql.DB
	if cfg.Database.Path != "" {
		db, err = sql.Open("sqlite", cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
		}
		defer db.Close()
	}

	var current *agent.Agent
	delegate := agent.NewDelegateTool(func() *agent.Agent { return current }, agent.WithDelegateLogger(logger))

	a, err := agent.New(agent.Config{
		SystemPrompt:    scfg.SystemPrompt,
		Model:           scfg.Model,
		Profile:         scfg.Profile,
		WorkingDir:      scfg.WorkingDir,
		BaseURL:         scfg.BaseURL,
		ServiceTier:     scfg.ServiceTier,
		ReasoningEffort: scfg.ReasoningEffort,
		ResponseFormat:  scfg.ResponseFormat,
		ContextWindow:   scfg.ContextWindow,
		ClientFactory:   clientFactory(cfg),
		Deps:            profile.FactoryDeps{DB: db, Delegate: delegate},
	})
	if err != nil {
		return err
	}
	current = a

	// Resume appends to the same trace file the original run wrote.
	tw, err := dir.OpenTrace(state.WithRedactor(logger.RedactString))
	if err != nil {
		return err
	}
	defer tw.Close()
	st := state.New(rs.SessionID)
	st.AttachTrace(tw)

	control, closeControl, err := openControl(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeControl()

	proc, err := openTelemetry(ctx, cfg, "", logger)
	if err != nil {
		return err
	}
	defer proc.Close()

	outDir, err := dir.OutputsDir()
	if err != nil {
		return err
	}
	render := newRenderer(cmd.OutOrStdout(), cfg.Output.PreviewLines)

	sess, err := agent.NewSession(a, st,
		sessionOptions(cmd, cfg, logger, control, proc, render, outDir,
			cfg.Defaults.MaxTurns, cfg.Defaults.AutoCompactEnabled(), cfg.Defaults.Nudge)...)
	if err != nil {
		return err
	}

	if err := sess.Register(ctx, "resume "+runID); err != nil {
		logger.Warn(ctx, "register session", "err", err)
	}
	defer sess.Deregister(context.Background())

	logger.Info(ctx, "resuming run", "run_id", runID, "session_id", rs.SessionID, "pending", len(rs.PendingApprovals))

	result, err := sess.Resume(ctx, rs, decisions)
	if err != nil {
		_ = dir.SetStatus(models.StatusError)
		return err
	}
	return settleRun(cmd, store, dir, runID, result)
}

// resolveDecisions turns the resume flags into a per-call decision map
// validated against the saved pending approvals.
func resolveDecisions(rs *models.RunState, approveAll, rejectAll bool, decide string) (map[string]bool, error) {
	if approveAll || rejectAll {
		decisions := make(map[string]bool, len(rs.PendingApprovals))
		for _, item := range rs.PendingApprovals {
			decisions[item.ToolCallID] = approveAll
		}
		return decisions, nil
	}
	if decide == "" {
		return nil, nil
	}

	decisions, err := parseDecisions(decide)
	if err != nil {
		return nil, err
	}
	pending := make(map[string]bool, len(rs.PendingApprovals))
	ids := make([]string, 0, len(rs.PendingApprovals))
	for _, item := range rs.PendingApprovals {
		pending[item.ToolCallID] = true
		ids = append(ids, item.ToolCallID)
	}
	for id := range decisions {
		if !pending[id] {
			return nil, fmt.Errorf("unknown tool call %q; pending calls: %s", id, strings.Join(ids, ", "))
		}
	}
	return decisions, nil
}

// settleRun prints the run footer and settles the interrupted-run
// store: save state on interruption, clear it on any other outcome.
func settleRun(cmd *cobra.Command, store *runstore.SQLiteStore, dir *sessions.Dir, runID string, result *models.RunResult) error {
	out := cmd.OutOrStdout()
	stats := telemetry.CollectStats(result.Events)

	fmt.Fprintf(out, "\nsession %s: %s | turns=%d tools=%d tokens=%d cost=$%.4f\n",
		runID, result.Status, stats.Turns, stats.ToolCalls, result.Usage.TotalTokens(), result.Usage.CostUSD)

	_ = dir.SetStatus(result.Status)

	switch result.Status {
	case models.StatusInterrupted:
		if result.State == nil {
			return fmt.Errorf("run interrupted but no state was captured")
		}
		if err := store.Save(context.Background(), runID, result.State); err != nil {
			return fmt.Errorf("save interrupted run: %w", err)
		}
		fmt.Fprintf(out, "\n%d tool call(s) await approval:\n", len(result.State.PendingApprovals))
		for _, item := range result.State.PendingApprovals {
			fmt.Fprintf(out, "  %s  %s(%s)\n", item.ToolCallID, item.ToolName, clipString(item.ToolArgs, 80))
		}
		fmt.Fprintf(out, "\nResume with: rho resume %s --decide <call-id>=yes|no\n", runID)
		return nil
	case models.StatusError:
		if msg := lastErrorMessage(result.Events); msg != "" {
			return errors.New(msg)
		}
		return fmt.Errorf("run failed")
	default:
		// Delete is a no-op when the run was never interrupted.
		_ = store.Delete(context.Background(), runID)
		return nil
	}
}

func lastErrorMessage(events []models.AgentEvent) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == models.EventError && events[i].Error != nil {
			return events[i].Error.Message
		}
	}
	return ""
}

// =============================================================================
// CONFIG
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: OK\n\n", path)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "model\t%s\n", cfg.Defaults.Model)
	fmt.Fprintf(w, "profile\t%s\n", cfg.Defaults.Profile)
	fmt.Fprintf(w, "sessions dir\t%s\n", cfg.Sessions.Dir)
	fmt.Fprintf(w, "signal dir\t%s\n", cfg.Signals.Dir)
	fmt.Fprintf(w, "run store\t%s\n", cfg.RunStore.Path)
	fmt.Fprintf(w, "telemetry\t%s\n", cfg.Telemetry.Backend)
	fmt.Fprintf(w, "logging\t%s/%s\n", cfg.Logging.Level, cfg.Logging.Format)
	return w.Flush()
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
