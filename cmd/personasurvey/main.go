package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/config"
	"github.com/stellarlinkco/personasurvey/internal/embedding"
	"github.com/stellarlinkco/personasurvey/internal/engine"
	"github.com/stellarlinkco/personasurvey/internal/gateway"
	"github.com/stellarlinkco/personasurvey/internal/llm"
	"github.com/stellarlinkco/personasurvey/internal/logging"
	"github.com/stellarlinkco/personasurvey/internal/persona"
	"github.com/stellarlinkco/personasurvey/internal/store"
)

// gatewayOptions lets tests swap the model and embedder.
var gatewayOptions gateway.Options

var rootCmd = &cobra.Command{
	Use:           "personasurvey",
	Short:         "personasurvey - run surveys against synthetic personas",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine (HTTP API + workers + sweeper)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var runCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Start a survey run and wait for it to be collected",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

var progressCmd = &cobra.Command{
	Use:   "progress <run-id>",
	Short: "Show a run's progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgress,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed persona narratives that have no chunk vectors yet",
	Args:  cobra.NoArgs,
	RunE:  runBackfill,
}

var importCmd = &cobra.Command{
	Use:   "import <dataset.json>",
	Short: "Load populations, personas, surveys, subscriptions and runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize the config file",
	Args:  cobra.NoArgs,
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show personasurvey status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var runFlags struct {
	filterPath string
	gender     []string
	location   []string
	ageMin     int
	ageMax     int
	criterion  string
	threshold  float64
	maxResults int
	userID     int64
	surveyID   int64
	provider   string
	model      string
	interval   time.Duration
	timeout    time.Duration
	noWait     bool
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.filterPath, "filter", "", "JSON file with a persona filter")
	f.StringSliceVar(&runFlags.gender, "gender", nil, "Gender values to include")
	f.StringSliceVar(&runFlags.location, "location", nil, "Location substrings to include")
	f.IntVar(&runFlags.ageMin, "age-min", -1, "Minimum age")
	f.IntVar(&runFlags.ageMax, "age-max", -1, "Maximum age")
	f.StringVar(&runFlags.criterion, "criterion", "", "Semantic criterion for embedding refinement")
	f.Float64Var(&runFlags.threshold, "threshold", -1, "Similarity threshold in [0,1] (default from config)")
	f.IntVar(&runFlags.maxResults, "max", 0, "Maximum respondents (default: the run's respondents)")
	f.Int64Var(&runFlags.userID, "user", 0, "User id (default: the run's owner)")
	f.Int64Var(&runFlags.surveyID, "survey", 0, "Survey id (default: the run's survey)")
	f.StringVar(&runFlags.provider, "provider", "", "Model provider: anthropic or openai")
	f.StringVar(&runFlags.model, "model", "", "Model name")
	f.DurationVar(&runFlags.interval, "interval", time.Second, "Progress poll interval")
	f.DurationVar(&runFlags.timeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")
	f.BoolVar(&runFlags.noWait, "no-wait", false, "Return once tasks are queued; only useful with shared counters and a running server")

	rootCmd.AddCommand(serveCmd, runCmd, progressCmd, backfillCmd, importCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*gateway.Gateway, error) {
	opts := gatewayOptions
	if opts.Logger == nil {
		opts.Logger = logger
	}
	gw, err := gateway.NewWithOptions(ctx, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	return gw, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Provider.APIKey == "" && gatewayOptions.ModelFactory == nil {
		return fmt.Errorf("API key not set. Run 'personasurvey onboard' or set PERSONASURVEY_API_KEY / ANTHROPIC_API_KEY")
	}
	gw, err := newGateway(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	return gw.Run(cmd.Context())
}

func parseRunID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run id %q", raw)
	}
	return id, nil
}

// buildFilter merges the --filter file with the individual flags; flags win.
func buildFilter() (persona.FilterSpec, error) {
	var spec persona.FilterSpec
	if runFlags.filterPath != "" {
		data, err := os.ReadFile(runFlags.filterPath)
		if err != nil {
			return spec, fmt.Errorf("read filter: %w", err)
		}
		if err := json.Unmarshal(data, &spec); err != nil {
			return spec, fmt.Errorf("parse filter: %w", err)
		}
	}
	if len(runFlags.gender) > 0 {
		spec.Gender = runFlags.gender
	}
	if len(runFlags.location) > 0 {
		spec.Location = runFlags.location
	}
	if runFlags.ageMin >= 0 {
		v := runFlags.ageMin
		spec.AgeMin = &v
	}
	if runFlags.ageMax >= 0 {
		v := runFlags.ageMax
		spec.AgeMax = &v
	}
	if runFlags.criterion != "" {
		spec.SemanticCriterion = runFlags.criterion
	}
	if runFlags.threshold >= 0 {
		v := runFlags.threshold
		spec.SimilarityThreshold = &v
	}
	if runFlags.maxResults > 0 {
		spec.MaxResults = runFlags.maxResults
	}
	return spec, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	runID, err := parseRunID(args[0])
	if err != nil {
		return err
	}
	filter, err := buildFilter()
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if runFlags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runFlags.timeout)
		defer cancel()
	}

	gw, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer gw.Shutdown(context.Background())
	if err := gw.Start(ctx); err != nil {
		return err
	}

	res, err := gw.Controller().StartRun(ctx, engine.StartRequest{
		RunID:    runID,
		UserID:   runFlags.userID,
		SurveyID: runFlags.surveyID,
		Filter:   filter,
		Model:    llm.ModelConfig{Provider: runFlags.provider, Model: runFlags.model},
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %d attempt %d: %d personas x %d questions = %d tasks\n",
		res.RunID, res.Attempt, res.Personas, res.Questions, res.TotalUnits)
	if runFlags.noWait {
		return nil
	}

	run, err := waitForRun(ctx, gw, runID, runFlags.interval, out)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Run %d %s: %d of %d tasks failed\n", run.ID, run.State, run.FailedUnits, run.TotalUnits)
	return nil
}

// waitForRun polls until the collector has written a final state.
func waitForRun(ctx context.Context, gw *gateway.Gateway, runID int64, interval time.Duration, out io.Writer) (store.Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := -1.0
	for {
		p, err := gw.Controller().GetProgress(ctx, runID)
		if err != nil {
			return store.Run{}, err
		}
		if p.Percent != last {
			fmt.Fprintf(out, "Progress: %.2f%% (~%d%%)\n", p.Percent, p.Display)
			last = p.Percent
		}
		run, err := gw.Store().GetRun(ctx, runID)
		if err != nil {
			return store.Run{}, err
		}
		if run.State == store.RunComplete || run.State == store.RunCompletedWithErrors {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return store.Run{}, fmt.Errorf("wait for run %d: %w", runID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func runProgress(cmd *cobra.Command, args []string) error {
	runID, err := parseRunID(args[0])
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	gw, err := newGateway(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer gw.Shutdown(context.Background())

	run, err := gw.Store().GetRun(cmd.Context(), runID)
	if err != nil {
		return err
	}
	p, err := gw.Controller().GetProgress(cmd.Context(), runID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %d (attempt %d): %s\n", run.ID, run.Attempt, run.State)
	fmt.Fprintf(out, "Progress: %.2f%% (~%d%%, %s)\n", p.Percent, p.Display, p.State)
	if cfg.Counters.Driver == config.CounterDriverMemory {
		fmt.Fprintln(out, "Note: memory counters are per process; use the sql or redis driver to follow another process")
	}
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	gw, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer gw.Shutdown(context.Background())
	if gw.Embedder() == nil {
		return errors.New("no embedding provider configured")
	}

	b := embedding.NewBackfiller(gw.Store(), gw.Embedder(), embedding.BackfillOptions{
		Model:     cfg.Embedding.Model,
		ChunkSize: cfg.Embedding.ChunkSize,
		BatchSize: cfg.Embedding.BatchSize,
		TimeoutMs: cfg.Embedding.TimeoutMs,
	}, logger)
	n, err := b.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Embedded %d personas\n", n)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	ds, err := store.DecodeDataset(f)
	if err != nil {
		return err
	}

	st, err := store.Open(cmd.Context(), cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	stats, err := st.Import(cmd.Context(), ds)
	if err != nil {
		return err
	}
	logger.Info("dataset imported", zap.String("path", args[0]))
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d populations, %d personas, %d surveys, %d projects, %d subscriptions, %d runs\n",
		stats.Populations, stats.Personas, stats.Surveys, stats.Projects, stats.Subscriptions, stats.Runs)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and store\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set PERSONASURVEY_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'personasurvey import dataset.json' to load personas and surveys")
	fmt.Fprintln(out, "  4. Run 'personasurvey serve' or 'personasurvey run <run-id>'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "Model: %s\n", cfg.Provider.Model)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Embedding: %s (%s)\n", cfg.Embedding.Provider, cfg.Embedding.Model)
	fmt.Fprintf(out, "Counters: %s\n", cfg.Counters.Driver)
	fmt.Fprintf(out, "Queue: %d workers, %d retries, %d/min\n", cfg.Queue.Workers, cfg.Queue.MaxRetries, cfg.Queue.RatePerMinute)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Notify.Telegram.Enabled)

	st, err := store.Open(cmd.Context(), cfg.Store)
	if err != nil {
		fmt.Fprintf(out, "Store: %s error (%v)\n", cfg.Store.Driver, err)
		return nil
	}
	defer st.Close()
	version, err := st.SchemaVersion(cmd.Context())
	if err != nil {
		fmt.Fprintf(out, "Store: %s error (%v)\n", st.Driver(), err)
		return nil
	}
	n, err := st.CountPersonas(cmd.Context(), persona.BasePredicate(""))
	if err != nil {
		fmt.Fprintf(out, "Store: %s error (%v)\n", st.Driver(), err)
		return nil
	}
	fmt.Fprintf(out, "Store: %s, schema version %d, %d personas\n", st.Driver(), version, n)
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}
