package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-price-updater/classify"
	"github.com/aluiziolira/go-price-updater/config"
	"github.com/aluiziolira/go-price-updater/metrics"
	"github.com/aluiziolira/go-price-updater/models"
	"github.com/aluiziolira/go-price-updater/pipeline"
	"github.com/aluiziolira/go-price-updater/report"
	"github.com/aluiziolira/go-price-updater/scraper"
	"github.com/aluiziolira/go-price-updater/store"
)

const usage = `usage: priceupdater <command> [flags]

commands:
  run        run one price update pass and exit
  serve      serve the approval API and run updates on the configured schedule
  import     load catalog items from a CSV file (title,url,price)
  reset      clear the failure counter of an item
  disable    stop checking an item
  overview   print catalog health
  history    print the price history ledger

Run "priceupdater <command> -h" for command flags.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	commands := map[string]func([]string) error{
		"run":      runCommand,
		"serve":    serveCommand,
		"import":   importCommand,
		"reset":    resetCommand,
		"disable":  disableCommand,
		"overview": overviewCommand,
		"history":  historyCommand,
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err := cmd(os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error(os.Args[1]+" failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// commonFlags are shared by every command.
type commonFlags struct {
	configPath *string
	verbose    *bool
}

func newFlagSet(name string) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configDefault := "priceupdater.yaml"
	if v, ok := config.EnvString("CONFIG_PATH"); ok {
		configDefault = v
	}
	return fs, commonFlags{
		configPath: fs.String("config", configDefault, "Path to the YAML configuration file"),
		verbose:    fs.Bool("v", false, "Enable verbose logging"),
	}
}

// loadConfig reads the config file, applies explicitly set flags through
// apply and validates the result. It also installs the default logger.
func loadConfig(fs *flag.FlagSet, common commonFlags, apply func(cfg *config.Config, name string)) (*config.Config, error) {
	cfg, err := config.Load(*common.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if *common.verbose {
		cfg.Verbose = true
	}
	if apply != nil {
		fs.Visit(func(f *flag.Flag) { apply(cfg, f.Name) })
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.DBDriver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// updater bundles what one update pass needs.
type updater struct {
	cfg        *config.Config
	store      *store.Store
	metrics    *metrics.Metrics
	fetcher    *scraper.Fetcher
	classifier *classify.Classifier
}

func newUpdater(cfg *config.Config, st *store.Store, m *metrics.Metrics) (*updater, error) {
	fetcher, err := scraper.NewFetcher(cfg, m)
	if err != nil {
		return nil, fmt.Errorf("initialising fetcher: %w", err)
	}
	classifier, err := classify.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialising classifier: %w", err)
	}
	return &updater{cfg: cfg, store: st, metrics: m, fetcher: fetcher, classifier: classifier}, nil
}

// runOnce performs one pass, streams item outcomes to a writer opened once
// the run lock is held, stores the JSON report and logs operator alerts.
func (u *updater) runOnce(ctx context.Context) (models.RunSummary, error) {
	newWriter := func() (pipeline.OutcomeWriter, error) {
		return createWriter(u.cfg.OutputFormat, u.cfg.ReportDir, time.Now().Format("20060102_150405"))
	}
	orch := pipeline.New(u.cfg, u.store, u.fetcher, u.classifier, u.metrics, newWriter)
	summary, runErr := orch.Run(ctx)
	if summary.RunID == "" {
		return summary, runErr
	}

	if path, err := report.WriteSummaryFile(u.cfg.ReportDir, summary); err != nil {
		slog.Error("write run report", slog.Any("error", err))
	} else {
		slog.Info("run report written", slog.String("path", path))
	}
	for _, alert := range report.Alerts(summary, u.cfg.MinSuccessRate) {
		slog.Warn("price update alert", slog.String("run_id", summary.RunID), slog.String("alert", alert))
	}
	return summary, runErr
}

func runCommand(args []string) error {
	fs, common := newFlagSet("run")
	workers := fs.Int("workers", 0, "Number of concurrent fetches")
	delayMs := fs.Int("delay", 0, "Minimum delay between requests (milliseconds)")
	randomDelayMs := fs.Int("random-delay", 0, "Random jitter added to delay (milliseconds)")
	maxRetries := fs.Int("max-retries", 0, "Immediate retries for transient fetch errors")
	outputFormat := fs.String("format", "", "Item outcome output: csv, json, dual or none")
	reportDir := fs.String("report-dir", "", "Directory for run reports and outcome files")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(fs, common, func(cfg *config.Config, name string) {
		switch name {
		case "workers":
			cfg.Workers = *workers
		case "delay":
			cfg.Delay = time.Duration(*delayMs) * time.Millisecond
		case "random-delay":
			cfg.RandomDelay = time.Duration(*randomDelayMs) * time.Millisecond
		case "max-retries":
			cfg.MaxRetries = *maxRetries
		case "format":
			cfg.OutputFormat = strings.ToLower(*outputFormat)
		case "report-dir":
			cfg.ReportDir = *reportDir
		}
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight items to finish")
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := newUpdater(cfg, st, metrics.New())
	if err != nil {
		return err
	}

	slog.Info("starting price update",
		slog.String("marketplace", cfg.MarketplaceBaseURL),
		slog.Int("workers", cfg.Workers),
		slog.Duration("delay", cfg.Delay),
	)
	summary, err := u.runOnce(ctx)
	if summary.RunID != "" {
		fmt.Println(report.FormatSummary(summary))
	}
	return err
}

func createWriter(format, dir, stamp string) (pipeline.OutcomeWriter, error) {
	base := filepath.Join(dir, "price_update_items_"+stamp)
	switch format {
	case "", "none":
		return nil, nil
	case "json":
		return pipeline.NewJSONWriter(base + ".jsonl")
	case "csv":
		return pipeline.NewCSVWriter(base + ".csv")
	case "dual":
		return pipeline.NewDualWriter(base+".csv", base+".jsonl")
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
