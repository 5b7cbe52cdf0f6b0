package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/alejandrodnm/bracketbot/internal/adapters/broker"
	"github.com/alejandrodnm/bracketbot/internal/adapters/feed"
	"github.com/alejandrodnm/bracketbot/internal/adapters/plan"
	"github.com/alejandrodnm/bracketbot/internal/adapters/storage"
	"github.com/alejandrodnm/bracketbot/internal/application/manager"
	"github.com/alejandrodnm/bracketbot/internal/ports"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one execution cycle and exit")
	planPath := flag.String("plan", "", "trading plan CSV (overrides config)")
	replayPath := flag.String("replay", "", "price replay CSV: symbol,price rows")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *planPath != "" {
		cfg.Plan.Path = *planPath
	}
	setupLogger(cfg.Log)

	slog.Info("bracketbot starting",
		"config", *configPath,
		"plan", cfg.Plan.Path,
		"dsn", cfg.Storage.DSN,
		"interval", cfg.MonitorInterval(),
		"once", *once,
	)

	store, err := storage.NewSQLiteStore(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	dataFeed, err := buildFeed(*replayPath)
	if err != nil {
		slog.Error("failed to build feed", "err", err)
		os.Exit(1)
	}

	paperEquity := decimal.NewFromFloat(cfg.Simulation.DefaultEquity)
	brokerClient := broker.NewPaper(dataFeed, paperEquity)

	var planSrc ports.PlanSource
	if cfg.Plan.Path != "" {
		planSrc = plan.NewCSVSource(cfg.Plan.Path, cfg.OrderDefaults)
	}

	mgr, err := manager.New(cfg, store, brokerClient, dataFeed, planSrc, store)
	if err != nil {
		slog.Error("failed to assemble engine", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *once {
		err = mgr.RunOnce(ctx)
	} else {
		err = mgr.Run(ctx)
	}
	if err != nil {
		slog.Error("engine exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("bracketbot stopped cleanly")
}

// loadConfig falls back to full defaults when the file does not exist, so a
// bare `bracketbot -plan plan.csv` works out of the box.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildFeed(replayPath string) (ports.DataFeed, error) {
	if replayPath == "" {
		return feed.NewStatic(), nil
	}
	f := feed.NewReplay()
	if err := f.LoadCSV(replayPath); err != nil {
		return nil, err
	}
	return f, nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
