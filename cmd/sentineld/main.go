// Command sentineld runs the alert sink daemon. It accepts alert payloads
// from sentinelproxy instances, re-evaluates them against its own rules and
// model, persists them to the alert store, seals one forensic record per
// alert, and batches record hashes into signed Merkle anchors. Operators
// talk to it through the HTTP API, the websocket alert stream, and
// sentinelctl.
//
// Usage:
//
//	sentineld [flags]
//
// Examples:
//
//	# Defaults from sentinel.toml
//	sentineld
//
//	# Explicit listen address and database
//	sentineld --listen 0.0.0.0:8000 --db /var/lib/sentinel/sentinel.db
//
//	# Re-evaluate incoming alerts with a model artifact
//	sentineld --model forest.json
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"sentinelvnc/internal/alerts"
	"sentinelvnc/internal/anchor"
	"sentinelvnc/internal/config"
	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/forensics"
	"sentinelvnc/internal/health"
	"sentinelvnc/internal/logging"
	"sentinelvnc/internal/metrics"
	"sentinelvnc/internal/model"
	"sentinelvnc/internal/signer"
	"sentinelvnc/internal/store"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const shutdownGrace = 10 * time.Second

var (
	configPath  = flag.String("config", "", "configuration file (default sentinel.toml, or $SENTINEL_CONFIG)")
	listenAddr  = flag.String("listen", "", "sink HTTP bind address (overrides config)")
	dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
	modelPath   = flag.String("model", "", "random-forest model artifact (overrides config)")
	autoContain = flag.Bool("auto-contain", false, "answer contain for every persisted alert")
	versionFlag = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sentineld - alert sink, forensic writer and anchor service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nPrecedence: flags override environment variables override the config file.\n")
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("sentineld %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(2)
	}
	applyFlagOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing directories: %v\n", err)
		os.Exit(2)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(2)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	scorer, err := loadScorer(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading model: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, scorer, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, scorer detect.Scorer, logger *logging.Logger) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	meter := metrics.NewSink(reg)

	records, err := forensics.NewStore(forensics.StoreConfig{
		Dir:           cfg.Forensics.Dir,
		RetryAttempts: cfg.Forensics.RetryAttempts,
		RetryBackoff:  cfg.RetryBackoff(),
	}, logger.Logger)
	if err != nil {
		return err
	}

	var watch *forensics.Watch
	if cfg.Forensics.Watch {
		watch, err = forensics.NewWatch(records, 0, func(ev forensics.TamperEvent) {
			meter.TamperDetections.Inc()
			logger.Error("forensic record tampered",
				"record_id", ev.RecordID,
				"path", ev.Path,
				"stored_hash", ev.StoredHash,
				"computed_hash", ev.ComputedHash)
		}, logger.Logger)
		if err != nil {
			return err
		}
		if err := watch.Start(); err != nil {
			return err
		}
		defer watch.Close()
	}

	sg, err := signer.New(signer.Options{
		Kind:    cfg.Anchors.Signer,
		KeyFile: cfg.Anchors.KeyFile,
		ID:      cfg.Anchors.SignerID,
	})
	if err != nil {
		return fmt.Errorf("build signer: %w", err)
	}

	anchorFiles, err := anchor.NewFileStore(cfg.Anchors.Dir)
	if err != nil {
		return err
	}
	anchorSink := &alerts.MeteredAnchorSink{Next: st, Metrics: meter}
	anchors, err := anchor.NewService(anchor.Config{
		BatchSize: cfg.Anchors.BatchSize,
		Interval:  cfg.AnchorInterval(),
		SoftLimit: cfg.Anchors.QueueSoftLimit,
	}, sg, anchorFiles, anchorSink, logger.Logger)
	if err != nil {
		return err
	}
	anchorSink.Pending = anchors.Pending

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := anchors.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := anchors.Stop(); err != nil {
			logger.Warn("anchor drain on shutdown failed", "error", err)
		}
	}()

	hub := alerts.NewHub(logger.Logger, meter.StreamClients)
	go hub.Run()
	defer hub.Stop()

	var alertLog *logging.AlertLog
	if cfg.Logging.AlertLog != "" {
		alertLog, err = logging.NewAlertLog(logging.AlertLogConfig{
			Path:       cfg.Logging.AlertLog,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		})
		if err != nil {
			return err
		}
		defer alertLog.Close()
	}

	engine := detect.NewEngine(detect.Config{
		Rules: detect.RuleConfig{
			ClipboardThresholdKB:  cfg.Detection.ClipboardThresholdKB,
			FrameburstThresholdMB: cfg.Detection.FrameburstThresholdMB,
			FileTransferRateKbps:  cfg.Detection.FileTransferRateKbps,
			FileTransferWindowSec: float64(cfg.Detection.FileTransferWindowSec),
		},
		MLThreshold: cfg.ML.Threshold,
	}, scorer, logger.Logger)

	svc, err := alerts.NewService(alerts.ServiceConfig{
		WindowCapacity:  cfg.Detection.WindowCapacity,
		AutoContain:     cfg.Sink.AutoContainOnAlert,
		ProxyControlURL: cfg.Sink.ProxyControlURL,
		ContainTimeout:  cfg.AlertTimeout(),
	}, alerts.ServiceDeps{
		Engine:   engine,
		Store:    st,
		Records:  records,
		Anchors:  anchors,
		Hub:      hub,
		AlertLog: alertLog,
		Metrics:  meter,
		Logger:   logger.Logger,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.DatabaseCheck(st.Ping))
	checker.RegisterFunc("forensics_dir", true, health.DirWritableCheck(records.Dir()))
	checker.RegisterFunc("anchors_dir", false, health.DirWritableCheck(anchorFiles.Dir()))

	srv, err := alerts.NewServer(alerts.ServerConfig{
		MetricsEnabled: cfg.Metrics.Enabled,
	}, alerts.ServerDeps{
		Service:  svc,
		Store:    st,
		Records:  records,
		Anchors:  anchors,
		Signer:   sg,
		Hub:      hub,
		Health:   checker,
		Metrics:  meter,
		Gatherer: reg,
		Logger:   logger.Logger,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Sink.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- httpSrv.ListenAndServe()
	}()
	checker.SetReady(true)

	logger.Info("sink started",
		"version", version,
		"listen", cfg.Sink.Listen,
		"store", cfg.Storage.Backend,
		"forensics_dir", records.Dir(),
		"anchor_dir", anchorFiles.Dir(),
		"signer", sg.ID(),
		"ml_enabled", scorer != nil,
		"tamper_watch", watch != nil)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errChan:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigChan:
		logger.Info("signal received, shutting down", "signal", sig.String())
	}
	checker.SetReady(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore builds the configured alert/anchor store backend.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite", "":
		return store.OpenSQLite(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// applyFlagOverrides layers explicitly set flags over the file and
// environment configuration.
func applyFlagOverrides(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Sink.Listen = *listenAddr
		case "db":
			cfg.Storage.Path = *dbPath
		case "model":
			cfg.ML.ModelPath = *modelPath
		case "auto-contain":
			cfg.Sink.AutoContainOnAlert = *autoContain
		}
	})
}

// loadScorer loads the configured random-forest artifact and checks its
// feature layout against the extractor. No model means rules-only mode.
func loadScorer(cfg *config.Config, logger *logging.Logger) (detect.Scorer, error) {
	if cfg.ML.ModelPath == "" {
		logger.Info("no model configured, running rules-only")
		return nil, nil
	}
	forest, err := model.Load(cfg.ML.ModelPath)
	if err != nil {
		return nil, err
	}
	if err := forest.CheckFeatureLayout(detect.FeatureNames()); err != nil {
		return nil, err
	}
	logger.Info("model loaded",
		"path", cfg.ML.ModelPath,
		"type", forest.ModelType(),
		"trees", forest.NumTrees(),
		"features", forest.NumFeatures(),
		"threshold", cfg.ML.Threshold)
	return forest, nil
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := &logging.Config{
		Level:      level,
		Format:     format,
		Output:     "stderr",
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "sentineld",
	}
	if cfg.Logging.File != "" {
		lc.Output = "file"
		lc.FilePath = cfg.Logging.File
	}
	return logging.New(lc)
}
