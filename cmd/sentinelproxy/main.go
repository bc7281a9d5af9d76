// Command sentinelproxy runs the inline session proxy. It accepts viewer
// connections on the listen address, relays them to the protected desktop
// server, and scores every forwarded chunk against the detection rules and
// the optional ML model. Affirmative verdicts are posted to the alert sink;
// HIGH-severity verdicts can sever the session in place.
//
// Usage:
//
//	sentinelproxy [flags]
//
// Examples:
//
//	# Defaults from sentinel.toml, rules only
//	sentinelproxy
//
//	# Explicit endpoints and a model artifact
//	sentinelproxy --listen 0.0.0.0:5900 --server vnc-host:5901 \
//	    --alert-url http://sink:8000/api/v1/alerts --model forest.json
//
//	# Inline containment with a tighter clipboard rule
//	sentinelproxy --contain-on-alert --clipboard-threshold-kb 100
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"sentinelvnc/internal/breaker"
	"sentinelvnc/internal/config"
	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/health"
	"sentinelvnc/internal/logging"
	"sentinelvnc/internal/metrics"
	"sentinelvnc/internal/model"
	"sentinelvnc/internal/proxy"
	"sentinelvnc/pkg/client"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const shutdownGrace = 10 * time.Second

var (
	configPath     = flag.String("config", "", "configuration file (default sentinel.toml, or $SENTINEL_CONFIG)")
	listenAddr     = flag.String("listen", "", "client-facing bind address (overrides config)")
	serverAddr     = flag.String("server", "", "protected upstream server address (overrides config)")
	controlAddr    = flag.String("control", "", "control channel bind address (overrides config)")
	alertURL       = flag.String("alert-url", "", "alert sink ingest URL, empty disables posting (overrides config)")
	modelPath      = flag.String("model", "", "random-forest model artifact (overrides config)")
	containOnAlert = flag.Bool("contain-on-alert", false, "sever sessions on HIGH-severity verdicts")
	clipboardKB    = flag.Int("clipboard-threshold-kb", 0, "clipboard burst threshold in KB (overrides config)")
	frameburstMB   = flag.Int("frameburst-threshold-mb", 0, "frame burst threshold in MB (overrides config)")
	fileRateKbps   = flag.Int("file-transfer-rate-kbps", 0, "sustained transfer threshold in kbit/s (overrides config)")
	versionFlag    = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sentinelproxy - inline exfiltration sensor for VNC-class sessions\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nPrecedence: flags override environment variables override the config file.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --listen 0.0.0.0:5900 --server vnc-host:5901\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --contain-on-alert --model forest.json\n", os.Args[0])
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("sentinelproxy %s (commit: %s, built: %s)\n", version, commit, buildTime)
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
		logger.Error("proxy failed", "error", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, scorer detect.Scorer, logger *logging.Logger) error {
	engine := detect.NewEngine(detect.Config{
		Rules: detect.RuleConfig{
			ClipboardThresholdKB:  cfg.Detection.ClipboardThresholdKB,
			FrameburstThresholdMB: cfg.Detection.FrameburstThresholdMB,
			FileTransferRateKbps:  cfg.Detection.FileTransferRateKbps,
			FileTransferWindowSec: float64(cfg.Detection.FileTransferWindowSec),
		},
		MLThreshold: cfg.ML.Threshold,
	}, scorer, logger.Logger)

	var sink *client.Client
	if cfg.Sink.AlertURL != "" {
		base, err := sinkBaseURL(cfg.Sink.AlertURL)
		if err != nil {
			return err
		}
		sink, err = client.New(client.Config{BaseURL: base, Timeout: cfg.AlertTimeout()})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no alert url configured, verdicts stay local")
	}

	reg := prometheus.NewRegistry()

	p, err := proxy.New(proxy.Config{
		Listen:         cfg.Proxy.Listen,
		Upstream:       cfg.Proxy.Upstream,
		ControlListen:  cfg.Proxy.ControlListen,
		MaxChunkBytes:  cfg.Proxy.MaxChunkBytes,
		WindowCapacity: cfg.Detection.WindowCapacity,
		DialTimeout:    cfg.DialTimeout(),
		IOTimeout:      cfg.IOTimeout(),
		AlertTimeout:   cfg.AlertTimeout(),
		AutoContain:    cfg.Proxy.AutoContainOnAlert,
	}, proxy.Deps{
		Engine:   engine,
		Sink:     sink,
		Breaker:  breaker.New(breaker.DefaultConfig("alert-sink")),
		Metrics:  metrics.NewProxy(reg),
		Health:   health.NewChecker(),
		Gatherer: reg,
		Logger:   logger.Logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		return err
	}

	logger.Info("proxy started",
		"version", version,
		"listen", p.Addr().String(),
		"control", p.ControlAddr().String(),
		"upstream", cfg.Proxy.Upstream,
		"auto_contain", cfg.Proxy.AutoContainOnAlert,
		"ml_enabled", scorer != nil)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("signal received, shutting down", "signal", sig.String())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := p.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// applyFlagOverrides layers explicitly set flags over the file and
// environment configuration.
func applyFlagOverrides(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Proxy.Listen = *listenAddr
		case "server":
			cfg.Proxy.Upstream = *serverAddr
		case "control":
			cfg.Proxy.ControlListen = *controlAddr
		case "alert-url":
			cfg.Sink.AlertURL = *alertURL
		case "model":
			cfg.ML.ModelPath = *modelPath
		case "contain-on-alert":
			cfg.Proxy.AutoContainOnAlert = *containOnAlert
		case "clipboard-threshold-kb":
			cfg.Detection.ClipboardThresholdKB = *clipboardKB
		case "frameburst-threshold-mb":
			cfg.Detection.FrameburstThresholdMB = *frameburstMB
		case "file-transfer-rate-kbps":
			cfg.Detection.FileTransferRateKbps = *fileRateKbps
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

// sinkBaseURL reduces the configured alert URL to the API root the client
// expects, e.g. "http://sink:8000/api/v1/alerts" becomes "http://sink:8000".
func sinkBaseURL(alertURL string) (string, error) {
	u, err := url.Parse(alertURL)
	if err != nil {
		return "", fmt.Errorf("parse alert url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("alert url %q needs a scheme and host", alertURL)
	}
	return u.Scheme + "://" + u.Host, nil
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
		Component:  "sentinelproxy",
	}
	if cfg.Logging.File != "" {
		lc.Output = "file"
		lc.FilePath = cfg.Logging.File
	}
	return logging.New(lc)
}
