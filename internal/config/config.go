// Package config handles configuration loading, validation, and management
// for the sentinel daemons.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config path used when none is given.
const DefaultConfigFile = "sentinel.toml"

// Config holds the complete configuration shared by the proxy and the
// alert-sink daemon. Each binary reads the sections it needs.
type Config struct {
	// Proxy configuration for the inline session proxy.
	Proxy ProxyConfig `toml:"proxy" json:"proxy" yaml:"proxy"`

	// Detection configuration for the rule evaluator and window store.
	Detection DetectionConfig `toml:"detection" json:"detection" yaml:"detection"`

	// ML configuration for the anomaly scorer.
	ML MLConfig `toml:"ml" json:"ml" yaml:"ml"`

	// Sink configuration for the alert-sink HTTP service.
	Sink SinkConfig `toml:"sink" json:"sink" yaml:"sink"`

	// Forensics configuration for the forensic record store.
	Forensics ForensicsConfig `toml:"forensics" json:"forensics" yaml:"forensics"`

	// Anchors configuration for the Merkle anchor service.
	Anchors AnchorsConfig `toml:"anchors" json:"anchors" yaml:"anchors"`

	// Storage configuration for alert/anchor persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// ProxyConfig holds the inline proxy configuration.
type ProxyConfig struct {
	// Listen is the client-facing bind address.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// Upstream is the address of the protected desktop server.
	Upstream string `toml:"upstream" json:"upstream" yaml:"upstream"`

	// ControlListen is the bind address of the proxy control channel.
	ControlListen string `toml:"control_listen" json:"control_listen" yaml:"control_listen"`

	// MaxChunkBytes is the read buffer size per forwarding loop iteration.
	MaxChunkBytes int `toml:"max_chunk_bytes" json:"max_chunk_bytes" yaml:"max_chunk_bytes"`

	// DialTimeoutSec bounds the upstream connect in seconds.
	DialTimeoutSec int `toml:"dial_timeout_sec" json:"dial_timeout_sec" yaml:"dial_timeout_sec"`

	// IOTimeoutSec is the per-read deadline in seconds. Expiry is a poll
	// point for cancellation and containment, not a session error.
	IOTimeoutSec int `toml:"io_timeout_sec" json:"io_timeout_sec" yaml:"io_timeout_sec"`

	// AutoContainOnAlert contains a session locally when an affirmative
	// verdict reaches HIGH severity, even if the sink is unreachable.
	AutoContainOnAlert bool `toml:"auto_contain_on_alert" json:"auto_contain_on_alert" yaml:"auto_contain_on_alert"`
}

// DetectionConfig holds the rule thresholds and window sizing.
type DetectionConfig struct {
	// WindowCapacity is the per-session sample ring capacity.
	WindowCapacity int `toml:"window_capacity" json:"window_capacity" yaml:"window_capacity"`

	// ClipboardThresholdKB is the clipboard-burst rule threshold in
	// kilobytes.
	ClipboardThresholdKB int `toml:"clipboard_threshold_kb" json:"clipboard_threshold_kb" yaml:"clipboard_threshold_kb"`

	// FrameburstThresholdMB is the frameburst rule threshold in megabytes.
	FrameburstThresholdMB int `toml:"frameburst_threshold_mb" json:"frameburst_threshold_mb" yaml:"frameburst_threshold_mb"`

	// FileTransferRateKbps is the sustained-transfer rule threshold in
	// kilobits per second.
	FileTransferRateKbps int `toml:"file_transfer_rate_kbps" json:"file_transfer_rate_kbps" yaml:"file_transfer_rate_kbps"`

	// FileTransferWindowSec is the sustained-transfer rate window in
	// seconds.
	FileTransferWindowSec int `toml:"file_transfer_window_sec" json:"file_transfer_window_sec" yaml:"file_transfer_window_sec"`
}

// MLConfig holds the anomaly scorer configuration.
type MLConfig struct {
	// ModelPath is the path to the random-forest JSON artifact.
	// Empty disables the scorer; events score 0.0.
	ModelPath string `toml:"model_path" json:"model_path" yaml:"model_path"`

	// Threshold is the alert cutoff for the anomaly score.
	Threshold float64 `toml:"threshold" json:"threshold" yaml:"threshold"`
}

// SinkConfig holds the alert-sink service configuration.
type SinkConfig struct {
	// Listen is the sink HTTP bind address.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// AlertURL is where the proxy posts alert payloads.
	AlertURL string `toml:"alert_url" json:"alert_url" yaml:"alert_url"`

	// AlertTimeoutSec bounds a single alert POST in seconds.
	AlertTimeoutSec int `toml:"alert_timeout_sec" json:"alert_timeout_sec" yaml:"alert_timeout_sec"`

	// ProxyControlURL is the base URL of the proxy control channel,
	// used to forward operator containment requests.
	ProxyControlURL string `toml:"proxy_control_url" json:"proxy_control_url" yaml:"proxy_control_url"`

	// AutoContainOnAlert makes the sink answer "contain" for every
	// persisted alert regardless of severity.
	AutoContainOnAlert bool `toml:"auto_contain_on_alert" json:"auto_contain_on_alert" yaml:"auto_contain_on_alert"`
}

// ForensicsConfig holds the forensic record store configuration.
type ForensicsConfig struct {
	// Dir is the forensic record directory.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// RetryAttempts is the number of write attempts before a record
	// write is surfaced as a health warning.
	RetryAttempts int `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`

	// RetryBackoffMs is the base backoff between write retries.
	RetryBackoffMs int `toml:"retry_backoff_ms" json:"retry_backoff_ms" yaml:"retry_backoff_ms"`

	// Watch enables the fsnotify tamper watch over Dir.
	Watch bool `toml:"watch" json:"watch" yaml:"watch"`
}

// AnchorsConfig holds the Merkle anchor service configuration.
type AnchorsConfig struct {
	// Dir is the anchor record directory.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// BatchSize is the number of leaves per anchor batch.
	BatchSize int `toml:"batch_size" json:"batch_size" yaml:"batch_size"`

	// IntervalSec is the periodic anchoring interval in seconds.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// QueueSoftLimit forces an out-of-schedule batch when the pending
	// queue reaches this size. Zero means 10x BatchSize.
	QueueSoftLimit int `toml:"queue_soft_limit" json:"queue_soft_limit" yaml:"queue_soft_limit"`

	// Signer selects the anchor signer: "hmac" or "ed25519".
	Signer string `toml:"signer" json:"signer" yaml:"signer"`

	// KeyFile is the signer key path. For hmac it is a raw key file
	// (generated if absent); for ed25519 an OpenSSH private key.
	KeyFile string `toml:"key_file" json:"key_file" yaml:"key_file"`

	// SignerID labels signatures. Empty derives an id from the kind.
	SignerID string `toml:"signer_id" json:"signer_id" yaml:"signer_id"`
}

// StorageConfig holds alert/anchor persistence configuration.
type StorageConfig struct {
	// Backend is the store backend: "sqlite" or "memory".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Path is the SQLite database path.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log encoding: "json" or "text".
	Format string `toml:"format" json:"format" yaml:"format"`

	// File is the log file path. Empty logs to stderr.
	File string `toml:"file" json:"file" yaml:"file"`

	// MaxSizeMB rotates the log file when it exceeds this size.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxAgeDays removes rotated files older than this.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// MaxBackups caps the number of rotated files kept.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// AlertLog is the append-only JSONL verdict stream path.
	// Empty disables the stream.
	AlertLog string `toml:"alert_log" json:"alert_log" yaml:"alert_log"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled exposes /metrics on the daemon HTTP listeners.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen:             "0.0.0.0:5900",
			Upstream:           "localhost:5901",
			ControlListen:      "127.0.0.1:5910",
			MaxChunkBytes:      4096,
			DialTimeoutSec:     30,
			IOTimeoutSec:       30,
			AutoContainOnAlert: false,
		},
		Detection: DetectionConfig{
			WindowCapacity:        100,
			ClipboardThresholdKB:  200,
			FrameburstThresholdMB: 10,
			FileTransferRateKbps:  1000,
			FileTransferWindowSec: 5,
		},
		ML: MLConfig{
			ModelPath: "",
			Threshold: 0.5,
		},
		Sink: SinkConfig{
			Listen:             "0.0.0.0:8000",
			AlertURL:           "http://localhost:8000/api/v1/alerts",
			AlertTimeoutSec:    5,
			ProxyControlURL:    "http://127.0.0.1:5910",
			AutoContainOnAlert: false,
		},
		Forensics: ForensicsConfig{
			Dir:            "forensics",
			RetryAttempts:  5,
			RetryBackoffMs: 100,
			Watch:          true,
		},
		Anchors: AnchorsConfig{
			Dir:            "anchors",
			BatchSize:      100,
			IntervalSec:    60,
			QueueSoftLimit: 0,
			Signer:         "hmac",
			KeyFile:        "",
			SignerID:       "",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "sentinel.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			File:       "",
			MaxSizeMB:  50,
			MaxAgeDays: 30,
			MaxBackups: 5,
			Compress:   true,
			AlertLog:   "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// ConfigPath returns the config file path, honoring SENTINEL_CONFIG.
func ConfigPath() string {
	if v := os.Getenv("SENTINEL_CONFIG"); v != "" {
		return v
	}
	return DefaultConfigFile
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		// Try TOML by default
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode config (unknown format): %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Values from the environment win over the file.
func (c *Config) ApplyEnvOverrides() {
	// Detection pipeline overrides
	if v := os.Getenv("MODEL_PATH"); v != "" {
		c.ML.ModelPath = v
	}
	if v := os.Getenv("ML_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.ML.Threshold = f
		}
	}

	// Forensics and anchoring overrides
	if v := os.Getenv("FORENSIC_DIR"); v != "" {
		c.Forensics.Dir = v
	}
	if v := os.Getenv("ANCHOR_DIR"); v != "" {
		c.Anchors.Dir = v
	}
	if v := os.Getenv("ANCHOR_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Anchors.BatchSize = n
		}
	}
	if v := os.Getenv("ANCHOR_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Anchors.IntervalSec = n
		}
	}

	// Transport overrides
	if v := os.Getenv("ALERT_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sink.AlertTimeoutSec = n
		}
	}
	if v := os.Getenv("SENTINEL_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("SENTINEL_UPSTREAM"); v != "" {
		c.Proxy.Upstream = v
	}
	if v := os.Getenv("SENTINEL_ALERT_URL"); v != "" {
		c.Sink.AlertURL = v
	}
	if v := os.Getenv("SENTINEL_SINK_LISTEN"); v != "" {
		c.Sink.Listen = v
	}

	// Storage and logging overrides
	if v := os.Getenv("SENTINEL_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// EnsureDirectories creates the directories the daemons write into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Forensics.Dir,
		c.Anchors.Dir,
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	if c.Logging.AlertLog != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AlertLog))
	}
	if c.Anchors.KeyFile != "" {
		dirs = append(dirs, filepath.Dir(c.Anchors.KeyFile))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// DialTimeout returns the upstream connect timeout.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Proxy.DialTimeoutSec) * time.Second
}

// IOTimeout returns the per-read deadline.
func (c *Config) IOTimeout() time.Duration {
	return time.Duration(c.Proxy.IOTimeoutSec) * time.Second
}

// AlertTimeout returns the alert POST deadline.
func (c *Config) AlertTimeout() time.Duration {
	return time.Duration(c.Sink.AlertTimeoutSec) * time.Second
}

// AnchorInterval returns the periodic anchoring interval.
func (c *Config) AnchorInterval() time.Duration {
	return time.Duration(c.Anchors.IntervalSec) * time.Second
}

// RetryBackoff returns the forensic write retry base backoff.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Forensics.RetryBackoffMs) * time.Millisecond
}
