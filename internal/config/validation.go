package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
// Any failure here is a configuration fault: the daemons exit with code 2.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateProxy(&c.Proxy)...)
	errs = append(errs, validateDetection(&c.Detection)...)
	errs = append(errs, validateML(&c.ML)...)
	errs = append(errs, validateSink(&c.Sink)...)
	errs = append(errs, validateForensics(&c.Forensics)...)
	errs = append(errs, validateAnchors(&c.Anchors)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateProxy(p *ProxyConfig) ValidationErrors {
	var errs ValidationErrors

	if err := validateHostPort(p.Listen); err != nil {
		errs = append(errs, ValidationError{Field: "proxy.listen", Message: err.Error()})
	}
	if err := validateHostPort(p.Upstream); err != nil {
		errs = append(errs, ValidationError{Field: "proxy.upstream", Message: err.Error()})
	}
	if err := validateHostPort(p.ControlListen); err != nil {
		errs = append(errs, ValidationError{Field: "proxy.control_listen", Message: err.Error()})
	}
	if p.MaxChunkBytes < 1 {
		errs = append(errs, ValidationError{
			Field:   "proxy.max_chunk_bytes",
			Message: fmt.Sprintf("must be at least 1, got %d", p.MaxChunkBytes),
		})
	}
	if p.DialTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "proxy.dial_timeout_sec",
			Message: fmt.Sprintf("must be at least 1, got %d", p.DialTimeoutSec),
		})
	}
	if p.IOTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "proxy.io_timeout_sec",
			Message: fmt.Sprintf("must be at least 1, got %d", p.IOTimeoutSec),
		})
	}

	return errs
}

func validateDetection(d *DetectionConfig) ValidationErrors {
	var errs ValidationErrors

	if d.WindowCapacity < 1 {
		errs = append(errs, ValidationError{
			Field:   "detection.window_capacity",
			Message: fmt.Sprintf("must be at least 1, got %d", d.WindowCapacity),
		})
	}
	if d.ClipboardThresholdKB < 1 {
		errs = append(errs, ValidationError{
			Field:   "detection.clipboard_threshold_kb",
			Message: fmt.Sprintf("must be at least 1, got %d", d.ClipboardThresholdKB),
		})
	}
	if d.FrameburstThresholdMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "detection.frameburst_threshold_mb",
			Message: fmt.Sprintf("must be at least 1, got %d", d.FrameburstThresholdMB),
		})
	}
	if d.FileTransferRateKbps < 1 {
		errs = append(errs, ValidationError{
			Field:   "detection.file_transfer_rate_kbps",
			Message: fmt.Sprintf("must be at least 1, got %d", d.FileTransferRateKbps),
		})
	}
	if d.FileTransferWindowSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "detection.file_transfer_window_sec",
			Message: fmt.Sprintf("must be at least 1, got %d", d.FileTransferWindowSec),
		})
	}

	return errs
}

func validateML(m *MLConfig) ValidationErrors {
	var errs ValidationErrors

	if m.Threshold < 0 || m.Threshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "ml.threshold",
			Message: fmt.Sprintf("must be within [0, 1], got %g", m.Threshold),
		})
	}

	return errs
}

func validateSink(s *SinkConfig) ValidationErrors {
	var errs ValidationErrors

	if err := validateHostPort(s.Listen); err != nil {
		errs = append(errs, ValidationError{Field: "sink.listen", Message: err.Error()})
	}
	if err := validateHTTPURL(s.AlertURL); err != nil {
		errs = append(errs, ValidationError{Field: "sink.alert_url", Message: err.Error()})
	}
	if s.ProxyControlURL != "" {
		if err := validateHTTPURL(s.ProxyControlURL); err != nil {
			errs = append(errs, ValidationError{Field: "sink.proxy_control_url", Message: err.Error()})
		}
	}
	if s.AlertTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "sink.alert_timeout_sec",
			Message: fmt.Sprintf("must be at least 1, got %d", s.AlertTimeoutSec),
		})
	}

	return errs
}

func validateForensics(f *ForensicsConfig) ValidationErrors {
	var errs ValidationErrors

	if f.Dir == "" {
		errs = append(errs, ValidationError{Field: "forensics.dir", Message: "directory is required"})
	}
	if f.RetryAttempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "forensics.retry_attempts",
			Message: fmt.Sprintf("must be at least 1, got %d", f.RetryAttempts),
		})
	}
	if f.RetryBackoffMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "forensics.retry_backoff_ms",
			Message: fmt.Sprintf("must be at least 1, got %d", f.RetryBackoffMs),
		})
	}

	return errs
}

func validateAnchors(a *AnchorsConfig) ValidationErrors {
	var errs ValidationErrors

	if a.Dir == "" {
		errs = append(errs, ValidationError{Field: "anchors.dir", Message: "directory is required"})
	}
	if a.BatchSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "anchors.batch_size",
			Message: fmt.Sprintf("must be at least 1, got %d", a.BatchSize),
		})
	}
	if a.IntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "anchors.interval_sec",
			Message: fmt.Sprintf("must be at least 1, got %d", a.IntervalSec),
		})
	}
	if a.QueueSoftLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "anchors.queue_soft_limit",
			Message: fmt.Sprintf("must not be negative, got %d", a.QueueSoftLimit),
		})
	}
	switch a.Signer {
	case "hmac", "ed25519":
	default:
		errs = append(errs, ValidationError{
			Field:   "anchors.signer",
			Message: fmt.Sprintf("must be \"hmac\" or \"ed25519\", got %q", a.Signer),
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Backend {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "path is required for the sqlite backend",
			})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("must be \"sqlite\" or \"memory\", got %q", s.Backend),
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", l.Level),
		})
	}
	switch strings.ToLower(l.Format) {
	case "json", "text":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("must be \"json\" or \"text\", got %q", l.Format),
		})
	}
	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: fmt.Sprintf("must be at least 1, got %d", l.MaxSizeMB),
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: fmt.Sprintf("must not be negative, got %d", l.MaxAgeDays),
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: fmt.Sprintf("must not be negative, got %d", l.MaxBackups),
		})
	}

	return errs
}

func validateHostPort(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %v", addr, err)
	}
	if port == "" {
		return fmt.Errorf("address %q has no port", addr)
	}
	_ = host // empty host binds all interfaces
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	return nil
}
