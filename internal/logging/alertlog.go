package logging

import (
	"encoding/json"
	"fmt"
	"sync"
)

// AlertLog is an append-only JSON-lines stream of detection verdicts.
// Each call to Append writes exactly one line, so the file can be
// replayed later with a line-oriented reader. The underlying file is
// size-rotated the same way the main log is.
//
// A nil *AlertLog is valid and discards everything, which lets callers
// leave the stream unconfigured without guarding every write.
type AlertLog struct {
	mu      sync.Mutex
	rotator *FileRotator
}

// AlertLogConfig controls the verdict stream destination and rotation.
type AlertLogConfig struct {
	// Path is the JSONL file to append to. Empty disables the stream.
	Path string

	// MaxSizeMB rotates the file once it exceeds this size. Zero means 50.
	MaxSizeMB int

	// MaxBackups is the number of rotated files to keep. Zero means 5.
	MaxBackups int

	// MaxAgeDays removes rotated files older than this. Zero means 30.
	MaxAgeDays int

	// Compress gzips rotated files.
	Compress bool
}

// NewAlertLog opens (or creates) the verdict stream at cfg.Path.
// It returns (nil, nil) when the path is empty.
func NewAlertLog(cfg AlertLogConfig) (*AlertLog, error) {
	if cfg.Path == "" {
		return nil, nil
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}
	maxAge := cfg.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 30
	}
	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.Path,
		MaxSize:    int64(maxSize),
		MaxAge:     maxAge,
		MaxBackups: maxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open alert log: %w", err)
	}
	return &AlertLog{rotator: rotator}, nil
}

// Append marshals entry and writes it as a single line. Entries are
// written whole under a lock so concurrent sessions never interleave.
func (l *AlertLog) Append(entry any) error {
	if l == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal alert log entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.rotator.Write(data); err != nil {
		return fmt.Errorf("write alert log entry: %w", err)
	}
	return nil
}

// Sync flushes the current file to disk.
func (l *AlertLog) Sync() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotator.Sync()
}

// Close flushes and closes the stream.
func (l *AlertLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotator.Close()
}
