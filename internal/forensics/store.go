package forensics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Retry defaults for record writes.
const (
	DefaultRetryAttempts = 5
	DefaultRetryBackoff  = 100 * time.Millisecond
)

var (
	// ErrDuplicateRecord is returned when a record id was already written.
	// The store is append-only; rewriting an id is always a bug or an attack.
	ErrDuplicateRecord = errors.New("forensics: record already exists")
	// ErrRecordNotFound is returned when reading an unknown record id.
	ErrRecordNotFound = errors.New("forensics: record not found")
)

// StoreConfig parameterizes the file store.
type StoreConfig struct {
	// Dir is the record directory, created 0700 on first use.
	Dir string
	// RetryAttempts bounds write retries; zero means DefaultRetryAttempts.
	RetryAttempts int
	// RetryBackoff is the first retry delay, doubled per attempt; zero
	// means DefaultRetryBackoff.
	RetryBackoff time.Duration
}

// Store persists records as one 0600 JSON file per alert under a 0700
// directory. Files are created exclusively and never rewritten.
type Store struct {
	dir      string
	attempts int
	backoff  time.Duration
	logger   *slog.Logger

	writeFailures atomic.Uint64
}

// NewStore creates the record directory and returns the store.
func NewStore(cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("forensics: store dir is required")
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if logger == nil {
		logger = slog.Default().With("component", "forensics")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("forensics: create store dir: %w", err)
	}
	return &Store{
		dir:      cfg.Dir,
		attempts: cfg.RetryAttempts,
		backoff:  cfg.RetryBackoff,
		logger:   logger,
	}, nil
}

// Dir returns the record directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file path a record id maps to.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// WriteFailures reports how many write attempts have failed since start;
// health checks treat a growing count as degradation.
func (s *Store) WriteFailures() uint64 { return s.writeFailures.Load() }

// Write persists a sealed record, retrying transient failures with
// exponential backoff. Writing an id twice fails immediately with
// ErrDuplicateRecord.
func (s *Store) Write(ctx context.Context, rec *Record) (string, error) {
	if rec.Hash == "" {
		if err := rec.Seal(); err != nil {
			return "", err
		}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("forensics: encode record: %w", err)
	}

	path := s.Path(rec.ForensicID)
	backoff := s.backoff
	var lastErr error

	for attempt := 1; attempt <= s.attempts; attempt++ {
		err := writeExclusive(path, data)
		if err == nil {
			return path, nil
		}
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.ForensicID)
		}

		lastErr = err
		s.writeFailures.Add(1)
		s.logger.Warn("forensic write failed",
			"record", rec.ForensicID,
			"attempt", attempt,
			"error", err)

		if attempt == s.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return "", fmt.Errorf("forensics: write %s after %d attempts: %w",
		rec.ForensicID, s.attempts, lastErr)
}

// writeExclusive creates the file O_EXCL, syncs, and cleans up partial
// writes so a retry can recreate the file.
func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Read loads a record and its raw bytes. The raw form is what hash
// verification must run against.
func (s *Store) Read(id string) (*Record, []byte, error) {
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, nil, fmt.Errorf("forensics: read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, data, fmt.Errorf("forensics: parse record %s: %w", id, err)
	}
	return &rec, data, nil
}

// Verify recomputes the canonical hash of a stored record.
func (s *Store) Verify(id string) (stored, computed string, err error) {
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return "", "", fmt.Errorf("forensics: read record: %w", err)
	}
	return VerifyBytes(data)
}

// List returns every stored record id in lexicographic order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("forensics: list records: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
