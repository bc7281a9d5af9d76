package forensics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultCheckInterval is how often modified records are re-verified.
const DefaultCheckInterval = 2 * time.Second

// TamperEvent describes an out-of-band modification of a stored record.
type TamperEvent struct {
	Path         string
	RecordID     string
	StoredHash   string
	ComputedHash string
}

// pendingFile tracks a file between the notification and the stability
// check that decides it is safe to re-hash.
type pendingFile struct {
	size    int64
	modTime time.Time
}

// Watch re-verifies record hashes when files under the store directory
// change. The store's own exclusive writes pass verification; anything
// that stops matching its embedded hash is reported as tampering.
type Watch struct {
	store    *Store
	interval time.Duration
	onTamper func(TamperEvent)
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	mu      sync.RWMutex
	pending map[string]pendingFile
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatch creates a tamper watch over the store directory. onTamper runs
// on the watch goroutine and must not block.
func NewWatch(store *Store, interval time.Duration, onTamper func(TamperEvent), logger *slog.Logger) (*Watch, error) {
	if store == nil {
		return nil, errors.New("forensics: watch requires a store")
	}
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if logger == nil {
		logger = slog.Default().With("component", "forensics_watch")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watch{
		store:    store,
		interval: interval,
		onTamper: onTamper,
		logger:   logger,
		pending:  make(map[string]pendingFile),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins watching. It returns after the fsnotify registration; the
// verification loops run until Close.
func (w *Watch) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("forensics: create watcher: %w", err)
	}
	if err := watcher.Add(w.store.Dir()); err != nil {
		watcher.Close()
		return fmt.Errorf("forensics: watch %s: %w", w.store.Dir(), err)
	}
	w.watcher = watcher

	w.wg.Add(2)
	go w.eventLoop()
	go w.checkLoop()
	return nil
}

// Close stops the loops and releases the watcher.
func (w *Watch) Close() error {
	w.cancel()
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.wg.Wait()
	return err
}

// eventLoop records write and create notifications for later checking.
func (w *Watch) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = pendingFile{size: info.Size(), modTime: info.ModTime()}
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("tamper watch error", "error", err)
		}
	}
}

// checkLoop periodically verifies files that have stopped changing.
func (w *Watch) checkLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.checkStableFiles()
		}
	}
}

// checkStableFiles verifies pending files whose size and mtime have
// settled. Collection happens under the read lock, hashing without any
// lock, and bookkeeping under the write lock so verification IO never
// blocks the event loop.
func (w *Watch) checkStableFiles() {
	w.mu.RLock()
	candidates := make(map[string]pendingFile, len(w.pending))
	for path, pf := range w.pending {
		candidates[path] = pf
	}
	w.mu.RUnlock()

	verified := make([]string, 0, len(candidates))
	for path, pf := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			// Deleted between notification and check; the anchor
			// verifier reports missing records separately.
			verified = append(verified, path)
			continue
		}
		if info.Size() != pf.size || !info.ModTime().Equal(pf.modTime) {
			// Still changing; re-arm with the new state.
			w.mu.Lock()
			w.pending[path] = pendingFile{size: info.Size(), modTime: info.ModTime()}
			w.mu.Unlock()
			continue
		}

		w.verifyFile(path)
		verified = append(verified, path)
	}

	w.mu.Lock()
	for _, path := range verified {
		delete(w.pending, path)
	}
	w.mu.Unlock()
}

// verifyFile re-hashes one settled record file.
func (w *Watch) verifyFile(path string) {
	id := strings.TrimSuffix(filepath.Base(path), ".json")
	stored, computed, err := w.store.Verify(id)
	if err == nil {
		return
	}

	if errors.Is(err, ErrHashMismatch) {
		w.logger.Warn("forensic record tampered",
			"record", id,
			"stored_hash", stored,
			"computed_hash", computed)
		if w.onTamper != nil {
			w.onTamper(TamperEvent{
				Path:         path,
				RecordID:     id,
				StoredHash:   stored,
				ComputedHash: computed,
			})
		}
		return
	}

	w.logger.Warn("forensic record unreadable during tamper check",
		"record", id, "error", err)
}
