package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sentinelvnc/internal/ids"
	"sentinelvnc/internal/merkle"
	"sentinelvnc/internal/signer"
)

// Batching defaults. The soft limit forces an out-of-schedule batch when
// the queue outruns the batcher.
const (
	DefaultBatchSize  = 100
	DefaultInterval   = 60 * time.Second
	defaultSoftFactor = 10
)

// ErrNoPendingLeaves is returned by AnchorNow when the queue is empty.
var ErrNoPendingLeaves = errors.New("anchor: no pending leaves")

// Sink receives finished anchors for database persistence and alert
// backfill. The file store holds the evidence artifact; the sink is the
// queryable copy.
type Sink interface {
	SaveAnchor(ctx context.Context, a *Anchor) error
	SetAnchorRoot(ctx context.Context, alertIDs []string, root string) error
}

// Config parameterizes the batcher.
type Config struct {
	// BatchSize caps leaves per anchor; reaching it triggers a batch.
	BatchSize int
	// Interval is the periodic anchoring cadence.
	Interval time.Duration
	// SoftLimit is the queue depth that logs backpressure; zero means
	// ten times the batch size.
	SoftLimit int
}

// Stats is a point-in-time snapshot of batcher activity.
type Stats struct {
	AnchorsCreated   uint64
	LeavesAnchored   uint64
	WriteFailures    uint64
	BackfillFailures uint64
	Pending          int
	LastAnchorAt     time.Time
}

// entry is one queued leaf.
type entry struct {
	leaf    string
	alertID string
}

// Service owns the leaf queue and the single batcher goroutine. Enqueue is
// safe from any goroutine; anchors are built, signed, and written only by
// the batcher (and by AnchorNow callers).
type Service struct {
	cfg    Config
	signer signer.Signer
	files  *FileStore
	sink   Sink
	logger *slog.Logger
	alloc  *ids.Allocator

	mu    sync.Mutex
	queue []entry

	anchorsCreated   atomic.Uint64
	leavesAnchored   atomic.Uint64
	writeFailures    atomic.Uint64
	backfillFailures atomic.Uint64
	lastAnchorUnix   atomic.Int64
	softWarned       atomic.Bool

	running atomic.Bool
	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService builds the batcher. The sink may be nil for file-only
// operation (offline tools, tests).
func NewService(cfg Config, sg signer.Signer, files *FileStore, sink Sink, logger *slog.Logger) (*Service, error) {
	if sg == nil {
		return nil, errors.New("anchor: signer is required")
	}
	if files == nil {
		return nil, errors.New("anchor: file store is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = defaultSoftFactor * cfg.BatchSize
	}
	if logger == nil {
		logger = slog.Default().With("component", "anchor")
	}
	return &Service{
		cfg:     cfg,
		signer:  sg,
		files:   files,
		sink:    sink,
		logger:  logger,
		alloc:   ids.NewAllocator("ANCHOR"),
		trigger: make(chan struct{}, 1),
	}, nil
}

// Enqueue queues one forensic record hash for the next anchor.
func (s *Service) Enqueue(leafHash, alertID string) {
	s.mu.Lock()
	s.queue = append(s.queue, entry{leaf: leafHash, alertID: alertID})
	pending := len(s.queue)
	s.mu.Unlock()

	// Latched so concurrent enqueues cannot step over the limit unlogged
	// and a flooded queue does not warn on every append; take() re-arms
	// the latch once the queue drains below the limit.
	if pending >= s.cfg.SoftLimit && !s.softWarned.Swap(true) {
		s.logger.Warn("anchor queue past soft limit, forcing batch",
			"pending", pending,
			"soft_limit", s.cfg.SoftLimit)
	}
	if pending >= s.cfg.BatchSize {
		select {
		case s.trigger <- struct{}{}:
		default:
		}
	}
}

// Pending returns the current queue depth.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns a snapshot of batcher activity.
func (s *Service) Stats() Stats {
	st := Stats{
		AnchorsCreated:   s.anchorsCreated.Load(),
		LeavesAnchored:   s.leavesAnchored.Load(),
		WriteFailures:    s.writeFailures.Load(),
		BackfillFailures: s.backfillFailures.Load(),
		Pending:          s.Pending(),
	}
	if ms := s.lastAnchorUnix.Load(); ms > 0 {
		st.LastAnchorAt = time.UnixMilli(ms)
	}
	return st
}

// Start launches the batcher goroutine.
func (s *Service) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	s.logger.Info("anchor batcher started",
		"batch_size", s.cfg.BatchSize,
		"interval", s.cfg.Interval)
	return nil
}

// Stop halts the batcher and drains every pending leaf into final anchors.
// A drain failure leaves the remaining leaves queued and is returned; the
// records themselves are already on disk and can be re-anchored later.
func (s *Service) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	for {
		batch := s.take()
		if len(batch) == 0 {
			break
		}
		if _, err := s.anchorBatch(context.Background(), batch, "shutdown"); err != nil {
			s.requeueFront(batch)
			return fmt.Errorf("anchor: shutdown drain: %w", err)
		}
	}
	s.logger.Info("anchor batcher stopped")
	return nil
}

// AnchorNow forces one batch immediately, bypassing the schedule.
func (s *Service) AnchorNow(ctx context.Context) (*Anchor, error) {
	batch := s.take()
	if len(batch) == 0 {
		return nil, ErrNoPendingLeaves
	}
	a, err := s.anchorBatch(ctx, batch, "forced")
	if err != nil {
		s.requeueFront(batch)
		return nil, err
	}
	return a, nil
}

// run is the batcher loop: anchor on every interval tick, plus whenever
// the queue reaches a full batch.
func (s *Service) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cycle("interval", true)
		case <-s.trigger:
			s.cycle("batch-size", false)
		}
	}
}

// cycle drains the queue one batch at a time. Only the first batch of an
// interval tick may be partial; afterwards it keeps anchoring while full
// batches remain.
func (s *Service) cycle(reason string, anchorPartial bool) {
	for {
		pending := s.Pending()
		if pending == 0 {
			return
		}
		if pending < s.cfg.BatchSize && !anchorPartial {
			return
		}
		batch := s.take()
		if len(batch) == 0 {
			return
		}
		if _, err := s.anchorBatch(s.ctx, batch, reason); err != nil {
			// Leaves go back to the front; the next tick retries.
			s.requeueFront(batch)
			return
		}
		anchorPartial = false
	}
}

// take pops up to one batch from the queue front.
func (s *Service) take() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if n == 0 {
		return nil
	}
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	batch := make([]entry, n)
	copy(batch, s.queue[:n])
	s.queue = append(s.queue[:0], s.queue[n:]...)
	if len(s.queue) < s.cfg.SoftLimit {
		s.softWarned.Store(false)
	}
	return batch
}

// requeueFront puts a failed batch back ahead of newer leaves so anchor
// order keeps following enqueue order.
func (s *Service) requeueFront(batch []entry) {
	s.mu.Lock()
	s.queue = append(batch, s.queue...)
	s.mu.Unlock()
}

// anchorBatch builds, signs, writes, and backfills one anchor.
func (s *Service) anchorBatch(ctx context.Context, batch []entry, reason string) (*Anchor, error) {
	leaves := make([]string, len(batch))
	alertIDs := make([]string, len(batch))
	for i, e := range batch {
		leaves[i] = e.leaf
		alertIDs[i] = e.alertID
	}

	now := time.Now()
	a := &Anchor{
		AnchorID:   s.alloc.Next(now),
		CreatedAt:  float64(now.UnixMicro()) / 1e6,
		MerkleRoot: merkle.Root(leaves),
		LeafCount:  len(leaves),
		LeafHashes: leaves,
		AlertIDs:   alertIDs,
	}
	if err := a.Sign(s.signer); err != nil {
		s.writeFailures.Add(1)
		s.logger.Error("anchor signing failed", "anchor", a.AnchorID, "error", err)
		return nil, err
	}

	path, err := s.files.Write(a)
	if err != nil {
		s.writeFailures.Add(1)
		s.logger.Error("anchor write failed", "anchor", a.AnchorID, "error", err)
		return nil, err
	}

	if s.sink != nil {
		if err := s.sink.SaveAnchor(ctx, a); err != nil {
			s.backfillFailures.Add(1)
			s.logger.Warn("anchor row not persisted", "anchor", a.AnchorID, "error", err)
		}
		if err := s.sink.SetAnchorRoot(ctx, alertIDs, a.MerkleRoot); err != nil {
			s.backfillFailures.Add(1)
			s.logger.Warn("anchor root backfill failed", "anchor", a.AnchorID, "error", err)
		}
	}

	s.anchorsCreated.Add(1)
	s.leavesAnchored.Add(uint64(len(leaves)))
	s.lastAnchorUnix.Store(now.UnixMilli())

	s.logger.Info("anchor created",
		"anchor", a.AnchorID,
		"leaves", len(leaves),
		"root", a.MerkleRoot,
		"reason", reason,
		"path", path)
	return a, nil
}
