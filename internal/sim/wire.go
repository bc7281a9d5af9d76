package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Wire shape scripts mirror the generator scenarios chunk for chunk.
const (
	wireNormalWrites     = 20
	wireClipboardBursts  = 5
	wireFileTransfers    = 3
	wireMixedBurstBytes  = 300 << 10
	wireMixedNormalSpan  = 5
	wirePatternBytes     = 256 << 10
	wirePollInterval     = 500 * time.Millisecond
	defaultBurstBytes    = 500 << 10
	defaultTransferBytes = 100 << 20
	defaultFrameBytes    = 1 << 20
)

// WireConfig shapes a raw traffic run against a live proxy listener.
type WireConfig struct {
	ProxyAddr     string
	Scenario      Scenario
	Seed          int64
	BurstBytes    int           // clipboard shape write size
	TransferBytes int           // file shape write size
	Interval      time.Duration // spacing between script writes
	DialTimeout   time.Duration
	IOTimeout     time.Duration
	Logger        *slog.Logger
}

// WireSummary reports one wire run.
type WireSummary struct {
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
	Writes        int    `json:"writes"` // script writes completed
	Terminated    bool   `json:"terminated"`
}

// RunWire dials a proxy listener and emits the scenario's traffic shape
// so the inline detection path sees real chunks. Client-driven shapes
// write toward the upstream; the screenshot shape drains the frame
// blast a companion Upstream sends back through the proxy. Terminated
// reports whether the relay cut the session before the script finished.
func RunWire(ctx context.Context, cfg WireConfig) (WireSummary, error) {
	var sum WireSummary
	if _, err := ParseScenario(string(cfg.Scenario)); err != nil {
		return sum, err
	}
	if cfg.BurstBytes <= 0 {
		cfg.BurstBytes = defaultBurstBytes
	}
	if cfg.TransferBytes <= 0 {
		cfg.TransferBytes = defaultTransferBytes
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	pattern := make([]byte, wirePatternBytes)
	rng.Read(pattern)

	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.ProxyAddr)
	if err != nil {
		return sum, fmt.Errorf("sim: dial proxy %s: %w", cfg.ProxyAddr, err)
	}
	defer conn.Close()

	recv := make(chan drainResult, 1)
	go func() { recv <- drainConn(ctx, conn) }()

	run := &wireRun{conn: conn, pattern: pattern, timeout: cfg.IOTimeout, sum: &sum, logger: cfg.Logger}
	switch cfg.Scenario {
	case ScenarioNormal:
		run.script(ctx, wireNormalWrites, cfg.Interval, func(int) int {
			return (1 + rng.Intn(50)) * 1024
		})
	case ScenarioClipboardAbuse:
		run.script(ctx, wireClipboardBursts, cfg.Interval, func(int) int {
			return cfg.BurstBytes
		})
	case ScenarioFileExfiltration:
		run.script(ctx, wireFileTransfers, cfg.Interval, func(int) int {
			return cfg.TransferBytes
		})
	case ScenarioScreenshotScraping:
		// Nothing to write. The companion upstream drives this shape.
	case ScenarioMixed:
		if run.script(ctx, wireMixedNormalSpan, cfg.Interval, func(int) int {
			return (1 + rng.Intn(50)) * 1024
		}) && run.script(ctx, 3, cfg.Interval, func(int) int { return wireMixedBurstBytes }) {
			run.script(ctx, 2, cfg.Interval, func(int) int { return cfg.TransferBytes / 2 })
		}
	}

	switch cfg.Scenario {
	case ScenarioScreenshotScraping, ScenarioMixed:
		// Wait for the upstream's blast to end before tearing down.
		select {
		case res := <-recv:
			sum.BytesReceived = res.n
			if !res.clean {
				sum.Terminated = true
			}
		case <-ctx.Done():
			conn.Close()
			res := <-recv
			sum.BytesReceived = res.n
			return sum, ctx.Err()
		}
	default:
		conn.Close()
		res := <-recv
		sum.BytesReceived = res.n
	}
	return sum, ctx.Err()
}

type wireRun struct {
	conn    net.Conn
	pattern []byte
	timeout time.Duration
	sum     *WireSummary
	logger  *slog.Logger
}

// script performs steps writes spaced interval apart, sizing each from
// the size callback. It stops early on cancellation or a cut session.
func (w *wireRun) script(ctx context.Context, steps int, interval time.Duration, size func(step int) int) bool {
	for i := 0; i < steps; i++ {
		if i > 0 && !pause(ctx, interval) {
			return false
		}
		if !w.send(size(i)) {
			return false
		}
	}
	return true
}

// send writes total bytes in pattern-sized slices.
func (w *wireRun) send(total int) bool {
	for total > 0 {
		n := len(w.pattern)
		if total < n {
			n = total
		}
		w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
		nw, err := w.conn.Write(w.pattern[:n])
		w.sum.BytesSent += uint64(nw)
		if err != nil {
			w.sum.Terminated = true
			w.logger.Info("session cut mid-write", "bytes_sent", w.sum.BytesSent, "error", err)
			return false
		}
		total -= nw
	}
	w.sum.Writes++
	return true
}

type drainResult struct {
	n     uint64
	clean bool // stream ended with EOF rather than a cut
}

// drainConn counts server->client bytes until the stream ends. Read
// deadlines double as poll points for cancellation.
func drainConn(ctx context.Context, conn net.Conn) drainResult {
	buf := make([]byte, 32<<10)
	var res drainResult
	for {
		if ctx.Err() != nil {
			return res
		}
		conn.SetReadDeadline(time.Now().Add(wirePollInterval))
		n, err := conn.Read(buf)
		res.n += uint64(n)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		res.clean = errors.Is(err, io.EOF)
		return res
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// UpstreamConfig shapes the companion upstream endpoint.
type UpstreamConfig struct {
	Listen     string        // default 127.0.0.1:0
	Frames     int           // frames blasted at each connection; 0 means drain only
	FrameBytes int           // per-frame size
	Interval   time.Duration // inter-frame spacing
	Seed       int64
	Logger     *slog.Logger
}

// UpstreamShapeFor maps a scenario onto the companion upstream's blast
// script: the screenshot shapes stream frames back, everything else
// just drains.
func UpstreamShapeFor(s Scenario) (frames, frameBytes int) {
	switch s {
	case ScenarioScreenshotScraping:
		return 10, defaultFrameBytes
	case ScenarioMixed:
		return 8, defaultFrameBytes
	default:
		return 0, 0
	}
}

// Upstream is the endpoint wire runs point a proxy at. It drains
// whatever the viewer sends and, when configured with frames, blasts
// server->client data at each connection and then half-closes.
type Upstream struct {
	ln      net.Listener
	cfg     UpstreamConfig
	pattern []byte
	logger  *slog.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// ServeUpstream binds the upstream listener and starts serving.
func ServeUpstream(cfg UpstreamConfig) (*Upstream, error) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = defaultFrameBytes
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("sim: listen %s: %w", cfg.Listen, err)
	}
	pattern := make([]byte, wirePatternBytes)
	rand.New(rand.NewSource(cfg.Seed)).Read(pattern)
	u := &Upstream{
		ln:      ln,
		cfg:     cfg,
		pattern: pattern,
		logger:  cfg.Logger,
		conns:   make(map[net.Conn]struct{}),
	}
	u.wg.Add(1)
	go u.acceptLoop()
	return u, nil
}

// Addr returns the bound listener address.
func (u *Upstream) Addr() string { return u.ln.Addr().String() }

// Stats reports total bytes drained from and blasted at clients.
func (u *Upstream) Stats() (bytesIn, bytesOut uint64) {
	return u.bytesIn.Load(), u.bytesOut.Load()
}

// Close stops the listener, closes live connections and waits for the
// serving goroutines.
func (u *Upstream) Close() {
	u.ln.Close()
	u.mu.Lock()
	u.closed = true
	for c := range u.conns {
		c.Close()
	}
	u.mu.Unlock()
	u.wg.Wait()
}

func (u *Upstream) acceptLoop() {
	defer u.wg.Done()
	for {
		conn, err := u.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.logger.Debug("accept failed", "error", err)
			continue
		}
		if !u.track(conn) {
			return
		}
		u.wg.Add(1)
		go u.serve(conn)
	}
}

func (u *Upstream) track(conn net.Conn) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		conn.Close()
		return false
	}
	u.conns[conn] = struct{}{}
	return true
}

func (u *Upstream) drop(conn net.Conn) {
	u.mu.Lock()
	delete(u.conns, conn)
	u.mu.Unlock()
	conn.Close()
}

func (u *Upstream) serve(conn net.Conn) {
	defer u.wg.Done()
	if u.cfg.Frames > 0 {
		u.wg.Add(1)
		go u.blast(conn)
	}
	buf := make([]byte, 32<<10)
	for {
		n, err := conn.Read(buf)
		u.bytesIn.Add(uint64(n))
		if err != nil {
			u.drop(conn)
			return
		}
	}
}

func (u *Upstream) blast(conn net.Conn) {
	defer u.wg.Done()
	for i := 0; i < u.cfg.Frames; i++ {
		if i > 0 {
			time.Sleep(u.cfg.Interval)
		}
		remaining := u.cfg.FrameBytes
		for remaining > 0 {
			n := len(u.pattern)
			if remaining < n {
				n = remaining
			}
			nw, err := conn.Write(u.pattern[:n])
			u.bytesOut.Add(uint64(nw))
			if err != nil {
				u.logger.Debug("frame blast ended early", "error", err)
				return
			}
			remaining -= nw
		}
	}
	// Half-close so the viewer side sees a clean end of stream.
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
}
