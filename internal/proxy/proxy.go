package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinelvnc/internal/breaker"
	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/health"
	"sentinelvnc/internal/metrics"
	"sentinelvnc/internal/ring"
	"sentinelvnc/pkg/client"
)

// DefaultChunkBytes is the forwarding read size when the configuration
// does not say otherwise.
const DefaultChunkBytes = 4096

// payloadSampleSpan is the number of trailing window samples included in
// an alert payload.
const payloadSampleSpan = 20

// Containment triggers as recorded in metrics and logs.
const (
	triggerSink     = "sink"
	triggerAuto     = "auto"
	triggerOperator = "operator"
)

// Config holds the proxy runtime knobs. Zero values fall back to the
// stock deployment: listen :5900, upstream :5901, control 127.0.0.1:5910,
// 4 KiB chunks, 30 s dial and IO deadlines, 5 s alert posts.
type Config struct {
	Listen         string
	Upstream       string
	ControlListen  string
	MaxChunkBytes  int
	WindowCapacity int
	DialTimeout    time.Duration
	IOTimeout      time.Duration
	AlertTimeout   time.Duration

	// AutoContain contains a session locally when an affirmative verdict
	// reaches HIGH severity, even if the sink is unreachable.
	AutoContain bool
}

// Deps are the proxy collaborators. Engine is required. A nil Sink runs
// the proxy in local-verdict-only mode; nil Breaker, Metrics, Health and
// Logger get working defaults.
type Deps struct {
	Engine   *detect.Engine
	Sink     *client.Client
	Breaker  *breaker.Breaker
	Metrics  *metrics.Proxy
	Health   *health.Checker
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Proxy relays TCP sessions between viewers and the protected server,
// monitoring every forwarded chunk inline.
type Proxy struct {
	cfg        Config
	sink       *client.Client
	brk        *breaker.Breaker
	meter      *metrics.Proxy
	health     *health.Checker
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	upstreamIP string

	monitor  *monitor
	sessions *registry

	ctx       context.Context
	cancel    context.CancelFunc
	listener  net.Listener
	controlLn net.Listener
	control   *http.Server
	wg        sync.WaitGroup
}

// New assembles a proxy. It binds nothing; call Start.
func New(cfg Config, deps Deps) (*Proxy, error) {
	if deps.Engine == nil {
		return nil, errors.New("proxy: detection engine is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = "0.0.0.0:5900"
	}
	if cfg.Upstream == "" {
		cfg.Upstream = "localhost:5901"
	}
	if cfg.ControlListen == "" {
		cfg.ControlListen = "127.0.0.1:5910"
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultChunkBytes
	}
	if cfg.WindowCapacity <= 0 {
		cfg.WindowCapacity = ring.DefaultCapacity
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 30 * time.Second
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = 5 * time.Second
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "proxy")
	}
	meter := deps.Metrics
	if meter == nil {
		// A private registry keeps call sites unguarded when the caller
		// does not publish metrics.
		meter = metrics.NewProxy(prometheus.NewRegistry())
	}
	brk := deps.Breaker
	if brk == nil {
		brk = breaker.New(breaker.DefaultConfig("alert-sink"))
	}
	checker := deps.Health
	if checker == nil {
		checker = health.NewChecker()
	}

	upstreamIP := cfg.Upstream
	if host, _, err := net.SplitHostPort(cfg.Upstream); err == nil {
		upstreamIP = host
	}

	return &Proxy{
		cfg:        cfg,
		sink:       deps.Sink,
		brk:        brk,
		meter:      meter,
		health:     checker,
		gatherer:   deps.Gatherer,
		logger:     logger,
		upstreamIP: upstreamIP,
		monitor:    &monitor{engine: deps.Engine, meter: meter, logger: logger},
		sessions:   newRegistry(),
	}, nil
}

// Start binds the data-plane and control listeners and begins accepting
// sessions. A bind failure leaves nothing running.
func (p *Proxy) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(p.ctx, "tcp", p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", p.cfg.Listen, err)
	}
	p.listener = ln

	ctl, err := lc.Listen(p.ctx, "tcp", p.cfg.ControlListen)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("proxy: listen control %s: %w", p.cfg.ControlListen, err)
	}
	p.controlLn = ctl
	p.control = &http.Server{
		Handler:           p.controlRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	p.health.SetReady(true)
	p.logger.Info("proxy listening",
		"listen", ln.Addr().String(),
		"upstream", p.cfg.Upstream,
		"control", ctl.Addr().String())

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		if err := p.control.Serve(ctl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("control listener failed", "error", err)
		}
	}()
	go p.acceptLoop()
	return nil
}

// Addr returns the bound data-plane address. Valid after Start.
func (p *Proxy) Addr() net.Addr { return p.listener.Addr() }

// ControlAddr returns the bound control-channel address. Valid after Start.
func (p *Proxy) ControlAddr() net.Addr { return p.controlLn.Addr() }

// Snapshots returns the sessions currently relayed, plus contained ones,
// ordered by id.
func (p *Proxy) Snapshots() []Snapshot { return p.sessions.snapshots() }

// Shutdown stops accepting, tears down every session, and waits for the
// loops to drain until ctx expires.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	p.health.SetReady(false)
	_ = p.listener.Close()

	for _, s := range p.sessions.all() {
		s.closeConns()
	}
	_ = p.control.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("proxy: shutdown grace expired: %w", ctx.Err())
	}
}

// ContainSession places a session in containment on behalf of an operator
// or the sink. Unknown ids return ErrSessionUnknown; a repeat request
// returns ErrAlreadyContained so callers can answer idempotently.
func (p *Proxy) ContainSession(sessionID, reason string) error {
	sess := p.sessions.get(sessionID)
	if sess == nil {
		return ErrSessionUnknown
	}
	if reason == "" {
		reason = "operator request"
	}
	if !p.contain(sess, triggerOperator, "") {
		return ErrAlreadyContained
	}
	p.logger.Info("operator containment", "session_id", sessionID, "reason", reason)
	return nil
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || p.ctx.Err() != nil {
				return
			}
			p.logger.Error("accept failed", "error", err)
			continue
		}
		p.wg.Add(1)
		go p.handle(conn)
	}
}

// handle runs one session: dial upstream, register, bridge, tear down.
func (p *Proxy) handle(clientConn net.Conn) {
	defer p.wg.Done()

	dialCtx, cancel := context.WithTimeout(p.ctx, p.cfg.DialTimeout)
	var d net.Dialer
	upstreamConn, err := d.DialContext(dialCtx, "tcp", p.cfg.Upstream)
	cancel()
	if err != nil {
		p.logger.Error("upstream dial failed",
			"upstream", p.cfg.Upstream,
			"client", clientConn.RemoteAddr().String(),
			"error", err)
		_ = clientConn.Close()
		return
	}

	now := time.Now()
	sess := newSession(sessionID(clientConn.RemoteAddr(), now),
		clientConn, upstreamConn, p.upstreamIP, p.cfg.WindowCapacity, now)
	p.sessions.add(sess)
	p.meter.RecordSessionOpen()
	p.logger.Info("session opened",
		"session_id", sess.ID,
		"client", sess.ClientAddr,
		"upstream", sess.UpstreamAddr)

	var fw sync.WaitGroup
	fw.Add(2)
	go func() {
		defer fw.Done()
		p.forward(p.ctx, sess, ring.ClientToServer, clientConn, upstreamConn)
	}()
	go func() {
		defer fw.Done()
		p.forward(p.ctx, sess, ring.ServerToClient, upstreamConn, clientConn)
	}()
	fw.Wait()

	sess.markClosed()
	sess.closeConns()
	if !sess.Contained() {
		// Contained sessions stay registered: the entry is the containment
		// record, so repeat requests answer idempotently and operators can
		// still see the session. A restart clears them.
		p.sessions.remove(sess.ID)
	}
	p.meter.RecordSessionClose()
	p.logger.Info("session closed",
		"session_id", sess.ID,
		"state", sess.State().String(),
		"client_to_server_bytes", sess.c2sBytes.Load(),
		"server_to_client_bytes", sess.s2cBytes.Load(),
		"duration_sec", time.Since(sess.StartedAt).Seconds())
}

// forward reads one direction and relays chunk by chunk. The read deadline
// doubles as the poll point for cancellation and containment.
func (p *Proxy) forward(ctx context.Context, sess *Session, dir ring.Direction, src, dst net.Conn) {
	buf := make([]byte, p.cfg.MaxChunkBytes)
	for {
		if sess.Contained() {
			sess.closeConns()
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = src.SetReadDeadline(time.Now().Add(p.cfg.IOTimeout))
		n, err := src.Read(buf)
		if n > 0 && !p.relay(ctx, sess, dir, buf[:n], dst) {
			return
		}
		if err == nil {
			continue
		}

		var nerr net.Error
		switch {
		case errors.As(err, &nerr) && nerr.Timeout():
			// Deadline expiry is a poll point, not a session error.
		case errors.Is(err, io.EOF):
			halfClose(dst)
			return
		case errors.Is(err, net.ErrClosed):
			return
		default:
			p.meter.RecordForwardError(string(dir))
			p.logger.Debug("forwarding ended",
				"session_id", sess.ID,
				"direction", string(dir),
				"error", err)
			sess.closeConns()
			return
		}
	}
}

// relay runs the per-chunk pipeline in strict order: containment gate,
// sample, verdict, alert, forward. It reports whether the direction loop
// should continue.
func (p *Proxy) relay(ctx context.Context, sess *Session, dir ring.Direction, chunk []byte, dst net.Conn) bool {
	if sess.Contained() {
		sess.closeConns()
		return false
	}

	now := time.Now()
	sess.recordChunk(dir, len(chunk), now)
	p.meter.RecordTraffic(string(dir), len(chunk))

	ev := chunkEvent(sess.ID, dir, len(chunk), now)
	verdict, hits, ok := p.monitor.observe(sess, ev)
	if ok && verdict.IsAlert {
		p.raise(ctx, sess, ev, verdict, hits)
	}

	// Containment may have flipped during the alert exchange.
	if sess.Contained() {
		sess.closeConns()
		return false
	}

	_ = dst.SetWriteDeadline(time.Now().Add(p.cfg.IOTimeout))
	if _, err := dst.Write(chunk); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			p.meter.RecordForwardError(string(dir))
			p.logger.Debug("write failed",
				"session_id", sess.ID,
				"direction", string(dir),
				"error", err)
		}
		sess.closeConns()
		return false
	}
	return true
}

// raise reports an affirmative verdict to the sink and applies the
// containment decision. A sink timeout or transport error means no
// containment action was received; forwarding continues unless the local
// auto-contain rule applies.
func (p *Proxy) raise(ctx context.Context, sess *Session, ev detect.Event, verdict detect.Verdict, hits []detect.Hit) {
	heuristic, observed := wireHeuristic(ev, hits)
	p.logger.Warn("heuristic triggered",
		"session_id", sess.ID,
		"heuristic", heuristic,
		"severity", string(verdict.Severity),
		"ml_score", verdict.MLScore,
		"reasons", verdict.Reasons)

	var action, alertID string
	if p.sink != nil {
		if resp, err := p.postAlert(ctx, sess, heuristic, observed, ev.Timestamp); err == nil {
			action = resp.Action
			alertID = resp.AlertID
		}
	}

	switch {
	case action == client.ActionContain:
		p.contain(sess, triggerSink, alertID)
	case p.cfg.AutoContain && verdict.Severity.Rank() >= detect.SeverityHigh.Rank():
		p.contain(sess, triggerAuto, alertID)
	}
}

// postAlert delivers one alert payload through the circuit breaker.
func (p *Proxy) postAlert(ctx context.Context, sess *Session, heuristic string, observed uint64, ts float64) (*client.IngestResponse, error) {
	payload := client.AlertPayload{
		SessionID:     sess.ID,
		ClientIP:      sess.ClientIP,
		UpstreamIP:    sess.UpstreamIP,
		Timestamp:     ts,
		Heuristic:     heuristic,
		Bytes:         observed,
		RecentSamples: sess.RecentSamples(payloadSampleSpan),
		SessionStats:  sess.Stats(),
	}

	start := time.Now()
	var resp *client.IngestResponse
	err := p.brk.Do(func() error {
		postCtx, cancel := context.WithTimeout(ctx, p.cfg.AlertTimeout)
		defer cancel()
		r, err := p.sink.PostAlert(postCtx, &payload)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	elapsed := time.Since(start).Seconds()

	switch {
	case errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrTooManyProbes):
		p.meter.RecordAlertDelivery("shed", elapsed)
		p.logger.Debug("alert shed, sink breaker open",
			"session_id", sess.ID, "heuristic", heuristic)
		return nil, err
	case err != nil:
		p.meter.RecordAlertDelivery("error", elapsed)
		p.logger.Error("alert post failed",
			"session_id", sess.ID, "heuristic", heuristic, "error", err)
		return nil, err
	}

	p.meter.RecordAlertDelivery("ok", elapsed)
	p.logger.Info("alert delivered",
		"session_id", sess.ID,
		"heuristic", heuristic,
		"action", resp.Action,
		"alert_id", resp.AlertID)
	return resp, nil
}

// contain flips the session to CONTAINED and tears its sockets down. The
// losing caller of a containment race does nothing and gets false. When
// the containment answers a persisted alert, the sink is told best-effort
// so it can close the alert lifecycle.
func (p *Proxy) contain(sess *Session, trigger, alertID string) bool {
	if !sess.Contain() {
		return false
	}
	p.meter.RecordContainment(trigger)
	p.logger.Warn("session contained",
		"session_id", sess.ID, "trigger", trigger, "alert_id", alertID)
	sess.closeConns()

	if alertID != "" && p.sink != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AlertTimeout)
			defer cancel()
			if err := p.sink.ConfirmContainment(ctx, alertID); err != nil {
				p.logger.Debug("containment confirmation failed",
					"alert_id", alertID, "error", err)
			}
		}()
	}
	return true
}

// halfClose signals EOF to the peer's reader without tearing down the
// opposite direction.
func halfClose(c net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
