package sim

import (
	"context"
	"io"
	"log/slog"

	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/ring"
	"sentinelvnc/pkg/client"
)

// payloadSampleSpan caps the window slice carried in a replayed payload,
// matching the alert schema's recent_samples bound.
const payloadSampleSpan = 20

// RFC 5737 documentation addresses mark replayed alerts as synthetic.
const (
	defaultClientIP   = "198.51.100.10"
	defaultUpstreamIP = "203.0.113.5"
)

// ReplayConfig wires a Replayer. Engine is required; a nil Sink makes
// the replay a dry run that only counts local verdicts.
type ReplayConfig struct {
	Engine         *detect.Engine
	Sink           *client.Client
	WindowCapacity int
	ClientIP       string
	UpstreamIP     string
	Logger         *slog.Logger
}

// ReplaySummary reports one replay run.
type ReplaySummary struct {
	Events       int `json:"events"`
	Alerts       int `json:"alerts"`
	Posted       int `json:"posted"`
	Containments int `json:"containments"`
	Failures     int `json:"failures"`
}

// Replayer drives generated events through a local detection engine and
// posts the alerting ones to a sink, reproducing what the inline proxy
// puts on the wire without a live session.
type Replayer struct {
	engine   *detect.Engine
	sink     *client.Client
	logger   *slog.Logger
	capacity int

	clientIP   string
	upstreamIP string

	sessions map[string]*replaySession
}

type replaySession struct {
	window  *ring.Ring
	stats   client.SessionStats
	started float64
}

// NewReplayer builds a Replayer.
func NewReplayer(cfg ReplayConfig) *Replayer {
	if cfg.WindowCapacity <= 0 {
		cfg.WindowCapacity = ring.DefaultCapacity
	}
	if cfg.ClientIP == "" {
		cfg.ClientIP = defaultClientIP
	}
	if cfg.UpstreamIP == "" {
		cfg.UpstreamIP = defaultUpstreamIP
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Replayer{
		engine:     cfg.Engine,
		sink:       cfg.Sink,
		logger:     cfg.Logger,
		capacity:   cfg.WindowCapacity,
		clientIP:   cfg.ClientIP,
		upstreamIP: cfg.UpstreamIP,
		sessions:   make(map[string]*replaySession),
	}
}

// Replay evaluates events in order, keeping one window per session, and
// posts a payload for every alerting verdict. Post failures are counted
// and logged, not fatal; the only error returned is context cancellation.
func (r *Replayer) Replay(ctx context.Context, events []detect.Event) (ReplaySummary, error) {
	var sum ReplaySummary
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		id, sess := r.session(ev)
		sess.window.Append(ev.Sample())
		sess.record(ev)
		verdict, hits := r.engine.Evaluate(ev, sess.window)
		sum.Events++
		if !verdict.IsAlert {
			continue
		}
		sum.Alerts++
		if r.sink == nil {
			continue
		}
		p := r.payload(id, ev, sess, hits)
		resp, err := r.sink.PostAlert(ctx, p)
		if err != nil {
			sum.Failures++
			r.logger.Error("alert post failed",
				"session_id", p.SessionID,
				"heuristic", p.Heuristic,
				"error", err)
			continue
		}
		sum.Posted++
		if resp.Action == client.ActionContain {
			sum.Containments++
		}
		r.logger.Info("alert delivered",
			"session_id", p.SessionID,
			"heuristic", p.Heuristic,
			"severity", verdict.Severity,
			"action", resp.Action,
			"alert_id", resp.AlertID)
	}
	return sum, nil
}

func (r *Replayer) session(ev detect.Event) (string, *replaySession) {
	id := ev.SessionID
	if id == "" {
		id = "session_sim_unlabelled"
	}
	sess, ok := r.sessions[id]
	if !ok {
		sess = &replaySession{window: ring.New(r.capacity), started: ev.Timestamp}
		r.sessions[id] = sess
	}
	return id, sess
}

func (s *replaySession) record(ev detect.Event) {
	switch ev.Direction {
	case ring.ServerToClient:
		s.stats.ServerToClientBytes += ev.Bytes
		s.stats.ServerToClientPackets++
	default:
		s.stats.ClientToServerBytes += ev.Bytes
		s.stats.ClientToServerPackets++
	}
	if d := ev.Timestamp - s.started; d > 0 {
		s.stats.DurationSeconds = d
	}
}

func (r *Replayer) payload(id string, ev detect.Event, sess *replaySession, hits []detect.Hit) *client.AlertPayload {
	heuristic, observed := replayHeuristic(ev, hits)
	tail := sess.window.Tail(payloadSampleSpan)
	samples := make([]client.Sample, len(tail))
	for i, s := range tail {
		samples[i] = client.Sample{
			Timestamp: s.Timestamp,
			Direction: string(s.Direction),
			Bytes:     s.Bytes,
		}
	}
	return &client.AlertPayload{
		SessionID:     id,
		ClientIP:      r.clientIP,
		UpstreamIP:    r.upstreamIP,
		Timestamp:     ev.Timestamp,
		Heuristic:     heuristic,
		Bytes:         observed,
		RecentSamples: samples,
		SessionStats:  sess.stats,
	}
}

// replayHeuristic picks the wire heuristic for an alerting event: the
// leading rule hit when one fired, otherwise the name matching the
// event kind. Generated events always know their kind, so an ML-only
// verdict here never has to guess from direction.
func replayHeuristic(ev detect.Event, hits []detect.Hit) (string, uint64) {
	if len(hits) > 0 {
		return hits[0].Heuristic, hits[0].Bytes
	}
	switch ev.Type {
	case detect.EventScreenshot:
		return detect.HeuristicFrameburst, ev.Bytes
	case detect.EventFileTransfer:
		return detect.HeuristicFileTransfer, ev.Bytes
	default:
		return detect.HeuristicClipboard, ev.Bytes
	}
}
