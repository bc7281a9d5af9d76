package proxy

import (
	"log/slog"
	"time"

	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/metrics"
	"sentinelvnc/internal/ring"
)

// monitor runs the detection engine over forwarded chunks. It owns the
// fault boundary: a panic anywhere in the detection path is recovered here
// so the bridge keeps forwarding.
type monitor struct {
	engine *detect.Engine
	meter  *metrics.Proxy
	logger *slog.Logger
}

// chunkEvent classifies one forwarded chunk. Client->server traffic is
// treated as clipboard-like input, server->client as screen content; the
// rate rule reads the raw byte figures either way.
func chunkEvent(sessionID string, dir ring.Direction, n int, now time.Time) detect.Event {
	ev := detect.Event{
		SessionID: sessionID,
		Timestamp: float64(now.UnixNano()) / 1e9,
		Direction: dir,
		Bytes:     uint64(n),
	}
	if dir == ring.ServerToClient {
		ev.Type = detect.EventScreenshot
	} else {
		ev.Type = detect.EventClipboardCopy
		ev.SizeKB = float64(n) / 1024
	}
	return ev
}

// observe appends the event's sample to the session window and evaluates
// it. Window mutation and evaluation share the session lock so the
// opposite direction cannot reshape the ring mid-read.
//
// The sample is recorded before the fault guard: a detection panic keeps
// the window and counters consistent, logs a monitor fault, and returns
// ok=false so the caller forwards the chunk unmonitored.
func (m *monitor) observe(sess *Session, ev detect.Event) (verdict detect.Verdict, hits []detect.Hit, ok bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.window.Append(ev.Sample())

	defer func() {
		if r := recover(); r != nil {
			m.meter.RecordMonitorFault()
			m.logger.Error("monitor fault",
				"session_id", sess.ID,
				"direction", string(ev.Direction),
				"panic", r)
			ok = false
		}
	}()

	start := time.Now()
	verdict, hits = m.engine.Evaluate(ev, sess.window)
	m.meter.RecordVerdict(string(verdict.Severity), time.Since(start).Seconds())
	return verdict, hits, true
}

// wireHeuristic names the alert on the wire and picks the byte figure it
// reports. Rule hits lead; a pure ML verdict borrows the heuristic that
// matches its direction so the payload stays inside the wire enum.
func wireHeuristic(ev detect.Event, hits []detect.Hit) (string, uint64) {
	if len(hits) > 0 {
		return hits[0].Heuristic, hits[0].Bytes
	}
	if ev.Direction == ring.ServerToClient {
		return detect.HeuristicFrameburst, ev.Bytes
	}
	return detect.HeuristicClipboard, ev.Bytes
}
