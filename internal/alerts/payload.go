// Package alerts implements the alert-sink service: schema-validated
// intake of proxy alert payloads, verdict re-evaluation, persistence,
// forensic and anchor handoff, containment coordination, and the
// operator-facing HTTP API with a live websocket feed.
package alerts

import (
	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/ring"
)

// Actions returned to the proxy on intake.
const (
	ActionContain = "contain"
	ActionNoOp    = "no-op"
)

// PayloadSampleSpan is the maximum number of trailing window samples a
// payload carries.
const PayloadSampleSpan = 20

// Sample is one window observation on the alert wire.
type Sample struct {
	Timestamp float64        `json:"timestamp"`
	Direction ring.Direction `json:"direction"`
	Bytes     uint64         `json:"bytes"`
}

// SessionStats summarizes one proxied session at alert time.
type SessionStats struct {
	ClientToServerBytes   uint64  `json:"client_to_server_bytes"`
	ServerToClientBytes   uint64  `json:"server_to_client_bytes"`
	ClientToServerPackets uint64  `json:"client_to_server_packets"`
	ServerToClientPackets uint64  `json:"server_to_client_packets"`
	DurationSeconds       float64 `json:"duration_seconds"`
}

// Payload is the alert POST body the proxy sends for an affirmative
// verdict.
type Payload struct {
	SessionID     string       `json:"session_id"`
	ClientIP      string       `json:"client_ip"`
	UpstreamIP    string       `json:"upstream_ip"`
	Timestamp     float64      `json:"timestamp"`
	Heuristic     string       `json:"heuristic"`
	Bytes         uint64       `json:"bytes"`
	RecentSamples []Sample     `json:"recent_samples"`
	SessionStats  SessionStats `json:"session_stats"`
}

// Response is the intake reply. AlertID is empty when re-evaluation
// downgraded the payload and no alert was recorded.
type Response struct {
	Action       string          `json:"action"`
	AlertID      string          `json:"alert_id"`
	Severity     detect.Severity `json:"severity"`
	ForensicHash string          `json:"forensic_hash,omitempty"`
}

// ContainRequest asks for containment of one session, either from an
// operator or forwarded to the proxy control channel.
type ContainRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// ContainResponse reports a containment attempt. Success is also true
// for sessions that were already contained.
type ContainResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// eventShape maps a wire heuristic onto the event vocabulary the
// detection engine understands.
func eventShape(heuristic string) (ring.EventType, ring.Direction) {
	switch heuristic {
	case detect.HeuristicFrameburst:
		return ring.EventScreenshot, ring.ServerToClient
	case detect.HeuristicFileTransfer:
		return ring.EventFileTransfer, ring.ClientToServer
	default: // detect.HeuristicClipboard and unrecognized heuristics
		return ring.EventClipboardCopy, ring.ClientToServer
	}
}

// Event rebuilds the detector event the payload describes.
func (p *Payload) Event() detect.Event {
	typ, dir := eventShape(p.Heuristic)
	ev := detect.Event{
		SessionID: p.SessionID,
		Timestamp: p.Timestamp,
		Type:      typ,
		Direction: dir,
		Bytes:     p.Bytes,
	}
	switch typ {
	case ring.EventClipboardCopy:
		ev.SizeKB = float64(p.Bytes) / 1024.0
	case ring.EventFileTransfer:
		ev.SizeMB = float64(p.Bytes) / 1024.0 / 1024.0
	}
	return ev
}

// Window reconstructs the session window from the payload samples.
// Samples travelling in the event's direction inherit the event type so
// the per-type history aggregates survive the round trip; the opposite
// direction stays untyped, exactly as the proxy observed it. An empty
// sample list degenerates to a window holding only the event itself.
func (p *Payload) Window(capacity int) *ring.Ring {
	typ, dir := eventShape(p.Heuristic)

	w := ring.New(capacity)
	for _, s := range p.RecentSamples {
		sample := ring.Sample{
			Timestamp: s.Timestamp,
			Direction: s.Direction,
			Bytes:     s.Bytes,
		}
		if s.Direction == dir {
			sample.Type = typ
		}
		w.Append(sample)
	}
	if w.Len() == 0 {
		ev := p.Event()
		w.Append(ev.Sample())
	}
	return w
}
