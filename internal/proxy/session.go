// Package proxy implements the inline session proxy: a transparent TCP
// relay between desktop viewers and the protected server that samples every
// forwarded chunk, runs the detection engine over the session window, posts
// affirmative verdicts to the alert sink, and can place a session in
// containment. A small control listener exposes operator containment and
// session introspection.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sentinelvnc/internal/ring"
	"sentinelvnc/pkg/client"
)

var (
	// ErrSessionUnknown is returned when a containment request names a
	// session this proxy is not currently relaying.
	ErrSessionUnknown = errors.New("proxy: unknown session")

	// ErrAlreadyContained is returned when containment is requested for a
	// session that is already contained.
	ErrAlreadyContained = errors.New("proxy: session already contained")
)

// State is the lifecycle position of a proxied session. CONTAINED is
// terminal: a contained session never returns to ACTIVE and is not marked
// CLOSED on teardown.
type State uint32

const (
	StateActive State = iota
	StateContained
	StateClosed
)

// String returns the wire form used in snapshots and logs.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateContained:
		return "contained"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one relayed client/upstream connection pair. The forwarding
// loops mutate it; the control listener and the alert path read it. The
// sample window is guarded by mu, counters and state are atomics.
type Session struct {
	ID           string
	ClientAddr   string
	UpstreamAddr string
	ClientIP     string
	UpstreamIP   string
	StartedAt    time.Time

	client   net.Conn
	upstream net.Conn

	mu     sync.Mutex
	window *ring.Ring

	state        atomic.Uint32
	lastActivity atomic.Int64 // unix nanoseconds

	c2sBytes   atomic.Uint64
	s2cBytes   atomic.Uint64
	c2sPackets atomic.Uint64
	s2cPackets atomic.Uint64

	closeOnce sync.Once
}

// sessionID derives the session identifier from the client endpoint and
// the accept time: session_<client-ip>_<client-port>_<unix-seconds>.
func sessionID(addr net.Addr, now time.Time) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		host, port = addr.String(), "0"
	}
	return fmt.Sprintf("session_%s_%s_%d", host, port, now.Unix())
}

func newSession(id string, clientConn, upstreamConn net.Conn, upstreamIP string, capacity int, now time.Time) *Session {
	s := &Session{
		ID:           id,
		ClientAddr:   clientConn.RemoteAddr().String(),
		UpstreamAddr: upstreamConn.RemoteAddr().String(),
		UpstreamIP:   upstreamIP,
		StartedAt:    now,
		client:       clientConn,
		upstream:     upstreamConn,
		window:       ring.New(capacity),
	}
	if host, _, err := net.SplitHostPort(s.ClientAddr); err == nil {
		s.ClientIP = host
	} else {
		s.ClientIP = s.ClientAddr
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Contained reports whether the session is in containment.
func (s *Session) Contained() bool { return s.State() == StateContained }

// Contain atomically flips an ACTIVE session to CONTAINED. It reports
// whether this call performed the transition; a false return means the
// session was already contained (or closed).
func (s *Session) Contain() bool {
	return s.state.CompareAndSwap(uint32(StateActive), uint32(StateContained))
}

// markClosed records normal teardown. Containment is terminal, so a
// contained session keeps its state.
func (s *Session) markClosed() {
	s.state.CompareAndSwap(uint32(StateActive), uint32(StateClosed))
}

// recordChunk updates the direction counters and the activity clock for
// one forwarded chunk. The matching window sample is appended by the
// monitor under the session lock.
func (s *Session) recordChunk(dir ring.Direction, n int, now time.Time) {
	if dir == ring.ClientToServer {
		s.c2sBytes.Add(uint64(n))
		s.c2sPackets.Add(1)
	} else {
		s.s2cBytes.Add(uint64(n))
		s.s2cPackets.Add(1)
	}
	s.lastActivity.Store(now.UnixNano())
}

// RecentSamples copies the newest n window samples into their wire form.
func (s *Session) RecentSamples(n int) []client.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := s.window.Tail(n)
	out := make([]client.Sample, len(tail))
	for i, smp := range tail {
		out[i] = client.Sample{
			Timestamp: smp.Timestamp,
			Direction: string(smp.Direction),
			Bytes:     smp.Bytes,
		}
	}
	return out
}

// Stats summarizes the session for the alert payload.
func (s *Session) Stats() client.SessionStats {
	return client.SessionStats{
		ClientToServerBytes:   s.c2sBytes.Load(),
		ServerToClientBytes:   s.s2cBytes.Load(),
		ClientToServerPackets: s.c2sPackets.Load(),
		ServerToClientPackets: s.s2cPackets.Load(),
		DurationSeconds:       time.Since(s.StartedAt).Seconds(),
	}
}

// Snapshot is the control-channel view of a session.
type Snapshot struct {
	SessionID             string    `json:"session_id"`
	ClientAddr            string    `json:"client_addr"`
	UpstreamAddr          string    `json:"upstream_addr"`
	State                 string    `json:"state"`
	ClientToServerBytes   uint64    `json:"client_to_server_bytes"`
	ServerToClientBytes   uint64    `json:"server_to_client_bytes"`
	ClientToServerPackets uint64    `json:"client_to_server_packets"`
	ServerToClientPackets uint64    `json:"server_to_client_packets"`
	StartedAt             time.Time `json:"started_at"`
	LastActivity          time.Time `json:"last_activity"`
}

// Snapshot copies the session's observable state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID:             s.ID,
		ClientAddr:            s.ClientAddr,
		UpstreamAddr:          s.UpstreamAddr,
		State:                 s.State().String(),
		ClientToServerBytes:   s.c2sBytes.Load(),
		ServerToClientBytes:   s.s2cBytes.Load(),
		ClientToServerPackets: s.c2sPackets.Load(),
		ServerToClientPackets: s.s2cPackets.Load(),
		StartedAt:             s.StartedAt.UTC(),
		LastActivity:          time.Unix(0, s.lastActivity.Load()).UTC(),
	}
}

// closeConns tears down both sockets. Safe to call from any goroutine and
// any number of times; blocked reads and writes return net.ErrClosed.
func (s *Session) closeConns() {
	s.closeOnce.Do(func() {
		_ = s.client.Close()
		_ = s.upstream.Close()
	})
}

// registry tracks the sessions this proxy is currently relaying.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

func (r *registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *registry) get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

func (r *registry) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// snapshots returns the current sessions ordered by id for stable output.
func (r *registry) snapshots() []Snapshot {
	sessions := r.all()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	out := make([]Snapshot, len(sessions))
	for i, s := range sessions {
		out[i] = s.Snapshot()
	}
	return out
}
