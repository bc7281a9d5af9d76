// Package ring implements the per-session rolling sample window used by
// detection. A Ring holds the most recent traffic samples for one proxied
// session in a fixed-capacity circular buffer and answers the aggregate
// queries the rule and feature layers need (byte sums and counts over a
// trailing time window, per direction or per event type).
//
// A Ring performs no locking of its own. Each session owns exactly one Ring
// and serializes access under the session lock; snapshots handed to other
// goroutines are copies.
package ring

// DefaultCapacity is the number of samples retained per session when the
// configuration does not say otherwise.
const DefaultCapacity = 100

// Direction identifies which way a sampled chunk travelled relative to the
// proxied session.
type Direction string

const (
	// ClientToServer marks traffic from the viewer toward the VNC server.
	ClientToServer Direction = "client_to_server"
	// ServerToClient marks traffic from the VNC server toward the viewer.
	ServerToClient Direction = "server_to_client"
)

// EventType classifies the session activity a sample (or event) represents.
type EventType string

const (
	EventClipboardCopy EventType = "clipboard_copy"
	EventScreenshot    EventType = "screenshot"
	EventFileTransfer  EventType = "file_transfer"
)

// Sample is one observation of session traffic: a forwarded chunk or a
// replayed payload sample. Timestamp is unix seconds with fractional part.
type Sample struct {
	Timestamp float64   `json:"timestamp"`
	Direction Direction `json:"direction"`
	Bytes     uint64    `json:"bytes"`
	Type      EventType `json:"type,omitempty"`
}

// Ring is a bounded circular buffer of samples. Appending beyond capacity
// evicts the oldest sample.
type Ring struct {
	buf   []Sample
	head  int // index of the oldest sample
	count int
}

// New creates a Ring holding up to capacity samples. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Sample, capacity)}
}

// FromSamples creates a Ring pre-populated with samples in the order given.
// When len(samples) exceeds capacity only the newest samples are retained.
// Used when reconstructing a window from an alert payload.
func FromSamples(capacity int, samples []Sample) *Ring {
	r := New(capacity)
	for _, s := range samples {
		r.Append(s)
	}
	return r
}

// Append adds a sample, evicting the oldest when the ring is full.
func (r *Ring) Append(s Sample) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = s
		r.count++
		return
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of samples currently held.
func (r *Ring) Len() int { return r.count }

// Cap returns the fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// at returns the i-th sample in chronological order (0 = oldest).
func (r *Ring) at(i int) Sample {
	return r.buf[(r.head+i)%len(r.buf)]
}

// SumBytes sums the bytes of samples in the given direction whose age
// relative to now is at most window seconds.
func (r *Ring) SumBytes(dir Direction, window, now float64) uint64 {
	var sum uint64
	for i := 0; i < r.count; i++ {
		s := r.at(i)
		if s.Direction == dir && now-s.Timestamp <= window {
			sum += s.Bytes
		}
	}
	return sum
}

// Count counts samples in the given direction whose age relative to now is
// at most window seconds.
func (r *Ring) Count(dir Direction, window, now float64) int {
	n := 0
	for i := 0; i < r.count; i++ {
		s := r.at(i)
		if s.Direction == dir && now-s.Timestamp <= window {
			n++
		}
	}
	return n
}

// SumBytesByType sums the bytes of samples of the given event type whose
// age relative to now is at most window seconds.
func (r *Ring) SumBytesByType(t EventType, window, now float64) uint64 {
	var sum uint64
	for i := 0; i < r.count; i++ {
		s := r.at(i)
		if s.Type == t && now-s.Timestamp <= window {
			sum += s.Bytes
		}
	}
	return sum
}

// CountByType counts samples of the given event type whose age relative to
// now is at most window seconds.
func (r *Ring) CountByType(t EventType, window, now float64) int {
	n := 0
	for i := 0; i < r.count; i++ {
		s := r.at(i)
		if s.Type == t && now-s.Timestamp <= window {
			n++
		}
	}
	return n
}

// SumLastN walks the most recent n samples regardless of direction and sums
// the bytes of those matching dir. This is the count-bounded window the
// clipboard burst rule evaluates.
func (r *Ring) SumLastN(dir Direction, n int) uint64 {
	if n > r.count {
		n = r.count
	}
	var sum uint64
	for i := r.count - n; i < r.count; i++ {
		s := r.at(i)
		if s.Direction == dir {
			sum += s.Bytes
		}
	}
	return sum
}

// Tail returns a copy of the most recent n samples in chronological order.
func (r *Ring) Tail(n int) []Sample {
	if n > r.count {
		n = r.count
	}
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		out[i] = r.at(r.count - n + i)
	}
	return out
}

// Snapshot returns a copy of every held sample in chronological order.
func (r *Ring) Snapshot() []Sample {
	return r.Tail(r.count)
}
