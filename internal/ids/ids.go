// Package ids allocates timestamp-derived identifiers of the form
// PREFIX_<unix-ms>. Identifiers sort chronologically and stay unique even
// when allocations land in the same millisecond.
package ids

import (
	"fmt"
	"sync"
	"time"
)

// Allocator hands out monotonically increasing ids for one prefix.
type Allocator struct {
	prefix string

	mu   sync.Mutex
	last int64
}

// NewAllocator returns an allocator for ids like prefix_1700000000123.
func NewAllocator(prefix string) *Allocator {
	return &Allocator{prefix: prefix}
}

// Next allocates an id for the given time. A collision with the previous
// allocation bumps the millisecond component forward.
func (a *Allocator) Next(now time.Time) string {
	ms := now.UnixMilli()

	a.mu.Lock()
	if ms <= a.last {
		ms = a.last + 1
	}
	a.last = ms
	a.mu.Unlock()

	return fmt.Sprintf("%s_%d", a.prefix, ms)
}
