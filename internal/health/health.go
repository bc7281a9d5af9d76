// Package health exposes the readiness and health state of a sentinel
// process over HTTP.
//
// A Checker holds a set of named component checks (store reachable,
// forensic directory writable, anchor directory writable). Each check
// is marked critical or not: a failing critical check makes the process
// unhealthy, a failing non-critical check only degrades it. The checker
// serves two views: the health handler runs every check on demand and
// reports the aggregate, and the readiness handler answers from a
// single flag that the daemon flips once startup completes and again
// when shutdown begins.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Status classifies a component or the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// checkTimeout bounds a single component check during health handling.
const checkTimeout = 5 * time.Second

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Check probes one component. Implementations must honor ctx.
type Check func(ctx context.Context) CheckResult

type registered struct {
	name     string
	critical bool
	run      Check
}

// Checker aggregates component checks for one process.
type Checker struct {
	mu      sync.RWMutex
	checks  []*registered
	results map[string]CheckResult
	ready   bool
	started time.Time
}

// NewChecker returns a Checker with no components registered. An empty
// checker reports healthy.
func NewChecker() *Checker {
	return &Checker{
		results: make(map[string]CheckResult),
		started: time.Now(),
	}
}

// RegisterFunc adds a named component check. Registering a name twice
// replaces the earlier check.
func (c *Checker) RegisterFunc(name string, critical bool, fn Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.checks {
		if r.name == name {
			r.critical = critical
			r.run = fn
			return
		}
	}
	c.checks = append(c.checks, &registered{name: name, critical: critical, run: fn})
}

// SetReady flips the readiness flag. The daemon sets it true after all
// listeners are up and false when shutdown begins.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// Check runs every registered component check concurrently, records the
// results, and returns them. A check that panics is recorded as
// unhealthy rather than taking the process down.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	checks := make([]*registered, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	out := make(map[string]CheckResult, len(checks))
	var (
		wg   sync.WaitGroup
		outM sync.Mutex
	)
	for _, r := range checks {
		wg.Add(1)
		go func(r *registered) {
			defer wg.Done()
			res := runOne(ctx, r.run)
			outM.Lock()
			out[r.name] = res
			outM.Unlock()
		}(r)
	}
	wg.Wait()

	c.mu.Lock()
	for name, res := range out {
		c.results[name] = res
	}
	c.mu.Unlock()
	return out
}

func runOne(ctx context.Context, fn Check) (res CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			res = CheckResult{
				Status:      StatusUnhealthy,
				Error:       fmt.Sprintf("check panicked: %v", r),
				LastChecked: time.Now().UTC(),
			}
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	res = fn(ctx)
	if res.LastChecked.IsZero() {
		res.LastChecked = time.Now().UTC()
	}
	return res
}

// OverallStatus folds the recorded results into one status. A critical
// failure is unhealthy; any other failure is degraded.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for _, r := range c.checks {
		res, ok := c.results[r.name]
		if !ok {
			continue
		}
		switch res.Status {
		case StatusUnhealthy:
			if r.critical {
				return StatusUnhealthy
			}
			overall = StatusDegraded
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

type healthResponse struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// HealthHandler serves the health endpoint. It runs all checks, returns
// 200 while the process is healthy or degraded and 503 once a critical
// component fails. Pass ?full=true to include the per-component
// breakdown in the body.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := c.Check(r.Context())
		status := c.OverallStatus()

		c.mu.RLock()
		ready := c.ready
		started := c.started
		c.mu.RUnlock()

		resp := healthResponse{
			Status:    status,
			Ready:     ready,
			Uptime:    time.Since(started).Round(time.Second).String(),
			Timestamp: time.Now().UTC(),
		}
		if r.URL.Query().Get("full") == "true" {
			resp.Components = results
		}

		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// ReadinessHandler answers from the readiness flag alone, without
// running any checks.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.RLock()
		ready := c.ready
		c.mu.RUnlock()

		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
	})
}

// DatabaseCheck wraps a store ping as a component check.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:      StatusUnhealthy,
				Error:       err.Error(),
				LastChecked: time.Now().UTC(),
			}
		}
		return CheckResult{
			Status:      StatusHealthy,
			Message:     "database reachable",
			LastChecked: time.Now().UTC(),
		}
	}
}

// DirWritableCheck verifies that dir exists, is a directory, and
// accepts a write. The probe file is removed immediately.
func DirWritableCheck(dir string) Check {
	return func(ctx context.Context) CheckResult {
		now := time.Now().UTC()
		info, err := os.Stat(dir)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error(), LastChecked: now}
		}
		if !info.IsDir() {
			return CheckResult{
				Status:      StatusUnhealthy,
				Error:       fmt.Sprintf("%s is not a directory", dir),
				LastChecked: now,
			}
		}
		f, err := os.CreateTemp(dir, ".healthprobe-*")
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error(), LastChecked: now}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return CheckResult{
			Status:      StatusHealthy,
			Message:     "directory writable",
			LastChecked: now,
		}
	}
}
