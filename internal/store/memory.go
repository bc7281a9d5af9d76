package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"sentinelvnc/internal/anchor"
	"sentinelvnc/internal/detect"
)

// Memory is the in-process Store used by tests and by
// storage.backend = "memory". Semantics mirror the SQLite
// implementation, including first-containment-timestamp-wins.
type Memory struct {
	mu      sync.RWMutex
	alerts  map[string]*Alert
	anchors map[string]*anchor.Anchor
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		alerts:  make(map[string]*Alert),
		anchors: make(map[string]*anchor.Anchor),
	}
}

func (m *Memory) Close() error               { return nil }
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) SaveAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.alerts[a.AlertID]; exists {
		return ErrDuplicateAlert
	}
	cp := cloneAlert(a)
	if cp.Status == "" {
		cp.Status = StatusOpen
	}
	m.alerts[a.AlertID] = cp
	return nil
}

func (m *Memory) GetAlert(_ context.Context, alertID string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[alertID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return cloneAlert(a), nil
}

func (m *Memory) ListAlerts(_ context.Context, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	m.mu.RLock()
	all := make([]*Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		all = append(all, a)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].AlertID > all[j].AlertID
	})
	if len(all) > limit {
		all = all[:limit]
	}

	out := make([]*Alert, len(all))
	for i, a := range all {
		out[i] = cloneAlert(a)
	}
	return out, nil
}

func (m *Memory) MarkContained(_ context.Context, alertID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[alertID]
	if !ok {
		return ErrAlertNotFound
	}
	markContained(a, at)
	return nil
}

func (m *Memory) MarkSessionContained(_ context.Context, sessionID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, a := range m.alerts {
		if a.SessionID == sessionID {
			markContained(a, at)
			n++
		}
	}
	return n, nil
}

func (m *Memory) SetAnchorRoot(_ context.Context, alertIDs []string, root string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range alertIDs {
		if a, ok := m.alerts[id]; ok {
			a.AnchorRoot = root
		}
	}
	return nil
}

func (m *Memory) SaveAnchor(_ context.Context, a *anchor.Anchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.anchors[a.AnchorID] = cloneAnchor(a)
	return nil
}

func (m *Memory) GetAnchor(_ context.Context, anchorID string) (*anchor.Anchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.anchors[anchorID]
	if !ok {
		return nil, ErrAnchorNotFound
	}
	return cloneAnchor(a), nil
}

func (m *Memory) ListAnchors(_ context.Context, limit int) ([]*anchor.Anchor, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	m.mu.RLock()
	all := make([]*anchor.Anchor, 0, len(m.anchors))
	for _, a := range m.anchors {
		all = append(all, a)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt > all[j].CreatedAt
		}
		return all[i].AnchorID > all[j].AnchorID
	})
	if len(all) > limit {
		all = all[:limit]
	}

	out := make([]*anchor.Anchor, len(all))
	for i, a := range all {
		out[i] = cloneAnchor(a)
	}
	return out, nil
}

func markContained(a *Alert, at time.Time) {
	a.Contained = true
	if a.ContainedAt == nil {
		t := at.UTC()
		a.ContainedAt = &t
	}
	a.Status = StatusContained
}

func cloneAlert(a *Alert) *Alert {
	cp := *a
	if a.DetectionMethods != nil {
		cp.DetectionMethods = append([]detect.Method(nil), a.DetectionMethods...)
	}
	if a.RuleReasons != nil {
		cp.RuleReasons = append([]string(nil), a.RuleReasons...)
	}
	if a.ContainedAt != nil {
		t := *a.ContainedAt
		cp.ContainedAt = &t
	}
	return &cp
}

func cloneAnchor(a *anchor.Anchor) *anchor.Anchor {
	cp := *a
	if a.LeafHashes != nil {
		cp.LeafHashes = append([]string(nil), a.LeafHashes...)
	}
	if a.AlertIDs != nil {
		cp.AlertIDs = append([]string(nil), a.AlertIDs...)
	}
	return &cp
}
