// Package store persists alerts and anchors for the sink daemon.
package store

import (
	"context"
	"errors"
	"time"

	"sentinelvnc/internal/anchor"
	"sentinelvnc/internal/detect"
)

var (
	// ErrAlertNotFound is returned by lookups for unknown alert ids.
	ErrAlertNotFound = errors.New("store: alert not found")
	// ErrAnchorNotFound is returned by lookups for unknown anchor ids.
	ErrAnchorNotFound = errors.New("store: anchor not found")
	// ErrDuplicateAlert is returned when an alert id is saved twice.
	ErrDuplicateAlert = errors.New("store: duplicate alert id")
)

// Status is the operator-facing alert lifecycle state.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusContained     Status = "contained"
	StatusResolved      Status = "resolved"
)

// Alert is the persisted record of an affirmative verdict.
type Alert struct {
	AlertID          string          `json:"alert_id"`
	SessionID        string          `json:"session_id"`
	ClientIP         string          `json:"client_ip,omitempty"`
	UpstreamIP       string          `json:"upstream_ip,omitempty"`
	Event            detect.Event    `json:"event"`
	DetectionMethods []detect.Method `json:"detection_methods"`
	Severity         detect.Severity `json:"severity"`
	MLScore          float64         `json:"ml_score"`
	RuleReasons      []string        `json:"rule_reasons"`
	Status           Status          `json:"status"`
	Contained        bool            `json:"contained"`
	ContainedAt      *time.Time      `json:"contained_at,omitempty"`
	ForensicHash     string          `json:"forensic_hash,omitempty"`
	AnchorRoot       string          `json:"anchor_root,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Store is the persistence boundary used by the sink, the anchor
// service (SaveAnchor/SetAnchorRoot) and the read APIs. Lookups for
// missing rows return ErrAlertNotFound / ErrAnchorNotFound rather than
// nil so HTTP handlers can map them to 404.
type Store interface {
	SaveAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	// ListAlerts returns newest first, at most limit rows (limit <= 0
	// means the implementation default of 100).
	ListAlerts(ctx context.Context, limit int) ([]*Alert, error)
	// MarkContained flips contained/contained_at/status on one alert.
	MarkContained(ctx context.Context, alertID string, at time.Time) error
	// MarkSessionContained does the same for every alert of a session
	// and reports how many rows changed.
	MarkSessionContained(ctx context.Context, sessionID string, at time.Time) (int64, error)
	SetAnchorRoot(ctx context.Context, alertIDs []string, root string) error
	SaveAnchor(ctx context.Context, a *anchor.Anchor) error
	GetAnchor(ctx context.Context, anchorID string) (*anchor.Anchor, error)
	ListAnchors(ctx context.Context, limit int) ([]*anchor.Anchor, error)
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// Open builds a Store for the configured backend: "sqlite" (default)
// or "memory".
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "sqlite":
		return OpenSQLite(path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("store: unknown backend " + backend)
	}
}
