// Package detect implements hybrid exfiltration detection for proxied
// sessions: threshold rules over the rolling sample window, an 11-feature
// extractor, and the engine that combines rule hits with the ML scorer
// into a single verdict.
package detect

import (
	"sentinelvnc/internal/ring"
)

// EventType classifies session activity. Re-exported from ring so event
// producers and window queries share one vocabulary.
type EventType = ring.EventType

const (
	EventClipboardCopy = ring.EventClipboardCopy
	EventScreenshot    = ring.EventScreenshot
	EventFileTransfer  = ring.EventFileTransfer
)

// Event is the unit the engine evaluates: one forwarded chunk, one
// generated activity record, or one reconstructed payload event. Size
// fields that do not apply to the event type stay zero.
type Event struct {
	SessionID string         `json:"session_id,omitempty"`
	Timestamp float64        `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	Direction ring.Direction `json:"direction,omitempty"`
	Bytes     uint64         `json:"size_bytes"`
	SizeKB    float64        `json:"size_kb,omitempty"`
	SizeMB    float64        `json:"size_mb,omitempty"`

	// Descriptive fields carried through to forensic records. Only the
	// generator and payload reconstruction populate these.
	Source         string `json:"source,omitempty"`
	ContentPreview string `json:"content_preview,omitempty"`
	Resolution     string `json:"resolution,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
	Filename       string `json:"filename,omitempty"`
	Destination    string `json:"destination,omitempty"`
}

// Sample converts the event into its window representation.
func (ev Event) Sample() ring.Sample {
	return ring.Sample{
		Timestamp: ev.Timestamp,
		Direction: ev.Direction,
		Bytes:     ev.Bytes,
		Type:      ev.Type,
	}
}

// Method identifies which detector produced (part of) a verdict.
type Method string

const (
	MethodRule Method = "rule_based"
	MethodML   Method = "ml_based"
)

// Severity grades a verdict. LOW means no alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for threshold comparisons (containment fires at
// HIGH and above). Unknown severities rank below LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Verdict is the outcome of one engine evaluation.
type Verdict struct {
	IsAlert           bool               `json:"is_alert"`
	DetectionMethods  []Method           `json:"detection_methods"`
	Reasons           []string           `json:"reasons"`
	Severity          Severity           `json:"severity"`
	MLScore           float64            `json:"ml_score"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
}
