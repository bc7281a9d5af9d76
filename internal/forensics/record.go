package forensics

import (
	"encoding/json"
	"errors"
	"fmt"

	"sentinelvnc/internal/detect"
)

// Containment statuses carried on records. A record is written with
// StatusPending; the stored copy is immutable, so later containment shows
// up in the alert store rather than here.
const (
	StatusPending   = "pending"
	StatusContained = "contained"
)

// ErrHashMismatch is returned when a stored record no longer digests to
// its embedded hash.
var ErrHashMismatch = errors.New("forensics: record hash mismatch")

// Record is the canonical forensic document for one alert. Hash covers the
// canonical form of every other field.
type Record struct {
	ForensicID        string         `json:"forensic_id"`
	AlertID           string         `json:"alert_id"`
	SessionID         string         `json:"session_id"`
	Timestamp         float64        `json:"timestamp"`
	Event             detect.Event   `json:"event"`
	Verdict           detect.Verdict `json:"verdict"`
	ContainmentStatus string         `json:"containment_status"`
	CreatedAt         float64        `json:"created_at"`
	Hash              string         `json:"hash,omitempty"`
}

// NewRecord assembles and seals a record for an affirmative verdict. The
// forensic id equals the alert id; the hash is computed before any IO so
// callers can reference it even while the write is still retrying.
func NewRecord(alertID string, ev detect.Event, v detect.Verdict, createdAt float64) (*Record, error) {
	rec := &Record{
		ForensicID:        alertID,
		AlertID:           alertID,
		SessionID:         ev.SessionID,
		Timestamp:         ev.Timestamp,
		Event:             ev,
		Verdict:           v,
		ContainmentStatus: StatusPending,
		CreatedAt:         createdAt,
	}
	if err := rec.Seal(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Seal computes and embeds the record hash.
func (r *Record) Seal() error {
	r.Hash = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("forensics: encode record: %w", err)
	}
	hash, err := CanonicalHash(raw)
	if err != nil {
		return err
	}
	r.Hash = hash
	return nil
}

// VerifyBytes checks a stored record document against its embedded hash
// and returns the recomputed digest. The embedded and computed values are
// both returned so callers can report the divergence.
func VerifyBytes(doc []byte) (stored, computed string, err error) {
	var envelope struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(doc, &envelope); err != nil {
		return "", "", fmt.Errorf("forensics: parse record: %w", err)
	}

	computed, err = CanonicalHash(doc)
	if err != nil {
		return envelope.Hash, "", err
	}
	if envelope.Hash == "" || envelope.Hash != computed {
		return envelope.Hash, computed, ErrHashMismatch
	}
	return envelope.Hash, computed, nil
}
