package client

import "time"

// Actions a sink intake response can carry.
const (
	ActionContain = "contain"
	ActionNoOp    = "no-op"
)

// Sample is one window observation on the alert wire.
type Sample struct {
	Timestamp float64 `json:"timestamp"`
	Direction string  `json:"direction"`
	Bytes     uint64  `json:"bytes"`
}

// SessionStats summarizes one proxied session at alert time.
type SessionStats struct {
	ClientToServerBytes   uint64  `json:"client_to_server_bytes"`
	ServerToClientBytes   uint64  `json:"server_to_client_bytes"`
	ClientToServerPackets uint64  `json:"client_to_server_packets"`
	ServerToClientPackets uint64  `json:"server_to_client_packets"`
	DurationSeconds       float64 `json:"duration_seconds"`
}

// AlertPayload is the alert POST body.
type AlertPayload struct {
	SessionID     string       `json:"session_id"`
	ClientIP      string       `json:"client_ip"`
	UpstreamIP    string       `json:"upstream_ip"`
	Timestamp     float64      `json:"timestamp"`
	Heuristic     string       `json:"heuristic"`
	Bytes         uint64       `json:"bytes"`
	RecentSamples []Sample     `json:"recent_samples"`
	SessionStats  SessionStats `json:"session_stats"`
}

// IngestResponse is the sink's intake decision. AlertID is empty when
// the sink downgraded the payload.
type IngestResponse struct {
	Action       string `json:"action"`
	AlertID      string `json:"alert_id"`
	Severity     string `json:"severity"`
	ForensicHash string `json:"forensic_hash,omitempty"`
}

// ContainResult reports a containment request.
type ContainResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Event is the detector event snapshot embedded in alerts.
type Event struct {
	SessionID      string  `json:"session_id,omitempty"`
	Timestamp      float64 `json:"timestamp"`
	Type           string  `json:"event_type"`
	Direction      string  `json:"direction,omitempty"`
	Bytes          uint64  `json:"size_bytes"`
	SizeKB         float64 `json:"size_kb,omitempty"`
	SizeMB         float64 `json:"size_mb,omitempty"`
	Source         string  `json:"source,omitempty"`
	ContentPreview string  `json:"content_preview,omitempty"`
	Resolution     string  `json:"resolution,omitempty"`
	ScreenshotPath string  `json:"screenshot_path,omitempty"`
	Filename       string  `json:"filename,omitempty"`
	Destination    string  `json:"destination,omitempty"`
}

// Alert is one persisted alert row.
type Alert struct {
	AlertID          string     `json:"alert_id"`
	SessionID        string     `json:"session_id"`
	ClientIP         string     `json:"client_ip,omitempty"`
	UpstreamIP       string     `json:"upstream_ip,omitempty"`
	Event            Event      `json:"event"`
	DetectionMethods []string   `json:"detection_methods"`
	Severity         string     `json:"severity"`
	MLScore          float64    `json:"ml_score"`
	RuleReasons      []string   `json:"rule_reasons"`
	Status           string     `json:"status"`
	Contained        bool       `json:"contained"`
	ContainedAt      *time.Time `json:"contained_at,omitempty"`
	ForensicHash     string     `json:"forensic_hash,omitempty"`
	AnchorRoot       string     `json:"anchor_root,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Anchor is one sealed Merkle anchor.
type Anchor struct {
	AnchorID   string   `json:"anchor_id"`
	CreatedAt  float64  `json:"created_at"`
	MerkleRoot string   `json:"merkle_root"`
	LeafCount  int      `json:"leaf_count"`
	LeafHashes []string `json:"leaf_hashes"`
	AlertIDs   []string `json:"alert_ids"`
	Signature  string   `json:"signature"`
	SignerID   string   `json:"signer_id"`
}

// VerifyResult is the structured outcome of an anchor verification.
type VerifyResult struct {
	OK              bool     `json:"ok"`
	AnchorID        string   `json:"anchor_id"`
	ExpectedRoot    string   `json:"expected_root"`
	ObservedRoot    string   `json:"observed_root"`
	LeafCount       int      `json:"leaf_count"`
	FirstDivergence int      `json:"first_divergence"`
	Missing         []string `json:"missing,omitempty"`
	SignatureOK     bool     `json:"signature_ok"`
}

// HealthComponent is one registered health check result.
type HealthComponent struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Health is the daemon health summary.
type Health struct {
	Status     string                     `json:"status"`
	Ready      bool                       `json:"ready"`
	Uptime     string                     `json:"uptime"`
	Components map[string]HealthComponent `json:"components,omitempty"`
}
