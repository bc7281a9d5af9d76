package detect

import (
	"fmt"

	"sentinelvnc/internal/ring"
)

// clipboardSampleSpan is the count-bounded window the clipboard rule
// inspects. Fixed by the detection contract, not configuration.
const clipboardSampleSpan = 10

// Heuristic wire names carried in alert payloads.
const (
	HeuristicClipboard    = "clipboard_exfiltration"
	HeuristicFrameburst   = "frameburst"
	HeuristicFileTransfer = "file_transfer_like"
)

// RuleConfig holds the three rule thresholds in their operator-facing units.
type RuleConfig struct {
	ClipboardThresholdKB  int
	FrameburstThresholdMB int
	FileTransferRateKbps  int
	FileTransferWindowSec float64
}

// DefaultRuleConfig returns the stock thresholds: 200 KiB clipboard burst,
// 10 MiB frameburst, 1000 kbps sustained transfer over a 5 s window.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		ClipboardThresholdKB:  200,
		FrameburstThresholdMB: 10,
		FileTransferRateKbps:  1000,
		FileTransferWindowSec: 5,
	}
}

// clipboardThresholdBytes returns the clipboard rule threshold in bytes.
func (c RuleConfig) clipboardThresholdBytes() uint64 {
	return uint64(c.ClipboardThresholdKB) * 1024
}

// frameburstThresholdBytes returns the frameburst rule threshold in bytes.
func (c RuleConfig) frameburstThresholdBytes() uint64 {
	return uint64(c.FrameburstThresholdMB) * 1024 * 1024
}

// Hit records one fired rule: its index, the heuristic name used on the
// alert wire, the byte figure the rule observed, and the operator-facing
// reason line.
type Hit struct {
	Rule      int
	Heuristic string
	Bytes     uint64
	Reason    string
}

// Rules evaluates the three threshold rules against an event and its
// session window. Evaluation is pure: the same event, window contents and
// configuration always produce the same hits.
type Rules struct {
	cfg RuleConfig
}

// NewRules creates a rule evaluator. Zero thresholds fall back to defaults.
func NewRules(cfg RuleConfig) *Rules {
	def := DefaultRuleConfig()
	if cfg.ClipboardThresholdKB <= 0 {
		cfg.ClipboardThresholdKB = def.ClipboardThresholdKB
	}
	if cfg.FrameburstThresholdMB <= 0 {
		cfg.FrameburstThresholdMB = def.FrameburstThresholdMB
	}
	if cfg.FileTransferRateKbps <= 0 {
		cfg.FileTransferRateKbps = def.FileTransferRateKbps
	}
	if cfg.FileTransferWindowSec <= 0 {
		cfg.FileTransferWindowSec = def.FileTransferWindowSec
	}
	return &Rules{cfg: cfg}
}

// Config returns the effective thresholds.
func (r *Rules) Config() RuleConfig { return r.cfg }

// Evaluate runs the three rules in order and returns every rule that
// fired. The window must already contain the event's sample; "now" for the
// rate rule's time window is the event timestamp so replayed evaluations
// reproduce the original result.
func (r *Rules) Evaluate(ev Event, w *ring.Ring) []Hit {
	var hits []Hit

	// Rule 1: client->server burst across the last ten samples.
	if ev.Direction == ring.ClientToServer {
		sum := w.SumLastN(ring.ClientToServer, clipboardSampleSpan)
		if sum > r.cfg.clipboardThresholdBytes() {
			hits = append(hits, Hit{
				Rule:      1,
				Heuristic: HeuristicClipboard,
				Bytes:     sum,
				Reason: fmt.Sprintf(
					"Rule 1: Clipboard exfiltration suspected: %d bytes client->server in last %d samples (threshold %d KB)",
					sum, clipboardSampleSpan, r.cfg.ClipboardThresholdKB),
			})
		}
	}

	// Rule 2: oversized single server->client sample.
	if ev.Direction == ring.ServerToClient && ev.Bytes > r.cfg.frameburstThresholdBytes() {
		hits = append(hits, Hit{
			Rule:      2,
			Heuristic: HeuristicFrameburst,
			Bytes:     ev.Bytes,
			Reason: fmt.Sprintf(
				"Rule 2: Frameburst detected: %d bytes server->client in one sample (threshold %d MB)",
				ev.Bytes, r.cfg.FrameburstThresholdMB),
		})
	}

	// Rule 3: sustained client->server rate over the trailing window.
	if ev.Direction == ring.ClientToServer {
		window := r.cfg.FileTransferWindowSec
		sum := w.SumBytes(ring.ClientToServer, window, ev.Timestamp)
		rateKbps := float64(sum) * 8 / (window * 1024)
		if rateKbps > float64(r.cfg.FileTransferRateKbps) {
			hits = append(hits, Hit{
				Rule:      3,
				Heuristic: HeuristicFileTransfer,
				Bytes:     sum,
				Reason: fmt.Sprintf(
					"Rule 3: Sustained file transfer: %.1f kbps client->server over %.0fs window (threshold %d kbps)",
					rateKbps, window, r.cfg.FileTransferRateKbps),
			})
		}
	}

	return hits
}
