// Package sim generates synthetic VNC session activity for exercising
// the detection pipeline: scripted event streams, alert payload replay
// against a live sink, and raw traffic shaped to trip the heuristics of
// a running proxy. Everything it produces is labelled synthetic and no
// real session data is involved.
package sim

import (
	"fmt"
	"math/rand"
	"time"

	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/ring"
)

// Scenario names a scripted activity pattern.
type Scenario string

const (
	// ScenarioNormal models routine interactive usage.
	ScenarioNormal Scenario = "normal"
	// ScenarioClipboardAbuse scripts large clipboard copies in rapid
	// succession.
	ScenarioClipboardAbuse Scenario = "clipboard_abuse"
	// ScenarioScreenshotScraping scripts a rapid screen capture burst.
	ScenarioScreenshotScraping Scenario = "screenshot_scraping"
	// ScenarioFileExfiltration scripts large outbound file transfers.
	ScenarioFileExfiltration Scenario = "file_exfiltration"
	// ScenarioMixed interleaves routine activity with all three attack
	// patterns.
	ScenarioMixed Scenario = "mixed"
)

// Scenarios lists the valid scenario names in display order.
func Scenarios() []Scenario {
	return []Scenario{
		ScenarioNormal,
		ScenarioClipboardAbuse,
		ScenarioScreenshotScraping,
		ScenarioFileExfiltration,
		ScenarioMixed,
	}
}

// ParseScenario validates a scenario name taken from a flag or request.
func ParseScenario(name string) (Scenario, error) {
	s := Scenario(name)
	for _, known := range Scenarios() {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("sim: unknown scenario %q", name)
}

// Scenario script constants. The burst spacing and the normal-activity
// odds are part of the scripted shapes, not configuration.
const (
	normalClipboardChance  = 0.1
	normalScreenshotChance = 0.05
	normalStepMinSec       = 2.0
	normalStepMaxSec       = 10.0
	clipboardBurstStepSec  = 0.5
	fileTransferStepSec    = 2.0
)

const (
	screenResolution = "1920x1080"
	// Synthetic encoded-frame size for one full-screen update.
	screenshotBaseBytes   = 200 << 10
	screenshotJitterBytes = 1 << 20
)

// Config seeds a Generator. A zero Start means the current time; an
// empty SessionID derives one from the seed and start time.
type Config struct {
	Seed        int64
	Start       time.Time
	SessionID   string
	Source      string
	Destination string
}

// Generator produces synthetic session events. The same configuration
// always yields the same stream: randomness comes from the seeded rng
// and the scenario clock advances deterministically from Start.
type Generator struct {
	rng         *rand.Rand
	clock       float64
	sessionID   string
	source      string
	destination string
}

// NewGenerator builds a deterministic event generator.
func NewGenerator(cfg Config) *Generator {
	start := cfg.Start
	if start.IsZero() {
		start = time.Now()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = fmt.Sprintf("session_sim_%d_%d", cfg.Seed, start.Unix())
	}
	if cfg.Source == "" {
		cfg.Source = "vnc_client"
	}
	if cfg.Destination == "" {
		cfg.Destination = "client_workstation"
	}
	return &Generator{
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		clock:       float64(start.UnixNano()) / 1e9,
		sessionID:   cfg.SessionID,
		source:      cfg.Source,
		destination: cfg.Destination,
	}
}

// SessionID returns the identifier stamped on every generated event.
func (g *Generator) SessionID() string { return g.sessionID }

// Clipboard returns one synthetic clipboard copy of sizeKB kilobytes at
// time at.
func (g *Generator) Clipboard(sizeKB int, at float64) detect.Event {
	return detect.Event{
		SessionID:      g.sessionID,
		Timestamp:      at,
		Type:           detect.EventClipboardCopy,
		Direction:      ring.ClientToServer,
		Bytes:          uint64(sizeKB) * 1024,
		SizeKB:         float64(sizeKB),
		ContentPreview: fmt.Sprintf("[%dKB of synthetic data]", sizeKB),
		Source:         g.source,
	}
}

// Screenshot returns one synthetic screen capture at time at. The byte
// size models an encoded full-screen frame; the path is metadata only,
// no image is written.
func (g *Generator) Screenshot(at float64) detect.Event {
	return detect.Event{
		SessionID:      g.sessionID,
		Timestamp:      at,
		Type:           detect.EventScreenshot,
		Direction:      ring.ServerToClient,
		Bytes:          uint64(screenshotBaseBytes + g.rng.Intn(screenshotJitterBytes)),
		Resolution:     screenResolution,
		ScreenshotPath: fmt.Sprintf("screenshots/screenshot_%d.png", int64(at)),
		Source:         g.source,
	}
}

// FileTransfer returns one synthetic outbound transfer record. Metadata
// only, no file exists.
func (g *Generator) FileTransfer(filename string, sizeMB float64, at float64) detect.Event {
	return detect.Event{
		SessionID:   g.sessionID,
		Timestamp:   at,
		Type:        detect.EventFileTransfer,
		Direction:   ring.ClientToServer,
		Bytes:       uint64(sizeMB * 1024 * 1024),
		SizeMB:      sizeMB,
		Filename:    filename,
		Destination: g.destination,
		Source:      g.source,
	}
}

// Normal models routine usage over the given span: small infrequent
// clipboard copies and the occasional screenshot.
func (g *Generator) Normal(durationSec float64) []detect.Event {
	var events []detect.Event
	end := g.clock + durationSec
	for g.clock < end {
		if g.rng.Float64() < normalClipboardChance {
			events = append(events, g.Clipboard(1+g.rng.Intn(50), g.clock))
		}
		if g.rng.Float64() < normalScreenshotChance {
			events = append(events, g.Screenshot(g.clock))
		}
		g.clock += normalStepMinSec + g.rng.Float64()*(normalStepMaxSec-normalStepMinSec)
	}
	g.clock = end
	return events
}

// ClipboardAbuse scripts the clipboard exfiltration pattern: burst
// copies of sizeKB kilobytes each in rapid succession.
func (g *Generator) ClipboardAbuse(burst, sizeKB int) []detect.Event {
	events := make([]detect.Event, 0, burst)
	for i := 0; i < burst; i++ {
		events = append(events, g.Clipboard(sizeKB, g.clock+float64(i)*clipboardBurstStepSec))
	}
	g.clock += float64(burst) * clipboardBurstStepSec
	return events
}

// ScreenshotScraping scripts count captures spaced intervalSec apart.
func (g *Generator) ScreenshotScraping(count int, intervalSec float64) []detect.Event {
	events := make([]detect.Event, 0, count)
	for i := 0; i < count; i++ {
		events = append(events, g.Screenshot(g.clock+float64(i)*intervalSec))
	}
	g.clock += float64(count) * intervalSec
	return events
}

// FileExfiltration scripts fileCount outbound transfers of sizeMB each.
func (g *Generator) FileExfiltration(fileCount int, sizeMB float64) []detect.Event {
	events := make([]detect.Event, 0, fileCount)
	for i := 0; i < fileCount; i++ {
		name := fmt.Sprintf("sensitive_data_%d.zip", i)
		events = append(events, g.FileTransfer(name, sizeMB, g.clock+float64(i)*fileTransferStepSec))
	}
	g.clock += float64(fileCount) * fileTransferStepSec
	return events
}

// Mixed interleaves routine activity with all three attack patterns,
// separated by short gaps.
func (g *Generator) Mixed() []detect.Event {
	events := g.Normal(20)
	g.clock++
	events = append(events, g.ClipboardAbuse(3, 300)...)
	g.clock++
	events = append(events, g.ScreenshotScraping(8, 0.8)...)
	events = append(events, g.FileExfiltration(2, 50)...)
	return events
}

// Run produces the event stream for a named scenario with its stock
// parameters.
func (g *Generator) Run(s Scenario) ([]detect.Event, error) {
	switch s {
	case ScenarioNormal:
		return g.Normal(30), nil
	case ScenarioClipboardAbuse:
		return g.ClipboardAbuse(5, 500), nil
	case ScenarioScreenshotScraping:
		return g.ScreenshotScraping(10, 0.5), nil
	case ScenarioFileExfiltration:
		return g.FileExfiltration(3, 100), nil
	case ScenarioMixed:
		return g.Mixed(), nil
	default:
		return nil, fmt.Errorf("sim: unknown scenario %q", s)
	}
}
