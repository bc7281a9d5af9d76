// Command sentinelsim generates synthetic VNC session activity for
// exercising the detection pipeline without a real desktop.
//
// The default mode scripts a scenario and writes the event stream as
// JSONL for offline work. With -post the events are driven through a
// local detection engine and every alerting verdict is posted to a
// running sink, reproducing what the inline proxy puts on the wire.
// With -mode wire the tool dials a live proxy listener and emits raw
// traffic shaped to trip the volume rules, optionally hosting the
// synthetic upstream the proxy relays to.
//
// Usage:
//
//	sentinelsim [flags] [scenario]
//
// Scenarios: normal, clipboard_abuse, screenshot_scraping,
// file_exfiltration, mixed. The default is mixed.
//
// Examples:
//
//	# Write a clipboard abuse stream to a file, reproducibly
//	sentinelsim -seed 7 -out events.jsonl clipboard_abuse
//
//	# Replay a scenario against a local sink
//	sentinelsim -post http://localhost:8000 mixed
//
//	# Re-post a recorded stream
//	sentinelsim -in events.jsonl -post http://localhost:8000
//
//	# Drive raw traffic through a live proxy, hosting its upstream too
//	sentinelsim -mode wire -proxy 127.0.0.1:5900 -serve-upstream 127.0.0.1:5901 screenshot_scraping
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sentinelvnc/internal/config"
	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/sim"
	"sentinelvnc/pkg/client"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

var (
	mode          = flag.String("mode", "events", "events or wire")
	configPath    = flag.String("config", "", "config file for detection thresholds (default: standard search)")
	seed          = flag.Int64("seed", 0, "rng seed; 0 derives one from the clock")
	sessionID     = flag.String("session", "", "session id for generated events (default: derived from the seed)")
	outPath       = flag.String("out", "", "write the event stream to this JSONL file (default stdout)")
	inPath        = flag.String("in", "", "replay events from this JSONL file instead of generating")
	postURL       = flag.String("post", "", "sink base URL; replay events and post alerting verdicts")
	proxyAddr     = flag.String("proxy", "127.0.0.1:5900", "wire mode: proxy address to dial")
	serveUpstream = flag.String("serve-upstream", "", "wire mode: also host the synthetic upstream on this address")
	burstBytes    = flag.Int("burst-bytes", 0, "wire mode: clipboard shape write size (default 512 KiB)")
	transferBytes = flag.Int("transfer-bytes", 0, "wire mode: file shape write size (default 100 MiB)")
	interval      = flag.Duration("interval", 0, "wire mode: spacing between script writes")
	asJSON        = flag.Bool("json", false, "print run summaries as JSON")
	verbose       = flag.Bool("v", false, "log per-event detail to stderr")
	versionFlag   = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [scenario]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Scenarios: %s (default mixed)\n\n", scenarioList())
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -seed 7 -out events.jsonl clipboard_abuse\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -post http://localhost:8000 mixed\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -mode wire -proxy 127.0.0.1:5900 -serve-upstream 127.0.0.1:5901 screenshot_scraping\n", os.Args[0])
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("sentinelsim %s (commit %s, built %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	scenario := sim.ScenarioMixed
	if flag.NArg() > 1 {
		fmt.Fprintf(os.Stderr, "Error: expected at most one scenario argument\n")
		flag.Usage()
		os.Exit(2)
	}
	if flag.NArg() == 1 {
		s, err := sim.ParseScenario(flag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\nScenarios: %s\n", err, scenarioList())
			os.Exit(2)
		}
		scenario = s
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	logger := buildLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	var err error
	switch *mode {
	case "events":
		err = runEvents(ctx, scenario, logger)
	case "wire":
		err = runWire(ctx, scenario, logger)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown mode %q (use events or wire)\n", *mode)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runEvents scripts or loads an event stream, writes it where asked,
// and replays it against a sink when -post is set.
func runEvents(ctx context.Context, scenario sim.Scenario, logger *slog.Logger) error {
	events, err := loadEvents(scenario)
	if err != nil {
		return err
	}

	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", *outPath, err)
		}
		err = sim.WriteJSONL(f, events)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%d events written to %s\n", len(events), *outPath)
	} else if *postURL == "" {
		if err := sim.WriteJSONL(os.Stdout, events); err != nil {
			return err
		}
	}

	if *postURL == "" {
		return nil
	}
	return postEvents(ctx, events, logger)
}

func loadEvents(scenario sim.Scenario) ([]detect.Event, error) {
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", *inPath, err)
		}
		defer f.Close()
		events, err := sim.ReadJSONL(f)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, fmt.Errorf("%s holds no events", *inPath)
		}
		return events, nil
	}
	gen := sim.NewGenerator(sim.Config{Seed: *seed, SessionID: *sessionID})
	return gen.Run(scenario)
}

// postEvents replays the stream through a rules-only engine and posts
// alerting verdicts to the sink. The sink re-evaluates with its own
// thresholds and model, so the local engine only decides what to send.
func postEvents(ctx context.Context, events []detect.Event, logger *slog.Logger) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	engine := detect.NewEngine(detect.Config{
		Rules: detect.RuleConfig{
			ClipboardThresholdKB:  cfg.Detection.ClipboardThresholdKB,
			FrameburstThresholdMB: cfg.Detection.FrameburstThresholdMB,
			FileTransferRateKbps:  cfg.Detection.FileTransferRateKbps,
			FileTransferWindowSec: float64(cfg.Detection.FileTransferWindowSec),
		},
		MLThreshold: cfg.ML.Threshold,
	}, nil, logger)

	base, err := sinkBaseURL(*postURL)
	if err != nil {
		return err
	}
	sink, err := client.New(client.Config{BaseURL: base, Timeout: cfg.AlertTimeout()})
	if err != nil {
		return err
	}

	rep := sim.NewReplayer(sim.ReplayConfig{
		Engine:         engine,
		Sink:           sink,
		WindowCapacity: cfg.Detection.WindowCapacity,
		Logger:         logger,
	})
	sum, err := rep.Replay(ctx, events)
	if err != nil {
		return err
	}

	if *asJSON {
		return printJSON(sum)
	}
	fmt.Printf("Events:        %d\n", sum.Events)
	fmt.Printf("Alerts:        %d\n", sum.Alerts)
	fmt.Printf("Posted:        %d\n", sum.Posted)
	fmt.Printf("Containments:  %d\n", sum.Containments)
	fmt.Printf("Failures:      %d\n", sum.Failures)
	if sum.Failures > 0 {
		return fmt.Errorf("%d of %d posts failed", sum.Failures, sum.Alerts)
	}
	return nil
}

// runWire drives raw traffic through a live proxy listener.
func runWire(ctx context.Context, scenario sim.Scenario, logger *slog.Logger) error {
	if *inPath != "" || *outPath != "" || *postURL != "" {
		return errors.New("wire mode does not take -in, -out, or -post")
	}

	var up *sim.Upstream
	if *serveUpstream != "" {
		frames, frameBytes := sim.UpstreamShapeFor(scenario)
		var err error
		up, err = sim.ServeUpstream(sim.UpstreamConfig{
			Listen:     *serveUpstream,
			Frames:     frames,
			FrameBytes: frameBytes,
			Seed:       *seed,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer up.Close()
		fmt.Fprintf(os.Stderr, "Upstream serving on %s (%d frames per connection)\n", up.Addr(), frames)
	}

	sum, err := sim.RunWire(ctx, sim.WireConfig{
		ProxyAddr:     *proxyAddr,
		Scenario:      scenario,
		Seed:          *seed,
		BurstBytes:    *burstBytes,
		TransferBytes: *transferBytes,
		Interval:      *interval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	if *asJSON {
		return printJSON(sum)
	}
	fmt.Printf("Bytes sent:      %d\n", sum.BytesSent)
	fmt.Printf("Bytes received:  %d\n", sum.BytesReceived)
	fmt.Printf("Script writes:   %d\n", sum.Writes)
	if up != nil {
		in, out := up.Stats()
		fmt.Printf("Upstream saw:    %d bytes in, %d bytes out\n", in, out)
	}
	if sum.Terminated {
		fmt.Println("Session terminated by the proxy before the script finished.")
	}
	return nil
}

func scenarioList() string {
	names := make([]string, 0, len(sim.Scenarios()))
	for _, s := range sim.Scenarios() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}

// sinkBaseURL accepts either a bare base URL or a pasted alert_url and
// reduces it to scheme://host.
func sinkBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse sink url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("sink url %q needs a scheme and host", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

func buildLogger() *slog.Logger {
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
