// sentinelctl is the operator CLI for sentineld.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"sentinelvnc/internal/config"
	"sentinelvnc/pkg/client"
)

var (
	configPath = flag.String("config", "", "path to config file")
	apiURL     = flag.String("url", "", "sentineld base URL (overrides config)")
	limit      = flag.Int("n", 20, "maximum entries for list commands")
	asJSON     = flag.Bool("json", false, "print raw JSON instead of text")
	timeout    = flag.Duration("timeout", 10*time.Second, "API call timeout")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "status":
		cmdStatus()
	case "alerts":
		cmdAlerts()
	case "alert":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: sentinelctl alert <alert-id>")
			os.Exit(1)
		}
		cmdAlert(flag.Arg(1))
	case "contain":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: sentinelctl contain <session-id> [reason]")
			os.Exit(1)
		}
		reason := "operator request"
		if flag.NArg() >= 3 {
			reason = strings.Join(flag.Args()[2:], " ")
		}
		cmdContain(flag.Arg(1), reason)
	case "anchor-now":
		cmdAnchorNow()
	case "anchors":
		cmdAnchors()
	case "verify-anchor":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: sentinelctl verify-anchor <anchor-id>")
			os.Exit(1)
		}
		cmdVerifyAnchor(flag.Arg(1))
	case "tail":
		cmdTail()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `sentinelctl - Operator CLI for sentineld

Usage: sentinelctl [options] <command> [args]

Commands:
  status                      Show daemon health and component status
  alerts                      List recent alerts
  alert <alert-id>            Show one alert in full
  contain <session-id> [why]  Sever a live session via the proxy
  anchor-now                  Seal the pending forensic hashes immediately
  anchors                     List sealed Merkle anchors
  verify-anchor <anchor-id>   Re-verify an anchor against the record store
  tail                        Stream alerts live (Ctrl-C to stop)
  help                        Show this help message

Options:
  -config <path>    Path to config file (default: sentinel.toml)
  -url <base>       sentineld base URL, e.g. http://localhost:8000
  -n <count>        Max entries for list commands (default: 20)
  -json             Print raw JSON instead of text
  -timeout <dur>    API call timeout (default: 10s)`)
}

func cmdStatus() {
	c := apiClient()
	ctx, cancel := apiContext()
	defer cancel()

	h, err := c.Healthz(ctx)
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(h)
		return
	}

	fmt.Printf("Status: %s\n", h.Status)
	fmt.Printf("Ready:  %v\n", h.Ready)
	fmt.Printf("Uptime: %s\n", h.Uptime)
	if len(h.Components) > 0 {
		fmt.Println()
		names := make([]string, 0, len(h.Components))
		for name := range h.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			comp := h.Components[name]
			line := fmt.Sprintf("  %-16s %s", name, comp.Status)
			switch {
			case comp.Error != "":
				line += "  " + comp.Error
			case comp.Message != "":
				line += "  " + comp.Message
			}
			fmt.Println(line)
		}
	}
	if h.Status != "healthy" {
		os.Exit(1)
	}
}

func cmdAlerts() {
	c := apiClient()
	ctx, cancel := apiContext()
	defer cancel()

	alerts, err := c.ListAlerts(ctx, *limit)
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(alerts)
		return
	}
	if len(alerts) == 0 {
		fmt.Println("No alerts.")
		return
	}
	for _, a := range alerts {
		fmt.Println(alertLine(a))
	}
}

func cmdAlert(id string) {
	c := apiClient()
	ctx, cancel := apiContext()
	defer cancel()

	a, err := c.GetAlert(ctx, id)
	if err != nil {
		if client.IsNotFound(err) {
			fmt.Fprintf(os.Stderr, "No such alert: %s\n", id)
			os.Exit(1)
		}
		fatal(err)
	}
	if *asJSON {
		printJSON(a)
		return
	}

	fmt.Printf("Alert:     %s\n", a.AlertID)
	fmt.Printf("Session:   %s\n", a.SessionID)
	fmt.Printf("Created:   %s\n", a.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Severity:  %s\n", a.Severity)
	fmt.Printf("Status:    %s\n", a.Status)
	fmt.Printf("Event:     %s, %d bytes %s\n", a.Event.Type, a.Event.Bytes, a.Event.Direction)
	fmt.Printf("Methods:   %s\n", strings.Join(a.DetectionMethods, ", "))
	fmt.Printf("ML score:  %.3f\n", a.MLScore)
	for _, r := range a.RuleReasons {
		fmt.Printf("  - %s\n", r)
	}
	if a.ClientIP != "" {
		fmt.Printf("Route:     %s -> %s\n", a.ClientIP, a.UpstreamIP)
	}
	if a.Contained {
		when := ""
		if a.ContainedAt != nil {
			when = " at " + a.ContainedAt.Format(time.RFC3339)
		}
		fmt.Printf("Contained: yes%s\n", when)
	}
	if a.ForensicHash != "" {
		fmt.Printf("Forensic:  %s\n", a.ForensicHash)
	}
	if a.AnchorRoot != "" {
		fmt.Printf("Anchored:  %s\n", a.AnchorRoot)
	}
}

func cmdContain(sessionID, reason string) {
	c := apiClient()
	ctx, cancel := apiContext()
	defer cancel()

	res, err := c.ContainSession(ctx, sessionID, reason)
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(res)
		if !res.Success {
			os.Exit(1)
		}
		return
	}
	if res.Success {
		fmt.Printf("Session %s contained.\n", res.SessionID)
		return
	}
	fmt.Fprintf(os.Stderr, "Containment failed: %s\n", res.Message)
	os.Exit(1)
}

func cmdAnchorNow() {
	c := apiClient()
	ctx, cancel := apiContext()
	defer cancel()

	a, err := c.AnchorNow(ctx)
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(a)
		return
	}
	fmt.Printf("Anchor %s sealed over %d leaves.\n", a.AnchorID, a.LeafCount)
	fmt.Printf("  Root:   %s\n", a.MerkleRoot)
	fmt.Printf("  Signer: %s\n", a.SignerID)
}

func cmdAnchors() {
	c := apiClient()
	ctx, cancel := apiContext()
	defer cancel()

	anchors, err := c.ListAnchors(ctx, *limit)
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(anchors)
		return
	}
	if len(anchors) == 0 {
		fmt.Println("No anchors.")
		return
	}
	for _, a := range anchors {
		fmt.Printf("%s  %s  leaves=%-4d root=%s\n",
			formatEpoch(a.CreatedAt), a.AnchorID, a.LeafCount, a.MerkleRoot)
	}
}

func cmdVerifyAnchor(id string) {
	c := apiClient()
	ctx, cancel := apiContext()
	defer cancel()

	res, err := c.VerifyAnchor(ctx, id)
	if err != nil {
		if client.IsNotFound(err) {
			fmt.Fprintf(os.Stderr, "No such anchor: %s\n", id)
			os.Exit(1)
		}
		fatal(err)
	}
	if *asJSON {
		printJSON(res)
		if !res.OK {
			os.Exit(1)
		}
		return
	}

	fmt.Printf("Anchor:    %s\n", res.AnchorID)
	fmt.Printf("Leaves:    %d\n", res.LeafCount)
	fmt.Printf("Expected:  %s\n", res.ExpectedRoot)
	fmt.Printf("Observed:  %s\n", res.ObservedRoot)
	if res.SignatureOK {
		fmt.Println("Signature: valid")
	} else {
		fmt.Println("Signature: INVALID")
	}
	if res.FirstDivergence >= 0 {
		fmt.Printf("Diverges:  leaf %d\n", res.FirstDivergence)
	}
	for _, id := range res.Missing {
		fmt.Printf("Missing:   %s\n", id)
	}
	fmt.Println()
	if res.OK {
		fmt.Println("Verification PASSED")
	} else {
		fmt.Println("Verification FAILED")
		os.Exit(1)
	}
}

func cmdTail() {
	c := apiClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "Streaming alerts (Ctrl-C to stop)...")
	err := c.TailAlerts(ctx, func(a client.Alert) error {
		if *asJSON {
			data, _ := json.Marshal(a)
			fmt.Println(string(data))
			return nil
		}
		fmt.Println(alertLine(a))
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fatal(err)
	}
}

// alertLine formats one alert for list and tail output.
func alertLine(a client.Alert) string {
	mark := ""
	if a.Contained {
		mark = "  [contained]"
	}
	return fmt.Sprintf("%s  %-8s %-16s %s  session=%s%s",
		a.CreatedAt.Format(time.RFC3339), a.Severity, a.Event.Type, a.AlertID, a.SessionID, mark)
}

func formatEpoch(sec float64) string {
	return time.Unix(int64(sec), 0).UTC().Format(time.RFC3339)
}

// apiClient resolves the daemon base URL from -url or the config file's
// sink alert URL.
func apiClient() *client.Client {
	base := *apiURL
	if base == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		u, err := url.Parse(cfg.Sink.AlertURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			fmt.Fprintln(os.Stderr, "Config has no usable sink URL; pass -url http://host:port")
			os.Exit(1)
		}
		base = u.Scheme + "://" + u.Host
	}

	c, err := client.New(client.Config{BaseURL: base, Timeout: *timeout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}

func apiContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), *timeout)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(data))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
