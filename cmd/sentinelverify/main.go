// Command sentinelverify is a standalone tool for verifying forensic
// records and Merkle anchors produced by sentineld.
//
// It works directly on the record and anchor directories, so it suits:
// - Offline verification after an incident
// - Third-party audits without access to the daemon
// - Scheduled integrity sweeps in automation
//
// Usage:
//
//	sentinelverify [flags] [anchor.json ...]
//
// Examples:
//
//	# Verify every anchor in ./anchors against ./forensics
//	sentinelverify -all
//
//	# Verify one exported anchor file
//	sentinelverify anchors/anchor_20260301T120000Z_1.json
//
//	# Recanonicalize every stored record without touching anchors
//	sentinelverify -records
//
//	# Check signatures too, with the deployment's Ed25519 public key
//	sentinelverify -all -signer ed25519 -key sentinel_ed25519.pub
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"sentinelvnc/internal/anchor"
	"sentinelvnc/internal/forensics"
	"sentinelvnc/internal/signer"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// recordResult reports one record recanonicalization.
type recordResult struct {
	RecordID     string `json:"record_id"`
	StoredHash   string `json:"stored_hash,omitempty"`
	ComputedHash string `json:"computed_hash,omitempty"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
}

func main() {
	forensicsDir := flag.String("forensics", "forensics", "forensic record directory")
	anchorDir := flag.String("anchors", "anchors", "anchor directory (used with -all)")
	all := flag.Bool("all", false, "verify every anchor in the anchor directory")
	recordsOnly := flag.Bool("records", false, "recanonicalize stored records instead of anchors")
	signerKind := flag.String("signer", "", "signature check backend: hmac or ed25519 (default: skip signatures)")
	keyFile := flag.String("key", "", "hmac key file, or ed25519 public or private key")
	signerID := flag.String("signer-id", "", "signer id to report (default derived from the key)")
	formatStr := flag.String("format", "text", "output format: text, json")
	quiet := flag.Bool("quiet", false, "quiet mode - only the exit code reports the outcome")
	exitCode := flag.Bool("exit-code", true, "exit with non-zero code on verification failure")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sentinelverify - Verify forensic records and Merkle anchors offline\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [anchor.json ...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nModes:\n")
		fmt.Fprintf(os.Stderr, "  <files>   - verify the named anchor files\n")
		fmt.Fprintf(os.Stderr, "  -all      - verify every anchor under -anchors\n")
		fmt.Fprintf(os.Stderr, "  -records  - recanonicalize every record under -forensics\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -all\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -all -signer ed25519 -key sentinel_ed25519.pub\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -records -format json\n", os.Args[0])
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("sentinelverify %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	if *formatStr != "text" && *formatStr != "json" {
		fmt.Fprintf(os.Stderr, "Error: unknown format: %s (use text or json)\n", *formatStr)
		os.Exit(2)
	}
	if !*recordsOnly && !*all && flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Error: nothing to verify (pass anchor files, -all, or -records)\n\n")
		flag.Usage()
		os.Exit(2)
	}

	sg, err := buildSigner(*signerKind, *keyFile, *signerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	records, err := forensics.NewStore(forensics.StoreConfig{Dir: *forensicsDir}, discard)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening record store: %v\n", err)
		os.Exit(1)
	}

	var failed bool
	if *recordsOnly {
		failed = verifyRecords(records, *formatStr, *quiet)
	} else {
		failed = verifyAnchors(records, sg, *anchorDir, *all, flag.Args(), *formatStr, *quiet)
	}

	if failed && *exitCode {
		os.Exit(1)
	}
}

// verifyRecords recanonicalizes every stored record and reports hash
// mismatches. Returns true when any record fails.
func verifyRecords(records *forensics.Store, format string, quiet bool) bool {
	ids, err := records.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing records: %v\n", err)
		os.Exit(1)
	}

	results := make([]recordResult, 0, len(ids))
	failures := 0
	for _, id := range ids {
		res := recordResult{RecordID: id}
		stored, computed, err := records.Verify(id)
		res.StoredHash = stored
		res.ComputedHash = computed
		switch {
		case err != nil:
			res.Error = err.Error()
		case stored == computed:
			res.OK = true
		}
		if !res.OK {
			failures++
		}
		results = append(results, res)
	}

	if quiet {
		return failures > 0
	}
	if format == "json" {
		writeJSON(results)
		return failures > 0
	}

	for _, res := range results {
		if res.OK {
			fmt.Printf("[OK]      %s\n", res.RecordID)
			continue
		}
		if res.Error != "" {
			fmt.Printf("[ERROR]   %s: %s\n", res.RecordID, res.Error)
			continue
		}
		fmt.Printf("[TAMPER]  %s\n", res.RecordID)
		fmt.Printf("          stored:   %s\n", res.StoredHash)
		fmt.Printf("          computed: %s\n", res.ComputedHash)
	}
	fmt.Println()
	fmt.Printf("%d records checked, %d failed\n", len(results), failures)
	if failures == 0 {
		fmt.Println("Verification PASSED")
	} else {
		fmt.Println("Verification FAILED")
	}
	return failures > 0
}

// verifyAnchors rebuilds the Merkle tree of each selected anchor from the
// record store. Returns true when any anchor fails.
func verifyAnchors(records *forensics.Store, sg signer.Signer, anchorDir string, all bool, files []string, format string, quiet bool) bool {
	var results []anchor.Result

	if all {
		store, err := anchor.NewFileStore(anchorDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening anchor store: %v\n", err)
			os.Exit(1)
		}
		anchors, err := store.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing anchors: %v\n", err)
			os.Exit(1)
		}
		for _, a := range anchors {
			results = append(results, anchor.VerifyAnchor(a, records, sg))
		}
	}

	for _, path := range files {
		res, err := anchor.VerifyFile(path, records, sg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			os.Exit(1)
		}
		results = append(results, res)
	}

	failures := 0
	for _, res := range results {
		if !res.OK {
			failures++
		}
	}

	if quiet {
		return failures > 0
	}
	if format == "json" {
		writeJSON(results)
		return failures > 0
	}

	for _, res := range results {
		printAnchorResult(res, sg != nil)
	}
	fmt.Printf("%d anchors checked, %d failed\n", len(results), failures)
	if failures == 0 {
		fmt.Println("Verification PASSED")
	} else {
		fmt.Println("Verification FAILED")
	}
	return failures > 0
}

func printAnchorResult(res anchor.Result, checkedSignature bool) {
	verdict := "PASSED"
	if !res.OK {
		verdict = "FAILED"
	}
	fmt.Printf("Anchor %s: %s\n", res.AnchorID, verdict)
	fmt.Printf("  Leaves:    %d\n", res.LeafCount)
	fmt.Printf("  Expected:  %s\n", res.ExpectedRoot)
	fmt.Printf("  Observed:  %s\n", res.ObservedRoot)
	if checkedSignature {
		if res.SignatureOK {
			fmt.Println("  Signature: valid")
		} else {
			fmt.Println("  Signature: INVALID")
		}
	}
	if res.FirstDivergence >= 0 {
		fmt.Printf("  Diverges:  leaf %d\n", res.FirstDivergence)
	}
	for _, id := range res.Missing {
		fmt.Printf("  Missing:   %s\n", id)
	}
	fmt.Println()
}

// buildSigner assembles the optional signature checker. An empty kind
// skips signature verification entirely.
func buildSigner(kind, keyFile, id string) (signer.Signer, error) {
	switch kind {
	case "":
		return nil, nil
	case signer.KindHMAC:
		if keyFile == "" {
			return nil, fmt.Errorf("hmac verification requires -key")
		}
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		if id == "" {
			id = "hmac-local"
		}
		return signer.NewHMAC(id, key)
	case signer.KindEd25519:
		if keyFile == "" {
			return nil, fmt.Errorf("ed25519 verification requires -key")
		}
		// A public key is enough to verify; fall back to a private key
		// for operators pointing at the signing keypair.
		if pub, err := signer.LoadEd25519PublicKey(keyFile); err == nil {
			return signer.NewEd25519Verifier(id, pub), nil
		}
		return signer.New(signer.Options{Kind: signer.KindEd25519, KeyFile: keyFile, ID: id})
	default:
		return nil, fmt.Errorf("unknown signer kind: %s (use hmac or ed25519)", kind)
	}
}

func writeJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
		os.Exit(1)
	}
}
