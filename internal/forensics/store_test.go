package forensics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/ring"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(StoreConfig{Dir: filepath.Join(t.TempDir(), "forensic")}, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func testRecord(t *testing.T, alertID string) *Record {
	t.Helper()
	ev := detect.Event{
		SessionID: "session_10.0.0.5_52314_1700000000",
		Timestamp: 1700000000.25,
		Type:      detect.EventClipboardCopy,
		Direction: ring.ClientToServer,
		Bytes:     512_000,
		SizeKB:    500,
		Source:    "vnc_clipboard",
	}
	verdict := detect.Verdict{
		IsAlert:          true,
		DetectionMethods: []detect.Method{detect.MethodRule},
		Reasons:          []string{"Rule 1: Clipboard exfiltration suspected: 512000 bytes client->server in last 10 samples (threshold 200 KB)"},
		Severity:         detect.SeverityMedium,
		MLScore:          0.12,
	}
	rec, err := NewRecord(alertID, ev, verdict, 1700000000.5)
	if err != nil {
		t.Fatalf("NewRecord failed: %v", err)
	}
	return rec
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord(t, "ALERT_1700000000000")

	path, err := s.Write(context.Background(), rec)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if path != s.Path("ALERT_1700000000000") {
		t.Errorf("unexpected path %s", path)
	}

	got, raw, err := s.Read("ALERT_1700000000000")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.ForensicID != rec.ForensicID || got.AlertID != rec.AlertID {
		t.Errorf("identity mismatch: %s/%s", got.ForensicID, got.AlertID)
	}
	if got.SessionID != rec.SessionID {
		t.Errorf("session mismatch: %s", got.SessionID)
	}
	if got.Event.Bytes != rec.Event.Bytes {
		t.Errorf("event bytes mismatch: %d", got.Event.Bytes)
	}
	if got.Verdict.Severity != rec.Verdict.Severity {
		t.Errorf("severity mismatch: %s", got.Verdict.Severity)
	}
	if got.ContainmentStatus != StatusPending {
		t.Errorf("expected pending status, got %s", got.ContainmentStatus)
	}
	if got.Hash != rec.Hash {
		t.Errorf("hash mismatch: %s vs %s", got.Hash, rec.Hash)
	}
	if len(raw) == 0 {
		t.Error("expected raw bytes")
	}

	stored, computed, err := s.Verify("ALERT_1700000000000")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if stored != computed || stored != rec.Hash {
		t.Errorf("verify digests diverged: stored=%s computed=%s", stored, computed)
	}
}

func TestWriteRestrictsPermissions(t *testing.T) {
	s := newTestStore(t)
	path, err := s.Write(context.Background(), testRecord(t, "ALERT_1"))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("record file mode = %o, want 0600", perm)
	}

	di, err := os.Stat(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if perm := di.Mode().Perm(); perm != 0o700 {
		t.Errorf("record dir mode = %o, want 0700", perm)
	}
}

func TestWriteDuplicateFailsImmediately(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord(t, "ALERT_1")

	if _, err := s.Write(context.Background(), rec); err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	start := time.Now()
	_, err := s.Write(context.Background(), rec)
	if !errors.Is(err, ErrDuplicateRecord) {
		t.Fatalf("expected ErrDuplicateRecord, got %v", err)
	}
	// Duplicates must not burn the retry budget.
	if elapsed := time.Since(start); elapsed >= DefaultRetryBackoff {
		t.Errorf("duplicate write took %v, should fail before first backoff", elapsed)
	}
	if s.WriteFailures() != 0 {
		t.Errorf("duplicate counted as write failure: %d", s.WriteFailures())
	}
}

func TestWriteSealsUnsealedRecord(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord(t, "ALERT_1")
	rec.Hash = ""

	if _, err := s.Write(context.Background(), rec); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if rec.Hash == "" {
		t.Fatal("record was not sealed during write")
	}
	if _, _, err := s.Verify("ALERT_1"); err != nil {
		t.Errorf("verify after auto-seal failed: %v", err)
	}
}

func TestWriteRetriesIntoMissingDirectory(t *testing.T) {
	// Removing the directory after store creation forces every create
	// attempt to fail; the write must exhaust its retries and count
	// each failure.
	dir := filepath.Join(t.TempDir(), "forensic")
	s, err := NewStore(StoreConfig{
		Dir:           dir,
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	_, err = s.Write(context.Background(), testRecord(t, "ALERT_1"))
	if err == nil {
		t.Fatal("expected write to fail")
	}
	if errors.Is(err, ErrDuplicateRecord) {
		t.Fatalf("missing dir misreported as duplicate: %v", err)
	}
	if got := s.WriteFailures(); got != 3 {
		t.Errorf("expected 3 counted failures, got %d", got)
	}
}

func TestWriteHonorsContextCancellation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "forensic")
	s, err := NewStore(StoreConfig{
		Dir:           dir,
		RetryAttempts: 5,
		RetryBackoff:  time.Hour,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Write(ctx, testRecord(t, "ALERT_1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReadMissingRecord(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Read("ALERT_missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestVerifyMissingRecord(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Verify("ALERT_missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestVerifyDetectsValueTamper(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord(t, "ALERT_1")
	path, err := s.Write(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(data, []byte(`"pending"`), []byte(`"contained"`), 1)
	if bytes.Equal(data, tampered) {
		t.Fatal("tamper replacement did not apply")
	}
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatal(err)
	}

	stored, computed, err := s.Verify("ALERT_1")
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
	if stored != rec.Hash {
		t.Errorf("stored hash changed: %s", stored)
	}
	if computed == stored {
		t.Error("computed digest should differ after tamper")
	}
	if len(computed) != 64 {
		t.Errorf("expected 64-char digest, got %d chars", len(computed))
	}
}

func TestVerifyToleratesReformatting(t *testing.T) {
	// The hash covers the canonical form, so whitespace-only rewrites
	// are not tampering.
	s := newTestStore(t)
	path, err := s.Write(context.Background(), testRecord(t, "ALERT_1"))
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, compact.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Verify("ALERT_1"); err != nil {
		t.Errorf("reformatted record failed verification: %v", err)
	}
}

func TestSealIsDeterministic(t *testing.T) {
	rec := testRecord(t, "ALERT_1")
	first := rec.Hash
	if err := rec.Seal(); err != nil {
		t.Fatal(err)
	}
	if rec.Hash != first {
		t.Errorf("re-seal changed hash: %s vs %s", rec.Hash, first)
	}
}

func TestListReturnsSortedIDs(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"ALERT_30", "ALERT_10", "ALERT_20"} {
		if _, err := s.Write(context.Background(), testRecord(t, id)); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}
	// Non-record files and directories are skipped.
	if err := os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(s.Dir(), "sub"), 0o700); err != nil {
		t.Fatal(err)
	}

	ids, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"ALERT_10", "ALERT_20", "ALERT_30"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %v", len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestVerifyBytesRejectsMissingHash(t *testing.T) {
	if _, _, err := VerifyBytes([]byte(`{"alert_id": "ALERT_1"}`)); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("expected ErrHashMismatch for unhashed document, got %v", err)
	}
}

func TestWatchReportsTamper(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord(t, "ALERT_1")
	path, err := s.Write(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan TamperEvent, 4)
	w, err := NewWatch(s, 50*time.Millisecond, func(ev TamperEvent) {
		events <- ev
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(data, []byte("512000"), []byte("999999"), 1)
	if bytes.Equal(data, tampered) {
		t.Fatal("tamper replacement did not apply")
	}
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.RecordID != "ALERT_1" {
			t.Errorf("unexpected record id %s", ev.RecordID)
		}
		if ev.Path != path {
			t.Errorf("unexpected path %s", ev.Path)
		}
		if ev.StoredHash != rec.Hash {
			t.Errorf("stored hash %s, want %s", ev.StoredHash, rec.Hash)
		}
		if ev.ComputedHash == ev.StoredHash {
			t.Error("computed hash should differ from stored after tamper")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tamper event not reported within timeout")
	}
}

func TestWatchIgnoresIntactRecords(t *testing.T) {
	s := newTestStore(t)

	events := make(chan TamperEvent, 4)
	w, err := NewWatch(s, 50*time.Millisecond, func(ev TamperEvent) {
		events <- ev
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// A legitimate store write lands while the watch is running.
	if _, err := s.Write(context.Background(), testRecord(t, "ALERT_1")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected tamper event for %s", ev.RecordID)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatchCloseStopsLoops(t *testing.T) {
	s := newTestStore(t)
	w, err := NewWatch(s, 50*time.Millisecond, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not shut down")
	}
}
