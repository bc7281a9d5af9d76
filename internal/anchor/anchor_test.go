package anchor

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/forensics"
	"sentinelvnc/internal/merkle"
	"sentinelvnc/internal/ring"
	"sentinelvnc/internal/signer"
)

func newTestSigner(t *testing.T) signer.Signer {
	t.Helper()
	key := make([]byte, 32)
	rand.Read(key)
	sg, err := signer.NewHMAC("hmac-test", key)
	if err != nil {
		t.Fatalf("NewHMAC failed: %v", err)
	}
	return sg
}

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "anchors"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return fs
}

func newForensicStore(t *testing.T) *forensics.Store {
	t.Helper()
	s, err := forensics.NewStore(forensics.StoreConfig{
		Dir: filepath.Join(t.TempDir(), "forensic"),
	}, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

// writeForensicRecord persists one record and returns its leaf hash.
func writeForensicRecord(t *testing.T, s *forensics.Store, alertID string) string {
	t.Helper()
	ev := detect.Event{
		SessionID: "session_10.0.0.5_52314_1700000000",
		Timestamp: 1700000000.25,
		Type:      detect.EventClipboardCopy,
		Direction: ring.ClientToServer,
		Bytes:     512_000,
		SizeKB:    500,
	}
	verdict := detect.Verdict{
		IsAlert:          true,
		DetectionMethods: []detect.Method{detect.MethodRule},
		Reasons:          []string{"Rule 1: Clipboard exfiltration suspected: 512000 bytes client->server in last 10 samples (threshold 200 KB)"},
		Severity:         detect.SeverityMedium,
	}
	rec, err := forensics.NewRecord(alertID, ev, verdict, 1700000000.5)
	if err != nil {
		t.Fatalf("NewRecord failed: %v", err)
	}
	if _, err := s.Write(context.Background(), rec); err != nil {
		t.Fatalf("forensic write failed: %v", err)
	}
	return rec.Hash
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestSignRoundTrip(t *testing.T) {
	sg := newTestSigner(t)
	a := &Anchor{
		AnchorID:   "ANCHOR_1700000000000",
		CreatedAt:  1700000000.123456,
		MerkleRoot: "abc123",
	}

	if err := a.Sign(sg); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if a.Signature == "" || a.SignerID != "hmac-test" {
		t.Fatalf("signature not embedded: sig=%q signer=%q", a.Signature, a.SignerID)
	}
	if err := a.VerifySignature(sg); err != nil {
		t.Errorf("verify failed: %v", err)
	}
}

func TestVerifySignatureRejectsTamperedRoot(t *testing.T) {
	sg := newTestSigner(t)
	a := &Anchor{AnchorID: "ANCHOR_1", CreatedAt: 1700000000.5, MerkleRoot: "abc123"}
	if err := a.Sign(sg); err != nil {
		t.Fatal(err)
	}

	a.MerkleRoot = "def456"
	if err := a.VerifySignature(sg); !errors.Is(err, signer.ErrBadSignature) {
		t.Errorf("expected ErrBadSignature, got %v", err)
	}
}

func TestSigningInputFixedPrecision(t *testing.T) {
	got := string(SigningInput("roothex", 1700000000.123456))
	want := "roothex1700000000.123456"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	// Whole-second timestamps keep their six decimal places.
	got = string(SigningInput("roothex", 1700000000))
	want = "roothex1700000000.000000"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	fs := newTestFileStore(t)
	a := &Anchor{
		AnchorID:   "ANCHOR_1700000000001",
		CreatedAt:  1700000000.1,
		MerkleRoot: "aaa",
		LeafCount:  2,
		LeafHashes: []string{"l1", "l2"},
		AlertIDs:   []string{"ALERT_1", "ALERT_2"},
		Signature:  "c2ln",
		SignerID:   "hmac-test",
	}

	path, err := fs.Write(a)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("anchor file mode = %o, want 0600", perm)
	}

	got, err := fs.Read("ANCHOR_1700000000001")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.MerkleRoot != a.MerkleRoot || got.LeafCount != 2 || len(got.AlertIDs) != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := fs.Write(a); !errors.Is(err, ErrAnchorExists) {
		t.Errorf("expected ErrAnchorExists, got %v", err)
	}
	if _, err := fs.Read("ANCHOR_missing"); !errors.Is(err, ErrAnchorNotFound) {
		t.Errorf("expected ErrAnchorNotFound, got %v", err)
	}
}

func TestFileStoreListOldestFirst(t *testing.T) {
	fs := newTestFileStore(t)
	for _, a := range []*Anchor{
		{AnchorID: "ANCHOR_3", CreatedAt: 300},
		{AnchorID: "ANCHOR_1", CreatedAt: 100},
		{AnchorID: "ANCHOR_2", CreatedAt: 200},
	} {
		if _, err := fs.Write(a); err != nil {
			t.Fatal(err)
		}
	}

	anchors, err := fs.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(anchors) != 3 {
		t.Fatalf("expected 3 anchors, got %d", len(anchors))
	}
	for i, want := range []string{"ANCHOR_1", "ANCHOR_2", "ANCHOR_3"} {
		if anchors[i].AnchorID != want {
			t.Errorf("anchors[%d] = %s, want %s", i, anchors[i].AnchorID, want)
		}
	}
}

func TestBatchSizeTriggersAnchor(t *testing.T) {
	records := newForensicStore(t)
	fs := newTestFileStore(t)
	sg := newTestSigner(t)
	svc, err := NewService(Config{BatchSize: 3, Interval: time.Hour}, sg, fs, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	alertIDs := []string{"ALERT_1", "ALERT_2", "ALERT_3"}
	leaves := make([]string, len(alertIDs))
	for i, id := range alertIDs {
		leaves[i] = writeForensicRecord(t, records, id)
		svc.Enqueue(leaves[i], id)
	}

	waitFor(t, 3*time.Second, func() bool { return svc.Stats().AnchorsCreated == 1 })

	anchors, err := fs.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(anchors) != 1 {
		t.Fatalf("expected 1 anchor, got %d", len(anchors))
	}
	a := anchors[0]
	if a.LeafCount != 3 {
		t.Errorf("leaf_count = %d, want 3", a.LeafCount)
	}
	if a.MerkleRoot != merkle.Root(leaves) {
		t.Errorf("root mismatch: %s", a.MerkleRoot)
	}

	// The middle record is provably included.
	proof, err := merkle.BuildProof(leaves, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := proof.Verify(); err != nil {
		t.Errorf("middle leaf proof failed: %v", err)
	}
	res := VerifyAnchor(a, records, sg)
	if !res.OK {
		t.Fatalf("fresh anchor failed verification: %+v", res)
	}

	// Mutating the middle record breaks re-verification.
	path := records.Path("ALERT_2")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(data, []byte(`"pending"`), []byte(`"contained"`), 1)
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatal(err)
	}

	res = VerifyAnchor(a, records, sg)
	if res.OK {
		t.Fatal("tampered record passed verification")
	}
	if res.FirstDivergence != 1 {
		t.Errorf("first divergence = %d, want 1", res.FirstDivergence)
	}
}

func TestIntervalTickAnchorsPartialBatch(t *testing.T) {
	fs := newTestFileStore(t)
	svc, err := NewService(Config{BatchSize: 100, Interval: 50 * time.Millisecond}, newTestSigner(t), fs, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	svc.Enqueue("leafhash1", "ALERT_1")

	waitFor(t, 3*time.Second, func() bool { return svc.Stats().AnchorsCreated == 1 })
	if pending := svc.Pending(); pending != 0 {
		t.Errorf("expected drained queue, %d pending", pending)
	}

	anchors, err := fs.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(anchors) != 1 || anchors[0].LeafCount != 1 {
		t.Fatalf("expected one single-leaf anchor, got %+v", anchors)
	}
	// A singleton tree's root is the leaf itself.
	if anchors[0].MerkleRoot != "leafhash1" {
		t.Errorf("root = %s, want leafhash1", anchors[0].MerkleRoot)
	}
}

func TestStopDrainsQueueInOrder(t *testing.T) {
	fs := newTestFileStore(t)
	svc, err := NewService(Config{BatchSize: 2, Interval: time.Hour}, newTestSigner(t), fs, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{"l1", "l2", "l3", "l4", "l5"}
	for _, leaf := range want {
		svc.Enqueue(leaf, "ALERT_"+leaf)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if pending := svc.Pending(); pending != 0 {
		t.Errorf("%d leaves still pending after stop", pending)
	}

	anchors, err := fs.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(anchors) != 3 {
		t.Fatalf("expected 3 anchors (2+2+1), got %d", len(anchors))
	}

	var got []string
	for _, a := range anchors {
		if a.LeafCount > 2 {
			t.Errorf("anchor %s exceeds batch size: %d", a.AnchorID, a.LeafCount)
		}
		got = append(got, a.LeafHashes...)
	}
	if len(got) != len(want) {
		t.Fatalf("anchored %d leaves, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("leaf order broken at %d: %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAnchorNow(t *testing.T) {
	fs := newTestFileStore(t)
	svc, err := NewService(Config{BatchSize: 100, Interval: time.Hour}, newTestSigner(t), fs, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.AnchorNow(context.Background()); !errors.Is(err, ErrNoPendingLeaves) {
		t.Fatalf("expected ErrNoPendingLeaves, got %v", err)
	}

	svc.Enqueue("l1", "ALERT_1")
	svc.Enqueue("l2", "ALERT_2")

	a, err := svc.AnchorNow(context.Background())
	if err != nil {
		t.Fatalf("forced anchor failed: %v", err)
	}
	if a.LeafCount != 2 {
		t.Errorf("leaf_count = %d, want 2", a.LeafCount)
	}
	if svc.Pending() != 0 {
		t.Errorf("queue not drained by forced anchor")
	}
	if _, err := fs.Read(a.AnchorID); err != nil {
		t.Errorf("forced anchor not on disk: %v", err)
	}
}

func TestSoftLimitWarningLatches(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	fs := newTestFileStore(t)
	svc, err := NewService(Config{BatchSize: 100, Interval: time.Hour, SoftLimit: 3}, newTestSigner(t), fs, nil, logger)
	if err != nil {
		t.Fatal(err)
	}

	// Concurrent producers can step past the limit between checks; seed
	// the queue at the limit so the next enqueue lands beyond it.
	svc.mu.Lock()
	svc.queue = []entry{{leaf: "l1", alertID: "ALERT_1"}, {leaf: "l2", alertID: "ALERT_2"}, {leaf: "l3", alertID: "ALERT_3"}}
	svc.mu.Unlock()

	svc.Enqueue("l4", "ALERT_4")
	if got := strings.Count(logBuf.String(), "past soft limit"); got != 1 {
		t.Fatalf("warnings = %d, want 1 after stepping past the limit", got)
	}

	// A deeper flood stays quiet while the latch holds.
	svc.Enqueue("l5", "ALERT_5")
	svc.Enqueue("l6", "ALERT_6")
	if got := strings.Count(logBuf.String(), "past soft limit"); got != 1 {
		t.Errorf("warnings = %d, want the latch to hold at 1", got)
	}

	// Draining below the limit re-arms the warning.
	if _, err := svc.AnchorNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, leaf := range []string{"m1", "m2", "m3"} {
		svc.Enqueue(leaf, "ALERT_"+leaf)
	}
	if got := strings.Count(logBuf.String(), "past soft limit"); got != 2 {
		t.Errorf("warnings = %d, want 2 after drain and refill", got)
	}
}

func TestWriteFailureRequeuesBatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "anchors")
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(Config{BatchSize: 100, Interval: time.Hour}, newTestSigner(t), fs, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	svc.Enqueue("l1", "ALERT_1")
	svc.Enqueue("l2", "ALERT_2")
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.AnchorNow(context.Background()); err == nil {
		t.Fatal("expected anchor write to fail")
	}
	if pending := svc.Pending(); pending != 2 {
		t.Errorf("failed batch not requeued: %d pending", pending)
	}
	if svc.Stats().WriteFailures == 0 {
		t.Error("write failure not counted")
	}
}

type captureSink struct {
	anchors  []*Anchor
	backfill map[string]string
	err      error
}

func (c *captureSink) SaveAnchor(ctx context.Context, a *Anchor) error {
	if c.err != nil {
		return c.err
	}
	c.anchors = append(c.anchors, a)
	return nil
}

func (c *captureSink) SetAnchorRoot(ctx context.Context, alertIDs []string, root string) error {
	if c.err != nil {
		return c.err
	}
	if c.backfill == nil {
		c.backfill = make(map[string]string)
	}
	for _, id := range alertIDs {
		c.backfill[id] = root
	}
	return nil
}

func TestSinkReceivesAnchorAndBackfill(t *testing.T) {
	fs := newTestFileStore(t)
	sink := &captureSink{}
	svc, err := NewService(Config{BatchSize: 100, Interval: time.Hour}, newTestSigner(t), fs, sink, nil)
	if err != nil {
		t.Fatal(err)
	}

	svc.Enqueue("l1", "ALERT_1")
	svc.Enqueue("l2", "ALERT_2")
	a, err := svc.AnchorNow(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(sink.anchors) != 1 || sink.anchors[0].AnchorID != a.AnchorID {
		t.Fatalf("sink did not receive the anchor: %+v", sink.anchors)
	}
	for _, id := range []string{"ALERT_1", "ALERT_2"} {
		if sink.backfill[id] != a.MerkleRoot {
			t.Errorf("backfill[%s] = %s, want %s", id, sink.backfill[id], a.MerkleRoot)
		}
	}
}

func TestSinkFailureDoesNotLoseAnchor(t *testing.T) {
	fs := newTestFileStore(t)
	sink := &captureSink{err: errors.New("db down")}
	svc, err := NewService(Config{BatchSize: 100, Interval: time.Hour}, newTestSigner(t), fs, sink, nil)
	if err != nil {
		t.Fatal(err)
	}

	svc.Enqueue("l1", "ALERT_1")
	a, err := svc.AnchorNow(context.Background())
	if err != nil {
		t.Fatalf("anchor should survive sink failure: %v", err)
	}
	if _, err := fs.Read(a.AnchorID); err != nil {
		t.Errorf("anchor file missing: %v", err)
	}
	if got := svc.Stats().BackfillFailures; got != 2 {
		t.Errorf("backfill failures = %d, want 2", got)
	}
}
