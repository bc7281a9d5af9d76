package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelvnc/internal/anchor"
	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/forensics"
	"sentinelvnc/internal/logging"
	"sentinelvnc/internal/ring"
	"sentinelvnc/internal/signer"
	"sentinelvnc/internal/store"
)

type stubScorer struct{ score float64 }

func (s stubScorer) Score([]float64) (float64, error)      { return s.score, nil }
func (s stubScorer) FeatureImportance() map[string]float64 { return nil }

// sinkHarness assembles a full sink over the in-memory store with a
// forced-batch anchor service.
type sinkHarness struct {
	svc     *Service
	srv     *Server
	store   *store.Memory
	records *forensics.Store
	anchors *anchor.Service
	hub     *Hub
	signer  signer.Signer
}

func newSinkHarness(t *testing.T, cfg ServiceConfig, scorer detect.Scorer) *sinkHarness {
	t.Helper()

	st := store.NewMemory()
	records, err := forensics.NewStore(forensics.StoreConfig{Dir: t.TempDir()}, nil)
	require.NoError(t, err)

	sg, err := signer.NewHMAC("test-signer", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	files, err := anchor.NewFileStore(t.TempDir())
	require.NoError(t, err)
	anchors, err := anchor.NewService(anchor.Config{Interval: time.Hour}, sg, files, st, nil)
	require.NoError(t, err)

	hub := NewHub(nil, nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	engine := detect.NewEngine(detect.Config{Rules: detect.DefaultRuleConfig()}, scorer, nil)

	svc, err := NewService(cfg, ServiceDeps{
		Engine:  engine,
		Store:   st,
		Records: records,
		Anchors: anchors,
		Hub:     hub,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	srv, err := NewServer(ServerConfig{}, ServerDeps{
		Service: svc,
		Store:   st,
		Records: records,
		Anchors: anchors,
		Signer:  sg,
		Hub:     hub,
	})
	require.NoError(t, err)

	return &sinkHarness{
		svc:     svc,
		srv:     srv,
		store:   st,
		records: records,
		anchors: anchors,
		hub:     hub,
		signer:  sg,
	}
}

func (h *sinkHarness) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	return w
}

func (h *sinkHarness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)
	return w
}

func decodeAs[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

// frameburstPayload trips rule 2 with the default 10 MB threshold.
func frameburstPayload(size uint64) Payload {
	now := 1_709_294_400.0
	return Payload{
		SessionID:  "session_10.0.0.8_52011_1709294400",
		ClientIP:   "10.0.0.8",
		UpstreamIP: "192.168.1.50",
		Timestamp:  now,
		Heuristic:  detect.HeuristicFrameburst,
		Bytes:      size,
		RecentSamples: []Sample{
			{Timestamp: now - 1.0, Direction: ring.ClientToServer, Bytes: 512},
			{Timestamp: now, Direction: ring.ServerToClient, Bytes: size},
		},
		SessionStats: SessionStats{
			ClientToServerBytes:   512,
			ServerToClientBytes:   size,
			ClientToServerPackets: 1,
			ServerToClientPackets: 1,
			DurationSeconds:       12.5,
		},
	}
}

// clipboardPayload carries one client->server burst of the given size.
// Above 200 KB it trips rule 1 and nothing else.
func clipboardPayload(size uint64) Payload {
	now := 1_709_294_400.0
	return Payload{
		SessionID: "session_10.0.0.9_52012_1709294400",
		ClientIP:  "10.0.0.9",
		Timestamp: now,
		Heuristic: detect.HeuristicClipboard,
		Bytes:     size,
		RecentSamples: []Sample{
			{Timestamp: now, Direction: ring.ClientToServer, Bytes: size},
		},
	}
}

func TestIngestHighSeverityContains(t *testing.T) {
	h := newSinkHarness(t, ServiceConfig{}, stubScorer{score: 0.9})

	w := h.post(t, "/api/v1/alerts", frameburstPayload(16_777_216))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeAs[Response](t, w)
	assert.Equal(t, ActionContain, resp.Action)
	assert.True(t, strings.HasPrefix(resp.AlertID, "ALERT_"), resp.AlertID)
	assert.Equal(t, detect.SeverityHigh, resp.Severity)
	assert.Len(t, resp.ForensicHash, 64)

	// The forensic record lands in the background; Close waits it out.
	h.svc.Close()
	rec, _, err := h.records.Read(resp.AlertID)
	require.NoError(t, err)
	assert.Equal(t, resp.ForensicHash, rec.Hash)
	assert.Equal(t, detect.SeverityHigh, rec.Verdict.Severity)
	assert.Equal(t, forensics.StatusPending, rec.ContainmentStatus)
	assert.Equal(t, 1, h.anchors.Pending())

	got := h.get(t, "/api/v1/alerts/"+resp.AlertID)
	require.Equal(t, http.StatusOK, got.Code)
	a := decodeAs[store.Alert](t, got)
	assert.Equal(t, "session_10.0.0.8_52011_1709294400", a.SessionID)
	assert.Equal(t, store.StatusOpen, a.Status)
	assert.Equal(t, resp.ForensicHash, a.ForensicHash)
	assert.Contains(t, a.RuleReasons[0], "Rule 2: Frameburst detected")
}

func TestIngestDowngradeIsNoOp(t *testing.T) {
	h := newSinkHarness(t, ServiceConfig{}, nil)

	w := h.post(t, "/api/v1/alerts", clipboardPayload(1024))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeAs[Response](t, w)
	assert.Equal(t, ActionNoOp, resp.Action)
	assert.Empty(t, resp.AlertID)
	assert.Equal(t, detect.SeverityLow, resp.Severity)
	assert.Empty(t, resp.ForensicHash)

	// Nothing persisted, nothing queued for anchoring.
	list := h.get(t, "/api/v1/alerts")
	require.Equal(t, http.StatusOK, list.Code)
	assert.Equal(t, 0, len(decodeAs[[]store.Alert](t, list)))
	h.svc.Close()
	assert.Equal(t, 0, h.anchors.Pending())
}

func TestIngestMediumActionFollowsAutoContain(t *testing.T) {
	// Rule 1 fires alone: medium severity, no containment by default.
	h := newSinkHarness(t, ServiceConfig{}, nil)
	resp := decodeAs[Response](t, h.post(t, "/api/v1/alerts", clipboardPayload(250_000)))
	assert.Equal(t, ActionNoOp, resp.Action)
	assert.NotEmpty(t, resp.AlertID, "medium alerts are persisted even without containment")
	assert.Equal(t, detect.SeverityMedium, resp.Severity)

	// The same verdict contains when the operator opted in.
	auto := newSinkHarness(t, ServiceConfig{AutoContain: true}, nil)
	resp = decodeAs[Response](t, auto.post(t, "/api/v1/alerts", clipboardPayload(250_000)))
	assert.Equal(t, ActionContain, resp.Action)
	assert.Equal(t, detect.SeverityMedium, resp.Severity)
}

func TestIngestSchemaViolations(t *testing.T) {
	h := newSinkHarness(t, ServiceConfig{}, nil)

	cases := []struct {
		name string
		body string
	}{
		{"missing required fields", `{"session_id": "s"}`},
		{"wrong heuristic", `{"session_id":"s","timestamp":1,"heuristic":"port_scan","bytes":1}`},
		{"negative bytes", `{"session_id":"s","timestamp":1,"heuristic":"frameburst","bytes":-5}`},
		{"truncated json", `{"session_id":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			h.srv.ServeHTTP(w, req)

			require.Equal(t, http.StatusBadRequest, w.Code)
			e := decodeAs[apiError](t, w)
			assert.Equal(t, "validation", e.Kind)
		})
	}
}

func TestIngestRejectsWrongContentType(t *testing.T) {
	h := newSinkHarness(t, ServiceConfig{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader("heuristic=frameburst"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Equal(t, "content_type", decodeAs[apiError](t, w).Kind)
}

func TestConfirmContainedIsIdempotent(t *testing.T) {
	h := newSinkHarness(t, ServiceConfig{}, nil)
	resp := decodeAs[Response](t, h.post(t, "/api/v1/alerts", clipboardPayload(250_000)))
	require.NotEmpty(t, resp.AlertID)

	w := h.post(t, "/api/v1/alerts/"+resp.AlertID+"/contained", struct{}{})
	require.Equal(t, http.StatusOK, w.Code)
	first := decodeAs[store.Alert](t, w)
	assert.True(t, first.Contained)
	assert.Equal(t, store.StatusContained, first.Status)
	require.NotNil(t, first.ContainedAt)

	time.Sleep(10 * time.Millisecond)
	w = h.post(t, "/api/v1/alerts/"+resp.AlertID+"/contained", struct{}{})
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeAs[store.Alert](t, w)
	require.NotNil(t, second.ContainedAt)
	assert.Equal(t, *first.ContainedAt, *second.ContainedAt, "first containment timestamp wins")

	missing := h.post(t, "/api/v1/alerts/ALERT_0/contained", struct{}{})
	require.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, "not_found", decodeAs[apiError](t, missing).Kind)
}

func TestContainSessionMarksAllAlerts(t *testing.T) {
	h := newSinkHarness(t, ServiceConfig{}, nil)
	ctx := context.Background()

	for _, id := range []string{"ALERT_1", "ALERT_2"} {
		require.NoError(t, h.store.SaveAlert(ctx, &store.Alert{
			AlertID:   id,
			SessionID: "session_10.0.0.9_52012_1709294400",
			Severity:  detect.SeverityMedium,
			Status:    store.StatusOpen,
			CreatedAt: time.Now().UTC(),
		}))
	}
	require.NoError(t, h.store.SaveAlert(ctx, &store.Alert{
		AlertID:   "ALERT_3",
		SessionID: "session_other",
		Severity:  detect.SeverityMedium,
		Status:    store.StatusOpen,
		CreatedAt: time.Now().UTC(),
	}))

	w := h.post(t, "/api/v1/sessions/contain", ContainRequest{SessionID: "session_10.0.0.9_52012_1709294400"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeAs[ContainResponse](t, w)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "marked as contained")

	for _, id := range []string{"ALERT_1", "ALERT_2"} {
		a, err := h.store.GetAlert(ctx, id)
		require.NoError(t, err)
		assert.True(t, a.Contained, id)
	}
	other, err := h.store.GetAlert(ctx, "ALERT_3")
	require.NoError(t, err)
	assert.False(t, other.Contained, "other sessions stay untouched")

	missing := h.post(t, "/api/v1/sessions/contain", ContainRequest{SessionID: "session_ghost"})
	require.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, "not_found", decodeAs[apiError](t, missing).Kind)
}

func TestContainSessionForwardsToProxy(t *testing.T) {
	var calls atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/control/v1/contain", r.URL.Path)
		var req ContainRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(ContainResponse{Success: true, SessionID: req.SessionID, Message: "contained"})
	}))
	defer proxy.Close()

	h := newSinkHarness(t, ServiceConfig{ProxyControlURL: proxy.URL}, nil)

	// No recorded alerts, but the proxy acknowledged: containment counts.
	w := h.post(t, "/api/v1/sessions/contain", ContainRequest{SessionID: "session_live", Reason: "operator request"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeAs[ContainResponse](t, w)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "no recorded alerts")
	assert.Equal(t, int32(1), calls.Load())
}

func TestContainSessionProxyDownNoAlerts(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer proxy.Close()

	h := newSinkHarness(t, ServiceConfig{ProxyControlURL: proxy.URL}, nil)
	w := h.post(t, "/api/v1/sessions/contain", ContainRequest{SessionID: "session_ghost"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAlertsLimitAndOrder(t *testing.T) {
	h := newSinkHarness(t, ServiceConfig{}, nil)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		resp := decodeAs[Response](t, h.post(t, "/api/v1/alerts", clipboardPayload(250_000)))
		require.NotEmpty(t, resp.AlertID)
		ids = append(ids, resp.AlertID)
	}

	w := h.get(t, "/api/v1/alerts?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeAs[[]store.Alert](t, w)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].AlertID, "newest first")
	assert.Equal(t, ids[1], list[1].AlertID)

	bad := h.get(t, "/api/v1/alerts?limit=x")
	require.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestAnchorBatchAndVerify(t *testing.T) {
	h := newSinkHarness(t, ServiceConfig{}, stubScorer{score: 0.9})

	resp := decodeAs[Response](t, h.post(t, "/api/v1/alerts", frameburstPayload(16_777_216)))
	require.NotEmpty(t, resp.AlertID)
	h.svc.Close()

	w := h.post(t, "/api/v1/anchors/batch", struct{}{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	a := decodeAs[anchor.Anchor](t, w)
	assert.True(t, strings.HasPrefix(a.AnchorID, "ANCHOR_"), a.AnchorID)
	assert.Equal(t, 1, a.LeafCount)
	assert.Equal(t, []string{resp.AlertID}, a.AlertIDs)

	// The anchored alert is backfilled with the root.
	alert, err := h.store.GetAlert(context.Background(), resp.AlertID)
	require.NoError(t, err)
	assert.Equal(t, a.MerkleRoot, alert.AnchorRoot)

	list := h.get(t, "/api/v1/anchors")
	require.Equal(t, http.StatusOK, list.Code)
	assert.Len(t, decodeAs[[]anchor.Anchor](t, list), 1)

	verify := h.get(t, "/api/v1/anchors/" + a.AnchorID + "/verify")
	require.Equal(t, http.StatusOK, verify.Code)
	res := decodeAs[anchor.Result](t, verify)
	assert.True(t, res.OK, "body: %s", verify.Body.String())
	assert.True(t, res.SignatureOK)
	assert.Equal(t, a.MerkleRoot, res.ObservedRoot)

	// An empty queue cannot be forced into a batch.
	again := h.post(t, "/api/v1/anchors/batch", struct{}{})
	require.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, "conflict", decodeAs[apiError](t, again).Kind)
}

func TestStreamDeliversAlerts(t *testing.T) {
	h := newSinkHarness(t, ServiceConfig{}, nil)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/alerts/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		h.hub.mu.Lock()
		defer h.hub.mu.Unlock()
		return len(h.hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	ingest := decodeAs[Response](t, h.post(t, "/api/v1/alerts", clipboardPayload(250_000)))
	require.NotEmpty(t, ingest.AlertID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var a store.Alert
	require.NoError(t, json.Unmarshal(msg, &a))
	assert.Equal(t, ingest.AlertID, a.AlertID)
	assert.Equal(t, "session_10.0.0.9_52012_1709294400", a.SessionID)
}

func TestHealthzRoute(t *testing.T) {
	h := newSinkHarness(t, ServiceConfig{}, nil)
	w := h.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPayloadEventMapping(t *testing.T) {
	cases := []struct {
		heuristic string
		eventType ring.EventType
		direction ring.Direction
	}{
		{detect.HeuristicClipboard, ring.EventClipboardCopy, ring.ClientToServer},
		{detect.HeuristicFrameburst, ring.EventScreenshot, ring.ServerToClient},
		{detect.HeuristicFileTransfer, ring.EventFileTransfer, ring.ClientToServer},
	}
	for _, tc := range cases {
		t.Run(tc.heuristic, func(t *testing.T) {
			p := Payload{SessionID: "s", Timestamp: 100, Heuristic: tc.heuristic, Bytes: 2048}
			ev := p.Event()
			assert.Equal(t, tc.eventType, ev.Type)
			assert.Equal(t, tc.direction, ev.Direction)
			assert.Equal(t, uint64(2048), ev.Bytes)
		})
	}

	clip := Payload{Heuristic: detect.HeuristicClipboard, Bytes: 2048}
	assert.Equal(t, 2.0, clip.Event().SizeKB)
	xfer := Payload{Heuristic: detect.HeuristicFileTransfer, Bytes: 3 * 1024 * 1024}
	assert.Equal(t, 3.0, xfer.Event().SizeMB)
}

func TestPayloadWindowReconstruction(t *testing.T) {
	p := frameburstPayload(16_777_216)
	w := p.Window(40)
	require.Equal(t, 2, w.Len())

	samples := w.Snapshot()
	assert.Empty(t, samples[0].Type, "samples against the event direction stay untyped")
	assert.Equal(t, ring.EventScreenshot, samples[1].Type)

	// No samples at all: the window degenerates to the event itself.
	empty := Payload{SessionID: "s", Timestamp: 50, Heuristic: detect.HeuristicClipboard, Bytes: 512}
	w = empty.Window(40)
	require.Equal(t, 1, w.Len())
	assert.Equal(t, ring.EventClipboardCopy, w.Snapshot()[0].Type)
	assert.Equal(t, uint64(512), w.Snapshot()[0].Bytes)
}

func TestValidatePayloadAcceptsWirePayload(t *testing.T) {
	data, err := json.Marshal(frameburstPayload(16_777_216))
	require.NoError(t, err)
	assert.NoError(t, ValidatePayload(data))
}

func TestVerdictStreamCapturesDowngrades(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	alog, err := logging.NewAlertLog(logging.AlertLogConfig{Path: path})
	require.NoError(t, err)

	st := store.NewMemory()
	records, err := forensics.NewStore(forensics.StoreConfig{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	engine := detect.NewEngine(detect.Config{Rules: detect.DefaultRuleConfig()}, nil, nil)
	svc, err := NewService(ServiceConfig{}, ServiceDeps{
		Engine:   engine,
		Store:    st,
		Records:  records,
		AlertLog: alog,
	})
	require.NoError(t, err)

	downgraded := clipboardPayload(1024)
	_, err = svc.Ingest(context.Background(), &downgraded)
	require.NoError(t, err)
	persisted := clipboardPayload(250_000)
	_, err = svc.Ingest(context.Background(), &persisted)
	require.NoError(t, err)
	svc.Close()
	require.NoError(t, alog.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2, "every verdict lands in the stream, downgrades included")

	var first, second logEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.True(t, first.Downgraded)
	assert.Empty(t, first.AlertID)
	assert.Equal(t, ActionNoOp, first.Action)
	assert.False(t, second.Downgraded)
	assert.NotEmpty(t, second.AlertID)
	assert.Contains(t, second.Reasons[0], "Rule 1")
}
