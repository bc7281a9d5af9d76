package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinelvnc/internal/anchor"
	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/forensics"
	"sentinelvnc/internal/ids"
	"sentinelvnc/internal/logging"
	"sentinelvnc/internal/metrics"
	"sentinelvnc/internal/store"
)

// ErrSessionUnknown is returned when containment names a session with no
// recorded alerts and no proxy confirmation.
var ErrSessionUnknown = errors.New("alerts: unknown session")

// ServiceConfig holds the intake pipeline knobs.
type ServiceConfig struct {
	// WindowCapacity sizes the ring rebuilt from payload samples.
	WindowCapacity int

	// AutoContain answers "contain" for every persisted alert regardless
	// of severity.
	AutoContain bool

	// ProxyControlURL is the proxy control channel base URL. Empty
	// disables forwarding of operator containment requests.
	ProxyControlURL string

	// ContainTimeout bounds one containment forward to the proxy.
	ContainTimeout time.Duration
}

// ServiceDeps carries the collaborators the pipeline composes. Engine,
// Store and Records are required; everything else degrades gracefully
// when nil.
type ServiceDeps struct {
	Engine   *detect.Engine
	Store    store.Store
	Records  *forensics.Store
	Anchors  *anchor.Service
	Hub      *Hub
	AlertLog *logging.AlertLog
	Metrics  *metrics.Sink
	Logger   *slog.Logger
}

// Service runs the sink side of the alert lifecycle: re-evaluate the
// proxy's verdict, persist what holds up, seal the forensic record, hand
// the hash to the anchor queue and decide the containment action.
type Service struct {
	cfg      ServiceConfig
	engine   *detect.Engine
	store    store.Store
	records  *forensics.Store
	anchors  *anchor.Service
	hub      *Hub
	alertLog *logging.AlertLog
	metrics  *metrics.Sink
	logger   *slog.Logger
	alloc    *ids.Allocator
	httpc    *http.Client

	wg sync.WaitGroup
}

// NewService wires the intake pipeline.
func NewService(cfg ServiceConfig, deps ServiceDeps) (*Service, error) {
	if deps.Engine == nil {
		return nil, errors.New("alerts: detection engine is required")
	}
	if deps.Store == nil {
		return nil, errors.New("alerts: alert store is required")
	}
	if deps.Records == nil {
		return nil, errors.New("alerts: forensic store is required")
	}
	if cfg.WindowCapacity <= 0 {
		cfg.WindowCapacity = 2 * PayloadSampleSpan
	}
	if cfg.ContainTimeout <= 0 {
		cfg.ContainTimeout = 5 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "sink")
	}
	if deps.Metrics == nil {
		// A private registry keeps call sites unguarded without
		// polluting the default one.
		deps.Metrics = metrics.NewSink(prometheus.NewRegistry())
	}
	return &Service{
		cfg:      cfg,
		engine:   deps.Engine,
		store:    deps.Store,
		records:  deps.Records,
		anchors:  deps.Anchors,
		hub:      deps.Hub,
		alertLog: deps.AlertLog,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		alloc:    ids.NewAllocator("ALERT"),
		httpc:    &http.Client{},
	}, nil
}

// Close waits for in-flight background forensic writes.
func (s *Service) Close() {
	s.wg.Wait()
}

// logEntry is one line of the append-only verdict stream.
type logEntry struct {
	Time       string   `json:"time"`
	AlertID    string   `json:"alert_id,omitempty"`
	SessionID  string   `json:"session_id"`
	ClientIP   string   `json:"client_ip,omitempty"`
	Heuristic  string   `json:"heuristic"`
	Action     string   `json:"action"`
	Severity   string   `json:"severity"`
	MLScore    float64  `json:"ml_score"`
	Downgraded bool     `json:"downgraded,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Ingest re-evaluates one proxy alert payload and, when the verdict
// holds, persists the alert and seals its forensic record. The forensic
// hash is computed before any IO, so the response carries it even while
// the record write is still retrying in the background.
//
// A payload whose re-evaluation comes back clean is downgraded: nothing
// is persisted and the reply is a no-op with an empty alert id. Every
// outcome, downgrades included, lands in the verdict stream.
func (s *Service) Ingest(ctx context.Context, p *Payload) (*Response, error) {
	ev := p.Event()
	w := p.Window(s.cfg.WindowCapacity)

	verdict, _ := s.engine.Evaluate(ev, w)
	now := time.Now()

	if !verdict.IsAlert {
		s.metrics.Downgrades.Inc()
		s.logVerdict(logEntry{
			Time:       now.UTC().Format(time.RFC3339Nano),
			SessionID:  p.SessionID,
			ClientIP:   p.ClientIP,
			Heuristic:  p.Heuristic,
			Action:     ActionNoOp,
			Severity:   string(verdict.Severity),
			MLScore:    verdict.MLScore,
			Downgraded: true,
		})
		s.logger.Info("alert downgraded on re-evaluation",
			"session_id", p.SessionID,
			"heuristic", p.Heuristic,
			"ml_score", verdict.MLScore)
		return &Response{Action: ActionNoOp, Severity: verdict.Severity}, nil
	}

	alertID := s.alloc.Next(now)
	rec, err := forensics.NewRecord(alertID, ev, verdict, float64(now.UnixNano())/1e9)
	if err != nil {
		return nil, fmt.Errorf("seal forensic record: %w", err)
	}

	a := &store.Alert{
		AlertID:          alertID,
		SessionID:        p.SessionID,
		ClientIP:         p.ClientIP,
		UpstreamIP:       p.UpstreamIP,
		Event:            ev,
		DetectionMethods: verdict.DetectionMethods,
		Severity:         verdict.Severity,
		MLScore:          verdict.MLScore,
		RuleReasons:      verdict.Reasons,
		Status:           store.StatusOpen,
		ForensicHash:     rec.Hash,
		CreatedAt:        now.UTC(),
	}
	if err := s.store.SaveAlert(ctx, a); err != nil {
		s.metrics.RecordReject("store")
		return nil, fmt.Errorf("persist alert: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeForensic(rec)
	}()

	action := ActionNoOp
	if s.cfg.AutoContain || verdict.Severity.Rank() >= detect.SeverityHigh.Rank() {
		action = ActionContain
	}

	s.metrics.RecordIngest(string(verdict.Severity), verdict.MLScore)
	s.logVerdict(logEntry{
		Time:      now.UTC().Format(time.RFC3339Nano),
		AlertID:   alertID,
		SessionID: p.SessionID,
		ClientIP:  p.ClientIP,
		Heuristic: p.Heuristic,
		Action:    action,
		Severity:  string(verdict.Severity),
		MLScore:   verdict.MLScore,
		Reasons:   verdict.Reasons,
	})
	s.broadcast(a)
	s.logger.Info("alert recorded",
		"alert_id", alertID,
		"session_id", p.SessionID,
		"severity", verdict.Severity,
		"action", action,
		"heuristic", p.Heuristic,
		"ml_score", verdict.MLScore)

	return &Response{
		Action:       action,
		AlertID:      alertID,
		Severity:     verdict.Severity,
		ForensicHash: rec.Hash,
	}, nil
}

// writeForensic persists the sealed record and queues its hash for
// anchoring. The store retries internally; a final failure is surfaced
// through metrics and the log, never to the proxy.
func (s *Service) writeForensic(rec *forensics.Record) {
	_, err := s.records.Write(context.Background(), rec)
	s.metrics.RecordForensicWrite(err)
	if err != nil {
		s.logger.Error("forensic write failed",
			"alert_id", rec.AlertID,
			"error", err)
		return
	}
	if s.anchors != nil {
		s.anchors.Enqueue(rec.Hash, rec.AlertID)
		s.metrics.AnchorPending.Set(float64(s.anchors.Pending()))
	}
}

// ContainSession marks every alert of a session contained and, when a
// proxy control channel is configured, asks the proxy to quarantine the
// live session first. It returns ErrSessionUnknown when the session has
// no recorded alerts and no proxy acknowledged the containment.
func (s *Service) ContainSession(ctx context.Context, req ContainRequest) (*ContainResponse, error) {
	proxied := false
	if s.cfg.ProxyControlURL != "" {
		err := s.forwardContain(ctx, req)
		s.metrics.RecordContainment(err)
		if err != nil {
			s.logger.Warn("proxy containment forward failed",
				"session_id", req.SessionID,
				"error", err)
		}
		proxied = err == nil
	}

	n, err := s.store.MarkSessionContained(ctx, req.SessionID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("mark session contained: %w", err)
	}
	if n == 0 && !proxied {
		return nil, ErrSessionUnknown
	}

	msg := fmt.Sprintf("all alerts for session %s marked as contained", req.SessionID)
	if n == 0 {
		msg = "session contained at proxy; no recorded alerts"
	}
	s.logger.Info("session contained",
		"session_id", req.SessionID,
		"alerts_updated", n,
		"proxied", proxied,
		"reason", req.Reason)

	return &ContainResponse{Success: true, SessionID: req.SessionID, Message: msg}, nil
}

// ConfirmContained records that the proxy enforced containment for one
// alert and returns the updated row.
func (s *Service) ConfirmContained(ctx context.Context, alertID string) (*store.Alert, error) {
	if err := s.store.MarkContained(ctx, alertID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return s.store.GetAlert(ctx, alertID)
}

func (s *Service) forwardContain(ctx context.Context, req ContainRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode containment request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ContainTimeout)
	defer cancel()

	url := strings.TrimRight(s.cfg.ProxyControlURL, "/") + "/control/v1/contain"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build containment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post containment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("proxy control returned %s", resp.Status)
	}
	var cr ContainResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("decode proxy reply: %w", err)
	}
	if !cr.Success {
		return fmt.Errorf("proxy declined containment: %s", cr.Message)
	}
	return nil
}

func (s *Service) logVerdict(e logEntry) {
	if err := s.alertLog.Append(e); err != nil {
		s.logger.Warn("alert log append failed", "error", err)
	}
}

func (s *Service) broadcast(a *store.Alert) {
	if s.hub == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		s.logger.Warn("alert broadcast encode failed", "error", err)
		return
	}
	s.hub.Broadcast(data)
}
