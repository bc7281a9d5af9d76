package alerts

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sentinelvnc/internal/anchor"
	"sentinelvnc/internal/forensics"
	"sentinelvnc/internal/health"
	"sentinelvnc/internal/logging"
	"sentinelvnc/internal/metrics"
	"sentinelvnc/internal/signer"
	"sentinelvnc/internal/store"
)

const (
	// maxBodyBytes caps intake bodies; a legitimate payload is a few KB.
	maxBodyBytes = 1 << 20

	// maxListLimit caps ?limit= on the read APIs.
	maxListLimit = 1000
)

// apiError is the body of every non-2xx response.
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ServerConfig holds the HTTP surface options.
type ServerConfig struct {
	// MetricsEnabled mounts /metrics.
	MetricsEnabled bool
}

// ServerDeps carries the handlers' collaborators. Service and Store are
// required; nil Anchors disables the anchor routes, nil Hub the stream.
type ServerDeps struct {
	Service  *Service
	Store    store.Store
	Records  *forensics.Store
	Anchors  *anchor.Service
	Signer   signer.Signer
	Hub      *Hub
	Health   *health.Checker
	Metrics  *metrics.Sink
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the sink HTTP API.
type Server struct {
	cfg      ServerConfig
	svc      *Service
	store    store.Store
	records  *forensics.Store
	anchors  *anchor.Service
	signer   signer.Signer
	hub      *Hub
	health   *health.Checker
	metrics  *metrics.Sink
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	router   *mux.Router
}

// NewServer builds the router and wires every route.
func NewServer(cfg ServerConfig, deps ServerDeps) (*Server, error) {
	if deps.Service == nil {
		return nil, errors.New("alerts: service is required")
	}
	if deps.Store == nil {
		return nil, errors.New("alerts: store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "sink")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewSink(prometheus.NewRegistry())
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker()
		deps.Health.SetReady(true)
	}

	s := &Server{
		cfg:      cfg,
		svc:      deps.Service,
		store:    deps.Store,
		records:  deps.Records,
		anchors:  deps.Anchors,
		signer:   deps.Signer,
		hub:      deps.Hub,
		health:   deps.Health,
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		logger:   deps.Logger,
	}
	s.routes()
	return s, nil
}

// Router exposes the configured handler, http.ListenAndServe ready.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.requestIDMiddleware, s.observeMiddleware, s.contentTypeMiddleware)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/alerts", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/contained", s.handleConfirmContained).Methods(http.MethodPost)
	api.HandleFunc("/sessions/contain", s.handleContainSession).Methods(http.MethodPost)
	api.HandleFunc("/anchors", s.handleListAnchors).Methods(http.MethodGet)
	api.HandleFunc("/anchors/batch", s.handleAnchorBatch).Methods(http.MethodPost)
	api.HandleFunc("/anchors/{id}", s.handleGetAnchor).Methods(http.MethodGet)
	api.HandleFunc("/anchors/{id}/verify", s.handleVerifyAnchor).Methods(http.MethodGet)

	r.Handle("/healthz", s.health.HealthHandler()).Methods(http.MethodGet)
	if s.cfg.MetricsEnabled && s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.router = r
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.metrics.RecordReject("body")
		writeError(w, http.StatusBadRequest, "body", "read request body")
		return
	}
	if err := ValidatePayload(body); err != nil {
		s.metrics.RecordReject("schema")
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		s.metrics.RecordReject("body")
		writeError(w, http.StatusBadRequest, "body", "malformed alert payload")
		return
	}

	resp, err := s.svc.Ingest(r.Context(), &p)
	if err != nil {
		s.logger.Error("alert intake failed",
			"request_id", logging.RequestIDFromContext(r.Context()),
			"session_id", p.SessionID,
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal", "alert intake failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	alerts, err := s.store.ListAlerts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "list alerts")
		return
	}
	if alerts == nil {
		alerts = []*store.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAlert(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "alert not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "get alert")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleConfirmContained(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.ConfirmContained(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "alert not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "confirm containment")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleContainSession(w http.ResponseWriter, r *http.Request) {
	var req ContainRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body", "malformed containment request")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "validation", "session_id is required")
		return
	}

	resp, err := s.svc.ContainSession(r.Context(), req)
	if errors.Is(err, ErrSessionUnknown) {
		writeError(w, http.StatusNotFound, "not_found", "no alerts found for session "+req.SessionID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "contain session")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListAnchors(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	anchors, err := s.store.ListAnchors(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "list anchors")
		return
	}
	if anchors == nil {
		anchors = []*anchor.Anchor{}
	}
	writeJSON(w, http.StatusOK, anchors)
}

func (s *Server) handleGetAnchor(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAnchor(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrAnchorNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "anchor not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "get anchor")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleVerifyAnchor re-derives the anchored tree from the forensic store.
// A mismatch is a finding, not a failure: the structured result always
// comes back 200.
func (s *Server) handleVerifyAnchor(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "forensic store not configured")
		return
	}
	a, err := s.store.GetAnchor(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrAnchorNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "anchor not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "get anchor")
		return
	}

	res := anchor.VerifyAnchor(a, s.records, s.signer)
	if !res.OK {
		s.logger.Warn("anchor verification mismatch",
			"anchor_id", res.AnchorID,
			"first_divergence", res.FirstDivergence,
			"missing", len(res.Missing))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnchorBatch(w http.ResponseWriter, r *http.Request) {
	if s.anchors == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "anchor service not configured")
		return
	}
	a, err := s.anchors.AnchorNow(r.Context())
	if errors.Is(err, anchor.ErrNoPendingLeaves) {
		writeError(w, http.StatusConflict, "conflict", "no pending leaves")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "anchor batch")
		return
	}
	s.metrics.AnchorPending.Set(float64(s.anchors.Pending()))
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "alert stream not configured")
		return
	}
	s.hub.Subscribe(w, r)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), reqID)))
	})
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		s.metrics.RequestSeconds.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Observe(elapsed.Seconds())
		s.logger.Debug("request handled",
			"request_id", logging.RequestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				s.metrics.RecordReject("content_type")
				writeError(w, http.StatusUnsupportedMediaType, "content_type", "expected application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for access logging. Hijack is
// forwarded so the websocket upgrade keeps working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, apiError{Kind: kind, Message: message})
}
