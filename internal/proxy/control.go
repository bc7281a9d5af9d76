package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sentinelvnc/pkg/client"
)

// maxControlBody bounds containment request bodies.
const maxControlBody = 1 << 16

// containRequest is the control-channel containment request body.
type containRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// apiError is the error body shared with the sink API.
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// controlRoutes builds the control-channel router. The listener is meant
// to stay on loopback; there is no authentication layer here.
func (p *Proxy) controlRoutes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/control/v1/contain", p.handleContain).Methods(http.MethodPost)
	r.HandleFunc("/control/v1/sessions", p.handleSessions).Methods(http.MethodGet)
	r.Handle("/healthz", p.health.HealthHandler()).Methods(http.MethodGet)
	if p.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// handleContain answers POST /control/v1/contain. Containment is
// idempotent on the wire: a repeat request succeeds with a message noting
// the session was already contained.
func (p *Proxy) handleContain(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req containRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body", "malformed containment request")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "validation", "session_id is required")
		return
	}

	err := p.ContainSession(req.SessionID, req.Reason)
	switch {
	case errors.Is(err, ErrSessionUnknown):
		writeError(w, http.StatusNotFound, "not_found", "session "+req.SessionID+" not found")
	case errors.Is(err, ErrAlreadyContained):
		writeJSON(w, http.StatusOK, client.ContainResult{
			Success:   true,
			SessionID: req.SessionID,
			Message:   "session already contained",
		})
	default:
		writeJSON(w, http.StatusOK, client.ContainResult{
			Success:   true,
			SessionID: req.SessionID,
			Message:   "session contained",
		})
	}
}

// handleSessions answers GET /control/v1/sessions with the live snapshot.
func (p *Proxy) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.Snapshots())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, apiError{Kind: kind, Message: message})
}
