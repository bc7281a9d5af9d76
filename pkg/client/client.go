// Package client is the Go client for the sentinel sink API.
//
// The inline proxy embeds it to deliver alert payloads and confirm
// containment; sentinelctl embeds it for the operator surface. Every
// call takes a context and respects the configured per-call timeout.
//
//	c, err := client.New(client.Config{BaseURL: "http://127.0.0.1:9400"})
//	if err != nil {
//		return err
//	}
//	resp, err := c.PostAlert(ctx, payload)
//	if err == nil && resp.Action == client.ActionContain {
//		// quarantine the session
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the sink API root, e.g. "http://127.0.0.1:9400".
	BaseURL string

	// Timeout bounds one API call (default 5 s). The alert stream is
	// exempt; it lives until its context ends.
	Timeout time.Duration
}

// Client talks to the sink API.
type Client struct {
	cfg   Config
	httpc *http.Client
}

// New validates the configuration and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// APIError is a non-2xx reply decoded from the sink's error body.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sink: %s (%s, http %d)", e.Message, e.Kind, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the sink.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// PostAlert delivers one alert payload and returns the sink's decision.
func (c *Client) PostAlert(ctx context.Context, p *AlertPayload) (*IngestResponse, error) {
	var out IngestResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/alerts", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmContainment reports that containment was enforced for an alert.
func (c *Client) ConfirmContainment(ctx context.Context, alertID string) error {
	path := "/api/v1/alerts/" + url.PathEscape(alertID) + "/contained"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// ContainSession asks the sink to contain a session.
func (c *Client) ContainSession(ctx context.Context, sessionID, reason string) (*ContainResult, error) {
	in := map[string]string{"session_id": sessionID}
	if reason != "" {
		in["reason"] = reason
	}
	var out ContainResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/contain", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAlerts returns the newest alerts, at most limit (0 means the sink
// default).
func (c *Client) ListAlerts(ctx context.Context, limit int) ([]Alert, error) {
	var out []Alert
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts"+limitQuery(limit), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAlert fetches one alert by id.
func (c *Client) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	var out Alert
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts/"+url.PathEscape(alertID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAnchors returns the newest anchors, at most limit.
func (c *Client) ListAnchors(ctx context.Context, limit int) ([]Anchor, error) {
	var out []Anchor
	if err := c.do(ctx, http.MethodGet, "/api/v1/anchors"+limitQuery(limit), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAnchor fetches one anchor by id.
func (c *Client) GetAnchor(ctx context.Context, anchorID string) (*Anchor, error) {
	var out Anchor
	if err := c.do(ctx, http.MethodGet, "/api/v1/anchors/"+url.PathEscape(anchorID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyAnchor asks the sink to re-derive one anchor from its forensic
// records. A mismatch is reported in the result, not as an error.
func (c *Client) VerifyAnchor(ctx context.Context, anchorID string) (*VerifyResult, error) {
	var out VerifyResult
	path := "/api/v1/anchors/" + url.PathEscape(anchorID) + "/verify"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnchorNow forces an anchor batch. The sink answers 409 when nothing is
// pending; that surfaces as an APIError with kind "conflict".
func (c *Client) AnchorNow(ctx context.Context) (*Anchor, error) {
	var out Anchor
	if err := c.do(ctx, http.MethodPost, "/api/v1/anchors/batch", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Healthz fetches the daemon health summary.
func (c *Client) Healthz(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/healthz?full=true", nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: GET /healthz: %w", err)
	}
	defer resp.Body.Close()

	// An unhealthy daemon answers 503 with the same body; the component
	// breakdown is the answer, not an error.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeAPIError(resp)
	}
	var out Health
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("client: decode response: %w", err)
	}
	return &out, nil
}

// TailAlerts subscribes to the live alert feed and calls fn for every
// delivered alert until the context ends or fn returns an error.
func (c *Client) TailAlerts(ctx context.Context, fn func(Alert) error) error {
	wsURL, err := c.streamURL()
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("client: dial alert stream: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Closing the connection is the only way to unblock ReadMessage
	// when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client: alert stream closed: %w", err)
		}
		var a Alert
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("client: decode stream alert: %w", err)
		}
		if err := fn(a); err != nil {
			return err
		}
	}
}

func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("client: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/alerts/stream"
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Kind: "unknown"}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil {
		var body struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &body) == nil && body.Kind != "" {
			apiErr.Kind = body.Kind
			apiErr.Message = body.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
