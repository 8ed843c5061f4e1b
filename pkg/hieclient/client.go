// Package hieclient is the web tier's client for the HIE server. Every call
// carries the internal credential header and the caller's request id.
package hieclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5/middleware"

	"hiegate/pkg/httpx"
	"hiegate/pkg/models"
	"hiegate/pkg/telemetry"
)

const (
	DefaultAuthHeader    = "X-HIE-Auth"
	DefaultTimeout       = 10 * time.Second
	DefaultSearchTimeout = 15 * time.Second
)

// Error is a failed exchange, already mapped to the status the browser sees.
type Error struct {
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string { return fmt.Sprintf("hie %d: %s: %v", e.Status, e.Msg, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// StatusOf returns the mapped status of err, 500 when err is not an *Error.
func StatusOf(err error) (int, string) {
	var he *Error
	if errors.As(err, &he) {
		return he.Status, he.Msg
	}
	return http.StatusInternalServerError, "HIE server request failed"
}

// Reply is the HIE server's status and JSON body, passed through as is.
type Reply struct {
	Status int
	Body   json.RawMessage
}

func (r Reply) Decode(v any) error { return json.Unmarshal(r.Body, v) }

type Config struct {
	BaseURL       string
	AuthHeader    string
	AuthToken     string
	Timeout       time.Duration
	SearchTimeout time.Duration
	HTTPClient    *http.Client
}

type Client struct {
	base          string
	authHeader    string
	authToken     string
	timeout       time.Duration
	searchTimeout time.Duration
	http          *http.Client
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid HIE base url %q", cfg.BaseURL)
	}
	c := &Client{
		base:          base,
		authHeader:    cfg.AuthHeader,
		authToken:     cfg.AuthToken,
		timeout:       cfg.Timeout,
		searchTimeout: cfg.SearchTimeout,
		http:          cfg.HTTPClient,
	}
	if c.authHeader == "" {
		c.authHeader = DefaultAuthHeader
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.searchTimeout <= 0 {
		c.searchTimeout = DefaultSearchTimeout
	}
	if c.http == nil {
		c.http = telemetry.InstrumentClient(&http.Client{})
	}
	return c, nil
}

func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, payload any, retries int) (Reply, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return Reply{}, &Error{Status: http.StatusInternalServerError, Msg: "could not encode HIE request", Err: err}
		}
	}
	headers := map[string]string{}
	if c.authToken != "" {
		headers[c.authHeader] = c.authToken
	}
	if id := middleware.GetReqID(ctx); id != "" {
		headers[middleware.RequestIDHeader] = id
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, raw, err := httpx.RequestJSON(ctx, c.http, method, c.base+path, body, headers, retries, 200*time.Millisecond)
	if err != nil {
		code := httpx.UpstreamStatus(err)
		return Reply{}, &Error{Status: code, Msg: upstreamMessage(code), Err: err}
	}
	if !json.Valid(raw) {
		return Reply{}, &Error{Status: http.StatusBadGateway, Msg: "invalid response from HIE server", Err: fmt.Errorf("status %d, %d bytes", status, len(raw))}
	}
	return Reply{Status: status, Body: raw}, nil
}

func upstreamMessage(status int) string {
	switch status {
	case http.StatusGatewayTimeout:
		return "HIE server timed out"
	case http.StatusBadGateway:
		return "cannot reach HIE server"
	default:
		return "HIE server request failed"
	}
}

func (c *Client) RegisterRecord(ctx context.Context, req *models.RecordRequest) (Reply, error) {
	return c.do(ctx, http.MethodPost, "/api/medical-record", c.timeout, req, 0)
}

func (c *Client) SearchRecords(ctx context.Context, req *models.SearchRequest) (Reply, error) {
	return c.do(ctx, http.MethodPost, "/api/patient/search", c.searchTimeout, req, 0)
}

func (c *Client) Unmask(ctx context.Context, req *models.UnmaskRequest) (Reply, error) {
	return c.do(ctx, http.MethodPost, "/api/patient/unmask", c.timeout, req, 0)
}

func (c *Client) ListAuditLogs(ctx context.Context, page, limit int) (Reply, error) {
	q := url.Values{"page": {strconv.Itoa(page)}, "limit": {strconv.Itoa(limit)}}
	return c.do(ctx, http.MethodGet, "/api/admin/logs?"+q.Encode(), c.timeout, nil, 1)
}

func (c *Client) SearchAuditLogs(ctx context.Context, q *models.AuditQuery) (Reply, error) {
	return c.do(ctx, http.MethodPost, "/api/admin/logs/search", c.timeout, q, 0)
}

// Health is healthy only on a 200 from the HIE server.
// DialLogStream opens the live audit feed with the service credential.
func (c *Client) DialLogStream(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	if c.authToken != "" {
		h.Set(c.authHeader, c.authToken)
	}
	if id := middleware.GetReqID(ctx); id != "" {
		h.Set(middleware.RequestIDHeader, id)
	}
	conn, resp, err := websocket.Dial(ctx, c.base+"/api/admin/logs/stream", &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
		}
		return nil, &Error{Status: status, Msg: upstreamMessage(status), Err: err}
	}
	return conn, nil
}

func (c *Client) Health(ctx context.Context) (Reply, error) {
	return c.do(ctx, http.MethodGet, "/health", 5*time.Second, nil, 0)
}
