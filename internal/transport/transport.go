// Package transport issues HTTP calls against one backend service, attaching
// the session's bearer token and recovering once from an expired token.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ticket-client/internal/status"
	"ticket-client/monitoring"
	"ticket-client/utils"
)

const maxBodySize = 1 << 20

// errUpstream marks a 5xx so the breaker counts it as a failure.
var errUpstream = errors.New("upstream 5xx")

// TokenSource is the session side of the refresh protocol.
type TokenSource interface {
	// AccessToken returns the current access token, or "" when none is held.
	AccessToken() string

	// RefreshFrom is called after the server rejected the token rejected. It
	// returns a usable access token, refreshing at most once across all
	// concurrent callers.
	RefreshFrom(ctx context.Context, rejected string) (string, error)

	// Expire drops the session after a refreshed token was rejected too.
	Expire(ctx context.Context, cause error)
}

type Request struct {
	Method string
	Path   string
	Body   any

	// Authenticated requests carry the session token and take part in the
	// refresh-and-retry cycle.
	Authenticated bool

	// Token sends this bearer token instead of the session's and disables
	// refresh. Used to validate a token before it is committed.
	Token string
}

type Response struct {
	StatusCode int
	Body       []byte
}

type envelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Decode decodes the "data" member of the service envelope into v. A null
// data member leaves v untouched.
func (r *Response) Decode(v any) error {
	var env envelope
	if err := json.Unmarshal(r.Body, &env); err != nil {
		return fmt.Errorf("Decode: envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("Decode: response has no data")
	}
	if string(env.Data) == "null" {
		// Empty lists come back as null.
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("Decode: data: %w", err)
	}
	return nil
}

// DecodeRaw decodes the whole body into v, for endpoints that answer with
// top-level fields instead of an envelope.
func (r *Response) DecodeRaw(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("DecodeRaw: %w", err)
	}
	return nil
}

func (r *Response) serverError() *status.ServerError {
	var env envelope
	msg := ""
	if err := json.Unmarshal(r.Body, &env); err == nil {
		msg = env.Error
		if msg == "" {
			msg = env.Message
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(r.Body))
		if len(msg) > 512 {
			msg = msg[:512]
		}
	}
	if msg == "" {
		msg = http.StatusText(r.StatusCode)
	}
	return &status.ServerError{Status: r.StatusCode, Message: msg}
}

type Client struct {
	// service names the backend in logs and metrics.
	service string

	// baseURL is the service root, without trailing slash.
	baseURL string

	// hc is the http client.
	hc *http.Client

	breaker *utils.CircuitBreaker
	monitor *monitoring.Monitor
	logger  *zap.Logger

	// mu guards tokens.
	mu     sync.RWMutex
	tokens TokenSource
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func WithBreaker(cb *utils.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

func WithMonitor(m *monitoring.Monitor) Option {
	return func(c *Client) { c.monitor = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// New creates a client for the service rooted at baseURL.
func New(service, baseURL string, opts ...Option) *Client {
	c := &Client{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		hc: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = utils.NewCircuitBreaker(service)
	}
	return c
}

// UseTokens binds the session after construction; the session itself needs
// a transport to reach the identity service.
func (c *Client) UseTokens(ts TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

func (c *Client) tokenSource() TokenSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

func (c *Client) Service() string { return c.service }

// Do performs req. A 401 on an authenticated request triggers one refresh
// through the TokenSource and exactly one retry with the refreshed token.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	op := req.Method + " " + req.Path
	ts := c.tokenSource()
	refreshable := req.Authenticated && req.Token == "" && ts != nil

	token := req.Token
	if refreshable {
		token = ts.AccessToken()
	}

	resp, err := c.send(ctx, req, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && refreshable {
		c.logger.Debug("access token rejected, refreshing",
			zap.String("service", c.service), zap.String("op", op))

		fresh, err := ts.RefreshFrom(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: refresh: %w", op, ctx.Err())
			}
			if errors.Is(err, status.ErrAuthExpired) {
				return nil, fmt.Errorf("%s: refresh: %w", op, err)
			}
			return nil, fmt.Errorf("%s: refresh: %w: %v", op, status.ErrAuthExpired, err)
		}

		resp, err = c.send(ctx, req, fresh)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			ts.Expire(ctx, resp.serverError())
			return nil, fmt.Errorf("%s: retry: %w", op, status.ErrAuthExpired)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: %w", op, resp.serverError())
	}
	return resp, nil
}

// send makes a single HTTP round trip through the breaker.
func (c *Client) send(ctx context.Context, req Request, token string) (*Response, error) {
	op := req.Method + " " + req.Path
	start := time.Now()

	var bodyReader io.Reader
	if req.Body != nil {
		body, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%s: http.NewRequest: %w", op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	var resp *Response
	var cancelled error
	_, err = c.breaker.Execute(ctx, func() (interface{}, error) {
		r, err := c.hc.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				// The caller gave up; the service is not at fault.
				cancelled = err
				return nil, nil
			}
			return nil, err
		}
		defer r.Body.Close()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			return nil, err
		}
		resp = &Response{StatusCode: r.StatusCode, Body: body}
		if r.StatusCode >= 500 {
			return nil, errUpstream
		}
		return nil, nil
	})

	if cancelled != nil {
		err = cancelled
	}
	if resp == nil {
		c.monitor.TrackRequest(c.service, req.Method, "network", time.Since(start))
		c.logger.Warn("request failed",
			zap.String("service", c.service), zap.String("op", op), zap.Error(err))
		return nil, &status.NetworkError{Op: op, Err: err}
	}

	c.monitor.TrackRequest(c.service, req.Method, outcome(resp.StatusCode), time.Since(start))
	return resp, nil
}

func outcome(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return "unauthorized"
	case code >= 500:
		return "server_error"
	case code >= 400:
		return "client_error"
	default:
		return "ok"
	}
}
