// Package pollclient talks to the sync server over plain HTTP. It serves the
// fallback path (poll and push) and state recovery after a reconnect.
package pollclient

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
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tbourn/go-party-sync/internal/domain"
)

// HeaderIdempotencyKey carries the event id on push so retried pushes are
// answered from the server's idempotency table.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderActorID names the publishing actor.
const HeaderActorID = "X-Actor-ID"

// HeaderScopeID names the scope of a pushed event.
const HeaderScopeID = "X-Scope-ID"

// APIError is a non-2xx response decoded from the server error envelope.
type APIError struct {
	Status    int    `json:"-"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

// Snapshot is the authoritative scope state returned by the server.
type Snapshot struct {
	ScopeID   string          `json:"scopeId"`
	Version   int64           `json:"version"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// StateFunc applies a recovered snapshot locally.
type StateFunc func(ctx context.Context, s Snapshot) error

type pollResponse struct {
	Events []domain.Event `json:"events"`
}

// Config configures a Client.
type Config struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	PollLimit int           `yaml:"poll_limit"`
	ActorID   string        `yaml:"actor_id"`
}

// Client implements fallback.Poller, fallback.Pusher and reconnect.Recoverer.
type Client struct {
	base    *url.URL
	cfg     Config
	http    *http.Client
	log     zerolog.Logger
	onState StateFunc

	mu       sync.Mutex
	snapshot *Snapshot
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLogger overrides the component logger.
func WithLogger(lg zerolog.Logger) Option { return func(c *Client) { c.log = lg } }

// WithStateFunc sets the hook invoked with every recovered snapshot.
func WithStateFunc(f StateFunc) Option { return func(c *Client) { c.onState = f } }

// New parses cfg.BaseURL and builds a client whose transport is traced with
// otelhttp.
func New(cfg Config, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		base: u,
		cfg:  cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: log.With().Str("component", "pollclient").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Poll fetches events for scopeID newer than since (unix millis).
func (c *Client) Poll(ctx context.Context, scopeID string, since int64) ([]domain.Event, error) {
	q := url.Values{}
	q.Set("scopeId", scopeID)
	q.Set("since", strconv.FormatInt(since, 10))
	if c.cfg.PollLimit > 0 {
		q.Set("limit", strconv.Itoa(c.cfg.PollLimit))
	}
	var out pollResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint("/api/v1/events/poll", q), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("poll %s: %w", scopeID, err)
	}
	return out.Events, nil
}

// Push publishes evt through the server instead of the relay.
func (c *Client) Push(ctx context.Context, evt domain.Event) error {
	body, err := evt.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.ID, err)
	}
	h := http.Header{}
	h.Set(HeaderIdempotencyKey, evt.ID)
	h.Set(HeaderScopeID, evt.ScopeID)
	actor := evt.ActorID
	if actor == "" {
		actor = c.cfg.ActorID
	}
	if actor != "" {
		h.Set(HeaderActorID, actor)
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("/api/v1/events", nil), h, body, nil); err != nil {
		return fmt.Errorf("push %s: %w", evt.ID, err)
	}
	return nil
}

// State fetches the authoritative snapshot for scopeID.
func (c *Client) State(ctx context.Context, scopeID string) (Snapshot, error) {
	var s Snapshot
	path := "/api/v1/scopes/" + url.PathEscape(scopeID) + "/state"
	if err := c.do(ctx, http.MethodGet, c.endpoint(path, nil), nil, nil, &s); err != nil {
		return s, fmt.Errorf("state %s: %w", scopeID, err)
	}
	return s, nil
}

// Recover refetches the scope snapshot and hands it to the state hook. A
// scope the server has never seen is not an error.
func (c *Client) Recover(ctx context.Context, scopeID string) error {
	s, err := c.State(ctx, scopeID)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		c.log.Debug().Str("scope_id", scopeID).Msg("no server state to recover")
		return nil
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.snapshot = &s
	c.mu.Unlock()
	c.log.Info().Str("scope_id", scopeID).Int64("version", s.Version).Msg("scope state recovered")
	if c.onState != nil {
		return c.onState(ctx, s)
	}
	return nil
}

// LastSnapshot returns the most recently recovered snapshot, if any.
func (c *Client) LastSnapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return Snapshot{}, false
	}
	return *c.snapshot, true
}

func (c *Client) do(ctx context.Context, method, target string, h http.Header, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	for k, v := range h {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
