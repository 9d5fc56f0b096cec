package convai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"convai-relay/internal/domain"
	"convai-relay/internal/integrations/paramstore"
)

const (
	defaultBaseURL          = "wss://api.elevenlabs.io"
	defaultHandshakeTimeout = 10 * time.Second
	conversationPath        = "/v1/convai/conversation"
	apiKeyHeader            = "xi-api-key"
)

// tokenPayload is the expected JSON shape stored in SSM for the API key.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HandshakeError captures a rejected WebSocket upgrade.
type HandshakeError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("convai: handshake rejected with status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HandshakeError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client opens conversational sessions. Every call to Open dials a fresh
// connection; sessions are never pooled.
type Client struct {
	baseURL          string
	dialer           *websocket.Dialer
	handshakeTimeout time.Duration
	logger           *slog.Logger
	getter           Getter
	paramPrefix      string
	staticKey        string

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithDialer replaces the default dialer. A nil dialer keeps the default.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithHandshakeTimeout bounds the WebSocket upgrade. It is applied after all
// options, so it holds whichever dialer ends up in use.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithAPIKey sets a fixed credential and skips the parameter store.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.staticKey = strings.TrimSpace(key)
	}
}

// WithParamStore resolves the credential from <prefix>/elevenlabs-api-key on
// first use.
func WithParamStore(g Getter, prefix string) Option {
	return func(c *Client) {
		c.getter = g
		c.paramPrefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a session opener. A credential source must be supplied
// through WithAPIKey or WithParamStore; its absence surfaces as
// domain.ErrCredentialMissing on Open rather than here, so the process can still
// serve health checks.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.handshakeTimeout > 0 {
		c.dialer.HandshakeTimeout = c.handshakeTimeout
	}
	return c
}

// Open dials a new session for agentID and writes the initiation frame before
// returning. Failures at either step are reported before any content frame
// is sent.
func (c *Client) Open(ctx context.Context, agentID string, ov domain.SessionOverrides) (domain.Session, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("convai: agent id must not be empty")
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	target := conversationURL(c.baseURL, agentID)
	header := http.Header{}
	header.Set(apiKeyHeader, apiKey)

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &HandshakeError{StatusCode: resp.StatusCode, URL: redact(target), Body: string(buf)}
		}
		return nil, fmt.Errorf("convai: dial: %w", err)
	}

	sess := newSession(conn, c.logger.With("agent_id", agentID))
	if err := sess.writeJSON(newInitiationFrame(ov)); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("convai: send initiation: %w", err)
	}
	return sess, nil
}

// resolveAPIKey returns the static key, or fetches it from the parameter
// store. Only successful lookups are cached so a credential added after
// start-up is picked up on the next call.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	if c.staticKey != "" {
		return c.staticKey, nil
	}
	if c.getter == nil || c.paramPrefix == "" {
		return "", domain.ErrCredentialMissing
	}

	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return "", err
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/elevenlabs-api-key"
}

func conversationURL(baseURL, agentID string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + conversationPath + "?agent_id=" + url.QueryEscape(agentID)
}

func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	u.RawQuery = ""
	return u.String()
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		if errors.Is(err, paramstore.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", domain.ErrCredentialMissing, err)
		}
		return "", fmt.Errorf("convai: fetch api key from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("convai: unmarshal paramstore api key value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", fmt.Errorf("%w: token is empty", domain.ErrCredentialMissing)
	}
	return tp.Token, nil
}
