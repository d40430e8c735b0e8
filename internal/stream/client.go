package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/operation"
	"github.com/JakeFAU/procurement-enricher/internal/progress"
)

// ErrReconnectExhausted is returned once the client has used up its
// reconnect budget without seeing a terminal event.
var ErrReconnectExhausted = errors.New("stream reconnect attempts exhausted")

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 500 * time.Millisecond
	defaultMaxBackoff  = 15 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. http://localhost:8080.
	BaseURL string
	APIKey  string
	// MaxAttempts bounds consecutive reconnects that make no progress.
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	// Fetcher re-reads the snapshot on every (re)connect. Defaults to an
	// HTTPFetcher against BaseURL.
	Fetcher Fetcher
	Dialer  *websocket.Dialer
	Logger  *zap.Logger
}

// Client follows one operation's event stream across disconnects.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger
}

// NewClient constructs a Client with defaults applied.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.Backoff)
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = HTTPFetcher{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger.Named("stream_client")}
}

// Follow delivers the operation's events to onEvent until a terminal state
// is observed and returns the final snapshot. Every (re)connect starts by
// re-reading the snapshot, which onEvent receives as a progress_update (or
// terminal) event since missed events are not replayed. An error from
// onEvent stops the client and is returned as is.
func (c *Client) Follow(ctx context.Context, id string, onEvent func(progress.Event) error) (operation.Operation, error) {
	var lastErr error
	failures := 0
	for {
		snap, err := c.cfg.Fetcher.Fetch(ctx, id)
		switch {
		case errors.Is(err, operation.ErrNotFound):
			return operation.Operation{}, err
		case err != nil:
			if ctx.Err() != nil {
				return operation.Operation{}, ctx.Err()
			}
			lastErr = err
		default:
			if err := onEvent(operation.SnapshotEvent(snap, snap.UpdatedAt)); err != nil {
				return snap, err
			}
			if snap.Status.Terminal() {
				return snap, nil
			}
			res := c.session(ctx, id, onEvent)
			if res.final != nil {
				return c.settle(ctx, id, *res.final)
			}
			if res.callbackErr != nil {
				return snap, res.callbackErr
			}
			if ctx.Err() != nil {
				return snap, ctx.Err()
			}
			if res.progressed {
				failures = 0
			}
			lastErr = res.err
		}

		failures++
		if failures > c.cfg.MaxAttempts {
			return operation.Operation{}, fmt.Errorf("%w: operation %s after %d attempts: %w",
				ErrReconnectExhausted, id, c.cfg.MaxAttempts, lastErr)
		}
		wait := c.backoff(failures)
		c.logger.Debug("stream disconnected, reconnecting",
			zap.String("operation_id", id),
			zap.Int("attempt", failures),
			zap.Duration("backoff", wait),
			zap.Error(lastErr),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return operation.Operation{}, ctx.Err()
		case <-timer.C:
		}
	}
}

type sessionResult struct {
	// progressed is set once a live event beyond the handshake arrived.
	progressed  bool
	final       *progress.Event
	callbackErr error
	err         error
}

// session runs one connection until it drops or ends with a terminal event.
func (c *Client) session(ctx context.Context, id string, onEvent func(progress.Event) error) sessionResult {
	endpoint, err := c.streamURL(id)
	if err != nil {
		return sessionResult{err: err}
	}
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("X-API-Key", c.cfg.APIKey)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return sessionResult{err: fmt.Errorf("dial stream: %w", err)}
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var res sessionResult
	// The server opens with connection_established and a snapshot; only
	// what follows counts as progress.
	handshake := 2
	for {
		var evt progress.Event
		if err := conn.ReadJSON(&evt); err != nil {
			res.err = fmt.Errorf("read stream: %w", err)
			return res
		}
		if handshake > 0 {
			handshake--
			if evt.Type == progress.TypeConnectionEstablished {
				continue
			}
		} else {
			res.progressed = true
		}
		if err := onEvent(evt); err != nil {
			res.callbackErr = err
			return res
		}
		if evt.Terminal() {
			res.final = &evt
			return res
		}
	}
}

// settle reads the snapshot after a terminal event so callers get details.
func (c *Client) settle(ctx context.Context, id string, final progress.Event) (operation.Operation, error) {
	snap, err := c.cfg.Fetcher.Fetch(ctx, id)
	if err == nil && snap.Status.Terminal() {
		return snap, nil
	}
	status := operation.StatusCompleted
	if final.Type == progress.TypeSessionError {
		status = operation.StatusFailed
	}
	return operation.Operation{
		ID:              final.OperationID,
		Kind:            final.Kind,
		Status:          status,
		StepCurrent:     final.Step,
		StepTotal:       final.Total,
		Percentage:      final.Percentage,
		CurrentMessage:  final.Message,
		CredentialAlias: final.CredentialAlias,
		Counts:          final.Counts,
		Error:           final.Error,
		Remediation:     final.Remediation,
		UpdatedAt:       final.TS,
	}, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	wait := c.cfg.Backoff
	for i := 1; i < attempt && wait < c.cfg.MaxBackoff; i++ {
		wait *= 2
	}
	return min(wait, c.cfg.MaxBackoff)
}

func (c *Client) streamURL(id string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/operations/" + url.PathEscape(id) + "/stream"
	return u.String(), nil
}
