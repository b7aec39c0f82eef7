// Package channel maintains the push channel from the control plane.
//
// Listeners hold a persistent websocket open so recording assignments
// arrive the moment a runner picks up a task, rather than on the next
// poll. The channel reconnects with backoff and invokes a resync hook
// after each successful connect so assignments pushed during a gap are
// recovered from the REST API.
package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fieldsignal/rf-range/pkg/types"
)

// Handler receives push events in the order they arrive.
type Handler func(event types.PushEvent)

// Config for the channel.
type Config struct {
	// BaseURL is the control plane base URL (http or https).
	BaseURL string

	AgentID     string
	APIKey      string
	Fingerprint string

	InsecureSkipVerify bool

	// ReconnectMin and ReconnectMax bound the backoff between dial
	// attempts.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DefaultConfig returns channel defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectMin: 1 * time.Second,
		ReconnectMax: 30 * time.Second,
	}
}

// Channel is a self-healing websocket connection to the control plane.
type Channel struct {
	config     Config
	handler    Handler
	onConnect  func(ctx context.Context)
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a channel. The handler is called for every event; onConnect
// runs after each successful dial (including the first) and may be nil.
func New(cfg Config, handler Handler, onConnect func(ctx context.Context), logger *slog.Logger) *Channel {
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = DefaultConfig().ReconnectMin
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = DefaultConfig().ReconnectMax
	}

	transport := &http.Transport{}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Channel{
		config:     cfg,
		handler:    handler,
		onConnect:  onConnect,
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "channel"),
	}
}

// Run dials the channel and redials on failure until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) {
	backoff := c.config.ReconnectMin

	for {
		start := time.Now()
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > c.config.ReconnectMax {
			// The session held for a while; start backing off from
			// scratch rather than compounding old failures.
			backoff = c.config.ReconnectMin
		}
		if err != nil {
			c.logger.Warn("channel disconnected", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.config.ReconnectMax {
			backoff = c.config.ReconnectMax
		}
	}
}

// connectAndRead holds one websocket session open until it fails.
func (c *Channel) connectAndRead(ctx context.Context) error {
	url := c.channelURL()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	ws, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{
			"Authorization":       {"Bearer " + c.config.APIKey},
			"X-Agent-ID":          {c.config.AgentID},
			"X-Agent-Fingerprint": {c.config.Fingerprint},
		},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dialing channel: %w", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "shutting down")

	c.logger.Info("channel connected")

	if c.onConnect != nil {
		c.onConnect(ctx)
	}

	for {
		var event types.PushEvent
		if err := wsjson.Read(ctx, ws, &event); err != nil {
			return fmt.Errorf("reading event: %w", err)
		}
		c.handler(event)
	}
}

// channelURL converts the REST base URL into the websocket endpoint.
func (c *Channel) channelURL() string {
	base := c.config.BaseURL
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/api/v1/agents/%s/channel", base, c.config.AgentID)
}
