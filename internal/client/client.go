// Package client implements a headless grid client used for end-to-end
// smoke testing: it connects to the coordinator's session endpoint,
// prints every frame it receives, and can impersonate a worker that
// acknowledges assigned jobs.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
)

// resetThreshold is the connection lifetime after which a reconnect
// starts from the initial backoff interval again.
const resetThreshold = 30 * time.Second

// Config controls a Client.
type Config struct {
	URL      string        // coordinator base URL, e.g. "http://localhost:3000"
	Name     string        // session name; a "Worker" prefix makes this a worker
	Ack      bool          // reply "job finished" to every received JSON-object frame
	AckDelay time.Duration // simulated compute time before the ack
	Silent   bool          // advertise silent mode on connect
}

// Client maintains a session against the coordinator, reconnecting with
// exponential backoff when the connection drops.
type Client struct {
	cfg Config
	log *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		log: slog.With("component", "client", "name", cfg.Name),
	}
}

// newDefaultBackoff creates an exponential backoff: 1s → 60s, multiplier 2x, ±20% jitter.
func newDefaultBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// Run connects and keeps the session alive until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	wsURL, err := c.sessionURL()
	if err != nil {
		return err
	}

	b := newDefaultBackoff()
	for {
		start := time.Now()
		if err := c.runOnce(ctx, wsURL); err != nil {
			c.log.Warn("session ended", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(start) > resetThreshold {
			b.Reset()
		}
		delay := b.NextBackOff()
		c.log.Info("reconnecting", "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// sessionURL converts the configured base URL into the ws endpoint.
func (c *Client) sessionURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse coordinator URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"name": []string{c.cfg.Name}}.Encode()
	return u.String(), nil
}

// runOnce runs a single connection until it drops.
func (c *Client) runOnce(ctx context.Context, wsURL string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer func() { _ = conn.CloseNow() }()

	c.log.Info("connected", "url", wsURL)

	if c.cfg.Silent {
		if err := c.sendStatusUpdate(ctx, conn); err != nil {
			return err
		}
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		text := string(data)
		fmt.Println(text)

		if c.cfg.Ack && json.Valid(data) && strings.HasPrefix(strings.TrimSpace(text), "{") {
			go c.ack(ctx, conn)
		}
	}
}

// sendStatusUpdate advertises a silent-mode policy with a fully open
// schedule, so flipping silent off over the wire re-enables the worker.
func (c *Client) sendStatusUpdate(ctx context.Context, conn *websocket.Conn) error {
	var schedule [7][24]bool
	for d := range schedule {
		for hr := range schedule[d] {
			schedule[d][hr] = true
		}
	}
	frame, err := json.Marshal(map[string]any{
		"type":        "status_update",
		"silent_mode": true,
		"schedule":    schedule,
	})
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

// ack reports job completion after the configured simulated delay.
func (c *Client) ack(ctx context.Context, conn *websocket.Conn) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.cfg.AckDelay):
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte("job finished")); err != nil {
		c.log.Warn("ack failed", "error", err)
	}
}
