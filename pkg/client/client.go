// Package client is the Go SDK for the consultation relay. A Manager opens one Channel per
// namespace; a Channel survives transport loss by reconnecting with backoff, re-joining the
// sessions it had joined and flushing commands queued while it was down.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/events"
)

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 75 * time.Second
	writeTimeout     = 10 * time.Second
)

// Options configures a Manager. Zero values take the defaults noted per field.
type Options struct {
	// URL is the relay base URL, e.g. ws://localhost:8080.
	URL string
	// Credentials returns the bearer token presented on every (re)connect.
	Credentials func(ctx context.Context) (string, error)
	Dialer      *websocket.Dialer
	// BaseDelay and MaxDelay bound the reconnect backoff (1s, 30s).
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxRetries is the number of reconnect attempts before the channel gives up with
	// ErrConnectionLost (10).
	MaxRetries uint
	// OutboxSize caps frames queued while disconnected (256).
	OutboxSize int
	Logger     *zap.Logger
}

// StaticToken returns credentials that always present token.
func StaticToken(token string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return token, nil }
}

// Manager opens channels to one relay. It holds no connection state of its own, so an
// application may create as many as it needs.
type Manager struct {
	opts Options
}

// NewManager creates a connection manager.
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 10
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Credentials == nil {
		opts.Credentials = StaticToken("")
	}
	return &Manager{opts: opts}
}

// Connect opens a channel on ns. Rejected credentials fail with apperr.ErrUnauthorized.
func (m *Manager) Connect(ctx context.Context, ns events.Namespace) (*Channel, error) {
	conn, connID, err := m.dial(ctx, ns)
	if err != nil {
		return nil, err
	}
	ch := newChannel(m, ns, conn, connID)
	go ch.run(conn)
	return ch, nil
}

func (m *Manager) dial(ctx context.Context, ns events.Namespace) (*websocket.Conn, string, error) {
	token, err := m.opts.Credentials(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("credentials: %w: %v", apperr.ErrUnauthorized, err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	url := strings.TrimRight(m.opts.URL, "/") + "/ws/" + string(ns)

	conn, resp, err := m.opts.Dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, "", fmt.Errorf("connect %s: %w", ns, apperr.ErrUnauthorized)
			case http.StatusNotFound:
				return nil, "", fmt.Errorf("connect %s: %w", ns, apperr.ErrNotFound)
			}
		}
		return nil, "", fmt.Errorf("connect %s: %w: %v", ns, apperr.ErrTransportLoss, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var f events.Frame
	if err := conn.ReadJSON(&f); err != nil || f.Event != events.Connected {
		_ = conn.Close()
		return nil, "", fmt.Errorf("connect %s: %w: no connected frame", ns, apperr.ErrTransportLoss)
	}
	var p events.ConnectedPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("connect %s: %w: %v", ns, apperr.ErrTransportLoss, err)
	}
	return conn, p.ConnectionID, nil
}
