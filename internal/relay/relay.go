// internal/relay/relay.go
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/biglietteria/sigillo-bridge/internal/config"
	"github.com/biglietteria/sigillo-bridge/internal/logbuf"
	"github.com/biglietteria/sigillo-bridge/internal/seal"
	"github.com/biglietteria/sigillo-bridge/internal/session"
)

// ConnState is the relay connection state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// errAuthRejected marks a terminal auth failure: no retry until the relay
// is reconfigured.
var errAuthRejected = errors.New("relay: authentication rejected")

// Bridge is the exact contract the relay uses against the bridge session.
type Bridge interface {
	RequestSeal(ctx context.Context, req seal.Request) (seal.Result, error)
	Status() session.StatusSnapshot
	SubscribeStatus(buffer int) (<-chan session.StatusSnapshot, func())
}

// Options tune timing; zero values get production defaults.
type Options struct {
	BackoffBase      time.Duration // first retry delay (default 1s)
	BackoffMax       time.Duration // retry delay cap (default 30s)
	HandshakeTimeout time.Duration // dial + auth deadline (default 10s)
	SealTimeout      time.Duration // per inbound seal request (default 30s)
}

func (o *Options) fill() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.SealTimeout <= 0 {
		o.SealTimeout = 30 * time.Second
	}
}

// Client maintains the persistent connection to the remote platform:
// it forwards status broadcasts and log entries upstream and carries remote
// seal requests into the bridge session. It runs independently of the
// session; a dead relay never blocks hardware operations.
type Client struct {
	bridge Bridge
	logs   *logbuf.Buffer
	logger *slog.Logger
	opts   Options

	// lifecycleMu serializes Apply/Disconnect, so a reconfiguration can
	// never leak a run loop started by a concurrent one.
	lifecycleMu sync.Mutex

	mu     sync.Mutex
	state  ConnState
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a disconnected relay client. logger nil means slog.Default().
func New(bridge Bridge, logs *logbuf.Buffer, opts Options, logger *slog.Logger) *Client {
	opts.fill()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		bridge: bridge,
		logs:   logs,
		logger: logger.With("component", "relay"),
		opts:   opts,
		state:  Disconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Apply replaces the relay configuration. Any existing connection attempt is
// canceled first, including mid-backoff. enabled=false holds Disconnected.
// Concurrent Apply/Disconnect calls are serialized.
func (c *Client) Apply(cfg config.RelayConfig) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.stopRunLoop()
	if !cfg.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(ctx, cfg)
	}()
}

// Disconnect cancels the connection lifecycle and holds Disconnected until
// the next Apply.
func (c *Client) Disconnect() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.stopRunLoop()
}

// stopRunLoop cancels the current run loop, if any, and waits for it to exit.
// Caller holds lifecycleMu.
func (c *Client) stopRunLoop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setState(Disconnected)
}

// run is the reconnect loop: Connecting -> Connected -> Reconnecting, with
// exponential backoff capped at BackoffMax and reset after every successful
// connection.
func (c *Client) run(ctx context.Context, cfg config.RelayConfig) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BackoffBase
	bo.Multiplier = 2
	bo.MaxInterval = c.opts.BackoffMax
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		c.setState(Connecting)

		err := c.serve(ctx, cfg, bo.Reset)

		if ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}
		if errors.Is(err, errAuthRejected) {
			c.logger.Error("relay auth rejected, reconfiguration required")
			c.setState(Disconnected)
			return
		}

		c.setState(Reconnecting)
		wait := bo.NextBackOff()
		c.logger.Warn("relay connection lost", "error", err, "retry_in", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			c.setState(Disconnected)
			return
		}
	}
}

// serve runs one connection: dial, authenticate, pump outbound, read inbound.
// Returns when the connection dies or ctx is canceled.
func (c *Client) serve(ctx context.Context, cfg config.RelayConfig, onConnected func()) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, cfg.ServerURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return errAuthRejected
		}
		return fmt.Errorf("relay: dial: %w", err)
	}
	defer conn.Close()

	if err := c.authenticate(conn, cfg); err != nil {
		return err
	}

	c.setState(Connected)
	onConnected()
	c.logger.Info("relay connected", "server", cfg.ServerURL)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the read loop when the context dies mid-read.
	go func() {
		<-sctx.Done()
		conn.Close()
	}()

	outbound := make(chan any, 64)
	go c.pumpOutbound(sctx, conn, outbound)

	for {
		var m inboundMsg
		if err := conn.ReadJSON(&m); err != nil {
			if websocket.IsCloseError(err, closeAuthRejected) {
				return errAuthRejected
			}
			return fmt.Errorf("relay: read: %w", err)
		}

		switch m.Type {
		case typeSealRequest:
			c.handleSealRequest(sctx, m, outbound)
		case typeConfigAck:
			// Acknowledged; nothing to apply locally.
		default:
			c.logger.Warn("relay: unknown message type", "type", m.Type)
		}
	}
}

// authenticate sends the handshake and waits for auth_ok.
func (c *Client) authenticate(conn *websocket.Conn, cfg config.RelayConfig) error {
	msg := authMsg{
		Type:      typeAuth,
		Token:     cfg.AuthToken,
		CompanyID: cfg.CompanyID,
		SessionID: uuid.NewString(),
	}

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("relay: auth write: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	var reply inboundMsg
	if err := conn.ReadJSON(&reply); err != nil {
		if websocket.IsCloseError(err, closeAuthRejected) {
			return errAuthRejected
		}
		return fmt.Errorf("relay: auth read: %w", err)
	}
	if reply.Type != typeAuthOK {
		return errAuthRejected
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return nil
}

// pumpOutbound is the single writer for the connection. It forwards status
// broadcasts, log entries and queued seal results. Undelivered messages die
// with the connection; the remote owns retries.
func (c *Client) pumpOutbound(ctx context.Context, conn *websocket.Conn, outbound <-chan any) {
	statusCh, cancelStatus := c.bridge.SubscribeStatus(16)
	defer cancelStatus()
	logCh, cancelLogs := c.logs.Subscribe(64)
	defer cancelLogs()

	write := func(v any) bool {
		if err := conn.WriteJSON(v); err != nil {
			conn.Close() // wakes the read loop, triggering reconnect
			return false
		}
		return true
	}

	// Current status first, so the server never waits for a transition.
	if !write(statusFrom(c.bridge.Status())) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-statusCh:
			if !write(statusFrom(s)) {
				return
			}
		case e := <-logCh:
			if !write(logMsg{Type: typeLog, Entry: e}) {
				return
			}
		case v := <-outbound:
			if !write(v) {
				return
			}
		}
	}
}

// handleSealRequest carries one remote seal request into the session and
// queues the correlated result. Requests are handled inline, preserving the
// socket's arrival order into the session queue.
func (c *Client) handleSealRequest(ctx context.Context, m inboundMsg, outbound chan<- any) {
	if m.RequestID == "" {
		c.logger.Warn("relay: seal request without requestId dropped")
		return
	}

	var reply sealResultMsg
	req, err := parseSealRequest(m)
	if err == nil {
		sctx, cancel := context.WithTimeout(ctx, c.opts.SealTimeout)
		var res seal.Result
		res, err = c.bridge.RequestSeal(sctx, req)
		cancel()
		if err == nil {
			reply = sealResultFrom(m.RequestID, res)
		}
	}
	if err != nil {
		c.logger.Warn("relay: seal request failed", "requestId", m.RequestID, "error", err)
		reply = sealErrorFrom(m.RequestID, err)
	}

	select {
	case outbound <- reply:
	case <-ctx.Done():
	}
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.logger.Info("relay state changed", "from", prev.String(), "to", s.String())
	}
}
