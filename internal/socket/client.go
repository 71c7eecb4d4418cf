package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pawmap/comment-sync-go/internal/observability"
	"github.com/pawmap/comment-sync-go/internal/protocol"
)

const defaultSendBuffer = 32

// ErrClosed indicates the client was shut down before the request settled.
var ErrClosed = errors.New("socket client closed")

// ErrAckTimeout indicates no acknowledgement arrived within the deadline.
var ErrAckTimeout = errors.New("acknowledgement timed out")

// Config holds the connection settings for the comment broker socket.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the comment broker.
	URL string
	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// PingInterval is the keepalive cadence while the send queue is idle.
	PingInterval time.Duration
	// SendBuffer is the outbound frame queue size.
	SendBuffer int
	// Header is attached to the websocket handshake.
	Header http.Header
	// Jar carries session cookies so the broker sees the caller's identity.
	Jar http.CookieJar
}

func (c *Config) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
}

// Client maintains one long-lived connection to the comment broker and
// reconnects with unlimited attempts at a fixed delay. It is constructed
// explicitly and injected into the layers above it; there is no package
// level singleton.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	dialer websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	start  sync.Once

	send chan protocol.Envelope

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]map[int64]func(json.RawMessage)
	nextID   int64

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Ack
}

// New constructs a client for the given broker endpoint. Call Start to
// begin connecting and Close to tear the connection down.
func New(cfg Config, logger zerolog.Logger) *Client {
	cfg.defaults()

	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "comment_socket").Logger(),
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Jar:              cfg.Jar,
		},
		send:     make(chan protocol.Envelope, cfg.SendBuffer),
		handlers: make(map[string]map[int64]func(json.RawMessage)),
		pending:  make(map[string]chan protocol.Ack),
	}
}

// Start launches the dial/reconnect loop. It returns immediately; frames
// emitted before the first successful dial wait in the send queue.
func (c *Client) Start(ctx context.Context) {
	c.start.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)
		go c.run()
	})
}

// Close stops the reconnect loop, drops the active connection and fails
// every pending acknowledged request with ErrClosed.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// Emit queues a fire-and-forget frame. Frames are dropped with a warning
// when the send queue is full or the client is closed.
func (c *Client) Emit(event string, payload any) {
	env, err := protocol.NewEnvelope(event, "", payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", event).Msg("failed to encode outbound frame")
		return
	}
	c.enqueue(env)
}

// EmitWithAck queues an acknowledged request and waits for the matching
// ack frame. It returns ErrAckTimeout when no ack arrives within timeout
// and ErrClosed when the client shuts down first.
func (c *Client) EmitWithAck(ctx context.Context, event string, payload any, timeout time.Duration) (protocol.Ack, error) {
	id := uuid.NewString()

	env, err := protocol.NewEnvelope(event, id, payload)
	if err != nil {
		return protocol.Ack{}, err
	}

	ch := make(chan protocol.Ack, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.send <- env:
	case <-timer.C:
		c.dropPending(id)
		observability.AckTimeouts().Inc()
		return protocol.Ack{}, ErrAckTimeout
	case <-ctx.Done():
		c.dropPending(id)
		return protocol.Ack{}, ctx.Err()
	case <-c.done():
		c.dropPending(id)
		return protocol.Ack{}, ErrClosed
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return protocol.Ack{}, ErrClosed
		}
		return ack, nil
	case <-timer.C:
		c.dropPending(id)
		observability.AckTimeouts().Inc()
		return protocol.Ack{}, ErrAckTimeout
	case <-ctx.Done():
		c.dropPending(id)
		return protocol.Ack{}, ctx.Err()
	case <-c.done():
		c.dropPending(id)
		return protocol.Ack{}, ErrClosed
	}
}

// done reports client shutdown. A client that was never started cannot be
// done, so a nil channel (which blocks forever) is returned.
func (c *Client) done() <-chan struct{} {
	if c.ctx == nil {
		return nil
	}
	return c.ctx.Done()
}

// On registers a handler for an inbound broadcast event. Handlers run one
// at a time on the read loop. The returned func removes the registration.
func (c *Client) On(event string, handler func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if _, ok := c.handlers[event]; !ok {
		c.handlers[event] = make(map[int64]func(json.RawMessage))
	}
	c.handlers[event][id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if registered, ok := c.handlers[event]; ok {
			delete(registered, id)
			if len(registered) == 0 {
				delete(c.handlers, event)
			}
		}
	}
}

func (c *Client) enqueue(env protocol.Envelope) {
	select {
	case c.send <- env:
	default:
		observability.DroppedEmits().Inc()
		c.logger.Warn().Str("event", env.Event).Msg("send queue full, dropping outbound frame")
	}
}

func (c *Client) dropPending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) resolvePending(id string, data json.RawMessage) {
	var ack protocol.Ack
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ack); err != nil {
			c.logger.Warn().Err(err).Str("id", id).Msg("invalid ack payload")
			ack = protocol.Ack{}
		}
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- ack
	}
}

func (c *Client) run() {
	for {
		conn, resp, err := c.dialer.DialContext(c.ctx, c.cfg.URL, c.cfg.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			c.logger.Debug().Err(err).Str("url", c.cfg.URL).Msg("dial failed")
			observability.SocketReconnects().Inc()
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.cfg.ReconnectDelay):
				continue
			}
		}

		c.serve(conn)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
			observability.SocketReconnects().Inc()
		}
	}
}

// serve pumps one established connection until it fails. Reconnection is
// handled by run; subscriptions are not replayed here, the session layer
// owns its own lifecycle.
func (c *Client) serve(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	handleCtx, handleCancel := context.WithCancel(c.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case env := <-c.send:
				_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
				if err := conn.WriteJSON(env); err != nil {
					c.logger.Debug().Err(err).Msg("write loop terminated")
					return
				}
			case <-time.After(c.cfg.PingInterval):
				_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
					c.logger.Debug().Err(err).Msg("keepalive ping failed")
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.logger.Debug().Err(err).Msg("read loop ended")
			return
		}

		if env.Event == protocol.EventAck {
			c.resolvePending(env.ID, env.Data)
			continue
		}

		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	registered := c.handlers[env.Event]
	handlers := make([]func(json.RawMessage), 0, len(registered))
	for _, handler := range registered {
		handlers = append(handlers, handler)
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	observability.CommentEvents().WithLabelValues(env.Event).Inc()
	for _, handler := range handlers {
		handler(env.Data)
	}
}
