package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ferd36/maths-chat/internal/protocol"
	"github.com/ferd36/maths-chat/internal/queue"
)

const (
	DefaultDialTimeout     = 10 * time.Second
	DefaultPingInterval    = 25 * time.Second
	DefaultPongTimeout     = 10 * time.Second
	DefaultMaxMessageBytes = 64 * 1024
	DefaultSendQueueBytes  = 256 * 1024

	wsWriteWait      = 5 * time.Second
	maxPendingEvents = 1024
)

type Config struct {
	// URL is the relay websocket endpoint, e.g. ws://relay.example:8080/ws.
	URL  string
	Room string
	// Credential is passed to the relay as the token query parameter.
	Credential string
	Header     http.Header

	DialTimeout     time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	SendQueueBytes  int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = DefaultSendQueueBytes
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type clientState uint8

const (
	stateDialing clientState = iota
	stateOpen
	stateClosed
)

// Client is one relay connection bound to one room.
type Client struct {
	cfg    Config
	logger *slog.Logger
	emit   func(Event)

	ctx    context.Context
	cancel context.CancelFunc

	events *queue.FIFO[Event]
	out    *queue.FIFO[[]byte]
	done   chan struct{}

	mu    sync.Mutex
	state clientState
	conn  *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	downOnce  sync.Once
}

// Open starts connecting to the relay and returns immediately. Once the
// socket is up the client sends join for cfg.Room. Dial failures are
// reported as an Error event followed by Closed.
func Open(ctx context.Context, cfg Config, emit func(Event)) *Client {
	cfg = cfg.withDefaults()
	if emit == nil {
		emit = func(Event) {}
	}

	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "signaling", "room", cfg.Room),
		emit:   emit,
		events: queue.New[Event](maxPendingEvents, nil),
		out:    queue.New[[]byte](cfg.SendQueueBytes, func(b []byte) int { return len(b) }),
		done:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.pumpEvents()
	go c.dial()
	return c
}

// Send queues one envelope for the relay. It fails with ErrNotConnected
// until the socket is open and after it has gone away.
func (c *Client) Send(env protocol.SignalingEnvelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("signaling: encode %s: %w", env.Action, err)
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != stateOpen {
		return ErrNotConnected
	}

	if !c.out.Enqueue(data) {
		return ErrQueueFull
	}
	return nil
}

// Close sends leave on a best-effort basis and tears the connection down.
// It is idempotent; no events are delivered after it returns.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasOpen := c.state == stateOpen
		c.state = stateClosed
		conn := c.conn
		c.mu.Unlock()

		c.cancel()
		close(c.done)
		c.events.Close()
		c.out.Close()

		if wasOpen && conn != nil {
			if data, err := protocol.Leave(c.cfg.Room).Marshal(); err == nil {
				_ = c.write(conn, websocket.TextMessage, data)
			}
			c.writeClose(conn, websocket.CloseNormalClosure, "leaving")
		}
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

func (c *Client) dial() {
	target, err := c.dialURL()
	if err != nil {
		c.fail(err)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, c.cfg.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("signaling: dial relay: %w (status %d)", err, resp.StatusCode)
		} else {
			err = fmt.Errorf("signaling: dial relay: %w", err)
		}
		c.fail(err)
		return
	}

	join, err := protocol.Join(c.cfg.Room).Marshal()
	if err != nil {
		_ = conn.Close()
		c.fail(err)
		return
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = stateOpen
	// Join goes first; nothing else could have been queued before the
	// state flipped to open.
	c.out.Enqueue(join)
	c.mu.Unlock()

	c.logger.Debug("relay connected")
	go c.writeLoop(conn)
	c.readLoop(conn)
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("signaling: invalid relay url %q: %w", c.cfg.URL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("signaling: invalid relay url %q (expected ws:// or wss://)", c.cfg.URL)
	}
	if c.cfg.Credential != "" {
		q := u.Query()
		q.Set("token", c.cfg.Credential)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(c.cfg.MaxMessageBytes)
	idle := c.cfg.PingInterval + c.cfg.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("relay closed connection")
				c.goDown(nil)
				return
			}
			c.goDown(fmt.Errorf("signaling: read: %w", err))
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if msgType != websocket.TextMessage {
			c.logger.Warn("ignoring non-text relay frame", "type", msgType)
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	env, err := protocol.ParseSignalingEnvelope(data)
	if err != nil {
		c.push(Event{Kind: EventError, Err: fmt.Errorf("signaling: malformed relay envelope: %w", err)})
		return
	}

	switch env.Action {
	case protocol.ActionJoined:
		c.push(Event{Kind: EventRoomReady, Peers: env.Peers})
	case protocol.ActionPeerJoined:
		c.push(Event{Kind: EventPeerJoined})
	case protocol.ActionPeerLeft:
		c.push(Event{Kind: EventPeerLeft})
	case protocol.ActionRelayed:
		c.push(Event{Kind: EventPayloadReceived, Payload: *env.Payload})
	case protocol.ActionError:
		c.push(Event{Kind: EventError, Err: &RelayError{Message: env.Error}})
	default:
		c.logger.Warn("ignoring unexpected relay action", "action", string(env.Action))
	}
}

func (c *Client) writeLoop(conn *websocket.Conn) {
	pings := time.NewTicker(c.cfg.PingInterval)
	defer pings.Stop()

	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			data, ok := c.out.Dequeue()
			if !ok {
				return
			}
			select {
			case frames <- data:
			case <-c.done:
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-frames:
			if !ok {
				return
			}
			if err := c.write(conn, websocket.TextMessage, data); err != nil {
				if !c.isClosed() {
					c.goDown(fmt.Errorf("signaling: write: %w", err))
				}
				return
			}
		case <-pings.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				if !c.isClosed() {
					c.goDown(fmt.Errorf("signaling: ping: %w", err))
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) write(conn *websocket.Conn, msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(msgType, data)
}

func (c *Client) writeClose(conn *websocket.Conn, code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// fail reports a failure before the socket was ever open.
func (c *Client) fail(err error) {
	if c.isClosed() || errors.Is(err, context.Canceled) {
		return
	}
	c.logger.Warn("relay connection failed", "err", err)
	c.goDown(err)
}

// goDown moves an unexpectedly lost connection to closed and reports it.
func (c *Client) goDown(err error) {
	c.downOnce.Do(func() {
		c.mu.Lock()
		if c.state == stateClosed {
			c.mu.Unlock()
			return
		}
		c.state = stateClosed
		conn := c.conn
		c.mu.Unlock()

		if err != nil {
			c.push(Event{Kind: EventError, Err: err})
		}
		c.push(Event{Kind: EventClosed})
		c.out.Close()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) push(ev Event) {
	if !c.events.Enqueue(ev) {
		c.logger.Warn("dropping signaling event", "kind", ev.Kind.String())
	}
}

func (c *Client) pumpEvents() {
	for {
		ev, ok := c.events.Dequeue()
		if !ok {
			return
		}
		if c.isClosed() {
			return
		}
		c.emit(ev)
	}
}
