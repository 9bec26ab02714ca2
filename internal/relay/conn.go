package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ferd36/maths-chat/internal/auth"
	"github.com/ferd36/maths-chat/internal/metrics"
	"github.com/ferd36/maths-chat/internal/protocol"
	"github.com/ferd36/maths-chat/internal/queue"
	"github.com/ferd36/maths-chat/internal/ratelimit"
)

// conn is one relay websocket. The read loop owns room; other goroutines
// only reach the socket through out and writeMu.
type conn struct {
	hub      *Hub
	ws       *websocket.Conn
	identity auth.Identity
	id       string
	logger   *slog.Logger
	limiter  *ratelimit.ConnLimiter

	out     *queue.FIFO[[]byte]
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once

	room string
}

func newConn(h *Hub, ws *websocket.Conn, identity auth.Identity, id string) *conn {
	return &conn{
		hub:      h,
		ws:       ws,
		identity: identity,
		id:       id,
		logger:   h.logger.With("member", id),
		limiter:  ratelimit.NewConnLimiter(h.clock, h.limits()),
		out:      queue.New[[]byte](defaultSendQueueBytes, func(b []byte) int { return len(b) }),
		done:     make(chan struct{}),
	}
}

func (c *conn) serve() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	code, reason := c.readLoop()
	c.leaveRoom()
	c.shutdown(code, reason)
	<-writerDone
}

func (c *conn) readLoop() (int, string) {
	cfg := c.hub.cfg
	c.ws.SetReadLimit(int64(cfg.MaxMessageBytes))
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.hub.metrics.Inc(metrics.RelayProtocolErrors)
				return websocket.CloseMessageTooBig, "message too big"
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return websocket.CloseGoingAway, "idle timeout"
			}
			return websocket.CloseNormalClosure, ""
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		if !c.limiter.Allow(len(data)) {
			c.hub.metrics.Inc(metrics.DropReasonRateLimited)
			c.sendError(protocol.ErrorRateLimited)
			continue
		}
		if msgType != websocket.TextMessage {
			c.hub.metrics.Inc(metrics.RelayProtocolErrors)
			c.sendError(protocol.ErrorMalformed)
			continue
		}
		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			c.hub.metrics.Inc(metrics.RelayProtocolErrors)
			c.sendError(protocol.ErrorMalformed)
			continue
		}

		switch frame.Action {
		case protocol.ActionJoin:
			c.join(frame.Room)
		case protocol.ActionRelay:
			c.relay(frame)
		case protocol.ActionLeave:
			return websocket.CloseNormalClosure, "left"
		default:
			c.logger.Debug("ignoring unknown action", "action", string(frame.Action))
		}
	}
}

func (c *conn) join(room string) {
	if room == "" {
		c.sendError(protocol.ErrorMissingRoom)
		return
	}
	if !c.identity.MayJoin(room) {
		c.hub.metrics.Inc(metrics.RelayAuthFailures)
		c.sendError(protocol.ErrorRoomForbidden)
		return
	}
	if c.room != "" && c.room != room {
		c.leaveRoom()
	}

	ctx, cancel := c.hub.brokerCtx()
	defer cancel()
	peers, err := c.hub.broker.Join(ctx, room, c.id, c.deliver)
	switch {
	case errors.Is(err, ErrRoomFull):
		c.hub.metrics.Inc(metrics.RelayRoomFull)
		c.sendError(protocol.ErrorRoomFull)
		return
	case err != nil:
		c.logger.Warn("join failed", "room", room, "err", err)
		c.sendError(protocol.ErrorJoinFailed)
		return
	}
	rejoin := c.room == room
	c.send(protocol.SignalingEnvelope{Action: protocol.ActionJoined, Room: room, Peers: peers})
	if rejoin {
		// Already a member; the peer's session must not be disturbed.
		c.logger.Debug("repeat join", "room", room, "peers", peers)
		return
	}
	c.room = room
	c.hub.metrics.Inc(metrics.RelayJoins)
	c.logger.Info("joined room", "room", room, "peers", peers)
	c.publish(protocol.SignalingEnvelope{Action: protocol.ActionPeerJoined, Room: room})
}

func (c *conn) relay(frame protocol.ClientFrame) {
	if c.room == "" {
		c.sendError(protocol.ErrorNotInRoom)
		return
	}
	if !frame.HasPayload() {
		c.sendError(protocol.ErrorMissingPayload)
		return
	}
	data, err := json.Marshal(protocol.RelayedFrame{Action: protocol.ActionRelayed, Room: c.room, Payload: frame.Payload})
	if err != nil {
		c.sendError(protocol.ErrorMalformed)
		return
	}
	ctx, cancel := c.hub.brokerCtx()
	defer cancel()
	if err := c.hub.broker.Publish(ctx, c.room, c.id, data); err != nil {
		c.logger.Warn("relay publish failed", "room", c.room, "err", err)
		return
	}
	c.hub.metrics.Inc(metrics.RelayForwarded)
}

// leaveRoom drops the membership and tells the remaining member.
func (c *conn) leaveRoom() {
	if c.room == "" {
		return
	}
	room := c.room
	c.room = ""

	ctx, cancel := c.hub.brokerCtx()
	defer cancel()
	remaining, err := c.hub.broker.Leave(ctx, room, c.id)
	if err != nil {
		c.logger.Warn("leave failed", "room", room, "err", err)
		return
	}
	c.logger.Info("left room", "room", room, "remaining", remaining)
	if remaining > 0 {
		c.publishTo(room, protocol.SignalingEnvelope{Action: protocol.ActionPeerLeft, Room: room})
	}
}

func (c *conn) publish(env protocol.SignalingEnvelope) {
	c.publishTo(c.room, env)
}

func (c *conn) publishTo(room string, env protocol.SignalingEnvelope) {
	data, err := env.Marshal()
	if err != nil {
		c.logger.Error("encode envelope", "action", string(env.Action), "err", err)
		return
	}
	ctx, cancel := c.hub.brokerCtx()
	defer cancel()
	if err := c.hub.broker.Publish(ctx, room, c.id, data); err != nil {
		c.logger.Warn("publish failed", "room", room, "action", string(env.Action), "err", err)
	}
}

func (c *conn) sendError(msg string) {
	c.send(protocol.ErrorEnvelope(msg))
}

func (c *conn) send(env protocol.SignalingEnvelope) {
	data, err := env.Marshal()
	if err != nil {
		c.logger.Error("encode envelope", "action", string(env.Action), "err", err)
		return
	}
	c.deliver(data)
}

// deliver queues frame for the socket. A member that cannot keep up is
// disconnected rather than allowed to stall the broker.
func (c *conn) deliver(frame []byte) {
	if c.out.Enqueue(frame) {
		return
	}
	select {
	case <-c.done:
	default:
		c.logger.Warn("closing slow relay connection")
		go c.shutdown(websocket.CloseTryAgainLater, "send queue full")
	}
}

func (c *conn) writeLoop() {
	pings := time.NewTicker(c.hub.cfg.PingInterval)
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
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.ws.WriteMessage(websocket.TextMessage, data)
			c.writeMu.Unlock()
			if err != nil {
				_ = c.ws.Close()
				return
			}
		case <-pings.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// shutdown sends a close frame and closes the socket, which also ends the
// read loop.
func (c *conn) shutdown(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.out.Close()
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// rejectAndClose is used before the connection is served.
func (c *conn) rejectAndClose(code int, msg string) {
	if data, err := protocol.ErrorEnvelope(msg).Marshal(); err == nil {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = c.ws.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
	}
	c.shutdown(code, msg)
}
