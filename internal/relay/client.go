package relay

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beatarena/livesession/internal/auth"
	"github.com/beatarena/livesession/internal/metrics"
	"github.com/beatarena/livesession/internal/protocol"
	"github.com/beatarena/livesession/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// client is one relay WebSocket. The HTTP handler goroutine runs the read
// loop; writer and pinger goroutines own the outbound side.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	queue   *sendQueue
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger

	// queryToken is the ?token= credential from the upgrade request.
	queryToken string

	// Set once at admission; read-only afterwards except media, which is
	// guarded by the hub lock.
	peerID   string
	roomID   string
	identity auth.Identity
	role     protocol.Role
	media    protocol.MediaState

	closeMu     sync.Mutex
	closing     bool
	closeCode   int
	closeReason string

	writerDone chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn, queryToken string) *client {
	return &client{
		hub:        h,
		conn:       conn,
		queue:      newSendQueue(h.cfg.SendQueueSize),
		limiter:    ratelimit.NewMessageLimiter(h.cfg.Clock, h.cfg.MaxMessagesPerSecond),
		logger:     h.cfg.Logger,
		queryToken: queryToken,
		writerDone: make(chan struct{}),
	}
}

func (c *client) info() protocol.PeerInfo {
	return protocol.PeerInfo{
		PeerID:     c.peerID,
		UserID:     c.identity.UserID,
		UserName:   c.identity.Name,
		UserAvatar: c.identity.Avatar,
		Role:       c.role,
		Media:      c.media,
	}
}

// run is the read loop. It returns once the socket is finished.
func (c *client) run() {
	go c.writeLoop()
	go c.pingLoop()
	defer func() {
		c.hub.leave(c)
		c.shutdown(websocket.CloseNormalClosure, "")
		<-c.writerDone
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.JoinTimeout))
	c.conn.SetPongHandler(func(string) error {
		if c.joined() {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
		}
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case !c.joined() && isTimeout(err):
				c.hub.cfg.Metrics.Inc(metrics.RelayJoinTimeout)
				c.fail(protocol.ErrCodeJoinTimeout, "join-room not received in time", websocket.ClosePolicyViolation, "join timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				c.fail(protocol.ErrCodeBadRequest, "message too large", websocket.CloseMessageTooBig, "message too large")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				c.logger.Debug("relay socket closed unexpectedly", "peer_id", c.peerID, "err", err)
			}
			return
		}
		// Rate limit after reading so unread bytes never turn the close into
		// a TCP reset.
		if !c.limiter.Allow(1) {
			c.hub.cfg.Metrics.Inc(metrics.RelayRateLimited)
			c.fail(protocol.ErrCodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.fail(protocol.ErrCodeBadRequest, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			c.hub.cfg.Metrics.Inc(metrics.SignalingMalformedFrames)
			c.fail(protocol.ErrCodeBadRequest, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !c.joined() {
			if msg.Type != protocol.TypeJoinRoom {
				c.fail(protocol.ErrCodeNotJoined, "join-room must be the first message", websocket.ClosePolicyViolation, "not joined")
				return
			}
			if err := c.hub.join(c, msg); err != nil {
				var adm *admissionError
				if errors.As(err, &adm) {
					c.fail(adm.Code, adm.Message, websocket.ClosePolicyViolation, adm.Code)
				} else {
					c.logger.Error("join failed", "room_id", msg.RoomID, "err", err)
					c.fail(protocol.ErrCodeInternal, "internal error", websocket.CloseInternalServerErr, "internal error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
			continue
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
		switch {
		case msg.Type.IsNegotiation():
			c.hub.route(c, msg)
		case msg.Type.IsMediaState():
			c.hub.announce(c, msg)
		case msg.Type == protocol.TypeLeaveRoom:
			return
		case msg.Type == protocol.TypeJoinRoom:
			c.sendError(protocol.ErrCodeBadRequest, "already joined")
		default:
			c.fail(protocol.ErrCodeBadRequest, "unexpected message type "+string(msg.Type), websocket.ClosePolicyViolation, "bad message")
			return
		}
	}
}

func (c *client) joined() bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.peerID != ""
}

// enqueue encodes msg onto the client's queue. A full queue means the
// writer cannot keep up; the client is dropped.
func (c *client) enqueue(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("encode relay message", "type", msg.Type, "err", err)
		return false
	}
	if c.queue.Enqueue(data) {
		return true
	}
	if !c.isClosing() {
		c.hub.cfg.Metrics.Inc(metrics.RelaySlowClientDropped)
		c.logger.Warn("dropping slow client", "peer_id", c.peerID, "room_id", c.roomID, "queued", c.queue.Len())
		c.abort()
	}
	return false
}

func (c *client) sendError(code, message string) {
	c.enqueue(protocol.Message{Type: protocol.TypeError, Code: code, Message: message})
}

// fail queues an error message and closes the socket once it is written.
func (c *client) fail(code, message string, closeCode int, closeReason string) {
	c.sendError(code, message)
	c.shutdown(closeCode, closeReason)
}

// shutdown lets the writer drain the queue, send a close frame with
// closeCode and close the connection. Only the first call counts.
func (c *client) shutdown(closeCode int, reason string) {
	c.closeMu.Lock()
	if c.closing {
		c.closeMu.Unlock()
		return
	}
	c.closing = true
	c.closeCode = closeCode
	c.closeReason = reason
	c.closeMu.Unlock()
	c.queue.Close()
}

// abort drops queued frames and closes the connection immediately.
func (c *client) abort() {
	c.closeMu.Lock()
	c.closing = true
	c.closeCode = 0
	c.closeMu.Unlock()
	c.queue.Abort()
	_ = c.conn.Close()
}

func (c *client) isClosing() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closing
}

func (c *client) writeLoop() {
	defer close(c.writerDone)
	defer c.conn.Close()

	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			break
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.queue.Abort()
			return
		}
	}

	c.closeMu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.closeMu.Unlock()
	if code != 0 {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	}
}

func (c *client) pingLoop() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.writerDone:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
