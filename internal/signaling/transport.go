package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beatarena/livesession/internal/config"
	"github.com/beatarena/livesession/internal/metrics"
	"github.com/beatarena/livesession/internal/protocol"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

const writeWait = 2 * time.Second

type Config struct {
	DialTimeout time.Duration
	// IdleTimeout closes the socket when nothing (frames, pings, pongs) has
	// arrived for this long. Zero disables the read deadline.
	IdleTimeout time.Duration
	// MaxMessageBytes caps a single inbound frame; a larger one closes the
	// socket.
	MaxMessageBytes int64
	Header          http.Header

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:     config.DefaultDialTimeout,
		IdleTimeout:     config.DefaultSignalingWSIdleTimeout,
		MaxMessageBytes: config.DefaultMaxSignalingMessageBytes,
	}
}

// Transport is a single signaling WebSocket. Handlers run on the read
// goroutine, one frame at a time, in arrival order.
type Transport struct {
	cfg    Config
	dialer websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	status    Status
	closed    bool
	onMessage func(protocol.Message)
	onStatus  func(Status)
	done      chan struct{}
	doneOnce  sync.Once

	// writeMu serializes frames so send order is delivery order.
	writeMu sync.Mutex
}

func New(cfg Config) *Transport {
	d := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = d.DialTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = d.MaxMessageBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		status: StatusIdle,
		done:   make(chan struct{}),
	}
}

// OnMessage registers the handler for decoded inbound messages.
func (t *Transport) OnMessage(fn func(protocol.Message)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// OnStatus registers the handler for status changes.
func (t *Transport) OnStatus(fn func(Status)) {
	t.mu.Lock()
	t.onStatus = fn
	t.mu.Unlock()
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Done is closed once the read loop has exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Connect dials endpoint and starts the read loop. A Transport connects at
// most once.
func (t *Transport) Connect(ctx context.Context, endpoint string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.finish()
		return &ConnectionError{Endpoint: endpoint, Err: errors.New("transport closed")}
	}
	if t.status != StatusIdle {
		t.mu.Unlock()
		return &ConnectionError{Endpoint: endpoint, Err: errors.New("already connected")}
	}
	t.mu.Unlock()
	t.setStatus(StatusConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := t.dialer.DialContext(dialCtx, endpoint, t.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.setStatus(StatusDisconnected)
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.finish()
		return &ConnectionError{Endpoint: endpoint, Err: err}
	}

	t.mu.Lock()
	if t.closed {
		// Close raced with the dial.
		t.mu.Unlock()
		_ = conn.Close()
		t.setStatus(StatusDisconnected)
		t.finish()
		return &ConnectionError{Endpoint: endpoint, Err: errors.New("transport closed")}
	}
	t.conn = conn
	t.mu.Unlock()

	conn.SetReadLimit(t.cfg.MaxMessageBytes)
	t.extendDeadline()
	conn.SetPingHandler(func(data string) error {
		t.extendDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		t.extendDeadline()
		return nil
	})

	t.setStatus(StatusConnected)
	t.cfg.Logger.Debug("signaling connected", "endpoint", endpoint)
	go t.readLoop(conn)
	return nil
}

// Send writes msg as one text frame.
func (t *Transport) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	open := conn != nil && !t.closed && t.status == StatusConnected
	t.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	t.cfg.Metrics.Inc(metrics.SignalingMessagesSent)
	return nil
}

// Close sends a normal close frame and closes the socket. Safe to call more
// than once and before Connect.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	idle := t.status == StatusIdle
	t.mu.Unlock()

	if conn == nil {
		// A pending Connect finishes on its own once the dial returns.
		if idle {
			t.finish()
		}
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	t.writeMu.Unlock()
	return conn.Close()
}

func (t *Transport) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer t.finish()
	defer func() {
		_ = conn.Close()
		t.setStatus(StatusDisconnected)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closing := t.closed
			t.mu.Unlock()
			if !closing {
				t.cfg.Logger.Warn("signaling connection lost", "err", err)
			}
			return
		}
		t.extendDeadline()

		msg, err := protocol.Parse(data)
		if err != nil {
			t.cfg.Metrics.Inc(metrics.SignalingMalformedFrames)
			t.cfg.Logger.Warn("dropping malformed signaling frame", "err", err, "bytes", len(data))
			continue
		}
		t.cfg.Metrics.Inc(metrics.SignalingMessagesRecv)

		t.mu.Lock()
		fn := t.onMessage
		t.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func (t *Transport) extendDeadline() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || t.cfg.IdleTimeout <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
}

func (t *Transport) setStatus(s Status) {
	t.mu.Lock()
	if t.status == s {
		t.mu.Unlock()
		return
	}
	t.status = s
	fn := t.onStatus
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
