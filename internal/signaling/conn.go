package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// wsConn is one signaling WebSocket. The read loop feeds the hub; a writer
// goroutine drains the outbound queue; a third goroutine sends keepalive
// pings.
type wsConn struct {
	id       string
	userID   string
	username string

	hub     *Hub
	conn    *websocket.Conn
	log     *slog.Logger
	metrics *metrics.Metrics

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	limiter         *ratelimit.TokenBucket
	queue           *outboundQueue

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ID() string { return c.id }

// Deliver queues frame for the writer goroutine. A connection that cannot
// keep up is closed rather than allowed to stall the hub.
func (c *wsConn) Deliver(frame []byte) {
	err := c.queue.Enqueue(frame)
	if errors.Is(err, errQueueFull) {
		c.metrics.Inc(metrics.SlowConsumer)
		c.log.Warn("closing slow consumer", "conn_id", c.id, "queued", c.queue.Len())
		go c.abort(websocket.ClosePolicyViolation, "slow consumer")
	}
}

func (c *wsConn) run() {
	defer c.Close()

	c.conn.SetReadLimit(c.maxMessageBytes)
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	if !c.hub.connect(c, c.userID, c.username) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer c.hub.disconnect(c)
	c.metrics.Inc(metrics.ConnectionOpened)

	go c.writeLoop()
	if c.pingInterval > 0 {
		go c.pingLoop()
	}

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			} else if errors.Is(err, websocket.ErrReadLimit) {
				// gorilla has already sent CloseMessageTooBig.
				c.metrics.Inc(metrics.InvalidMessage)
			}
			return
		}
		c.extendReadDeadline()

		// Rate limit after the read so unread bytes never turn the close into
		// a TCP reset the client can't observe.
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.metrics.Inc(metrics.RateLimited)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.metrics.Inc(metrics.InvalidMessage)
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.metrics.Inc(metrics.InvalidMessage)
			c.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if ping, ok := msg.(protocol.PingCheck); ok {
			if frame, err := protocol.MarshalServerMessage(protocol.PingAck{Seq: ping.Seq}); err == nil {
				c.Deliver(frame)
			}
			continue
		}
		if !c.hub.dispatch(c, msg) {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := c.conn.WriteMessage(websocket.TextMessage, frame)
		c.writeMu.Unlock()
		if err != nil {
			c.log.Debug("signaling write failed", "conn_id", c.id, "err", err)
			c.Close()
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) extendReadDeadline() {
	if c.idleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

// fail bypasses the outbound queue so the error frame is the last thing the
// client sees before the close frame.
func (c *wsConn) fail(code, message string, closeCode int, closeReason string) {
	c.queue.Close()
	if frame, err := protocol.MarshalServerMessage(protocol.Error{Code: code, Message: message}); err == nil {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = c.conn.WriteMessage(websocket.TextMessage, frame)
		c.writeMu.Unlock()
	}
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// abort sends a close frame and tears the socket down; the read loop then
// exits and posts the disconnect.
func (c *wsConn) abort(code int, reason string) {
	c.queue.Close()
	c.closeWith(code, reason)
	c.Close()
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.queue.Close()
		_ = c.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
