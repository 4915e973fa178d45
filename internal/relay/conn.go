package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/notepulse/internal/errs"
	"github.com/roach88/notepulse/internal/wire"
)

// ConnState is a connection's position in the sync handshake.
type ConnState int32

const (
	// Connecting: accepted, not yet a room member.
	Connecting ConnState = iota
	// Syncing: member, waiting for the client's SYNC_STEP2.
	Syncing
	// Active: handshake complete.
	Active
	// Closed: removed from the room.
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// maxFrameSize bounds a single inbound websocket message.
const maxFrameSize = 8 << 20

// Conn is one client connection. The room goroutine owns membership and
// state transitions; the writer goroutine owns the socket's write side.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn

	send   chan []byte
	state  atomic.Int32
	closed chan struct{}
	once   sync.Once
	reason error
}

func newConn(id, userID string, ws *websocket.Conn, queue int) *Conn {
	return &Conn{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, queue),
		closed: make(chan struct{}),
	}
}

// ID returns the relay-assigned connection id.
func (c *Conn) ID() string { return c.id }

// State returns the current handshake state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) setState(s ConnState) { c.state.Store(int32(s)) }

// enqueue queues an encoded frame without blocking. It reports false when
// the queue is full or the connection is closed.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close marks the connection closed. reason, when it carries an errs code,
// is sent to the client as the close frame text. Safe to call repeatedly.
func (c *Conn) close(reason error) {
	c.once.Do(func() {
		c.reason = reason
		c.setState(Closed)
		close(c.closed)
	})
}

// closeFrame maps the close reason to a websocket close code and text.
func (c *Conn) closeFrame() (int, string) {
	switch errs.CodeOf(c.reason) {
	case errs.CodeCapacity:
		return websocket.CloseTryAgainLater, string(errs.CodeCapacity)
	case errs.CodeSyncTimeout:
		return websocket.ClosePolicyViolation, string(errs.CodeSyncTimeout)
	case "":
		return websocket.CloseGoingAway, ""
	default:
		return websocket.CloseInternalServerErr, string(errs.CodeOf(c.reason))
	}
}

// writeLoop drains the send queue and keeps the connection alive with
// pings. It closes the socket when the connection closes, which also ends
// readLoop.
func (c *Conn) writeLoop(writeTimeout, pingInterval time.Duration) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer c.ws.Close()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				slog.Debug("write failed", "conn", c.id, "error", err)
				c.close(nil)
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				slog.Debug("ping failed", "conn", c.id, "error", err)
				c.close(nil)
				return
			}
		case <-c.closed:
			code, text := c.closeFrame()
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeTimeout))
			return
		}
	}
}

// readLoop decodes inbound frames and hands them to the room until the
// socket fails. It always posts a leave event on exit.
func (c *Conn) readLoop(r *Room, pongWait time.Duration) {
	defer r.post(leaveEvent{conn: c})

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("connection read ended", "conn", c.id, "error", err)
			}
			return
		}
		// Any inbound traffic proves liveness.
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := wire.Decode(data)
		if err != nil {
			slog.Warn("dropping malformed frame", "room", r.key, "conn", c.id, "error", err)
			continue
		}
		r.post(messageEvent{conn: c, frame: f, raw: data})
	}
}
