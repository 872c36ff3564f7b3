package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultSendBuffer = 64

	writeWait = 5 * time.Second
)

// Client is a sync connection. Frames are queued with Send and written by
// WritePump; control frames go straight to the socket.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	alive  atomic.Bool
	once   sync.Once
	logger *zap.Logger
}

func NewClient(conn *websocket.Conn, buffer int, logger *zap.Logger) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	c.logger = logger.With(zap.String("peer", c.id))
	c.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) Alive() bool { return c.alive.Load() }

func (c *Client) SetAlive(alive bool) { c.alive.Store(alive) }

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrPeerClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) Ping() error {
	select {
	case <-c.done:
		return ErrPeerClosed
	default:
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Terminate sends a close frame and drops the socket. Safe to call more
// than once and from any goroutine.
func (c *Client) Terminate(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
		c.logger.Debug("peer terminated", zap.Int("code", code), zap.String("reason", reason))
	})
}

// Reject writes an error frame straight to the socket, then terminates.
// Only valid before WritePump has started.
func (c *Client) Reject(code int, message string) {
	if payload, err := marshalFrame(NewErrorFrame(message)); err == nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.TextMessage, payload)
	}
	c.Terminate(code, message)
}

// WritePump drains the send queue until the client is terminated or a
// write fails.
func (c *Client) WritePump() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Terminate(websocket.CloseInternalServerErr, "write failed")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.Terminate(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}
