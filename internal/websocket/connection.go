package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Options tune a Connection's writer
type Options struct {
	BufferSize   int           // queued outbound frames before WriteJSON blocks
	WriteTimeout time.Duration // per-frame write deadline, also the enqueue wait
}

// DefaultOptions returns the writer settings used when none are configured
func DefaultOptions() Options {
	return Options{BufferSize: 100, WriteTimeout: 5 * time.Second}
}

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions.
// Data frames go through one writer goroutine; control frames use WriteControl,
// which gorilla allows concurrently with it
type Connection struct {
	conn         *websocket.Conn
	id           string
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	closeErr     error
}

// NewConnection wraps an upgraded socket and starts its writer
func NewConnection(conn *websocket.Conn, opts Options) *Connection {
	defaults := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		id:           uuid.NewString(),
		writeCh:      make(chan []byte, opts.BufferSize),
		writeTimeout: opts.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// ID returns the connection's process-unique identifier
func (c *Connection) ID() string { return c.id }

// Done is closed when the connection closes
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// writeLoop is the only goroutine that writes data frames.
// The channel is never closed; the loop exits on cancellation.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// A failed write leaves the socket unusable
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer. It fails once the connection is closed
// or when the buffer stays full for the write timeout.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// TryWriteJSON queues v without waiting. A full buffer means the client is
// not keeping up and is reported as ErrBufferFull.
func (c *Connection) TryWriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrBufferFull
	}
}

// Ping sends a WebSocket ping control frame
func (c *Connection) Ping() error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// ReadLoop reads frames until the socket fails, handing each text frame to
// onFrame. With a positive readTimeout the socket must produce a frame or a
// pong within that window or the read fails.
func (c *Connection) ReadLoop(readTimeout time.Duration, onFrame func([]byte)) error {
	extend := func() error {
		if readTimeout <= 0 {
			return nil
		}
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	}

	if err := extend(); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := extend(); err != nil {
			return err
		}
		if messageType == websocket.TextMessage {
			onFrame(data)
		}
	}
}

// Close closes the socket with a normal closure
func (c *Connection) Close() error {
	return c.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason sends a close frame with code and reason, then closes the socket.
// Only the first call has any effect.
func (c *Connection) CloseWithReason(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.cancel()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsUnexpectedClose reports whether err is worth logging at the end of a read loop
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
