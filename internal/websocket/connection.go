package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"medchat/pkg/interfaces"
)

// Options tunes a Connection.
type Options struct {
	BufferSize     int
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func DefaultOptions() Options {
	return Options{
		BufferSize:     100,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// Connection wraps a gorilla socket as an interfaces.DuplexChannel.
// All writes, pings included, go through one writer goroutine. Receive must
// be called from a single goroutine.
type Connection struct {
	conn    *websocket.Conn
	opts    Options
	writeCh chan []byte
	log     *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

var _ interfaces.DuplexChannel = (*Connection)(nil)

func NewConnection(conn *websocket.Conn, opts Options, log *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		opts:    opts,
		writeCh: make(chan []byte, opts.BufferSize),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	conn.SetReadLimit(opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.log.Debug("socket write failed", zap.Error(err))
				c.cancel()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

func (c *Connection) write(data []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// flush writes whatever is still queued, bounded by one write timeout, then
// says goodbye.
func (c *Connection) flush() {
	deadline := time.Now().Add(c.opts.WriteTimeout)
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data, deadline); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// Send queues an encoded frame. A peer that leaves the queue full for a
// whole write timeout is treated as dead and the connection is closed.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		// The writer may already have flushed and exited.
		if c.ctx.Err() != nil {
			return ErrConnectionClosed
		}
		return nil
	case <-timer.C:
		c.cancel()
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

func (c *Connection) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return c.Send(data)
}

// Receive returns the next data frame. Orderly closes from either side are
// reported as interfaces.ErrChannelClosed.
func (c *Connection) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if c.ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrChannelClosed, err)
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			c.log.Warn("websocket error", zap.Error(err))
		}
		return nil, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	return data, nil
}

// Close flushes pending frames, sends a close frame and releases the socket.
// It blocks until the writer has exited and is safe to call repeatedly.
func (c *Connection) Close() error {
	c.closeOnce.Do(c.cancel)
	<-c.done
	return nil
}

// Done is closed once the socket has been released.
func (c *Connection) Done() <-chan struct{} { return c.done }
