package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// MessageHandler is the callback executed when a message is received.
// binary reports whether the frame was a binary frame (file chunk payload)
// rather than a text control message.
type MessageHandler func(ctx context.Context, connID uuid.UUID, binary bool, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout time.Duration
}

type outFrame struct {
	typ  websocket.MessageType
	data []byte
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan outFrame

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	closeStatus websocket.StatusCode
	closeReason string

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	// Released by Close/CloseWithStatus; every constructed connection must be
	// closed exactly once, even if Run is never called.
	wg.Add(1)

	return &Connection{
		id:          id,
		conn:        conn,
		logger:      connLogger,
		config:      config,
		onMessage:   onMessage,
		send:        make(chan outFrame, 256), // Buffered channel
		done:        make(chan struct{}),
		ctx:         connCtx,
		cancel:      cancel,
		onClose:     onClose,
		wg:          wg,
		closeStatus: websocket.StatusNormalClosure,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			cancelRead()
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		if err != nil {
			readErr = err
			cancelRead()
			return
		}
		cancelRead()
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, typ == websocket.MessageBinary, message)
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.Write(c.ctx, frame.typ, frame.data); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(c.closeStatus, c.closeReason)
			return
		}
	}
}

// Send queues a text (control) message to the client. Safe for concurrent use.
func (c *Connection) Send(message []byte) {
	c.enqueue(outFrame{typ: websocket.MessageText, data: message})
}

// SendBinary queues a binary frame (file chunk payload) to the client.
func (c *Connection) SendBinary(payload []byte) {
	c.enqueue(outFrame{typ: websocket.MessageBinary, data: payload})
}

// enqueue queues a frame for the write pump. The send channel is never
// closed: teardown cancels the connection context instead, so a Send racing
// Close drops the frame rather than panicking on a closed channel. Relay
// broadcasts fan out to every room member and routinely race disconnects.
func (c *Connection) enqueue(frame outFrame) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
		c.logger.Warn("Attempted to send on a closed connection")
	}
}

// CloseWithStatus shuts the connection down with an explicit close code and
// reason. Used for policy rejections (invalid key, room at capacity) where
// the client branches on the reason string.
func (c *Connection) CloseWithStatus(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.logger.Info("Transport connection closing with status",
			slog.Int("status", int(status)),
			slog.String("reason", reason),
		)
		c.closeStatus = status
		c.closeReason = reason
		c.cancel()
		c.conn.Close(status, reason)
		if c.onClose != nil {
			c.onClose(c.id, nil)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Close gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel() // Signal goroutines to stop.
		c.conn.Close(websocket.StatusNormalClosure, "")
		c.logger.Info("Connection closed")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
