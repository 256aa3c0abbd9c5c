package p2p

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DirectConfig tunes the direct transport. Zero values fall back to the
// reference behavior (500ms poll, 60s cap, 16KiB chunks).
type DirectConfig struct {
	STUNServers   []string
	PollInterval  time.Duration
	Timeout       time.Duration
	ChunkSize     int
	HighWaterMark uint64
	LowWaterMark  uint64
}

func (c DirectConfig) withDefaults() DirectConfig {
	if len(c.STUNServers) == 0 {
		c.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 16 * 1024
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = 1 << 20 // 1MiB outstanding before we stop enqueuing
	}
	if c.LowWaterMark == 0 {
		c.LowWaterMark = 256 << 10
	}
	return c
}

// MessageHandler receives inbound data-channel traffic. binary is false for
// text control messages.
type MessageHandler func(binary bool, data []byte)

// Conn is an established direct transport. It satisfies codec.FrameWriter
// and applies back-pressure against the data channel's outstanding buffer.
type Conn struct {
	logger *slog.Logger
	cfg    DirectConfig
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	onMessage MessageHandler

	open      chan struct{}
	openOnce  sync.Once
	sendMore  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(logger *slog.Logger, cfg DirectConfig, pc *webrtc.PeerConnection) *Conn {
	c := &Conn{
		logger:   logger,
		cfg:      cfg,
		pc:       pc,
		open:     make(chan struct{}),
		sendMore: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Peer connection state changed", slog.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.Close()
		}
	})
	return c
}

// bindChannel attaches the data channel. The sender creates the channel
// itself; the receiver gets it via OnDataChannel.
func (c *Conn) bindChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(c.cfg.LowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.sendMore <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		c.logger.Info("Data channel open", slog.String("label", dc.Label()))
		c.openOnce.Do(func() { close(c.open) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(!msg.IsString, msg.Data)
		}
	})
}

// SetOnMessage installs the inbound traffic handler. Set it before the
// channel opens to avoid dropping early frames.
func (c *Conn) SetOnMessage(handler MessageHandler) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

// waitOpen blocks until the data channel opens, the context ends, or the
// deadline passes.
func (c *Conn) waitOpen(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.open:
		return nil
	case <-c.closed:
		return ErrConnectFailed
	case <-timer.C:
		return ErrConnectFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteBinary sends a chunk payload, waiting while the channel's outstanding
// buffer exceeds the high-water mark.
func (c *Conn) WriteBinary(ctx context.Context, payload []byte) error {
	dc, err := c.channel()
	if err != nil {
		return err
	}
	if err := c.waitForBuffer(ctx, dc); err != nil {
		return err
	}
	return dc.Send(payload)
}

// WriteControl sends a text control message.
func (c *Conn) WriteControl(ctx context.Context, message []byte) error {
	dc, err := c.channel()
	if err != nil {
		return err
	}
	if err := c.waitForBuffer(ctx, dc); err != nil {
		return err
	}
	return dc.SendText(string(message))
}

func (c *Conn) waitForBuffer(ctx context.Context, dc *webrtc.DataChannel) error {
	for dc.BufferedAmount() > c.cfg.HighWaterMark {
		select {
		case <-c.sendMore:
		case <-c.closed:
			return ErrChannelNotOpen
		case <-ctx.Done():
			return ctx.Err()
		// OnBufferedAmountLow can race a fast drain; re-check periodically.
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func (c *Conn) channel() (*webrtc.DataChannel, error) {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return nil, ErrChannelNotOpen
	}
	select {
	case <-c.open:
	default:
		return nil, ErrChannelNotOpen
	}
	return dc, nil
}

// Done is closed when the transport has shut down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		dc := c.dc
		c.mu.Unlock()
		if dc != nil {
			dc.Close()
		}
		c.pc.Close()
	})
}
