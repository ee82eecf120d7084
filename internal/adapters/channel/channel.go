package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed       = errors.New("channel closed")
	ErrBackpressure = errors.New("backpressure")
)

const (
	sendQueueSize = 32
	writeTimeout  = 5 * time.Second
)

// Conn is one duplex event channel, keyed by session id. Frames are text
// (JSON envelopes). Writes go through a buffered queue drained by a write
// pump; TrySend never blocks.
type Conn struct {
	conn    *websocket.Conn
	send    chan []byte
	inbound chan []byte

	mu     sync.RWMutex
	closed bool
}

// Dialer opens channels against a backend base URL (http/https; the scheme
// is rewritten to ws/wss).
type Dialer struct {
	BaseURL string
}

func (d *Dialer) Dial(ctx context.Context, sessionID string) (*Conn, error) {
	u := wsURL(d.BaseURL) + "/api/ws/" + sessionID
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial channel: %w", err)
	}
	log.Info().Str("module", "channel").Str("sid", sessionID).Msg("channel open")

	c := &Conn{
		conn:    ws,
		send:    make(chan []byte, sendQueueSize),
		inbound: make(chan []byte, sendQueueSize),
	}
	go c.writePump()
	go c.readPump(sessionID)
	return c, nil
}

// TrySend enqueues a frame without blocking. Frames that cannot be queued
// immediately are discarded with ErrBackpressure; a closed channel returns
// ErrClosed.
func (c *Conn) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

// Inbound returns the stream of raw frames. The channel is closed when the
// connection ends, from either side.
func (c *Conn) Inbound() <-chan []byte {
	return c.inbound
}

// Close is idempotent and safe from any state.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *Conn) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			log.Error().Err(err).Str("module", "channel").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "channel").Msg("writePump write error")
			return
		}
	}
}

func (c *Conn) readPump(sid string) {
	defer func() {
		close(c.inbound)
		c.Close()
		log.Info().Str("module", "channel").Str("sid", sid).Msg("readPump closing")
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				log.Error().Err(err).Str("module", "channel").Str("sid", sid).Msg("readPump read error")
			}
			return
		}
		c.inbound <- data
	}
}

func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
