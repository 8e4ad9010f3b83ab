// ABOUTME: Represents a single connected gate controller and its WebSocket.
// ABOUTME: Owns the write side; reads happen in the gateway's handler loop.

package gates

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parkops/gatehouse/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 32
)

// ErrSendBufferFull indicates the controller's outbound queue is saturated.
// Callers treat it the same as a dead connection.
var ErrSendBufferFull = errors.New("gate send buffer full")

// Connection is one live gate controller link. All outbound frames go through
// Send so a single goroutine owns the WebSocket writer.
type Connection struct {
	GateID string

	conn      *websocket.Conn
	send      chan *protocol.Message
	closeOnce sync.Once
	done      chan struct{}
	logger    *slog.Logger
}

// NewConnection wraps an upgraded WebSocket for a registered gate and starts
// its write pump.
func NewConnection(gateID string, conn *websocket.Conn, logger *slog.Logger) *Connection {
	c := &Connection{
		GateID: gateID,
		conn:   conn,
		send:   make(chan *protocol.Message, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger.With("gate_id", gateID),
	}
	go c.writePump()
	return c
}

// Send queues a message for the controller. Non-blocking: a full buffer is an
// error rather than a stall, so one wedged gate never backs up the core.
func (c *Connection) Send(msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrGateOffline
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping message", "type", msg.Type)
		return ErrSendBufferFull
	}
}

// Close tears down the write pump and the underlying socket. Safe to call
// multiple times.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump serializes all writes to the WebSocket and keeps the connection
// alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("setting write deadline", "error", err)
				return
			}
			data, err := protocol.Encode(msg)
			if err != nil {
				c.logger.Error("encoding message", "error", err, "type", msg.Type)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
