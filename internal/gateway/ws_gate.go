// ABOUTME: WebSocket endpoint for gate controllers
// ABOUTME: Handles registration, inbound gate signals, and disconnect cleanup

package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parkops/gatehouse/internal/auth"
	"github.com/parkops/gatehouse/internal/gates"
	"github.com/parkops/gatehouse/internal/protocol"
	"github.com/parkops/gatehouse/internal/registry"
)

const (
	// registerWait bounds how long a fresh connection may sit silent before
	// sending its register frame.
	registerWait = 10 * time.Second

	// pongWait must exceed the connection write pump's ping period.
	pongWait = 60 * time.Second

	maxFrameSize = 512 * 1024 // snapshots are refs, not image bytes
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Gates and consoles are not browsers; tokens gate access instead.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleGateSocket upgrades a gate controller connection and runs its read
// loop. The first frame must be a register naming the same gate id the token
// was issued for.
func (g *Gateway) handleGateSocket(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("gate upgrade failed", "error", err)
		return
	}

	gateID, err := g.awaitRegister(ws, id)
	if err != nil {
		g.logger.Warn("gate registration failed", "subject", id.Subject, "error", err)
		_ = ws.Close()
		return
	}

	logger := g.logger.With("gate_id", gateID)
	conn := gates.NewConnection(gateID, ws, logger)
	if err := g.gates.Register(conn); err != nil {
		if !errors.Is(err, gates.ErrGateAlreadyRegistered) {
			conn.Close()
			return
		}
		// Reconnect wins: take over and tear down the lingering old socket.
		logger.Info("replacing existing gate connection")
		if old := g.gates.Replace(conn); old != nil {
			old.Close()
		}
	}

	g.registry.UpsertStatus(gateID, registry.StatusIdle, time.Now())
	logger.Info("gate connected")

	g.gateReadLoop(ws, gateID, logger)

	// A replaced connection's handler still reaches here when its socket dies;
	// only the connection that is still registered owns the gate's lifecycle.
	wasCurrent := g.gates.Unregister(conn)
	conn.Close()
	if wasCurrent {
		g.sessions.OnGateDisconnect(gateID)
		logger.Info("gate disconnected")
	}
}

// awaitRegister reads the registration frame and checks it against the
// connection's authenticated identity.
func (g *Gateway) awaitRegister(ws *websocket.Conn, id auth.Identity) (string, error) {
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(registerWait))

	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return "", err
	}
	if msg.Type != protocol.TypeRegister {
		return "", errors.New("first frame must be register")
	}
	if msg.GateID != id.Subject {
		return "", errors.New("gate id does not match token subject")
	}
	return msg.GateID, nil
}

// gateReadLoop dispatches inbound gate frames until the connection drops.
// One malformed frame is logged and skipped; the gate stays connected.
func (g *Gateway) gateReadLoop(ws *websocket.Conn, gateID string, logger *slog.Logger) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("gate read error", "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("malformed gate frame", "error", err)
			continue
		}
		if msg.GateID != "" && msg.GateID != gateID {
			logger.Warn("frame names a different gate, dropped", "frame_gate_id", msg.GateID)
			continue
		}
		g.handleGateMessage(gateID, msg, logger)
	}
}

// handleGateMessage routes one inbound frame from a registered gate.
func (g *Gateway) handleGateMessage(gateID string, msg *protocol.Message, logger *slog.Logger) {
	switch msg.Type {
	case protocol.TypeStatusUpdate:
		status := registry.ParseStatus(msg.Status)
		if g.registry.UpsertStatus(gateID, status, msg.Timestamp()) {
			g.bus.Publish(gateID, &protocol.Message{
				Type:        protocol.TypeStatusUpdate,
				GateID:      gateID,
				Status:      string(status),
				TimestampMS: msg.TimestampMS,
			})
		}

	case protocol.TypeCameraSnapshot:
		g.relay.OnSnapshot(gateID, msg.ImageRef, msg.Timestamp())

	case protocol.TypeLiveStreamURL:
		g.relay.OnLiveURL(gateID, msg.URL)

	case protocol.TypeCallRequest:
		if err := g.sessions.Request(gateID); err != nil {
			// Repeated call buttons while a session is active are expected.
			logger.Debug("call request ignored", "error", err)
		}

	case protocol.TypeCommandAck:
		if msg.CorrelationID == "" {
			logger.Warn("command_ack without correlation id")
			return
		}
		success := msg.Success != nil && *msg.Success
		g.dispatcher.OnAck(msg.CorrelationID, success)

	case protocol.TypeRegister:
		logger.Debug("duplicate register frame ignored")

	default:
		logger.Warn("unexpected gate frame", "type", msg.Type)
	}
}
