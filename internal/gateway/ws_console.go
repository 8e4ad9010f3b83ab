// ABOUTME: WebSocket endpoint for operator consoles
// ABOUTME: Handles subscriptions, claim/command/end actions, and event delivery

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parkops/gatehouse/internal/auth"
	"github.com/parkops/gatehouse/internal/bus"
	"github.com/parkops/gatehouse/internal/dispatch"
	"github.com/parkops/gatehouse/internal/metrics"
	"github.com/parkops/gatehouse/internal/protocol"
	"github.com/parkops/gatehouse/internal/session"
)

const (
	consoleWriteWait  = 10 * time.Second
	consolePingPeriod = 30 * time.Second
)

// consoleConn tracks one console connection's transport state.
type consoleConn struct {
	id      string
	ws      *websocket.Conn
	watched map[string]bool // gate ids the console subscribed to directly
	logger  *slog.Logger
}

// handleConsoleSocket upgrades an operator console connection, attaches it to
// the event bus, and runs its read loop. Every console implicitly hears the
// wildcard channel; per-gate subscriptions additionally mark it as a viewer.
func (g *Gateway) handleConsoleSocket(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("console upgrade failed", "error", err)
		return
	}

	// One operator may run several consoles; each connection gets its own id.
	consoleID := fmt.Sprintf("%s-%s", id.Subject, uuid.New().String()[:8])
	logger := g.logger.With("console_id", consoleID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := g.bus.Attach(ctx, consoleID)
	g.bus.Subscribe(consoleID, bus.AllGates)
	metrics.ConnectedConsoles.Inc()
	logger.Info("console connected", "operator", id.Subject)

	cc := &consoleConn{
		id:      consoleID,
		ws:      ws,
		watched: make(map[string]bool),
		logger:  logger,
	}

	go cc.writePump(events)

	g.bus.SendTo(consoleID, &protocol.Message{
		Type:      protocol.TypeWelcome,
		ConsoleID: consoleID,
		ServerID:  g.serverID,
	})

	g.consoleReadLoop(cc)

	cancel() // detaches from the bus, closing the events channel
	metrics.ConnectedConsoles.Dec()
	g.sessions.OnConsoleDisconnect(consoleID)
	for gateID := range cc.watched {
		g.relay.OnViewerLeft(gateID)
	}
	logger.Info("console disconnected")
}

// writePump owns all writes to the console socket. It drains the bus channel
// and keeps the connection alive with pings; it exits when the bus channel
// closes on detach.
func (c *consoleConn) writePump(events <-chan *protocol.Message) {
	ticker := time.NewTicker(consolePingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-events:
			_ = c.ws.SetWriteDeadline(time.Now().Add(consoleWriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := protocol.Encode(msg)
			if err != nil {
				c.logger.Error("encoding event", "type", msg.Type, "error", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(consoleWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// consoleReadLoop dispatches inbound console frames until the connection
// drops. Action errors go back to this console only, as error frames.
func (g *Gateway) consoleReadLoop(cc *consoleConn) {
	cc.ws.SetReadLimit(maxFrameSize)
	_ = cc.ws.SetReadDeadline(time.Now().Add(pongWait))
	cc.ws.SetPongHandler(func(string) error {
		return cc.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cc.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cc.logger.Warn("console read error", "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			g.replyError(cc, "", err.Error())
			continue
		}
		g.handleConsoleMessage(cc, msg)
	}
}

// handleConsoleMessage routes one inbound console frame.
func (g *Gateway) handleConsoleMessage(cc *consoleConn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeSubscribe:
		g.bus.Subscribe(cc.id, msg.GateID)
		cc.watched[msg.GateID] = true
		g.relay.OnViewerJoined(msg.GateID)
		g.replayGateState(cc, msg.GateID)
		if err := g.relay.RequestStream(msg.GateID); err != nil {
			cc.logger.Debug("live stream not requested", "gate_id", msg.GateID, "error", err)
		}

	case protocol.TypeUnsubscribe:
		g.bus.Unsubscribe(cc.id, msg.GateID)
		delete(cc.watched, msg.GateID)
		g.relay.OnViewerLeft(msg.GateID)

	case protocol.TypeClaimCall:
		if err := g.sessions.Claim(msg.GateID, cc.id); err != nil {
			g.replyError(cc, msg.GateID, claimErrorReason(err))
		}

	case protocol.TypeIssueCommand:
		kind, err := commandKind(msg.Kind)
		if err != nil {
			g.replyError(cc, msg.GateID, err.Error())
			return
		}
		if err := g.sessions.IssueCommand(msg.GateID, cc.id, kind); err != nil {
			g.replyError(cc, msg.GateID, claimErrorReason(err))
		}

	case protocol.TypeEndCall:
		if err := g.sessions.EndCall(msg.GateID, cc.id); err != nil {
			g.replyError(cc, msg.GateID, claimErrorReason(err))
		}

	default:
		g.replyError(cc, msg.GateID, "unexpected message type")
	}
}

// replayGateState sends the gate's current record and session to a console
// that just subscribed, so it need not wait for the next live event.
func (g *Gateway) replayGateState(cc *consoleConn, gateID string) {
	gate, err := g.registry.Get(gateID)
	if err == nil {
		g.bus.SendTo(cc.id, &protocol.Message{
			Type:        protocol.TypeStatusUpdate,
			GateID:      gate.ID,
			Status:      string(gate.Status),
			TimestampMS: gate.LastSeen.UnixMilli(),
		})
		if gate.SnapshotRef != "" {
			g.bus.SendTo(cc.id, &protocol.Message{
				Type:        protocol.TypeCameraSnapshot,
				GateID:      gate.ID,
				ImageRef:    gate.SnapshotRef,
				TimestampMS: gate.SnapshotAt.UnixMilli(),
			})
		}
		if gate.LiveURL != "" {
			g.bus.SendTo(cc.id, &protocol.Message{
				Type:   protocol.TypeLiveStreamURL,
				GateID: gate.ID,
				URL:    gate.LiveURL,
			})
		}
	}

	if snap, ok := g.sessions.Get(gateID); ok {
		g.bus.SendTo(cc.id, &protocol.Message{
			Type:      protocol.TypeSessionState,
			GateID:    gateID,
			State:     string(snap.State),
			ConsoleID: snap.ConsoleID,
		})
	}
}

// replyError sends an error frame to this console only.
func (g *Gateway) replyError(cc *consoleConn, gateID, reason string) {
	g.bus.SendTo(cc.id, &protocol.Message{
		Type:   protocol.TypeError,
		GateID: gateID,
		Reason: reason,
	})
}

// commandKind maps the wire kind field to a dispatch kind.
func commandKind(kind string) (dispatch.Kind, error) {
	switch kind {
	case "open":
		return dispatch.KindOpen, nil
	case "close":
		return dispatch.KindClose, nil
	default:
		return "", fmt.Errorf("unknown command kind %q", kind)
	}
}

// claimErrorReason maps session errors to stable wire reason strings.
func claimErrorReason(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return "no_session"
	case errors.Is(err, session.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, session.ErrForbidden):
		return "not_owner"
	case errors.Is(err, session.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, session.ErrAlreadyActive):
		return "already_active"
	default:
		return err.Error()
	}
}
