// ABOUTME: Manages connected gate controllers and routes outbound commands to them.
// ABOUTME: Central lookup for "is this gate online" and per-gate message delivery.

package gates

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/parkops/gatehouse/internal/metrics"
	"github.com/parkops/gatehouse/internal/protocol"
)

// ErrGateAlreadyRegistered indicates a controller with the same gate id is
// already connected.
var ErrGateAlreadyRegistered = errors.New("gate already registered")

// ErrGateOffline indicates no live connection exists for the gate.
var ErrGateOffline = errors.New("gate offline")

// Manager coordinates all connected gate controllers.
type Manager struct {
	mu     sync.RWMutex
	gates  map[string]*Connection
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		gates:  make(map[string]*Connection),
		logger: logger,
	}
}

// Register adds a gate controller connection.
// Returns ErrGateAlreadyRegistered if the gate id is already connected.
func (m *Manager) Register(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.gates[conn.GateID]; exists {
		return ErrGateAlreadyRegistered
	}

	m.gates[conn.GateID] = conn
	metrics.ConnectedGates.Set(float64(len(m.gates)))
	m.logger.Info("gate controller connected",
		"gate_id", conn.GateID,
		"total_gates", len(m.gates),
	)
	return nil
}

// Replace installs conn for its gate id regardless of an existing entry and
// returns the connection it displaced, or nil. Used when a controller
// reconnects before its old socket is reaped.
func (m *Manager) Replace(conn *Connection) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.gates[conn.GateID]
	m.gates[conn.GateID] = conn
	metrics.ConnectedGates.Set(float64(len(m.gates)))
	return old
}

// Unregister removes the given connection if it is still the live one for its
// gate id and reports whether it was. A stale connection that has already been
// replaced is left alone, so a reconnected gate stays registered when the old
// socket finally dies. The connection itself is closed by the transport
// handler.
func (m *Manager) Unregister(conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gates[conn.GateID] != conn {
		return false
	}
	delete(m.gates, conn.GateID)
	metrics.ConnectedGates.Set(float64(len(m.gates)))
	m.logger.Info("gate controller disconnected",
		"gate_id", conn.GateID,
		"total_gates", len(m.gates),
	)
	return true
}

// Get retrieves a specific gate connection.
func (m *Manager) Get(gateID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.gates[gateID]
	return conn, ok
}

// IsOnline reports whether a controller for the gate is currently connected.
func (m *Manager) IsOnline(gateID string) bool {
	_, ok := m.Get(gateID)
	return ok
}

// Send delivers a message to the named gate's controller.
// Returns ErrGateOffline when no connection exists.
func (m *Manager) Send(gateID string, msg *protocol.Message) error {
	conn, ok := m.Get(gateID)
	if !ok {
		return ErrGateOffline
	}
	return conn.Send(msg)
}

// Count returns the number of connected gate controllers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.gates)
}
