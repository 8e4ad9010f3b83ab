// ABOUTME: Owns the lifecycle of assist-call sessions, one active session per gate.
// ABOUTME: Transitions are serialized per gate id; independent gates proceed in parallel.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parkops/gatehouse/internal/dispatch"
	"github.com/parkops/gatehouse/internal/metrics"
	"github.com/parkops/gatehouse/internal/protocol"
	"github.com/parkops/gatehouse/internal/registry"
)

// Session manager errors. All recoverable; nothing here is fatal to the
// process, and one gate's failure never affects another gate's session.
var (
	ErrAlreadyActive   = errors.New("session already active for gate")
	ErrSessionNotFound = errors.New("no session for gate")
	ErrAlreadyClaimed  = errors.New("session already claimed")
	ErrForbidden       = errors.New("console does not own session")
	ErrInvalidState    = errors.New("invalid session state")
)

// State is an assist-call session's lifecycle phase.
type State string

const (
	StateRequested      State = "requested"
	StateClaimed        State = "claimed"
	StateCommandPending State = "command_pending"
	StateResolved       State = "resolved"
	StateAbandoned      State = "abandoned"
)

// terminal reports whether a state admits no further transitions.
func (s State) terminal() bool {
	return s == StateResolved || s == StateAbandoned
}

// DefaultRetention keeps a terminal session visible briefly so a late
// duplicate resolution is ignorable rather than an error.
const DefaultRetention = 30 * time.Second

// Session is one assist call between a gate and a claiming console.
type Session struct {
	GateID    string
	ConsoleID string // empty until claimed; first claim wins
	State     State
	CreatedAt time.Time
	Pending   *dispatch.PendingCommand
}

// Snapshot is a read-only copy of a session's observable fields.
type Snapshot struct {
	GateID    string
	ConsoleID string
	State     State
}

// Dispatcher is the command transmission surface the manager depends on.
type Dispatcher interface {
	Send(cmd *dispatch.PendingCommand) error
	Cancel(correlationID string)
	NotifyCallEnded(gateID string)
}

// Auditor records session transitions for the operational audit trail.
// Implementations must not block.
type Auditor interface {
	Record(action, gateID, actor, correlationID string, detail map[string]any)
}

// gateLock is a refcounted per-gate mutex, dropped from the shard map once
// nobody holds or waits on it.
type gateLock struct {
	mu   sync.Mutex
	refs int
}

// Manager owns all Session records. State transitions for one gate id are
// serialized by a keyed lock; there is deliberately no lock spanning gates.
type Manager struct {
	registry   *registry.Registry
	bus        Publisher
	dispatcher Dispatcher
	audit      Auditor
	timeout    time.Duration
	retention  time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*gateLock
}

// Publisher fans events out to operator consoles. The event bus implements it.
type Publisher interface {
	Publish(gateID string, msg *protocol.Message)
}

// Config carries the manager's collaborators and tunables.
type Config struct {
	Registry       *registry.Registry
	Bus            Publisher
	Dispatcher     Dispatcher
	Audit          Auditor // optional
	CommandTimeout time.Duration
	Retention      time.Duration
	Logger         *slog.Logger
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		registry:   cfg.Registry,
		bus:        cfg.Bus,
		dispatcher: cfg.Dispatcher,
		audit:      cfg.Audit,
		timeout:    cfg.CommandTimeout,
		retention:  retention,
		logger:     logger.With("component", "session-manager"),
		sessions:   make(map[string]*Session),
		locks:      make(map[string]*gateLock),
	}
}

// lockGate acquires the per-gate lock and returns its release func. Only
// operations on the same gate id contend here.
func (m *Manager) lockGate(gateID string) func() {
	m.mu.Lock()
	l, ok := m.locks[gateID]
	if !ok {
		l = &gateLock{}
		m.locks[gateID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, gateID)
		}
		m.mu.Unlock()
	}
}

// get returns the session for a gate id, if any.
func (m *Manager) get(gateID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[gateID]
	return sess, ok
}

// Get returns a snapshot of the gate's current session for state replay to
// late-joining consoles.
func (m *Manager) Get(gateID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[gateID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{GateID: sess.GateID, ConsoleID: sess.ConsoleID, State: sess.State}, true
}

// Request starts a session when a gate signals an incoming call. Fails with
// ErrAlreadyActive while a non-terminal session exists for the gate.
func (m *Manager) Request(gateID string) error {
	unlock := m.lockGate(gateID)
	defer unlock()

	if sess, ok := m.get(gateID); ok && !sess.State.terminal() {
		return ErrAlreadyActive
	}

	sess := &Session{
		GateID:    gateID,
		State:     StateRequested,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.sessions[gateID] = sess
	m.mu.Unlock()
	metrics.ActiveSessions.Inc()

	m.logger.Info("call requested", "gate_id", gateID)
	m.record("session_requested", gateID, "", "", nil)
	m.bus.Publish(gateID, &protocol.Message{
		Type:   protocol.TypeCallAvailable,
		GateID: gateID,
	})
	return nil
}

// Claim binds a console to a requested session. First claim wins: the owner
// field is compare-and-set under the gate's lock. Re-claiming by the same
// console is a no-op.
func (m *Manager) Claim(gateID, consoleID string) error {
	unlock := m.lockGate(gateID)
	defer unlock()

	sess, ok := m.get(gateID)
	if !ok || sess.State.terminal() {
		return ErrSessionNotFound
	}
	if sess.State != StateRequested {
		if sess.ConsoleID == consoleID {
			return nil
		}
		return ErrAlreadyClaimed
	}

	sess.ConsoleID = consoleID
	sess.State = StateClaimed
	m.registry.UpsertStatus(gateID, registry.StatusInCall, time.Now())

	m.logger.Info("call claimed", "gate_id", gateID, "console_id", consoleID)
	m.record("session_claimed", gateID, consoleID, "", nil)
	m.publishState(sess, "")
	return nil
}

// IssueCommand validates an operator action and forwards it to the command
// dispatcher. If the gate is offline the session is resolved as failed
// immediately; the operator learns the outcome from the command_result event
// either way.
func (m *Manager) IssueCommand(gateID, consoleID string, kind dispatch.Kind) error {
	unlock := m.lockGate(gateID)
	defer unlock()

	sess, ok := m.get(gateID)
	if !ok || sess.State.terminal() {
		return ErrSessionNotFound
	}
	if sess.ConsoleID != consoleID {
		return ErrForbidden
	}
	if sess.State != StateClaimed {
		return ErrInvalidState
	}

	cmd := dispatch.NewPendingCommand(gateID, kind, m.timeout)
	sess.Pending = cmd
	sess.State = StateCommandPending

	pendingStatus := registry.StatusOpenPending
	if kind == dispatch.KindClose {
		pendingStatus = registry.StatusClosePending
	}
	m.registry.UpsertStatus(gateID, pendingStatus, time.Now())

	m.logger.Info("command issued",
		"gate_id", gateID,
		"console_id", consoleID,
		"kind", kind,
		"correlation_id", cmd.CorrelationID,
	)
	m.record("command_issued", gateID, consoleID, cmd.CorrelationID, map[string]any{"kind": string(kind)})
	m.publishState(sess, "")

	if err := m.dispatcher.Send(cmd); err != nil {
		m.resolveLocked(sess, dispatch.Outcome{Kind: kind, Reason: "gate_offline"})
	}
	return nil
}

// ResolveCommand concludes a pending command. Called by the dispatcher on
// ack, timeout, or offline failure. Late duplicate resolutions for a session
// no longer in command_pending are ignored.
func (m *Manager) ResolveCommand(gateID string, outcome dispatch.Outcome) {
	unlock := m.lockGate(gateID)
	defer unlock()

	sess, ok := m.get(gateID)
	if !ok || sess.State != StateCommandPending {
		m.logger.Debug("late command resolution ignored", "gate_id", gateID)
		return
	}
	m.resolveLocked(sess, outcome)
}

// resolveLocked finishes a command_pending session. Must be called with the
// gate's lock held.
func (m *Manager) resolveLocked(sess *Session, outcome dispatch.Outcome) {
	correlationID := ""
	if sess.Pending != nil {
		correlationID = sess.Pending.CorrelationID
	}
	sess.Pending = nil
	sess.State = StateResolved
	metrics.ActiveSessions.Dec()

	now := time.Now()
	switch {
	case outcome.Success && outcome.Kind == dispatch.KindOpen:
		m.registry.UpsertStatus(sess.GateID, registry.StatusOpen, now)
	case outcome.Success:
		m.registry.UpsertStatus(sess.GateID, registry.StatusClosed, now)
	case outcome.Reason == "rejected":
		// Hardware answered no; the gate is still there and still in the call.
		m.registry.UpsertStatus(sess.GateID, registry.StatusInCall, now)
	default:
		// Timeout or offline: status unknown until the next status update.
		m.registry.UpsertStatus(sess.GateID, registry.StatusUnknown, now)
	}

	m.logger.Info("session resolved",
		"gate_id", sess.GateID,
		"kind", outcome.Kind,
		"success", outcome.Success,
		"reason", outcome.Reason,
	)
	m.record("command_resolved", sess.GateID, sess.ConsoleID, correlationID, map[string]any{
		"kind":    string(outcome.Kind),
		"success": outcome.Success,
		"reason":  outcome.Reason,
	})

	m.bus.Publish(sess.GateID, &protocol.Message{
		Type:    protocol.TypeCommandResult,
		GateID:  sess.GateID,
		Kind:    string(outcome.Kind),
		Success: protocol.Bool(outcome.Success),
		Reason:  outcome.Reason,
	})
	m.publishState(sess, outcome.Reason)
	m.scheduleRemoval(sess)
}

// Abandon ends a non-terminal session without a command outcome: the owning
// console disconnected, the operator hung up, or the gate went away. The
// gate is released back to idle.
func (m *Manager) Abandon(gateID, reason string) error {
	unlock := m.lockGate(gateID)
	defer unlock()

	sess, ok := m.get(gateID)
	if !ok || sess.State.terminal() {
		return ErrSessionNotFound
	}
	m.abandonLocked(sess, reason, registry.StatusIdle)
	return nil
}

// EndCall is the operator-facing abandon: only the claiming console may end
// a claimed call. An unclaimed request may be dismissed by any console.
func (m *Manager) EndCall(gateID, consoleID string) error {
	unlock := m.lockGate(gateID)
	defer unlock()

	sess, ok := m.get(gateID)
	if !ok || sess.State.terminal() {
		return ErrSessionNotFound
	}
	if sess.ConsoleID != "" && sess.ConsoleID != consoleID {
		return ErrForbidden
	}
	m.abandonLocked(sess, "ended_by_operator", registry.StatusIdle)
	return nil
}

// abandonLocked must be called with the gate's lock held.
func (m *Manager) abandonLocked(sess *Session, reason string, releaseTo registry.Status) {
	if sess.Pending != nil {
		m.dispatcher.Cancel(sess.Pending.CorrelationID)
		sess.Pending = nil
	}
	sess.State = StateAbandoned
	metrics.ActiveSessions.Dec()
	m.registry.UpsertStatus(sess.GateID, releaseTo, time.Now())

	m.logger.Info("session abandoned", "gate_id", sess.GateID, "reason", reason)
	m.record("session_abandoned", sess.GateID, sess.ConsoleID, "", map[string]any{"reason": reason})
	m.publishState(sess, reason)
	m.dispatcher.NotifyCallEnded(sess.GateID)
	m.scheduleRemoval(sess)
}

// OnConsoleDisconnect abandons every session the console was party to.
// Disconnection is expected lifecycle, not an error.
func (m *Manager) OnConsoleDisconnect(consoleID string) {
	m.mu.Lock()
	var owned []string
	for gateID, sess := range m.sessions {
		if sess.ConsoleID == consoleID && !sess.State.terminal() {
			owned = append(owned, gateID)
		}
	}
	m.mu.Unlock()

	for _, gateID := range owned {
		unlock := m.lockGate(gateID)
		if sess, ok := m.get(gateID); ok && sess.ConsoleID == consoleID && !sess.State.terminal() {
			m.abandonLocked(sess, "console_disconnected", registry.StatusIdle)
		}
		unlock()
	}
}

// OnGateDisconnect marks the gate unknown, fails any pending command as
// gate_offline, and abandons its active session.
func (m *Manager) OnGateDisconnect(gateID string) {
	unlock := m.lockGate(gateID)
	defer unlock()

	m.registry.UpsertStatus(gateID, registry.StatusUnknown, time.Now())

	sess, ok := m.get(gateID)
	if !ok || sess.State.terminal() {
		return
	}
	if sess.State == StateCommandPending {
		if sess.Pending != nil {
			m.dispatcher.Cancel(sess.Pending.CorrelationID)
		}
		kind := dispatch.KindOpen
		if sess.Pending != nil {
			kind = sess.Pending.Kind
		}
		m.resolveLocked(sess, dispatch.Outcome{Kind: kind, Reason: "gate_offline"})
		return
	}
	m.abandonLocked(sess, "gate_offline", registry.StatusUnknown)
}

// ActiveCount returns the number of non-terminal sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, sess := range m.sessions {
		if !sess.State.terminal() {
			n++
		}
	}
	return n
}

// publishState emits a session_state event for the gate's subscribers.
func (m *Manager) publishState(sess *Session, reason string) {
	m.bus.Publish(sess.GateID, &protocol.Message{
		Type:      protocol.TypeSessionState,
		GateID:    sess.GateID,
		State:     string(sess.State),
		ConsoleID: sess.ConsoleID,
		Reason:    reason,
	})
}

// scheduleRemoval drops a terminal session after the retention window, so a
// late duplicate ack finds a recognizable (and ignorable) session rather
// than an error.
func (m *Manager) scheduleRemoval(sess *Session) {
	time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		if m.sessions[sess.GateID] == sess {
			delete(m.sessions, sess.GateID)
		}
		m.mu.Unlock()
	})
}

// record forwards a transition to the auditor, if one is configured.
func (m *Manager) record(action, gateID, actor, correlationID string, detail map[string]any) {
	if m.audit != nil {
		m.audit.Record(action, gateID, actor, correlationID, detail)
	}
}
