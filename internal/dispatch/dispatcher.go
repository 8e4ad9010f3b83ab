// ABOUTME: Sends open/close commands to gate controllers and tracks acknowledgments.
// ABOUTME: Every pending command has a correlation id and a deadline; none wait forever.

package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parkops/gatehouse/internal/dedupe"
	"github.com/parkops/gatehouse/internal/metrics"
	"github.com/parkops/gatehouse/internal/protocol"
)

// ErrGateOffline indicates no live connection exists for the target gate.
var ErrGateOffline = errors.New("gate offline")

// DefaultCommandTimeout bounds how long a command waits for a hardware ack.
const DefaultCommandTimeout = 10 * time.Second

// Kind identifies the hardware command.
type Kind string

const (
	KindOpen  Kind = "open"
	KindClose Kind = "close"
)

// wireType maps a command kind to its outbound message type.
func (k Kind) wireType() protocol.Type {
	if k == KindClose {
		return protocol.TypeCloseGate
	}
	return protocol.TypeOpenGate
}

// PendingCommand is one in-flight hardware command. It exists only while
// awaiting acknowledgment and is removed on ack, timeout, or cancellation.
type PendingCommand struct {
	Kind          Kind
	GateID        string
	CorrelationID string
	IssuedAt      time.Time
	Deadline      time.Time
}

// NewPendingCommand builds a command with a fresh correlation id and a
// deadline relative to now.
func NewPendingCommand(gateID string, kind Kind, timeout time.Duration) *PendingCommand {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	now := time.Now()
	return &PendingCommand{
		Kind:          kind,
		GateID:        gateID,
		CorrelationID: uuid.New().String(),
		IssuedAt:      now,
		Deadline:      now.Add(timeout),
	}
}

// Outcome describes how a pending command concluded.
type Outcome struct {
	Kind    Kind
	Success bool
	Reason  string // empty on success; "rejected", "timeout", or "gate_offline"
}

// Resolver receives command conclusions. The session manager implements it.
type Resolver interface {
	ResolveCommand(gateID string, outcome Outcome)
}

// Sender transmits messages to gate controllers. The gates manager
// implements it.
type Sender interface {
	Send(gateID string, msg *protocol.Message) error
	IsOnline(gateID string) bool
}

// pendingEntry pairs a command with its timeout timer.
type pendingEntry struct {
	cmd   *PendingCommand
	timer *time.Timer
}

// Dispatcher transmits validated commands to gate controllers and reports
// each outcome exactly once to the resolver. At most one pending command per
// gate is the session manager's invariant and is not re-checked here.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry // correlation id -> entry

	sender    Sender
	resolver  Resolver
	completed *dedupe.Cache
	backend   *BackendClient
	logger    *slog.Logger
}

// New creates a dispatcher. The resolver must be set with SetResolver before
// any command is sent; backend may be nil when no collaborator is configured.
func New(sender Sender, backend *BackendClient, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pending:   make(map[string]*pendingEntry),
		sender:    sender,
		completed: dedupe.New(5*time.Minute, 100_000),
		backend:   backend,
		logger:    logger.With("component", "dispatcher"),
	}
}

// SetResolver wires the session manager in after construction; the two
// reference each other.
func (d *Dispatcher) SetResolver(r Resolver) {
	d.resolver = r
}

// Send transmits a command to its gate controller and starts the timeout
// timer. Returns ErrGateOffline when no live connection exists or the
// transmit fails; the caller resolves the session as failed in that case.
func (d *Dispatcher) Send(cmd *PendingCommand) error {
	if !d.sender.IsOnline(cmd.GateID) {
		return ErrGateOffline
	}

	entry := &pendingEntry{cmd: cmd}
	d.mu.Lock()
	d.pending[cmd.CorrelationID] = entry
	entry.timer = time.AfterFunc(time.Until(cmd.Deadline), func() {
		d.OnTimeout(cmd.CorrelationID)
	})
	d.mu.Unlock()

	msg := &protocol.Message{
		Type:          cmd.Kind.wireType(),
		GateID:        cmd.GateID,
		CorrelationID: cmd.CorrelationID,
	}
	if err := d.sender.Send(cmd.GateID, msg); err != nil {
		d.remove(cmd.CorrelationID)
		return ErrGateOffline
	}

	metrics.CommandsSent.WithLabelValues(string(cmd.Kind)).Inc()
	d.logger.Debug("command sent",
		"gate_id", cmd.GateID,
		"kind", cmd.Kind,
		"correlation_id", cmd.CorrelationID,
	)
	return nil
}

// OnAck handles a hardware acknowledgment. Acks for commands that already
// concluded are ignored; acks for unknown correlation ids are logged.
func (d *Dispatcher) OnAck(correlationID string, success bool) {
	cmd, ok := d.take(correlationID)
	if !ok {
		if d.completed.Seen(correlationID) {
			d.logger.Debug("duplicate ack ignored", "correlation_id", correlationID)
		} else {
			d.logger.Warn("ack for unknown command", "correlation_id", correlationID)
		}
		return
	}

	metrics.CommandRoundTrip.Observe(time.Since(cmd.IssuedAt).Seconds())
	outcome := Outcome{Kind: cmd.Kind, Success: success}
	if success {
		metrics.CommandOutcomes.WithLabelValues("acked").Inc()
	} else {
		outcome.Reason = "rejected"
		metrics.CommandOutcomes.WithLabelValues("rejected").Inc()
	}

	if success && cmd.Kind == KindClose && d.backend != nil {
		go d.backend.RecordGateClose(cmd.GateID)
	}

	d.resolver.ResolveCommand(cmd.GateID, outcome)
}

// OnTimeout concludes a command whose deadline passed without an ack.
func (d *Dispatcher) OnTimeout(correlationID string) {
	cmd, ok := d.take(correlationID)
	if !ok {
		return
	}

	metrics.CommandOutcomes.WithLabelValues("timeout").Inc()
	d.logger.Warn("command timed out",
		"gate_id", cmd.GateID,
		"kind", cmd.Kind,
		"correlation_id", cmd.CorrelationID,
	)
	d.resolver.ResolveCommand(cmd.GateID, Outcome{Kind: cmd.Kind, Reason: "timeout"})
}

// Cancel abandons a pending command without reporting an outcome. Used when
// the session itself ends (console disconnect, gate disconnect).
func (d *Dispatcher) Cancel(correlationID string) {
	if _, ok := d.take(correlationID); ok {
		metrics.CommandOutcomes.WithLabelValues("cancelled").Inc()
	}
}

// NotifyCallEnded reports the end of an assist call to the collaborator
// backend. Fire-and-forget relative to session state.
func (d *Dispatcher) NotifyCallEnded(gateID string) {
	if d.backend != nil {
		go d.backend.RecordCallEnd(gateID)
	}
}

// take atomically removes a pending entry, stops its timer, and marks the
// correlation id completed. The bool reports whether the entry existed, which
// makes ack/timeout races resolve to exactly one winner.
func (d *Dispatcher) take(correlationID string) (*PendingCommand, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.pending[correlationID]
	if !ok {
		return nil, false
	}
	delete(d.pending, correlationID)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	d.completed.Mark(correlationID)
	return entry.cmd, true
}

// remove drops a pending entry without marking it completed, for commands
// that never reached the gate.
func (d *Dispatcher) remove(correlationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.pending[correlationID]; ok {
		delete(d.pending, correlationID)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}

// Close releases the dedupe cache's background goroutine.
func (d *Dispatcher) Close() {
	d.completed.Close()
}
