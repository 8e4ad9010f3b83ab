// ABOUTME: Non-blocking audit recorder bridging session transitions to the store
// ABOUTME: Writes happen on a background goroutine; failures are logged, not surfaced

package store

import (
	"context"
	"log/slog"
	"time"
)

const recordTimeout = 5 * time.Second

// Recorder appends audit entries asynchronously so session transitions are
// never delayed by database writes.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger.With("component", "audit")}
}

// Record appends an audit entry in the background.
func (r *Recorder) Record(action, gateID, actor, correlationID string, detail map[string]any) {
	entry := &AuditEntry{
		GateID:        gateID,
		Actor:         actor,
		Action:        action,
		CorrelationID: correlationID,
		Detail:        detail,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := r.store.AppendAudit(ctx, entry); err != nil {
			r.logger.Warn("audit write failed", "action", action, "gate_id", gateID, "error", err)
		}
	}()
}
