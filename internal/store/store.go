// ABOUTME: Store interface and data types for gatehouse persistence
// ABOUTME: Defines the audit trail entities and the Store interface

package store

import (
	"context"
	"time"
)

// AuditEntry is one recorded gate operation: a call requested or claimed, a
// command issued or resolved, a session abandoned.
type AuditEntry struct {
	ID            string         // UUID v4
	GateID        string         // gate the action concerns
	Actor         string         // console id, or empty for gate-originated actions
	Action        string         // "session_requested", "command_issued", ...
	CorrelationID string         // set for command actions, empty otherwise
	Timestamp     time.Time      // when it happened
	Detail        map[string]any // additional context, stored as JSON
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	GateID *string    // filter by gate
	Actor  *string    // filter by console
	Action *string    // filter by action
	Since  *time.Time // entries at or after this time
	Until  *time.Time // entries at or before this time
	Limit  int        // max results (default 100, max 1000)
}

// Store persists the gate operations audit trail.
type Store interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
	Close() error
}
