// ABOUTME: Tests for the SQLite audit store
// ABOUTME: Uses in-memory databases to exercise append and filtered listing

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_AppendGeneratesIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &AuditEntry{GateID: "gate-1", Action: "session_requested"}
	require.NoError(t, s.AppendAudit(ctx, e))

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestSQLiteStore_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	entries := []*AuditEntry{
		{GateID: "gate-1", Action: "session_requested", Timestamp: base},
		{GateID: "gate-1", Actor: "console-a", Action: "session_claimed", Timestamp: base.Add(time.Second)},
		{GateID: "gate-2", Action: "session_requested", Timestamp: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendAudit(ctx, e))
	}

	got, err := s.ListAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Newest first.
	assert.Equal(t, "gate-2", got[0].GateID)
	assert.Equal(t, "session_claimed", got[1].Action)
	assert.Equal(t, "session_requested", got[2].Action)
}

func TestSQLiteStore_FilterByGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{GateID: "gate-1", Action: "session_requested"}))
	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{GateID: "gate-2", Action: "session_requested"}))

	gate := "gate-1"
	got, err := s.ListAudit(ctx, AuditFilter{GateID: &gate})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "gate-1", got[0].GateID)
}

func TestSQLiteStore_FilterByActionAndActor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{GateID: "gate-1", Actor: "console-a", Action: "session_claimed"}))
	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{GateID: "gate-1", Actor: "console-b", Action: "session_claimed"}))
	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{GateID: "gate-1", Actor: "console-a", Action: "command_issued"}))

	action := "session_claimed"
	actor := "console-a"
	got, err := s.ListAudit(ctx, AuditFilter{Action: &action, Actor: &actor})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "console-a", got[0].Actor)
	assert.Equal(t, "session_claimed", got[0].Action)
}

func TestSQLiteStore_FilterByTimeWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
			GateID:    "gate-1",
			Action:    "session_requested",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	since := base.Add(time.Minute)
	until := base.Add(3 * time.Minute)
	got, err := s.ListAudit(ctx, AuditFilter{Since: &since, Until: &until})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestSQLiteStore_LimitApplied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendAudit(ctx, &AuditEntry{GateID: "gate-1", Action: "session_requested"}))
	}

	got, err := s.ListAudit(ctx, AuditFilter{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestSQLiteStore_DetailRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
		GateID:        "gate-1",
		Actor:         "console-a",
		Action:        "command_resolved",
		CorrelationID: "corr-1",
		Detail:        map[string]any{"kind": "open", "success": true},
	}))

	got, err := s.ListAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "corr-1", got[0].CorrelationID)
	assert.Equal(t, "open", got[0].Detail["kind"])
	assert.Equal(t, true, got[0].Detail["success"])
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 100, normalizeAuditLimit(-5))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
	assert.Equal(t, 42, normalizeAuditLimit(42))
}
