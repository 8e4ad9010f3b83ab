// ABOUTME: Tests for the gate registry's monotonic upserts and snapshots
// ABOUTME: Covers stale rejection, first-sight creation, listing, and staleness

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GateCreatedOnFirstEvent(t *testing.T) {
	r := New(0, nil)

	_, err := r.Get("gate-1")
	assert.ErrorIs(t, err, ErrGateNotFound)

	require.True(t, r.UpsertStatus("gate-1", StatusIdle, time.Now()))

	gate, err := r.Get("gate-1")
	require.NoError(t, err)
	assert.Equal(t, "gate-1", gate.ID)
	assert.Equal(t, StatusIdle, gate.Status)
}

func TestRegistry_OlderStatusUpdateIgnored(t *testing.T) {
	r := New(0, nil)

	base := time.Now()
	require.True(t, r.UpsertStatus("gate-1", StatusOpen, base))

	// A delayed frame from before the stored observation must not regress.
	assert.False(t, r.UpsertStatus("gate-1", StatusClosed, base.Add(-5*time.Second)))

	gate, err := r.Get("gate-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, gate.Status)
}

func TestRegistry_EqualTimestampWins(t *testing.T) {
	r := New(0, nil)

	ts := time.Now()
	require.True(t, r.UpsertStatus("gate-1", StatusOpen, ts))
	assert.True(t, r.UpsertStatus("gate-1", StatusClosed, ts))

	gate, err := r.Get("gate-1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, gate.Status)
}

func TestRegistry_ZeroTimestampOrderedByArrival(t *testing.T) {
	r := New(0, nil)

	require.True(t, r.UpsertStatus("gate-1", StatusOpen, time.Now()))

	// A controller with no clock sends timestamp-less frames; they must keep
	// applying rather than losing to the stored timestamp forever.
	assert.True(t, r.UpsertStatus("gate-1", StatusClosed, time.Time{}))

	gate, err := r.Get("gate-1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, gate.Status)
	assert.False(t, gate.LastSeen.IsZero())

	assert.True(t, r.UpsertSnapshot("gate-1", "img-1", time.Time{}))
	gate, err = r.Get("gate-1")
	require.NoError(t, err)
	assert.Equal(t, "img-1", gate.SnapshotRef)
}

func TestRegistry_SnapshotClockIndependentOfStatusClock(t *testing.T) {
	r := New(0, nil)

	base := time.Now()
	require.True(t, r.UpsertStatus("gate-1", StatusIdle, base))

	// A snapshot older than the status observation is still the newest snapshot.
	assert.True(t, r.UpsertSnapshot("gate-1", "img-1", base.Add(-time.Minute)))
	assert.False(t, r.UpsertSnapshot("gate-1", "img-0", base.Add(-2*time.Minute)))

	gate, err := r.Get("gate-1")
	require.NoError(t, err)
	assert.Equal(t, "img-1", gate.SnapshotRef)
	assert.Equal(t, StatusIdle, gate.Status)
}

func TestRegistry_UpsertLiveURL(t *testing.T) {
	r := New(0, nil)

	r.UpsertLiveURL("gate-1", "rtsp://cam/1")
	gate, err := r.Get("gate-1")
	require.NoError(t, err)
	assert.Equal(t, "rtsp://cam/1", gate.LiveURL)

	r.UpsertLiveURL("gate-1", "")
	gate, err = r.Get("gate-1")
	require.NoError(t, err)
	assert.Empty(t, gate.LiveURL)
}

func TestRegistry_ListSortedByID(t *testing.T) {
	r := New(0, nil)

	now := time.Now()
	r.UpsertStatus("gate-c", StatusIdle, now)
	r.UpsertStatus("gate-a", StatusOpen, now)
	r.UpsertStatus("gate-b", StatusClosed, now)

	gates := r.List()
	require.Len(t, gates, 3)
	assert.Equal(t, "gate-a", gates[0].ID)
	assert.Equal(t, "gate-b", gates[1].ID)
	assert.Equal(t, "gate-c", gates[2].ID)
}

func TestRegistry_StaleMarking(t *testing.T) {
	r := New(time.Minute, nil)

	r.UpsertStatus("fresh", StatusIdle, time.Now())
	r.UpsertStatus("quiet", StatusIdle, time.Now().Add(-2*time.Minute))

	gates := r.List()
	require.Len(t, gates, 2)
	for _, g := range gates {
		switch g.ID {
		case "fresh":
			assert.False(t, g.Stale)
		case "quiet":
			assert.True(t, g.Stale)
		}
	}
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusOpen, ParseStatus("open"))
	assert.Equal(t, StatusClosePending, ParseStatus("close_pending"))
	assert.Equal(t, StatusUnknown, ParseStatus("weird"))
	assert.Equal(t, StatusUnknown, ParseStatus(""))
}
