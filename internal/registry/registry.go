// ABOUTME: Tracks known gates and their last-observed status, snapshot, and stream URL.
// ABOUTME: All updates are idempotent and monotonic in time; older updates are ignored.

package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/parkops/gatehouse/internal/metrics"
)

// ErrGateNotFound indicates the requested gate has never been seen.
var ErrGateNotFound = errors.New("gate not found")

// Status is the last-known state of a gate.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusIdle         Status = "idle"
	StatusInCall       Status = "in_call"
	StatusOpenPending  Status = "open_pending"
	StatusClosePending Status = "close_pending"
	StatusOpen         Status = "open"
	StatusClosed       Status = "closed"
)

// ParseStatus maps a wire status string to a Status, defaulting to unknown.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusIdle, StatusInCall, StatusOpenPending, StatusClosePending, StatusOpen, StatusClosed:
		return Status(s)
	default:
		return StatusUnknown
	}
}

// Gate is a snapshot of one gate's registry record.
type Gate struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	LastSeen    time.Time `json:"last_seen"`
	LiveURL     string    `json:"live_url,omitempty"`
	SnapshotRef string    `json:"snapshot_ref,omitempty"`
	SnapshotAt  time.Time `json:"snapshot_at"`
	Stale       bool      `json:"stale"`
}

// record is the mutable registry entry. statusAt and snapshotAt carry the
// per-field monotonic clocks.
type record struct {
	gate       Gate
	statusAt   time.Time
	snapshotAt time.Time
}

// Registry owns all Gate records. Gates are created on first event and never
// deleted, only reported stale once LastSeen falls behind the threshold.
type Registry struct {
	mu         sync.RWMutex
	gates      map[string]*record
	staleAfter time.Duration
	logger     *slog.Logger
}

// New creates an empty registry. staleAfter controls when List/Get report a
// gate as stale; zero disables stale marking.
func New(staleAfter time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		gates:      make(map[string]*record),
		staleAfter: staleAfter,
		logger:     logger.With("component", "registry"),
	}
}

// ensureLocked returns the record for gateID, creating it on first sight.
// Must be called with mu held.
func (r *Registry) ensureLocked(gateID string) *record {
	rec, ok := r.gates[gateID]
	if !ok {
		rec = &record{gate: Gate{ID: gateID, Status: StatusUnknown}}
		r.gates[gateID] = rec
		r.logger.Debug("gate discovered", "gate_id", gateID)
	}
	return rec
}

// UpsertStatus records a status observation. Returns false when the update
// carries an older timestamp than the stored one and was ignored; that is a
// signal, not an error. A zero timestamp means the controller sent no clock;
// such updates are ordered by arrival instead of being dropped as stale.
func (r *Registry) UpsertStatus(gateID string, status Status, ts time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ts.IsZero() {
		ts = time.Now()
	}
	rec := r.ensureLocked(gateID)
	if ts.Before(rec.statusAt) {
		metrics.StaleUpdatesIgnored.Inc()
		r.logger.Debug("stale status update ignored",
			"gate_id", gateID,
			"status", status,
			"ts", ts,
			"stored_ts", rec.statusAt,
		)
		return false
	}

	rec.gate.Status = status
	rec.statusAt = ts
	if ts.After(rec.gate.LastSeen) {
		rec.gate.LastSeen = ts
	}
	return true
}

// UpsertSnapshot records a camera snapshot reference. Returns false when the
// snapshot is older than the stored one.
func (r *Registry) UpsertSnapshot(gateID, ref string, ts time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ts.IsZero() {
		ts = time.Now()
	}
	rec := r.ensureLocked(gateID)
	if ts.Before(rec.snapshotAt) {
		metrics.StaleUpdatesIgnored.Inc()
		return false
	}

	rec.gate.SnapshotRef = ref
	rec.gate.SnapshotAt = ts
	rec.snapshotAt = ts
	if ts.After(rec.gate.LastSeen) {
		rec.gate.LastSeen = ts
	}
	return true
}

// UpsertLiveURL records the announced live-stream URL for a gate.
func (r *Registry) UpsertLiveURL(gateID, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.ensureLocked(gateID)
	rec.gate.LiveURL = url
	now := time.Now()
	if now.After(rec.gate.LastSeen) {
		rec.gate.LastSeen = now
	}
}

// Get returns a copy of the gate record, or ErrGateNotFound for a gate that
// has never produced an event.
func (r *Registry) Get(gateID string) (Gate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.gates[gateID]
	if !ok {
		return Gate{}, ErrGateNotFound
	}
	return r.snapshotLocked(rec), nil
}

// List returns a copy of every gate record, sorted by gate id for stable
// output.
func (r *Registry) List() []Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gates := make([]Gate, 0, len(r.gates))
	for _, rec := range r.gates {
		gates = append(gates, r.snapshotLocked(rec))
	}
	sort.Slice(gates, func(i, j int) bool { return gates[i].ID < gates[j].ID })
	return gates
}

// snapshotLocked copies a record and computes staleness. Must be called with
// mu held (read or write).
func (r *Registry) snapshotLocked(rec *record) Gate {
	g := rec.gate
	if r.staleAfter > 0 && !g.LastSeen.IsZero() {
		g.Stale = time.Since(g.LastSeen) > r.staleAfter
	}
	return g
}
