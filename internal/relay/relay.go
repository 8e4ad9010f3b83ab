// ABOUTME: Forwards camera snapshots and live stream URLs from gates to consoles.
// ABOUTME: Tells a gate to stop streaming once no console is watching it.

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/parkops/gatehouse/internal/protocol"
	"github.com/parkops/gatehouse/internal/registry"
)

// DefaultIdleTimeout is how long a gate keeps streaming after its last
// viewer goes away before it is told to stop.
const DefaultIdleTimeout = 60 * time.Second

// Sender delivers command frames to a connected gate. The gate connection
// manager implements it.
type Sender interface {
	Send(gateID string, msg *protocol.Message) error
}

// Viewers answers how many consoles are currently watching a gate. The
// event bus implements it.
type Viewers interface {
	SubscriberCount(gateID string) int
}

// Relay routes camera media signals between gates and consoles. Frames are
// referenced, never stored: a snapshot is an image ref, a live feed is a URL.
type Relay struct {
	registry *registry.Registry
	bus      Publisher
	gates    Sender
	viewers  Viewers
	idle     time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer // gate id -> pending stop-stream timer
}

// Publisher fans events out to subscribed consoles.
type Publisher interface {
	Publish(gateID string, msg *protocol.Message)
}

// Config carries the relay's collaborators and tunables.
type Config struct {
	Registry    *registry.Registry
	Bus         Publisher
	Gates       Sender
	Viewers     Viewers
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// New creates a camera feed relay.
func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Relay{
		registry: cfg.Registry,
		bus:      cfg.Bus,
		gates:    cfg.Gates,
		viewers:  cfg.Viewers,
		idle:     idle,
		logger:   logger.With("component", "camera-relay"),
		timers:   make(map[string]*time.Timer),
	}
}

// OnSnapshot records a gate's latest still frame and forwards it to the
// gate's subscribers. Out-of-order snapshots are dropped by the registry
// and never reach consoles.
func (r *Relay) OnSnapshot(gateID, imageRef string, ts time.Time) {
	if !r.registry.UpsertSnapshot(gateID, imageRef, ts) {
		return
	}
	r.bus.Publish(gateID, &protocol.Message{
		Type:        protocol.TypeCameraSnapshot,
		GateID:      gateID,
		ImageRef:    imageRef,
		TimestampMS: ts.UnixMilli(),
	})
}

// OnLiveURL records the gate's live stream endpoint and announces it to
// subscribers.
func (r *Relay) OnLiveURL(gateID, url string) {
	r.registry.UpsertLiveURL(gateID, url)
	r.bus.Publish(gateID, &protocol.Message{
		Type:   protocol.TypeLiveStreamURL,
		GateID: gateID,
		URL:    url,
	})
}

// RequestStream asks a gate to start publishing live video. The gate
// answers with a live_stream_url frame, which arrives via OnLiveURL.
func (r *Relay) RequestStream(gateID string) error {
	r.cancelStop(gateID)
	return r.gates.Send(gateID, &protocol.Message{
		Type:   protocol.TypeRequestLiveStream,
		GateID: gateID,
	})
}

// OnViewerJoined cancels a pending stop for the gate. Called when a console
// subscribes to it.
func (r *Relay) OnViewerJoined(gateID string) {
	r.cancelStop(gateID)
}

// OnViewerLeft arms the idle timer when the gate's last direct subscriber
// goes away. Wildcard dashboard subscribers don't count as viewers; they
// see snapshots, not live video.
func (r *Relay) OnViewerLeft(gateID string) {
	if r.viewers.SubscriberCount(gateID) > 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[gateID]; ok {
		return
	}
	r.timers[gateID] = time.AfterFunc(r.idle, func() { r.stopIfIdle(gateID) })
}

// stopIfIdle sends stop_stream unless a viewer came back while the timer
// was pending.
func (r *Relay) stopIfIdle(gateID string) {
	r.mu.Lock()
	delete(r.timers, gateID)
	r.mu.Unlock()

	if r.viewers.SubscriberCount(gateID) > 0 {
		return
	}
	r.registry.UpsertLiveURL(gateID, "")
	err := r.gates.Send(gateID, &protocol.Message{
		Type:   protocol.TypeStopStream,
		GateID: gateID,
	})
	if err != nil {
		r.logger.Debug("stop_stream not delivered", "gate_id", gateID, "error", err)
		return
	}
	r.logger.Info("stream stopped, no viewers", "gate_id", gateID)
}

// cancelStop clears a pending stop-stream timer for the gate.
func (r *Relay) cancelStop(gateID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[gateID]; ok {
		t.Stop()
		delete(r.timers, gateID)
	}
}

// Close stops all pending timers.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for gateID, t := range r.timers {
		t.Stop()
		delete(r.timers, gateID)
	}
}
