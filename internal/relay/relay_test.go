// ABOUTME: Tests for the camera feed relay's forwarding and idle-stop logic
// ABOUTME: Covers stale snapshot drops, stream URL announcements, and viewer counting

package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkops/gatehouse/internal/protocol"
	"github.com/parkops/gatehouse/internal/registry"
)

type capturingBus struct {
	mu     sync.Mutex
	events []*protocol.Message
}

func (c *capturingBus) Publish(gateID string, msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, msg)
}

func (c *capturingBus) all() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.events...)
}

type fakeGateSender struct {
	mu   sync.Mutex
	sent []*protocol.Message
}

func (f *fakeGateSender) Send(gateID string, msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeGateSender) all() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Message(nil), f.sent...)
}

type fixedViewers struct {
	mu sync.Mutex
	n  int
}

func (f *fixedViewers) set(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n = n
}

func (f *fixedViewers) SubscriberCount(gateID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func newTestRelay(t *testing.T, idle time.Duration) (*Relay, *registry.Registry, *capturingBus, *fakeGateSender, *fixedViewers) {
	t.Helper()
	reg := registry.New(0, nil)
	b := &capturingBus{}
	s := &fakeGateSender{}
	v := &fixedViewers{}
	r := New(Config{
		Registry:    reg,
		Bus:         b,
		Gates:       s,
		Viewers:     v,
		IdleTimeout: idle,
	})
	t.Cleanup(r.Close)
	return r, reg, b, s, v
}

func TestRelay_SnapshotForwardedAndRecorded(t *testing.T) {
	r, reg, b, _, _ := newTestRelay(t, time.Minute)

	ts := time.Now()
	r.OnSnapshot("gate-1", "img-42", ts)

	gate, err := reg.Get("gate-1")
	require.NoError(t, err)
	assert.Equal(t, "img-42", gate.SnapshotRef)

	events := b.all()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.TypeCameraSnapshot, events[0].Type)
	assert.Equal(t, "img-42", events[0].ImageRef)
	assert.Equal(t, ts.UnixMilli(), events[0].TimestampMS)
}

func TestRelay_StaleSnapshotNotForwarded(t *testing.T) {
	r, reg, b, _, _ := newTestRelay(t, time.Minute)

	base := time.Now()
	r.OnSnapshot("gate-1", "img-2", base)
	r.OnSnapshot("gate-1", "img-1", base.Add(-time.Minute))

	gate, err := reg.Get("gate-1")
	require.NoError(t, err)
	assert.Equal(t, "img-2", gate.SnapshotRef)
	assert.Len(t, b.all(), 1, "stale snapshot must not reach consoles")
}

func TestRelay_LiveURLAnnounced(t *testing.T) {
	r, reg, b, _, _ := newTestRelay(t, time.Minute)

	r.OnLiveURL("gate-1", "rtsp://cam/1")

	gate, err := reg.Get("gate-1")
	require.NoError(t, err)
	assert.Equal(t, "rtsp://cam/1", gate.LiveURL)

	events := b.all()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.TypeLiveStreamURL, events[0].Type)
}

func TestRelay_RequestStreamSendsToGate(t *testing.T) {
	r, _, _, s, _ := newTestRelay(t, time.Minute)

	require.NoError(t, r.RequestStream("gate-1"))

	sent := s.all()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeRequestLiveStream, sent[0].Type)
	assert.Equal(t, "gate-1", sent[0].GateID)
}

func TestRelay_StopStreamAfterLastViewerLeaves(t *testing.T) {
	r, reg, _, s, v := newTestRelay(t, 20*time.Millisecond)

	r.OnLiveURL("gate-1", "rtsp://cam/1")
	v.set(0)
	r.OnViewerLeft("gate-1")

	assert.Eventually(t, func() bool {
		for _, msg := range s.all() {
			if msg.Type == protocol.TypeStopStream {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	gate, err := reg.Get("gate-1")
	require.NoError(t, err)
	assert.Empty(t, gate.LiveURL, "stream URL cleared once stopped")
}

func TestRelay_ReturningViewerCancelsStop(t *testing.T) {
	r, _, _, s, v := newTestRelay(t, 30*time.Millisecond)

	v.set(0)
	r.OnViewerLeft("gate-1")
	r.OnViewerJoined("gate-1")
	v.set(1)

	time.Sleep(80 * time.Millisecond)
	for _, msg := range s.all() {
		assert.NotEqual(t, protocol.TypeStopStream, msg.Type)
	}
}

func TestRelay_ViewersRemainingNoStop(t *testing.T) {
	r, _, _, s, v := newTestRelay(t, 20*time.Millisecond)

	v.set(2)
	r.OnViewerLeft("gate-1")

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, s.all())
}
