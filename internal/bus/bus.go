// ABOUTME: In-memory fan-out event bus between the coordination core and consoles.
// ABOUTME: Consoles attach once, then subscribe per gate id or to the wildcard channel.

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/parkops/gatehouse/internal/metrics"
	"github.com/parkops/gatehouse/internal/protocol"
)

// AllGates is the wildcard channel. A console subscribed to it receives every
// published event regardless of gate id; it carries the call-available
// broadcast, since any operator may claim an unclaimed call.
const AllGates = "*"

// subscriberBufferSize is the channel buffer for each attached console.
// Events for a slow console are dropped once its buffer fills.
const subscriberBufferSize = 64

// Bus provides in-memory pub/sub keyed by gate id. Delivery is best-effort
// and ordered per (gate id, subscriber) pair; publishing to a gate with no
// subscribers is a silent no-op.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *protocol.Message          // consoleID -> delivery channel
	topics      map[string]map[string]struct{}             // gateID -> set of consoleIDs
	logger      *slog.Logger
}

// New creates a bus. Pass nil logger for the default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]chan *protocol.Message),
		topics:      make(map[string]map[string]struct{}),
		logger:      logger.With("component", "bus"),
	}
}

// Attach registers a console connection and returns its delivery channel.
// The console is detached automatically when ctx is cancelled; Detach may
// also be called explicitly. Attaching an id twice replaces the old channel.
func (b *Bus) Attach(ctx context.Context, consoleID string) <-chan *protocol.Message {
	ch := make(chan *protocol.Message, subscriberBufferSize)

	b.mu.Lock()
	if old, ok := b.subscribers[consoleID]; ok {
		close(old)
	}
	b.subscribers[consoleID] = ch
	b.mu.Unlock()

	b.logger.Debug("console attached", "console_id", consoleID)

	go func() {
		<-ctx.Done()
		b.Detach(consoleID)
	}()

	return ch
}

// Subscribe adds the console to a gate's topic. Unknown console ids are
// ignored; the transport owns connection lifetime.
func (b *Bus) Subscribe(consoleID, gateID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[consoleID]; !ok {
		return
	}
	topic, ok := b.topics[gateID]
	if !ok {
		topic = make(map[string]struct{})
		b.topics[gateID] = topic
	}
	topic[consoleID] = struct{}{}

	b.logger.Debug("subscribed", "console_id", consoleID, "gate_id", gateID)
}

// Unsubscribe removes the console from a gate's topic.
func (b *Bus) Unsubscribe(consoleID, gateID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(consoleID, gateID)
}

// unsubscribeLocked must be called with mu held.
func (b *Bus) unsubscribeLocked(consoleID, gateID string) {
	topic, ok := b.topics[gateID]
	if !ok {
		return
	}
	delete(topic, consoleID)
	if len(topic) == 0 {
		delete(b.topics, gateID)
	}
}

// Detach removes a console entirely: all subscriptions are released and its
// delivery channel is closed.
func (b *Bus) Detach(consoleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[consoleID]
	if !ok {
		return
	}
	delete(b.subscribers, consoleID)
	for gateID := range b.topics {
		b.unsubscribeLocked(consoleID, gateID)
	}
	close(ch)

	b.logger.Debug("console detached", "console_id", consoleID)
}

// Publish fans the event to every console subscribed to the gate id plus any
// console on the wildcard channel. A console subscribed to both receives the
// event once. Non-blocking: events are dropped for consoles whose channels
// are full.
func (b *Bus) Publish(gateID string, msg *protocol.Message) {
	// Sends happen under the read lock so Detach cannot close a channel
	// mid-delivery. They are non-blocking, so the lock is held briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()

	targets := make([]chan *protocol.Message, 0, 4)
	seen := make(map[string]struct{}, 4)
	for _, topic := range []string{gateID, AllGates} {
		for consoleID := range b.topics[topic] {
			if _, dup := seen[consoleID]; dup {
				continue
			}
			seen[consoleID] = struct{}{}
			if ch, ok := b.subscribers[consoleID]; ok {
				targets = append(targets, ch)
			}
		}
	}

	if len(targets) == 0 {
		return
	}
	metrics.EventsPublished.WithLabelValues(string(msg.Type)).Inc()

	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
			metrics.EventsDropped.Inc()
			b.logger.Debug("dropped event for slow console",
				"gate_id", gateID,
				"type", msg.Type,
			)
		}
	}
}

// SendTo delivers an event to one console only, bypassing topic fan-out.
// Used for direct replies and late-joiner state replay. Returns false if the
// console is not attached or its buffer is full.
func (b *Bus) SendTo(consoleID string, msg *protocol.Message) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.subscribers[consoleID]
	if !ok {
		return false
	}
	select {
	case ch <- msg:
		return true
	default:
		metrics.EventsDropped.Inc()
		return false
	}
}

// SubscriberCount returns the number of consoles directly subscribed to a
// gate id, excluding wildcard subscribers. The camera relay uses it to decide
// whether anyone is watching a stream.
func (b *Bus) SubscriberCount(gateID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[gateID])
}

// Close shuts down the bus and closes all delivery channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for consoleID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, consoleID)
	}
	b.topics = make(map[string]map[string]struct{})

	b.logger.Debug("bus closed")
}
