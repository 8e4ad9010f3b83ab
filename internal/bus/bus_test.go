// ABOUTME: Tests for the fan-out event bus between core and consoles
// ABOUTME: Covers subscribe, wildcard delivery, ordering, drops, and detach

package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkops/gatehouse/internal/protocol"
)

func statusEvent(gateID, status string) *protocol.Message {
	return &protocol.Message{
		Type:   protocol.TypeStatusUpdate,
		GateID: gateID,
		Status: status,
	}
}

func receive(t *testing.T, ch <-chan *protocol.Message) *protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBus_SubscriberReceivesGateEvents(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch := b.Attach(t.Context(), "console-1")
	b.Subscribe("console-1", "gate-7")

	b.Publish("gate-7", statusEvent("gate-7", "open"))

	msg := receive(t, ch)
	assert.Equal(t, protocol.TypeStatusUpdate, msg.Type)
	assert.Equal(t, "gate-7", msg.GateID)
}

func TestBus_OtherGatesAreIsolated(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch := b.Attach(t.Context(), "console-1")
	b.Subscribe("console-1", "gate-7")

	b.Publish("gate-9", statusEvent("gate-9", "open"))
	b.Publish("gate-7", statusEvent("gate-7", "closed"))

	msg := receive(t, ch)
	assert.Equal(t, "gate-7", msg.GateID)
	assert.Empty(t, ch)
}

func TestBus_WildcardReceivesEverything(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch := b.Attach(t.Context(), "dashboard")
	b.Subscribe("dashboard", AllGates)

	b.Publish("gate-1", statusEvent("gate-1", "open"))
	b.Publish("gate-2", statusEvent("gate-2", "closed"))

	assert.Equal(t, "gate-1", receive(t, ch).GateID)
	assert.Equal(t, "gate-2", receive(t, ch).GateID)
}

func TestBus_WildcardPlusDirectDeliversOnce(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch := b.Attach(t.Context(), "console-1")
	b.Subscribe("console-1", AllGates)
	b.Subscribe("console-1", "gate-7")

	b.Publish("gate-7", statusEvent("gate-7", "open"))

	receive(t, ch)
	select {
	case msg := <-ch:
		t.Fatalf("received duplicate event: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_OrderPreservedPerSubscriber(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch := b.Attach(t.Context(), "console-1")
	b.Subscribe("console-1", "gate-7")

	for i := 0; i < 10; i++ {
		b.Publish("gate-7", statusEvent("gate-7", fmt.Sprintf("s%d", i)))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("s%d", i), receive(t, ch).Status)
	}
}

func TestBus_PublishWithoutSubscribersIsNoOp(t *testing.T) {
	b := New(nil)
	defer b.Close()

	// Must not block or panic.
	b.Publish("gate-7", statusEvent("gate-7", "open"))
}

func TestBus_SlowConsoleDropsInsteadOfBlocking(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch := b.Attach(t.Context(), "console-1")
	b.Subscribe("console-1", "gate-7")

	// Overfill the buffer without draining; Publish must never block.
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish("gate-7", statusEvent("gate-7", "open"))
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch := b.Attach(t.Context(), "console-1")
	b.Subscribe("console-1", "gate-7")
	b.Unsubscribe("console-1", "gate-7")

	b.Publish("gate-7", statusEvent("gate-7", "open"))
	assert.Empty(t, ch)
}

func TestBus_DetachClosesChannelAndReleasesTopics(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch := b.Attach(t.Context(), "console-1")
	b.Subscribe("console-1", "gate-7")
	require.Equal(t, 1, b.SubscriberCount("gate-7"))

	b.Detach("console-1")

	_, open := <-ch
	assert.False(t, open, "channel should be closed after detach")
	assert.Equal(t, 0, b.SubscriberCount("gate-7"))
}

func TestBus_ContextCancelDetaches(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Attach(ctx, "console-1")
	b.Subscribe("console-1", "gate-7")

	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestBus_SendToTargetsOneConsole(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch1 := b.Attach(t.Context(), "console-1")
	ch2 := b.Attach(t.Context(), "console-2")
	b.Subscribe("console-2", AllGates)

	ok := b.SendTo("console-1", &protocol.Message{Type: protocol.TypeWelcome})
	require.True(t, ok)

	assert.Equal(t, protocol.TypeWelcome, receive(t, ch1).Type)
	assert.Empty(t, ch2)

	assert.False(t, b.SendTo("nobody", &protocol.Message{Type: protocol.TypeWelcome}))
}
