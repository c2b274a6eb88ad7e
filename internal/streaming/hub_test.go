package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/ces/internal/common/logger"
	v1 "github.com/kandev/ces/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func collect(t *testing.T, sub *Subscription, n int) []v1.OutputEvent {
	t.Helper()
	events := make([]v1.OutputEvent, 0, n)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "channel closed before %d events", n)
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(events)+1, n)
		}
	}
	return events
}

func TestHubLiveDelivery(t *testing.T) {
	hub := NewHub("exec-1", 100, 16, testLogger(t))
	sub := hub.Subscribe()

	hub.Publish(v1.EventStdout, "a")
	hub.Publish(v1.EventStderr, "b")

	events := collect(t, sub, 2)
	assert.Equal(t, int64(0), events[0].Seq)
	assert.Equal(t, v1.EventStdout, events[0].Kind)
	assert.Equal(t, int64(1), events[1].Seq)
	assert.Equal(t, v1.EventStderr, events[1].Kind)
}

func TestHubLateJoinReplaysFullPrefix(t *testing.T) {
	hub := NewHub("exec-1", 100, 16, testLogger(t))

	hub.Publish(v1.EventStdout, "a")
	hub.Publish(v1.EventStdout, "b")

	sub := hub.Subscribe()
	replay := sub.Replay()
	require.Len(t, replay, 2)
	assert.Equal(t, int64(0), replay[0].Seq)
	assert.Equal(t, int64(1), replay[1].Seq)

	// Events published after subscribing arrive live, gap-free.
	hub.Publish(v1.EventStdout, "c")
	events := collect(t, sub, 1)
	assert.Equal(t, int64(2), events[0].Seq)
}

func TestHubTerminalClosesSubscribers(t *testing.T) {
	hub := NewHub("exec-1", 100, 16, testLogger(t))
	sub := hub.Subscribe()

	hub.Publish(v1.EventStdout, "a")
	hub.PublishTerminal(v1.EventResult, "done")

	events := collect(t, sub, 2)
	assert.True(t, events[1].Terminal)

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.True(t, hub.Closed())

	// Publishing after the terminal event is a no-op.
	ev := hub.Publish(v1.EventStdout, "late")
	assert.Equal(t, v1.OutputEvent{}, ev)
}

func TestHubSubscribeAfterTerminal(t *testing.T) {
	hub := NewHub("exec-1", 100, 16, testLogger(t))
	hub.Publish(v1.EventStdout, "a")
	hub.PublishTerminal(v1.EventResult, "done")

	sub := hub.Subscribe()
	replay := sub.Replay()
	require.Len(t, replay, 2)
	assert.True(t, replay[1].Terminal)

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestHubTruncationMarker(t *testing.T) {
	hub := NewHub("exec-1", 3, 16, testLogger(t))
	for i := 0; i < 5; i++ {
		hub.Publish(v1.EventStdout, i)
	}

	sub := hub.Subscribe()
	replay := sub.Replay()
	require.Len(t, replay, 4)

	assert.Equal(t, v1.EventTruncated, replay[0].Kind)
	assert.Equal(t, int64(2), replay[0].Payload)
	// The retained suffix keeps its original sequence numbers.
	assert.Equal(t, int64(2), replay[1].Seq)
	assert.Equal(t, int64(4), replay[3].Seq)
}

func TestHubDropsLaggingSubscriber(t *testing.T) {
	hub := NewHub("exec-1", 100, 2, testLogger(t))
	slow := hub.Subscribe()

	// Never drained: the third publish overflows its queue.
	hub.Publish(v1.EventStdout, "a")
	hub.Publish(v1.EventStdout, "b")
	hub.Publish(v1.EventStdout, "c")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-slow.Events():
			if !open {
				assert.True(t, slow.Lagged())
				assert.Equal(t, 0, hub.SubscriberCount())
				return
			}
		case <-deadline:
			t.Fatal("lagging subscriber was never dropped")
		}
	}
}

func TestHubUnsubscribeIdempotent(t *testing.T) {
	hub := NewHub("exec-1", 100, 16, testLogger(t))
	sub := hub.Subscribe()
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestHubTapSeesEveryEvent(t *testing.T) {
	hub := NewHub("exec-1", 100, 16, testLogger(t))
	var seen []v1.OutputEvent
	hub.SetTap(func(ev v1.OutputEvent) { seen = append(seen, ev) })

	hub.Publish(v1.EventStdout, "a")
	hub.PublishTerminal(v1.EventResult, "done")

	require.Len(t, seen, 2)
	assert.Equal(t, v1.EventStdout, seen[0].Kind)
	assert.True(t, seen[1].Terminal)
}

func TestRelayFanOut(t *testing.T) {
	relay := NewRelay(16)
	ch := relay.Subscribe()

	relay.Forward("exec-1", v1.OutputEvent{Seq: 0, Kind: v1.EventStdout, Payload: "a"})

	select {
	case ev := <-ch:
		assert.Equal(t, "exec-1", ev.ExecID)
		assert.Equal(t, v1.EventStdout, ev.Event.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("relay event not delivered")
	}

	relay.Close()
	_, open := <-ch
	assert.False(t, open)
}

func TestRelaySlowConsumerLosesEvents(t *testing.T) {
	relay := NewRelay(1)
	ch := relay.Subscribe()

	relay.Forward("exec-1", v1.OutputEvent{Seq: 0})
	relay.Forward("exec-1", v1.OutputEvent{Seq: 1}) // dropped, queue full

	ev := <-ch
	assert.Equal(t, int64(0), ev.Event.Seq)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}
