package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub()
	hub.Subscribe("a")
	hub.Subscribe("b")
	assert.Equal(t, 2, hub.ClientCount())

	hub.Unsubscribe("a")
	hub.Unsubscribe("missing")
	assert.Equal(t, 1, hub.ClientCount())

	hub.Unsubscribe("b")
	assert.Zero(t, hub.ClientCount())
}

func TestHub_PublishToAllClients(t *testing.T) {
	hub := NewHub()
	ch1 := hub.Subscribe("a")
	ch2 := hub.Subscribe("b")

	hub.Publish(Event{Type: TypeCycleStarted, JobID: 7})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := receive(t, ch)
		assert.Equal(t, TypeCycleStarted, ev.Type)
		assert.Equal(t, uint(7), ev.JobID)
		assert.False(t, ev.Time.IsZero(), "publish stamps the event")
	}
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe("slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			hub.Publish(Event{JobID: uint(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestHub_ResubscribeReplacesChannel(t *testing.T) {
	hub := NewHub()
	old := hub.Subscribe("a")
	hub.Subscribe("a")

	_, ok := <-old
	assert.False(t, ok)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHub_CloseDrainsThenEnds(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe("a")
	hub.Publish(Event{Type: TypeJobPaused, JobID: 1})

	hub.Close()
	hub.Close()

	assert.Equal(t, TypeJobPaused, receive(t, ch).Type)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, hub.ClientCount())

	late := hub.Subscribe("late")
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
}

func TestHub_NilDiscards(t *testing.T) {
	var hub *Hub
	assert.NotPanics(t, func() { hub.Publish(Event{JobID: 1}) })
}
