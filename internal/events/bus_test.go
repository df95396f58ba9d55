package events

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(zerolog.New(nil).Level(zerolog.Disabled))
}

func recvOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	bus := newTestBus()

	ch, unsubscribe := bus.Subscribe(RunStarted)
	defer unsubscribe()

	bus.Emit(RunStarted, "runner", map[string]interface{}{"run_id": "abc123"})

	evt := recvOne(t, ch)
	assert.Equal(t, RunStarted, evt.Type)
	assert.Equal(t, "runner", evt.Module)
	assert.Equal(t, "abc123", evt.Data["run_id"])
	assert.False(t, evt.Timestamp.IsZero())
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := newTestBus()

	ch, unsubscribe := bus.Subscribe(RunCompleted)
	defer unsubscribe()

	bus.Emit(RunStarted, "runner", nil)
	bus.Emit(RunCompleted, "runner", nil)

	evt := recvOne(t, ch)
	assert.Equal(t, RunCompleted, evt.Type)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %s", extra.Type)
	default:
	}
}

func TestSubscribeMultipleTypesShareChannel(t *testing.T) {
	bus := newTestBus()

	ch, unsubscribe := bus.Subscribe(RunEventTypes...)
	defer unsubscribe()

	bus.Emit(RunStarted, "runner", nil)
	bus.Emit(RunProgress, "runner", nil)
	bus.Emit(RunFailed, "runner", nil)

	assert.Equal(t, RunStarted, recvOne(t, ch).Type)
	assert.Equal(t, RunProgress, recvOne(t, ch).Type)
	assert.Equal(t, RunFailed, recvOne(t, ch).Type)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := newTestBus()

	ch, unsubscribe := bus.Subscribe(RunProgress)
	defer unsubscribe()

	// Overrun the buffer without draining.
	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		bus.Emit(RunProgress, "runner", map[string]interface{}{"seq": i})
	}

	// The buffer holds the newest events; the oldest were dropped.
	first := recvOne(t, ch)
	assert.Equal(t, 10, first.Data["seq"], "oldest surviving event follows the dropped prefix")

	drained := 1
	for {
		select {
		case <-ch:
			drained++
		default:
			assert.Equal(t, subscriberBuffer, drained)
			return
		}
	}
}

func TestUnsubscribeStopsDeliveryAndCloses(t *testing.T) {
	bus := newTestBus()

	ch, unsubscribe := bus.Subscribe(RunStarted)
	unsubscribe()
	unsubscribe() // idempotent

	bus.Emit(RunStarted, "runner", nil)

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel is closed")
}

func TestPublishWithNoSubscribersIsSafe(t *testing.T) {
	bus := newTestBus()
	require.NotPanics(t, func() {
		bus.Emit(RunCompleted, "runner", nil)
	})
}

func TestEmitError(t *testing.T) {
	bus := newTestBus()

	ch, unsubscribe := bus.Subscribe(ErrorOccurred)
	defer unsubscribe()

	bus.EmitError("scheduler", errors.New("refresh failed"), map[string]interface{}{"frequency": "daily"})

	evt := recvOne(t, ch)
	assert.Equal(t, ErrorOccurred, evt.Type)
	assert.Equal(t, "refresh failed", evt.Data["error"])
}

func TestConcurrentPublishers(t *testing.T) {
	bus := newTestBus()

	ch, unsubscribe := bus.Subscribe(RunProgress)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		count := 0
		for range ch {
			count++
			if count == 20 {
				return
			}
		}
	}()

	for i := 0; i < 4; i++ {
		go func(n int) {
			for j := 0; j < 5; j++ {
				bus.Emit(RunProgress, fmt.Sprintf("worker-%d", n), nil)
			}
		}(i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for concurrent events")
	}
}
