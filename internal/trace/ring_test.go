package trace

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordN(r *Ring, n int) {
	for i := 0; i < n; i++ {
		r.Record(Event{ID: fmt.Sprintf("ev-%d", i), RootID: "root", Kind: KindToolCall})
	}
}

func TestRing_RetainsInOrder(t *testing.T) {
	r := NewRing(10)
	recordN(r, 4)

	events := r.Events()
	require.Len(t, events, 4)
	assert.Equal(t, "ev-0", events[0].ID)
	assert.Equal(t, "ev-3", events[3].ID)
	assert.Equal(t, 4, r.Len())
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := NewRing(5)
	recordN(r, 8)

	events := r.Events()
	require.Len(t, events, 5)
	assert.Equal(t, "ev-3", events[0].ID, "oldest surviving event")
	assert.Equal(t, "ev-7", events[4].ID, "newest event")
	assert.Equal(t, 5, r.Len())
}

func TestRing_DefaultCapacity(t *testing.T) {
	r := NewRing(0)
	assert.Equal(t, DefaultRingCapacity, len(r.buf))
}

func TestRing_RecordSetsTimestamp(t *testing.T) {
	r := NewRing(4)
	r.Record(Event{ID: "a", RootID: "root"})
	assert.False(t, r.Events()[0].TS.IsZero())
}

func TestRing_EventsForRoot(t *testing.T) {
	r := NewRing(10)
	r.Record(Event{ID: "a", RootID: "r1"})
	r.Record(Event{ID: "b", RootID: "r2"})
	r.Record(Event{ID: "c", RootID: "r1"})

	got := r.EventsForRoot("r1")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestRing_SubscribeReceives(t *testing.T) {
	r := NewRing(10)
	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()

	r.Record(Event{ID: "a", RootID: "root"})

	ev := <-ch
	assert.Equal(t, "a", ev.ID)
}

func TestRing_UnsubscribeClosesChannel(t *testing.T) {
	r := NewRing(10)
	ch, unsubscribe := r.Subscribe()

	unsubscribe()
	// double unsubscribe is a no-op
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)

	// recording after unsubscribe must not panic
	r.Record(Event{ID: "a", RootID: "root"})
}

func TestRing_SlowSubscriberDropsOldest(t *testing.T) {
	r := NewRing(1024)
	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()

	// Fill the subscriber buffer and then some without consuming.
	total := subscriberBuffer + 50
	recordN(r, total)

	// Drain whatever is queued. The newest event must be present; the
	// dropped ones are the oldest.
	var got []Event
	for {
		select {
		case ev := <-ch:
			got = append(got, ev)
			continue
		default:
		}
		break
	}

	require.Len(t, got, subscriberBuffer)
	assert.Equal(t, fmt.Sprintf("ev-%d", total-1), got[len(got)-1].ID)
	assert.Equal(t, fmt.Sprintf("ev-%d", total-subscriberBuffer), got[0].ID)
}
