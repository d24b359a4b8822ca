package events

import (
	"testing"

	"canscope/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
)

func capture(seq uint64) *Event {
	entry := store.NewCapture(seq*10, can.Frame{ID: 0x100})
	entry.Sequence = seq
	return &Event{Type: EntryAppended, Session: "s1", Entry: entry}
}

func TestHubReplaysLastEvent(t *testing.T) {
	hub := NewHub()
	hub.Broadcast(capture(1))
	hub.Broadcast(capture(2))

	_, ch, cancel := hub.Subscribe(4)
	defer cancel()

	got := <-ch
	assert.Equal(t, uint64(2), got.Entry.Sequence)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	_, ch, cancel := hub.Subscribe(2)

	for seq := uint64(1); seq <= 5; seq++ {
		hub.Broadcast(capture(seq))
	}

	require.Len(t, ch, 2)
	assert.Equal(t, uint64(1), (<-ch).Entry.Sequence)
	assert.Equal(t, uint64(2), (<-ch).Entry.Sequence)

	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.Subscribers())

	// cancelling twice is harmless
	cancel()
}

func TestHubCopiesEvents(t *testing.T) {
	hub := NewHub()
	_, ch, cancel := hub.Subscribe(1)
	defer cancel()

	event := capture(7)
	hub.Broadcast(event)
	event.Session = "mutated"

	assert.Equal(t, "s1", (<-ch).Session)
}
