package events

import (
	"sync"

	"canscope/models"
	"canscope/store"
)

type EventType uint8

const (
	// EntryAppended carries a capture or annotation that just went into the live log.
	EntryAppended EventType = iota
	// LiveReset follows a clear, a rate change or an applied scan. Entry is empty.
	LiveReset
)

type Event struct {
	Type    EventType
	Session string
	Rate    models.BitRate
	Entry   store.LogEntry
}

// EventHub fans events out to subscribers without ever blocking the publisher. A subscriber that
// falls behind misses events; the sequence numbers in Entry show the gap.
type EventHub struct {
	mu   sync.Mutex
	subs map[int]chan *Event
	next int
	last *Event
}

func NewHub() *EventHub {
	return &EventHub{subs: map[int]chan *Event{}}
}

// Subscribe returns a channel that first receives the latest event, if any. Calling cancel closes it.
func (h *EventHub) Subscribe(buffer int) (int, <-chan *Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan *Event, buffer)
	if h.last != nil {
		ch <- h.copy(h.last)
	}
	h.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
	}
	return id, ch, cancel
}

func (h *EventHub) Broadcast(event *Event) {
	h.mu.Lock()
	h.last = event
	for _, ch := range h.subs {
		select {
		case ch <- h.copy(event):
		default:
		}
	}
	h.mu.Unlock()
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) copy(e *Event) *Event {
	c := *e
	return &c
}
