package store

import (
	"strings"
	"sync"
	"unicode/utf8"

	"go.einride.tech/can"
)

const (
	DefaultLogCapacity = 500

	// MaxAnnotationLength is the most bytes of operator text kept per annotation.
	MaxAnnotationLength = 39
)

type EntryKind uint8

const (
	KindCapture EntryKind = iota
	KindAnnotation
)

func (k EntryKind) String() string {
	if k == KindAnnotation {
		return "annotation"
	}
	return "capture"
}

// LogEntry is either a captured frame or an operator annotation. Sequence is assigned by the
// EventLog on append.
type LogEntry struct {
	Kind EntryKind
	// TimestampMs is milliseconds since the last reset of the capture session.
	TimestampMs uint64
	Sequence    uint64
	Frame       can.Frame
	Text        string
}

func NewCapture(timestampMs uint64, frame can.Frame) LogEntry {
	return LogEntry{Kind: KindCapture, TimestampMs: timestampMs, Frame: frame}
}

// NewAnnotation trims text and cuts it to MaxAnnotationLength bytes on a rune boundary.
func NewAnnotation(timestampMs uint64, text string) LogEntry {
	return LogEntry{Kind: KindAnnotation, TimestampMs: timestampMs, Text: SanitizeAnnotation(text)}
}

func SanitizeAnnotation(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= MaxAnnotationLength {
		return text
	}
	cut := MaxAnnotationLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return strings.TrimSpace(text[:cut])
}

func (e LogEntry) IsAnnotation() bool {
	return e.Kind == KindAnnotation
}

// EventLog is a fixed capacity circular log of entries. Every appended entry gets the next value of
// a sequence counter that starts at 1 and is never rewound, not even by Reset, so a polling reader
// can tell which entries it has already seen and whether it missed any to eviction.
type EventLog struct {
	mu sync.RWMutex

	entries []LogEntry
	head    int
	count   int
	nextSeq uint64
}

func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &EventLog{
		entries: make([]LogEntry, capacity),
		nextSeq: 1,
	}
}

// Append stores entry at the head, evicting the oldest entry when full, and returns the sequence
// number it was given.
func (l *EventLog) Append(entry LogEntry) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Sequence = l.nextSeq
	l.nextSeq++

	l.entries[l.head] = entry
	l.head = (l.head + 1) % len(l.entries)
	if l.count < len(l.entries) {
		l.count++
	}
	return entry.Sequence
}

// Snapshot returns at most max of the most recent entries, oldest first.
func (l *EventLog) Snapshot(max int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastLocked(max)
}

// DrainAll returns the whole retained history, oldest first. The log is left untouched.
func (l *EventLog) DrainAll() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastLocked(l.count)
}

// Since returns retained entries with a sequence greater than afterSeq, oldest first, limited to the
// max earliest of them so that repeated calls walk forward without skipping. A max of zero or less
// means no limit.
func (l *EventLog) Since(afterSeq uint64, max int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	newest := l.nextSeq - 1
	if afterSeq >= newest || l.count == 0 {
		return nil
	}

	available := newest - afterSeq
	if available > uint64(l.count) {
		available = uint64(l.count)
	}
	n := int(available)
	if max > 0 && n > max {
		n = max
	}

	out := make([]LogEntry, 0, n)
	capacity := len(l.entries)
	index := (l.head - int(available) + capacity) % capacity
	for i := 0; i < n; i++ {
		out = append(out, l.entries[index])
		index = (index + 1) % capacity
	}
	return out
}

// OldestSequence is the sequence of the oldest retained entry, or NextSequence when empty. A reader
// whose last seen sequence is below OldestSequence()-1 has missed entries.
func (l *EventLog) OldestSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq - uint64(l.count)
}

// NextSequence is the sequence the next appended entry will get.
func (l *EventLog) NextSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

func (l *EventLog) Cap() int {
	return len(l.entries)
}

// Reset empties the log. The sequence counter keeps counting.
func (l *EventLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.entries)
	l.head = 0
	l.count = 0
}

func (l *EventLog) lastLocked(max int) []LogEntry {
	n := max
	if n > l.count {
		n = l.count
	}
	if n <= 0 {
		return nil
	}

	out := make([]LogEntry, n)
	capacity := len(l.entries)
	index := (l.head - 1 + capacity) % capacity
	for i := n - 1; i >= 0; i-- {
		out[i] = l.entries[index]
		index = (index - 1 + capacity) % capacity
	}
	return out
}
