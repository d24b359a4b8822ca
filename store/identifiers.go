package store

import (
	"errors"
	"math/bits"
	"sync"
)

const DefaultTableCapacity = 256

// ErrTableFull is returned by Record when a new identifier does not fit. Callers treat it as a loss
// of statistics, not as a failure.
var ErrTableFull = errors.New("identifier table full")

// IdentifierRecord is the per identifier statistic kept by an IdentifierTable. Values handed out by
// the table are copies.
type IdentifierRecord struct {
	Identifier  uint32
	Occurrences uint64
	// LastPayload holds the bytes of the most recent frame. Only the first length bytes are
	// overwritten on each frame, so a shorter frame leaves the tail of a previous longer one in place.
	LastPayload [8]byte
}

// IdentifierTable is a bounded map from CAN identifier to IdentifierRecord. Records live in a fixed
// array in insertion order and are found through an open addressed, linear probe index that is at
// least twice the capacity. Once full, new identifiers are rejected and existing ones keep updating.
type IdentifierTable struct {
	mu sync.RWMutex

	// records has len == tracked identifiers and cap == capacity, it is never grown.
	records []IdentifierRecord
	// slots maps a probe position to an index into records, -1 when empty.
	slots []int32
	shift uint
}

func NewIdentifierTable(capacity int) *IdentifierTable {
	if capacity <= 0 {
		capacity = DefaultTableCapacity
	}

	size := 2
	for size < capacity*2 {
		size <<= 1
	}

	t := &IdentifierTable{
		records: make([]IdentifierRecord, 0, capacity),
		slots:   make([]int32, size),
		shift:   uint(32 - bits.TrailingZeros(uint(size))),
	}
	t.clearSlots()
	return t
}

// Record counts one frame for identifier and stores its payload. It returns the record index, or
// ErrTableFull when identifier is new and the table has no room left.
func (t *IdentifierTable) Record(identifier uint32, payload []byte, length int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, index := t.find(identifier)
	if index >= 0 {
		record := &t.records[index]
		record.Occurrences++
		copyPayload(&record.LastPayload, payload, length)
		return index, nil
	}

	if len(t.records) == cap(t.records) {
		return -1, ErrTableFull
	}

	t.records = append(t.records, IdentifierRecord{Identifier: identifier, Occurrences: 1})
	index = len(t.records) - 1
	copyPayload(&t.records[index].LastPayload, payload, length)
	t.slots[slot] = int32(index)
	return index, nil
}

// Lookup returns a copy of the record for identifier.
func (t *IdentifierTable) Lookup(identifier uint32) (IdentifierRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, index := t.find(identifier)
	if index < 0 {
		return IdentifierRecord{}, false
	}
	return t.records[index], true
}

// Summary returns copies of every record in insertion order.
func (t *IdentifierTable) Summary() []IdentifierRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]IdentifierRecord, len(t.records))
	copy(out, t.records)
	return out
}

func (t *IdentifierTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func (t *IdentifierTable) Cap() int {
	return cap(t.records)
}

func (t *IdentifierTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.records[:cap(t.records)])
	t.records = t.records[:0]
	t.clearSlots()
}

// find returns the probe slot holding identifier and its record index, or the first empty slot on
// its probe path and -1. Load stays at or under one half so an empty slot always exists.
func (t *IdentifierTable) find(identifier uint32) (int, int) {
	mask := len(t.slots) - 1
	slot := int((identifier * 0x9E3779B1) >> t.shift)
	for {
		index := t.slots[slot]
		if index < 0 {
			return slot, -1
		}
		if t.records[index].Identifier == identifier {
			return slot, int(index)
		}
		slot = (slot + 1) & mask
	}
}

func (t *IdentifierTable) clearSlots() {
	for i := range t.slots {
		t.slots[i] = -1
	}
}

// copyPayload overwrites only the first length bytes. A shorter repeat of an identifier leaves the
// tail of the previous payload in place.
// TODO: clear the tail once consumers of LastPayload no longer rely on the stale bytes.
func copyPayload(dst *[8]byte, payload []byte, length int) {
	if length > len(dst) {
		length = len(dst)
	}
	if length > len(payload) {
		length = len(payload)
	}
	if length <= 0 {
		return
	}
	copy(dst[:length], payload[:length])
}
