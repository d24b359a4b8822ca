package store

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierTableCountsAndBound(t *testing.T) {
	const capacity = 32
	table := NewIdentifierTable(capacity)
	rng := rand.New(rand.NewSource(7))

	calls := map[uint32]uint64{}
	for i := 0; i < 5000; i++ {
		// 29 bit identifiers from a universe well beyond the capacity
		id := uint32(rng.Intn(80)) * 0x01010101 & 0x1FFFFFFF
		calls[id]++
		_, err := table.Record(id, []byte{byte(i)}, 1)
		if err != nil {
			require.ErrorIs(t, err, ErrTableFull)
		}
	}

	summary := table.Summary()
	require.Len(t, summary, capacity)
	assert.Equal(t, capacity, table.Len())

	seen := map[uint32]bool{}
	for _, record := range summary {
		assert.False(t, seen[record.Identifier], "duplicate identifier 0x%X", record.Identifier)
		seen[record.Identifier] = true
		assert.Equal(t, calls[record.Identifier], record.Occurrences, "identifier 0x%X", record.Identifier)
	}
}

func TestIdentifierTableFullKeepsExistingRecordsUpdating(t *testing.T) {
	table := NewIdentifierTable(2)

	_, err := table.Record(0x100, []byte{1}, 1)
	require.NoError(t, err)
	_, err = table.Record(0x200, []byte{2}, 1)
	require.NoError(t, err)

	index, err := table.Record(0x300, []byte{3}, 1)
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, -1, index)

	index, err = table.Record(0x100, []byte{9}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, index)

	record, ok := table.Lookup(0x100)
	require.True(t, ok)
	assert.Equal(t, uint64(2), record.Occurrences)
	assert.Equal(t, byte(9), record.LastPayload[0])

	_, ok = table.Lookup(0x300)
	assert.False(t, ok)
}

func TestIdentifierTablePartialPayloadOverwrite(t *testing.T) {
	table := NewIdentifierTable(4)

	_, err := table.Record(0x7E8, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 8)
	require.NoError(t, err)
	_, err = table.Record(0x7E8, []byte{0xAA, 0xBB}, 2)
	require.NoError(t, err)

	record, ok := table.Lookup(0x7E8)
	require.True(t, ok)
	assert.Equal(t, [8]byte{0xAA, 0xBB, 3, 4, 5, 6, 7, 8}, record.LastPayload)
}

func TestIdentifierTableClampsLength(t *testing.T) {
	table := NewIdentifierTable(4)

	_, err := table.Record(0x1, []byte{1, 2}, 8)
	require.NoError(t, err)
	_, err = table.Record(0x2, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 12)
	require.NoError(t, err)

	first, _ := table.Lookup(0x1)
	assert.Equal(t, [8]byte{1, 2}, first.LastPayload)
	second, _ := table.Lookup(0x2)
	assert.Equal(t, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, second.LastPayload)
}

func TestIdentifierTableSummaryIsACopy(t *testing.T) {
	table := NewIdentifierTable(4)
	_, err := table.Record(0x10, []byte{1}, 1)
	require.NoError(t, err)

	summary := table.Summary()
	summary[0].Occurrences = 99
	summary[0].LastPayload[0] = 0xFF

	record, _ := table.Lookup(0x10)
	assert.Equal(t, uint64(1), record.Occurrences)
	assert.Equal(t, byte(1), record.LastPayload[0])
}

func TestIdentifierTableReset(t *testing.T) {
	table := NewIdentifierTable(3)
	for _, id := range []uint32{1, 2, 3} {
		_, err := table.Record(id, nil, 0)
		require.NoError(t, err)
	}

	table.Reset()
	table.Reset()
	assert.Equal(t, 0, table.Len())
	assert.Empty(t, table.Summary())

	// capacity is available again after reset
	for _, id := range []uint32{4, 5, 6} {
		_, err := table.Record(id, nil, 0)
		require.NoError(t, err)
	}
	_, ok := table.Lookup(1)
	assert.False(t, ok)
	assert.Equal(t, 3, table.Cap())
}
