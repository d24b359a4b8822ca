package export

import (
	"bytes"
	"encoding/csv"
	"path/filepath"
	"strings"
	"testing"

	"canscope/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
)

func sampleEntries() []store.LogEntry {
	entries := []store.LogEntry{
		store.NewCapture(12, can.Frame{ID: 0x1A0, Length: 3, Data: [8]byte{0x01, 0xAB, 0xFF}}),
		store.NewAnnotation(15, "brake, pressed"),
		store.NewCapture(20, can.Frame{ID: 0x18DAF110, IsExtended: true, Length: 0}),
		store.NewCapture(25, can.Frame{ID: 0x7DF, IsRemote: true, Length: 8}),
	}
	for i := range entries {
		entries[i].Sequence = uint64(i + 1)
	}
	return entries
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleEntries()))

	want := strings.Join([]string{
		"timestamp,id,extended,rtr,dlc,data",
		"12,0x1A0,0,0,3,01 ab ff",
		`15,MARK,0,0,0,"brake, pressed"`,
		"20,0x18DAF110,1,0,0,",
		"25,0x7DF,0,1,8,00 00 00 00 00 00 00 00",
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())
}

func TestWriteCSVEmptyLogHasHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	assert.Equal(t, "timestamp,id,extended,rtr,dlc,data\n", buf.String())
}

func TestCSVWriterSkipHeader(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf)
	w.SkipHeader()
	require.NoError(t, w.Write(sampleEntries()[1]))
	require.NoError(t, w.Flush())
	assert.Equal(t, "15,MARK,0,0,0,\"brake, pressed\"\n", buf.String())
}

func TestParseRowReadsExport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleEntries()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)

	var got []store.LogEntry
	for _, record := range records[1:] {
		entry, err := ParseRow(record)
		require.NoError(t, err)
		got = append(got, entry)
	}

	want := sampleEntries()
	for i := range want {
		want[i].Sequence = 0
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseRow mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRowRejects(t *testing.T) {
	for _, record := range [][]string{
		{"1", "0x100"},
		{"x", "0x100", "0", "0", "1", "00"},
		{"1", "zz", "0", "0", "1", "00"},
		{"1", "0x100", "0", "0", "9", "00"},
		{"1", "0x100", "0", "0", "1", "0g"},
	} {
		_, err := ParseRow(record)
		assert.Error(t, err, record)
	}
}

func TestFormatID(t *testing.T) {
	assert.Equal(t, "0x00F", FormatID(0xF, false))
	assert.Equal(t, "0x0000000F", FormatID(0xF, true))
}

func TestArchive(t *testing.T) {
	archive, err := NewArchive(filepath.Join(t.TempDir(), "canscope.db"))
	require.NoError(t, err)
	defer archive.Close()

	entries := sampleEntries()
	n, err := archive.RecordEntries("session-a", entries[:3])
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// overlapping poll
	n, err = archive.RecordEntries("session-a", entries[2:])
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := archive.Entries("session-a")
	require.NoError(t, err)
	if diff := cmp.Diff(entries, got); diff != "" {
		t.Errorf("archived entries mismatch (-want +got):\n%s", diff)
	}

	other, err := archive.Entries("session-b")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, archive.RecordGap("session-a", 4, 10))
	gaps, err := archive.GapCount("session-a")
	require.NoError(t, err)
	assert.Equal(t, 1, gaps)
}
