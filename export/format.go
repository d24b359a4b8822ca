// Package export turns event log entries into the six column CSV layout served as /csv and
// archives polled entries to SQLite.
package export

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"canscope/store"

	"go.einride.tech/can"
)

const (
	markID = "MARK"
)

var Header = []string{"timestamp", "id", "extended", "rtr", "dlc", "data"}

// FormatID prints an identifier the way candump users expect: three digits for standard frames,
// eight for extended ones.
func FormatID(id uint32, extended bool) string {
	if extended {
		return fmt.Sprintf("0x%08X", id)
	}
	return fmt.Sprintf("0x%03X", id)
}

// FormatPayload prints bytes as lower case hex pairs separated by spaces.
func FormatPayload(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	encoded := hex.EncodeToString(data)
	var b strings.Builder
	b.Grow(len(encoded) + len(data) - 1)
	for i := 0; i < len(encoded); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(encoded[i : i+2])
	}
	return b.String()
}

// ParsePayload reverses FormatPayload.
func ParsePayload(s string) ([]byte, error) {
	return hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}

// ParseID accepts 0x prefixed or bare hex identifiers.
func ParseID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	id, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse id %q: %w", s, err)
	}
	return uint32(id) & 0x1FFFFFFF, nil
}

func payload(frame can.Frame) []byte {
	n := int(frame.Length)
	if n > 8 {
		n = 8
	}
	return frame.Data[:n]
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Row is the CSV record for entry. Annotations use MARK in the id column and carry their text in
// the data column.
func Row(entry store.LogEntry) []string {
	ts := strconv.FormatUint(entry.TimestampMs, 10)
	if entry.IsAnnotation() {
		return []string{ts, markID, "0", "0", "0", entry.Text}
	}
	f := entry.Frame
	return []string{
		ts,
		FormatID(f.ID, f.IsExtended),
		boolField(f.IsExtended),
		boolField(f.IsRemote),
		strconv.Itoa(int(f.Length)),
		FormatPayload(payload(f)),
	}
}

// ParseRow is the inverse of Row. The sequence of the returned entry is zero.
func ParseRow(record []string) (store.LogEntry, error) {
	if len(record) != len(Header) {
		return store.LogEntry{}, fmt.Errorf("want %d fields, got %d", len(Header), len(record))
	}
	ts, err := strconv.ParseUint(record[0], 10, 64)
	if err != nil {
		return store.LogEntry{}, fmt.Errorf("timestamp %q: %w", record[0], err)
	}
	if record[1] == markID {
		return store.NewAnnotation(ts, record[5]), nil
	}

	var frame can.Frame
	if frame.ID, err = ParseID(record[1]); err != nil {
		return store.LogEntry{}, err
	}
	frame.IsExtended = record[2] == "1"
	frame.IsRemote = record[3] == "1"
	dlc, err := strconv.Atoi(record[4])
	if err != nil || dlc < 0 || dlc > 8 {
		return store.LogEntry{}, fmt.Errorf("dlc %q out of range", record[4])
	}
	frame.Length = uint8(dlc)
	data, err := ParsePayload(record[5])
	if err != nil {
		return store.LogEntry{}, fmt.Errorf("data %q: %w", record[5], err)
	}
	copy(frame.Data[:], data)
	return store.NewCapture(ts, frame), nil
}
