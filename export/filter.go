package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// IDSet parses a comma separated identifier list. An empty list keeps every identifier.
func IDSet(list string) (map[uint32]bool, error) {
	set := map[uint32]bool{}
	for _, field := range strings.Split(list, ",") {
		if strings.TrimSpace(field) == "" {
			continue
		}
		id, err := ParseID(field)
		if err != nil {
			return nil, err
		}
		set[id] = true
	}
	return set, nil
}

// Filter copies the rows of a CSV log whose identifier is in ids. Marks are always kept so the
// filtered log still lines up with what happened on the vehicle.
func Filter(r io.Reader, w io.Writer, ids map[uint32]bool) (kept int, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(Header)
	out := NewCSVWriter(w)

	line := 0
	for {
		record, err := reader.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return kept, fmt.Errorf("read csv: %w", err)
		}
		if line == 1 && record[0] == Header[0] {
			continue
		}

		entry, err := ParseRow(record)
		if err != nil {
			return kept, fmt.Errorf("line %d: %w", line, err)
		}
		if !entry.IsAnnotation() && len(ids) > 0 && !ids[entry.Frame.ID] {
			continue
		}
		if err := out.Write(entry); err != nil {
			return kept, err
		}
		kept++
	}

	// an empty log still gets its header
	if err := out.Write(); err != nil {
		return kept, err
	}
	return kept, out.Flush()
}
