package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"canscope/store"
)

// CSVWriter streams log entries as CSV, writing the header once before the first row.
type CSVWriter struct {
	w           *csv.Writer
	wroteHeader bool
}

func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w)}
}

// SkipHeader is for appending to a file that already has one.
func (c *CSVWriter) SkipHeader() {
	c.wroteHeader = true
}

func (c *CSVWriter) Write(entries ...store.LogEntry) error {
	if !c.wroteHeader {
		if err := c.w.Write(Header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		c.wroteHeader = true
	}
	for _, entry := range entries {
		if err := c.w.Write(Row(entry)); err != nil {
			return fmt.Errorf("write csv row %d: %w", entry.Sequence, err)
		}
	}
	return nil
}

func (c *CSVWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

// WriteCSV writes a complete export of entries, header included.
func WriteCSV(w io.Writer, entries []store.LogEntry) error {
	cw := NewCSVWriter(w)
	if err := cw.Write(entries...); err != nil {
		return err
	}
	return cw.Flush()
}
