package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"canscope/capture"
	"canscope/classifier"
	"canscope/export"
	"canscope/models"
	"canscope/store"
)

const (
	DEFAULT_LOG_ENTRIES = 100
	CSV_FILENAME        = "canscope_log.csv"

	// MAX_SCAN_WINDOW bounds ?window=, the loop captures nothing for four times this long.
	MAX_SCAN_WINDOW = 30 * time.Second
)

type idJSON struct {
	ID    uint32 `json:"id"`
	Hex   string `json:"hex"`
	Count uint64 `json:"count"`
	Data  string `json:"data"`
}

// logEntryJSON is {s, t, id, ext, rtr, dlc, data} for captures and {s, t, mark} for annotations.
type logEntryJSON struct {
	Seq      uint64  `json:"s"`
	Time     uint64  `json:"t"`
	ID       *uint32 `json:"id,omitempty"`
	Extended bool    `json:"ext,omitempty"`
	Remote   bool    `json:"rtr,omitempty"`
	DLC      *uint8  `json:"dlc,omitempty"`
	Data     *string `json:"data,omitempty"`
	Mark     *string `json:"mark,omitempty"`
}

type sampleJSON struct {
	ID string `json:"id"`
	N  uint64 `json:"n"`
}

type scanResultJSON struct {
	Baud      string       `json:"baud"`
	Rate      uint32       `json:"rate"`
	Msgs      uint64       `json:"msgs"`
	IDs       int          `json:"ids"`
	Errors    uint64       `json:"errors"`
	Repeat    float32      `json:"repeat"`
	ErrorRate float32      `json:"errorRate"`
	Score     float32      `json:"score"`
	Verdict   string       `json:"verdict"`
	IDList    []sampleJSON `json:"idList,omitempty"`
}

type scanJSON struct {
	Results  []scanResultJSON `json:"results"`
	Selected string           `json:"selected,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("couldn't write json response: %s", err)
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, capture.ErrHalted) || errors.Is(err, capture.ErrStopped) {
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.sniffer.Status())
}

func (s *Server) IDsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, idRows(s.sniffer.Table().Summary()))
}

func idRows(records []store.IdentifierRecord) []idJSON {
	out := make([]idJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, idJSON{
			ID:    rec.Identifier,
			Hex:   export.FormatID(rec.Identifier, rec.Identifier > 0x7FF),
			Count: rec.Occurrences,
			Data:  export.FormatPayload(rec.LastPayload[:]),
		})
	}
	return out
}

// LogHandler serves ?n= most recent entries, or with ?since= the entries after that sequence.
func (s *Server) LogHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	n := DEFAULT_LOG_ENTRIES
	if v := query.Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			http.Error(w, fmt.Sprintf("bad n %q", v), http.StatusBadRequest)
			return
		}
		n = parsed
	}

	var entries []store.LogEntry
	if v := query.Get("since"); v != "" {
		since, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad since %q", v), http.StatusBadRequest)
			return
		}
		entries = s.sniffer.Log().Since(since, n)
	} else {
		entries = s.sniffer.Log().Snapshot(n)
	}

	writeJSON(w, logRows(entries))
}

func logRows(entries []store.LogEntry) []logEntryJSON {
	out := make([]logEntryJSON, 0, len(entries))
	for _, e := range entries {
		row := logEntryJSON{Seq: e.Sequence, Time: e.TimestampMs}
		if e.IsAnnotation() {
			text := e.Text
			row.Mark = &text
		} else {
			id, dlc := e.Frame.ID, e.Frame.Length
			data := export.FormatPayload(e.Frame.Data[:min(int(dlc), 8)])
			row.ID, row.DLC, row.Data = &id, &dlc, &data
			row.Extended, row.Remote = e.Frame.IsExtended, e.Frame.IsRemote
		}
		out = append(out, row)
	}
	return out
}

// BaudHandler switches rate. v takes the console digits 1-4 or a rate such as 500k.
func (s *Server) BaudHandler(w http.ResponseWriter, r *http.Request) {
	rate, err := models.ParseBitRate(r.FormValue("v"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sniffer.SetRate(r.Context(), rate); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) MarkHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sniffer.Annotate(r.Context(), r.FormValue("msg")); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

// ScanHandler blocks for the whole scan. ?window= overrides the time spent at each rate.
func (s *Server) ScanHandler(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if v := r.FormValue("window"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			http.Error(w, fmt.Sprintf("bad window %q", v), http.StatusBadRequest)
			return
		}
		if parsed > MAX_SCAN_WINDOW {
			http.Error(w, fmt.Sprintf("window %s is longer than %s", parsed, MAX_SCAN_WINDOW), http.StatusBadRequest)
			return
		}
		window = parsed
	}

	report, err := s.sniffer.Scan(r.Context(), window)
	if errors.Is(err, capture.ErrHalted) || errors.Is(err, capture.ErrStopped) {
		writeError(w, err)
		return
	}

	out := scanReport(report)
	if err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, out)
}

func scanReport(report classifier.Report) scanJSON {
	out := scanJSON{Results: make([]scanResultJSON, 0, len(report.Results))}
	for _, res := range report.Results {
		row := scanResultJSON{
			Baud:      res.Rate.String(),
			Rate:      uint32(res.Rate),
			Msgs:      res.FrameCount,
			IDs:       res.UniqueIDCount,
			Errors:    res.ErrorCount,
			Repeat:    res.RepeatRate,
			ErrorRate: res.ErrorRate,
			Score:     res.Score,
			Verdict:   string(res.Verdict),
		}
		for _, sample := range res.Samples {
			row.IDList = append(row.IDList, sampleJSON{ID: fmt.Sprintf("0x%X", sample.ID), N: sample.Count})
		}
		out.Results = append(out.Results, row)
	}
	if report.HasSelection() {
		out.Selected = report.Selected.String()
	}
	return out
}

func (s *Server) ClearHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.sniffer.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) CSVHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+CSV_FILENAME)
	if err := export.WriteCSV(w, s.sniffer.Log().DrainAll()); err != nil {
		log.Printf("couldn't write csv export: %s", err)
	}
}
