package web

import (
	"html/template"
	"log"
	"net/http"
	"strings"

	"canscope/capture"
	"canscope/export"
	"canscope/models"
	"canscope/store"
	"canscope/web"

	ds "github.com/starfederation/datastar-go/datastar"
)

// DASHBOARD_LOG_ROWS is how many of the newest log entries the dashboard shows.
const DASHBOARD_LOG_ROWS = 50

type Dashboard struct {
	templates *template.Template
	sniffer   Sniffer
}

type markSig struct {
	Mark string `json:"mark"`
}

type logRow struct {
	Seq  uint64
	Time uint64
	Mark string
	ID   string
	DLC  uint8
	Data string
}

type dashboardView struct {
	Status  capture.Status
	IDs     []idJSON
	Log     []logRow
	Rates   []models.BitRate
	MaxMark int
}

func NewDashboard(sniffer Sniffer) (dashboard *Dashboard, err error) {
	dashboard = &Dashboard{sniffer: sniffer}
	dashboard.templates, err = template.New("").ParseFS(web.Templates, "templates/*.gohtml")
	return dashboard, err
}

func (d *Dashboard) Templates() *template.Template {
	return d.templates
}

func (d *Dashboard) Handlers() map[string]func(w http.ResponseWriter, r *http.Request) {
	return map[string]func(w http.ResponseWriter, r *http.Request){
		"/mark-signal": d.MarkSignalHandler,
	}
}

func (d *Dashboard) Data() any {
	return d.view()
}

func (d *Dashboard) view() dashboardView {
	entries := d.sniffer.Log().Snapshot(DASHBOARD_LOG_ROWS)
	rows := make([]logRow, 0, len(entries))
	// newest first
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		row := logRow{Seq: e.Sequence, Time: e.TimestampMs}
		if e.IsAnnotation() {
			row.Mark = e.Text
		} else {
			row.ID = export.FormatID(e.Frame.ID, e.Frame.IsExtended)
			row.DLC = e.Frame.Length
			row.Data = export.FormatPayload(e.Frame.Data[:min(int(e.Frame.Length), 8)])
		}
		rows = append(rows, row)
	}

	return dashboardView{
		Status:  d.sniffer.Status(),
		IDs:     idRows(d.sniffer.Table().Summary()),
		Log:     rows,
		Rates:   models.CandidateRates,
		MaxMark: store.MaxAnnotationLength,
	}
}

// OnTick patches the status bar, identifier table and log.
func (d *Dashboard) OnTick(sse *ds.ServerSentEventGenerator) error {
	writer := strings.Builder{}
	view := d.view()

	for _, name := range []string{"status", "ids", "log"} {
		if err := d.templates.ExecuteTemplate(&writer, name, view); err != nil {
			log.Printf("error executing %s template: %s", name, err)
		}
	}

	if writer.String() != "" {
		if err := sse.PatchElements(writer.String()); err != nil {
			return err
		}
	}

	return nil
}

// MarkSignalHandler is called when the client submits the mark form
func (d *Dashboard) MarkSignalHandler(w http.ResponseWriter, r *http.Request) {
	// Read signals sent from the client
	var sig markSig
	if err := ds.ReadSignals(r, &sig); err != nil {
		log.Printf("error reading signals: %s", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if _, err := d.sniffer.Annotate(r.Context(), sig.Mark); err != nil {
		log.Printf("couldn't add mark: %s", err)
		writeError(w, err)
		return
	}

	var buf strings.Builder
	if err := d.templates.ExecuteTemplate(&buf, "log", d.view()); err != nil {
		log.Printf("couldn't execute log template %s", err)
	}

	sse := ds.NewSSE(w, r)
	if err := sse.MarshalAndPatchSignals(markSig{}); err != nil {
		log.Printf("error clearing mark signal: %s", err)
	}
	if buf.String() != "" {
		_ = sse.PatchElements(buf.String()) // morphs the log body by ID
	}
}
