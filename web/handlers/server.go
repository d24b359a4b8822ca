package web

import (
	"context"
	"log"
	"net/http"
	"time"

	"canscope/capture"
	"canscope/classifier"
	"canscope/models"
	"canscope/store"
	"canscope/web"

	ds "github.com/starfederation/datastar-go/datastar"
)

const TICK_INTERVAL = 500 * time.Millisecond

// Sniffer is the part of capture.Sniffer the HTTP surface drives.
type Sniffer interface {
	Status() capture.Status
	Table() *store.IdentifierTable
	Log() *store.EventLog
	SetRate(ctx context.Context, rate models.BitRate) error
	Reset(ctx context.Context) error
	Scan(ctx context.Context, window time.Duration) (classifier.Report, error)
	Annotate(ctx context.Context, text string) (uint64, error)
}

type Server struct {
	sniffer  Sniffer
	renderer Renderer
	handler  *http.ServeMux
}

func NewServer(sniffer Sniffer, renderer Renderer) *Server {
	s := &Server{
		sniffer:  sniffer,
		renderer: renderer,
	}

	handler := http.NewServeMux()
	handler.HandleFunc("/", s.IndexHandler)
	handler.HandleFunc("/tick", s.TickHandler)
	handler.Handle("/static/", http.FileServer(http.FS(web.Static)))

	handler.HandleFunc("/status", s.StatusHandler)
	handler.HandleFunc("/ids", s.IDsHandler)
	handler.HandleFunc("/log", s.LogHandler)
	handler.HandleFunc("/baud", s.BaudHandler)
	handler.HandleFunc("/mark", s.MarkHandler)
	handler.HandleFunc("/scan", s.ScanHandler)
	handler.HandleFunc("/clear", s.ClearHandler)
	handler.HandleFunc("/csv", s.CSVHandler)

	for path, uiHandler := range renderer.Handlers() {
		handler.HandleFunc(path, uiHandler)
	}

	s.handler = handler

	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start(addr string) error {
	log.Printf("listening on %s …", addr)
	return http.ListenAndServe(addr, s.handler)
}

// IndexHandler is the main entrypoint for the UI
func (s *Server) IndexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	err := s.renderer.Templates().ExecuteTemplate(w, "index", s.renderer.Data())
	if err != nil {
		log.Printf("couldn't execute template for index %s", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *Server) TickHandler(w http.ResponseWriter, r *http.Request) {
	sse := ds.NewSSE(w, r)

	ctx := r.Context()
	ticker := time.NewTicker(TICK_INTERVAL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.renderer.OnTick(sse)
			if err != nil {
				log.Printf("error running renderer on tick: %s", err)
				return
			}
		}
	}
}
