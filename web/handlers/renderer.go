package web

import (
	"html/template"
	"net/http"

	ds "github.com/starfederation/datastar-go/datastar"
)

// Renderer is a live HTML view served at / and refreshed over the /tick stream.
type Renderer interface {
	Templates() *template.Template
	Handlers() map[string]func(w http.ResponseWriter, r *http.Request)
	Data() any
	OnTick(sse *ds.ServerSentEventGenerator) error
}
