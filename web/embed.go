// Package web embeds the operator status page.
package web

import (
	"embed"
	"html/template"
	"io"
	"time"
)

//go:embed templates/status.html
var templatesFS embed.FS

var statusPage = template.Must(template.ParseFS(templatesFS, "templates/status.html"))

// StatusView is the data rendered by the status page.
type StatusView struct {
	State     string
	Connected bool
	QR        bool
	Fatal     bool
	Me        string
	Attempts  int
	Since     time.Time
	// Refresh is the reload interval in seconds while not connected.
	Refresh int
}

// RenderStatus writes the status page for v.
func RenderStatus(w io.Writer, v StatusView) error {
	if v.Refresh <= 0 {
		v.Refresh = 5
	}
	return statusPage.ExecuteTemplate(w, "status.html", v)
}
