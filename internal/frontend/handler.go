// Package frontend serves the embedded browser chat page.
package frontend

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed web
var webFS embed.FS

// Handler serves the embedded chat page and its assets.
type Handler struct {
	files fs.FS
	index []byte
}

// NewHandler creates a frontend handler over the embedded files.
func NewHandler() *Handler {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		panic(err)
	}
	index, err := fs.ReadFile(sub, "index.html")
	if err != nil {
		panic(err)
	}
	return &Handler{files: sub, index: index}
}

// Index writes the chat page.
func (h *Handler) Index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(h.index)
}

// Mount registers the page on "/" (exact) and assets under "/static/". Other
// paths are left to the mux so unknown routes still get the JSON 404.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Index)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(h.files)))
}
