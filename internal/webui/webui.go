// Package webui serves the proxy's static dashboard assets from disk.
package webui

import (
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

// Handler returns an http.Handler that serves static files rooted at
// staticDir. A missing or empty staticDir yields a handler that answers
// every request with 404, rather than failing at startup, since the API
// and proxy listener must stay usable without a dashboard configured.
func Handler(staticDir string) http.Handler {
	if staticDir == "" {
		return http.NotFoundHandler()
	}
	return &fileHandler{fs: os.DirFS(staticDir)}
}

// fileHandler serves files from a filesystem, falling back to index.html
// for directory requests.
type fileHandler struct {
	fs fs.FS
}

func (h *fileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := path.Clean(r.URL.Path)
	if urlPath == "" || urlPath == "/" {
		urlPath = "/index.html"
	}
	urlPath = strings.TrimPrefix(urlPath, "/")

	f, err := h.fs.Open(urlPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if stat.IsDir() {
		indexPath := path.Join(urlPath, "index.html")
		indexFile, err := h.fs.Open(indexPath)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer indexFile.Close()
		f = indexFile
		stat, _ = indexFile.Stat()
	}

	if contentType := getContentType(urlPath); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func getContentType(filePath string) string {
	switch {
	case strings.HasSuffix(filePath, ".html"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(filePath, ".css"):
		return "text/css; charset=utf-8"
	case strings.HasSuffix(filePath, ".js"):
		return "application/javascript; charset=utf-8"
	case strings.HasSuffix(filePath, ".json"):
		return "application/json; charset=utf-8"
	case strings.HasSuffix(filePath, ".svg"):
		return "image/svg+xml"
	case strings.HasSuffix(filePath, ".png"):
		return "image/png"
	case strings.HasSuffix(filePath, ".ico"):
		return "image/x-icon"
	default:
		return ""
	}
}
