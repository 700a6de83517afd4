// Package api implements the JSON HTTP control-plane surface: stats,
// active connections, and blocklist/whitelist management, each wrapped in
// the {success, data|error} envelope.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/metroo-labs/metroo-proxy/internal/conntrack"
	"github.com/metroo-labs/metroo-proxy/internal/stats"
)

// Tracker is the narrow view of conntrack.Tracker the API needs.
type Tracker interface {
	SnapshotActive(page, pageSize int) (total int, items []conntrack.ActiveConnection)
	ActiveCount() int
}

// StatsStore is the narrow view of stats.Collector the API needs.
type StatsStore interface {
	GetStats(ctx context.Context, filter stats.Filter, pagination stats.Pagination) (stats.Response, error)
	EditDomainWhitelist(ctx context.Context, domains []string) error
	GetDomainWhitelist(ctx context.Context) ([]string, error)
}

// Server serves the JSON API endpoints.
type Server struct {
	tracker Tracker
	store   StatsStore
	about   string
}

// New builds a Server. about is the (optional) README content served from
// GET /api/about; it is treated as an external collaborator's content, so
// this package only echoes it back.
func New(tracker Tracker, store StatsStore, about string) *Server {
	return &Server{tracker: tracker, store: store, about: about}
}

// Mux returns a ServeMux with every API route registered.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/stats/active", s.handleActive)
	mux.HandleFunc("GET /api/blocklists", s.handleGetBlocklist)
	mux.HandleFunc("POST /api/blocklists", s.handlePostBlocklist)
	mux.HandleFunc("GET /api/about", s.handleAbout)
	return mux
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// handleStats implements GET /api/stats?startTime&endTime&host&type&page&pageSize.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := stats.Filter{
		Host: q.Get("host"),
		Type: q.Get("type"),
	}
	if v := q.Get("startTime"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid startTime")
			return
		}
		filter.StartTime = &t
	}
	if v := q.Get("endTime"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid endTime")
			return
		}
		filter.EndTime = &t
	}

	pagination := stats.Pagination{
		Page:     parseIntDefault(q.Get("page"), 1),
		PageSize: parseIntDefault(q.Get("pageSize"), 10),
	}

	resp, err := s.store.GetStats(r.Context(), filter, pagination)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	activeConnections := 0
	if s.tracker != nil {
		activeConnections = s.tracker.ActiveCount()
	}

	writeData(w, map[string]interface{}{
		"totalRequests":     resp.TotalRequests,
		"totalBytesUp":      resp.TotalBytesUp,
		"totalBytesDown":    resp.TotalBytesDown,
		"avgDuration":       resp.AvgDuration,
		"topHosts":          resp.TopHosts,
		"records":           resp.Records,
		"pagination":        resp.Pagination,
		"activeConnections": activeConnections,
	})
}

// handleActive implements GET /api/stats/active?page&pageSize.
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parseIntDefault(q.Get("page"), 1)
	pageSize := parseIntDefault(q.Get("pageSize"), 10)

	total, items := s.tracker.SnapshotActive(page, pageSize)
	writeData(w, map[string]interface{}{
		"total": total,
		"items": items,
	})
}

// handleGetBlocklist implements GET /api/blocklists.
func (s *Server) handleGetBlocklist(w http.ResponseWriter, r *http.Request) {
	domains, err := s.store.GetDomainWhitelist(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, map[string]interface{}{"domains": domains})
}

// handlePostBlocklist implements POST /api/blocklists, replacing the
// persisted domain whitelist transactionally.
func (s *Server) handlePostBlocklist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Domains []string `json:"domains"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.EditDomainWhitelist(r.Context(), body.Domains); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, map[string]interface{}{"domains": body.Domains})
}

// handleAbout implements GET /api/about?lang=en-US|zh-CN. The actual
// README content is supplied by an external collaborator at construction
// time; this handler only serves what it was given.
func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]interface{}{
		"lang":    r.URL.Query().Get("lang"),
		"content": s.about,
	})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
