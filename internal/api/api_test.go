package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/metroo-labs/metroo-proxy/internal/conntrack"
	"github.com/metroo-labs/metroo-proxy/internal/stats"
)

type fakeTracker struct {
	total int
	items []conntrack.ActiveConnection
}

func (f *fakeTracker) SnapshotActive(page, pageSize int) (int, []conntrack.ActiveConnection) {
	return f.total, f.items
}

func (f *fakeTracker) ActiveCount() int { return f.total }

type fakeStore struct {
	resp     stats.Response
	err      error
	domains  []string
	editArgs []string
}

func (f *fakeStore) GetStats(ctx context.Context, filter stats.Filter, pagination stats.Pagination) (stats.Response, error) {
	return f.resp, f.err
}

func (f *fakeStore) EditDomainWhitelist(ctx context.Context, domains []string) error {
	f.editArgs = domains
	f.domains = domains
	return nil
}

func (f *fakeStore) GetDomainWhitelist(ctx context.Context) ([]string, error) {
	return f.domains, nil
}

func decodeEnvelope(t *testing.T, body string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v; body=%s", err, body)
	}
	return out
}

func TestHandleStats_WrapsResponse(t *testing.T) {
	store := &fakeStore{resp: stats.Response{
		TotalRequests:  3,
		TotalBytesUp:   110,
		TotalBytesDown: 260,
		TopHosts:       []stats.HostStat{{Host: "a", Count: 2, SumBytes: 350}},
		Records:        []conntrack.ConnectionRecord{},
		Pagination:     stats.PaginationResult{Page: 1, PageSize: 10, Total: 3, TotalPages: 1},
	}}
	tracker := &fakeTracker{total: 2}
	srv := New(tracker, store, "")

	req := httptest.NewRequest("GET", "/api/stats", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	out := decodeEnvelope(t, rec.Body.String())
	if out["success"] != true {
		t.Fatalf("expected success=true, got %v", out)
	}
	data := out["data"].(map[string]interface{})
	if data["totalRequests"].(float64) != 3 {
		t.Errorf("totalRequests = %v", data["totalRequests"])
	}
	if data["activeConnections"].(float64) != 2 {
		t.Errorf("activeConnections = %v", data["activeConnections"])
	}
}

func TestHandleStats_InvalidStartTime(t *testing.T) {
	srv := New(&fakeTracker{}, &fakeStore{}, "")
	req := httptest.NewRequest("GET", "/api/stats?startTime=not-a-time", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	out := decodeEnvelope(t, rec.Body.String())
	if out["success"] != false {
		t.Fatalf("expected success=false, got %v", out)
	}
}

func TestHandleActive(t *testing.T) {
	tracker := &fakeTracker{total: 1, items: []conntrack.ActiveConnection{{RequestID: "r1"}}}
	srv := New(tracker, &fakeStore{}, "")

	req := httptest.NewRequest("GET", "/api/stats/active?page=1&pageSize=5", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decodeEnvelope(t, rec.Body.String())
	data := out["data"].(map[string]interface{})
	if data["total"].(float64) != 1 {
		t.Errorf("total = %v", data["total"])
	}
}

func TestHandleBlocklist_GetAndPost(t *testing.T) {
	store := &fakeStore{domains: []string{"a.com"}}
	srv := New(&fakeTracker{}, store, "")

	getReq := httptest.NewRequest("GET", "/api/blocklists", nil)
	getRec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(getRec, getReq)
	out := decodeEnvelope(t, getRec.Body.String())
	domains := out["data"].(map[string]interface{})["domains"].([]interface{})
	if len(domains) != 1 || domains[0] != "a.com" {
		t.Fatalf("unexpected domains: %v", domains)
	}

	postReq := httptest.NewRequest("POST", "/api/blocklists", strings.NewReader(`{"domains":["b.com","c.com"]}`))
	postRec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(postRec, postReq)
	if postRec.Code != 200 {
		t.Fatalf("status = %d, body=%s", postRec.Code, postRec.Body.String())
	}
	if len(store.editArgs) != 2 || store.editArgs[0] != "b.com" {
		t.Fatalf("unexpected edit args: %v", store.editArgs)
	}
}

func TestHandleBlocklist_PostInvalidBody(t *testing.T) {
	srv := New(&fakeTracker{}, &fakeStore{}, "")
	req := httptest.NewRequest("POST", "/api/blocklists", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAbout(t *testing.T) {
	srv := New(&fakeTracker{}, &fakeStore{}, "readme content")
	req := httptest.NewRequest("GET", "/api/about?lang=en-US", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	out := decodeEnvelope(t, rec.Body.String())
	data := out["data"].(map[string]interface{})
	if data["content"] != "readme content" {
		t.Errorf("content = %v", data["content"])
	}
	if data["lang"] != "en-US" {
		t.Errorf("lang = %v", data["lang"])
	}
}
