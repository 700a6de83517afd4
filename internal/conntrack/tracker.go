package conntrack

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/metroo-labs/metroo-proxy/internal/logging"
	"github.com/metroo-labs/metroo-proxy/internal/metrics"
)

// Collector is the write-path dependency a Tracker hands terminal records
// to. internal/stats.Collector implements it; tests can supply a fake.
type Collector interface {
	Record(rec ConnectionRecord)
}

// entry is the tracker's internal bookkeeping for one active connection,
// holding the byte counters mutated from relay/forwarder goroutines under
// the Tracker's mutex.
type entry struct {
	requestID string
	startTime time.Time
	meta      Meta
	bytesUp   int64
	bytesDown int64
	done      bool
}

// Tracker is a thread-safe requestId -> ActiveConnection map. Byte
// increments and the terminal call are observed in program order for a
// single requestId; no ordering is promised across different requestIds.
type Tracker struct {
	collector Collector
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Tracker that hands terminal records to collector and
// reports connection lifecycle events to m. A nil m disables metrics.
func New(collector Collector, logger *slog.Logger, m *metrics.Metrics) *Tracker {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Tracker{
		collector: collector,
		logger:    logger,
		metrics:   m,
		entries:   make(map[string]*entry),
	}
}

// StartConnection registers a new active connection. It is an error to
// reuse a requestID that is already active.
func (t *Tracker) StartConnection(requestID string, meta Meta) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[requestID]; exists {
		return errDuplicateRequestID(requestID)
	}

	t.entries[requestID] = &entry{
		requestID: requestID,
		startTime: time.Now(),
		meta:      meta,
	}
	if t.metrics != nil {
		t.metrics.RecordConnectionStart(string(meta.Type))
	}
	return nil
}

// AddBytesUp adds n to the running upstream byte count. A no-op if
// requestID is absent (e.g. a late event arriving after finalization).
func (t *Tracker) AddBytesUp(requestID string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[requestID]; ok && !e.done {
		e.bytesUp += n
	}
}

// AddBytesDown adds n to the running downstream byte count. A no-op if
// requestID is absent.
func (t *Tracker) AddBytesDown(requestID string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[requestID]; ok && !e.done {
		e.bytesDown += n
	}
}

// EndConnection atomically removes and finalizes requestID, computing its
// duration and handing the terminal ConnectionRecord to the collector.
// Idempotent: a second call for the same requestID is a no-op.
func (t *Tracker) EndConnection(requestID string, status Status, errorMessage string) {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if !ok || e.done {
		t.mu.Unlock()
		return
	}
	e.done = true
	delete(t.entries, requestID)
	t.mu.Unlock()

	rec := ConnectionRecord{
		Timestamp:    e.startTime,
		RequestID:    e.requestID,
		Type:         e.meta.Type,
		TargetHost:   e.meta.TargetHost,
		TargetPort:   e.meta.TargetPort,
		ClientIP:     e.meta.ClientIP,
		UserAgent:    e.meta.UserAgent,
		Duration:     time.Since(e.startTime),
		BytesUp:      e.bytesUp,
		BytesDown:    e.bytesDown,
		Status:       status,
		ErrorMessage: errorMessage,
	}

	if t.collector != nil {
		t.collector.Record(rec)
	}
	if t.metrics != nil {
		t.metrics.RecordConnectionEnd(string(status))
		t.metrics.RecordBytes(rec.BytesUp, rec.BytesDown)
	}

	t.logger.Debug("connection finalized",
		logging.KeyRequestID, requestID,
		logging.KeyStatus, string(status),
		logging.KeyBytesUp, rec.BytesUp,
		logging.KeyBytesDown, rec.BytesDown,
	)
}

// EndAll finalizes every currently active connection with status and
// errorMessage, e.g. to record the reason for a server shutdown before the
// sockets underneath them are force-closed. Entries finalized here won't be
// resurrected: a later EndConnection for the same requestID is a no-op, per
// the usual idempotence rule.
func (t *Tracker) EndAll(status Status, errorMessage string) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.EndConnection(id, status, errorMessage)
	}
}

// ActiveCount returns the number of currently active connections.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// SnapshotActive returns the total active-connection count and a page of
// ActiveConnection values, ordered deterministically by StartTime ascending
// then RequestID.
func (t *Tracker) SnapshotActive(page, pageSize int) (total int, items []ActiveConnection) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 1000 {
		pageSize = 1000
	}

	t.mu.Lock()
	all := make([]ActiveConnection, 0, len(t.entries))
	for _, e := range t.entries {
		all = append(all, ActiveConnection{
			RequestID: e.requestID,
			StartTime: e.startTime,
			Meta:      e.meta,
			BytesUp:   e.bytesUp,
			BytesDown: e.bytesDown,
		})
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].StartTime.Equal(all[j].StartTime) {
			return all[i].RequestID < all[j].RequestID
		}
		return all[i].StartTime.Before(all[j].StartTime)
	})

	total = len(all)
	start := (page - 1) * pageSize
	if start >= total {
		return total, []ActiveConnection{}
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return total, all[start:end]
}
