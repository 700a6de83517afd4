// Package stats persists terminal connection records to PostgreSQL and
// answers aggregate and paginated queries over them. The write path is
// best-effort and never blocks the data plane: records are handed to a
// bounded queue drained by a single background goroutine, and a full queue
// drops its oldest entry rather than applying backpressure.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/metroo-labs/metroo-proxy/internal/conntrack"
	"github.com/metroo-labs/metroo-proxy/internal/logging"
	"github.com/metroo-labs/metroo-proxy/internal/metrics"
	"github.com/metroo-labs/metroo-proxy/internal/proxyerr"
	"github.com/metroo-labs/metroo-proxy/internal/recovery"
)

const defaultQueueSize = 1024

// Filter narrows a getStats query.
type Filter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Host      string
	Type      string
}

// Pagination is the requested page window; Page and PageSize are clamped by
// NormalizePagination before use.
type Pagination struct {
	Page     int
	PageSize int
}

// NormalizePagination clamps page and pageSize to valid bounds: page >= 1,
// pageSize in [1,1000], defaulting to page=1, pageSize=10.
func NormalizePagination(p Pagination) Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 10
	}
	if p.PageSize > 1000 {
		p.PageSize = 1000
	}
	return p
}

// PaginationResult is echoed back alongside a page of results.
type PaginationResult struct {
	Page       int
	PageSize   int
	Total      int
	TotalPages int
}

// HostStat is one row of the topHosts ranking.
type HostStat struct {
	Host      string
	Count     int64
	SumBytes  int64
}

// Response is the full getStats result.
type Response struct {
	TotalRequests  int64
	TotalBytesUp   int64
	TotalBytesDown int64
	AvgDuration    float64
	TopHosts       []HostStat
	Records        []conntrack.ConnectionRecord
	Pagination     PaginationResult
}

// Collector persists ConnectionRecords and answers queries over them. A nil
// pool disables persistence entirely: Record becomes a no-op and GetStats
// returns a well-formed, zeroed Response.
type Collector struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	queue    []conntrack.ConnectionRecord
	queueCap int
	notify   chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a Collector. Pass a nil pool to run with persistence disabled.
// A nil m disables metrics.
func New(pool *pgxpool.Pool, logger *slog.Logger, m *metrics.Metrics) *Collector {
	if logger == nil {
		logger = logging.NopLogger()
	}
	c := &Collector{
		pool:     pool,
		logger:   logger,
		metrics:  m,
		queueCap: defaultQueueSize,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if pool != nil {
		go c.drain()
	} else {
		close(c.done)
	}
	return c
}

// Close stops the background drainer and waits for it to finish. Safe to
// call on a persistence-disabled Collector.
func (c *Collector) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// Record implements conntrack.Collector: it enqueues rec for the background
// drainer, dropping the oldest queued record if the queue is full, and
// never blocks the caller on storage I/O.
func (c *Collector) Record(rec conntrack.ConnectionRecord) {
	if c.pool == nil {
		return
	}

	c.mu.Lock()
	if len(c.queue) >= c.queueCap {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		c.logger.Warn("stats queue full, dropping oldest record",
			logging.KeyRequestID, dropped.RequestID)
		if c.metrics != nil {
			c.metrics.RecordStatsDropped()
		}
	}
	c.queue = append(c.queue, rec)
	depth := len(c.queue)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetStatsQueueDepth(depth)
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Collector) drain() {
	defer close(c.done)
	defer recovery.RecoverWithLog(c.logger, "stats.drain")

	for {
		select {
		case <-c.stop:
			c.flush()
			return
		case <-c.notify:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		rec := c.queue[0]
		c.queue = c.queue[1:]
		depth := len(c.queue)
		c.mu.Unlock()

		if c.metrics != nil {
			c.metrics.SetStatsQueueDepth(depth)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.insert(ctx, rec)
		cancel()
		if err != nil {
			err = fmt.Errorf("%w: %v", proxyerr.ErrStorage, err)
			if c.metrics != nil {
				c.metrics.RecordStatsWriteError()
			}
			c.logger.Error("failed to persist access log record",
				logging.KeyRequestID, rec.RequestID,
				logging.KeyError, err)
		}
	}
}

func (c *Collector) insert(ctx context.Context, rec conntrack.ConnectionRecord) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO access_logs
			(request_id, timestamp, type, target_host, target_port, client_ip,
			 user_agent, duration_ms, bytes_up, bytes_down, status, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		rec.RequestID, rec.Timestamp, string(rec.Type), rec.TargetHost, rec.TargetPort,
		rec.ClientIP, rec.UserAgent, rec.Duration.Milliseconds(), rec.BytesUp, rec.BytesDown,
		string(rec.Status), rec.ErrorMessage,
	)
	return err
}

// GetStats answers the aggregate/paginated query path. With persistence
// disabled it returns a well-formed empty response with zeroed totals.
func (c *Collector) GetStats(ctx context.Context, filter Filter, pagination Pagination) (Response, error) {
	pagination = NormalizePagination(pagination)

	if c.pool == nil {
		return Response{
			TopHosts:   []HostStat{},
			Records:    []conntrack.ConnectionRecord{},
			Pagination: PaginationResult{Page: pagination.Page, PageSize: pagination.PageSize, Total: 0, TotalPages: 0},
		}, nil
	}

	where, args := buildFilterClause(filter)

	var resp Response
	totalsQuery := fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(bytes_up),0), COALESCE(SUM(bytes_down),0), COALESCE(AVG(duration_ms),0)
		FROM access_logs %s`, where)
	if err := c.pool.QueryRow(ctx, totalsQuery, args...).Scan(
		&resp.TotalRequests, &resp.TotalBytesUp, &resp.TotalBytesDown, &resp.AvgDuration,
	); err != nil {
		return Response{}, fmt.Errorf("stats: totals query: %w", err)
	}

	topHostsQuery := fmt.Sprintf(`
		SELECT target_host, COUNT(*) AS cnt, COALESCE(SUM(bytes_up+bytes_down),0) AS sum_bytes
		FROM access_logs %s
		GROUP BY target_host
		ORDER BY cnt DESC, target_host ASC
		LIMIT 10`, where)
	rows, err := c.pool.Query(ctx, topHostsQuery, args...)
	if err != nil {
		return Response{}, fmt.Errorf("stats: topHosts query: %w", err)
	}
	resp.TopHosts = []HostStat{}
	for rows.Next() {
		var hs HostStat
		if err := rows.Scan(&hs.Host, &hs.Count, &hs.SumBytes); err != nil {
			rows.Close()
			return Response{}, fmt.Errorf("stats: topHosts scan: %w", err)
		}
		resp.TopHosts = append(resp.TopHosts, hs)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Response{}, fmt.Errorf("stats: topHosts rows: %w", err)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM access_logs %s`, where)
	if err := c.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return Response{}, fmt.Errorf("stats: count query: %w", err)
	}

	offset := (pagination.Page - 1) * pagination.PageSize
	recordsArgs := append(append([]any{}, args...), pagination.PageSize, offset)
	recordsQuery := fmt.Sprintf(`
		SELECT request_id, timestamp, type, target_host, target_port, client_ip,
		       user_agent, duration_ms, bytes_up, bytes_down, status, error_message
		FROM access_logs %s
		ORDER BY timestamp DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	recRows, err := c.pool.Query(ctx, recordsQuery, recordsArgs...)
	if err != nil {
		return Response{}, fmt.Errorf("stats: records query: %w", err)
	}
	resp.Records = []conntrack.ConnectionRecord{}
	for recRows.Next() {
		var rec conntrack.ConnectionRecord
		var typ, status string
		var durationMs int64
		if err := recRows.Scan(
			&rec.RequestID, &rec.Timestamp, &typ, &rec.TargetHost, &rec.TargetPort,
			&rec.ClientIP, &rec.UserAgent, &durationMs, &rec.BytesUp, &rec.BytesDown,
			&status, &rec.ErrorMessage,
		); err != nil {
			recRows.Close()
			return Response{}, fmt.Errorf("stats: records scan: %w", err)
		}
		rec.Type = conntrack.Type(typ)
		rec.Status = conntrack.Status(status)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		resp.Records = append(resp.Records, rec)
	}
	recRows.Close()
	if err := recRows.Err(); err != nil {
		return Response{}, fmt.Errorf("stats: records rows: %w", err)
	}

	totalPages := total / pagination.PageSize
	if total%pagination.PageSize != 0 {
		totalPages++
	}
	resp.Pagination = PaginationResult{
		Page:       pagination.Page,
		PageSize:   pagination.PageSize,
		Total:      total,
		TotalPages: totalPages,
	}

	return resp, nil
}

// buildFilterClause renders filter into a SQL WHERE clause and its
// positional args; an empty filter yields an empty string.
func buildFilterClause(f Filter) (string, []any) {
	var conds []string
	var args []any

	if f.StartTime != nil {
		args = append(args, *f.StartTime)
		conds = append(conds, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if f.EndTime != nil {
		args = append(args, *f.EndTime)
		conds = append(conds, fmt.Sprintf("timestamp <= $%d", len(args)))
	}
	if f.Host != "" {
		args = append(args, "%"+f.Host+"%")
		conds = append(conds, fmt.Sprintf("target_host LIKE $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}

	clause := "WHERE " + conds[0]
	for _, c := range conds[1:] {
		clause += " AND " + c
	}
	return clause, args
}

// EditDomainWhitelist replaces the persisted domain whitelist within a
// single transaction: truncate then re-insert, rolling back on any error.
// Only meaningful when persistence is enabled.
func (c *Collector) EditDomainWhitelist(ctx context.Context, domains []string) error {
	if c.pool == nil {
		return nil
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("stats: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "TRUNCATE TABLE domain_whitelist"); err != nil {
		return fmt.Errorf("stats: truncate whitelist: %w", err)
	}

	for _, d := range domains {
		if _, err := tx.Exec(ctx, "INSERT INTO domain_whitelist (domain) VALUES ($1)", d); err != nil {
			return fmt.Errorf("stats: insert whitelist entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("stats: commit tx: %w", err)
	}
	return nil
}

// GetDomainWhitelist reads the persisted domain whitelist. Returns an empty
// slice, not an error, when persistence is disabled.
func (c *Collector) GetDomainWhitelist(ctx context.Context) ([]string, error) {
	if c.pool == nil {
		return []string{}, nil
	}

	rows, err := c.pool.Query(ctx, "SELECT domain FROM domain_whitelist ORDER BY domain ASC")
	if err != nil {
		return nil, fmt.Errorf("stats: query whitelist: %w", err)
	}
	defer rows.Close()

	domains := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("stats: scan whitelist row: %w", err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}
