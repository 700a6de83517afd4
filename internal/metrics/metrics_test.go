package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m.ActiveConnections == nil {
		t.Error("ActiveConnections metric is nil")
	}
	if m.BytesUpTotal == nil {
		t.Error("BytesUpTotal metric is nil")
	}
	if m.UpstreamDialLatency == nil {
		t.Error("UpstreamDialLatency metric is nil")
	}
}

func TestRecordConnectionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectionStart("http")
	m.RecordConnectionStart("https")

	if got := testutil.ToFloat64(m.ActiveConnections); got != 2 {
		t.Errorf("ActiveConnections = %v, want 2", got)
	}

	m.RecordConnectionEnd("success")

	if got := testutil.ToFloat64(m.ActiveConnections); got != 1 {
		t.Errorf("ActiveConnections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("RequestsTotal{success} = %v, want 1", got)
	}
}

func TestRecordBytes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytes(100, 200)
	m.RecordBytes(50, 0)

	if got := testutil.ToFloat64(m.BytesUpTotal); got != 150 {
		t.Errorf("BytesUpTotal = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.BytesDownTotal); got != 200 {
		t.Errorf("BytesDownTotal = %v, want 200", got)
	}
}

func TestRecordUpstreamDial(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordUpstreamDial("direct", 0.05, nil)
	m.RecordUpstreamDial("socks5", 0.1, errors.New("refused"))

	if got := testutil.ToFloat64(m.UpstreamDialErrors.WithLabelValues("socks5")); got != 1 {
		t.Errorf("UpstreamDialErrors{socks5} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UpstreamDialErrors.WithLabelValues("direct")); got != 0 {
		t.Errorf("UpstreamDialErrors{direct} = %v, want 0", got)
	}
}

func TestStatsQueueMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetStatsQueueDepth(5)
	if got := testutil.ToFloat64(m.StatsQueueDepth); got != 5 {
		t.Errorf("StatsQueueDepth = %v, want 5", got)
	}

	m.RecordStatsDropped()
	m.RecordStatsDropped()
	if got := testutil.ToFloat64(m.StatsDroppedTotal); got != 2 {
		t.Errorf("StatsDroppedTotal = %v, want 2", got)
	}

	m.RecordStatsWriteError()
	if got := testutil.ToFloat64(m.StatsWriteErrors); got != 1 {
		t.Errorf("StatsWriteErrors = %v, want 1", got)
	}
}

func TestDefault_Singleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same instance across calls")
	}
}
