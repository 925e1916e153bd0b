package lispmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	lispmetrics "github.com/dantte-lp/lispd/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := lispmetrics.NewCollector(reg)

	if c.PacketsNative == nil {
		t.Error("PacketsNative is nil")
	}
	if c.PacketsEncapsulated == nil {
		t.Error("PacketsEncapsulated is nil")
	}
	if c.PacketsPETR == nil {
		t.Error("PacketsPETR is nil")
	}
	if c.PacketsDropped == nil {
		t.Error("PacketsDropped is nil")
	}
	if c.MapCacheEntries == nil {
		t.Error("MapCacheEntries is nil")
	}
	if c.MapRequests == nil {
		t.Error("MapRequests is nil")
	}
	if c.RetriesExhausted == nil {
		t.Error("RetriesExhausted is nil")
	}
	if c.SMRTotal == nil {
		t.Error("SMRTotal is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

func TestPacketCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := lispmetrics.NewCollector(reg)

	c.IncPacketsNative()
	c.IncPacketsNative()
	c.IncPacketsNative()

	if val := plainCounterValue(t, c.PacketsNative); val != 3 {
		t.Errorf("PacketsNative = %v, want 3", val)
	}

	c.IncPacketsEncapsulated()
	c.IncPacketsEncapsulated()

	if val := plainCounterValue(t, c.PacketsEncapsulated); val != 2 {
		t.Errorf("PacketsEncapsulated = %v, want 2", val)
	}

	c.IncPacketsPETR()

	if val := plainCounterValue(t, c.PacketsPETR); val != 1 {
		t.Errorf("PacketsPETR = %v, want 1", val)
	}
}

func TestPacketsDroppedByReason(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := lispmetrics.NewCollector(reg)

	c.IncPacketsDropped("no_petr")
	c.IncPacketsDropped("no_petr")
	c.IncPacketsDropped("emission_failure")

	if val := counterValue(t, c.PacketsDropped, "no_petr"); val != 2 {
		t.Errorf("PacketsDropped(no_petr) = %v, want 2", val)
	}

	if val := counterValue(t, c.PacketsDropped, "emission_failure"); val != 1 {
		t.Errorf("PacketsDropped(emission_failure) = %v, want 1", val)
	}
}

func TestMapCacheEntriesGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := lispmetrics.NewCollector(reg)

	c.SetMapCacheEntries("active", 5)
	c.SetMapCacheEntries("pending", 2)

	if val := gaugeValue(t, c.MapCacheEntries, "active"); val != 5 {
		t.Errorf("MapCacheEntries(active) = %v, want 5", val)
	}
	if val := gaugeValue(t, c.MapCacheEntries, "pending"); val != 2 {
		t.Errorf("MapCacheEntries(pending) = %v, want 2", val)
	}

	// Re-setting overwrites rather than accumulates.
	c.SetMapCacheEntries("active", 3)
	if val := gaugeValue(t, c.MapCacheEntries, "active"); val != 3 {
		t.Errorf("MapCacheEntries(active) after resweep = %v, want 3", val)
	}
}

func TestMapRequestRetriesAndSMRCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := lispmetrics.NewCollector(reg)

	c.IncMapRequests()
	c.IncMapRequests()
	c.IncMapRequests()

	if val := plainCounterValue(t, c.MapRequests); val != 3 {
		t.Errorf("MapRequests = %v, want 3", val)
	}

	c.IncRetriesExhausted()

	if val := plainCounterValue(t, c.RetriesExhausted); val != 1 {
		t.Errorf("RetriesExhausted = %v, want 1", val)
	}

	c.IncSMR()
	c.IncSMR()

	if val := plainCounterValue(t, c.SMRTotal); val != 2 {
		t.Errorf("SMRTotal = %v, want 2", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// plainCounterValue reads the current value of an unlabeled Counter.
func plainCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
