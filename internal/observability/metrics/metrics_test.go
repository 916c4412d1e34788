package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPipelineMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)
	m.ObserveInbound("gateway", "accepted")
	m.ObserveInbound("gateway", "accepted")
	m.ObserveDebounceFlush("timer", 3)
	m.ObserveLockContention()
	m.ObserveLLMLatency("bedrock", "ok", 0.5)
	m.ObserveLLMFallback("gemini")
	m.ObserveSend("gateway", "sent")
	m.ObserveEnrollment("enrolled")

	if got := counterValue(t, reg, "automaton_pipeline_inbound_total"); got != 2 {
		t.Fatalf("expected inbound counter 2, got %f", got)
	}
	if got := counterValue(t, reg, "automaton_pipeline_lock_contention_total"); got != 1 {
		t.Fatalf("expected lock contention counter 1, got %f", got)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		if fam.GetType() != dto.MetricType_COUNTER {
			t.Fatalf("%s is not a counter", name)
		}
		for _, metric := range fam.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestPipelineMetricsDefaultRegistry(t *testing.T) {
	m := NewPipelineMetrics(nil)
	m.ObserveInbound("gateway", "rejected")
}

func TestPipelineMetricsNilSafe(t *testing.T) {
	var m *PipelineMetrics
	m.ObserveInbound("gateway", "accepted")
	m.ObserveDebounceFlush("sweep", 1)
	m.ObserveLockContention()
	m.ObserveLLMLatency("bedrock", "error", 0.1)
	m.ObserveLLMFallback("apology")
	m.ObserveSend("meow", "failed")
	m.ObserveEnrollment("skipped")
}
