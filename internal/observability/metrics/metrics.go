package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics exposes counters/histograms for the conversation pipeline.
type PipelineMetrics struct {
	inboundTotal      *prometheus.CounterVec
	debounceFlushes   *prometheus.CounterVec
	debounceBatchSize prometheus.Histogram
	lockContention    prometheus.Counter
	llmLatency        *prometheus.HistogramVec
	llmFallbacks      *prometheus.CounterVec
	sendsTotal        *prometheus.CounterVec
	enrollmentsTotal  *prometheus.CounterVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automaton",
			Subsystem: "pipeline",
			Name:      "inbound_total",
			Help:      "Total inbound webhook messages",
		}, []string{"provider", "status"}),
		debounceFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automaton",
			Subsystem: "pipeline",
			Name:      "debounce_flush_total",
			Help:      "Total debounce bucket flushes",
		}, []string{"trigger"}),
		debounceBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "automaton",
			Subsystem: "pipeline",
			Name:      "debounce_batch_size",
			Help:      "Number of messages merged per flushed bucket",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Subsystem: "pipeline",
			Name:      "lock_contention_total",
			Help:      "Turns dropped because the conversation lock was held",
		}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "automaton",
			Subsystem: "pipeline",
			Name:      "llm_latency_seconds",
			Help:      "Latency of completion calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "status"}),
		llmFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automaton",
			Subsystem: "pipeline",
			Name:      "llm_fallback_total",
			Help:      "Completion calls answered by the fallback provider or apology",
		}, []string{"kind"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automaton",
			Subsystem: "pipeline",
			Name:      "sends_total",
			Help:      "Total outbound message sends",
		}, []string{"transport", "status"}),
		enrollmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automaton",
			Subsystem: "sequence",
			Name:      "enrollments_total",
			Help:      "Sequence enrollment outcomes",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.inboundTotal,
		m.debounceFlushes,
		m.debounceBatchSize,
		m.lockContention,
		m.llmLatency,
		m.llmFallbacks,
		m.sendsTotal,
		m.enrollmentsTotal,
	)
	return m
}

func (m *PipelineMetrics) ObserveInbound(provider, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(provider, status).Inc()
}

func (m *PipelineMetrics) ObserveDebounceFlush(trigger string, batchSize int) {
	if m == nil {
		return
	}
	m.debounceFlushes.WithLabelValues(trigger).Inc()
	m.debounceBatchSize.Observe(float64(batchSize))
}

func (m *PipelineMetrics) ObserveLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

func (m *PipelineMetrics) ObserveLLMLatency(provider, status string, seconds float64) {
	if m == nil {
		return
	}
	m.llmLatency.WithLabelValues(provider, status).Observe(seconds)
}

func (m *PipelineMetrics) ObserveLLMFallback(kind string) {
	if m == nil {
		return
	}
	m.llmFallbacks.WithLabelValues(kind).Inc()
}

func (m *PipelineMetrics) ObserveSend(transport, status string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(transport, status).Inc()
}

func (m *PipelineMetrics) ObserveEnrollment(outcome string) {
	if m == nil {
		return
	}
	m.enrollmentsTotal.WithLabelValues(outcome).Inc()
}
