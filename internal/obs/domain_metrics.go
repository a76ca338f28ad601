package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// QuoteFlushTotal counts quote option flushes by outcome.
	QuoteFlushTotal *prometheus.CounterVec
	// QuoteMarginDivergenceTotal counts flushes where manual sell lines disagree with the policy total.
	QuoteMarginDivergenceTotal prometheus.Counter
	// OptionRecomputeTotal counts background recompute task outcomes.
	OptionRecomputeTotal *prometheus.CounterVec
	// MarginRuleCacheTotal counts margin rule cache lookups.
	MarginRuleCacheTotal *prometheus.CounterVec
	// MarginPreviewLatency records preview computation latency in milliseconds.
	MarginPreviewLatency prometheus.Histogram
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		QuoteFlushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_flush_total",
			Help:      "Count of quote option flushes by outcome.",
		}, []string{"result"})
		QuoteMarginDivergenceTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_margin_divergence_total",
			Help:      "Flushes where line sell totals differ from policy-derived totals.",
		})
		OptionRecomputeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "option_recompute_total",
			Help:      "Count of option recompute tasks by outcome.",
		}, []string{"result"})
		MarginRuleCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "margin_rule_cache_total",
			Help:      "Margin rule cache lookups by result.",
		}, []string{"result"})
		MarginPreviewLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "margin_preview_duration_ms",
			Help:      "Latency of margin preview computations in milliseconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50},
		})

		mustRegisterCollector(reg, QuoteFlushTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				QuoteFlushTotal = v
			}
		})
		mustRegisterCollector(reg, QuoteMarginDivergenceTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				QuoteMarginDivergenceTotal = v
			}
		})
		mustRegisterCollector(reg, OptionRecomputeTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OptionRecomputeTotal = v
			}
		})
		mustRegisterCollector(reg, MarginRuleCacheTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				MarginRuleCacheTotal = v
			}
		})
		mustRegisterCollector(reg, MarginPreviewLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Histogram); ok {
				MarginPreviewLatency = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
