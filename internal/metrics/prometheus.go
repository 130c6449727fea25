package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_arb"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

var counterHelp = []struct {
	name string
	help string
}{
	{"cycles_started_total", "Total number of execution cycles started."},
	{"cycles_completed_total", "Total number of execution cycles closed and settled."},
	{"cycle_errors_total", "Total number of cycles that ended in error status."},
	{"hedge_rollbacks_total", "Total number of primary-leg rollbacks after a hedge failure."},
	{"rollback_failures_total", "Total number of rollbacks that failed to flatten the primary leg."},
	{"close_fallbacks_total", "Total number of closes that fell back from reduce-only to native close."},
	{"close_failures_total", "Total number of legs that exhausted every safe close method."},
	{"funding_detected_total", "Total number of funding payments detected on the balance feed."},
	{"funding_fallbacks_total", "Total number of exits triggered by the funding fallback timer."},
	{"pool_evictions_total", "Total number of idle connectors evicted from the pool."},
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counters := make(map[string]prometheus.Counter, len(counterHelp))
	for _, c := range counterHelp {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      c.name,
			Help:      c.help,
		})
		registry.MustRegister(counter)
		counters[c.name] = counter
	}

	m := &Metrics{
		CyclesStarted:    promCounter{counters["cycles_started_total"]},
		CyclesCompleted:  promCounter{counters["cycles_completed_total"]},
		CycleErrors:      promCounter{counters["cycle_errors_total"]},
		HedgeRollbacks:   promCounter{counters["hedge_rollbacks_total"]},
		RollbackFailures: promCounter{counters["rollback_failures_total"]},
		CloseFallbacks:   promCounter{counters["close_fallbacks_total"]},
		CloseFailures:    promCounter{counters["close_failures_total"]},
		FundingDetected:  promCounter{counters["funding_detected_total"]},
		FundingFallbacks: promCounter{counters["funding_fallbacks_total"]},
		PoolEvictions:    promCounter{counters["pool_evictions_total"]},
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
		counters: counters,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
