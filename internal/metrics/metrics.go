package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// UpdaterCycles counts finished updater cycles by outcome.
	UpdaterCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trend",
		Subsystem: "updater",
		Name:      "cycles_total",
		Help:      "Updater cycles by outcome",
	}, []string{"outcome"})

	// UpstreamFetches counts calls to the price source by result (ok, unreachable, malformed, setup).
	UpstreamFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trend",
		Subsystem: "upstream",
		Name:      "fetches_total",
		Help:      "Upstream ticker fetches by result",
	}, []string{"result"})

	SamplesInserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trend",
		Name:      "samples_inserted_total",
		Help:      "New samples written to the store by source",
	}, []string{"source"})

	BootstrapLines = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trend",
		Subsystem: "bootstrap",
		Name:      "lines_total",
		Help:      "Bootstrap file lines by result (inserted, duplicate, malformed, failed)",
	}, []string{"result"})

	ResampleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trend",
		Subsystem: "resample",
		Name:      "duration_seconds",
		Help:      "Time to answer one range query",
		Buckets:   prometheus.DefBuckets,
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trend",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests",
	}, []string{"route", "method", "code"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trend",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
)

// Register registers every collector once. With no argument the default registerer is used.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			UpdaterCycles,
			UpstreamFetches,
			SamplesInserted,
			BootstrapLines,
			ResampleDuration,
			HTTPRequests,
			HTTPDuration,
		)
	})
}
