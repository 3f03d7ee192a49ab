package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TickTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestration_tick_total",
		Help: "Total number of orchestration main-loop ticks by result.",
	}, []string{"result"})
	InstallTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestration_install_total",
		Help: "Total number of package install attempts by result.",
	}, []string{"result"})
	ReconfigDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestration_reconfig_duration_seconds",
		Help:    "Duration of a nano-service reconfiguration, from dispatch to terminal status.",
		Buckets: prometheus.DefBuckets,
	})
	ManifestQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestration_manifest_queue_size",
		Help: "Number of packages awaiting install or removal from the current manifest diff.",
	})
)
