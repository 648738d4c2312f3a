package stormguard

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	decisions *prometheus.CounterVec
	emergency prometheus.Gauge
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormguard",
			Name:      "decisions_total",
			Help:      "Guard decisions by reason.",
		}, []string{"reason", "topic"}),
		emergency: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "stormguard",
			Name:      "emergency_mode",
			Help:      "Whether emergency containment mode is active (1/0).",
		}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
