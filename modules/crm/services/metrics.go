package services

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type reconMetrics struct {
	scanned  prometheus.Counter
	drift    prometheus.Counter
	repaired prometheus.Counter
}

var getReconMetrics = sync.OnceValue(func() *reconMetrics {
	return &reconMetrics{
		scanned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crm_reconciliation",
			Name:      "entities_scanned_total",
			Help:      "Entities examined by the reconciliation job.",
		}),
		drift: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crm_reconciliation",
			Name:      "drift_found_total",
			Help:      "Entities whose snapshot cache diverged from the expected state.",
		}),
		repaired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crm_reconciliation",
			Name:      "drift_repaired_total",
			Help:      "Entities whose snapshot cache was rewritten.",
		}),
	}
})
