// internal/circulation/metrics.go
package circulation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libracirc_actions_total",
			Help: "Total number of circulation actions by outcome",
		},
		[]string{"action", "outcome"},
	)

	actionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "libracirc_action_duration_seconds",
			Help:    "Time taken to apply and commit a circulation action",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libracirc_version_conflict_retries_total",
			Help: "Total number of retries caused by item version conflicts",
		},
		[]string{"action"},
	)

	renewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libracirc_automatic_renewals_total",
			Help: "Total number of loans handled by the automatic renewal task",
		},
		[]string{"outcome"},
	)
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "applied"
	case IsDenial(err):
		return "denied"
	case KindOf(err) == KindNotFound:
		return "not_found"
	}
	return "error"
}
