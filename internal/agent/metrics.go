package agent

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/onllm-dev/aipulse/internal/api"
)

const (
	ns        = "aipulse"
	subsystem = "scheduler"

	LabelProvider = "provider"
	LabelAccount  = "account"
	LabelLimit    = "limit"
	LabelResult   = "result"
	LabelReason   = "reason"
	LabelTrigger  = "trigger"

	ResultSuccess     = "success"
	ResultAuth        = "auth"
	ResultRateLimited = "rate_limited"
	ResultBlocked     = "blocked"
	ResultParse       = "parse"
	ResultError       = "error"
)

// Metrics are the scheduler's Prometheus collectors.
type Metrics struct {
	Cycles         *prometheus.CounterVec
	CyclesSkipped  *prometheus.CounterVec
	Fetches        *prometheus.CounterVec
	FetchSeconds   *prometheus.HistogramVec
	Utilization    *prometheus.GaugeVec
	IntervalSecs   prometheus.Gauge
	PausedAccounts prometheus.Gauge
	Wakes          prometheus.Counter
}

// NewMetrics registers the scheduler collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Cycles: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cycles_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of fetch cycles that ran, by trigger (tick, wake, manual).",
		}, []string{LabelTrigger}),
		CyclesSkipped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cycles_skipped_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of fetch cycles skipped because one was in flight (busy) or too recent (rate_limited).",
		}, []string{LabelReason}),
		Fetches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fetches_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of per-account usage fetches, by provider and result.",
		}, []string{LabelProvider, LabelResult}),
		FetchSeconds: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name: "fetch_seconds", Namespace: ns, Subsystem: subsystem,
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			Help:    "The time taken by one provider usage fetch.",
		}, []string{LabelProvider}),
		Utilization: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "limit_utilization_percent", Namespace: ns, Subsystem: subsystem,
			Help: "The last observed utilization of each account limit.",
		}, []string{LabelProvider, LabelAccount, LabelLimit}),
		IntervalSecs: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "interval_seconds", Namespace: ns, Subsystem: subsystem,
			Help: "The current poll interval.",
		}),
		PausedAccounts: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "paused_accounts", Namespace: ns, Subsystem: subsystem,
			Help: "The number of accounts paused after repeated authentication failures.",
		}),
		Wakes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "system_wakes_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of detected system resumes.",
		}),
	}
}

// fetchResult maps a fetch error to a result label.
func fetchResult(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case api.IsAuthError(err):
		return ResultAuth
	case errors.Is(err, api.ErrRateLimited):
		return ResultRateLimited
	case errors.Is(err, api.ErrCloudflareBlocked):
		return ResultBlocked
	case errors.Is(err, api.ErrParse):
		return ResultParse
	default:
		return ResultError
	}
}
