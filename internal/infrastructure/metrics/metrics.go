package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payledger_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payledger_http_request_duration_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// 状态机
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payledger_transitions_total",
			Help: "Transaction status transition attempts",
		},
		[]string{"to", "result"}, // result: ok|noop|rejected|error
	)
	TransitionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payledger_transition_duration_seconds",
			Help:    "Duration of the transition unit of work.",
			Buckets: prometheus.DefBuckets,
		},
	)
	LedgerAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payledger_ledger_entries_total",
			Help: "Balance snapshots written",
		},
		[]string{"type"},
	)

	// 回调
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payledger_webhooks_total",
			Help: "Gateway callbacks by provider and outcome",
		},
		[]string{"provider", "result"},
	)
	SignatureFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payledger_webhook_signature_failures_total",
			Help: "Gateway callbacks rejected for bad signatures",
		},
		[]string{"provider"},
	)

	// 对账
	ReconcileAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payledger_reconcile_alerts_total",
			Help: "Reconciliation alerts raised",
		},
		[]string{"kind"},
	)
	ReconcileUsersChecked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payledger_reconcile_users_checked_total",
			Help: "Users checked by the reconciliation job",
		},
	)

	// 任务
	ExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payledger_expired_transactions_total",
			Help: "Transactions cancelled by the expiry job",
		},
	)
	OutboxPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payledger_outbox_publish_total",
			Help: "Outbox publish attempts",
		},
		[]string{"result"}, // sent|retry|failed
	)

	registerOnce sync.Once
)

// Handler /metrics
var Handler = promhttp.Handler

// Init 注册所有指标，重复调用无副作用
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			RequestLatency,
			TransitionsTotal,
			TransitionDuration,
			LedgerAppliedTotal,
			WebhooksTotal,
			SignatureFailures,
			ReconcileAlertsTotal,
			ReconcileUsersChecked,
			ExpiredTotal,
			OutboxPublishTotal,
		)
	})
}
