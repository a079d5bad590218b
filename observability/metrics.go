package observability

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"certchain/broadcast"
	"certchain/ledger"
	"certchain/notify"
	"certchain/recon"
	"certchain/verify"
)

var (
	_ recon.Metrics      = (*CertdMetrics)(nil)
	_ ledger.Observer    = (*CertdMetrics)(nil)
	_ notify.Observer    = (*CertdMetrics)(nil)
	_ broadcast.Observer = (*CertdMetrics)(nil)
	_ verify.Metrics     = (*CertdMetrics)(nil)
)

// CertdMetrics collects reconciliation, ledger, notification, broadcast and
// verification activity. A nil receiver is a no-op.
type CertdMetrics struct {
	passes        *prometheus.CounterVec
	passDuration  prometheus.Histogram
	records       *prometheus.CounterVec
	skippedTicks  *prometheus.CounterVec
	ledgerHealthy prometheus.Gauge
	ledgerCalls   *prometheus.CounterVec
	ledgerLatency *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	notifyPasses  *prometheus.CounterVec
	subscribers   prometheus.Gauge
	broadcasts    *prometheus.CounterVec
	verifications *prometheus.CounterVec
}

var (
	certdMetricsOnce sync.Once
	certdRegistry    *CertdMetrics
)

// Certd returns the lazily registered certd metrics.
func Certd() *CertdMetrics {
	certdMetricsOnce.Do(func() {
		certdRegistry = &CertdMetrics{
			passes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "certd",
				Subsystem: "recon",
				Name:      "pass_records_total",
				Help:      "Records handled by reconciliation passes segmented by outcome.",
			}, []string{"outcome"}),
			passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "certd",
				Subsystem: "recon",
				Name:      "pass_duration_seconds",
				Help:      "Wall time of a reconciliation pass.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}),
			records: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "certd",
				Subsystem: "recon",
				Name:      "records_total",
				Help:      "Per-record reconciliation outcomes.",
			}, []string{"outcome"}),
			skippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "certd",
				Subsystem: "recon",
				Name:      "skipped_ticks_total",
				Help:      "Scheduler ticks dropped because a pass was still running.",
			}, []string{"cadence"}),
			ledgerHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "certd",
				Subsystem: "ledger",
				Name:      "healthy",
				Help:      "1 when the last ledger health check succeeded.",
			}),
			ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "certd",
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "Ledger RPC calls segmented by method and result.",
			}, []string{"method", "result"}),
			ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "certd",
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Latency of ledger RPC calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "certd",
				Subsystem: "notify",
				Name:      "attempts_total",
				Help:      "Notification attempts segmented by backend and result.",
			}, []string{"backend", "result"}),
			notifyPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "certd",
				Subsystem: "notify",
				Name:      "pass_records_total",
				Help:      "Records visited by notification retry passes segmented by outcome.",
			}, []string{"outcome"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "certd",
				Subsystem: "broadcast",
				Name:      "subscribers",
				Help:      "Live status subscribers currently attached.",
			}),
			broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "certd",
				Subsystem: "broadcast",
				Name:      "events_total",
				Help:      "Status events pushed to subscribers segmented by delivery result.",
			}, []string{"result"}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "certd",
				Subsystem: "verify",
				Name:      "requests_total",
				Help:      "Verification requests segmented by lookup method and verdict.",
			}, []string{"method", "status"}),
		}
		prometheus.MustRegister(
			certdRegistry.passes,
			certdRegistry.passDuration,
			certdRegistry.records,
			certdRegistry.skippedTicks,
			certdRegistry.ledgerHealthy,
			certdRegistry.ledgerCalls,
			certdRegistry.ledgerLatency,
			certdRegistry.notifications,
			certdRegistry.notifyPasses,
			certdRegistry.subscribers,
			certdRegistry.broadcasts,
			certdRegistry.verifications,
		)
	})
	return certdRegistry
}

// ObservePass records the totals of one reconciliation pass.
func (m *CertdMetrics) ObservePass(report recon.Report, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(recon.OutcomeConfirmed).Add(float64(report.Confirmed))
	m.passes.WithLabelValues(recon.OutcomeFailed).Add(float64(report.Failed))
	m.passes.WithLabelValues(recon.OutcomeErrored).Add(float64(report.Errored))
	m.passes.WithLabelValues(recon.OutcomePending).Add(float64(report.Pending))
	m.passes.WithLabelValues(recon.OutcomeSkipped).Add(float64(report.Skipped))
	m.passDuration.Observe(elapsed.Seconds())
}

func (m *CertdMetrics) ObserveRecord(outcome string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(label(outcome)).Inc()
}

func (m *CertdMetrics) ObserveNotifyPass(report recon.NotifyReport) {
	if m == nil {
		return
	}
	m.notifyPasses.WithLabelValues("sent").Add(float64(report.Sent))
	m.notifyPasses.WithLabelValues("failed").Add(float64(report.Failed))
	m.notifyPasses.WithLabelValues("skipped").Add(float64(report.Skipped))
}

func (m *CertdMetrics) ObserveSkippedTick(cadence string) {
	if m == nil {
		return
	}
	m.skippedTicks.WithLabelValues(label(cadence)).Inc()
}

func (m *CertdMetrics) ObserveHealth(healthy bool) {
	if m == nil {
		return
	}
	if healthy {
		m.ledgerHealthy.Set(1)
		return
	}
	m.ledgerHealthy.Set(0)
}

// ObserveLedgerCall records latency and a coarse result class per RPC.
func (m *CertdMetrics) ObserveLedgerCall(method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	method = label(method)
	m.ledgerLatency.WithLabelValues(method).Observe(elapsed.Seconds())
	m.ledgerCalls.WithLabelValues(method, ledgerResult(err)).Inc()
}

func ledgerResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case ledger.IsReverted(err):
		return "reverted"
	case errors.Is(err, ledger.ErrNotConnected):
		return "disconnected"
	default:
		return "error"
	}
}

func (m *CertdMetrics) ObserveNotification(backend string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.notifications.WithLabelValues(label(backend), result).Inc()
}

func (m *CertdMetrics) SetLiveSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *CertdMetrics) ObserveBroadcast(delivered, dropped int) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues("delivered").Add(float64(delivered))
	m.broadcasts.WithLabelValues("dropped").Add(float64(dropped))
}

func (m *CertdMetrics) ObserveVerification(method, status string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(label(method), label(status)).Inc()
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
