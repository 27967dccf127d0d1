package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementdMetrics

	reconcileMetricsOnce sync.Once
	reconcileRegistry    *ReconcileMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// SettlementdMetrics wraps collectors tracking settlement processor health.
type SettlementdMetrics struct {
	batchLatency *prometheus.HistogramVec
	batchSize    *prometheus.HistogramVec
	claims       *prometheus.CounterVec
	retries      *prometheus.CounterVec
	errors       *prometheus.CounterVec
	leaseHeld    *prometheus.GaugeVec
	sweepRuns    prometheus.Counter
}

// Settlementd exposes the metrics registry for settlementd.
func Settlementd() *SettlementdMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementdMetrics{
			batchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vaultdist",
				Subsystem: "settlementd",
				Name:      "batch_latency_seconds",
				Help:      "Latency distribution for settlement batch submissions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"vault"}),
			batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vaultdist",
				Subsystem: "settlementd",
				Name:      "batch_claims",
				Help:      "Number of claims carried by each submitted batch.",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
			}, []string{"vault"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultdist",
				Subsystem: "settlementd",
				Name:      "claims_total",
				Help:      "Count of claims processed segmented by vault and outcome.",
			}, []string{"vault", "outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultdist",
				Subsystem: "settlementd",
				Name:      "retries_total",
				Help:      "Count of batch submission retries segmented by vault.",
			}, []string{"vault"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultdist",
				Subsystem: "settlementd",
				Name:      "errors_total",
				Help:      "Count of settlement failures segmented by vault and reason.",
			}, []string{"vault", "reason"}),
			leaseHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "vaultdist",
				Subsystem: "settlementd",
				Name:      "lease_held",
				Help:      "Indicates whether this instance holds the settlement lease for a vault (1) or not (0).",
			}, []string{"vault"}),
			sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vaultdist",
				Subsystem: "settlementd",
				Name:      "sweep_runs_total",
				Help:      "Count of completed settlement sweep cycles.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.batchLatency,
			settlementRegistry.batchSize,
			settlementRegistry.claims,
			settlementRegistry.retries,
			settlementRegistry.errors,
			settlementRegistry.leaseHeld,
			settlementRegistry.sweepRuns,
		)
	})
	return settlementRegistry
}

// ObserveBatch records the latency and size of a submitted batch.
func (m *SettlementdMetrics) ObserveBatch(vault string, claims int, d time.Duration) {
	if m == nil {
		return
	}
	label := labelVault(vault)
	m.batchLatency.WithLabelValues(label).Observe(d.Seconds())
	m.batchSize.WithLabelValues(label).Observe(float64(claims))
}

// RecordClaims increments the claim counter for the supplied outcome.
func (m *SettlementdMetrics) RecordClaims(vault, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.claims.WithLabelValues(labelVault(vault), outcome).Add(float64(count))
}

// RecordRetry increments the retry counter for a vault.
func (m *SettlementdMetrics) RecordRetry(vault string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(labelVault(vault)).Inc()
}

// RecordError increments the error counter for the supplied reason.
func (m *SettlementdMetrics) RecordError(vault, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(labelVault(vault), reason).Inc()
}

// SetLease toggles the lease_held gauge for a vault.
func (m *SettlementdMetrics) SetLease(vault string, held bool) {
	if m == nil {
		return
	}
	value := 0.0
	if held {
		value = 1
	}
	m.leaseHeld.WithLabelValues(labelVault(vault)).Set(value)
}

// RecordSweep marks a completed sweep cycle.
func (m *SettlementdMetrics) RecordSweep() {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
}

// ReconcileMetrics bundles collectors for ledger verification runs.
type ReconcileMetrics struct {
	verifications *prometheus.CounterVec
	discrepancies *prometheus.GaugeVec
	tokenDelta    *prometheus.GaugeVec
	duration      *prometheus.HistogramVec
}

// Reconcile returns the metrics registry for verification activity.
func Reconcile() *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileRegistry = &ReconcileMetrics{
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultdist",
				Subsystem: "reconcile",
				Name:      "verifications_total",
				Help:      "Count of verification runs segmented by vault and outcome.",
			}, []string{"vault", "outcome"}),
			discrepancies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "vaultdist",
				Subsystem: "reconcile",
				Name:      "discrepancies",
				Help:      "Discrepancy count reported by the most recent verification per vault.",
			}, []string{"vault"}),
			tokenDelta: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "vaultdist",
				Subsystem: "reconcile",
				Name:      "token_delta",
				Help:      "Aggregate stored-minus-expected token delta from the most recent verification.",
			}, []string{"vault"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vaultdist",
				Subsystem: "reconcile",
				Name:      "duration_seconds",
				Help:      "Latency distribution for verification runs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"vault"}),
		}
		prometheus.MustRegister(
			reconcileRegistry.verifications,
			reconcileRegistry.discrepancies,
			reconcileRegistry.tokenDelta,
			reconcileRegistry.duration,
		)
	})
	return reconcileRegistry
}

// ObserveVerification records the result of a verification run.
func (m *ReconcileMetrics) ObserveVerification(vault string, clean bool, discrepancies int, tokenDelta *big.Int, d time.Duration) {
	if m == nil {
		return
	}
	label := labelVault(vault)
	outcome := "clean"
	if !clean {
		outcome = "dirty"
	}
	m.verifications.WithLabelValues(label, outcome).Inc()
	m.discrepancies.WithLabelValues(label).Set(float64(discrepancies))
	m.tokenDelta.WithLabelValues(label).Set(bigToFloat(tokenDelta))
	m.duration.WithLabelValues(label).Observe(d.Seconds())
}

// LedgerMetrics tracks claim ledger mutations.
type LedgerMetrics struct {
	transitions *prometheus.CounterVec
	replaced    *prometheus.CounterVec
}

// Ledger returns the metrics registry for claim ledger activity.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultdist",
				Subsystem: "ledger",
				Name:      "transitions_total",
				Help:      "Count of claim status transitions segmented by source and target status.",
			}, []string{"from", "to"}),
			replaced: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultdist",
				Subsystem: "ledger",
				Name:      "replaced_total",
				Help:      "Count of stale available claims replaced after source data changed.",
			}, []string{"vault"}),
		}
		prometheus.MustRegister(ledgerRegistry.transitions, ledgerRegistry.replaced)
	})
	return ledgerRegistry
}

// RecordTransition increments the transition counter for a status edge.
func (m *LedgerMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordReplaced increments the replaced-claim counter for a vault.
func (m *LedgerMetrics) RecordReplaced(vault string) {
	if m == nil {
		return
	}
	m.replaced.WithLabelValues(labelVault(vault)).Inc()
}

// HTTPMetrics tracks request volume and latency on the daemon API.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// HTTP returns the metrics registry for the HTTP surface.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultdist",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Count of HTTP requests segmented by route, method, and status.",
			}, []string{"route", "method", "status"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vaultdist",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP requests by route and method.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.duration)
	})
	return httpRegistry
}

// Observe records one served request.
func (m *HTTPMetrics) Observe(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route = strings.TrimSpace(route); route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route, method).Observe(d.Seconds())
}

func labelVault(vault string) string {
	trimmed := strings.TrimSpace(vault)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
