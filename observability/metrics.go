package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetricsRegistry
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "forechain",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC and REST requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "forechain",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total RPC errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "forechain",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "forechain",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// EscrowMetricsRegistry tracks escrow engine outcomes and custody balances.
type EscrowMetricsRegistry struct {
	operations *prometheus.CounterVec
	held       prometheus.Gauge
	accrued    prometheus.Gauge
	feeBps     prometheus.Gauge
	disputes   prometheus.Gauge
}

// EscrowMetrics returns the singleton escrow metrics registry.
func EscrowMetrics() *EscrowMetricsRegistry {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetricsRegistry{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "forechain",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Count of escrow operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			held: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "forechain",
				Subsystem: "escrow",
				Name:      "custody_held",
				Help:      "Principal currently held in custody for open projects.",
			}),
			accrued: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "forechain",
				Subsystem: "escrow",
				Name:      "accrued_fees",
				Help:      "Platform fees accrued and not yet withdrawn.",
			}),
			feeBps: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "forechain",
				Subsystem: "escrow",
				Name:      "fee_basis_points",
				Help:      "Current platform fee rate in basis points.",
			}),
			disputes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "forechain",
				Subsystem: "escrow",
				Name:      "open_disputes",
				Help:      "Number of projects awaiting administrator resolution.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.held,
			escrowRegistry.accrued,
			escrowRegistry.feeBps,
			escrowRegistry.disputes,
		)
	})
	return escrowRegistry
}

// ObserveOperation counts one engine call by operation and outcome.
func (m *EscrowMetricsRegistry) ObserveOperation(op, outcome string) {
	if m == nil {
		return
	}
	op = strings.TrimSpace(op)
	if op == "" {
		op = "unknown"
	}
	if outcome == "" {
		outcome = "unspecified"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RecordCustody publishes the treasury balances.
func (m *EscrowMetricsRegistry) RecordCustody(held, accrued *big.Int, feeBps uint64) {
	if m == nil {
		return
	}
	m.held.Set(bigToFloat(held))
	m.accrued.Set(bigToFloat(accrued))
	m.feeBps.Set(float64(feeBps))
}

// SetOpenDisputes publishes the number of projects in dispute.
func (m *EscrowMetricsRegistry) SetOpenDisputes(n int) {
	if m == nil {
		return
	}
	m.disputes.Set(float64(n))
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
