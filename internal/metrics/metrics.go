// Package metrics holds the Prometheus instruments of the escrow ledger.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrow"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// PostingsTotal counts committed posting batches.
	PostingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_postings_total",
			Help:      "Committed posting batches by operation and phase.",
		},
		[]string{"operation", "phase"},
	)

	// PostingReplaysTotal counts postings answered from an existing idempotency key.
	PostingReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_posting_replays_total",
			Help:      "Posting requests answered by an earlier batch with the same idempotency key.",
		},
		[]string{"operation"},
	)

	// PostingFailuresTotal counts rejected postings by reason.
	PostingFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_posting_failures_total",
			Help:      "Rejected posting requests by operation and reason.",
		},
		[]string{"operation", "reason"},
	)

	// PostingDuration observes posting latency including retries.
	PostingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_posting_duration_seconds",
			Help:      "Posting duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	// TxRetriesTotal counts storage transactions retried after a transient conflict.
	TxRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_tx_retries_total",
		Help:      "Transactions retried after serialization failure, deadlock or lock timeout.",
	})

	// EscrowTransitionsTotal counts committed escrow status changes.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_transitions_total",
			Help:      "Committed escrow transitions by target status and timeline event.",
		},
		[]string{"status", "event"},
	)

	// EscrowDuration observes time from creation to a terminal status.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to resolution in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 14 * 86400},
	})

	// SweepItemsTotal counts escrows visited by the scheduler.
	SweepItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Escrows processed by scheduler sweeps by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// SweepDuration observes a full sweep run.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Scheduler sweep duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// PayoutsTotal counts payout gateway calls by result.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_payouts_total",
			Help:      "Payout requests sent to the payment gateway by result.",
		},
		[]string{"result"},
	)

	DBTotalConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_total_connections",
		Help: "Connections currently held by the pool.",
	})
	DBIdleConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_idle_connections",
		Help: "Idle connections in the pool.",
	})
	DBAcquiredConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_acquired_connections",
		Help: "Connections currently acquired from the pool.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PostingsTotal,
		PostingReplaysTotal,
		PostingFailuresTotal,
		PostingDuration,
		TxRetriesTotal,
		EscrowTransitionsTotal,
		EscrowDuration,
		SweepItemsTotal,
		SweepDuration,
		PayoutsTotal,
		DBTotalConns,
		DBIdleConns,
		DBAcquiredConns,
		GoroutineCount,
	)
}

// StartPoolStatsCollector samples pgxpool statistics into gauges until ctx is done.
func StartPoolStatsCollector(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := pool.Stat()
			DBTotalConns.Set(float64(stat.TotalConns()))
			DBIdleConns.Set(float64(stat.IdleConns()))
			DBAcquiredConns.Set(float64(stat.AcquiredConns()))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency per route pattern.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		route := c.Route().Path
		method := c.Method()
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else if status < 400 {
				status = fiber.StatusInternalServerError
			}
		}
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(method, route, statusBucket(status)).Inc()
		return err
	}
}

// Handler serves the Prometheus exposition format.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
