// Package metrics provides Prometheus instrumentation for the registration gate.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reggate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reggate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RiskDecisionsTotal counts engine decisions by recommended action.
	RiskDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reggate",
			Name:      "risk_decisions_total",
			Help:      "Risk engine decisions by action.",
		},
		[]string{"action"},
	)

	// RiskScore observes the distribution of computed risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reggate",
		Name:      "risk_score",
		Help:      "Computed registration risk scores.",
		Buckets:   []float64{0, 30, 60, 100, 150, 200, 300, 500},
	})

	// CheckUnavailableTotal counts risk sub-checks that failed open.
	CheckUnavailableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reggate",
			Name:      "risk_check_unavailable_total",
			Help:      "Risk sub-checks that could not be evaluated and contributed zero.",
		},
		[]string{"check"},
	)

	// ActionsTakenTotal counts attempt outcomes by action_taken and flow.
	ActionsTakenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reggate",
			Name:      "actions_taken_total",
			Help:      "Attempt outcomes by action taken and flow (registration, login).",
		},
		[]string{"action_taken", "flow"},
	)

	// ChallengesIssuedTotal counts generated proof-of-work challenges by difficulty.
	ChallengesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reggate",
			Name:      "challenges_issued_total",
			Help:      "Proof-of-work challenges issued by difficulty.",
		},
		[]string{"difficulty"},
	)

	// ChallengeVerificationsTotal counts verification results by reason.
	ChallengeVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reggate",
			Name:      "challenge_verifications_total",
			Help:      "Proof-of-work verifications by result.",
		},
		[]string{"result"},
	)

	// ChallengeGenerationDuration observes the bounded target search.
	ChallengeGenerationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reggate",
		Name:      "challenge_generation_seconds",
		Help:      "Time spent searching for a challenge target hash.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// StoreErrorsTotal counts persistence failures by operation.
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reggate",
			Name:      "store_errors_total",
			Help:      "Persistence failures by operation.",
		},
		[]string{"op"},
	)

	// PendingRegistrations tracks registrations waiting for a challenge result.
	PendingRegistrations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reggate",
		Name:      "pending_registrations",
		Help:      "Registrations held in memory waiting on a challenge.",
	})

	// ChallengesSweptTotal counts expired challenge rows removed by the sweeper.
	ChallengesSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reggate",
		Name:      "challenges_swept_total",
		Help:      "Expired challenge rows deleted by the sweeper.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reggate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reggate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reggate", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reggate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RiskDecisionsTotal,
		RiskScore,
		CheckUnavailableTotal,
		ActionsTakenTotal,
		ChallengesIssuedTotal,
		ChallengeVerificationsTotal,
		ChallengeGenerationDuration,
		StoreErrorsTotal,
		PendingRegistrations,
		ChallengesSweptTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps session ids out of label values
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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
