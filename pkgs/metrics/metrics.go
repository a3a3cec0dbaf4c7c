// Package metrics exposes the submitter's Prometheus collectors and the
// /metrics endpoint. Collectors are package-level and auto-registered;
// recording is fire-and-forget so instrumentation can never fail a
// submission.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	// AttemptsTotal counts window attempts by terminal state and reason.
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "submitter_attempts_total",
		Help: "Window submission attempts by terminal state and reason",
	}, []string{"state", "reason"})

	// TransportCallsTotal counts individual transport invocations by
	// transport name and outcome kind.
	TransportCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "submitter_transport_calls_total",
		Help: "Transport invocations by transport and outcome",
	}, []string{"transport", "outcome"})

	// ProbeFailuresTotal counts probe failures by fact and classification.
	ProbeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "submitter_probe_failures_total",
		Help: "Data probe failures by fact and classification",
	}, []string{"fact", "kind"})

	// EvaluationsTotal counts topic evaluations by activity verdict.
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "submitter_topic_evaluations_total",
		Help: "Topic lifecycle evaluations by verdict",
	}, []string{"active"})

	// DegradedEvaluationsTotal counts evaluations that ran in degraded
	// probe mode.
	DegradedEvaluationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "submitter_degraded_evaluations_total",
		Help: "Topic evaluations performed with a degraded probe layer",
	})

	// LedgerWritesTotal counts ledger rewrites.
	LedgerWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "submitter_ledger_writes_total",
		Help: "Ledger file rewrites",
	})

	// LedgerLockTimeoutsTotal counts writes that proceeded unlocked after
	// the lock wait timed out.
	LedgerLockTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "submitter_ledger_lock_timeouts_total",
		Help: "Ledger writes that proceeded without the lock file",
	})

	// LastEvaluationTimestamp is the unix time of the last completed
	// topic evaluation.
	LastEvaluationTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "submitter_last_evaluation_timestamp_seconds",
		Help: "Unix time of the last topic evaluation",
	})
)

// RecordEvaluation updates the evaluation collectors for one cycle.
func RecordEvaluation(active, degraded bool) {
	EvaluationsTotal.WithLabelValues(fmt.Sprintf("%t", active)).Inc()
	if degraded {
		DegradedEvaluationsTotal.Inc()
	}
	LastEvaluationTimestamp.SetToCurrentTime()
}

// Serve runs the /metrics endpoint until ctx is cancelled.
func Serve(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.WithField("port", port).Info("Metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Metrics server stopped: %v", err)
	}
}
