package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "receptionist_sessions_active",
		Help: "Currently active visitor sessions",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receptionist_sessions_total",
		Help: "Sessions started, by initial backend mode",
	}, []string{"mode"})

	ExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receptionist_exchanges_total",
		Help: "Audio exchanges processed, by backend mode and outcome",
	}, []string{"mode", "outcome"})

	ExchangeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "receptionist_exchange_duration_seconds",
		Help:    "Audio-in to response-out latency per exchange",
		Buckets: []float64{0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0, 10.0, 20.0},
	}, []string{"mode"})

	FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receptionist_fallbacks_total",
		Help: "Sessions migrated from streaming to pipeline, by reason",
	}, []string{"reason"})

	FunctionCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receptionist_function_calls_total",
		Help: "Backend-issued function calls, by function and final status",
	}, []string{"function", "status"})

	FunctionCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "receptionist_function_call_duration_seconds",
		Help:    "Function call execution latency including retries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	RepairActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receptionist_repair_actions_total",
		Help: "Consistency repair actions run by the function-call bridge",
	}, []string{"action"})

	BreakerOpensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receptionist_breaker_opens_total",
		Help: "Circuit breaker open transitions, by dependency",
	}, []string{"breaker"})

	SessionCost = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "receptionist_session_cost_usd",
		Help:    "Accumulated cost per session at end",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "receptionist_pipeline_stage_duration_seconds",
		Help:    "Latency of each pipeline stage (stt, engine, tts)",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receptionist_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})
)
