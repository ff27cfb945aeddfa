package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	Exchanges        *prometheus.CounterVec
	TurnsPersisted   prometheus.Counter
	PersistFailures  prometheus.Counter
	LoopIterations   prometheus.Counter
	LoopTerminations *prometheus.CounterVec
	EnqueuedJobs     prometheus.Counter
	ProcessedJobs    prometheus.Counter
	FailedJobs       prometheus.Counter
	UpdatesTotal     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "duochat",
				Name:      "provider_calls_total",
				Help:      "Provider calls by source and outcome",
			}, []string{"source", "outcome"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "duochat",
				Name:      "provider_call_seconds",
				Help:      "Provider call latency",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			}, []string{"source"}),
			Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "duochat",
				Name:      "exchanges_total",
				Help:      "Completed user exchanges by phase",
			}, []string{"phase"}),
			TurnsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "duochat",
				Name:      "turns_persisted_total",
				Help:      "Turns appended to the session store",
			}),
			PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "duochat",
				Name:      "persist_failures_total",
				Help:      "Failed session store writes",
			}),
			LoopIterations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "duochat",
				Name:      "loop_iterations_total",
				Help:      "Autonomous loop iterations completed",
			}),
			LoopTerminations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "duochat",
				Name:      "loop_terminations_total",
				Help:      "Autonomous loop runs by termination reason",
			}, []string{"reason"}),
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "duochat",
				Name:      "queue_enqueued_total",
				Help:      "Total jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "duochat",
				Name:      "queue_processed_total",
				Help:      "Total jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "duochat",
				Name:      "queue_failed_total",
				Help:      "Total jobs failed during processing",
			}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "duochat",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
		}
		prometheus.MustRegister(
			global.ProviderCalls,
			global.ProviderLatency,
			global.Exchanges,
			global.TurnsPersisted,
			global.PersistFailures,
			global.LoopIterations,
			global.LoopTerminations,
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.UpdatesTotal,
		)
	})
	return global
}
