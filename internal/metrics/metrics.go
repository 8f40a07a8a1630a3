package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recipebus_events_dispatched_total",
		Help: "Total number of events persisted by the dispatcher, labelled by severity.",
	}, []string{"severity"})

	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recipebus_events_rejected_total",
		Help: "Total number of events rejected before persistence.",
	})

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recipebus_events_duplicate_total",
		Help: "Total number of dispatches skipped because the event id was already stored.",
	})

	EventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recipebus_events_enqueued_total",
		Help: "Total number of events placed on the async dispatch queue.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recipebus_events_dropped_total",
		Help: "Total number of events rejected due to a full async queue.",
	})

	DepthExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recipebus_dispatch_depth_exceeded_total",
		Help: "Total number of dispatch chains cut off at the depth ceiling.",
	})

	RecipesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recipebus_recipes_matched_total",
		Help: "Total number of recipe matches, labelled by triggering event namespace.",
	}, []string{"namespace"})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recipebus_runs_finished_total",
		Help: "Total number of recipe runs, labelled by trigger and final status.",
	}, []string{"trigger", "status"})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recipebus_actions_executed_total",
		Help: "Total number of actions executed, labelled by module, action and status.",
	}, []string{"module_id", "action_id", "status"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recipebus_step_duration_ms",
		Help:    "Action step latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000, 30000},
	}, []string{"module_id"})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recipebus_dispatch_duration_ms",
		Help:    "End-to-end dispatch latency in milliseconds, including matched runs.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recipebus_queue_utilization_ratio",
		Help: "Current async dispatch queue utilization (0-1).",
	})

	SchedulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recipebus_schedules_fired_total",
		Help: "Total number of cron schedule evaluations, labelled by result.",
	}, []string{"result"})
)
