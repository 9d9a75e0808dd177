package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_workflows_started_total",
			Help: "Total number of workflows started",
		},
		[]string{"workflow_type"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_workflows_completed_total",
			Help: "Total number of workflows completed",
		},
		[]string{"workflow_type", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"workflow_type"},
	)

	// Task metrics
	TasksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_tasks_created_total",
			Help: "Total number of research tasks fanned out",
		},
	)

	TaskExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_task_executions_total",
			Help: "Total number of task executions",
		},
		[]string{"model_class", "status"},
	)

	TaskExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_task_execution_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{5, 15, 60, 180, 600, 1800, 3600},
		},
		[]string{"model_class"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_task_retries_total",
			Help: "Total number of task retries",
		},
		[]string{"scope"},
	)

	GenerationPolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_generation_polls_total",
			Help: "Total number of async generation status polls",
		},
	)

	// Node metrics
	NodesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_nodes_completed_total",
			Help: "Total number of node completions by outcome",
		},
		[]string{"status"},
	)

	NodeFanOutSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbor_node_fanout_size",
			Help:    "Number of tasks created per node fan-out",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// Table synthesis metrics
	TablesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_tables_generated_total",
			Help: "Total number of tables synthesized",
		},
		[]string{"kind", "status"},
	)

	SynthesisBatches = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbor_synthesis_batches",
			Help:    "Number of batches per table synthesis",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	SynthesisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arbor_synthesis_duration_seconds",
			Help:    "Table synthesis duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 180, 600},
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_sessions_created_total",
			Help: "Total number of research sessions created",
		},
	)

	// Event streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_events_published_total",
			Help: "Total number of progress events published",
		},
		[]string{"kind"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_stream_subscribers",
			Help: "Current number of event stream subscribers",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_stream_events_dropped_total",
			Help: "Total events dropped due to slow subscribers",
		},
	)

	// Generation service metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_generation_requests_total",
			Help: "Total number of generation service requests",
		},
		[]string{"endpoint", "status"},
	)

	GenerationRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_generation_request_duration_seconds",
			Help:    "Generation service request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Database metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	EventQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arbor_event_queue_depth",
			Help: "Current depth of the async event log write queue",
		},
	)
)

// RecordWorkflowMetrics records standard workflow completion metrics
func RecordWorkflowMetrics(workflowType, status string, durationSeconds float64) {
	WorkflowsCompleted.WithLabelValues(workflowType, status).Inc()
	WorkflowDuration.WithLabelValues(workflowType).Observe(durationSeconds)
}

// RecordTaskExecution records one task execution outcome
func RecordTaskExecution(modelClass, status string, durationSeconds float64) {
	TaskExecutions.WithLabelValues(modelClass, status).Inc()
	TaskExecutionDuration.WithLabelValues(modelClass).Observe(durationSeconds)
}

// RecordGenerationRequest records a generation service round trip
func RecordGenerationRequest(endpoint, status string, durationSeconds float64) {
	GenerationRequests.WithLabelValues(endpoint, status).Inc()
	GenerationRequestDuration.WithLabelValues(endpoint).Observe(durationSeconds)
}
