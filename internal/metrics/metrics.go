// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "parley"

// Metrics holds all Prometheus metrics for the daemon. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Task metrics
	TasksCreated     prometheus.Counter
	TaskTransitions  *prometheus.CounterVec
	TasksByStatus    *prometheus.GaugeVec
	ResponseUnits    prometheus.Counter
	TasksRemoved     prometheus.Counter
	Interruptions    prometheus.Counter
	InterruptionAcks *prometheus.CounterVec

	// Stage job metrics
	StageJobs        *prometheus.CounterVec
	StageJobDuration *prometheus.HistogramVec

	// Voice channel metrics
	VoiceEvents *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	registry := prometheus.NewRegistry()

	tasksCreated := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Total number of tasks created",
		},
	)

	taskTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"status"},
	)

	tasksByStatus := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Number of tasks currently held, by status",
		},
		[]string{"status"},
	)

	responseUnits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_units_total",
			Help:      "Total number of response units appended",
		},
	)

	tasksRemoved := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_removals_total",
			Help:      "Total number of retention passes that removed tasks",
		},
	)

	interruptions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Total number of interrupted tasks",
		},
	)

	interruptionAcks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruption_acks_total",
			Help:      "Total number of interruption acknowledgments, by stage",
		},
		[]string{"stage"},
	)

	stageJobs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_jobs_total",
			Help:      "Total number of stage worker jobs, by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	stageJobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_job_duration_seconds",
			Help:      "Stage worker job duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	voiceEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_events_total",
			Help:      "Total number of voice channel events, by type",
		},
		[]string{"type"},
	)

	registry.MustRegister(
		tasksCreated,
		taskTransitions,
		tasksByStatus,
		responseUnits,
		tasksRemoved,
		interruptions,
		interruptionAcks,
		stageJobs,
		stageJobDuration,
		voiceEvents,
		collectors.NewGoCollector(),
	)

	return &Metrics{
		registry:         registry,
		TasksCreated:     tasksCreated,
		TaskTransitions:  taskTransitions,
		TasksByStatus:    tasksByStatus,
		ResponseUnits:    responseUnits,
		TasksRemoved:     tasksRemoved,
		Interruptions:    interruptions,
		InterruptionAcks: interruptionAcks,
		StageJobs:        stageJobs,
		StageJobDuration: stageJobDuration,
		VoiceEvents:      voiceEvents,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe counts one coordinator change.
func (m *Metrics) Observe(c pipeline.Change) {
	if m == nil {
		return
	}
	switch c.Topic {
	case pipeline.TopicTaskCreated:
		m.TasksCreated.Inc()
	case pipeline.TopicTaskStatus:
		m.TaskTransitions.WithLabelValues(string(c.Status)).Inc()
	case pipeline.TopicResponse:
		m.ResponseUnits.Inc()
	case pipeline.TopicInterruption:
		if c.Stage == "" {
			m.Interruptions.Inc()
		} else {
			m.InterruptionAcks.WithLabelValues(string(c.Stage)).Inc()
		}
	case pipeline.TopicTasksRemoved:
		m.TasksRemoved.Inc()
	}
}

// SetSummary updates the per-status task gauge.
func (m *Metrics) SetSummary(s pipeline.Summary) {
	if m == nil {
		return
	}
	for _, st := range models.AllStatuses {
		m.TasksByStatus.WithLabelValues(string(st)).Set(float64(s.ByStatus[st]))
	}
}

// ObserveJob records one finished stage job. Its signature matches
// scheduler.JobObserver.
func (m *Metrics) ObserveJob(stage models.Stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageJobs.WithLabelValues(string(stage), outcome).Inc()
	m.StageJobDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// ObserveVoiceEvent counts one event from the voice channel.
func (m *Metrics) ObserveVoiceEvent(eventType string) {
	if m == nil {
		return
	}
	m.VoiceEvents.WithLabelValues(eventType).Inc()
}

// Run feeds every change on bus into m until ctx is done or the bus
// closes. The status gauge is refreshed from coord after each change.
func (m *Metrics) Run(ctx context.Context, coord *pipeline.Coordinator) error {
	if m == nil {
		return nil
	}
	changes, unsubscribe := coord.Bus().SubscribeLossless()
	defer unsubscribe()

	m.SetSummary(coord.Summary())
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			m.Observe(c)
			m.SetSummary(coord.Summary())
		}
	}
}
