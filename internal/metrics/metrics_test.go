package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObserveChanges(t *testing.T) {
	m := New("")

	m.Observe(pipeline.Change{Topic: pipeline.TopicTaskCreated})
	m.Observe(pipeline.Change{Topic: pipeline.TopicResponse})
	m.Observe(pipeline.Change{Topic: pipeline.TopicResponse})
	m.Observe(pipeline.Change{Topic: pipeline.TopicTaskStatus, Status: models.TaskStatusLLMStarted})
	m.Observe(pipeline.Change{Topic: pipeline.TopicInterruption})
	m.Observe(pipeline.Change{Topic: pipeline.TopicInterruption, Stage: models.StageTTS})

	out := scrape(t, m)
	assert.Contains(t, out, "parley_tasks_created_total 1")
	assert.Contains(t, out, "parley_response_units_total 2")
	assert.Contains(t, out, `parley_task_transitions_total{status="llm_started"} 1`)
	assert.Contains(t, out, "parley_interruptions_total 1")
	assert.Contains(t, out, `parley_interruption_acks_total{stage="tts"} 1`)
}

func TestObserveJob(t *testing.T) {
	m := New("test")

	m.ObserveJob(models.StageAudio, "ok", 200*time.Millisecond)
	m.ObserveJob(models.StageAudio, "failed", time.Second)
	m.ObserveVoiceEvent("transcription")

	out := scrape(t, m)
	assert.Contains(t, out, `test_stage_jobs_total{outcome="ok",stage="audio"} 1`)
	assert.Contains(t, out, `test_stage_jobs_total{outcome="failed",stage="audio"} 1`)
	assert.Contains(t, out, `test_stage_job_duration_seconds_count{stage="audio"} 2`)
	assert.Contains(t, out, `test_voice_events_total{type="transcription"} 1`)
}

func TestRunTracksSummary(t *testing.T) {
	m := New("")
	coord := pipeline.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, coord) }()

	// Wait for the subscription before mutating.
	require.Eventually(t, func() bool { return coord.Bus().Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	coord.AddInputTask("one")
	coord.AddInputTask("two")

	require.Eventually(t, func() bool {
		return strings.Contains(scrape(t, m), `parley_tasks{status="created"} 2`)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunCountsEveryChangeInBursts(t *testing.T) {
	m := New("")
	coord := pipeline.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, coord)

	require.Eventually(t, func() bool { return coord.Bus().Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 300; i++ {
		coord.AddInputTask("burst")
	}

	require.Eventually(t, func() bool {
		return strings.Contains(scrape(t, m), "parley_tasks_created_total 300")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	m.Observe(pipeline.Change{Topic: pipeline.TopicTaskCreated})
	m.ObserveJob(models.StageTTS, "ok", time.Second)
	m.ObserveVoiceEvent("probability")
	m.SetSummary(pipeline.Summary{})
	assert.NoError(t, m.Run(context.Background(), pipeline.New()))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
