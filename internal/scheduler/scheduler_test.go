package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/pipeline"
)

// mockSynth implements a simple synthesizer for testing.
type mockSynth struct {
	mu        sync.Mutex
	block     chan struct{}
	fail      map[string]error
	active    int
	maxActive int
	causes    []error
}

func (m *mockSynth) Name() string {
	return "mock-tts"
}

func (m *mockSynth) Synthesize(ctx context.Context, text string) (string, error) {
	m.mu.Lock()
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			m.mu.Lock()
			m.causes = append(m.causes, context.Cause(ctx))
			m.mu.Unlock()
			return "", ctx.Err()
		}
	}
	if err := m.fail[text]; err != nil {
		return "", err
	}
	return "ref-" + text, nil
}

func (m *mockSynth) stats() (active, maxActive int, causes []error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.maxActive, append([]error(nil), m.causes...)
}

// mockPlayer records the units it played.
type mockPlayer struct {
	mu     sync.Mutex
	played []pipeline.WorkItem
}

func (m *mockPlayer) Name() string {
	return "mock-player"
}

func (m *mockPlayer) Play(ctx context.Context, item pipeline.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.played = append(m.played, item)
	return nil
}

func (m *mockPlayer) playedAudio() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.played))
	for i, item := range m.played {
		out[i] = item.Audio
	}
	return out
}

func testConfig(workers int) *Config {
	return &Config{
		PollInterval: 20 * time.Millisecond,
		TTSWorkers:   workers,
		JobTimeout:   5 * time.Second,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// newReply creates a task whose reply is complete.
func newReply(coord *pipeline.Coordinator, input string, units ...string) string {
	id := coord.CreateTaskFromLLM(input, units[0])
	for _, u := range units[1:] {
		coord.AddResponseChunk(id, u)
	}
	coord.MarkLLMFinished(id)
	return id
}

func taskStatus(coord *pipeline.Coordinator, id string) models.TaskStatus {
	task, _ := coord.Task(id)
	return task.Status
}

func TestSynthesisAndPlaybackFinishTask(t *testing.T) {
	coord := pipeline.New()
	synth := &mockSynth{}
	player := &mockPlayer{}

	sch := New(coord, synth, player, testConfig(1))
	sch.Start()
	defer sch.Stop()

	id := newReply(coord, "hi", "One.", "Two.")

	waitFor(t, func() bool {
		return taskStatus(coord, id) == models.TaskStatusFinished
	}, "task never finished")
	waitFor(t, func() bool {
		return len(player.playedAudio()) == 2
	}, "units never played")

	got := player.playedAudio()
	if got[0] != "ref-One." || got[1] != "ref-Two." {
		t.Errorf("Expected units played in order, got %v", got)
	}

	task, _ := coord.Task(id)
	for i, u := range task.Response {
		if !u.PlaybackFinished {
			t.Errorf("Expected unit %d marked played", i)
		}
	}

	stats := sch.GetStats()
	if stats[models.StageTTS].Processed != 2 {
		t.Errorf("Expected 2 synthesized units, got %d", stats[models.StageTTS].Processed)
	}
	if stats[models.StageAudio].Connector != "mock-player" {
		t.Errorf("Expected audio connector mock-player, got %s", stats[models.StageAudio].Connector)
	}
}

func TestInterruptionCancelsInFlightSynthesis(t *testing.T) {
	coord := pipeline.New(pipeline.WithStages(models.StageTTS))
	synth := &mockSynth{block: make(chan struct{})}

	sch := New(coord, synth, nil, testConfig(1))
	sch.Start()
	defer sch.Stop()

	id := coord.CreateTaskFromLLM("hi", "One.")
	waitFor(t, func() bool {
		active, _, _ := synth.stats()
		return active == 1
	}, "synthesis never started")

	if _, ok := coord.InterruptCurrentTask(); !ok {
		t.Fatal("Expected interruption to be accepted")
	}

	waitFor(t, func() bool {
		return taskStatus(coord, id) == models.TaskStatusCancelled
	}, "task never cancelled")
	waitFor(t, func() bool {
		return sch.GetStats()[models.StageTTS].Cancelled == 1
	}, "job never counted as cancelled")

	_, _, causes := synth.stats()
	if len(causes) != 1 || !errors.Is(causes[0], ErrInterrupted) {
		t.Errorf("Expected synthesis cancelled with ErrInterrupted, got %v", causes)
	}
}

func TestFailedUnitIsSkipped(t *testing.T) {
	coord := pipeline.New()
	synth := &mockSynth{fail: map[string]error{"Bad.": errors.New("boom")}}

	sch := New(coord, synth, nil, testConfig(1))
	sch.Start()
	defer sch.Stop()

	id := newReply(coord, "hi", "Bad.", "Good.")

	waitFor(t, func() bool {
		task, _ := coord.Task(id)
		return task.Response[1].Audio != ""
	}, "second unit never synthesized")

	stats := sch.GetStats()[models.StageTTS]
	if stats.Failed != 1 {
		t.Errorf("Expected 1 failed job, got %d", stats.Failed)
	}
	if stats.Processed != 1 {
		t.Errorf("Expected 1 processed job, got %d", stats.Processed)
	}

	// Without audio for every unit the task cannot finish.
	if got := taskStatus(coord, id); got != models.TaskStatusLLMFinished {
		t.Errorf("Expected status llm_finished, got %s", got)
	}
}

func TestObserverSeesEveryJob(t *testing.T) {
	coord := pipeline.New()

	var mu sync.Mutex
	outcomes := map[models.Stage][]string{}
	observer := func(stage models.Stage, outcome string, d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[stage] = append(outcomes[stage], outcome)
	}

	sch := New(coord, &mockSynth{}, &mockPlayer{}, testConfig(1), WithObserver(observer))
	sch.Start()
	defer sch.Stop()

	newReply(coord, "hi", "One.")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes[models.StageTTS]) == 1 && len(outcomes[models.StageAudio]) == 1
	}, "observer never saw both jobs")

	mu.Lock()
	defer mu.Unlock()
	if outcomes[models.StageTTS][0] != OutcomeOK || outcomes[models.StageAudio][0] != OutcomeOK {
		t.Errorf("Expected ok outcomes, got %v", outcomes)
	}
}

func TestResetCancelsJobs(t *testing.T) {
	coord := pipeline.New()
	synth := &mockSynth{block: make(chan struct{})}

	sch := New(coord, synth, nil, testConfig(1))
	sch.Start()
	defer sch.Stop()

	coord.CreateTaskFromLLM("hi", "One.")
	waitFor(t, func() bool {
		active, _, _ := synth.stats()
		return active == 1
	}, "synthesis never started")

	coord.Reset()

	waitFor(t, func() bool {
		return sch.GetStats()[models.StageTTS].Active == 0
	}, "job never stopped")
	if got := sch.GetStats()[models.StageTTS].Cancelled; got != 1 {
		t.Errorf("Expected 1 cancelled job, got %d", got)
	}
}

func TestDisabledStages(t *testing.T) {
	coord := pipeline.New()

	sch := New(coord, nil, nil, nil)
	if got := sch.Stages(); len(got) != 0 {
		t.Errorf("Expected no stages, got %v", got)
	}
	if got := sch.GetStats(); len(got) != 0 {
		t.Errorf("Expected empty stats, got %v", got)
	}

	sch.Start()
	sch.Stop()

	sch = New(coord, &mockSynth{}, nil, nil)
	got := sch.Stages()
	if len(got) != 1 || got[0] != models.StageTTS {
		t.Errorf("Expected only the tts stage, got %v", got)
	}
}
