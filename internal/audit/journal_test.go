package audit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/pipeline"
	"github.com/fentz26/parley/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordHashesInputs(t *testing.T) {
	s := newTestStore(t)
	j := NewJournal(s, nil, nil)

	a, err := j.Record("prompt", map[string]string{"text": "hi"}, "ok", "task-1", "")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	b, err := j.Record("prompt", map[string]string{"text": "hi"}, "ok", "task-2", "")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if a.InputsHash != b.InputsHash {
		t.Error("Equal inputs should hash equally")
	}
	if len(a.InputsHash) != 64 {
		t.Errorf("Expected a sha256 hex digest, got %q", a.InputsHash)
	}
	if hashInputs(func() {}) != "hash_error" {
		t.Error("Unencodable inputs should hash to hash_error")
	}
}

func TestObserveLifecycle(t *testing.T) {
	s := newTestStore(t)
	coord := pipeline.New()
	j := NewJournal(s, coord, nil)

	id := coord.AddInputTask("hello there")
	task, _ := coord.Task(id)

	changes := []pipeline.Change{
		{Topic: pipeline.TopicTaskCreated, TaskID: id, Status: task.Status, Index: -1},
		{Topic: pipeline.TopicResponse, TaskID: id, Status: task.Status, Index: 0},
		{Topic: pipeline.TopicInterruption, TaskID: id, Status: models.TaskStatusPendingInterruption, Index: -1},
		{Topic: pipeline.TopicInterruption, TaskID: id, Status: models.TaskStatusPendingInterruption, Index: -1, Stage: models.StageTTS},
		{Topic: pipeline.TopicTaskStatus, TaskID: id, Status: models.TaskStatusCancelled, Index: -1},
	}
	for _, c := range changes {
		if err := j.Observe(c); err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
	}

	entries, err := s.ListJournal(id, 0)
	if err != nil {
		t.Fatalf("ListJournal failed: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("Expected 4 entries, got %d", len(entries))
	}

	byOutcome := make(map[string]models.JournalEntry)
	for _, e := range entries {
		byOutcome[e.Outcome] = e
	}
	if e := byOutcome[string(models.TaskStatusCreated)]; e.Details != "hello there" {
		t.Errorf("Expected created entry to carry the input, got %+v", e)
	}
	if e := byOutcome["acked"]; e.Details != string(models.StageTTS) {
		t.Errorf("Expected ack entry for tts, got %+v", e)
	}
	if _, ok := byOutcome["requested"]; !ok {
		t.Error("Expected an interruption request entry")
	}
	if _, ok := byOutcome[string(models.TaskStatusCancelled)]; !ok {
		t.Error("Expected a cancelled entry")
	}
}

func TestRunRecordsBusChanges(t *testing.T) {
	s := newTestStore(t)
	coord := pipeline.New()
	j := NewJournal(s, coord, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx, coord.Bus()) }()

	// Wait for the subscription before producing changes.
	deadline := time.Now().Add(2 * time.Second)
	for coord.Bus().Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Journal never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	id := coord.AddInputTask("hi")
	coord.InterruptCurrentTask()

	deadline = time.Now().Add(2 * time.Second)
	for {
		entries, err := s.ListJournal(id, 0)
		if err != nil {
			t.Fatalf("ListJournal failed: %v", err)
		}
		// created, interruption request, cancelled
		if len(entries) >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 3 journal entries, got %d", len(entries))
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

type slowRecorder struct {
	mu      sync.Mutex
	created int
}

func (r *slowRecorder) WriteJournal(action, inputsHash, outcome, taskID, details string) (*models.JournalEntry, error) {
	time.Sleep(time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	if action == string(pipeline.TopicTaskCreated) {
		r.created++
	}
	return &models.JournalEntry{Action: action, Outcome: outcome, TaskID: taskID}, nil
}

func (r *slowRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

func TestRunKeepsUpWithBursts(t *testing.T) {
	rec := &slowRecorder{}
	coord := pipeline.New()
	j := NewJournal(rec, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go j.Run(ctx, coord.Bus())

	deadline := time.Now().Add(2 * time.Second)
	for coord.Bus().Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Journal never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	const n = 200
	for i := 0; i < n; i++ {
		coord.AddInputTask("burst")
	}

	deadline = time.Now().Add(10 * time.Second)
	for rec.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d created entries, got %d", n, rec.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
