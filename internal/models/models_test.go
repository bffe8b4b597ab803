package models

import (
	"testing"
	"time"
)

func TestTaskStatusTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		TaskStatusFinished:  true,
		TaskStatusCancelled: true,
	}
	for _, st := range AllStatuses {
		if got := st.Terminal(); got != terminal[st] {
			t.Errorf("Expected %s terminal=%v, got %v", st, terminal[st], got)
		}
	}
}

func TestParseStage(t *testing.T) {
	if st, ok := ParseStage("tts"); !ok || st != StageTTS {
		t.Errorf("Expected tts stage, got %q (%v)", st, ok)
	}
	if _, ok := ParseStage("video"); ok {
		t.Error("Expected unknown stage to be rejected")
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := Task{
		ID:                "t1",
		Response:          []ResponseUnit{{Text: "Hi."}},
		InterruptionState: map[Stage]bool{StageLLM: false},
		FinishedAt:        &now,
	}

	c := orig.Clone()
	c.Response[0].Audio = "a.wav"
	c.InterruptionState[StageLLM] = true
	*c.FinishedAt = now.Add(time.Hour)

	if orig.Response[0].Audio != "" {
		t.Error("Clone shares response slice")
	}
	if orig.InterruptionState[StageLLM] {
		t.Error("Clone shares interruption map")
	}
	if !orig.FinishedAt.Equal(now) {
		t.Error("Clone shares finished_at pointer")
	}
}

func TestResponseText(t *testing.T) {
	task := Task{Response: []ResponseUnit{{Text: "Hello there."}, {Text: "How are you?"}}}
	if got := task.ResponseText(); got != "Hello there. How are you?" {
		t.Errorf("Expected joined text, got %q", got)
	}
	empty := Task{}
	if got := empty.ResponseText(); got != "" {
		t.Errorf("Expected empty text, got %q", got)
	}
}
