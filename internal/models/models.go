// Package models defines the core domain types for Parley.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusCreated             TaskStatus = "created"
	TaskStatusLLMStarted          TaskStatus = "llm_started"
	TaskStatusLLMFinished         TaskStatus = "llm_finished"
	TaskStatusFinished            TaskStatus = "task_finished"
	TaskStatusPendingInterruption TaskStatus = "pending_interruption"
	TaskStatusCancelled           TaskStatus = "cancelled"
)

// AllStatuses lists every task status in lifecycle order.
var AllStatuses = []TaskStatus{
	TaskStatusCreated,
	TaskStatusLLMStarted,
	TaskStatusLLMFinished,
	TaskStatusFinished,
	TaskStatusPendingInterruption,
	TaskStatusCancelled,
}

// Terminal reports whether no further transition can leave the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusFinished || s == TaskStatusCancelled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Stage names one processing phase of the pipeline.
type Stage string

const (
	StageLLM   Stage = "llm"
	StageTTS   Stage = "tts"
	StageAudio Stage = "audio"
)

// AllStages lists the pipeline stages in flow order.
var AllStages = []Stage{StageLLM, StageTTS, StageAudio}

// ParseStage converts a stage name, reporting whether it is known.
func ParseStage(name string) (Stage, bool) {
	for _, st := range AllStages {
		if string(st) == name {
			return st, true
		}
	}
	return "", false
}

// ResponseUnit is one sentence of a task's reply with its stage results.
type ResponseUnit struct {
	Text             string `json:"text"`
	Audio            string `json:"audio,omitempty"`
	PlaybackFinished bool   `json:"playback_finished,omitempty"`
}

// Task is one utterance's end-to-end generation record.
type Task struct {
	ID                string         `json:"id"`
	Input             string         `json:"input"`
	Response          []ResponseUnit `json:"response"`
	Status            TaskStatus     `json:"status"`
	InterruptionState map[Stage]bool `json:"interruption_state,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() Task {
	c := *t
	if t.Response != nil {
		c.Response = make([]ResponseUnit, len(t.Response))
		copy(c.Response, t.Response)
	}
	if t.InterruptionState != nil {
		c.InterruptionState = make(map[Stage]bool, len(t.InterruptionState))
		for k, v := range t.InterruptionState {
			c.InterruptionState[k] = v
		}
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	return c
}

// ResponseText joins the committed response units with single spaces.
func (t *Task) ResponseText() string {
	n := 0
	for _, u := range t.Response {
		n += len(u.Text) + 1
	}
	buf := make([]byte, 0, n)
	for i, u := range t.Response {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, u.Text...)
	}
	return string(buf)
}

// Role identifies the speaker of a history item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryItem is one conversation turn sent to the completion service.
type HistoryItem struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatSession is a persisted conversation.
type ChatSession struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	History   []HistoryItem `json:"history"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// MemoryItem is a long-term memory snippet recalled into the system prompt.
type MemoryItem struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Speaker   string    `json:"speaker,omitempty"`
	Content   string    `json:"content"`
	Tags      string    `json:"tags,omitempty"` // comma-separated
	CreatedAt time.Time `json:"created_at"`
}

// JournalEntry records one pipeline lifecycle event for audit.
type JournalEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
