// Package audit keeps a durable journal of task lifecycle transitions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/pipeline"
	"go.uber.org/zap"
)

// Recorder persists journal entries. *store.Store implements it.
type Recorder interface {
	WriteJournal(action, inputsHash, outcome, taskID, details string) (*models.JournalEntry, error)
}

// TaskReader looks up task snapshots.
type TaskReader interface {
	Task(id string) (models.Task, bool)
}

// Journaled lists the topics the journal records. Response, audio and
// playback changes are too frequent to be worth persisting.
var Journaled = []pipeline.Topic{
	pipeline.TopicTaskCreated,
	pipeline.TopicTaskStatus,
	pipeline.TopicInterruption,
	pipeline.TopicTasksRemoved,
	pipeline.TopicTasksReset,
}

const maxDetails = 200

// Journal writes lifecycle records for audit trails.
type Journal struct {
	rec    Recorder
	tasks  TaskReader
	logger *zap.Logger
}

// NewJournal creates a journal. tasks may be nil, in which case created
// tasks are recorded without their input.
func NewJournal(rec Recorder, tasks TaskReader, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{rec: rec, tasks: tasks, logger: logger}
}

// Record writes an entry for a state-mutating action.
func (j *Journal) Record(action string, inputs interface{}, outcome, taskID, details string) (*models.JournalEntry, error) {
	return j.rec.WriteJournal(action, hashInputs(inputs), outcome, taskID, details)
}

// Observe records c if its topic is journaled.
func (j *Journal) Observe(c pipeline.Change) error {
	action := string(c.Topic)
	switch c.Topic {
	case pipeline.TopicTaskCreated:
		var input string
		if j.tasks != nil {
			if t, ok := j.tasks.Task(c.TaskID); ok {
				input = t.Input
			}
		}
		_, err := j.Record(action, input, string(c.Status), c.TaskID, truncate(input, maxDetails))
		return err
	case pipeline.TopicTaskStatus:
		_, err := j.Record(action, c, string(c.Status), c.TaskID, "")
		return err
	case pipeline.TopicInterruption:
		outcome := "requested"
		if c.Stage != "" {
			outcome = "acked"
		}
		_, err := j.Record(action, c, outcome, c.TaskID, string(c.Stage))
		return err
	case pipeline.TopicTasksRemoved, pipeline.TopicTasksReset:
		_, err := j.Record(action, c, "ok", "", "")
		return err
	}
	return nil
}

// Run records bus changes until ctx is done or the bus closes.
func (j *Journal) Run(ctx context.Context, bus *pipeline.Bus) error {
	changes, unsubscribe := bus.SubscribeLossless(Journaled...)
	defer unsubscribe()

	j.logger.Info("journal started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if err := j.Observe(c); err != nil {
				j.logger.Warn("failed to write journal entry",
					zap.String("topic", string(c.Topic)),
					zap.String("task_id", c.TaskID),
					zap.Error(err),
				)
			}
		}
	}
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return fmt.Sprintf("%s...", string(r[:n]))
}
