// Package pipeline holds the in-memory task store for the generation
// pipeline, the scheduling API the stages use to claim and complete work,
// and the bus that announces every change.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/parley/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxRetain is the number of finished tasks kept by retention.
const DefaultMaxRetain = 20

// UnitRef addresses one response unit.
type UnitRef struct {
	TaskID string `json:"task_id"`
	Index  int    `json:"index"`
}

// WorkItem is a response unit handed to the TTS or playback stage.
type WorkItem struct {
	TaskID string `json:"task_id"`
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Audio  string `json:"audio,omitempty"`
}

// Ref returns the unit address of the item.
func (w WorkItem) Ref() UnitRef {
	return UnitRef{TaskID: w.TaskID, Index: w.Index}
}

// Summary counts tasks by status.
type Summary struct {
	Total    int                       `json:"total"`
	ByStatus map[models.TaskStatus]int `json:"by_status"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator overrides task id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// WithBus publishes changes on b instead of a private bus.
func WithBus(b *Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithStages sets which stages must acknowledge an interruption before the
// task is cancelled. The default is every stage.
func WithStages(stages ...models.Stage) Option {
	return func(c *Coordinator) {
		c.stages = make(map[models.Stage]bool, len(stages))
		for _, st := range stages {
			c.stages[st] = true
		}
	}
}

// Coordinator owns the task store. All reads and writes of task state go
// through its methods, which serialize on one mutex and publish a Change
// before returning. Callers only ever see copies of tasks.
type Coordinator struct {
	mu    sync.Mutex
	tasks []*models.Task
	byID  map[string]*models.Task

	// finishSeq orders finished tasks for retention.
	finishSeq  map[string]uint64
	finishNext uint64

	bus    *Bus
	stages map[models.Stage]bool
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// New creates a Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		byID:      make(map[string]*models.Task),
		finishSeq: make(map[string]uint64),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
		logger:    zap.NewNop(),
	}
	WithStages(models.AllStages...)(c)
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = NewBus(DefaultBufferSize)
	}
	return c
}

// Bus returns the bus the coordinator publishes on.
func (c *Coordinator) Bus() *Bus {
	return c.bus
}

// --- Task creation ---

// AddInputTask creates a task in created for the given input and returns
// its id.
func (c *Coordinator) AddInputTask(input string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.insertLocked(input, models.TaskStatusCreated)
	c.publishLocked(TopicTaskCreated, t, -1, "")
	c.logger.Debug("task created", zap.String("task_id", t.ID))
	return t.ID
}

// CreateTaskFromLLM creates a task that the generation stage spawned on its
// own. The task starts in llm_started with firstChunk as its only unit.
func (c *Coordinator) CreateTaskFromLLM(input, firstChunk string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.insertLocked(input, models.TaskStatusLLMStarted)
	c.publishLocked(TopicTaskCreated, t, -1, "")
	if strings.TrimSpace(firstChunk) != "" {
		t.Response = append(t.Response, models.ResponseUnit{Text: firstChunk})
		c.publishLocked(TopicResponse, t, 0, "")
	}
	c.logger.Debug("task spawned by generation", zap.String("task_id", t.ID))
	return t.ID
}

func (c *Coordinator) insertLocked(input string, status models.TaskStatus) *models.Task {
	now := c.now()
	t := &models.Task{
		ID:        c.newID(),
		Input:     input,
		Response:  []models.ResponseUnit{},
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.tasks = append(c.tasks, t)
	c.byID[t.ID] = t
	return t
}

// --- Stage writes ---

// AddResponseChunk appends a response unit. It returns false and changes
// nothing when the task is unknown, finished, cancelled or being
// interrupted, or when text is blank.
func (c *Coordinator) AddResponseChunk(taskID, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.byID[taskID]
	if t == nil || strings.TrimSpace(text) == "" {
		return false
	}
	switch t.Status {
	case models.TaskStatusFinished, models.TaskStatusCancelled, models.TaskStatusPendingInterruption:
		return false
	}

	t.Response = append(t.Response, models.ResponseUnit{Text: text})
	t.UpdatedAt = c.now()
	c.publishLocked(TopicResponse, t, len(t.Response)-1, "")
	return true
}

// MarkLLMStarted moves a created task to llm_started.
func (c *Coordinator) MarkLLMStarted(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.byID[taskID]
	if t == nil || t.Status != models.TaskStatusCreated {
		return false
	}
	c.setStatusLocked(t, models.TaskStatusLLMStarted)
	c.settleLocked(t)
	return true
}

// MarkLLMFinished moves an llm_started task to llm_finished, finishing it
// right away if every unit already has audio.
func (c *Coordinator) MarkLLMFinished(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.byID[taskID]
	if t == nil || t.Status != models.TaskStatusLLMStarted {
		return false
	}
	c.setStatusLocked(t, models.TaskStatusLLMFinished)
	c.settleLocked(t)
	return true
}

// AddTTSAudio records the audio artifact for one unit. Unknown tasks or
// indexes and cancelled tasks are ignored.
func (c *Coordinator) AddTTSAudio(taskID string, index int, audioRef string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.byID[taskID]
	if t == nil || t.Status == models.TaskStatusCancelled || audioRef == "" {
		return false
	}
	if index < 0 || index >= len(t.Response) {
		return false
	}

	t.Response[index].Audio = audioRef
	t.UpdatedAt = c.now()
	c.publishLocked(TopicAudio, t, index, "")
	c.settleLocked(t)
	return true
}

// MarkPlaybackFinished flags one unit as played. Playback never finishes a
// task; audio completion does.
func (c *Coordinator) MarkPlaybackFinished(taskID string, index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.byID[taskID]
	if t == nil || t.Status == models.TaskStatusCancelled {
		return false
	}
	if index < 0 || index >= len(t.Response) {
		return false
	}

	t.Response[index].PlaybackFinished = true
	t.UpdatedAt = c.now()
	c.publishLocked(TopicPlayback, t, index, "")
	return true
}

// --- Work queries ---

// NextTaskForLLM returns the earliest created task that has input.
func (c *Coordinator) NextTaskForLLM() (models.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t := c.nextForLLMLocked(); t != nil {
		return t.Clone(), true
	}
	return models.Task{}, false
}

// ClaimNextTaskForLLM finds the next LLM task and marks it llm_started in
// one step, so two callers can never claim the same task.
func (c *Coordinator) ClaimNextTaskForLLM() (models.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.nextForLLMLocked()
	if t == nil {
		return models.Task{}, false
	}
	c.setStatusLocked(t, models.TaskStatusLLMStarted)
	return t.Clone(), true
}

func (c *Coordinator) nextForLLMLocked() *models.Task {
	for _, t := range c.tasks {
		if t.Status == models.TaskStatusCreated && t.Input != "" {
			return t
		}
	}
	return nil
}

// NextTaskForTTS returns the earliest unit with text and no audio. Cancelled
// and interrupted tasks are skipped, as are the units listed in skip.
func (c *Coordinator) NextTaskForTTS(skip ...UnitRef) (WorkItem, bool) {
	return c.nextUnit(skip, func(u models.ResponseUnit) bool {
		return u.Text != "" && u.Audio == ""
	})
}

// NextTaskForAudio returns the earliest unit with audio that has not been
// played. Cancelled and interrupted tasks are skipped, as are the units
// listed in skip.
func (c *Coordinator) NextTaskForAudio(skip ...UnitRef) (WorkItem, bool) {
	return c.nextUnit(skip, func(u models.ResponseUnit) bool {
		return u.Text != "" && u.Audio != "" && !u.PlaybackFinished
	})
}

func (c *Coordinator) nextUnit(skip []UnitRef, want func(models.ResponseUnit) bool) (WorkItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.tasks {
		if t.Status == models.TaskStatusCancelled || t.Status == models.TaskStatusPendingInterruption {
			continue
		}
		for i, u := range t.Response {
			if !want(u) || skipped(skip, t.ID, i) {
				continue
			}
			return WorkItem{TaskID: t.ID, Index: i, Text: u.Text, Audio: u.Audio}, true
		}
	}
	return WorkItem{}, false
}

func skipped(skip []UnitRef, taskID string, index int) bool {
	for _, r := range skip {
		if r.TaskID == taskID && r.Index == index {
			return true
		}
	}
	return false
}

// --- Interruption ---

// InterruptCurrentTask moves the current task to pending_interruption and
// returns its id. It reports false when there is no current task or it is
// already being interrupted.
//
// The stages still working on the task are recorded in its interruption
// state and must acknowledge with MarkInterruptionState. The task becomes
// cancelled once all of them have; with none engaged it is cancelled at
// once.
func (c *Coordinator) InterruptCurrentTask() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.currentLocked()
	if t == nil {
		return "", false
	}
	if t.Status == models.TaskStatusPendingInterruption {
		return t.ID, false
	}

	engaged := c.engagedStagesLocked(t)
	t.InterruptionState = make(map[models.Stage]bool, len(engaged))
	for _, st := range engaged {
		t.InterruptionState[st] = false
	}
	t.Status = models.TaskStatusPendingInterruption
	t.UpdatedAt = c.now()
	c.publishLocked(TopicInterruption, t, -1, "")
	c.logger.Info("task interrupted",
		zap.String("task_id", t.ID),
		zap.Int("awaiting_acks", len(engaged)),
	)
	c.settleLocked(t)
	return t.ID, true
}

// engagedStagesLocked lists the participating stages with outstanding work
// on t.
func (c *Coordinator) engagedStagesLocked(t *models.Task) []models.Stage {
	var out []models.Stage
	if c.stages[models.StageLLM] && t.Status == models.TaskStatusLLMStarted {
		out = append(out, models.StageLLM)
	}
	var needTTS, needAudio bool
	for _, u := range t.Response {
		if u.Audio == "" {
			needTTS = true
		} else if !u.PlaybackFinished {
			needAudio = true
		}
	}
	if c.stages[models.StageTTS] && needTTS {
		out = append(out, models.StageTTS)
	}
	if c.stages[models.StageAudio] && needAudio {
		out = append(out, models.StageAudio)
	}
	return out
}

// MarkInterruptionState records that stage has stopped working on an
// interrupted task. It reports false if the task is not pending
// interruption or the stage had already acknowledged.
func (c *Coordinator) MarkInterruptionState(taskID string, stage models.Stage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.byID[taskID]
	if t == nil || t.Status != models.TaskStatusPendingInterruption {
		return false
	}
	if t.InterruptionState == nil {
		t.InterruptionState = make(map[models.Stage]bool)
	}
	if t.InterruptionState[stage] {
		return false
	}

	t.InterruptionState[stage] = true
	t.UpdatedAt = c.now()
	c.publishLocked(TopicInterruption, t, -1, stage)
	c.settleLocked(t)
	return true
}

// PendingInterruptions returns the ids of interrupted tasks still waiting
// for stage to acknowledge.
func (c *Coordinator) PendingInterruptions(stage models.Stage) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for _, t := range c.tasks {
		if t.Status != models.TaskStatusPendingInterruption {
			continue
		}
		if acked, required := t.InterruptionState[stage]; required && !acked {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// --- Lifecycle evaluation ---

// settleLocked applies the automatic transitions: an llm_finished task whose
// units all have audio finishes, and an interrupted task whose engaged stages
// all acknowledged is cancelled.
func (c *Coordinator) settleLocked(t *models.Task) {
	switch t.Status {
	case models.TaskStatusLLMFinished:
		for _, u := range t.Response {
			if u.Audio == "" {
				return
			}
		}
		now := c.now()
		t.FinishedAt = &now
		c.finishNext++
		c.finishSeq[t.ID] = c.finishNext
		c.setStatusLocked(t, models.TaskStatusFinished)
		c.logger.Debug("task finished", zap.String("task_id", t.ID), zap.Int("units", len(t.Response)))

	case models.TaskStatusPendingInterruption:
		for _, acked := range t.InterruptionState {
			if !acked {
				return
			}
		}
		c.setStatusLocked(t, models.TaskStatusCancelled)
		c.logger.Info("task cancelled", zap.String("task_id", t.ID))
	}
}

func (c *Coordinator) setStatusLocked(t *models.Task, status models.TaskStatus) {
	t.Status = status
	t.UpdatedAt = c.now()
	c.publishLocked(TopicTaskStatus, t, -1, "")
}

func (c *Coordinator) publishLocked(topic Topic, t *models.Task, index int, stage models.Stage) {
	ch := Change{Topic: topic, Index: index, Stage: stage, At: c.now()}
	if t != nil {
		ch.TaskID = t.ID
		ch.Status = t.Status
	}
	c.bus.Publish(ch)
}

// --- Reads ---

// CurrentTask returns the task an interruption targets: the most recent
// task a stage is working on (llm_started, llm_finished or
// pending_interruption), or else the earliest queued task.
func (c *Coordinator) CurrentTask() (models.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t := c.currentLocked(); t != nil {
		return t.Clone(), true
	}
	return models.Task{}, false
}

// currentLocked skips tasks a failed request or unit left behind: those are
// always older than the task that is actually streaming or speaking.
func (c *Coordinator) currentLocked() *models.Task {
	for i := len(c.tasks) - 1; i >= 0; i-- {
		switch c.tasks[i].Status {
		case models.TaskStatusLLMStarted, models.TaskStatusLLMFinished, models.TaskStatusPendingInterruption:
			return c.tasks[i]
		}
	}
	for _, t := range c.tasks {
		if !t.Status.Terminal() {
			return t
		}
	}
	return nil
}

// Task returns a copy of the task with the given id.
func (c *Coordinator) Task(id string) (models.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.byID[id]
	if t == nil {
		return models.Task{}, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks in creation order.
func (c *Coordinator) Tasks() []models.Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Task, len(c.tasks))
	for i, t := range c.tasks {
		out[i] = t.Clone()
	}
	return out
}

// Summary counts the tasks in each status.
func (c *Coordinator) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{Total: len(c.tasks), ByStatus: make(map[models.TaskStatus]int)}
	for _, t := range c.tasks {
		s.ByStatus[t.Status]++
	}
	return s
}

// WaitForTaskCompletion blocks until the task reaches a terminal status. It
// returns the joined response text of a finished task and "" for a
// cancelled one.
func (c *Coordinator) WaitForTaskCompletion(ctx context.Context, id string) (string, error) {
	changes, unsubscribe := c.bus.Subscribe(TopicTaskStatus, TopicTasksRemoved, TopicTasksReset)
	defer unsubscribe()

	for {
		t, ok := c.Task(id)
		if !ok {
			return "", ErrTaskNotFound
		}
		switch t.Status {
		case models.TaskStatusFinished:
			return t.ResponseText(), nil
		case models.TaskStatusCancelled:
			return "", nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return "", ErrBusClosed
			}
		}
	}
}

// --- Retention ---

// RemoveFinishedTasks drops all but the maxRetain most recently finished
// tasks. Tasks in any other status are never removed. It returns the number
// of tasks removed.
func (c *Coordinator) RemoveFinishedTasks(maxRetain int) int {
	if maxRetain < 0 {
		maxRetain = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var finished []*models.Task
	for _, t := range c.tasks {
		if t.Status == models.TaskStatusFinished {
			finished = append(finished, t)
		}
	}
	excess := len(finished) - maxRetain
	if excess <= 0 {
		return 0
	}

	sort.SliceStable(finished, func(i, j int) bool {
		return c.finishSeq[finished[i].ID] < c.finishSeq[finished[j].ID]
	})
	drop := make(map[string]bool, excess)
	for _, t := range finished[:excess] {
		drop[t.ID] = true
	}

	kept := c.tasks[:0]
	for _, t := range c.tasks {
		if drop[t.ID] {
			delete(c.byID, t.ID)
			delete(c.finishSeq, t.ID)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(c.tasks); i++ {
		c.tasks[i] = nil
	}
	c.tasks = kept

	c.publishLocked(TopicTasksRemoved, nil, -1, "")
	c.logger.Debug("finished tasks removed", zap.Int("removed", excess), zap.Int("remaining", len(c.tasks)))
	return excess
}

// Reset drops every task.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tasks = nil
	c.byID = make(map[string]*models.Task)
	c.finishSeq = make(map[string]uint64)
	c.publishLocked(TopicTasksReset, nil, -1, "")
}
