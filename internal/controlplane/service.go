// Package controlplane provides the HTTP API and service layer for Parley.
package controlplane

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fentz26/parley/internal/adapter"
	"github.com/fentz26/parley/internal/audit"
	"github.com/fentz26/parley/internal/connectors/ttshttp"
	"github.com/fentz26/parley/internal/generation"
	"github.com/fentz26/parley/internal/metrics"
	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/pipeline"
	"github.com/fentz26/parley/internal/scheduler"
	"github.com/fentz26/parley/internal/store"
	"go.uber.org/zap"
)

// Deps are the collaborators a Service fronts. Only Coordinator is
// required; the matching endpoints report ErrNoSession or ErrNoStore when
// the rest are missing.
type Deps struct {
	Coordinator *pipeline.Coordinator
	Store       *store.Store
	Journal     *audit.Journal
	Session     *generation.Session
	Adapter     *adapter.Adapter
	Scheduler   *scheduler.Scheduler
	Metrics     *metrics.Metrics
	Playback    *PlaybackHub

	ArtifactDir string
	MaxRetain   int
	Logger      *zap.Logger
}

// WorkerStats describes the running workers.
type WorkerStats struct {
	Stages          map[models.Stage]scheduler.StageStats `json:"stages"`
	SessionBusy     bool                                  `json:"session_busy"`
	SessionID       string                                `json:"session_id,omitempty"`
	PlaybackClients int                                   `json:"playback_clients"`
	Subscribers     int                                   `json:"subscribers"`
}

// Service provides the control plane business logic.
type Service struct {
	coord     *pipeline.Coordinator
	store     *store.Store
	journal   *audit.Journal
	session   *generation.Session
	adapter   *adapter.Adapter
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	playback  *PlaybackHub

	artifactDir string
	maxRetain   int
	logger      *zap.Logger

	// Background prompts outlive their request.
	ctx     context.Context
	cancel  context.CancelFunc
	prompts sync.WaitGroup
}

// NewService creates a new control plane service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetain := d.MaxRetain
	if maxRetain <= 0 {
		maxRetain = pipeline.DefaultMaxRetain
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		coord:       d.Coordinator,
		store:       d.Store,
		journal:     d.Journal,
		session:     d.Session,
		adapter:     d.Adapter,
		scheduler:   d.Scheduler,
		metrics:     d.Metrics,
		playback:    d.Playback,
		artifactDir: d.ArtifactDir,
		maxRetain:   maxRetain,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Close cancels background prompts and waits for them to return.
func (s *Service) Close() {
	s.cancel()
	s.prompts.Wait()
}

// Coordinator returns the pipeline coordinator.
func (s *Service) Coordinator() *pipeline.Coordinator {
	return s.coord
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return ErrNoStore
	}
	return s.store.Ping(ctx)
}

// --- Task Operations ---

// CreateTask queues input for the LLM stage.
func (s *Service) CreateTask(input string) (models.Task, error) {
	if strings.TrimSpace(input) == "" {
		return models.Task{}, fmt.Errorf("%w: input is required", ErrInvalidInput)
	}
	id := s.coord.AddInputTask(input)
	task, _ := s.coord.Task(id)
	return task, nil
}

// GetTask returns the task with the given id.
func (s *Service) GetTask(id string) (models.Task, error) {
	task, ok := s.coord.Task(id)
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns all tasks, or those in status when it is not empty.
func (s *Service) ListTasks(status string) ([]models.Task, error) {
	tasks := s.coord.Tasks()
	if status == "" {
		return tasks, nil
	}
	want := models.TaskStatus(status)
	if !want.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	out := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == want {
			out = append(out, t)
		}
	}
	return out, nil
}

// WaitTask blocks until the task is finished or cancelled, or ctx is done.
func (s *Service) WaitTask(ctx context.Context, id string) (models.Task, error) {
	if _, err := s.coord.WaitForTaskCompletion(ctx, id); err != nil {
		if err == pipeline.ErrTaskNotFound {
			return models.Task{}, ErrTaskNotFound
		}
		return models.Task{}, err
	}
	return s.GetTask(id)
}

// CurrentTask returns the task the pipeline is working on.
func (s *Service) CurrentTask() (models.Task, error) {
	task, ok := s.coord.CurrentTask()
	if !ok {
		return models.Task{}, fmt.Errorf("%w: no current task", ErrNotFound)
	}
	return task, nil
}

// Interrupt interrupts the current task. It returns the task id and
// whether a new interruption was started.
func (s *Service) Interrupt() (string, bool) {
	return s.coord.InterruptCurrentTask()
}

// Prune removes finished tasks beyond maxRetain, or the configured retention
// when maxRetain is negative.
func (s *Service) Prune(maxRetain int) int {
	if maxRetain < 0 {
		maxRetain = s.maxRetain
	}
	return s.coord.RemoveFinishedTasks(maxRetain)
}

// Summary counts tasks by status.
func (s *Service) Summary() pipeline.Summary {
	return s.coord.Summary()
}

// --- Stage results from external workers ---

// AddAudio records an audio reference for one unit.
func (s *Service) AddAudio(taskID string, index int, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%w: audio is required", ErrInvalidInput)
	}
	if !s.coord.AddTTSAudio(taskID, index, ref) {
		return s.rejection(taskID, "audio")
	}
	return nil
}

// UploadAudio stores audio read from r as an artifact and records it for
// one unit.
func (s *Service) UploadAudio(taskID string, index int, contentType string, r io.Reader) (string, error) {
	if s.artifactDir == "" {
		return "", fmt.Errorf("%w: no artifact directory", ErrInvalidInput)
	}
	if _, err := s.GetTask(taskID); err != nil {
		return "", err
	}
	ref, _, err := ttshttp.WriteArtifact(s.artifactDir, contentType, r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.AddAudio(taskID, index, ref); err != nil {
		return "", err
	}
	return ref, nil
}

// MarkPlayback flags one unit as played.
func (s *Service) MarkPlayback(taskID string, index int) error {
	if !s.coord.MarkPlaybackFinished(taskID, index) {
		return s.rejection(taskID, "playback")
	}
	return nil
}

// Acknowledge records that stage stopped working on an interrupted task.
func (s *Service) Acknowledge(taskID, stage string) error {
	st, ok := models.ParseStage(strings.ToLower(stage))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if !s.coord.MarkInterruptionState(taskID, st) {
		return s.rejection(taskID, "acknowledgment")
	}
	return nil
}

func (s *Service) rejection(taskID, what string) error {
	task, ok := s.coord.Task(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	return fmt.Errorf("%w: %s not accepted for %s task", ErrRejected, what, task.Status)
}

// NextWork returns the next unit for stage, for workers outside the daemon.
func (s *Service) NextWork(stage string) (pipeline.WorkItem, bool, error) {
	st, ok := models.ParseStage(strings.ToLower(stage))
	if !ok || st == models.StageLLM {
		return pipeline.WorkItem{}, false, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if st == models.StageTTS {
		item, ok := s.coord.NextTaskForTTS()
		return item, ok, nil
	}
	item, ok := s.coord.NextTaskForAudio()
	return item, ok, nil
}

// PendingInterruptions lists interrupted tasks waiting for stage.
func (s *Service) PendingInterruptions(stage string) ([]string, error) {
	st, ok := models.ParseStage(strings.ToLower(stage))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	return s.coord.PendingInterruptions(st), nil
}

// --- Generation ---

// Prompt sends text to the generation session in the background. The reply
// flows through the pipeline like any other task.
func (s *Service) Prompt(text string) error {
	if s.session == nil {
		return ErrNoSession
	}
	if strings.TrimSpace(text) == "" {
		return generation.ErrEmptyInput
	}

	s.prompts.Add(1)
	go func() {
		defer s.prompts.Done()
		id, err := s.session.Send(s.ctx, text)
		if err != nil && s.ctx.Err() == nil {
			s.logger.Warn("prompt failed", zap.String("task_id", id), zap.Error(err))
		}
	}()
	return nil
}

// SetContext replaces the screen context of the generation session.
func (s *Service) SetContext(screen, ocr string, instructions *string) error {
	if s.session == nil {
		return ErrNoSession
	}
	s.session.SetContext(screen, ocr)
	if instructions != nil {
		s.session.SetInstructions(*instructions)
	}
	return nil
}

// HandleEvent applies one raw voice channel event.
func (s *Service) HandleEvent(data []byte) error {
	if s.adapter == nil {
		return ErrNoSession
	}
	return s.adapter.HandleMessage(data)
}

// --- Memory Operations ---

// AddMemory stores a memory item.
func (s *Service) AddMemory(ctx context.Context, sessionID, speaker, content, tags string) (*models.MemoryItem, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	item, err := s.store.AddMemory(ctx, sessionID, speaker, content, tags)
	if err != nil {
		return nil, err
	}
	s.record("memory.add", map[string]string{"session_id": sessionID, "speaker": speaker}, item.ID)
	return item, nil
}

// QueryMemory searches memory items.
func (s *Service) QueryMemory(ctx context.Context, query string, limit int) ([]models.MemoryItem, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.QueryMemory(ctx, query, limit)
}

// --- Sessions ---

// ListSessions returns stored chat sessions.
func (s *Service) ListSessions(ctx context.Context, limit int) ([]models.ChatSession, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListSessions(ctx, limit)
}

// GetSession returns a stored chat session with its history.
func (s *Service) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.FetchSession(ctx, id)
}

// ResumeSession makes id the active conversation.
func (s *Service) ResumeSession(ctx context.Context, id string) error {
	if s.session == nil {
		return ErrNoSession
	}
	if err := s.session.Resume(ctx, id); err != nil {
		return err
	}
	s.record("session.resume", map[string]string{"session_id": id}, "")
	return nil
}

// NewConversation clears the active conversation.
func (s *Service) NewConversation() error {
	if s.session == nil {
		return ErrNoSession
	}
	s.session.NewConversation()
	s.record("session.new", nil, "")
	return nil
}

// --- Journal & workers ---

// Journal lists journal entries, optionally for one task.
func (s *Service) Journal(taskID string, limit int) ([]models.JournalEntry, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListJournal(taskID, limit)
}

// Workers reports worker state.
func (s *Service) Workers() WorkerStats {
	ws := WorkerStats{
		Stages:      map[models.Stage]scheduler.StageStats{},
		Subscribers: s.coord.Bus().Subscribers(),
	}
	if s.scheduler != nil {
		ws.Stages = s.scheduler.GetStats()
	}
	if s.session != nil {
		ws.SessionBusy = s.session.Busy()
		ws.SessionID = s.session.SessionID()
	}
	if s.playback != nil {
		ws.PlaybackClients = s.playback.Clients()
	}
	return ws
}

func (s *Service) record(action string, inputs interface{}, details string) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Record(action, inputs, "ok", "", details); err != nil {
		s.logger.Warn("journal write failed", zap.String("action", action), zap.Error(err))
	}
}
