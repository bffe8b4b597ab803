// Package generation drives the language model stage of the pipeline: it
// claims tasks, streams replies, segments them into sentences for speech and
// keeps the conversation history.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/parley/internal/llm"
	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/pipeline"
	"github.com/fentz26/parley/internal/segment"
	"go.uber.org/zap"
)

var (
	// ErrInterrupted is the cancellation cause of a request aborted because
	// its task was interrupted.
	ErrInterrupted = errors.New("generation interrupted")
	// ErrEmptyInput is returned by Send for blank input.
	ErrEmptyInput = errors.New("empty input")
	// ErrNoSessionStore is returned by Resume without a session store.
	ErrNoSessionStore = errors.New("no session store configured")
)

const (
	DefaultHistoryWindow = 30
	DefaultMemoryLimit   = 5
	DefaultPollInterval  = time.Second
)

// SessionStore persists chat sessions. *store.Store implements it.
type SessionStore interface {
	CreateSession(ctx context.Context, title string) (string, error)
	UpdateSession(ctx context.Context, id string, history []models.HistoryItem) error
	FetchSession(ctx context.Context, id string) (*models.ChatSession, error)
}

// MemorySource recalls memory items relevant to a query.
type MemorySource interface {
	QueryMemory(ctx context.Context, query string, limit int) ([]models.MemoryItem, error)
}

// Option configures a Session.
type Option func(*Session)

// WithStore persists the conversation after every turn.
func WithStore(st SessionStore) Option {
	return func(s *Session) { s.store = st }
}

// WithMemory adds up to limit recalled memories to every system prompt.
func WithMemory(m MemorySource, limit int) Option {
	return func(s *Session) {
		s.memory = m
		s.memoryLimit = limit
	}
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithHistoryWindow sets how many history items are sent with a request.
func WithHistoryWindow(n int) Option {
	return func(s *Session) { s.window = n }
}

// WithInstructions sets the base instructions of the system prompt.
func WithInstructions(text string) Option {
	return func(s *Session) { s.instructions = text }
}

// WithSegmenter overrides the sentence segmenter.
func WithSegmenter(seg *segment.Segmenter) Option {
	return func(s *Session) { s.seg = seg }
}

// WithPollInterval sets how often Run looks for work without a wake-up.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) { s.poll = d }
}

// Session is the generation stage. It keeps at most one model request in
// flight.
type Session struct {
	coord       *pipeline.Coordinator
	llm         llm.Completer
	store       SessionStore
	memory      MemorySource
	memoryLimit int
	seg         *segment.Segmenter
	window      int
	poll        time.Duration
	logger      *zap.Logger

	reqMu sync.Mutex

	mu           sync.Mutex
	sessionID    string
	history      []models.HistoryItem
	screen       string
	ocr          string
	instructions string
	active       map[string]bool
	busy         bool
}

// New creates a Session that works on coord's tasks with completer.
func New(coord *pipeline.Coordinator, completer llm.Completer, opts ...Option) *Session {
	s := &Session{
		coord:       coord,
		llm:         completer,
		memoryLimit: DefaultMemoryLimit,
		seg:         segment.New(),
		window:      DefaultHistoryWindow,
		poll:        DefaultPollInterval,
		logger:      zap.NewNop(),
		active:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run claims and processes tasks one at a time until ctx is done. Between
// tasks it acknowledges interruptions of tasks no request is working on.
func (s *Session) Run(ctx context.Context) error {
	changes, unsubscribe := s.coord.Bus().Subscribe(
		pipeline.TopicTaskCreated,
		pipeline.TopicInterruption,
		pipeline.TopicTasksReset,
	)
	defer unsubscribe()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.logger.Info("generation session started")
	defer s.logger.Info("generation session stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.acknowledgeIdle()

		if task, ok := s.coord.ClaimNextTaskForLLM(); ok {
			// Failures are logged by Process and leave the task as it is.
			_ = s.Process(ctx, task)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
		case <-ticker.C:
		}
	}
}

// Process streams a reply for a task already claimed for the LLM stage.
// Interruption is not an error: the request is aborted, the unfinished
// sentence is dropped and the stage acknowledges. Any other failure leaves
// the task in llm_started and is returned.
func (s *Session) Process(ctx context.Context, task models.Task) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.setBusy(true)
	defer s.setBusy(false)

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	fl := &flight{}
	fl.set(task.ID)
	s.track(task.ID)
	defer s.untrack(task.ID)
	stop := s.watch(reqCtx, fl, cancel)
	defer stop()

	// The task may have been interrupted between the claim and the watch.
	if t, ok := s.coord.Task(task.ID); !ok || t.Status != models.TaskStatusLLMStarted {
		cancel(ErrInterrupted)
	}

	history := s.beginTurn(task.Input)
	req := s.request(ctx, task.Input, history)

	s.logger.Debug("generation started",
		zap.String("task_id", task.ID),
		zap.Int("history", len(history)),
	)

	var reply strings.Builder
	streamer := s.seg.NewStreamer()
	emit := func(sentence string) error {
		if !s.coord.AddResponseChunk(task.ID, sentence) {
			cancel(ErrInterrupted)
			return ErrInterrupted
		}
		return nil
	}

	err := s.stream(reqCtx, req, streamer, &reply, emit)
	return s.settle(ctx, reqCtx, task.ID, reply.String(), err)
}

// Send generates a reply to input without a pre-existing task. The task is
// created when the first sentence resolves, so a reply with no sentence
// creates none. It returns the id of the task, if any.
func (s *Session) Send(ctx context.Context, input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", ErrEmptyInput
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.setBusy(true)
	defer s.setBusy(false)

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	fl := &flight{}
	stop := s.watch(reqCtx, fl, cancel)
	defer stop()

	history := s.beginTurn(input)
	req := s.request(ctx, input, history)

	var taskID string
	defer func() {
		if taskID != "" {
			s.untrack(taskID)
		}
	}()

	var reply strings.Builder
	streamer := s.seg.NewStreamer()
	emit := func(sentence string) error {
		if taskID == "" {
			taskID = s.coord.CreateTaskFromLLM(input, sentence)
			s.track(taskID)
			fl.set(taskID)
			// An interruption published before fl.set is not seen by watch.
			if t, ok := s.coord.Task(taskID); !ok || t.Status != models.TaskStatusLLMStarted {
				cancel(ErrInterrupted)
				return ErrInterrupted
			}
			return nil
		}
		if !s.coord.AddResponseChunk(taskID, sentence) {
			cancel(ErrInterrupted)
			return ErrInterrupted
		}
		return nil
	}

	err := s.stream(reqCtx, req, streamer, &reply, emit)
	if taskID == "" {
		if err != nil {
			s.logger.Error("generation failed", zap.Error(err))
			return "", fmt.Errorf("generate reply: %w", err)
		}
		s.endTurn(ctx, reply.String())
		return "", nil
	}
	return taskID, s.settle(ctx, reqCtx, taskID, reply.String(), err)
}

func (s *Session) stream(ctx context.Context, req llm.Request, streamer *segment.Streamer, reply *strings.Builder, emit func(string) error) error {
	err := s.llm.Stream(ctx, req, func(delta string) error {
		reply.WriteString(delta)
		for _, sentence := range streamer.Push(delta) {
			if err := emit(sentence); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, sentence := range streamer.Flush() {
		if err := emit(sentence); err != nil {
			return err
		}
	}
	return nil
}

// settle finishes a request for taskID according to its outcome.
func (s *Session) settle(ctx, reqCtx context.Context, taskID, reply string, err error) error {
	switch {
	case errors.Is(err, ErrInterrupted) || errors.Is(context.Cause(reqCtx), ErrInterrupted):
		s.acknowledge(taskID)
		s.endTurn(ctx, "")
		return nil

	case err != nil && ctx.Err() != nil:
		s.logger.Info("generation stopped", zap.String("task_id", taskID))
		return ctx.Err()

	case err != nil:
		s.logger.Error("generation failed", zap.String("task_id", taskID), zap.Error(err))
		return fmt.Errorf("generate reply for %s: %w", taskID, err)
	}

	if !s.coord.MarkLLMFinished(taskID) {
		// Interrupted after the last sentence was added.
		s.acknowledge(taskID)
		s.endTurn(ctx, "")
		return nil
	}
	s.logger.Debug("generation finished", zap.String("task_id", taskID))
	s.endTurn(ctx, reply)
	return nil
}

func (s *Session) acknowledge(taskID string) {
	s.logger.Info("generation interrupted", zap.String("task_id", taskID))
	s.coord.MarkInterruptionState(taskID, models.StageLLM)
}

// acknowledgeIdle acknowledges interruptions of tasks no request is
// streaming, such as a task left in llm_started by a failed request.
func (s *Session) acknowledgeIdle() {
	for _, id := range s.coord.PendingInterruptions(models.StageLLM) {
		if s.isActive(id) {
			continue
		}
		if s.coord.MarkInterruptionState(id, models.StageLLM) {
			s.logger.Info("acknowledged interruption of idle task", zap.String("task_id", id))
		}
	}
}

// watch cancels ctx with ErrInterrupted when the task in fl is interrupted
// or the store is reset. The returned function stops watching.
func (s *Session) watch(ctx context.Context, fl *flight, cancel context.CancelCauseFunc) func() {
	changes, unsubscribe := s.coord.Bus().Subscribe(pipeline.TopicInterruption, pipeline.TopicTasksReset)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-changes:
				if !ok {
					return
				}
				id := fl.get()
				if id == "" {
					continue
				}
				if c.Topic == pipeline.TopicTasksReset || (c.TaskID == id && c.Stage == "") {
					cancel(ErrInterrupted)
					return
				}
			}
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

func (s *Session) request(ctx context.Context, input string, history []models.HistoryItem) llm.Request {
	s.mu.Lock()
	parts := PromptParts{
		Screen:       s.screen,
		OCR:          s.ocr,
		Instructions: s.instructions,
	}
	s.mu.Unlock()

	if s.memory != nil && s.memoryLimit > 0 {
		items, err := s.memory.QueryMemory(ctx, input, s.memoryLimit)
		if err != nil {
			s.logger.Warn("memory query failed", zap.Error(err))
		}
		parts.Memory = items
	}

	return llm.Request{
		Text:         input,
		History:      history,
		SystemPrompt: BuildSystemPrompt(parts),
	}
}

// beginTurn records the user input and returns the history window that
// precedes it.
func (s *Session) beginTurn(input string) []models.HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if s.window >= 0 && len(s.history) > s.window {
		start = len(s.history) - s.window
	}
	window := make([]models.HistoryItem, len(s.history)-start)
	copy(window, s.history[start:])

	s.history = append(s.history, models.HistoryItem{Role: models.RoleUser, Content: input})
	return window
}

// endTurn records the assistant reply, if any, and persists the history.
func (s *Session) endTurn(ctx context.Context, reply string) {
	s.mu.Lock()
	if reply = strings.TrimSpace(reply); reply != "" {
		s.history = append(s.history, models.HistoryItem{Role: models.RoleAssistant, Content: reply})
	}
	s.mu.Unlock()

	if s.store != nil {
		s.persist(context.WithoutCancel(ctx))
	}
}

func (s *Session) persist(ctx context.Context) {
	s.mu.Lock()
	id := s.sessionID
	history := append([]models.HistoryItem(nil), s.history...)
	s.mu.Unlock()

	if id == "" {
		var err error
		id, err = s.store.CreateSession(ctx, sessionTitle(history))
		if err != nil {
			s.logger.Warn("failed to create chat session", zap.Error(err))
			return
		}
		s.mu.Lock()
		if s.sessionID == "" {
			s.sessionID = id
		} else {
			id = s.sessionID
		}
		s.mu.Unlock()
		s.logger.Info("chat session created", zap.String("session_id", id))
	}

	if err := s.store.UpdateSession(ctx, id, history); err != nil {
		s.logger.Warn("failed to save chat session", zap.String("session_id", id), zap.Error(err))
	}
}

func sessionTitle(history []models.HistoryItem) string {
	for _, item := range history {
		if item.Role != models.RoleUser {
			continue
		}
		title := []rune(strings.TrimSpace(item.Content))
		if len(title) > 40 {
			return string(title[:40]) + "..."
		}
		return string(title)
	}
	return ""
}

// Resume continues the stored session id: its history becomes the
// conversation and later turns are saved to it.
func (s *Session) Resume(ctx context.Context, id string) error {
	if s.store == nil {
		return ErrNoSessionStore
	}
	sess, err := s.store.FetchSession(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch session %s: %w", id, err)
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sess.ID
	s.history = append([]models.HistoryItem(nil), sess.History...)
	s.logger.Info("chat session resumed", zap.String("session_id", sess.ID), zap.Int("history", len(sess.History)))
	return nil
}

// NewConversation clears the history. The next turn starts a new stored
// session.
func (s *Session) NewConversation() {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
	s.history = nil
}

// SetContext replaces the screen description and OCR text sections.
func (s *Session) SetContext(screen, ocr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screen = screen
	s.ocr = ocr
}

// SetInstructions replaces the base instructions.
func (s *Session) SetInstructions(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructions = text
}

// SessionID returns the stored session id, empty before the first save.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// History returns a copy of the conversation.
func (s *Session) History() []models.HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.HistoryItem(nil), s.history...)
}

// Busy reports whether a request is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Session) setBusy(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = b
}

func (s *Session) track(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = true
}

func (s *Session) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

func (s *Session) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

// flight holds the id of the task a request is producing. Send learns it
// only once the first sentence resolves.
type flight struct {
	mu sync.Mutex
	id string
}

func (f *flight) set(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
}

func (f *flight) get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}
