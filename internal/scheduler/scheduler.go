package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fentz26/parley/internal/connectors"
	"github.com/fentz26/parley/internal/models"
	"github.com/fentz26/parley/internal/pipeline"
	"go.uber.org/zap"
)

// ErrInterrupted is the cancellation cause of a job whose task was
// interrupted.
var ErrInterrupted = errors.New("unit interrupted")

// Job outcomes reported to a JobObserver.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// JobObserver is told about every finished job.
type JobObserver func(stage models.Stage, outcome string, d time.Duration)

// StageStats describes one stage worker.
type StageStats struct {
	Connector string `json:"connector"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) Option {
	return func(sch *Scheduler) { sch.logger = l }
}

// WithObserver registers fn to be told about finished jobs.
func WithObserver(fn JobObserver) Option {
	return func(sch *Scheduler) { sch.observe = fn }
}

type job struct {
	stage  models.Stage
	cancel context.CancelCauseFunc
}

// Scheduler runs the TTS and playback stages: it hands response units to a
// Synthesizer and a Player and reports the results to the coordinator.
type Scheduler struct {
	coord  *pipeline.Coordinator
	synth  connectors.Synthesizer
	player connectors.Player
	config *Config
	logger *zap.Logger

	observe JobObserver

	// Worker pool state
	mu       sync.Mutex
	inflight map[pipeline.UnitRef]*job
	failed   map[models.Stage]map[pipeline.UnitRef]bool
	stats    map[models.Stage]*StageStats
	wake     map[models.Stage]chan struct{}

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. A nil synth or player disables that stage, which
// is then left to external workers.
func New(coord *pipeline.Coordinator, synth connectors.Synthesizer, player connectors.Player, cfg *Config, opts ...Option) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	sch := &Scheduler{
		coord:    coord,
		synth:    synth,
		player:   player,
		config:   cfg,
		logger:   zap.NewNop(),
		inflight: make(map[pipeline.UnitRef]*job),
		failed:   make(map[models.Stage]map[pipeline.UnitRef]bool),
		stats:    make(map[models.Stage]*StageStats),
		wake:     make(map[models.Stage]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(sch)
	}

	if synth != nil {
		sch.enable(models.StageTTS, synth.Name(), cfg.TTSWorkers)
	}
	if player != nil {
		// Units play one at a time so they are heard in order.
		sch.enable(models.StageAudio, player.Name(), 1)
	}
	return sch
}

func (sch *Scheduler) enable(stage models.Stage, connector string, workers int) {
	sch.stats[stage] = &StageStats{Connector: connector, Workers: workers}
	sch.failed[stage] = make(map[pipeline.UnitRef]bool)
	sch.wake[stage] = make(chan struct{}, 1)
}

// Stages returns the stages this scheduler works on.
func (sch *Scheduler) Stages() []models.Stage {
	var out []models.Stage
	for _, st := range models.AllStages {
		if _, ok := sch.stats[st]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Start begins one loop per enabled stage.
func (sch *Scheduler) Start() {
	if _, ok := sch.stats[models.StageTTS]; ok {
		sch.wg.Add(1)
		go sch.stageLoop(models.StageTTS,
			pipeline.TopicTaskCreated,
			pipeline.TopicResponse,
			pipeline.TopicTaskStatus,
			pipeline.TopicInterruption,
			pipeline.TopicTasksReset,
		)
	}
	if _, ok := sch.stats[models.StageAudio]; ok {
		sch.wg.Add(1)
		go sch.stageLoop(models.StageAudio,
			pipeline.TopicAudio,
			pipeline.TopicPlayback,
			pipeline.TopicTaskStatus,
			pipeline.TopicInterruption,
			pipeline.TopicTasksReset,
		)
	}
	sch.logger.Info("scheduler started", zap.Int("stages", len(sch.stats)))
}

// Stop cancels in-flight jobs and waits for every worker to exit.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

// stageLoop acknowledges interruptions and dispatches work for one stage,
// woken by coordinator changes, finished jobs and a poll ticker.
func (sch *Scheduler) stageLoop(stage models.Stage, topics ...pipeline.Topic) {
	defer sch.wg.Done()

	changes, unsubscribe := sch.coord.Bus().Subscribe(topics...)
	defer unsubscribe()

	ticker := time.NewTicker(sch.config.PollInterval)
	defer ticker.Stop()

	for {
		sch.acknowledge(stage)
		sch.dispatch(stage)

		select {
		case <-sch.ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				// Bus closed: keep polling.
				changes = nil
				continue
			}
			if c.Topic == pipeline.TopicTasksReset {
				sch.cancelAll(stage)
			}
		case <-sch.wake[stage]:
		case <-ticker.C:
		}
	}
}

// acknowledge stops in-flight jobs of interrupted tasks and acknowledges the
// interruption for stage.
func (sch *Scheduler) acknowledge(stage models.Stage) {
	for _, id := range sch.coord.PendingInterruptions(stage) {
		n := sch.cancelTask(id, stage)
		if sch.coord.MarkInterruptionState(id, stage) {
			sch.logger.Info("acknowledged interruption",
				zap.String("task_id", id),
				zap.String("stage", string(stage)),
				zap.Int("cancelled_jobs", n),
			)
		}
	}
}

func (sch *Scheduler) cancelTask(taskID string, stage models.Stage) int {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	n := 0
	for ref, j := range sch.inflight {
		if ref.TaskID == taskID && j.stage == stage {
			j.cancel(ErrInterrupted)
			n++
		}
	}
	return n
}

func (sch *Scheduler) cancelAll(stage models.Stage) {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	for _, j := range sch.inflight {
		if j.stage == stage {
			j.cancel(ErrInterrupted)
		}
	}
	sch.failed[stage] = make(map[pipeline.UnitRef]bool)
}

// dispatch starts jobs until the stage is at capacity or out of work.
func (sch *Scheduler) dispatch(stage models.Stage) {
	for {
		sch.mu.Lock()
		st := sch.stats[stage]
		if st.Active >= st.Workers {
			sch.mu.Unlock()
			return
		}
		skip := sch.skipLocked(stage)
		sch.mu.Unlock()

		var (
			item pipeline.WorkItem
			ok   bool
		)
		if stage == models.StageTTS {
			item, ok = sch.coord.NextTaskForTTS(skip...)
		} else {
			item, ok = sch.coord.NextTaskForAudio(skip...)
		}
		if !ok {
			return
		}
		sch.start(stage, item)
	}
}

// skipLocked lists the units stage must not pick: its own in-flight jobs and
// the units it failed on.
func (sch *Scheduler) skipLocked(stage models.Stage) []pipeline.UnitRef {
	var skip []pipeline.UnitRef
	for ref, j := range sch.inflight {
		if j.stage == stage {
			skip = append(skip, ref)
		}
	}
	for ref := range sch.failed[stage] {
		skip = append(skip, ref)
	}
	return skip
}

func (sch *Scheduler) start(stage models.Stage, item pipeline.WorkItem) {
	ctx, cancel := context.WithCancelCause(sch.ctx)
	ref := item.Ref()

	sch.mu.Lock()
	sch.inflight[ref] = &job{stage: stage, cancel: cancel}
	sch.stats[stage].Active++
	sch.mu.Unlock()

	sch.logger.Debug("dispatched unit",
		zap.String("stage", string(stage)),
		zap.String("task_id", item.TaskID),
		zap.Int("index", item.Index),
	)

	sch.wg.Add(1)
	go sch.runJob(ctx, cancel, stage, item)
}

// runJob executes one unit of work.
func (sch *Scheduler) runJob(ctx context.Context, cancel context.CancelCauseFunc, stage models.Stage, item pipeline.WorkItem) {
	defer sch.wg.Done()
	defer cancel(nil)

	jobCtx := ctx
	if sch.config.JobTimeout > 0 {
		var stop context.CancelFunc
		jobCtx, stop = context.WithTimeout(ctx, sch.config.JobTimeout)
		defer stop()
	}

	began := time.Now()
	var err error
	accepted := false
	switch stage {
	case models.StageTTS:
		var ref string
		if ref, err = sch.synth.Synthesize(jobCtx, item.Text); err == nil {
			accepted = sch.coord.AddTTSAudio(item.TaskID, item.Index, ref)
		}
	case models.StageAudio:
		if err = sch.player.Play(jobCtx, item); err == nil {
			accepted = sch.coord.MarkPlaybackFinished(item.TaskID, item.Index)
		}
	}

	outcome := OutcomeOK
	switch {
	case err == nil && !accepted:
		// The task was cancelled or removed while the job ran.
		outcome = OutcomeCancelled
	case err == nil:
	case errors.Is(context.Cause(ctx), ErrInterrupted) || sch.ctx.Err() != nil:
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeFailed
		sch.logger.Error("stage job failed",
			zap.String("stage", string(stage)),
			zap.String("task_id", item.TaskID),
			zap.Int("index", item.Index),
			zap.Error(err),
		)
	}

	sch.finish(stage, item.Ref(), outcome)
	if sch.observe != nil {
		sch.observe(stage, outcome, time.Since(began))
	}
}

func (sch *Scheduler) finish(stage models.Stage, ref pipeline.UnitRef, outcome string) {
	sch.mu.Lock()
	delete(sch.inflight, ref)
	st := sch.stats[stage]
	st.Active--
	switch outcome {
	case OutcomeOK:
		st.Processed++
	case OutcomeFailed:
		st.Failed++
		sch.failed[stage][ref] = true
	case OutcomeCancelled:
		st.Cancelled++
	}
	sch.mu.Unlock()

	select {
	case sch.wake[stage] <- struct{}{}:
	default:
	}
}

// GetStats returns current per-stage statistics.
func (sch *Scheduler) GetStats() map[models.Stage]StageStats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	out := make(map[models.Stage]StageStats, len(sch.stats))
	for stage, st := range sch.stats {
		out[stage] = *st
	}
	return out
}
