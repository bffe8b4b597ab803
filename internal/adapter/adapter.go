// Package adapter turns voice channel events into pipeline operations.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/parley/internal/models"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrMalformedEvent is returned for a payload that is not a valid event.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownEvent is returned for an event type the adapter does not handle.
	ErrUnknownEvent = errors.New("unknown event type")
)

// DefaultThreshold is the voice probability above which the user is
// considered to be speaking.
const DefaultThreshold = 0.3

// Event types.
const (
	EventProbability   = "probability"
	EventTranscription = "transcription"
)

// Event is one message from the voice channel.
type Event struct {
	Type        string   `json:"type"`
	Probability *float64 `json:"probability,omitempty"`
	Text        *string  `json:"text,omitempty"`
}

// Pipeline is the part of the coordinator the adapter drives.
type Pipeline interface {
	AddInputTask(input string) string
	InterruptCurrentTask() (string, bool)
	CurrentTask() (models.Task, bool)
}

// Adapter applies voice events to a Pipeline.
type Adapter struct {
	pipeline  Pipeline
	threshold float64
	logger    *zap.Logger

	mu      sync.Mutex
	above   bool
	observe func(eventType string)
}

// New creates an Adapter. A threshold outside (0, 1] means DefaultThreshold.
func New(p Pipeline, threshold float64, logger *zap.Logger) *Adapter {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{pipeline: p, threshold: threshold, logger: logger}
}

// SetObserver registers fn to be called with the type of every handled
// event. A nil fn removes the observer.
func (a *Adapter) SetObserver(fn func(eventType string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observe = fn
}

func (a *Adapter) observer() func(eventType string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.observe
}

// HandleMessage decodes and applies one raw event.
func (a *Adapter) HandleMessage(data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return a.Handle(ev)
}

// Handle applies ev.
//
// A probability above the threshold interrupts the current task once per
// upward crossing, and never a task already pending interruption. A
// transcription always becomes a new task.
func (a *Adapter) Handle(ev Event) error {
	if observe := a.observer(); observe != nil && (ev.Type == EventProbability || ev.Type == EventTranscription) {
		observe(ev.Type)
	}
	switch ev.Type {
	case EventProbability:
		if ev.Probability == nil {
			return fmt.Errorf("%w: probability event without probability", ErrMalformedEvent)
		}
		a.handleProbability(*ev.Probability)
		return nil

	case EventTranscription:
		if ev.Text == nil {
			return fmt.Errorf("%w: transcription event without text", ErrMalformedEvent)
		}
		id := a.pipeline.AddInputTask(*ev.Text)
		a.logger.Info("transcription queued", zap.String("task_id", id))
		return nil

	case "":
		return fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

func (a *Adapter) handleProbability(p float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p <= a.threshold {
		a.above = false
		return
	}
	if a.above {
		return
	}
	a.above = true

	if t, ok := a.pipeline.CurrentTask(); !ok || t.Status == models.TaskStatusPendingInterruption {
		return
	}
	if id, ok := a.pipeline.InterruptCurrentTask(); ok {
		a.logger.Info("voice activity interrupted task",
			zap.String("task_id", id),
			zap.Float64("probability", p),
		)
	}
}

// Listen reads events from the voice WebSocket at url until ctx is done or
// the connection fails. Malformed events are logged and skipped.
func (a *Adapter) Listen(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial voice channel (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial voice channel: %w", err)
	}
	defer conn.Close()
	a.logger.Info("voice channel connected", zap.String("url", url))

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read voice channel: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := a.HandleMessage(data); err != nil {
			a.logger.Warn("dropping voice event", zap.Error(err))
		}
	}
}

// ListenWithRetry keeps Listen running, reconnecting with exponential
// backoff capped at maxBackoff, until ctx is done.
func (a *Adapter) ListenWithRetry(ctx context.Context, url string, maxBackoff time.Duration) error {
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	backoff := 500 * time.Millisecond
	for {
		start := time.Now()
		err := a.Listen(ctx, url)
		if ctx.Err() != nil {
			return nil
		}
		// A connection that stayed up for a while resets the backoff.
		if time.Since(start) > maxBackoff {
			backoff = 500 * time.Millisecond
		}
		a.logger.Warn("voice channel lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
