package pipeline

import (
	"sync"
	"time"

	"github.com/fentz26/parley/internal/models"
)

// Topic classifies a coordinator change.
type Topic string

const (
	TopicTaskCreated  Topic = "task.created"
	TopicTaskStatus   Topic = "task.status"
	TopicResponse     Topic = "task.response"
	TopicAudio        Topic = "task.audio"
	TopicPlayback     Topic = "task.playback"
	TopicInterruption Topic = "task.interruption"
	TopicTasksRemoved Topic = "tasks.removed"
	TopicTasksReset   Topic = "tasks.reset"
)

// Change describes one mutation of the task store.
type Change struct {
	Seq    uint64            `json:"seq"`
	Topic  Topic             `json:"topic"`
	TaskID string            `json:"task_id,omitempty"`
	Status models.TaskStatus `json:"status,omitempty"`
	// Index is the response unit touched by response, audio and playback
	// changes, and -1 otherwise.
	Index int          `json:"index"`
	Stage models.Stage `json:"stage,omitempty"`
	At    time.Time    `json:"at"`
}

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

type subscriber struct {
	ch     chan Change
	topics map[Topic]bool

	// Lossless subscribers queue changes without bound and a pump goroutine
	// owns ch.
	lossless bool
	qmu      sync.Mutex
	queue    []Change
	draining bool
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// Bus fans coordinator changes out to subscribers.
//
// Publish never blocks. A Subscribe subscriber whose buffer is full misses
// the change; it is meant for consumers that use changes as wake-ups and
// read state back through the coordinator. Consumers that must see every
// change, such as the journal, use SubscribeLossless.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	seq     uint64
	buffer  int
	closed  bool
	dropped uint64
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		buffer: buffer,
	}
}

// Subscribe registers for the given topics, or for all topics when none are
// given. The returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Change, func()) {
	return b.subscribe(false, topics)
}

// SubscribeLossless is like Subscribe but never drops a change: changes the
// consumer has not yet received are queued in memory. After Close the
// queued changes are still delivered before the channel closes.
func (b *Bus) SubscribeLossless(topics ...Topic) (<-chan Change, func()) {
	return b.subscribe(true, topics)
}

func (b *Bus) subscribe(lossless bool, topics []Topic) (<-chan Change, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Change, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	var filter map[Topic]bool
	if len(topics) > 0 {
		filter = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			filter[t] = true
		}
	}

	sub := &subscriber{ch: ch, topics: filter, lossless: lossless}
	if lossless {
		sub.wake = make(chan struct{}, 1)
		sub.stop = make(chan struct{})
		go sub.pump()
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				sub.shut(false)
			} else if sub.lossless {
				sub.halt()
			}
		})
	}
}

// Publish stamps c with the next sequence number and delivers it.
func (b *Bus) Publish(c Change) Change {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	c.Seq = b.seq
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[c.Topic] {
			continue
		}
		if sub.lossless {
			sub.enqueue(c)
			continue
		}
		select {
		case sub.ch <- c:
		default:
			b.dropped++
		}
	}
	return c
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many changes full Subscribe buffers have missed.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscription. Later subscriptions get a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.shut(true)
	}
}

func (s *subscriber) enqueue(c Change) {
	s.qmu.Lock()
	s.queue = append(s.queue, c)
	s.qmu.Unlock()
	s.notify()
}

func (s *subscriber) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// shut ends the subscription. Lossless subscribers deliver what is queued
// first when drain is set.
func (s *subscriber) shut(drain bool) {
	if !s.lossless {
		close(s.ch)
		return
	}
	if drain {
		s.qmu.Lock()
		s.draining = true
		s.qmu.Unlock()
		s.notify()
		return
	}
	s.halt()
}

func (s *subscriber) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *subscriber) pump() {
	defer close(s.ch)
	for {
		s.qmu.Lock()
		batch := s.queue
		s.queue = nil
		draining := s.draining
		s.qmu.Unlock()

		for _, c := range batch {
			select {
			case s.ch <- c:
			case <-s.stop:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if draining {
			return
		}
		select {
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}
