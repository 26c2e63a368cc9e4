// Package broadcast fans build output out to live subscribers and appends
// it to the durable per-project log.
//
// Each project with an active run has a topic holding its sequence counter
// and subscriber set. Publishing appends to the log and enqueues to every
// subscriber under the topic lock, so a subscriber's replay and its live
// events never overlap or leave a gap.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aparcar/asu/buildfix/internal/logfields"
	"github.com/aparcar/asu/buildfix/internal/metrics"
	"github.com/aparcar/asu/buildfix/internal/models"
	"github.com/google/uuid"
)

// ErrClosed is returned when publishing to a project whose run has ended.
var ErrClosed = errors.New("broadcast: topic closed")

const (
	defaultBuffer     = 256
	pendingMultiplier = 64
)

// Options configures a Broadcaster.
type Options struct {
	// Buffer is the channel capacity handed to each subscriber.
	Buffer int
	// MaxPending bounds live events queued for one subscriber beyond its
	// replay. A subscriber exceeding it is dropped.
	MaxPending int
	Recorder   metrics.Recorder
}

// Broadcaster is a registry of per-project topics.
type Broadcaster struct {
	store    models.LogStore
	opts     Options
	recorder metrics.Recorder

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu      sync.Mutex
	project string
	seq     int64
	subs    map[string]*Subscription
	closed  bool
}

// New creates a Broadcaster backed by store.
func New(store models.LogStore, opts Options) *Broadcaster {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = opts.Buffer * pendingMultiplier
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Broadcaster{
		store:    store,
		opts:     opts,
		recorder: recorder,
		topics:   make(map[string]*topic),
	}
}

// Open starts a fresh log for a run. The durable log is reset but sequence
// numbers keep increasing per project, so a client resuming from a previous
// run's sequence still receives the whole new run. Subscribers of a previous
// topic are ended.
func (b *Broadcaster) Open(ctx context.Context, project string) error {
	prev := b.lookup(project)
	b.Close(project)

	last, err := b.store.LastSequence(ctx, project)
	if err != nil {
		return fmt.Errorf("failed to read last sequence: %w", err)
	}
	if prev != nil {
		prev.mu.Lock()
		if prev.seq > last {
			last = prev.seq
		}
		prev.mu.Unlock()
	}

	if err := b.store.ResetLogs(ctx, project); err != nil {
		return fmt.Errorf("failed to reset log: %w", err)
	}

	b.mu.Lock()
	b.topics[project] = &topic{project: project, seq: last, subs: make(map[string]*Subscription)}
	b.mu.Unlock()
	return nil
}

// Active reports whether project has an open topic.
func (b *Broadcaster) Active(project string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[project]
	return ok
}

func (b *Broadcaster) lookup(project string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[project]
}

// topicFor returns the open topic, creating one that continues the durable
// log when none exists.
func (b *Broadcaster) topicFor(ctx context.Context, project string) (*topic, error) {
	if t := b.lookup(project); t != nil {
		return t, nil
	}

	last, err := b.store.LastSequence(ctx, project)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[project]; ok {
		return t, nil
	}
	t := &topic{project: project, seq: last, subs: make(map[string]*Subscription)}
	b.topics[project] = t
	return t, nil
}

// Publish assigns the next sequence number to line, appends it to the
// durable log and queues it for every subscriber. It never waits on a
// subscriber. A failed durable append is logged and live delivery continues.
func (b *Broadcaster) Publish(ctx context.Context, project, line string) (models.LogEvent, error) {
	t, err := b.topicFor(ctx, project)
	if err != nil {
		return models.LogEvent{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return models.LogEvent{}, ErrClosed
	}

	t.seq++
	event := models.LogEvent{
		Project:   project,
		Sequence:  t.seq,
		Timestamp: time.Now().UTC(),
		Message:   line,
	}

	if err := b.store.AppendLog(ctx, event); err != nil {
		slog.Warn("Failed to persist log line", logfields.Project(project), logfields.Error(err))
	}

	for id, sub := range t.subs {
		if !sub.enqueue(event) {
			delete(t.subs, id)
			b.recorder.IncDroppedSubscribers()
			slog.Warn("Dropped slow log subscriber", logfields.Project(project), logfields.Subscriber(id))
		}
	}

	return event, nil
}

// Close ends the project's topic. Subscribers receive what is already
// queued and then end of stream.
func (b *Broadcaster) Close(project string) {
	b.mu.Lock()
	t, ok := b.topics[project]
	delete(b.topics, project)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, sub := range t.subs {
		sub.finish()
		delete(t.subs, id)
	}
}

// Subscribe replays the project's durable log and then follows live events.
func (b *Broadcaster) Subscribe(ctx context.Context, project string) (*Subscription, error) {
	return b.SubscribeFrom(ctx, project, 0)
}

// SubscribeFrom is Subscribe starting after sequence number afterSeq. When
// no run is active the stream ends after the replay. The subscription is
// removed when ctx is done.
func (b *Broadcaster) SubscribeFrom(ctx context.Context, project string, afterSeq int64) (*Subscription, error) {
	sub := newSubscription(project, b.opts.Buffer, b.opts.MaxPending)

	if t := b.lookup(project); t != nil {
		t.mu.Lock()
		if !t.closed {
			replay, err := b.store.ReadLogs(ctx, project, afterSeq)
			if err != nil {
				t.mu.Unlock()
				return nil, fmt.Errorf("failed to read log: %w", err)
			}
			sub.topic = t
			sub.seed(replay, false)
			t.subs[sub.ID] = sub
			t.mu.Unlock()
			sub.start(ctx)
			return sub, nil
		}
		t.mu.Unlock()
	}

	replay, err := b.store.ReadLogs(ctx, project, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	sub.seed(replay, true)
	sub.start(ctx)
	return sub, nil
}

// Subscribers returns the number of live subscribers of project.
func (b *Broadcaster) Subscribers(project string) int {
	t := b.lookup(project)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Subscription is one live observer of a project's log.
type Subscription struct {
	ID      string
	Project string

	events chan models.LogEvent
	signal chan struct{}
	stop   chan struct{}
	topic  *topic

	mu         sync.Mutex
	queue      []models.LogEvent
	maxPending int
	limit      int
	closing    bool
	dropped    bool

	once sync.Once
}

func newSubscription(project string, buffer, maxPending int) *Subscription {
	return &Subscription{
		ID:         uuid.NewString(),
		Project:    project,
		events:     make(chan models.LogEvent, buffer),
		signal:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
		maxPending: maxPending,
	}
}

// Events delivers events in sequence order. It is closed at end of stream.
func (s *Subscription) Events() <-chan models.LogEvent {
	return s.events
}

// Dropped reports whether the stream ended because the subscriber fell
// too far behind. It can resume with SubscribeFrom.
func (s *Subscription) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Unsubscribe detaches the subscriber and ends its stream. Calling it again
// is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if t := s.topic; t != nil {
			t.mu.Lock()
			delete(t.subs, s.ID)
			t.mu.Unlock()
		}
		close(s.stop)
	})
}

func (s *Subscription) seed(replay []models.LogEvent, closing bool) {
	s.queue = append(s.queue, replay...)
	s.limit = len(replay) + s.maxPending
	s.closing = closing
}

func (s *Subscription) start(ctx context.Context) {
	context.AfterFunc(ctx, s.Unsubscribe)
	go s.pump()
}

// enqueue reports false when the subscriber has fallen too far behind.
func (s *Subscription) enqueue(event models.LogEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.limit {
		s.dropped = true
		s.closing = true
		s.wake()
		return false
	}
	s.queue = append(s.queue, event)
	s.wake()
	return true
}

func (s *Subscription) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.closing {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.signal:
			case <-s.stop:
				return
			}
			s.mu.Lock()
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		if len(s.queue) == 0 {
			s.queue = nil
		}
		s.mu.Unlock()

		select {
		case s.events <- event:
		case <-s.stop:
			return
		}
	}
}
