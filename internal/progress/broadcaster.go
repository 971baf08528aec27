// Package progress fans workflow progress events out to independent
// subscribers without ever blocking the publisher.
package progress

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nidhogg/synergy/internal/pipeline"
	"go.uber.org/zap"
)

const defaultBuffer = 64

// Subscription is one subscriber's cursor over a workflow's events. The
// channel is closed when the workflow terminates, the subscriber's context
// ends, or Close is called.
type Subscription struct {
	ID         string
	WorkflowID string

	ch      chan pipeline.Event
	done    chan struct{}
	once    sync.Once
	b       *Broadcaster
	dropped atomic.Int64
}

// Events returns the stream. It yields events in publish order.
func (s *Subscription) Events() <-chan pipeline.Event { return s.ch }

// Dropped counts events discarded because this subscriber fell behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.b == nil {
		s.finish()
		return
	}
	s.b.remove(s)
}

// finish closes the channel. Tracked subscriptions are finished under the
// broadcaster write lock so no publish can race the close.
func (s *Subscription) finish() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

type topic struct {
	subs   map[string]*Subscription
	closed bool
}

// Broadcaster is a per-workflow publish/subscribe hub.
type Broadcaster struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	all     map[string]*Subscription
	buffer  int
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewBroadcaster creates a hub whose subscribers buffer up to buffer events.
func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broadcaster{
		topics: make(map[string]*topic),
		all:    make(map[string]*Subscription),
		buffer: buffer,
		logger: logger.With(zap.String("component", "progress")),
	}
}

// Publish delivers ev to every current subscriber of its workflow and to
// firehose subscribers. A full subscriber buffer drops the event for that
// subscriber only. Publish never blocks.
func (b *Broadcaster) Publish(ev pipeline.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if t, ok := b.topics[ev.WorkflowID]; ok {
		if t.closed {
			return
		}
		for _, s := range t.subs {
			b.offer(s, ev)
		}
	}
	for _, s := range b.all {
		b.offer(s, ev)
	}
}

func (b *Broadcaster) offer(s *Subscription, ev pipeline.Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		b.dropped.Add(1)
	}
}

// Subscribe opens a stream for workflowID. If the workflow already
// terminated the returned stream is closed immediately.
func (b *Broadcaster) Subscribe(ctx context.Context, workflowID string) *Subscription {
	s := b.newSubscription(workflowID)

	b.mu.Lock()
	t := b.topic(workflowID)
	if t.closed {
		s.finish()
		b.mu.Unlock()
		return s
	}
	t.subs[s.ID] = s
	b.mu.Unlock()

	b.watch(ctx, s)
	return s
}

// SubscribeAll opens a stream of every workflow's events. It is only
// closed by ctx or Close.
func (b *Broadcaster) SubscribeAll(ctx context.Context) *Subscription {
	s := b.newSubscription("")
	b.mu.Lock()
	b.all[s.ID] = s
	b.mu.Unlock()
	b.watch(ctx, s)
	return s
}

func (b *Broadcaster) newSubscription(workflowID string) *Subscription {
	return &Subscription{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		ch:         make(chan pipeline.Event, b.buffer),
		done:       make(chan struct{}),
		b:          b,
	}
}

func (b *Broadcaster) watch(ctx context.Context, s *Subscription) {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
}

func (b *Broadcaster) topic(workflowID string) *topic {
	t, ok := b.topics[workflowID]
	if !ok {
		t = &topic{subs: make(map[string]*Subscription)}
		b.topics[workflowID] = t
	}
	return t
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.WorkflowID == "" {
		delete(b.all, s.ID)
	} else if t, ok := b.topics[s.WorkflowID]; ok {
		delete(t.subs, s.ID)
	}
	s.finish()
}

// Close ends every stream of workflowID. Later subscribers receive an
// already-closed stream and later publishes are discarded.
func (b *Broadcaster) Close(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(workflowID)
	t.closed = true
	for id, s := range t.subs {
		delete(t.subs, id)
		s.finish()
	}
}

// Forget releases all bookkeeping for workflowID once it has been evicted.
func (b *Broadcaster) Forget(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[workflowID]; ok {
		for _, s := range t.subs {
			s.finish()
		}
		delete(b.topics, workflowID)
	}
}

// Subscribers counts the open streams of workflowID.
func (b *Broadcaster) Subscribers(workflowID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[workflowID]; ok {
		return len(t.subs)
	}
	return 0
}

// Dropped counts events discarded across all subscribers.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Closed returns a stream that has already ended, for workflows that are
// known to be terminal but no longer tracked.
func Closed(workflowID string) *Subscription {
	s := &Subscription{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		ch:         make(chan pipeline.Event),
		done:       make(chan struct{}),
	}
	s.finish()
	return s
}
