package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher is what the arbitration components depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type Subscriber interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc struct {
	ID string
	Fn func(ctx context.Context, e Event) error
}

func (s SubscriberFunc) Name() string { return s.ID }

func (s SubscriberFunc) Handle(ctx context.Context, e Event) error { return s.Fn(ctx, e) }

// Bus fans events out to subscribers. Each subscriber drains its own FIFO
// on one goroutine, so it sees events in publish order. Delivery failures are
// logged and never reach the publisher.
type Bus struct {
	Logger  *zap.Logger
	Timeout time.Duration
	Now     func() time.Time

	mu      sync.Mutex
	idle    *sync.Cond
	subs    []*subQueue
	pending int
	closed  bool
	done    sync.WaitGroup
}

type subQueue struct {
	sub  Subscriber
	mu   sync.Mutex
	buf  []Event
	stop bool
	wake chan struct{}
}

var _ Publisher = (*Bus)(nil)

func NewBus(logger *zap.Logger, timeout time.Duration) *Bus {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bus{Logger: logger, Timeout: timeout}
}

// Subscribe starts the subscriber's delivery goroutine. It is a no-op once
// the bus is closed.
func (b *Bus) Subscribe(s Subscriber) {
	if b == nil || s == nil {
		return
	}
	q := &subQueue{sub: s, wake: make(chan struct{}, 1)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, q)
	b.done.Add(1)
	go b.drain(q)
}

// Publish queues e for every subscriber and returns without waiting. Events
// published after Close are dropped.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = b.now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if b.Logger != nil {
			b.Logger.Debug("event dropped after bus close", zap.String("event_type", e.Type), zap.String("event_id", e.ID))
		}
		return
	}
	// Enqueue under the bus lock so concurrent publishers agree on one order.
	b.pending += len(b.subs)
	for _, q := range b.subs {
		q.push(e)
	}
	b.mu.Unlock()
}

func (q *subQueue) push(e Event) {
	q.mu.Lock()
	q.buf = append(q.buf, e)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *subQueue) next() (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			e := q.buf[0]
			q.buf[0] = Event{}
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return e, true
		}
		stop := q.stop
		q.mu.Unlock()
		if stop {
			return Event{}, false
		}
		<-q.wake
	}
}

func (b *Bus) drain(q *subQueue) {
	defer b.done.Done()
	for {
		e, ok := q.next()
		if !ok {
			return
		}
		b.deliver(q.sub, e)
		b.mu.Lock()
		b.pending--
		if b.pending == 0 && b.idle != nil {
			b.idle.Broadcast()
		}
		b.mu.Unlock()
	}
}

func (b *Bus) deliver(sub Subscriber, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout())
	defer cancel()
	defer func() {
		if r := recover(); r != nil && b.Logger != nil {
			b.Logger.Error("event subscriber panicked",
				zap.String("subscriber", sub.Name()),
				zap.String("event_type", e.Type),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := sub.Handle(ctx, e); err != nil && b.Logger != nil {
		b.Logger.Warn("event delivery failed",
			zap.String("subscriber", sub.Name()),
			zap.String("event_type", e.Type),
			zap.String("event_id", e.ID),
			zap.Error(err),
		)
	}
}

// Wait blocks until every queued event has been delivered.
func (b *Bus) Wait() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.idle == nil {
		b.idle = sync.NewCond(&b.mu)
	}
	for b.pending > 0 {
		b.idle.Wait()
	}
}

// Close stops accepting events, delivers what is queued and stops the
// subscriber goroutines. Safe to call more than once.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, q := range subs {
		q.mu.Lock()
		q.stop = true
		q.mu.Unlock()
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	b.done.Wait()
}

func (b *Bus) timeout() time.Duration {
	if b.Timeout <= 0 {
		return 5 * time.Second
	}
	return b.Timeout
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now().UTC()
}

// Recorder keeps every event it receives. Useful as a subscriber in tests and
// for the in-process audit tail.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Handle(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Publish lets a Recorder stand in for a Bus with synchronous delivery.
func (r *Recorder) Publish(ctx context.Context, e Event) {
	_ = r.Handle(ctx, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) OfType(t string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
