// Package bus is the in-process message bus (spec.md §4.4): topic-less
// pub/sub keyed by payload type rather than by a string topic name. lock
// uses it to wake lease waiters and scheduler uses it to propagate job
// state across instances (spec.md §2 data flow).
//
// Go has no existential generics, so a single Bus value can't hold a
// type parameter. Instead Subscribe and Publish are free generic
// functions taking *Bus, and the bus itself routes by reflect.Type —
// generalizing the teacher's padded-atomic-counter style (internal/util)
// from counters to a copy-on-write subscriber list per type.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/latticekit/foundation/foundationerr"
	"github.com/latticekit/foundation/logging"
	"github.com/latticekit/foundation/serializer"
	"github.com/latticekit/foundation/timesource"
)

// Subscription is returned by Subscribe. Unsubscribe is synchronous: once
// it returns, no new invocation of that handler will begin (spec.md §4.4
// "unsubscribe is synchronous").
type Subscription interface {
	Unsubscribe()
}

// Options configures a Bus. Zero values are safe; defaults applied by
// New:
//   - nil Clock        => timesource.Real{}
//   - nil Logger       => logging.Nop()
//   - nil Serializer   => serializer.Msgpack() (only consulted when
//     MaxMessageBytes > 0)
type Options struct {
	Clock      timesource.Clock
	Logger     logging.Logger
	Serializer serializer.Serializer

	// MaxMessageBytes, if > 0, bounds a payload's serialized size; a
	// Publish exceeding it fails with foundationerr.ErrTooLarge instead
	// of being delivered (spec.md §4.4 "message-too-large").
	MaxMessageBytes int
}

// Bus routes published values to subscribers registered for their
// concrete type.
type Bus struct {
	opt    Options
	topics sync.Map // reflect.Type -> *topic
}

// New constructs a Bus from opt.
func New(opt Options) *Bus {
	if opt.Clock == nil {
		opt.Clock = timesource.Real{}
	}
	if opt.Logger == nil {
		opt.Logger = logging.Nop()
	}
	if opt.Serializer == nil {
		opt.Serializer = serializer.Msgpack()
	}
	return &Bus{opt: opt}
}

// topic holds the copy-on-write subscriber list for one payload type.
type topic struct {
	subs atomic.Pointer[[]*subscription]
}

// deliverJob is one payload queued for a subscription's ordered delivery.
type deliverJob struct {
	ctx     context.Context
	payload any
}

// subscription serializes delivery to a single handler through an
// unbounded FIFO queue drained by at most one goroutine at a time, so
// two payloads enqueued in a given order (as two Publish calls from one
// publisher goroutine are, since deliver enqueues synchronously) are
// always invoked in that same order (spec.md §5 "subscribers observe
// publishes in the order a single publisher performed them"). Separate
// subscriptions still run concurrently with each other.
type subscription struct {
	id       uint64
	disposed atomic.Bool
	call     func(context.Context, any)
	logger   logging.Logger

	mu       sync.Mutex
	queue    []deliverJob
	draining bool
}

var subIDs atomic.Uint64

// enqueue appends job to the subscription's queue and, if no drain
// goroutine is currently running, starts one. Called synchronously from
// deliver, so the enqueue order across successive deliver calls from one
// goroutine matches their call order.
func (s *subscription) enqueue(job deliverJob) {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()
	go s.drain()
}

// drain invokes queued jobs one at a time, in FIFO order, until the
// queue is empty.
func (s *subscription) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.invoke(job)
	}
}

func (s *subscription) invoke(job deliverJob) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("bus: handler panicked", logging.F("payload_type", reflect.TypeOf(job.payload).String()), logging.F("panic", r))
		}
	}()
	if s.disposed.Load() {
		return
	}
	s.call(job.ctx, job.payload)
}

// Subscribe registers handler to run once per Publish[T] call (or
// PublishDelayed[T] call, once its delay elapses), for as long as the
// returned Subscription isn't disposed. Handlers for a single publish
// run concurrently across distinct subscribers, but a single subscriber
// never processes two deliveries out of the order they were published in
// (spec.md §4.4 "concurrent handler invocation", §5 ordering guarantee).
func Subscribe[T any](b *Bus, handler func(context.Context, T)) Subscription {
	t := b.topicFor(reflect.TypeOf((*T)(nil)).Elem())

	sub := &subscription{
		id:     subIDs.Add(1),
		logger: b.opt.Logger,
		call: func(ctx context.Context, v any) {
			handler(ctx, v.(T))
		},
	}

	for {
		old := t.subs.Load()
		var oldSlice []*subscription
		if old != nil {
			oldSlice = *old
		}
		next := make([]*subscription, len(oldSlice), len(oldSlice)+1)
		copy(next, oldSlice)
		next = append(next, sub)
		if t.subs.CompareAndSwap(old, &next) {
			break
		}
	}

	return &handle{bus: b, topic: t, sub: sub}
}

type handle struct {
	bus   *Bus
	topic *topic
	sub   *subscription
}

func (h *handle) Unsubscribe() {
	h.sub.disposed.Store(true)
	for {
		old := h.topic.subs.Load()
		if old == nil {
			return
		}
		next := make([]*subscription, 0, len(*old))
		found := false
		for _, s := range *old {
			if s == h.sub {
				found = true
				continue
			}
			next = append(next, s)
		}
		if !found {
			return
		}
		if h.topic.subs.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Publish delivers payload to every current subscriber of type T
// immediately, returning once all handlers have been dispatched (not
// necessarily completed — delivery is concurrent and best-effort).
func Publish[T any](ctx context.Context, b *Bus, payload T) error {
	if err := b.checkSize(payload); err != nil {
		return err
	}
	b.deliver(ctx, payload)
	return nil
}

// PublishDelayed is Publish, holding the message for delay before
// delivery (spec.md §4.4 "messages may carry an optional delay"). The
// delay is honored via the Bus's configured time source so a
// timesource.Virtual clock can drive it deterministically in tests.
// PublishDelayed returns once the message is scheduled, not once it is
// delivered.
func PublishDelayed[T any](ctx context.Context, b *Bus, payload T, delay time.Duration) error {
	if err := b.checkSize(payload); err != nil {
		return err
	}
	if delay <= 0 {
		b.deliver(ctx, payload)
		return nil
	}
	go func() {
		if err := b.opt.Clock.Sleep(ctx, delay); err != nil {
			return // context cancelled before the delay elapsed
		}
		b.deliver(ctx, payload)
	}()
	return nil
}

func (b *Bus) checkSize(payload any) error {
	if b.opt.MaxMessageBytes <= 0 {
		return nil
	}
	data, err := b.opt.Serializer.Serialize(payload)
	if err != nil {
		return fmt.Errorf("bus: measure payload size: %w", err)
	}
	if len(data) > b.opt.MaxMessageBytes {
		return fmt.Errorf("bus: payload of %d bytes exceeds limit of %d: %w", len(data), b.opt.MaxMessageBytes, foundationerr.ErrTooLarge)
	}
	return nil
}

// deliver hands payload to every current subscriber of its type. Each
// subscriber's enqueue happens synchronously here, in topic-slice order,
// so repeated calls to deliver from one publisher goroutine enqueue to
// each subscription in that same relative order; each subscription then
// drains its own queue independently and concurrently with the others.
func (b *Bus) deliver(ctx context.Context, payload any) {
	t := b.topicFor(reflect.TypeOf(payload))
	subsPtr := t.subs.Load()
	if subsPtr == nil {
		return
	}
	job := deliverJob{ctx: ctx, payload: payload}
	for _, sub := range *subsPtr {
		sub.enqueue(job)
	}
}

func (b *Bus) topicFor(typ reflect.Type) *topic {
	v, _ := b.topics.LoadOrStore(typ, &topic{})
	return v.(*topic)
}
