// Package notify fans room, message and typing events out to subscribers
// without blocking the operation that produced them.
//
// Each subscriber owns an ordered queue drained by its own goroutine, so a
// subscriber sees events in publish order (and therefore each room's events
// in mutation order) while a slow or failing subscriber only delays itself.
// Failed deliveries are retried with exponential backoff (at-least-once);
// handler errors and panics are logged and counted, never returned to the
// publisher.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/tbourn/support-chat/internal/domain"
	"github.com/tbourn/support-chat/internal/observability"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("dispatcher closed")

// Handler consumes one event. A non-nil error triggers a retry.
type Handler func(ctx context.Context, ev domain.Event) error

// Predicate selects the events a subscriber receives. Nil matches all.
type Predicate func(ev domain.Event) bool

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id   uint64
	name string
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() uint64 { return s.id }

// Name returns the label used in logs.
func (s *Subscription) Name() string { return s.name }

// Dispatcher implements at-least-once, per-subscriber ordered delivery.
type Dispatcher struct {
	// Retries is the number of extra attempts after a failed delivery.
	Retries int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
	// HandlerTimeout bounds a single delivery attempt; 0 means none.
	HandlerTimeout time.Duration
	// MaxPending caps each subscriber's queue; 0 means unbounded. Events
	// over the cap are dropped and counted as delivery failures.
	MaxPending int
	// Log receives subscriber diagnostics.
	Log zerolog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID atomic.Uint64
	closed bool
}

type subscriber struct {
	sub     *Subscription
	pred    Predicate
	handler Handler

	mu     sync.Mutex
	queue  []domain.Event
	signal chan struct{}
	drain  chan struct{}
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher returns a dispatcher with 3 retries starting at 100ms.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		Retries:        3,
		Backoff:        100 * time.Millisecond,
		HandlerTimeout: 10 * time.Second,
		Log:            log.Logger,
		subs:           make(map[uint64]*subscriber),
	}
}

// Subscribe registers handler for events matching pred and starts its
// delivery goroutine. name labels the subscriber in logs.
func (d *Dispatcher) Subscribe(name string, pred Predicate, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscriber{
		sub:     &Subscription{id: d.nextID.Add(1), name: name},
		pred:    pred,
		handler: handler,
		signal:  make(chan struct{}, 1),
		drain:   make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if d.subs == nil {
		d.subs = make(map[uint64]*subscriber)
	}
	d.subs[s.sub.id] = s
	d.mu.Unlock()

	go d.run(s)
	return s.sub, nil
}

// Unsubscribe stops delivery to sub. Events still queued for it are
// discarded. It waits for an in-flight delivery to return.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	s, ok := d.subs[sub.id]
	delete(d.subs, sub.id)
	d.mu.Unlock()
	if !ok {
		return
	}
	s.halt()
	<-s.done
}

// Publish enqueues ev for every matching subscriber and returns
// immediately.
func (d *Dispatcher) Publish(ev domain.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.Log.Debug().Str("event", string(ev.Type)).Str("room_id", ev.RoomID).Msg("publish after close dropped")
		return
	}
	observability.EventsPublished.WithLabelValues(string(ev.Type)).Inc()

	targets := lo.Filter(lo.Values(d.subs), func(s *subscriber, _ int) bool {
		return d.matches(s, ev)
	})
	for _, s := range targets {
		d.enqueue(s, ev)
	}
}

// Subscribers reports the number of active subscriptions.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close stops accepting events and waits for subscribers to drain their
// queues. If ctx ends first, remaining deliveries are abandoned and ctx's
// error is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	subs := lo.Values(d.subs)
	d.subs = map[uint64]*subscriber{}
	d.mu.Unlock()

	for _, s := range subs {
		close(s.drain)
	}
	var err error
	for _, s := range subs {
		select {
		case <-s.done:
		case <-ctx.Done():
			s.halt()
			<-s.done
			err = ctx.Err()
		}
	}
	return err
}

func (d *Dispatcher) matches(s *subscriber, ev domain.Event) (ok bool) {
	if s.pred == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			d.Log.Error().
				Str("subscriber", s.sub.name).
				Str("event", string(ev.Type)).
				Interface("panic", r).
				Msg("subscriber predicate panicked")
			ok = false
		}
	}()
	return s.pred(ev)
}

func (d *Dispatcher) enqueue(s *subscriber, ev domain.Event) {
	s.mu.Lock()
	select {
	case <-s.stop:
		// run has exited or is about to; nothing would pop this event.
		s.mu.Unlock()
		return
	default:
	}
	if d.MaxPending > 0 && len(s.queue) >= d.MaxPending {
		s.mu.Unlock()
		observability.EventDeliveryFailures.WithLabelValues(string(ev.Type)).Inc()
		d.Log.Error().
			Str("subscriber", s.sub.name).
			Str("event", string(ev.Type)).
			Str("room_id", ev.RoomID).
			Int("max_pending", d.MaxPending).
			Msg("subscriber queue full, event dropped")
		return
	}
	s.queue = append(s.queue, ev)
	observability.EventsPending.Inc()
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = domain.Event{}
	s.queue = s.queue[1:]
	return ev, true
}

func (s *subscriber) halt() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.cancel()
}

func (d *Dispatcher) run(s *subscriber) {
	defer func() {
		s.mu.Lock()
		left := len(s.queue)
		s.queue = nil
		s.mu.Unlock()
		observability.EventsPending.Sub(float64(left))
		s.cancel()
		close(s.done)
	}()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		ev, ok := s.pop()
		if !ok {
			select {
			case <-s.signal:
			case <-s.drain:
				s.mu.Lock()
				empty := len(s.queue) == 0
				s.mu.Unlock()
				if empty {
					return
				}
			case <-s.stop:
				return
			}
			continue
		}
		observability.EventsPending.Dec()
		d.deliver(s, ev)
	}
}

func (d *Dispatcher) deliver(s *subscriber, ev domain.Event) {
	backoff := d.Backoff
	var err error
	for attempt := 0; attempt <= d.Retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-s.stop:
				t.Stop()
				return
			}
			backoff *= 2
		}
		if err = d.call(s, ev); err == nil {
			return
		}
		d.Log.Warn().
			Err(err).
			Str("subscriber", s.sub.name).
			Str("event", string(ev.Type)).
			Str("room_id", ev.RoomID).
			Int("attempt", attempt+1).
			Msg("event delivery failed")
	}
	observability.EventDeliveryFailures.WithLabelValues(string(ev.Type)).Inc()
	d.Log.Error().
		Err(err).
		Str("subscriber", s.sub.name).
		Str("event", string(ev.Type)).
		Str("room_id", ev.RoomID).
		Msg("event dropped after retries")
}

// call invokes the handler once, turning a panic into an error.
func (d *Dispatcher) call(s *subscriber, ev domain.Event) (err error) {
	ctx := s.ctx
	if d.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}

// ForRoom matches events of a single room.
func ForRoom(roomID string) Predicate {
	return func(ev domain.Event) bool { return ev.RoomID == roomID }
}

// OfType matches events whose type is one of types.
func OfType(types ...domain.EventType) Predicate {
	return func(ev domain.Event) bool { return lo.Contains(types, ev.Type) }
}

// All matches when every predicate matches.
func All(preds ...Predicate) Predicate {
	return func(ev domain.Event) bool {
		return lo.EveryBy(preds, func(p Predicate) bool { return p == nil || p(ev) })
	}
}
