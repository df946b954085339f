package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/support-chat/internal/domain"
	"github.com/tbourn/support-chat/internal/observability"
)

func newTestDispatcher() *Dispatcher {
	d := NewDispatcher()
	d.Backoff = time.Millisecond
	d.Log = zerolog.Nop()
	return d
}

func ev(room string, typ domain.EventType, n int) domain.Event {
	return domain.Event{ID: fmt.Sprintf("%s-%d", room, n), RoomID: room, Type: typ}
}

type recorder struct {
	mu  sync.Mutex
	got []domain.Event
}

func (r *recorder) handle(_ context.Context, e domain.Event) error {
	r.mu.Lock()
	r.got = append(r.got, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.got...)
}

func TestDispatcher_PerRoomOrderAndFiltering(t *testing.T) {
	d := newTestDispatcher()
	var all, onlyR1 recorder

	_, err := d.Subscribe("all", nil, all.handle)
	require.NoError(t, err)
	_, err = d.Subscribe("r1", ForRoom("r1"), onlyR1.handle)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		d.Publish(ev("r1", domain.EventMessageSent, i))
		d.Publish(ev("r2", domain.EventMessageSent, i))
	}
	require.NoError(t, d.Close(context.Background()))

	require.Len(t, all.events(), 100)
	got := onlyR1.events()
	require.Len(t, got, 50)
	for i, e := range got {
		require.Equal(t, fmt.Sprintf("r1-%d", i), e.ID)
	}
}

func TestDispatcher_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	d := newTestDispatcher()
	release := make(chan struct{})
	var fast recorder

	_, err := d.Subscribe("slow", nil, func(ctx context.Context, _ domain.Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)
	_, err = d.Subscribe("fast", nil, fast.handle)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 100; i++ {
		d.Publish(ev("r1", domain.EventMessageSent, i))
	}
	require.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool { return len(fast.events()) == 100 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	d := newTestDispatcher()
	d.Retries = 3
	var calls atomic.Int32

	_, err := d.Subscribe("flaky", nil, func(context.Context, domain.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	before := testutil.ToFloat64(observability.EventDeliveryFailures.WithLabelValues(string(domain.EventRoomCreated)))
	d.Publish(ev("r1", domain.EventRoomCreated, 0))
	require.NoError(t, d.Close(context.Background()))

	require.EqualValues(t, 3, calls.Load())
	after := testutil.ToFloat64(observability.EventDeliveryFailures.WithLabelValues(string(domain.EventRoomCreated)))
	require.Equal(t, before, after)
}

func TestDispatcher_FailuresAndPanicsAreIsolated(t *testing.T) {
	d := newTestDispatcher()
	d.Retries = 1
	var ok recorder
	var panics atomic.Int32

	_, err := d.Subscribe("broken", nil, func(context.Context, domain.Event) error {
		return errors.New("always")
	})
	require.NoError(t, err)
	_, err = d.Subscribe("panicky", nil, func(context.Context, domain.Event) error {
		panics.Add(1)
		panic("boom")
	})
	require.NoError(t, err)
	_, err = d.Subscribe("bad-predicate", func(domain.Event) bool { panic("pred") }, ok.handle)
	require.NoError(t, err)
	_, err = d.Subscribe("ok", nil, ok.handle)
	require.NoError(t, err)

	before := testutil.ToFloat64(observability.EventDeliveryFailures.WithLabelValues(string(domain.EventRoomClosed)))
	require.NotPanics(t, func() { d.Publish(ev("r1", domain.EventRoomClosed, 0)) })
	require.NoError(t, d.Close(context.Background()))

	require.Len(t, ok.events(), 1)
	require.EqualValues(t, 2, panics.Load()) // first attempt + one retry
	after := testutil.ToFloat64(observability.EventDeliveryFailures.WithLabelValues(string(domain.EventRoomClosed)))
	require.Equal(t, before+2, after)
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := newTestDispatcher()
	var r recorder
	sub, err := d.Subscribe("r", nil, r.handle)
	require.NoError(t, err)
	require.Equal(t, 1, d.Subscribers())

	d.Publish(ev("r1", domain.EventMessageSent, 0))
	require.Eventually(t, func() bool { return len(r.events()) == 1 }, time.Second, time.Millisecond)

	d.Unsubscribe(sub)
	d.Unsubscribe(sub) // second call is a no-op
	require.Equal(t, 0, d.Subscribers())

	d.Publish(ev("r1", domain.EventMessageSent, 1))
	require.NoError(t, d.Close(context.Background()))
	require.Len(t, r.events(), 1)
}

func TestDispatcher_HaltedSubscriberKeepsPendingGauge(t *testing.T) {
	d := newTestDispatcher()
	sub, err := d.Subscribe("gone", nil, func(context.Context, domain.Event) error { return nil })
	require.NoError(t, err)
	d.mu.RLock()
	s := d.subs[sub.id]
	d.mu.RUnlock()

	d.Unsubscribe(sub)
	before := testutil.ToFloat64(observability.EventsPending)

	// A Publish holding s from before the Unsubscribe lands here.
	d.enqueue(s, ev("r1", domain.EventMessageSent, 0))
	require.Equal(t, before, testutil.ToFloat64(observability.EventsPending))
	s.mu.Lock()
	require.Empty(t, s.queue)
	s.mu.Unlock()
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_CloseSemantics(t *testing.T) {
	d := newTestDispatcher()
	block := make(chan struct{})
	_, err := d.Subscribe("stuck", nil, func(ctx context.Context, _ domain.Event) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)
	d.Publish(ev("r1", domain.EventMessageSent, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	close(block)

	require.NoError(t, d.Close(context.Background()))
	_, err = d.Subscribe("late", nil, func(context.Context, domain.Event) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
	require.NotPanics(t, func() { d.Publish(ev("r1", domain.EventMessageSent, 1)) })
}

func TestDispatcher_MaxPendingDropsOverflow(t *testing.T) {
	d := newTestDispatcher()
	d.MaxPending = 2
	release := make(chan struct{})
	var n atomic.Int32
	_, err := d.Subscribe("bounded", nil, func(ctx context.Context, _ domain.Event) error {
		<-release
		n.Add(1)
		return nil
	})
	require.NoError(t, err)

	d.Publish(ev("r1", domain.EventMessageSent, 0))
	// Wait until the first event is in flight so the queue is empty.
	time.Sleep(20 * time.Millisecond)
	for i := 1; i <= 5; i++ {
		d.Publish(ev("r1", domain.EventMessageSent, i))
	}
	close(release)
	require.NoError(t, d.Close(context.Background()))
	require.EqualValues(t, 3, n.Load())
}

func TestPredicates(t *testing.T) {
	e := ev("r1", domain.EventRoomAssigned, 0)
	require.True(t, ForRoom("r1")(e))
	require.False(t, ForRoom("r2")(e))
	require.True(t, OfType(domain.EventRoomClosed, domain.EventRoomAssigned)(e))
	require.False(t, OfType(domain.EventMessageSent)(e))
	require.True(t, All(ForRoom("r1"), nil, OfType(domain.EventRoomAssigned))(e))
	require.False(t, All(ForRoom("r1"), OfType(domain.EventMessageSent))(e))
}
