package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered events and can be told to fail or panic.
type recorder struct {
	name string
	fail error
	boom bool

	mu     sync.Mutex
	events []Event
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) HandleEvent(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.boom {
		panic("recorder exploded")
	}
	return r.fail
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitForEvents(t *testing.T, r *recorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count() >= n },
		2*time.Second, 5*time.Millisecond, "want %d events, have %d", n, r.count())
}

func TestPublishBeforeStart(t *testing.T) {
	t.Parallel()
	b := New(8, zerolog.Nop(), nil)
	err := b.Publish(Event{Type: TypeFill, AccountID: "acct"})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestPublishAssignsIDAndTime(t *testing.T) {
	t.Parallel()
	b := New(8, zerolog.Nop(), nil)
	defer b.Shutdown(time.Second)

	rec := &recorder{name: "rec"}
	b.Subscribe(TypeFill, rec)
	b.Start()

	require.NoError(t, b.Publish(Event{Type: TypeFill, AccountID: "acct"}))
	waitForEvents(t, rec, 1)

	got := rec.snapshot()[0]
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Time.IsZero())
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	b := New(2, zerolog.Nop(), nil)
	// Run state without a dispatcher so the queue cannot drain underneath
	// the capacity check.
	b.mu.Lock()
	b.state = stateRunning
	b.mu.Unlock()

	require.NoError(t, b.Publish(Event{Type: TypeFill}))
	require.NoError(t, b.Publish(Event{Type: TypeFill}))
	err := b.Publish(Event{Type: TypeFill})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, b.Depth())
}

// TestPriorityOrdering publishes a batch before the dispatcher runs, then
// releases it: delivery must follow (priority, arrival) order regardless of
// publish order.
func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	b := New(32, zerolog.Nop(), nil)

	b.mu.Lock()
	b.state = stateRunning
	b.mu.Unlock()

	rec := &recorder{name: "rec"}
	b.Subscribe(TypeWildcard, rec)

	publish := []struct {
		id       string
		priority int
	}{
		{"low-1", PriorityLow},
		{"normal-1", PriorityNormal},
		{"critical-1", PriorityCritical},
		{"low-2", PriorityLow},
		{"high-1", PriorityHigh},
		{"critical-2", PriorityCritical},
		{"normal-2", PriorityNormal},
	}
	for _, p := range publish {
		require.NoError(t, b.Publish(Event{ID: p.id, Type: TypeTimeTick, Priority: p.priority}))
	}

	go b.dispatchLoop()
	waitForEvents(t, rec, len(publish))

	var got []string
	for _, ev := range rec.snapshot() {
		got = append(got, ev.ID)
	}
	want := []string{"critical-1", "critical-2", "high-1", "normal-1", "normal-2", "low-1", "low-2"}
	assert.Equal(t, want, got)

	b.Shutdown(time.Second)
}

func TestWildcardReceivesOnce(t *testing.T) {
	t.Parallel()
	b := New(8, zerolog.Nop(), nil)
	defer b.Shutdown(time.Second)

	rec := &recorder{name: "rec"}
	b.Subscribe(TypeFill, rec)
	b.Subscribe(TypeWildcard, rec)
	b.Start()

	require.NoError(t, b.Publish(Event{Type: TypeFill, AccountID: "acct"}))
	require.NoError(t, b.Publish(Event{Type: TypeOrder, AccountID: "acct"}))
	waitForEvents(t, rec, 2)

	// Give a stray duplicate delivery a moment to land, then check.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rec.count(), "dual subscription must not duplicate delivery")
}

func TestSubscribeIdempotent(t *testing.T) {
	t.Parallel()
	b := New(8, zerolog.Nop(), nil)
	defer b.Shutdown(time.Second)

	rec := &recorder{name: "rec"}
	b.Subscribe(TypeFill, rec)
	b.Subscribe(TypeFill, rec)
	assert.Equal(t, 1, b.HandlerCount())
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New(8, zerolog.Nop(), nil)
	defer b.Shutdown(time.Second)

	rec := &recorder{name: "rec"}
	b.Subscribe(TypeFill, rec)
	b.Start()

	require.NoError(t, b.Publish(Event{Type: TypeFill}))
	waitForEvents(t, rec, 1)

	b.Unsubscribe(TypeFill, rec)
	assert.Equal(t, 0, b.HandlerCount())

	require.NoError(t, b.Publish(Event{Type: TypeFill}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestHandlerErrorIsolation(t *testing.T) {
	t.Parallel()
	b := New(8, zerolog.Nop(), nil)
	defer b.Shutdown(time.Second)

	bad := &recorder{name: "bad", fail: errors.New("handler broke")}
	good := &recorder{name: "good"}
	b.Subscribe(TypeFill, bad)
	b.Subscribe(TypeFill, good)
	b.Start()

	require.NoError(t, b.Publish(Event{Type: TypeFill}))
	require.NoError(t, b.Publish(Event{Type: TypeFill}))

	waitForEvents(t, good, 2)
	waitForEvents(t, bad, 2)
}

func TestHandlerPanicRecovered(t *testing.T) {
	t.Parallel()
	b := New(8, zerolog.Nop(), nil)
	defer b.Shutdown(time.Second)

	angry := &recorder{name: "angry", boom: true}
	calm := &recorder{name: "calm"}
	b.Subscribe(TypeFill, angry)
	b.Subscribe(TypeFill, calm)
	b.Start()

	require.NoError(t, b.Publish(Event{Type: TypeFill}))
	require.NoError(t, b.Publish(Event{Type: TypeFill}))
	waitForEvents(t, calm, 2)
}

func TestShutdownDrains(t *testing.T) {
	t.Parallel()
	b := New(64, zerolog.Nop(), nil)

	rec := &recorder{name: "rec"}
	b.Subscribe(TypeWildcard, rec)
	b.Start()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(Event{ID: fmt.Sprintf("ev-%d", i), Type: TypeFill}))
	}

	b.Shutdown(2 * time.Second)
	assert.GreaterOrEqual(t, rec.count(), n, "queued events delivered before stop")

	err := b.Publish(Event{Type: TypeFill})
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.Equal(t, 0, b.Depth())
}

func TestBroadcastFlag(t *testing.T) {
	t.Parallel()
	assert.True(t, Event{AccountID: BroadcastAccount}.Broadcast())
	assert.False(t, Event{AccountID: "acct"}.Broadcast())
}
