package enforce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/riskd/broker"
	"github.com/rustyeddy/riskd/market"
	"github.com/rustyeddy/riskd/notify"
	"github.com/rustyeddy/riskd/state"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// fakeBroker scripts transport failures and venue rejections, and can hold
// a call open on a gate to test concurrent duplicates.
type fakeBroker struct {
	mu           sync.Mutex
	closeCalls   int
	flattenCalls int
	failures     int // transport errors before succeeding
	reject       bool

	gate      chan struct{}
	started   chan struct{}
	startOnce sync.Once
}

func (f *fakeBroker) respond() (broker.Result, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	reject := f.reject
	gate := f.gate
	f.mu.Unlock()

	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if gate != nil {
		<-gate
	}
	if fail {
		return broker.Result{}, errors.New("transport down")
	}
	if reject {
		return broker.Result{Success: false, Error: "rejected by venue"}, nil
	}
	return broker.Result{Success: true, OrderID: "ord-1"}, nil
}

func (f *fakeBroker) ClosePosition(_ context.Context, _, _ string, _ int64) (broker.Result, error) {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return f.respond()
}

func (f *fakeBroker) FlattenAccount(_ context.Context, _ string) (broker.Result, error) {
	f.mu.Lock()
	f.flattenCalls++
	f.mu.Unlock()
	return f.respond()
}

func (f *fakeBroker) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *fakeBroker) flattens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flattenCalls
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(b broker.Broker) (*Engine, *state.Store, *fakeNotifier, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	store := state.NewStore(clock, market.DefaultTable(), zerolog.Nop())
	notifier := &fakeNotifier{}
	eng := NewEngine(store, b, notifier, clock, Config{MaxAttempts: 3, RetryBase: time.Millisecond}, zerolog.Nop(), nil)
	return eng, store, notifier, clock
}

func addPosition(store *state.Store, id string, qty int64) {
	store.AddPosition(state.Position{
		ID: id, AccountID: "acct", Symbol: "ES", Side: state.Long,
		Quantity: qty, EntryPrice: d("5000"),
	})
}

func TestClosePositionSuccess(t *testing.T) {
	t.Parallel()
	fb := &fakeBroker{}
	eng, store, notifier, clock := newFixture(fb)
	addPosition(store, "p1", 2)
	require.NoError(t, store.UpdatePositionPrice("acct", "p1", d("5005"))) // +500

	res, err := eng.Execute(context.Background(), Action{
		Type: ActionClosePosition, AccountID: "acct", PositionID: "p1",
		Reason: "cap breach", Time: clock.Now(),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ord-1", res.OrderID)
	assert.Equal(t, 1, fb.closes())

	snap := store.Snapshot("acct")
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.RealizedPnL.Equal(d("500")), "got %s", snap.RealizedPnL)
	assert.Equal(t, 1, notifier.count())
}

func TestPartialCloseRealizedProRata(t *testing.T) {
	t.Parallel()
	fb := &fakeBroker{}
	eng, store, _, _ := newFixture(fb)
	addPosition(store, "p1", 4)
	require.NoError(t, store.UpdatePositionPrice("acct", "p1", d("5005"))) // +1000 on 4

	res, err := eng.Execute(context.Background(), Action{
		Type: ActionClosePosition, AccountID: "acct", PositionID: "p1", Quantity: 1,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	snap := store.Snapshot("acct")
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, int64(3), snap.Positions[0].Quantity)
	assert.True(t, snap.RealizedPnL.Equal(d("250")), "pro-rata share of 1000 over 4, got %s", snap.RealizedPnL)
}

func TestConcurrentCloseSingleBrokerCall(t *testing.T) {
	t.Parallel()
	fb := &fakeBroker{gate: make(chan struct{}), started: make(chan struct{})}
	eng, store, _, _ := newFixture(fb)
	addPosition(store, "p1", 1)

	done := make(chan Result, 1)
	go func() {
		res, _ := eng.Execute(context.Background(), Action{
			Type: ActionClosePosition, AccountID: "acct", PositionID: "p1",
		})
		done <- res
	}()
	<-fb.started

	// While the first close holds the key, duplicates bounce immediately.
	for i := 0; i < 3; i++ {
		res, err := eng.Execute(context.Background(), Action{
			Type: ActionClosePosition, AccountID: "acct", PositionID: "p1",
		})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, ReasonInProgress, res.Reason)
	}

	close(fb.gate)
	res := <-done
	assert.True(t, res.Success)
	assert.Equal(t, 1, fb.closes())
}

func TestCloseRetriesTransportErrors(t *testing.T) {
	t.Parallel()
	fb := &fakeBroker{failures: 2}
	eng, store, _, _ := newFixture(fb)
	addPosition(store, "p1", 1)

	res, err := eng.Execute(context.Background(), Action{
		Type: ActionClosePosition, AccountID: "acct", PositionID: "p1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, fb.closes(), "two failures then success")
	assert.Empty(t, store.Snapshot("acct").Positions)
}

func TestCloseRetryExhaustion(t *testing.T) {
	t.Parallel()
	fb := &fakeBroker{failures: 100}
	eng, store, notifier, _ := newFixture(fb)
	addPosition(store, "p1", 1)

	_, err := eng.Execute(context.Background(), Action{
		Type: ActionClosePosition, AccountID: "acct", PositionID: "p1",
	})
	require.Error(t, err)
	assert.Equal(t, 3, fb.closes())
	assert.Equal(t, 0, notifier.count())

	// Failure must leave the position retryable: flag clear, key released.
	snap := store.Snapshot("acct")
	require.Len(t, snap.Positions, 1)
	assert.False(t, snap.Positions[0].PendingClose)

	fb.mu.Lock()
	fb.failures = 0
	fb.mu.Unlock()
	res, err := eng.Execute(context.Background(), Action{
		Type: ActionClosePosition, AccountID: "acct", PositionID: "p1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestCloseVenueRejectionDoesNotRetry(t *testing.T) {
	t.Parallel()
	fb := &fakeBroker{reject: true}
	eng, store, _, _ := newFixture(fb)
	addPosition(store, "p1", 1)

	res, err := eng.Execute(context.Background(), Action{
		Type: ActionClosePosition, AccountID: "acct", PositionID: "p1",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "rejected by venue", res.Reason)
	assert.Equal(t, 1, fb.closes(), "rejections are final, not retried")
	assert.False(t, store.Snapshot("acct").Positions[0].PendingClose)
}

func TestCloseMissingPosition(t *testing.T) {
	t.Parallel()
	fb := &fakeBroker{}
	eng, _, _, _ := newFixture(fb)

	res, err := eng.Execute(context.Background(), Action{
		Type: ActionClosePosition, AccountID: "acct", PositionID: "ghost",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, fb.closes())
}

func TestFlattenSetsLockoutOnce(t *testing.T) {
	t.Parallel()
	fb := &fakeBroker{}
	eng, store, notifier, clock := newFixture(fb)
	addPosition(store, "p1", 1)
	require.NoError(t, store.UpdatePositionPrice("acct", "p1", d("4990"))) // -500

	until := clock.Now().Add(7 * time.Hour)
	act := Action{
		Type: ActionFlattenAccount, AccountID: "acct",
		Reason: "daily loss", LockoutUntil: until,
		Severity: notify.SeverityCritical, Label: "Daily limit breached",
	}

	res, err := eng.Execute(context.Background(), act)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, fb.flattens())
	assert.True(t, store.IsLockedOut("acct"))
	assert.Empty(t, store.Snapshot("acct").Positions)
	assert.True(t, store.Snapshot("acct").RealizedPnL.Equal(d("-500")))
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, notify.SeverityCritical, notifier.sent[0].Severity)

	// The flatten key is terminal: a re-fired violation must not reach the
	// broker or notify again.
	res, err = eng.Execute(context.Background(), act)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonInProgress, res.Reason)
	assert.Equal(t, 1, fb.flattens())
	assert.Equal(t, 1, notifier.count())
}

func TestFlattenFailureReleasesKey(t *testing.T) {
	t.Parallel()
	fb := &fakeBroker{failures: 100}
	eng, store, _, _ := newFixture(fb)
	addPosition(store, "p1", 1)

	_, err := eng.Execute(context.Background(), Action{Type: ActionFlattenAccount, AccountID: "acct"})
	require.Error(t, err)
	assert.False(t, store.IsLockedOut("acct"))

	fb.mu.Lock()
	fb.failures = 0
	fb.mu.Unlock()
	res, err := eng.Execute(context.Background(), Action{Type: ActionFlattenAccount, AccountID: "acct"})
	require.NoError(t, err)
	assert.True(t, res.Success, "failed flatten must stay retryable")
}

func TestRejectFillStartsCooldown(t *testing.T) {
	t.Parallel()
	fb := &fakeBroker{}
	eng, store, _, _ := newFixture(fb)
	addPosition(store, "p9", 1)

	res, err := eng.Execute(context.Background(), Action{
		Type: ActionRejectFill, AccountID: "acct", PositionID: "p9",
		CooldownFor: 5 * time.Minute, Reason: "overtrading",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, fb.closes())
	assert.True(t, store.IsInCooldown("acct"))
	assert.Empty(t, store.Snapshot("acct").Positions)
}

func TestNotifyAction(t *testing.T) {
	t.Parallel()
	eng, _, notifier, _ := newFixture(&fakeBroker{})

	res, err := eng.Execute(context.Background(), Action{
		Type: ActionNotify, AccountID: "acct", Reason: "connection lost",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, notify.SeverityInfo, notifier.sent[0].Severity, "severity defaults to info")
}

func TestUnknownActionType(t *testing.T) {
	t.Parallel()
	eng, _, _, _ := newFixture(&fakeBroker{})
	_, err := eng.Execute(context.Background(), Action{Type: "explode"})
	assert.Error(t, err)
}
