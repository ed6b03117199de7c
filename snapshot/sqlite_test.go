package snapshot

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/riskd/market"
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

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "snap.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	savedAt := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	until := savedAt.Add(5 * time.Hour)
	opened := savedAt.Add(-time.Hour)

	snap := state.AccountSnapshot{
		ID:            "acct",
		RealizedPnL:   d("-412.50"),
		LockoutUntil:  until,
		LockoutReason: "daily loss",
		Positions: []state.Position{
			{
				ID: "p1", AccountID: "acct", Symbol: "ES", Side: state.Long,
				Quantity: 2, EntryPrice: d("5000.25"), MarkPrice: d("4998"),
				OpenedAt: opened, StopLossAttached: true,
			},
			{
				ID: "p2", AccountID: "acct", Symbol: "NQ", Side: state.Short,
				Quantity: 1, EntryPrice: d("18000"), MarkPrice: d("18000"),
				OpenedAt: opened.Add(time.Minute), GraceExpiry: opened.Add(3 * time.Minute),
			},
		},
	}
	require.NoError(t, db.Save(snap, savedAt))

	records, err := db.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "acct", rec.AccountID)
	assert.True(t, rec.RealizedPnL.Equal(d("-412.50")))
	assert.True(t, rec.LockoutUntil.Equal(until))
	assert.Equal(t, "daily loss", rec.LockoutReason)
	assert.True(t, rec.SavedAt.Equal(savedAt))

	require.Len(t, rec.Positions, 2)
	p1, p2 := rec.Positions[0], rec.Positions[1]
	assert.Equal(t, "p1", p1.ID, "positions come back oldest-first")
	assert.Equal(t, state.Long, p1.Side)
	assert.True(t, p1.EntryPrice.Equal(d("5000.25")))
	assert.True(t, p1.StopLossAttached)
	assert.True(t, p1.GraceExpiry.IsZero())

	assert.Equal(t, "p2", p2.ID)
	assert.Equal(t, state.Short, p2.Side)
	assert.False(t, p2.StopLossAttached)
	assert.True(t, p2.GraceExpiry.Equal(opened.Add(3*time.Minute)))
}

func TestSaveReplacesPositions(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	first := state.AccountSnapshot{
		ID:          "acct",
		RealizedPnL: d("0"),
		Positions: []state.Position{
			{ID: "p1", AccountID: "acct", Symbol: "ES", Side: state.Long, Quantity: 1, EntryPrice: d("5000"), MarkPrice: d("5000"), OpenedAt: now},
		},
	}
	require.NoError(t, db.Save(first, now))

	// Second save: p1 closed, p2 opened, realized moved.
	second := state.AccountSnapshot{
		ID:          "acct",
		RealizedPnL: d("150"),
		Positions: []state.Position{
			{ID: "p2", AccountID: "acct", Symbol: "NQ", Side: state.Short, Quantity: 1, EntryPrice: d("18000"), MarkPrice: d("18000"), OpenedAt: now.Add(time.Minute)},
		},
	}
	require.NoError(t, db.Save(second, now.Add(time.Minute)))

	records, err := db.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].RealizedPnL.Equal(d("150")))
	require.Len(t, records[0].Positions, 1)
	assert.Equal(t, "p2", records[0].Positions[0].ID)
}

func TestEmptyLockoutStaysZero(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.Save(state.AccountSnapshot{ID: "acct", RealizedPnL: d("0")}, now))

	records, err := db.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].LockoutUntil.IsZero())
}

func TestRestoreInto(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	until := now.Add(5 * time.Hour)

	require.NoError(t, db.Save(state.AccountSnapshot{
		ID:            "a1",
		RealizedPnL:   d("-800"),
		LockoutUntil:  until,
		LockoutReason: "daily loss",
		Positions: []state.Position{
			{ID: "p1", AccountID: "a1", Symbol: "ES", Side: state.Long, Quantity: 1, EntryPrice: d("5000"), MarkPrice: d("4996"), OpenedAt: now.Add(-time.Hour)},
		},
	}, now))
	require.NoError(t, db.Save(state.AccountSnapshot{ID: "a2", RealizedPnL: d("25")}, now))

	clock := &fakeClock{now: now}
	store := state.NewStore(clock, market.DefaultTable(), zerolog.Nop())
	n, err := db.RestoreInto(store)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap := store.Snapshot("a1")
	assert.True(t, snap.RealizedPnL.Equal(d("-800")))
	assert.True(t, snap.LockedOut)
	require.Len(t, snap.Positions, 1)
	// Unrealized PnL is not persisted; the store recomputes it from the
	// restored mark.
	assert.True(t, snap.Positions[0].UnrealizedPnL.Equal(d("-200")), "got %s", snap.Positions[0].UnrealizedPnL)
	assert.True(t, snap.CombinedExposure.Equal(d("-1000")))

	assert.True(t, store.Snapshot("a2").RealizedPnL.Equal(d("25")))
}

func TestWriterFinalFlushOnShutdown(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := state.NewStore(clock, market.DefaultTable(), zerolog.Nop())
	store.AddPosition(state.Position{ID: "p1", AccountID: "acct", Symbol: "ES", Side: state.Long, Quantity: 1, EntryPrice: d("5000"), OpenedAt: now})

	w := NewWriter(store, db, time.Hour, clock, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	records, err := db.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "acct", records[0].AccountID)
	require.Len(t, records[0].Positions, 1)
}
