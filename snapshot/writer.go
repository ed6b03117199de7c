package snapshot

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskd/state"
)

// Writer periodically persists every known account so state survives a
// restart. It only reads through the store's snapshot surface.
type Writer struct {
	store    *state.Store
	db       *SQLiteStore
	interval time.Duration
	clock    state.Clock
	log      zerolog.Logger
}

func NewWriter(store *state.Store, db *SQLiteStore, interval time.Duration, clock state.Clock, log zerolog.Logger) *Writer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Writer{
		store:    store,
		db:       db,
		interval: interval,
		clock:    clock,
		log:      log.With().Str("component", "snapshot").Logger(),
	}
}

func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final pass so the latest state lands on disk.
			w.writeAll()
			return
		case <-ticker.C:
			w.writeAll()
		}
	}
}

func (w *Writer) writeAll() {
	now := w.clock.Now()
	for _, id := range w.store.Accounts() {
		if err := w.db.Save(w.store.Snapshot(id), now); err != nil {
			w.log.Error().Err(err).Str("account", id).Msg("snapshot save failed")
		}
	}
}
