package timers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskd/bus"
	"github.com/rustyeddy/riskd/state"
)

// TickProducer feeds a low-priority, broadcast TIME_TICK into the bus at a
// fixed interval so time-based rules ride the same pipeline as market
// events.
type TickProducer struct {
	bus      *bus.Bus
	interval time.Duration
	clock    state.Clock
	log      zerolog.Logger
}

func NewTickProducer(b *bus.Bus, interval time.Duration, clock state.Clock, log zerolog.Logger) *TickProducer {
	if interval <= 0 {
		interval = time.Second
	}
	return &TickProducer{
		bus:      b,
		interval: interval,
		clock:    clock,
		log:      log.With().Str("component", "time-tick").Logger(),
	}
}

func (p *TickProducer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.bus.Publish(bus.Event{
				Type:      bus.TypeTimeTick,
				Time:      p.clock.Now(),
				Priority:  bus.PriorityLow,
				AccountID: bus.BroadcastAccount,
			})
			switch {
			case errors.Is(err, bus.ErrBusClosed):
				return
			case errors.Is(err, bus.ErrQueueFull):
				// A missed tick is harmless; the next one re-checks the
				// same conditions.
				p.log.Debug().Msg("tick dropped, queue full")
			case err != nil:
				p.log.Error().Err(err).Msg("tick publish failed")
			}
		}
	}
}

// SessionProducer emits one broadcast SESSION_TICK per trading day at a
// fixed wall-clock instant in the reference timezone. The next occurrence
// is always recomputed from the reference wall clock, which keeps it
// correct across daylight-saving transitions, and a second emission on the
// same calendar day is suppressed.
type SessionProducer struct {
	bus    *bus.Bus
	loc    *time.Location
	hour   int
	minute int
	clock  state.Clock
	log    zerolog.Logger

	lastEmit string // calendar day in the reference timezone
}

func NewSessionProducer(b *bus.Bus, loc *time.Location, hour, minute int, clock state.Clock, log zerolog.Logger) *SessionProducer {
	return &SessionProducer{
		bus:    b,
		loc:    loc,
		hour:   hour,
		minute: minute,
		clock:  clock,
		log:    log.With().Str("component", "session-tick").Logger(),
	}
}

func (p *SessionProducer) Run(ctx context.Context) {
	for {
		now := p.clock.Now()
		next := p.nextOccurrence(now)

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		day := next.In(p.loc).Format("2006-01-02")
		if day == p.lastEmit {
			continue
		}

		err := p.bus.Publish(bus.Event{
			Type:      bus.TypeSessionTick,
			Time:      p.clock.Now(),
			Priority:  bus.PriorityHigh,
			AccountID: bus.BroadcastAccount,
		})
		if errors.Is(err, bus.ErrBusClosed) {
			return
		}
		if err != nil {
			p.log.Error().Err(err).Msg("session tick publish failed")
			continue
		}

		p.lastEmit = day
		p.log.Info().Str("day", day).Msg("session tick emitted")
	}
}

// nextOccurrence is the coming hour:minute instant in the reference
// timezone, strictly after now.
func (p *SessionProducer) nextOccurrence(now time.Time) time.Time {
	local := now.In(p.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), p.hour, p.minute, 0, 0, p.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, p.hour, p.minute, 0, 0, p.loc)
	}
	return next
}
