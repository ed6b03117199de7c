package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/riskd/bus"
	"github.com/rustyeddy/riskd/enforce"
	"github.com/rustyeddy/riskd/notify"
	"github.com/rustyeddy/riskd/state"
)

// Frequency limits fills per sliding window. A fill that would exceed the
// limit is rejected outright (the just-filled position is closed) and the
// account enters a cooldown, rather than being closed after the fact.
type Frequency struct {
	baseRule
	maxTrades int
	window    time.Duration
	cooldown  time.Duration
	clock     state.Clock

	mu    sync.Mutex
	fills map[string][]time.Time
}

func NewFrequency(maxTrades int, window, cooldown time.Duration, clock state.Clock) *Frequency {
	return &Frequency{
		baseRule:  baseRule{name: "trade-frequency", severity: notify.SeverityWarning, enabled: true},
		maxTrades: maxTrades,
		window:    window,
		cooldown:  cooldown,
		clock:     clock,
		fills:     make(map[string][]time.Time),
	}
}

func (r *Frequency) AppliesTo(t bus.EventType) bool {
	return t == bus.TypeFill
}

func (r *Frequency) Evaluate(ev bus.Event, acct state.AccountSnapshot) *Violation {
	// Only real fills advance the window; cascade passes re-run Evaluate
	// with a neutral event that must not count as a trade.
	if ev.Type != bus.TypeFill {
		return nil
	}

	now := ev.Time
	if now.IsZero() {
		now = r.clock.Now()
	}

	r.mu.Lock()
	recent := r.fills[acct.ID]
	cutoff := now.Add(-r.window)
	pruned := recent[:0]
	for _, t := range recent {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	pruned = append(pruned, now)
	r.fills[acct.ID] = pruned
	count := len(pruned)
	r.mu.Unlock()

	if count <= r.maxTrades {
		return nil
	}

	positionID, _ := ev.Payload["position_id"].(string)
	return &Violation{
		Rule:      r.name,
		Severity:  r.severity,
		Reason:    fmt.Sprintf("%d fills within %s exceeds limit %d", count, r.window, r.maxTrades),
		AccountID: acct.ID,
		Time:      now,
		Data: map[string]any{
			"position_id": positionID,
			"count":       count,
		},
	}
}

func (r *Frequency) Action(v *Violation, _ state.AccountSnapshot) *enforce.Action {
	positionID, _ := v.Data["position_id"].(string)
	if positionID == "" {
		return nil
	}
	return &enforce.Action{
		Type:        enforce.ActionRejectFill,
		AccountID:   v.AccountID,
		PositionID:  positionID,
		Reason:      v.Reason,
		Time:        v.Time,
		CooldownFor: r.cooldown,
		Severity:    r.severity,
		Label:       "Trade frequency limit",
	}
}
