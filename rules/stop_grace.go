package rules

import (
	"fmt"
	"time"

	"github.com/rustyeddy/riskd/bus"
	"github.com/rustyeddy/riskd/enforce"
	"github.com/rustyeddy/riskd/notify"
	"github.com/rustyeddy/riskd/state"
)

// StopGrace gives every new position a grace window to attach a stop loss.
// The engine stamps GraceExpiry on fill; this rule scans open positions on
// every time tick and closes any that ran out of grace unprotected. The
// penalty is per position, never account-wide.
type StopGrace struct {
	baseRule
	grace time.Duration
	clock state.Clock
}

func NewStopGrace(grace time.Duration, clock state.Clock) *StopGrace {
	return &StopGrace{
		baseRule: baseRule{name: "stop-grace", severity: notify.SeverityHigh, enabled: true},
		grace:    grace,
		clock:    clock,
	}
}

// Grace is the window stamped onto new positions.
func (r *StopGrace) Grace() time.Duration { return r.grace }

func (r *StopGrace) AppliesTo(t bus.EventType) bool {
	return t == bus.TypeFill || t == bus.TypeTimeTick
}

func (r *StopGrace) Evaluate(_ bus.Event, acct state.AccountSnapshot) *Violation {
	now := r.clock.Now()
	for _, p := range acct.Positions {
		if p.PendingClose || p.StopLossAttached || p.GraceExpiry.IsZero() {
			continue
		}
		if now.Before(p.GraceExpiry) {
			continue
		}
		// One violation per pass; the next tick and the cascade pick up
		// any further expired positions.
		return &Violation{
			Rule:      r.name,
			Severity:  r.severity,
			Reason:    fmt.Sprintf("position %s (%s) has no stop loss %s after fill", p.ID, p.Symbol, r.grace),
			AccountID: acct.ID,
			Time:      now,
			Data:      map[string]any{"position_id": p.ID},
		}
	}
	return nil
}

func (r *StopGrace) Action(v *Violation, _ state.AccountSnapshot) *enforce.Action {
	positionID, _ := v.Data["position_id"].(string)
	if positionID == "" {
		return nil
	}
	return &enforce.Action{
		Type:       enforce.ActionClosePosition,
		AccountID:  v.AccountID,
		PositionID: positionID,
		Reason:     v.Reason,
		Time:       v.Time,
		Severity:   r.severity,
		Label:      "Stop-loss grace expired",
	}
}
