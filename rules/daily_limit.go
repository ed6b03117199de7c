package rules

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/riskd/bus"
	"github.com/rustyeddy/riskd/enforce"
	"github.com/rustyeddy/riskd/notify"
	"github.com/rustyeddy/riskd/state"
)

// DailyLimit compares combined exposure (realized today + unrealized)
// against a loss floor and a profit ceiling. A breach flattens the account
// and locks it out until the session close hour in the reference timezone,
// rolling to the next day when already past it.
type DailyLimit struct {
	baseRule
	lossLimit   decimal.Decimal // negative; zero disables
	profitLimit decimal.Decimal // positive; zero disables
	loc         *time.Location
	lockoutHour int
	clock       state.Clock
}

func NewDailyLimit(lossLimit, profitLimit decimal.Decimal, loc *time.Location, lockoutHour int, clock state.Clock) *DailyLimit {
	return &DailyLimit{
		baseRule:    baseRule{name: "daily-limit", severity: notify.SeverityCritical, enabled: true},
		lossLimit:   lossLimit,
		profitLimit: profitLimit,
		loc:         loc,
		lockoutHour: lockoutHour,
		clock:       clock,
	}
}

func (r *DailyLimit) AppliesTo(t bus.EventType) bool {
	return t == bus.TypeFill || t == bus.TypePositionUpdate || t == bus.TypeTimeTick
}

func (r *DailyLimit) Evaluate(_ bus.Event, acct state.AccountSnapshot) *Violation {
	// A locked-out account is already being handled; re-raising here would
	// only queue a duplicate flatten against the terminal in-flight key.
	if acct.LockedOut {
		return nil
	}

	exposure := acct.CombinedExposure

	if !r.lossLimit.IsZero() && exposure.LessThanOrEqual(r.lossLimit) {
		return r.violation(acct, exposure, r.lossLimit, "loss")
	}
	if !r.profitLimit.IsZero() && exposure.GreaterThanOrEqual(r.profitLimit) {
		return r.violation(acct, exposure, r.profitLimit, "profit")
	}
	return nil
}

func (r *DailyLimit) violation(acct state.AccountSnapshot, exposure, limit decimal.Decimal, kind string) *Violation {
	return &Violation{
		Rule:      r.name,
		Severity:  r.severity,
		Reason:    fmt.Sprintf("combined exposure %s breaches daily %s limit %s", exposure, kind, limit),
		AccountID: acct.ID,
		Time:      r.clock.Now(),
		Data: map[string]any{
			"exposure": exposure,
			"limit":    limit,
			"kind":     kind,
		},
	}
}

func (r *DailyLimit) Action(v *Violation, _ state.AccountSnapshot) *enforce.Action {
	return &enforce.Action{
		Type:         enforce.ActionFlattenAccount,
		AccountID:    v.AccountID,
		Reason:       v.Reason,
		Time:         v.Time,
		LockoutUntil: r.nextLockoutEnd(),
		Severity:     r.severity,
		Label:        "Daily limit breached",
	}
}

// nextLockoutEnd computes the coming lockoutHour:00 wall-clock instant in
// the reference timezone, independent of the host timezone. Computing from
// the reference wall clock keeps it correct across DST transitions.
func (r *DailyLimit) nextLockoutEnd() time.Time {
	now := r.clock.Now().In(r.loc)
	end := time.Date(now.Year(), now.Month(), now.Day(), r.lockoutHour, 0, 0, 0, r.loc)
	if !end.After(now) {
		end = time.Date(now.Year(), now.Month(), now.Day()+1, r.lockoutHour, 0, 0, 0, r.loc)
	}
	return end
}
