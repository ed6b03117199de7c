package enforce

import (
	"time"

	"github.com/rustyeddy/riskd/notify"
)

type ActionType string

const (
	ActionClosePosition  ActionType = "close_position"
	ActionFlattenAccount ActionType = "flatten_account"
	ActionRejectFill     ActionType = "reject_fill"
	ActionStartCooldown  ActionType = "start_cooldown"
	ActionNotify         ActionType = "notify"
)

// Action is a command produced by a rule from a violation and consumed
// exactly once by the enforcement engine.
type Action struct {
	Type      ActionType
	AccountID string
	Reason    string
	Time      time.Time

	// Close/reject targets.
	PositionID string
	Quantity   int64 // 0 closes the whole position

	// Lockout applied after a successful flatten.
	LockoutUntil time.Time

	// Cooldown started by reject_fill / start_cooldown.
	CooldownFor time.Duration

	Severity notify.Severity
	Label    string
}

// ReasonInProgress marks the structured unsuccessful result returned when
// the same action key is already executing. It is not an error.
const ReasonInProgress = "already in progress"

// Result reports the outcome of executing an action.
type Result struct {
	Success bool
	Reason  string
	OrderID string
}
