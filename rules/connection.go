package rules

import (
	"fmt"

	"github.com/rustyeddy/riskd/bus"
	"github.com/rustyeddy/riskd/enforce"
	"github.com/rustyeddy/riskd/notify"
	"github.com/rustyeddy/riskd/state"
)

// ConnectionAlert is an alert-only rule: a lost broker connection raises a
// notification but mutates no state. Reconnection handling lives in the
// adapter, which synthesizes the CONNECTION_CHANGE events.
type ConnectionAlert struct {
	baseRule
	clock state.Clock
}

func NewConnectionAlert(clock state.Clock) *ConnectionAlert {
	return &ConnectionAlert{
		baseRule: baseRule{name: "connection-alert", severity: notify.SeverityWarning, enabled: true},
		clock:    clock,
	}
}

func (r *ConnectionAlert) AppliesTo(t bus.EventType) bool {
	return t == bus.TypeConnectionChange
}

func (r *ConnectionAlert) Evaluate(ev bus.Event, acct state.AccountSnapshot) *Violation {
	status, _ := ev.Payload["status"].(string)
	if status != "disconnected" {
		return nil
	}
	return &Violation{
		Rule:      r.name,
		Severity:  r.severity,
		Reason:    fmt.Sprintf("broker connection lost for account %s", acct.ID),
		AccountID: acct.ID,
		Time:      r.clock.Now(),
	}
}

func (r *ConnectionAlert) Action(v *Violation, _ state.AccountSnapshot) *enforce.Action {
	return &enforce.Action{
		Type:      enforce.ActionNotify,
		AccountID: v.AccountID,
		Reason:    v.Reason,
		Time:      v.Time,
		Severity:  r.severity,
		Label:     "Connection lost",
	}
}
