package rules

import (
	"time"

	"github.com/rustyeddy/riskd/bus"
	"github.com/rustyeddy/riskd/enforce"
	"github.com/rustyeddy/riskd/notify"
	"github.com/rustyeddy/riskd/state"
)

// Violation is the output of a rule evaluation. Data carries rule-specific
// context (breach amounts, target position ids) that the same rule's
// Action builder consumes.
type Violation struct {
	Rule      string
	Severity  notify.Severity
	Reason    string
	AccountID string
	Time      time.Time
	Data      map[string]any
}

// Rule is the contract every risk rule satisfies. Rules are independent and
// stateless with respect to each other; cross-rule effects happen only
// through the state store and the engine's cascade.
type Rule interface {
	Name() string
	Enabled() bool
	Severity() notify.Severity

	// AppliesTo is the cheap filter evaluated before Evaluate.
	AppliesTo(t bus.EventType) bool

	// Evaluate inspects the event and account snapshot, returning nil when
	// the rule is satisfied.
	Evaluate(ev bus.Event, acct state.AccountSnapshot) *Violation

	// Action builds the enforcement command for a violation this rule
	// raised. A nil action means there is nothing left to enforce.
	Action(v *Violation, acct state.AccountSnapshot) *enforce.Action
}

// baseRule carries the identity fields shared by every rule.
type baseRule struct {
	name     string
	severity notify.Severity
	enabled  bool
}

func (b *baseRule) Name() string              { return b.name }
func (b *baseRule) Severity() notify.Severity { return b.severity }
func (b *baseRule) Enabled() bool             { return b.enabled }
func (b *baseRule) SetEnabled(on bool)        { b.enabled = on }

// newestOpen finds the most recently opened position not already pending
// close, optionally restricted to one symbol.
func newestOpen(acct state.AccountSnapshot, symbol string) *state.Position {
	for i := len(acct.Positions) - 1; i >= 0; i-- {
		p := acct.Positions[i]
		if p.PendingClose {
			continue
		}
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		return &p
	}
	return nil
}
