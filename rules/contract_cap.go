package rules

import (
	"fmt"

	"github.com/rustyeddy/riskd/bus"
	"github.com/rustyeddy/riskd/enforce"
	"github.com/rustyeddy/riskd/notify"
	"github.com/rustyeddy/riskd/state"
)

// ContractCap limits open contracts, account-wide or per symbol. On breach
// it trims the excess from the most recently opened position (LIFO); when
// no single position covers the excess it closes the newest one entirely
// and lets the cascade catch the remainder.
type ContractCap struct {
	baseRule
	limit     int64
	perSymbol bool
	clock     state.Clock
}

func NewContractCap(limit int64, perSymbol bool, clock state.Clock) *ContractCap {
	return &ContractCap{
		baseRule:  baseRule{name: "contract-cap", severity: notify.SeverityHigh, enabled: true},
		limit:     limit,
		perSymbol: perSymbol,
		clock:     clock,
	}
}

func (r *ContractCap) AppliesTo(t bus.EventType) bool {
	return t == bus.TypeFill || t == bus.TypePositionUpdate
}

func (r *ContractCap) Evaluate(_ bus.Event, acct state.AccountSnapshot) *Violation {
	// The engine materializes fills into the store before evaluation, so
	// the snapshot already reflects the prospective quantity.
	symbol := ""
	var excess int64

	if r.perSymbol {
		totals := make(map[string]int64)
		for _, p := range acct.Positions {
			totals[p.Symbol] += p.Quantity
		}
		for sym, total := range totals {
			if over := total - r.limit; over > excess {
				excess = over
				symbol = sym
			}
		}
	} else {
		excess = acct.OpenQuantity("") - r.limit
	}

	if excess <= 0 {
		return nil
	}

	scope := "account"
	if r.perSymbol {
		scope = symbol
	}
	return &Violation{
		Rule:      r.name,
		Severity:  r.severity,
		Reason:    fmt.Sprintf("open quantity exceeds contract cap %d by %d (%s)", r.limit, excess, scope),
		AccountID: acct.ID,
		Time:      r.clock.Now(),
		Data: map[string]any{
			"excess": excess,
			"symbol": symbol,
		},
	}
}

func (r *ContractCap) Action(v *Violation, acct state.AccountSnapshot) *enforce.Action {
	excess, _ := v.Data["excess"].(int64)
	symbol, _ := v.Data["symbol"].(string)
	if excess <= 0 {
		return nil
	}

	target := newestOpen(acct, symbol)
	if target == nil {
		return nil
	}

	qty := excess
	if target.Quantity < excess {
		// The newest position cannot absorb the whole excess; close it
		// entirely.
		qty = 0
	}

	return &enforce.Action{
		Type:       enforce.ActionClosePosition,
		AccountID:  v.AccountID,
		PositionID: target.ID,
		Quantity:   qty,
		Reason:     v.Reason,
		Time:       v.Time,
		Severity:   r.severity,
		Label:      "Contract cap breached",
	}
}
