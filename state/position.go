package state

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Position is one open trade. Monetary fields are fixed-point decimals;
// Quantity is whole contracts.
type Position struct {
	ID        string
	AccountID string
	Symbol    string
	Side      Side
	Quantity  int64

	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal

	OpenedAt time.Time

	// PendingClose is set while an enforcement close is in flight. The
	// enforcement engine's in-flight registry is the authority for
	// duplicate suppression; this flag exists so rules skip positions
	// already being closed.
	PendingClose bool

	StopLossAttached bool

	// GraceExpiry is the deadline for attaching a stop loss; zero when the
	// grace rule is not tracking this position.
	GraceExpiry time.Time

	// seq breaks OpenedAt ties so "most recently opened" is well defined
	// when two fills land on the same timestamp.
	seq uint64
}

// unrealized recomputes PnL from side, entry, mark and the per-point
// contract value: long (mark-entry)*qty*value, short (entry-mark)*qty*value.
func (p *Position) unrealized(pointValue decimal.Decimal) decimal.Decimal {
	diff := p.MarkPrice.Sub(p.EntryPrice)
	if p.Side == Short {
		diff = p.EntryPrice.Sub(p.MarkPrice)
	}
	return diff.Mul(decimal.NewFromInt(p.Quantity)).Mul(pointValue)
}
