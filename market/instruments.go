package market

import "github.com/shopspring/decimal"

// Instrument describes the contract metadata the risk pipeline needs:
// the minimum price increment and the account-currency value of one full
// point of movement per contract.
type Instrument struct {
	Symbol      string
	Description string
	TickSize    decimal.Decimal
	PointValue  decimal.Decimal
}

// TickValueResolver resolves the per-point contract value for a symbol.
// It is the single authority for contract multipliers; nothing else in the
// pipeline hard-codes one.
type TickValueResolver interface {
	PointValue(symbol string) decimal.Decimal
}

// Table is a static instrument table satisfying TickValueResolver.
// Unknown symbols fall back to a configurable default so a missing metadata
// row degrades to 1:1 math instead of failing mid-pipeline.
type Table struct {
	instruments map[string]Instrument
	fallback    decimal.Decimal
}

func NewTable(fallback decimal.Decimal, instruments ...Instrument) *Table {
	t := &Table{
		instruments: make(map[string]Instrument, len(instruments)),
		fallback:    fallback,
	}
	for _, in := range instruments {
		t.instruments[in.Symbol] = in
	}
	return t
}

// DefaultTable covers the CME futures this pipeline is normally run against.
func DefaultTable() *Table {
	d := decimal.RequireFromString
	return NewTable(decimal.NewFromInt(1),
		Instrument{Symbol: "ES", Description: "E-mini S&P 500", TickSize: d("0.25"), PointValue: d("50")},
		Instrument{Symbol: "MES", Description: "Micro E-mini S&P 500", TickSize: d("0.25"), PointValue: d("5")},
		Instrument{Symbol: "NQ", Description: "E-mini Nasdaq-100", TickSize: d("0.25"), PointValue: d("20")},
		Instrument{Symbol: "MNQ", Description: "Micro E-mini Nasdaq-100", TickSize: d("0.25"), PointValue: d("2")},
		Instrument{Symbol: "CL", Description: "Crude Oil", TickSize: d("0.01"), PointValue: d("1000")},
		Instrument{Symbol: "GC", Description: "Gold", TickSize: d("0.1"), PointValue: d("100")},
	)
}

func (t *Table) Lookup(symbol string) (Instrument, bool) {
	in, ok := t.instruments[symbol]
	return in, ok
}

func (t *Table) PointValue(symbol string) decimal.Decimal {
	if in, ok := t.instruments[symbol]; ok {
		return in.PointValue
	}
	return t.fallback
}
