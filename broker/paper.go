package broker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskd/internal/id"
)

// PaperBroker acknowledges every enforcement call without touching a real
// venue. It backs dry-run mode, where the pipeline's decisions are observed
// against live events without live orders.
type PaperBroker struct {
	log zerolog.Logger
}

func NewPaperBroker(log zerolog.Logger) *PaperBroker {
	return &PaperBroker{log: log.With().Str("component", "paper-broker").Logger()}
}

func (p *PaperBroker) ClosePosition(_ context.Context, accountID, positionID string, quantity int64) (Result, error) {
	orderID := id.New()
	p.log.Info().
		Str("account", accountID).
		Str("position", positionID).
		Int64("quantity", quantity).
		Str("order", orderID).
		Msg("paper close")
	return Result{Success: true, OrderID: orderID}, nil
}

func (p *PaperBroker) FlattenAccount(_ context.Context, accountID string) (Result, error) {
	orderID := id.New()
	p.log.Info().
		Str("account", accountID).
		Str("order", orderID).
		Msg("paper flatten")
	return Result{Success: true, OrderID: orderID}, nil
}
