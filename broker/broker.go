package broker

import "context"

// Result is the outcome of a broker call. Success=false with a non-empty
// Error string is a broker-side rejection; transport failures surface as Go
// errors instead.
type Result struct {
	Success bool
	OrderID string
	Error   string
}

// Broker is the outbound trading interface consumed by the enforcement
// engine. Implementations translate these into SDK-specific order flow.
type Broker interface {
	// ClosePosition closes quantity contracts of a position. Quantity 0
	// closes the whole position.
	ClosePosition(ctx context.Context, accountID, positionID string, quantity int64) (Result, error)

	// FlattenAccount closes every open position on the account.
	FlattenAccount(ctx context.Context, accountID string) (Result, error)
}
