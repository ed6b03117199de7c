package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerBroker wraps a Broker in a circuit breaker so that a flapping
// broker connection trips open and enforcement retries fail fast instead of
// burning their backoff budget against a dead endpoint.
type BreakerBroker struct {
	inner   Broker
	breaker *gobreaker.CircuitBreaker
}

// BreakerConfig tunes the circuit breaker. Zero values get sane defaults.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

func NewBreakerBroker(inner Broker, cfg BreakerConfig, log zerolog.Logger) *BreakerBroker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}

	settings := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("broker circuit breaker state change")
		},
	}

	return &BreakerBroker{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *BreakerBroker) ClosePosition(ctx context.Context, accountID, positionID string, quantity int64) (Result, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.execute(func() (Result, error) {
			return b.inner.ClosePosition(ctx, accountID, positionID, quantity)
		})
	})
	if err != nil {
		return Result{}, err
	}
	return res.(Result), nil
}

func (b *BreakerBroker) FlattenAccount(ctx context.Context, accountID string) (Result, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.execute(func() (Result, error) {
			return b.inner.FlattenAccount(ctx, accountID)
		})
	})
	if err != nil {
		return Result{}, err
	}
	return res.(Result), nil
}

// State exposes the breaker state for health checks.
func (b *BreakerBroker) State() gobreaker.State {
	return b.breaker.State()
}

func (b *BreakerBroker) execute(call func() (Result, error)) (Result, error) {
	res, err := call()
	if err != nil {
		// Transport errors count against the breaker; broker-side
		// rejections (Success=false) do not, the endpoint is healthy.
		return Result{}, err
	}
	return res, nil
}
