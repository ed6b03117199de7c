package engine

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskd/bus"
	"github.com/rustyeddy/riskd/state"
)

// Monitor mutates account state in reaction to an event, before any rule
// runs. Monitors detect facts (a stop order appeared); rules judge them.
type Monitor interface {
	Name() string
	AppliesTo(t bus.EventType) bool
	Apply(ev bus.Event) error
}

// stopLossMonitor watches ORDER / ORDER_STATUS events and marks a position
// protected once a live stop order references it.
type stopLossMonitor struct {
	store *state.Store
	log   zerolog.Logger
}

func (m *stopLossMonitor) Name() string { return "stop-loss-monitor" }

func (m *stopLossMonitor) AppliesTo(t bus.EventType) bool {
	return t == bus.TypeOrder || t == bus.TypeOrderStatus
}

func (m *stopLossMonitor) Apply(ev bus.Event) error {
	orderType, _ := payloadString(ev.Payload, "order_type")
	switch orderType {
	case "stop", "stop_limit", "trailing_stop":
	default:
		return nil
	}

	status, _ := payloadString(ev.Payload, "status")
	switch status {
	case "", "accepted", "working":
	default:
		// Cancelled/rejected stops do not protect anything.
		return nil
	}

	positionID, ok := payloadString(ev.Payload, "position_id")
	if !ok || positionID == "" {
		return nil
	}

	err := m.store.AttachStopLoss(ev.AccountID, positionID)
	if errors.Is(err, state.ErrPositionNotFound) {
		// Stop order for a position we never saw; nothing to protect.
		m.log.Debug().Str("position", positionID).Msg("stop order for unknown position")
		return nil
	}
	if err == nil {
		m.log.Debug().
			Str("account", ev.AccountID).
			Str("position", positionID).
			Msg("stop loss attached")
	}
	return err
}
