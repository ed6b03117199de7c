package bus

import "time"

// EventType enumerates the normalized facts the pipeline understands.
type EventType string

const (
	TypeFill             EventType = "FILL"
	TypePositionUpdate   EventType = "POSITION_UPDATE"
	TypeConnectionChange EventType = "CONNECTION_CHANGE"
	TypeOrder            EventType = "ORDER"
	TypeOrderStatus      EventType = "ORDER_STATUS"
	TypeTimeTick         EventType = "TIME_TICK"
	TypeSessionTick      EventType = "SESSION_TICK"

	// TypeWildcard subscribes a handler to every event in addition to the
	// type-specific handlers.
	TypeWildcard EventType = "*"
)

// Dispatch priorities. Lower is more urgent; ties resolve in arrival order.
const (
	PriorityCritical = 0
	PriorityHigh     = 1
	PriorityNormal   = 5
	PriorityLow      = 9
)

// BroadcastAccount is the AccountID sentinel for events addressed to every
// known account (timer ticks, session boundaries).
const BroadcastAccount = "*"

// Event is an immutable fact entering the pipeline. Producers create it,
// every subscribed handler consumes it exactly once, nobody mutates it.
type Event struct {
	ID            string
	Type          EventType
	Time          time.Time
	Priority      int
	AccountID     string
	Payload       map[string]any
	CorrelationID string
}

// Broadcast reports whether the event targets every account.
func (e Event) Broadcast() bool { return e.AccountID == BroadcastAccount }
