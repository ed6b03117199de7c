package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskd/bus"
	"github.com/rustyeddy/riskd/enforce"
	"github.com/rustyeddy/riskd/metrics"
	"github.com/rustyeddy/riskd/rules"
	"github.com/rustyeddy/riskd/state"
)

// Engine routes events to rule evaluation and enforcement. It subscribes to
// the bus wildcard and is the only writer of business decisions; the
// adapter only publishes, breaking any callback cycle.
type Engine struct {
	store    *state.Store
	enf      *enforce.Engine
	rules    []rules.Rule
	monitors []Monitor
	clock    state.Clock

	// grace is stamped onto new positions so the stop-grace rule can
	// judge them later; zero disables stamping.
	grace time.Duration

	log     zerolog.Logger
	metrics *metrics.Metrics
}

func New(store *state.Store, enf *enforce.Engine, rs []rules.Rule, clock state.Clock, log zerolog.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		store:   store,
		enf:     enf,
		rules:   rs,
		clock:   clock,
		log:     log.With().Str("component", "engine").Logger(),
		metrics: m,
	}
	e.monitors = []Monitor{
		&stopLossMonitor{store: store, log: e.log},
	}
	return e
}

// SetGrace configures the stop-loss grace window stamped on new positions.
func (e *Engine) SetGrace(d time.Duration) { e.grace = d }

// AddMonitor registers an extra state-mutating monitor.
func (e *Engine) AddMonitor(m Monitor) { e.monitors = append(e.monitors, m) }

// Name implements bus.Handler.
func (e *Engine) Name() string { return "risk-engine" }

// HandleEvent implements bus.Handler.
func (e *Engine) HandleEvent(ctx context.Context, ev bus.Event) error {
	return e.ProcessEvent(ctx, ev)
}

// ProcessEvent runs the full per-event pipeline: monitors, fill
// materialization, lockout gate, then rule evaluation with cascade.
func (e *Engine) ProcessEvent(ctx context.Context, ev bus.Event) error {
	if ev.Broadcast() {
		for _, acct := range e.store.Accounts() {
			if ev.Type == bus.TypeSessionTick {
				e.store.DailyReset(acct)
			}
			e.EvaluateRules(ctx, acct, ev)
		}
		return nil
	}

	if ev.AccountID == "" {
		return fmt.Errorf("event %s (%s): missing account id", ev.ID, ev.Type)
	}
	e.store.Touch(ev.AccountID)

	for _, m := range e.monitors {
		if !m.AppliesTo(ev.Type) {
			continue
		}
		if err := m.Apply(ev); err != nil {
			e.log.Error().Err(err).Str("monitor", m.Name()).Str("event", ev.ID).Msg("monitor failed")
		}
	}

	switch ev.Type {
	case bus.TypeFill:
		positionID, err := e.materializeFill(ev)
		if err != nil {
			e.store.SetError(ev.AccountID, true)
			return fmt.Errorf("fill %s: %w", ev.ID, err)
		}
		// Lockout is an absolute gate: a fill on a locked-out (or
		// cooling-down) account is rejected outright, bypassing rules.
		if gate := e.tradingGate(ev.AccountID); gate != "" {
			e.log.Warn().
				Str("account", ev.AccountID).
				Str("position", positionID).
				Str("gate", gate).
				Msg("fill rejected")
			_, err := e.enf.Execute(ctx, enforce.Action{
				Type:       enforce.ActionClosePosition,
				AccountID:  ev.AccountID,
				PositionID: positionID,
				Reason:     fmt.Sprintf("fill rejected: %s active", gate),
				Time:       e.clock.Now(),
				Label:      "Fill rejected",
			})
			return err
		}
	case bus.TypePositionUpdate:
		if err := e.applyPositionUpdate(ev); err != nil {
			return fmt.Errorf("position update %s: %w", ev.ID, err)
		}
	}

	e.EvaluateRules(ctx, ev.AccountID, ev)
	return nil
}

// EvaluateRules runs every enabled rule whose filter matches, enforcing
// violations and cascading after each enforcement. One rule's failure never
// prevents evaluation of the next.
func (e *Engine) EvaluateRules(ctx context.Context, accountID string, ev bus.Event) {
	for _, r := range e.rules {
		if !r.Enabled() || !r.AppliesTo(ev.Type) {
			continue
		}
		if e.fireRule(ctx, accountID, r, ev) {
			e.cascade(ctx, accountID, r)
		}
	}
}

// fireRule evaluates one rule against fresh state and executes its action.
// Reports whether a violation was raised.
func (e *Engine) fireRule(ctx context.Context, accountID string, r rules.Rule, ev bus.Event) bool {
	snap := e.store.Snapshot(accountID)
	v := r.Evaluate(ev, snap)
	if v == nil {
		return false
	}

	e.metrics.IncViolation(r.Name())
	e.log.Warn().
		Str("rule", r.Name()).
		Str("account", accountID).
		Str("severity", string(v.Severity)).
		Str("reason", v.Reason).
		Msg("rule violation")

	act := r.Action(v, snap)
	if act == nil {
		return true
	}
	if res, err := e.enf.Execute(ctx, *act); err != nil {
		e.log.Error().Err(err).Str("rule", r.Name()).Msg("enforcement failed")
	} else if !res.Success && res.Reason != enforce.ReasonInProgress {
		e.log.Warn().Str("rule", r.Name()).Str("result", res.Reason).Msg("enforcement unsuccessful")
	}
	return true
}

// cascade re-evaluates every other enabled rule against the mutated state
// with a neutral event, so an enforcement that moved exposure is judged
// immediately instead of on the next market event. The rule that just
// fired is excluded to avoid self-retrigger loops.
func (e *Engine) cascade(ctx context.Context, accountID string, fired rules.Rule) {
	neutral := bus.Event{
		Type:      bus.TypeTimeTick,
		Time:      e.clock.Now(),
		Priority:  bus.PriorityHigh,
		AccountID: accountID,
	}
	for _, r := range e.rules {
		if r == fired || !r.Enabled() {
			continue
		}
		e.fireRule(ctx, accountID, r, neutral)
	}
}

// tradingGate reports which absolute gate blocks new fills, if any.
func (e *Engine) tradingGate(accountID string) string {
	if e.store.IsLockedOut(accountID) {
		return "lockout"
	}
	if e.store.IsInCooldown(accountID) {
		return "cooldown"
	}
	return ""
}

// materializeFill turns a FILL payload into a stored position and returns
// its id.
func (e *Engine) materializeFill(ev bus.Event) (string, error) {
	positionID, ok := payloadString(ev.Payload, "position_id")
	if !ok || positionID == "" {
		return "", errors.New("missing position_id")
	}
	symbol, ok := payloadString(ev.Payload, "symbol")
	if !ok || symbol == "" {
		return "", errors.New("missing symbol")
	}
	qty, ok := payloadInt64(ev.Payload, "quantity")
	if !ok || qty <= 0 {
		return "", errors.New("missing or non-positive quantity")
	}
	price, err := payloadDecimal(ev.Payload, "price")
	if err != nil {
		return "", err
	}
	side, err := parseSide(ev.Payload)
	if err != nil {
		return "", err
	}

	openedAt := ev.Time
	if openedAt.IsZero() {
		openedAt = e.clock.Now()
	}

	p := state.Position{
		ID:         positionID,
		AccountID:  ev.AccountID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: price,
		OpenedAt:   openedAt,
	}
	if e.grace > 0 {
		p.GraceExpiry = openedAt.Add(e.grace)
	}
	e.store.AddPosition(p)

	e.log.Info().
		Str("account", ev.AccountID).
		Str("position", positionID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Int64("quantity", qty).
		Str("price", price.String()).
		Msg("fill materialized")
	return positionID, nil
}

func (e *Engine) applyPositionUpdate(ev bus.Event) error {
	positionID, ok := payloadString(ev.Payload, "position_id")
	if !ok || positionID == "" {
		return errors.New("missing position_id")
	}
	price, err := payloadDecimal(ev.Payload, "price")
	if err != nil {
		return err
	}

	err = e.store.UpdatePositionPrice(ev.AccountID, positionID, price)
	if errors.Is(err, state.ErrPositionNotFound) {
		// Update raced a close; stale, not an error.
		e.log.Debug().Str("position", positionID).Msg("price update for closed position")
		return nil
	}
	return err
}

func parseSide(payload map[string]any) (state.Side, error) {
	s, _ := payloadString(payload, "side")
	switch s {
	case "buy", "long":
		return state.Long, nil
	case "sell", "short":
		return state.Short, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}
