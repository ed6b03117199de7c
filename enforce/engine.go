package enforce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/riskd/broker"
	"github.com/rustyeddy/riskd/metrics"
	"github.com/rustyeddy/riskd/notify"
	"github.com/rustyeddy/riskd/state"
)

// Config tunes the retry loop. Zero values get defaults.
type Config struct {
	MaxAttempts int
	RetryBase   time.Duration
}

// Engine executes enforcement actions against the broker exactly once per
// logical request. The in-flight registry serializes actions per key;
// duplicate requests return a ReasonInProgress result immediately.
type Engine struct {
	mu       sync.Mutex
	inflight map[string]struct{}

	store    *state.Store
	broker   broker.Broker
	notifier notify.Notifier
	clock    state.Clock

	maxAttempts int
	retryBase   time.Duration

	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewEngine(store *state.Store, b broker.Broker, n notify.Notifier, clock state.Clock, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	return &Engine{
		inflight:    make(map[string]struct{}),
		store:       store,
		broker:      b,
		notifier:    n,
		clock:       clock,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		log:         log.With().Str("component", "enforce").Logger(),
		metrics:     m,
	}
}

// Execute dispatches an action by type.
func (e *Engine) Execute(ctx context.Context, a Action) (Result, error) {
	if a.Time.IsZero() {
		a.Time = e.clock.Now()
	}

	switch a.Type {
	case ActionClosePosition:
		return e.closePosition(ctx, a)
	case ActionRejectFill:
		res, err := e.closePosition(ctx, a)
		if err == nil && res.Success && a.CooldownFor > 0 {
			e.store.StartCooldown(a.AccountID, a.CooldownFor, a.Reason)
		}
		return res, err
	case ActionFlattenAccount:
		return e.flatten(ctx, a)
	case ActionStartCooldown:
		e.store.StartCooldown(a.AccountID, a.CooldownFor, a.Reason)
		e.metrics.IncEnforcement(string(a.Type), "success")
		return Result{Success: true}, nil
	case ActionNotify:
		err := e.sendNotification(ctx, a, "")
		if err != nil {
			return Result{}, err
		}
		e.metrics.IncEnforcement(string(a.Type), "success")
		return Result{Success: true}, nil
	default:
		return Result{}, fmt.Errorf("enforce: unknown action type %q", a.Type)
	}
}

func closeKey(accountID, positionID string) string { return accountID + ":" + positionID + ":close" }
func flattenKey(accountID string) string           { return accountID + ":flatten" }

func (e *Engine) closePosition(ctx context.Context, a Action) (Result, error) {
	key := closeKey(a.AccountID, a.PositionID)
	if !e.acquire(key) {
		e.metrics.IncDuplicate(string(a.Type))
		return Result{Reason: ReasonInProgress}, nil
	}

	// Snapshot the target before calling out; the realized PnL for a
	// partial close is the pro-rata share of unrealized at this mark.
	target, ok := e.findPosition(a.AccountID, a.PositionID)
	if !ok {
		e.release(key)
		return Result{Reason: "position no longer open"}, nil
	}

	if err := e.store.SetPendingClose(a.AccountID, a.PositionID, true); err != nil {
		e.release(key)
		return Result{}, fmt.Errorf("mark pending close: %w", err)
	}

	res, err := e.withRetry(ctx, "close_position", func() (broker.Result, error) {
		return e.broker.ClosePosition(ctx, a.AccountID, a.PositionID, a.Quantity)
	})
	if err != nil || !res.Success {
		// Clear both marks so a future attempt can retry.
		if clearErr := e.store.SetPendingClose(a.AccountID, a.PositionID, false); clearErr != nil && !errors.Is(clearErr, state.ErrPositionNotFound) {
			e.log.Error().Err(clearErr).Str("position", a.PositionID).Msg("clear pending close")
		}
		e.release(key)
		e.metrics.IncEnforcement(string(a.Type), "failure")
		if err != nil {
			return Result{}, fmt.Errorf("close %s/%s: %w", a.AccountID, a.PositionID, err)
		}
		return Result{Reason: res.Error}, nil
	}

	realized := target.UnrealizedPnL
	if a.Quantity > 0 && a.Quantity < target.Quantity {
		realized = target.UnrealizedPnL.
			Mul(decimal.NewFromInt(a.Quantity)).
			Div(decimal.NewFromInt(target.Quantity))
	}
	if err := e.store.ClosePosition(a.AccountID, a.PositionID, a.Quantity, realized); err != nil {
		e.log.Error().Err(err).Str("position", a.PositionID).Msg("close bookkeeping")
	}

	e.release(key)
	e.metrics.IncEnforcement(string(a.Type), "success")
	e.log.Info().
		Str("account", a.AccountID).
		Str("position", a.PositionID).
		Int64("quantity", a.Quantity).
		Str("reason", a.Reason).
		Msg("position closed")

	if nerr := e.sendNotification(ctx, a, res.OrderID); nerr != nil {
		e.log.Error().Err(nerr).Msg("close notification failed")
	}
	return Result{Success: true, OrderID: res.OrderID}, nil
}

func (e *Engine) flatten(ctx context.Context, a Action) (Result, error) {
	key := flattenKey(a.AccountID)
	if !e.acquire(key) {
		e.metrics.IncDuplicate(string(a.Type))
		return Result{Reason: ReasonInProgress}, nil
	}

	// Lockout and the critical notification fire only on the first
	// transition into lockout, decided before the broker call.
	firstLockout := !e.store.IsLockedOut(a.AccountID)

	res, err := e.withRetry(ctx, "flatten_account", func() (broker.Result, error) {
		return e.broker.FlattenAccount(ctx, a.AccountID)
	})
	if err != nil || !res.Success {
		e.release(key)
		e.metrics.IncEnforcement(string(a.Type), "failure")
		if err != nil {
			return Result{}, fmt.Errorf("flatten %s: %w", a.AccountID, err)
		}
		return Result{Reason: res.Error}, nil
	}

	realized := e.store.CloseAllPositions(a.AccountID)

	if firstLockout {
		if !a.LockoutUntil.IsZero() {
			e.store.SetLockout(a.AccountID, a.LockoutUntil, a.Reason)
		}
		if nerr := e.sendNotification(ctx, a, res.OrderID); nerr != nil {
			e.log.Error().Err(nerr).Msg("flatten notification failed")
		}
	}

	// The key stays in flight on purpose: a flattened account is terminal
	// for the session and must not be flattened twice even if a stale
	// violation re-fires.
	e.metrics.IncEnforcement(string(a.Type), "success")
	e.log.Warn().
		Str("account", a.AccountID).
		Str("reason", a.Reason).
		Str("realized", realized.String()).
		Bool("first_lockout", firstLockout).
		Msg("account flattened")
	return Result{Success: true, OrderID: res.OrderID}, nil
}

// acquire marks an action key in flight. The cheap pre-check runs outside
// the lock; the decision is re-checked under it to close the race window.
func (e *Engine) acquire(key string) bool {
	if e.isInFlight(key) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
}

func (e *Engine) isInFlight(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.inflight[key]
	return busy
}

// withRetry runs a broker call with exponential backoff: a fixed number of
// attempts, delay doubling each time. Transport errors retry; broker-side
// rejections return immediately.
func (e *Engine) withRetry(ctx context.Context, op string, call func() (broker.Result, error)) (broker.Result, error) {
	var lastErr error
	delay := e.retryBase
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		res, err := call()
		if err == nil {
			return res, nil
		}
		lastErr = err
		e.log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", e.maxAttempts).
			Msg("broker call failed")
		if attempt < e.maxAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return broker.Result{}, fmt.Errorf("%s: %d attempts: %w", op, e.maxAttempts, lastErr)
}

func (e *Engine) findPosition(accountID, positionID string) (state.Position, bool) {
	for _, p := range e.store.OpenPositions(accountID) {
		if p.ID == positionID {
			return p, true
		}
	}
	return state.Position{}, false
}

func (e *Engine) sendNotification(ctx context.Context, a Action, orderID string) error {
	if e.notifier == nil {
		return nil
	}
	sev := a.Severity
	if sev == "" {
		sev = notify.SeverityInfo
	}
	title := a.Label
	if title == "" {
		title = string(a.Type)
	}
	msg := a.Reason
	if orderID != "" {
		msg = fmt.Sprintf("%s (order %s)", msg, orderID)
	}
	return e.notifier.Notify(ctx, notify.Notification{
		AccountID: a.AccountID,
		Title:     title,
		Message:   msg,
		Severity:  sev,
		Reason:    a.Reason,
		Action:    string(a.Type),
		Time:      a.Time,
	})
}
