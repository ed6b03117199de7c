package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/riskd/market"
)

var ErrPositionNotFound = errors.New("position not found")

// account is the mutable per-account record. It is never handed out;
// readers get an AccountSnapshot copy.
type account struct {
	id        string
	positions map[string]*Position

	realizedPnL decimal.Decimal

	lockoutUntil   time.Time
	lockoutReason  string
	cooldownUntil  time.Time
	cooldownReason string

	lastReset time.Time
	errored   bool
}

// AccountSnapshot is an immutable copy of account state taken under the
// store lock. Positions are sorted oldest-first; snapshot fields derived
// from the clock (LockedOut, InCooldown) are evaluated at snapshot time.
type AccountSnapshot struct {
	ID        string
	Positions []Position

	RealizedPnL      decimal.Decimal
	CombinedExposure decimal.Decimal

	LockedOut     bool
	LockoutUntil  time.Time
	LockoutReason string

	InCooldown     bool
	CooldownUntil  time.Time
	CooldownReason string

	LastReset time.Time
}

// OpenQuantity sums open contracts, optionally for one symbol.
func (s AccountSnapshot) OpenQuantity(symbol string) int64 {
	var total int64
	for _, p := range s.Positions {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		total += p.Quantity
	}
	return total
}

// NewestOpen returns the most recently opened position that is not already
// pending close, or nil.
func (s AccountSnapshot) NewestOpen() *Position {
	for i := len(s.Positions) - 1; i >= 0; i-- {
		if !s.Positions[i].PendingClose {
			p := s.Positions[i]
			return &p
		}
	}
	return nil
}

// Store is the single source of truth for per-account trading state. All
// reads and writes go through it so rules never compute PnL independently.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*account
	nextSeq  uint64

	clock Clock
	ticks market.TickValueResolver
	log   zerolog.Logger
}

func NewStore(clock Clock, ticks market.TickValueResolver, log zerolog.Logger) *Store {
	return &Store{
		accounts: make(map[string]*account),
		clock:    clock,
		ticks:    ticks,
		log:      log.With().Str("component", "state").Logger(),
	}
}

// getOrCreate must be called with s.mu held for writing.
func (s *Store) getOrCreate(id string) *account {
	a, ok := s.accounts[id]
	if !ok {
		a = &account{
			id:        id,
			positions: make(map[string]*Position),
			lastReset: s.clock.Now(),
		}
		s.accounts[id] = a
		s.log.Debug().Str("account", id).Msg("account created")
	}
	return a
}

// Touch creates the account record if it does not exist yet.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(id)
}

// Accounts lists every known account id.
func (s *Store) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddPosition registers a newly filled position. Mark starts at entry so
// unrealized PnL starts at zero.
func (s *Store) AddPosition(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.getOrCreate(p.AccountID)
	if p.MarkPrice.IsZero() {
		p.MarkPrice = p.EntryPrice
	}
	s.nextSeq++
	p.seq = s.nextSeq
	p.UnrealizedPnL = p.unrealized(s.ticks.PointValue(p.Symbol))
	cp := p
	a.positions[p.ID] = &cp
}

// UpdatePositionPrice sets a new mark price and recomputes unrealized PnL.
func (s *Store) UpdatePositionPrice(accountID, positionID string, mark decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.position(accountID, positionID)
	if err != nil {
		return err
	}
	p.MarkPrice = mark
	p.UnrealizedPnL = p.unrealized(s.ticks.PointValue(p.Symbol))
	return nil
}

// ClosePosition removes quantity contracts from a position, accumulating
// realized PnL. Quantity <= 0 or >= the open quantity closes it entirely.
func (s *Store) ClosePosition(accountID, positionID string, quantity int64, realized decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("close %s/%s: %w", accountID, positionID, ErrPositionNotFound)
	}
	p, ok := a.positions[positionID]
	if !ok {
		return fmt.Errorf("close %s/%s: %w", accountID, positionID, ErrPositionNotFound)
	}

	a.realizedPnL = a.realizedPnL.Add(realized)

	if quantity <= 0 || quantity >= p.Quantity {
		delete(a.positions, positionID)
		return nil
	}

	p.Quantity -= quantity
	p.PendingClose = false
	p.UnrealizedPnL = p.unrealized(s.ticks.PointValue(p.Symbol))
	return nil
}

// CloseAllPositions removes every open position, realizing each one's
// unrealized PnL at the current mark. Returns the total realized.
func (s *Store) CloseAllPositions(accountID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero
	}

	total := decimal.Zero
	for id, p := range a.positions {
		total = total.Add(p.UnrealizedPnL)
		delete(a.positions, id)
	}
	a.realizedPnL = a.realizedPnL.Add(total)
	return total
}

// SetPendingClose flags a position as having a close in flight.
func (s *Store) SetPendingClose(accountID, positionID string, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.position(accountID, positionID)
	if err != nil {
		return err
	}
	p.PendingClose = pending
	return nil
}

// AttachStopLoss marks a position as protected; the grace rule stops
// tracking it.
func (s *Store) AttachStopLoss(accountID, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.position(accountID, positionID)
	if err != nil {
		return err
	}
	p.StopLossAttached = true
	return nil
}

func (s *Store) SetLockout(accountID string, until time.Time, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.getOrCreate(accountID)
	a.lockoutUntil = until
	a.lockoutReason = reason
	s.log.Warn().Str("account", accountID).Time("until", until).Str("reason", reason).Msg("lockout set")
}

func (s *Store) IsLockedOut(accountID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return false
	}
	return a.lockoutUntil.After(s.clock.Now())
}

func (s *Store) StartCooldown(accountID string, d time.Duration, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.getOrCreate(accountID)
	a.cooldownUntil = s.clock.Now().Add(d)
	a.cooldownReason = reason
	s.log.Info().Str("account", accountID).Dur("for", d).Str("reason", reason).Msg("cooldown started")
}

func (s *Store) IsInCooldown(accountID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return false
	}
	return a.cooldownUntil.After(s.clock.Now())
}

// CombinedExposure is realized PnL since the last daily reset plus the sum
// of unrealized PnL across open positions.
func (s *Store) CombinedExposure(accountID string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero
	}
	return combinedExposureLocked(a)
}

func combinedExposureLocked(a *account) decimal.Decimal {
	total := a.realizedPnL
	for _, p := range a.positions {
		total = total.Add(p.UnrealizedPnL)
	}
	return total
}

// DailyReset zeroes the daily counters and clears lockout/cooldown. Open
// positions survive: overnight exposure is carried, only daily counters
// reset.
func (s *Store) DailyReset(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return
	}
	a.realizedPnL = decimal.Zero
	a.lockoutUntil = time.Time{}
	a.lockoutReason = ""
	a.cooldownUntil = time.Time{}
	a.cooldownReason = ""
	a.lastReset = s.clock.Now()
	s.log.Info().Str("account", accountID).Msg("daily reset")
}

// SetError flags an account as having seen a data error; health surfaces
// only, business logic does not read it.
func (s *Store) SetError(accountID string, errored bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(accountID).errored = errored
}

// Snapshot copies the account state for rule evaluation and persistence.
func (s *Store) Snapshot(accountID string) AccountSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	a, ok := s.accounts[accountID]
	if !ok {
		return AccountSnapshot{ID: accountID}
	}

	positions := make([]Position, 0, len(a.positions))
	for _, p := range a.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].OpenedAt.Equal(positions[j].OpenedAt) {
			return positions[i].seq < positions[j].seq
		}
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})

	return AccountSnapshot{
		ID:               accountID,
		Positions:        positions,
		RealizedPnL:      a.realizedPnL,
		CombinedExposure: combinedExposureLocked(a),
		LockedOut:        a.lockoutUntil.After(now),
		LockoutUntil:     a.lockoutUntil,
		LockoutReason:    a.lockoutReason,
		InCooldown:       a.cooldownUntil.After(now),
		CooldownUntil:    a.cooldownUntil,
		CooldownReason:   a.cooldownReason,
		LastReset:        a.lastReset,
	}
}

// OpenPositions returns copies of the open positions, oldest first.
func (s *Store) OpenPositions(accountID string) []Position {
	return s.Snapshot(accountID).Positions
}

// Restore loads persisted account state at startup. Positions get fresh
// sequence numbers in slice order, so persist them oldest-first.
func (s *Store) Restore(accountID string, realized decimal.Decimal, lockoutUntil time.Time, lockoutReason string, positions []Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.getOrCreate(accountID)
	a.realizedPnL = realized
	a.lockoutUntil = lockoutUntil
	a.lockoutReason = lockoutReason

	for _, p := range positions {
		s.nextSeq++
		p.seq = s.nextSeq
		p.UnrealizedPnL = p.unrealized(s.ticks.PointValue(p.Symbol))
		cp := p
		a.positions[p.ID] = &cp
	}
}

// position must be called with s.mu held.
func (s *Store) position(accountID, positionID string) (*Position, error) {
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", accountID, positionID, ErrPositionNotFound)
	}
	p, ok := a.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", accountID, positionID, ErrPositionNotFound)
	}
	return p, nil
}
