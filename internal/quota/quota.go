// Package quota prices VM resources and guards user credit balances.
package quota

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/eventlog"
	"github.com/gluk-w/vmfleet/internal/keylock"
	"github.com/gluk-w/vmfleet/internal/metrics"
)

// Rates are the per-unit credit prices.
type Rates struct {
	PerGBRAM    int
	PerDiskUnit int
	DiskUnitGB  int
	PerCore     int
}

func DefaultRates() Rates {
	return Rates{PerGBRAM: 10, PerDiskUnit: 1, DiskUnitGB: 10, PerCore: 5}
}

const (
	DefaultMaxAdjustment = 10000
	// swapAttempts bounds retries when another process races a balance update.
	swapAttempts = 8
)

type Decision struct {
	Allowed bool
	Reason  string
	Cost    int
}

type Adjustment struct {
	Before  int  `json:"before"`
	After   int  `json:"after"`
	Delta   int  `json:"delta"`
	Clamped bool `json:"clamped"`
}

type Engine struct {
	store     *database.Store
	events    *eventlog.Recorder
	log       *zap.Logger
	metrics   *metrics.Metrics
	rates     Rates
	maxAdjust int
	locks     *keylock.Map[uint]
}

func New(store *database.Store, events *eventlog.Recorder, log *zap.Logger, m *metrics.Metrics, rates Rates, maxAdjust int) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if rates.DiskUnitGB <= 0 {
		rates.DiskUnitGB = 1
	}
	if maxAdjust <= 0 {
		maxAdjust = DefaultMaxAdjustment
	}
	return &Engine{
		store:     store,
		events:    events,
		log:       log.Named("quota"),
		metrics:   m,
		rates:     rates,
		maxAdjust: maxAdjust,
		locks:     keylock.New[uint](),
	}
}

// Cost prices a resource spec. RAM is billed per started GiB and disk per
// started unit.
func (e *Engine) Cost(ramMB, diskGB, cpuCores int) int {
	ramMB, diskGB, cpuCores = max(ramMB, 0), max(diskGB, 0), max(cpuCores, 0)
	ramUnits := (ramMB + 1023) / 1024
	diskUnits := (diskGB + e.rates.DiskUnitGB - 1) / e.rates.DiskUnitGB
	return ramUnits*e.rates.PerGBRAM + diskUnits*e.rates.PerDiskUnit + cpuCores*e.rates.PerCore
}

// Check decides whether user can afford the requested size. It never mutates state.
func (e *Engine) Check(_ context.Context, user *database.User, ramMB, diskGB, cpuCores int) Decision {
	cost := e.Cost(ramMB, diskGB, cpuCores)
	switch {
	case user == nil:
		return Decision{Reason: "unknown user", Cost: cost}
	case !user.IsActive:
		return Decision{Reason: "account is inactive", Cost: cost}
	case user.Credits < cost:
		return Decision{Reason: fmt.Sprintf("insufficient credits: need %d, have %d", cost, user.Credits), Cost: cost}
	}
	return Decision{Allowed: true, Reason: "ok", Cost: cost}
}

// Deduct subtracts amount from the user's balance. It returns false without
// touching the balance when amount exceeds it.
func (e *Engine) Deduct(ctx context.Context, userID uint, amount int, reason string) (bool, error) {
	return e.deduct(ctx, userID, amount, reason, false)
}

// Reserve deducts like Deduct but audits the amount as a reservation that a
// later Refund may return.
func (e *Engine) Reserve(ctx context.Context, userID uint, amount int, reason string) (bool, error) {
	return e.deduct(ctx, userID, amount, reason, true)
}

func (e *Engine) deduct(ctx context.Context, userID uint, amount int, reason string, reserved bool) (bool, error) {
	if amount < 0 {
		return false, apperr.Validation("deduct", "amount must not be negative, got %d", amount)
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	before, after, err := e.swap(ctx, userID, func(cur int) (int, bool) {
		if amount > cur {
			return cur, false
		}
		return cur - amount, true
	})
	if errors.Is(err, errDeclined) {
		e.log.Info("deduction declined", zap.Uint("user_id", userID), zap.Int("amount", amount), zap.Int("balance", before))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if amount == 0 {
		return true, nil
	}

	e.metrics.ObserveDeduct(amount)
	msg := fmt.Sprintf("Deducted %d credits", amount)
	if reserved {
		msg = fmt.Sprintf("Reserved %d credits", amount)
	}
	e.audit(ctx, userID, msg, map[string]any{
		"action": "deduct", "amount": amount, "before": before, "after": after, "reason": reason,
		"reserved": reserved,
	})
	return true, nil
}

// Refund returns credits taken by an earlier Deduct.
func (e *Engine) Refund(ctx context.Context, userID uint, amount int, reason string) error {
	if amount <= 0 {
		return nil
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	before, after, err := e.swap(ctx, userID, func(cur int) (int, bool) { return cur + amount, true })
	if err != nil {
		return err
	}
	e.audit(ctx, userID, fmt.Sprintf("Refunded %d credits", amount), map[string]any{
		"action": "refund", "amount": amount, "before": before, "after": after, "reason": reason,
	})
	return nil
}

// Adjust applies an administrative delta, clamping the result at zero.
func (e *Engine) Adjust(ctx context.Context, userID uint, delta int, reason string) (Adjustment, error) {
	if delta > e.maxAdjust || delta < -e.maxAdjust {
		return Adjustment{}, apperr.Validation("adjust", "delta %d outside allowed range ±%d", delta, e.maxAdjust)
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	before, after, err := e.swap(ctx, userID, func(cur int) (int, bool) {
		return max(cur+delta, 0), true
	})
	if err != nil {
		return Adjustment{}, err
	}
	adj := Adjustment{Before: before, After: after, Delta: delta, Clamped: before+delta < 0}
	e.audit(ctx, userID, fmt.Sprintf("Adjusted credits by %+d", delta), map[string]any{
		"action": "adjust", "delta": delta, "before": before, "after": after,
		"clamped": adj.Clamped, "reason": reason,
	})
	return adj, nil
}

var errDeclined = errors.New("declined")

// swap applies next to the current balance with compare-and-swap, retrying
// when a concurrent writer got there first.
func (e *Engine) swap(ctx context.Context, userID uint, next func(int) (int, bool)) (int, int, error) {
	for range swapAttempts {
		u, err := e.store.GetUser(ctx, userID)
		if errors.Is(err, database.ErrNotFound) {
			return 0, 0, apperr.NotFound("credits", "user %d not found", userID)
		}
		if err != nil {
			return 0, 0, fmt.Errorf("load user %d: %w", userID, err)
		}
		to, ok := next(u.Credits)
		if !ok {
			return u.Credits, u.Credits, errDeclined
		}
		swapped, err := e.store.SwapCredits(ctx, userID, u.Credits, to)
		if err != nil {
			return 0, 0, fmt.Errorf("update credits for user %d: %w", userID, err)
		}
		if swapped {
			return u.Credits, to, nil
		}
	}
	return 0, 0, fmt.Errorf("update credits for user %d: balance kept changing", userID)
}

func (e *Engine) audit(ctx context.Context, userID uint, msg string, details map[string]any) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Record(ctx, eventlog.Entry{
		Type:     database.EventAdmin,
		Severity: database.SeverityInfo,
		Message:  msg,
		Details:  details,
		UserID:   eventlog.Ref(userID),
	}); err != nil {
		e.log.Error("audit credit change failed", zap.Uint("user_id", userID), zap.Error(err))
	}
}
