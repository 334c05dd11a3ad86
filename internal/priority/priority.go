// Package priority resolves the queue tier of a new transaction from the
// buyer's subscription and its monthly PRIORITY allowance.
package priority

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/cardescrow/internal/escrow"
)

// Scheduler assigns priority tiers. It holds no state of its own; the usage
// counter lives on the subscription row and is changed inside the caller's
// unit of work.
type Scheduler struct {
	logger *slog.Logger
}

// NewScheduler creates a priority scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Resolve returns the tier for a transaction bought by userID.
//
//   - PRO subscribers get FAST_TRACK.
//   - PREMIUM subscribers get PRIORITY while the monthly allowance lasts
//     (MonthlyLimit -1 means unlimited); each PRIORITY consumes one unit.
//   - Everyone else, including users without a subscription, gets STANDARD.
//
// A counter from a previous month is reset before it is read.
func (s *Scheduler) Resolve(ctx context.Context, tx escrow.Tx, userID string, now time.Time) (escrow.PriorityTier, error) {
	sub, err := tx.LockSubscription(ctx, userID)
	if errors.Is(err, escrow.ErrSubscriptionNotFound) {
		return escrow.TierStandard, nil
	}
	if err != nil {
		return "", err
	}

	dirty := false
	if period := MonthStart(now); sub.PeriodStart.Before(period) {
		sub.PriorityUsedThisMonth = 0
		sub.PeriodStart = period
		dirty = true
	}

	tier := escrow.TierStandard
	switch sub.Tier {
	case escrow.PlanPro:
		tier = escrow.TierFastTrack
	case escrow.PlanPremium:
		if sub.MonthlyLimit == escrow.UnlimitedPriority || sub.PriorityUsedThisMonth < sub.MonthlyLimit {
			tier = escrow.TierPriority
			sub.PriorityUsedThisMonth++
			dirty = true
		}
	}

	if dirty {
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return "", err
		}
	}

	s.logger.Debug("priority resolved", "user", userID, "tier", tier,
		"used", sub.PriorityUsedThisMonth, "limit", sub.MonthlyLimit)
	return tier, nil
}

// MonthStart returns midnight UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Resetter zeroes stale monthly counters in bulk. Resolve also resets a
// single counter lazily when it reads one.
type Resetter struct {
	store  escrow.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewResetter creates the monthly counter reset job.
func NewResetter(store escrow.Store, logger *slog.Logger) *Resetter {
	return &Resetter{store: store, logger: logger, now: time.Now}
}

// Run resets every subscription whose period began before this month.
func (r *Resetter) Run(ctx context.Context) {
	period := MonthStart(r.now())
	n, err := r.store.ResetPriorityUsage(ctx, period)
	if err != nil {
		r.logger.Error("priority reset failed", "period", period, "error", err)
		return
	}
	r.logger.Info("priority usage reset", "period", period, "subscriptions", n)
}
