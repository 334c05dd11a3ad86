package priority

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func resolve(t *testing.T, store *escrow.MemoryStore, userID string, now time.Time) escrow.PriorityTier {
	t.Helper()
	var tier escrow.PriorityTier
	err := store.WithTx(context.Background(), func(tx escrow.Tx) error {
		var err error
		tier, err = NewScheduler(testLogger).Resolve(context.Background(), tx, userID, now)
		return err
	})
	require.NoError(t, err)
	return tier
}

func TestResolve_Tiers(t *testing.T) {
	now := time.Date(2026, 5, 14, 10, 0, 0, 0, time.UTC)
	period := MonthStart(now)

	store := escrow.NewMemoryStore()
	store.PutSubscription(escrow.Subscription{UserID: "usr_pro", Tier: escrow.PlanPro, PeriodStart: period})
	store.PutSubscription(escrow.Subscription{UserID: "usr_basic", Tier: escrow.PlanBasic, MonthlyLimit: 5, PeriodStart: period})
	store.PutSubscription(escrow.Subscription{UserID: "usr_free", Tier: escrow.PlanFree, PeriodStart: period})

	assert.Equal(t, escrow.TierFastTrack, resolve(t, store, "usr_pro", now))
	assert.Equal(t, escrow.TierStandard, resolve(t, store, "usr_basic", now))
	assert.Equal(t, escrow.TierStandard, resolve(t, store, "usr_free", now))
	assert.Equal(t, escrow.TierStandard, resolve(t, store, "usr_nobody", now))

	pro, _ := store.GetSubscription(context.Background(), "usr_pro")
	assert.Equal(t, 0, pro.PriorityUsedThisMonth, "FAST_TRACK does not consume the allowance")
}

func TestResolve_PremiumConsumesAllowance(t *testing.T) {
	now := time.Date(2026, 5, 14, 10, 0, 0, 0, time.UTC)
	store := escrow.NewMemoryStore()
	store.PutSubscription(escrow.Subscription{
		UserID: "usr_prem", Tier: escrow.PlanPremium, PriorityUsedThisMonth: 1, MonthlyLimit: 2,
		PeriodStart: MonthStart(now),
	})

	assert.Equal(t, escrow.TierPriority, resolve(t, store, "usr_prem", now))
	assert.Equal(t, escrow.TierStandard, resolve(t, store, "usr_prem", now), "allowance exhausted")

	sub, _ := store.GetSubscription(context.Background(), "usr_prem")
	assert.Equal(t, 2, sub.PriorityUsedThisMonth)
}

func TestResolve_PremiumUnlimited(t *testing.T) {
	now := time.Now()
	store := escrow.NewMemoryStore()
	store.PutSubscription(escrow.Subscription{
		UserID: "usr_prem", Tier: escrow.PlanPremium, PriorityUsedThisMonth: 999,
		MonthlyLimit: escrow.UnlimitedPriority, PeriodStart: MonthStart(now),
	})

	for i := 0; i < 3; i++ {
		assert.Equal(t, escrow.TierPriority, resolve(t, store, "usr_prem", now))
	}
}

func TestResolve_LazyMonthlyReset(t *testing.T) {
	april := time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC)
	may := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)

	store := escrow.NewMemoryStore()
	store.PutSubscription(escrow.Subscription{
		UserID: "usr_prem", Tier: escrow.PlanPremium, PriorityUsedThisMonth: 3, MonthlyLimit: 3,
		PeriodStart: MonthStart(april),
	})

	assert.Equal(t, escrow.TierStandard, resolve(t, store, "usr_prem", april))
	assert.Equal(t, escrow.TierPriority, resolve(t, store, "usr_prem", may))

	sub, _ := store.GetSubscription(context.Background(), "usr_prem")
	assert.Equal(t, 1, sub.PriorityUsedThisMonth)
	assert.True(t, sub.PeriodStart.Equal(MonthStart(may)))
}

func TestResolve_RollbackRestoresCounter(t *testing.T) {
	now := time.Now()
	store := escrow.NewMemoryStore()
	store.PutSubscription(escrow.Subscription{
		UserID: "usr_prem", Tier: escrow.PlanPremium, MonthlyLimit: 1, PeriodStart: MonthStart(now),
	})

	ctx := context.Background()
	_ = store.WithTx(ctx, func(tx escrow.Tx) error {
		tier, err := NewScheduler(testLogger).Resolve(ctx, tx, "usr_prem", now)
		require.NoError(t, err)
		require.Equal(t, escrow.TierPriority, tier)
		return escrow.ErrListingNotFound
	})

	sub, _ := store.GetSubscription(ctx, "usr_prem")
	assert.Equal(t, 0, sub.PriorityUsedThisMonth, "failed creation must not consume a unit")
}

func TestMonthStart(t *testing.T) {
	got := MonthStart(time.Date(2026, 12, 31, 23, 59, 0, 0, time.FixedZone("X", -5*3600)))
	// 23:59 at UTC-5 is already January 1st UTC.
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestResetter_Run(t *testing.T) {
	store := escrow.NewMemoryStore()
	store.PutSubscription(escrow.Subscription{
		UserID: "usr_prem", Tier: escrow.PlanPremium, PriorityUsedThisMonth: 4, MonthlyLimit: 5,
		PeriodStart: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	})

	r := NewResetter(store, testLogger)
	r.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 1, 0, time.UTC) }
	r.Run(context.Background())

	sub, _ := store.GetSubscription(context.Background(), "usr_prem")
	assert.Equal(t, 0, sub.PriorityUsedThisMonth)
}
