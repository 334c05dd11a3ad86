//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/cardescrow/internal/testutil"
	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) (*PostgresStore, *sql.DB, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	seedMarketplace(t, db)
	return NewPostgresStore(db), db, cleanup
}

func seedMarketplace(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`INSERT INTO shops (id, owner_id, name) VALUES ('shp_1', 'usr_merchant', 'Card Corner')`,
		`INSERT INTO listings (id, owner_id, title, price) VALUES ('lst_1', 'usr_seller', 'Holo Charizard', 100)`,
		`INSERT INTO proposals (id, listing_id, proposer_id, receiver_id, type, status)
		 VALUES ('prp_1', 'lst_1', 'usr_buyer', 'usr_seller', 'SALE', 'ACCEPTED')`,
		`INSERT INTO subscriptions (user_id, tier, priority_used_this_month, monthly_limit, period_start)
		 VALUES ('usr_seller', 'PREMIUM', 2, 5, '2026-03-01T00:00:00Z')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestPostgresStore_TransactionRoundTrip(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	tr := newTestTransaction("tx_1", "prp_1", TierPriority, now)
	tr.VerificationCode = "ABCD2345"

	err := store.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateTransaction(ctx, tr); err != nil {
			return err
		}
		return tx.CreatePayment(ctx, &Payment{
			ID: "pay_1", TransactionID: "tx_1", Amount: tr.BuyerPays, Currency: "USD",
			Method: MethodHeld, Status: PaymentHeld, RefundedAmount: decimal.Zero,
			InitiatedAt: now, HeldAt: &now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetTransaction(ctx, "tx_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PriorityTier != TierPriority {
		t.Errorf("tier: got %s, want %s", got.PriorityTier, TierPriority)
	}
	if !got.SellerReceives.Equal(decimal.NewFromInt(95)) {
		t.Errorf("sellerReceives: got %s", got.SellerReceives)
	}
	if got.VerificationCode != "ABCD2345" {
		t.Errorf("verification code not persisted")
	}
	if got.ShopID != "" {
		t.Errorf("VERIFIED transaction should have no shop, got %q", got.ShopID)
	}

	pay, err := store.GetPaymentByTransaction(ctx, "tx_1")
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if pay.Status != PaymentHeld || pay.HeldAt == nil {
		t.Errorf("payment: got %s heldAt=%v", pay.Status, pay.HeldAt)
	}

	list, err := store.ListTransactions(ctx, "usr_buyer", nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list: got %d rows, want 1", len(list))
	}
}

func TestPostgresStore_ConcurrentCreateOneWins(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dups    int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "tx_" + string(rune('a'+i))
			err := store.WithTx(ctx, func(tx Tx) error {
				return tx.CreateTransaction(ctx, newTestTransaction(id, "prp_1", TierStandard, time.Now()))
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrDuplicateTransaction):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if created != 1 || dups != 7 {
		t.Fatalf("created=%d dups=%d, want 1 and 7", created, dups)
	}
}

func TestPostgresStore_PendingReleasePartialIndex(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := store.WithTx(ctx, func(tx Tx) error {
		return tx.CreateTransaction(ctx, newTestTransaction("tx_1", "prp_1", TierStandard, time.Now()))
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	insert := func(id string) bool {
		var ok bool
		err := store.WithTx(ctx, func(tx Tx) error {
			var err error
			ok, err = tx.InsertPendingRelease(ctx, &PendingRelease{
				ID: id, OrderID: "tx_1", Type: RefundFull, Amount: decimal.NewFromInt(100),
				RecipientID: "usr_buyer", TriggeredBy: "usr_merchant", Status: ReleasePending,
				CreatedAt: time.Now(),
			})
			return err
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		return ok
	}

	if !insert("rel_1") {
		t.Fatal("first insert should succeed")
	}
	if insert("rel_2") {
		t.Fatal("second PENDING REFUND_FULL should be refused")
	}

	err := store.WithTx(ctx, func(tx Tx) error {
		pr, err := tx.LockPendingRelease(ctx, "rel_1")
		if err != nil {
			return err
		}
		now := time.Now()
		pr.Status, pr.ReviewedBy, pr.ReviewedAt = ReleaseRejected, "usr_admin", &now
		return tx.UpdatePendingRelease(ctx, pr)
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !insert("rel_3") {
		t.Fatal("insert after review should succeed")
	}
}

func TestPostgresStore_ResetPriorityUsage(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	april := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	n, err := store.ResetPriorityUsage(ctx, april)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset: got %d rows, want 1", n)
	}

	var sub *Subscription
	err = store.WithTx(ctx, func(tx Tx) error {
		sub, err = tx.LockSubscription(ctx, "usr_seller")
		return err
	})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if sub.PriorityUsedThisMonth != 0 {
		t.Errorf("counter: got %d, want 0", sub.PriorityUsedThisMonth)
	}
}
