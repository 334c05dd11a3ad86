package verification

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/mbd888/cardescrow/internal/fees"
	"github.com/mbd888/cardescrow/internal/notify"
	"github.com/mbd888/cardescrow/internal/priority"
	"github.com/mbd888/cardescrow/internal/session"
	"github.com/mbd888/cardescrow/internal/settlement"
	"github.com/mbd888/cardescrow/internal/transactions"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var (
	seller   = escrow.Actor{ID: "usr_seller", Role: escrow.RoleUser}
	buyer    = escrow.Actor{ID: "usr_buyer", Role: escrow.RoleUser}
	merchant = escrow.Actor{ID: "usr_merchant", Role: escrow.RoleMerchant}
	rival    = escrow.Actor{ID: "usr_rival", Role: escrow.RoleMerchant}
	admin    = escrow.Actor{ID: "usr_admin", Role: escrow.RoleAdmin}
	admin2   = escrow.Actor{ID: "usr_admin2", Role: escrow.RoleAdmin}
)

var appointment = time.Date(2026, 5, 12, 15, 30, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	users []notify.Notification
	admin []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, n)
}

func (r *recordingNotifier) NotifyAdmins(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admin = append(r.admin, n)
}

func (r *recordingNotifier) count(typ notify.Type, admins bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.users
	if admins {
		list = r.admin
	}
	n := 0
	for _, item := range list {
		if item.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	store      *escrow.MemoryStore
	orders     *transactions.Service
	controller *Controller
	ledger     *settlement.Ledger
	notifier   *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := escrow.NewMemoryStore()
	notifier := &recordingNotifier{}
	machine := session.NewMachine(store, testLogger)
	ledger := settlement.NewLedger(store, machine, notifier, testLogger)
	orders := transactions.NewService(store, machine, priority.NewScheduler(testLogger), notifier, transactions.Options{
		DefaultFeePercentage: decimal.NewFromInt(5),
		DefaultFeePaidBy:     fees.PaidBySeller,
		QRTokenTTL:           7 * 24 * time.Hour,
		AppointmentGrace:     time.Hour,
	}, testLogger)

	controller := NewController(store, machine, ledger, notifier, testLogger)
	controller.now = func() time.Time { return appointment.Add(-30 * time.Minute) }

	store.PutShop(escrow.Shop{ID: "shp_00000001", OwnerID: merchant.ID, Name: "Card Corner", Active: true})
	store.PutShop(escrow.Shop{ID: "shp_00000002", OwnerID: rival.ID, Name: "Other Shop", Active: true})
	return &fixture{store: store, orders: orders, controller: controller, ledger: ledger, notifier: notifier}
}

// open creates an escrow for a fresh 100.00 proposal. LOCAL escrows are
// booked at the shared appointment.
func (f *fixture) open(t *testing.T, n int, typ escrow.EscrowType) *escrow.Transaction {
	t.Helper()
	suffix := strings.Repeat("0", 7) + string(rune('0'+n))
	proposalID, listingID := "prp_"+suffix, "lst_"+suffix
	f.store.PutListing(escrow.Listing{ID: listingID, OwnerID: seller.ID, Price: decimal.NewFromInt(100), Status: escrow.ListingActive})
	f.store.PutProposal(escrow.Proposal{ID: proposalID, ListingID: listingID, ProposerID: buyer.ID,
		ReceiverID: seller.ID, Type: escrow.ProposalSale, Status: escrow.ProposalAccepted})

	req := transactions.CreateRequest{ProposalID: proposalID, EscrowType: typ}
	if typ == escrow.TypeLocal {
		req.ShopID = "shp_00000001"
		req.ScheduledDate = appointment.Format("2006-01-02")
		req.ScheduledTime = appointment.Format("15:04")
	}
	res, err := f.orders.Create(context.Background(), seller, req)
	require.NoError(t, err)

	stored, err := f.store.GetTransaction(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	return stored
}

func (f *fixture) session(t *testing.T, txID string) *escrow.Session {
	t.Helper()
	ses, err := f.store.GetSessionByTransaction(context.Background(), txID)
	require.NoError(t, err)
	return ses
}

// checkInBoth checks both parties in with their own codes.
func (f *fixture) checkInBoth(t *testing.T, txID string) {
	t.Helper()
	ses := f.session(t, txID)
	_, err := f.controller.CheckIn(context.Background(), txID, buyer, CheckInRequest{Code: strings.ToLower(ses.QRCode)})
	require.NoError(t, err)
	res, err := f.controller.CheckIn(context.Background(), txID, seller, CheckInRequest{Code: ses.QRToken})
	require.NoError(t, err)
	require.Equal(t, escrow.SessionCheckedIn, res.SessionStatus)
}

func (f *fixture) pending(t *testing.T, orderID string) []*escrow.PendingRelease {
	t.Helper()
	all, err := f.store.ListPendingReleases(context.Background(), escrow.ReleasePending, 0)
	require.NoError(t, err)
	var out []*escrow.PendingRelease
	for _, pr := range all {
		if pr.OrderID == orderID {
			out = append(out, pr)
		}
	}
	return out
}

func boolPtr(b bool) *bool { return &b }

// verifyThrough takes a checked-in session to RELEASE_REQUESTED, one edge
// per call, and returns the last result.
func (f *fixture) verifyThrough(t *testing.T, txID string) *Result {
	t.Helper()
	var res *Result
	for i := 0; i < 3; i++ {
		var err error
		res, err = f.controller.Advance(context.Background(), txID, merchant, AdvanceRequest{})
		require.NoError(t, err)
	}
	require.Equal(t, escrow.SessionReleaseRequested, res.SessionStatus)
	return res
}

func TestAdvance_LocalPassRequestsReleaseOnly(t *testing.T) {
	f := newFixture(t)
	txn := f.open(t, 1, escrow.TypeLocal)
	f.checkInBoth(t, txn.ID)
	ctx := context.Background()

	// One edge per call; nothing is filed before RELEASE_REQUESTED.
	for _, want := range []escrow.SessionStatus{escrow.SessionVerificationInProgress, escrow.SessionVerificationPassed} {
		res, err := f.controller.Advance(ctx, txn.ID, merchant, AdvanceRequest{Code: txn.VerificationCode, Notes: "PSA slab intact"})
		require.NoError(t, err)
		assert.Equal(t, want, res.SessionStatus)
		assert.Empty(t, res.SettlementID)
		assert.Empty(t, f.pending(t, txn.ID))
		stored, _ := f.store.GetTransaction(ctx, txn.ID)
		assert.Equal(t, escrow.TxConfirmed, stored.Status, "confirmed while verifying")
	}
	assert.Zero(t, f.notifier.count(notify.TypeSettlementRequested, true))

	res, err := f.controller.Advance(ctx, txn.ID, merchant, AdvanceRequest{Code: txn.VerificationCode})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, escrow.SessionReleaseRequested, res.SessionStatus)
	assert.False(t, res.Cancelled)

	stored, _ := f.store.GetTransaction(ctx, txn.ID)
	assert.Equal(t, escrow.TxConfirmed, stored.Status, "verification never completes the transaction")
	payment, _ := f.store.GetPaymentByTransaction(ctx, txn.ID)
	assert.Equal(t, escrow.PaymentPending, payment.Status)

	prs := f.pending(t, txn.ID)
	require.Len(t, prs, 1)
	assert.Equal(t, res.SettlementID, prs[0].ID)
	assert.Equal(t, escrow.ReleaseToSeller, prs[0].Type)
	assert.True(t, prs[0].Amount.Equal(decimal.NewFromInt(95)))
	assert.Equal(t, seller.ID, prs[0].RecipientID)
	assert.Equal(t, merchant.ID, prs[0].TriggeredBy)

	ses := f.session(t, txn.ID)
	assert.Equal(t, merchant.ID, ses.VerifiedBy)
	audit, _ := f.store.ListAudit(ctx, ses.ID)
	var path []escrow.SessionStatus
	for _, a := range audit {
		path = append(path, a.ToStatus)
	}
	assert.Equal(t, []escrow.SessionStatus{
		escrow.SessionBooked, escrow.SessionCheckedIn, escrow.SessionVerificationInProgress,
		escrow.SessionVerificationPassed, escrow.SessionReleaseRequested,
	}, path)

	assert.Equal(t, 1, f.notifier.count(notify.TypeSettlementRequested, true))
	assert.Equal(t, 2, f.notifier.count(notify.TypeVerificationPassed, false))

	_, err = f.controller.Advance(ctx, txn.ID, merchant, AdvanceRequest{})
	assert.ErrorIs(t, err, ErrSettlementInFlight)

	_, err = f.ledger.Approve(ctx, prs[0].ID, admin, "")
	require.NoError(t, err)
	stored, _ = f.store.GetTransaction(ctx, txn.ID)
	assert.Equal(t, escrow.TxCompleted, stored.Status)
	assert.Equal(t, escrow.SessionCompleted, f.session(t, txn.ID).Status)
}

func TestAdvance_VerifiedRejectionFilesOneRefund(t *testing.T) {
	f := newFixture(t)
	txn := f.open(t, 1, escrow.TypeVerified)

	res, err := f.controller.Advance(context.Background(), txn.ID, admin, AdvanceRequest{Verified: boolPtr(false), Notes: "counterfeit"})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, escrow.TxCancelled, res.Transaction.Status)

	ctx := context.Background()
	listing, _ := f.store.GetListing(ctx, txn.ListingID)
	assert.Equal(t, escrow.ListingActive, listing.Status)
	payment, _ := f.store.GetPaymentByTransaction(ctx, txn.ID)
	assert.Equal(t, escrow.PaymentHeld, payment.Status, "only settlement moves the payment")

	prs := f.pending(t, txn.ID)
	require.Len(t, prs, 1)
	assert.Equal(t, escrow.RefundFull, prs[0].Type)
	assert.True(t, prs[0].Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, buyer.ID, prs[0].RecipientID)

	msgs, _ := f.store.ListMessages(ctx, txn.ID)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 1, f.notifier.count(notify.TypeVerificationRejected, true))
	assert.Equal(t, 2, f.notifier.count(notify.TypeVerificationRejected, false))

	_, err = f.controller.Advance(ctx, txn.ID, admin, AdvanceRequest{Verified: boolPtr(false)})
	assert.ErrorIs(t, err, ErrTransactionClosed)

	// The refund cannot be rejected away; approving it returns the held funds.
	_, err = f.ledger.Reject(ctx, prs[0].ID, admin2, "")
	require.ErrorIs(t, err, settlement.ErrRefundRequired)
	assert.Len(t, f.pending(t, txn.ID), 1)
	_, err = f.ledger.Approve(ctx, prs[0].ID, admin2, "")
	require.NoError(t, err)
	payment, _ = f.store.GetPaymentByTransaction(ctx, txn.ID)
	assert.Equal(t, escrow.PaymentRefunded, payment.Status)
}

func TestAdvance_ConcurrentRejectionsFileOneRefund(t *testing.T) {
	f := newFixture(t)
	txn := f.open(t, 1, escrow.TypeLocal)
	f.checkInBoth(t, txn.ID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.controller.Advance(context.Background(), txn.ID, merchant, AdvanceRequest{Verified: boolPtr(false)})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	prs := f.pending(t, txn.ID)
	require.Len(t, prs, 1)
	assert.Equal(t, escrow.RefundFull, prs[0].Type)
	assert.Equal(t, escrow.SessionRejected, f.session(t, txn.ID).Status)
}

func TestAdvance_PresenceGate(t *testing.T) {
	f := newFixture(t)
	txn := f.open(t, 1, escrow.TypeLocal)
	ses := f.session(t, txn.ID)
	_, err := f.controller.CheckIn(context.Background(), txn.ID, buyer, CheckInRequest{Code: ses.QRCode})
	require.NoError(t, err)

	_, err = f.controller.Advance(context.Background(), txn.ID, merchant, AdvanceRequest{})
	require.ErrorIs(t, err, session.ErrPresenceNotConfirmed)
	assert.Equal(t, apperr.PresenceNotConfirmed, apperr.KindOf(err))

	// The gate applies to rejection too and leaves nothing behind.
	_, err = f.controller.Advance(context.Background(), txn.ID, merchant, AdvanceRequest{Verified: boolPtr(false)})
	require.ErrorIs(t, err, session.ErrPresenceNotConfirmed)
	assert.Equal(t, escrow.SessionBooked, f.session(t, txn.ID).Status)
	assert.Empty(t, f.pending(t, txn.ID))
	stored, _ := f.store.GetTransaction(context.Background(), txn.ID)
	assert.Equal(t, escrow.TxPending, stored.Status)
}

func TestAdvance_ExpiredSession(t *testing.T) {
	f := newFixture(t)
	txn := f.open(t, 1, escrow.TypeLocal)
	f.checkInBoth(t, txn.ID)

	f.controller.now = func() time.Time { return appointment.Add(61 * time.Minute) }
	_, err := f.controller.Advance(context.Background(), txn.ID, merchant, AdvanceRequest{})
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, apperr.SessionExpired, apperr.KindOf(err))
	assert.Empty(t, f.pending(t, txn.ID))
}

func TestAdvance_ExpiredSessionCanStillBeRejected(t *testing.T) {
	f := newFixture(t)
	txn := f.open(t, 1, escrow.TypeLocal)
	f.checkInBoth(t, txn.ID)
	_, err := f.controller.Advance(context.Background(), txn.ID, merchant, AdvanceRequest{})
	require.NoError(t, err)

	f.controller.now = func() time.Time { return appointment.Add(2 * time.Hour) }
	_, err = f.controller.Advance(context.Background(), txn.ID, merchant, AdvanceRequest{})
	require.ErrorIs(t, err, ErrSessionExpired)

	res, err := f.controller.Advance(context.Background(), txn.ID, merchant, AdvanceRequest{Verified: boolPtr(false), Notes: "shop closed"})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, escrow.SessionRejected, res.SessionStatus)

	ctx := context.Background()
	stored, _ := f.store.GetTransaction(ctx, txn.ID)
	assert.Equal(t, escrow.TxCancelled, stored.Status)
	listing, _ := f.store.GetListing(ctx, txn.ListingID)
	assert.Equal(t, escrow.ListingActive, listing.Status)
	prs := f.pending(t, txn.ID)
	require.Len(t, prs, 1)
	assert.Equal(t, escrow.RefundFull, prs[0].Type)
}

func TestAdvance_Guards(t *testing.T) {
	f := newFixture(t)
	local := f.open(t, 1, escrow.TypeLocal)
	f.checkInBoth(t, local.ID)
	hub := f.open(t, 2, escrow.TypeVerified)
	booked := f.open(t, 3, escrow.TypeLocal)
	ses := f.session(t, local.ID)

	tests := []struct {
		name  string
		txID  string
		actor escrow.Actor
		req   AdvanceRequest
		want  error
	}{
		{"buyer cannot verify", local.ID, buyer, AdvanceRequest{}, ErrNotVerifier},
		{"other shop cannot verify", local.ID, rival, AdvanceRequest{}, ErrNotVerifier},
		{"merchant cannot verify at the hub", hub.ID, merchant, AdvanceRequest{}, ErrNotVerifier},
		{"unknown transaction", "txn_000000000000", admin, AdvanceRequest{}, escrow.ErrTransactionNotFound},
		{"wrong code", local.ID, merchant, AdvanceRequest{Code: "ZZZZZZZZ"}, ErrInvalidCode},
		{"hub ignores session codes", hub.ID, admin, AdvanceRequest{Code: ses.QRCode}, ErrInvalidCode},
		{"not checked in", booked.ID, merchant, AdvanceRequest{}, session.ErrPresenceNotConfirmed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.controller.Advance(context.Background(), tt.txID, tt.actor, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.pending(t, local.ID))
	assert.Empty(t, f.pending(t, hub.ID))
}

func TestAdvance_AcceptsAnyCodeForm(t *testing.T) {
	for _, form := range []string{"verification", "qr", "token"} {
		t.Run(form, func(t *testing.T) {
			f := newFixture(t)
			txn := f.open(t, 1, escrow.TypeLocal)
			f.checkInBoth(t, txn.ID)
			ses := f.session(t, txn.ID)

			code := map[string]string{
				"verification": strings.ToLower(txn.VerificationCode),
				"qr":           ses.QRCode,
				"token":        strings.ToUpper(ses.QRToken),
			}[form]
			_, err := f.controller.Advance(context.Background(), txn.ID, admin, AdvanceRequest{Code: code})
			require.NoError(t, err)
		})
	}
}

func TestAdvance_ExpiredTokenRejected(t *testing.T) {
	f := newFixture(t)
	txn := f.open(t, 1, escrow.TypeLocal)
	f.checkInBoth(t, txn.ID)
	ses := f.session(t, txn.ID)

	// Push the session window out so only the token has expired.
	require.NoError(t, f.store.WithTx(context.Background(), func(tx escrow.Tx) error {
		s, err := tx.LockSession(context.Background(), ses.ID)
		if err != nil {
			return err
		}
		far := s.QRTokenExpiresAt.Add(24 * time.Hour)
		s.ExpiredAt = &far
		return tx.UpdateSession(context.Background(), s)
	}))
	f.controller.now = func() time.Time { return ses.QRTokenExpiresAt.Add(time.Minute) }

	_, err := f.controller.Advance(context.Background(), txn.ID, merchant, AdvanceRequest{Code: ses.QRToken})
	require.ErrorIs(t, err, ErrInvalidCode)
}

func TestAdvance_ReRequestsAfterRejectedRelease(t *testing.T) {
	f := newFixture(t)
	txn := f.open(t, 1, escrow.TypeLocal)
	f.checkInBoth(t, txn.ID)

	first := f.verifyThrough(t, txn.ID)
	_, err := f.ledger.Reject(context.Background(), first.SettlementID, admin2, "photos unclear")
	require.NoError(t, err)

	ses := f.session(t, txn.ID)
	before, _ := f.store.ListAudit(context.Background(), ses.ID)

	again, err := f.controller.Advance(context.Background(), txn.ID, merchant, AdvanceRequest{})
	require.NoError(t, err)
	assert.Equal(t, escrow.SessionReleaseRequested, again.SessionStatus)
	assert.Equal(t, "Release requested again", again.Message)
	assert.NotEqual(t, first.SettlementID, again.SettlementID)

	after, _ := f.store.ListAudit(context.Background(), ses.ID)
	assert.Len(t, after, len(before), "re-request takes no transition")
	assert.Len(t, f.pending(t, txn.ID), 1)
}

func TestAdvance_VerifiedPassConfirmsAndRequests(t *testing.T) {
	f := newFixture(t)
	txn := f.open(t, 1, escrow.TypeVerified)

	res, err := f.controller.Advance(context.Background(), txn.ID, admin, AdvanceRequest{Code: txn.VerificationCode})
	require.NoError(t, err)
	assert.Empty(t, res.SessionStatus)

	stored, _ := f.store.GetTransaction(context.Background(), txn.ID)
	assert.Equal(t, escrow.TxConfirmed, stored.Status)
	prs := f.pending(t, txn.ID)
	require.Len(t, prs, 1)
	assert.Equal(t, escrow.ReleaseToSeller, prs[0].Type)

	// The verifying admin cannot settle their own request.
	_, err = f.ledger.Approve(context.Background(), prs[0].ID, admin, "")
	assert.ErrorIs(t, err, settlement.ErrSelfApproval)
	_, err = f.ledger.Approve(context.Background(), prs[0].ID, admin2, "")
	require.NoError(t, err)
	payment, _ := f.store.GetPaymentByTransaction(context.Background(), txn.ID)
	assert.Equal(t, escrow.PaymentReleased, payment.Status)
}

func TestCheckIn(t *testing.T) {
	f := newFixture(t)
	local := f.open(t, 1, escrow.TypeLocal)
	hub := f.open(t, 2, escrow.TypeVerified)
	ctx := context.Background()

	tests := []struct {
		name  string
		txID  string
		actor escrow.Actor
		req   CheckInRequest
		want  error
	}{
		{"participant needs a code", local.ID, buyer, CheckInRequest{}, ErrCodeRequired},
		{"wrong code", local.ID, buyer, CheckInRequest{Code: "NOPE1234"}, ErrInvalidCode},
		{"staff must name the party", local.ID, merchant, CheckInRequest{Party: "COURIER"}, ErrInvalidParty},
		{"other shop", local.ID, rival, CheckInRequest{Party: PartyBuyer}, ErrCheckInDenied},
		{"stranger", local.ID, escrow.Actor{ID: "usr_x", Role: escrow.RoleUser}, CheckInRequest{Code: "X"}, ErrCheckInDenied},
		{"hub escrow", hub.ID, buyer, CheckInRequest{Code: "X"}, ErrNoSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.controller.CheckIn(ctx, tt.txID, tt.actor, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	res, err := f.controller.CheckIn(ctx, local.ID, merchant, CheckInRequest{Party: PartySeller})
	require.NoError(t, err)
	assert.True(t, res.SellerPresent)
	assert.Equal(t, escrow.SessionBooked, res.SessionStatus)

	// Checking in twice changes nothing.
	res, err = f.controller.CheckIn(ctx, local.ID, merchant, CheckInRequest{Party: PartySeller})
	require.NoError(t, err)
	assert.False(t, res.BuyerPresent)

	res, err = f.controller.CheckIn(ctx, local.ID, merchant, CheckInRequest{Party: PartyBuyer})
	require.NoError(t, err)
	assert.Equal(t, escrow.SessionCheckedIn, res.SessionStatus)
	assert.Equal(t, 2, f.notifier.count(notify.TypeCheckedIn, false))

	f.controller.now = func() time.Time { return appointment.Add(2 * time.Hour) }
	other := f.open(t, 3, escrow.TypeLocal)
	_, err = f.controller.CheckIn(ctx, other.ID, merchant, CheckInRequest{Party: PartyBuyer})
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestReaper_CancelsExpiredSessions(t *testing.T) {
	f := newFixture(t)
	stale := f.open(t, 1, escrow.TypeLocal)
	lapsed := f.open(t, 2, escrow.TypeLocal)
	inReview := f.open(t, 3, escrow.TypeLocal)
	f.checkInBoth(t, lapsed.ID)
	f.checkInBoth(t, inReview.ID)
	_, err := f.controller.Advance(context.Background(), lapsed.ID, merchant, AdvanceRequest{})
	require.NoError(t, err)
	release := f.verifyThrough(t, inReview.ID)

	reaper := NewReaper(f.store, session.NewMachine(f.store, testLogger), f.ledger, f.notifier, testLogger)
	reaper.now = func() time.Time { return appointment.Add(2 * time.Hour) }

	assert.Equal(t, 2, reaper.Run(context.Background()))
	ctx := context.Background()

	// Never checked in: cancelled, nothing to refund.
	assert.Equal(t, escrow.SessionCancelled, f.session(t, stale.ID).Status)
	stored, _ := f.store.GetTransaction(ctx, stale.ID)
	assert.Equal(t, escrow.TxCancelled, stored.Status)
	listing, _ := f.store.GetListing(ctx, stale.ListingID)
	assert.Equal(t, escrow.ListingActive, listing.Status)
	assert.Empty(t, f.pending(t, stale.ID))

	// Checked in but never finished: cancelled with a full refund filed.
	assert.Equal(t, escrow.SessionCancelled, f.session(t, lapsed.ID).Status)
	stored, _ = f.store.GetTransaction(ctx, lapsed.ID)
	assert.Equal(t, escrow.TxCancelled, stored.Status)
	listing, _ = f.store.GetListing(ctx, lapsed.ListingID)
	assert.Equal(t, escrow.ListingActive, listing.Status)
	prs := f.pending(t, lapsed.ID)
	require.Len(t, prs, 1)
	assert.Equal(t, escrow.RefundFull, prs[0].Type)
	assert.True(t, prs[0].Amount.Equal(lapsed.BuyerPays))
	assert.Equal(t, buyer.ID, prs[0].RecipientID)
	assert.Equal(t, "system:reaper", prs[0].TriggeredBy)

	// A release awaiting review is left to the admin.
	assert.Equal(t, escrow.SessionReleaseRequested, f.session(t, inReview.ID).Status)
	assert.Equal(t, []string{release.SettlementID}, ids(f.pending(t, inReview.ID)))

	assert.Equal(t, 4, f.notifier.count(notify.TypeSessionExpired, false))
	assert.Equal(t, 2, f.notifier.count(notify.TypeSettlementRequested, true))
	assert.Zero(t, reaper.Run(ctx), "a second run finds nothing")

	_, err = f.ledger.Approve(ctx, prs[0].ID, admin, "")
	require.NoError(t, err)
	payment, _ := f.store.GetPaymentByTransaction(ctx, lapsed.ID)
	assert.Equal(t, escrow.PaymentRefunded, payment.Status)
}

func TestReaper_ExpiresAfterRejectedRelease(t *testing.T) {
	f := newFixture(t)
	txn := f.open(t, 1, escrow.TypeLocal)
	f.checkInBoth(t, txn.ID)
	first := f.verifyThrough(t, txn.ID)
	_, err := f.ledger.Reject(context.Background(), first.SettlementID, admin2, "photos unclear")
	require.NoError(t, err)

	reaper := NewReaper(f.store, session.NewMachine(f.store, testLogger), f.ledger, f.notifier, testLogger)
	reaper.now = func() time.Time { return appointment.Add(2 * time.Hour) }
	require.Equal(t, 1, reaper.Run(context.Background()))

	assert.Equal(t, escrow.SessionCancelled, f.session(t, txn.ID).Status)
	prs := f.pending(t, txn.ID)
	require.Len(t, prs, 1)
	assert.Equal(t, escrow.RefundFull, prs[0].Type)
}

func ids(prs []*escrow.PendingRelease) []string {
	var out []string
	for _, pr := range prs {
		out = append(out, pr.ID)
	}
	return out
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		kind apperr.Kind
	}{
		{ErrNotVerifier, apperr.Forbidden},
		{ErrTransactionClosed, apperr.InvalidTransition},
		{ErrSettlementInFlight, apperr.Conflict},
		{ErrSessionExpired, apperr.SessionExpired},
		{ErrInvalidCode, apperr.Validation},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, apperr.KindOf(tt.err))
	}
}
