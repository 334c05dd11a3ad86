// Package settlement is the ledger of release and refund requests.
//
// Verification never moves money. It files a PendingRelease through the
// ledger, and an admin approves or rejects it. Approval is the only path
// that changes an EscrowPayment's status: the ledger is the only component
// handed an escrow.SettlementTx.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/mbd888/cardescrow/internal/idgen"
	"github.com/mbd888/cardescrow/internal/metrics"
	"github.com/mbd888/cardescrow/internal/notify"
	"github.com/mbd888/cardescrow/internal/session"
	"github.com/mbd888/cardescrow/internal/traces"
)

var (
	ErrInvalidAmount  = apperr.New(apperr.Validation, "invalid_amount", "amount must be positive and no more than the escrowed payment")
	ErrInvalidType    = apperr.New(apperr.Validation, "invalid_release_type", "release type does not match the request")
	ErrNotPending     = apperr.New(apperr.Conflict, "settlement_not_pending", "settlement request has already been reviewed")
	ErrSelfApproval   = apperr.New(apperr.Forbidden, "self_approval", "a settlement request cannot be reviewed by the actor who triggered it")
	ErrAdminRequired  = apperr.New(apperr.Forbidden, "admin_required", "only admins can review settlement requests")
	ErrPaymentSettled = apperr.New(apperr.Conflict, "payment_settled", "escrow payment is already released or refunded")
	ErrRefundRequired = apperr.New(apperr.Conflict, "refund_required", "the transaction is cancelled, so its refund can only be approved")
)

// Request files a release or refund for an order.
type Request struct {
	OrderID     string
	Type        escrow.ReleaseType
	Amount      decimal.Decimal
	RecipientID string
	Reason      string
	TriggeredBy string
}

// Ledger files and reviews settlement requests.
type Ledger struct {
	store    escrow.SettlementStore
	machine  *session.Machine
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger creates a settlement ledger.
func NewLedger(store escrow.SettlementStore, machine *session.Machine, notifier notify.Notifier, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:    store,
		machine:  machine,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// RequestRelease files a RELEASE_TO_SELLER request inside the caller's unit
// of work. When a PENDING request of the same type already exists for the
// order it is returned with created == false.
func (l *Ledger) RequestRelease(ctx context.Context, tx escrow.Tx, req Request) (*escrow.PendingRelease, bool, error) {
	if req.Type == "" {
		req.Type = escrow.ReleaseToSeller
	}
	if req.Type != escrow.ReleaseToSeller {
		return nil, false, ErrInvalidType
	}
	return l.request(ctx, tx, req)
}

// RequestRefund files a REFUND_FULL or REFUND_PARTIAL request inside the
// caller's unit of work. An empty type means REFUND_FULL.
func (l *Ledger) RequestRefund(ctx context.Context, tx escrow.Tx, req Request) (*escrow.PendingRelease, bool, error) {
	if req.Type == "" {
		req.Type = escrow.RefundFull
	}
	if !req.Type.IsRefund() {
		return nil, false, ErrInvalidType
	}
	return l.request(ctx, tx, req)
}

func (l *Ledger) request(ctx context.Context, tx escrow.Tx, req Request) (*escrow.PendingRelease, bool, error) {
	if !req.Amount.IsPositive() {
		return nil, false, ErrInvalidAmount
	}

	// The order row lock serializes concurrent requests for the same order;
	// the partial unique index catches anything that slips past it.
	if _, err := tx.LockTransaction(ctx, req.OrderID); err != nil {
		return nil, false, err
	}
	payment, err := tx.GetPaymentByTransaction(ctx, req.OrderID)
	if err != nil {
		return nil, false, err
	}
	if payment.Status.IsTerminal() {
		return nil, false, ErrPaymentSettled
	}
	if req.Amount.GreaterThan(payment.Amount) {
		return nil, false, ErrInvalidAmount
	}

	existing, err := tx.FindPendingRelease(ctx, req.OrderID, req.Type)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, escrow.ErrPendingReleaseNotFound) {
		return nil, false, err
	}

	pr := &escrow.PendingRelease{
		ID:          idgen.WithPrefix("rel_"),
		OrderID:     req.OrderID,
		Type:        req.Type,
		Amount:      req.Amount,
		RecipientID: req.RecipientID,
		Reason:      req.Reason,
		TriggeredBy: req.TriggeredBy,
		Status:      escrow.ReleasePending,
		CreatedAt:   l.now().UTC(),
	}
	inserted, err := tx.InsertPendingRelease(ctx, pr)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := tx.FindPendingRelease(ctx, req.OrderID, req.Type)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	metrics.SettlementRequestsTotal.WithLabelValues(string(req.Type)).Inc()
	l.logger.Info("settlement requested",
		"id", pr.ID, "order", pr.OrderID, "type", pr.Type, "amount", pr.Amount.StringFixed(2))
	return pr, true, nil
}

// Get returns one settlement request.
func (l *Ledger) Get(ctx context.Context, id string) (*escrow.PendingRelease, error) {
	return l.store.GetPendingRelease(ctx, id)
}

// List returns settlement requests with the given status (all when empty),
// oldest first.
func (l *Ledger) List(ctx context.Context, status escrow.ReleaseStatus, limit int) ([]*escrow.PendingRelease, error) {
	return l.store.ListPendingReleases(ctx, status, limit)
}

// review is what an approval or rejection touched, for after-commit effects.
type review struct {
	release     *escrow.PendingRelease
	transaction *escrow.Transaction
}

// Approve settles a PENDING request. A release pays the seller, completes
// the transaction and its session and marks the listing SOLD. A refund
// returns the amount to the buyer and leaves the transaction CANCELLED.
func (l *Ledger) Approve(ctx context.Context, id string, admin escrow.Actor, note string) (*escrow.PendingRelease, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Approve",
		traces.SettlementID(id), traces.UserID(admin.ID))
	defer span.End()

	if admin.Role != escrow.RoleAdmin {
		return nil, ErrAdminRequired
	}

	var rv review
	err := l.store.WithSettlementTx(ctx, func(tx escrow.SettlementTx) error {
		pr, err := l.lockForReview(ctx, tx, id, admin)
		if err != nil {
			return err
		}
		t, err := tx.LockTransaction(ctx, pr.OrderID)
		if err != nil {
			return err
		}
		payment, err := tx.GetPaymentByTransaction(ctx, pr.OrderID)
		if err != nil {
			return err
		}
		if payment.Status.IsTerminal() {
			return ErrPaymentSettled
		}

		now := l.now().UTC()
		if pr.Type.IsRefund() {
			err = l.applyRefund(ctx, tx, t, payment, pr, admin, now)
		} else {
			err = l.applyRelease(ctx, tx, t, payment, admin, now)
		}
		if err != nil {
			return err
		}

		pr.Status = escrow.ReleaseApproved
		pr.ReviewedBy = admin.ID
		pr.ReviewedAt = &now
		pr.ReviewNote = note
		if err := tx.UpdatePendingRelease(ctx, pr); err != nil {
			return err
		}
		if err := tx.AppendMessage(ctx, systemMessage(t.ID, now, approvedText(pr))); err != nil {
			return err
		}
		rv = review{release: pr, transaction: t}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.SettlementReviewsTotal.WithLabelValues(string(rv.release.Type), "approved").Inc()
	if rv.transaction.Status == escrow.TxCompleted {
		metrics.EscrowDuration.Observe(rv.transaction.CompletedAt.Sub(rv.transaction.CreatedAt).Seconds())
	}
	l.logger.Info("settlement approved",
		"id", rv.release.ID, "order", rv.release.OrderID, "type", rv.release.Type,
		"amount", rv.release.Amount.StringFixed(2), "admin", admin.ID)
	l.announce(ctx, rv, notify.TypeSettlementApproved, "Settlement approved", approvedText(rv.release))
	return rv.release, nil
}

func (l *Ledger) applyRelease(ctx context.Context, tx escrow.SettlementTx, t *escrow.Transaction, payment *escrow.Payment, admin escrow.Actor, now time.Time) error {
	if !payment.Status.CanTransitionTo(escrow.PaymentReleased) {
		return ErrPaymentSettled
	}
	if err := t.Complete(now); err != nil {
		return err
	}
	if t.EscrowType == escrow.TypeLocal {
		s, err := tx.LockSessionByTransaction(ctx, t.ID)
		if err != nil {
			return err
		}
		if err := l.machine.Apply(ctx, tx, s, escrow.SessionCompleted, admin, "release approved"); err != nil {
			return err
		}
	}

	payment.Status = escrow.PaymentReleased
	payment.ReleasedAt = &now
	payment.UpdatedAt = now
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return err
	}
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return err
	}
	return tx.UpdateListingStatus(ctx, t.ListingID, escrow.ListingSold)
}

func (l *Ledger) applyRefund(ctx context.Context, tx escrow.SettlementTx, t *escrow.Transaction, payment *escrow.Payment, pr *escrow.PendingRelease, admin escrow.Actor, now time.Time) error {
	if !payment.Status.CanTransitionTo(escrow.PaymentRefunded) {
		return ErrPaymentSettled
	}
	payment.Status = escrow.PaymentRefunded
	payment.RefundedAmount = pr.Amount
	payment.RefundedAt = &now
	payment.UpdatedAt = now
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return err
	}

	if t.Status.IsTerminal() {
		return nil
	}
	// A refund approved while the trade is still open closes it.
	if err := t.Cancel("refund approved", now); err != nil {
		return err
	}
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return err
	}
	if t.EscrowType == escrow.TypeLocal {
		s, err := tx.LockSessionByTransaction(ctx, t.ID)
		if err != nil {
			return err
		}
		if !s.Status.IsTerminal() {
			if err := l.machine.Apply(ctx, tx, s, escrow.SessionCancelled, admin, "refund approved"); err != nil {
				return err
			}
		}
	}
	return tx.UpdateListingStatus(ctx, t.ListingID, escrow.ListingActive)
}

// Reject closes a PENDING request without touching the payment. A refund
// on a cancelled transaction cannot be rejected.
func (l *Ledger) Reject(ctx context.Context, id string, admin escrow.Actor, note string) (*escrow.PendingRelease, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Reject",
		traces.SettlementID(id), traces.UserID(admin.ID))
	defer span.End()

	if admin.Role != escrow.RoleAdmin {
		return nil, ErrAdminRequired
	}

	var rv review
	err := l.store.WithSettlementTx(ctx, func(tx escrow.SettlementTx) error {
		pr, err := l.lockForReview(ctx, tx, id, admin)
		if err != nil {
			return err
		}
		t, err := tx.LockTransaction(ctx, pr.OrderID)
		if err != nil {
			return err
		}
		// Nothing else can move the payment of a cancelled trade.
		if pr.Type.IsRefund() && t.Status == escrow.TxCancelled {
			return ErrRefundRequired
		}

		now := l.now().UTC()
		pr.Status = escrow.ReleaseRejected
		pr.ReviewedBy = admin.ID
		pr.ReviewedAt = &now
		pr.ReviewNote = note
		if err := tx.UpdatePendingRelease(ctx, pr); err != nil {
			return err
		}
		if err := tx.AppendMessage(ctx, systemMessage(t.ID, now, rejectedText(pr))); err != nil {
			return err
		}
		rv = review{release: pr, transaction: t}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.SettlementReviewsTotal.WithLabelValues(string(rv.release.Type), "rejected").Inc()
	l.logger.Info("settlement rejected",
		"id", rv.release.ID, "order", rv.release.OrderID, "type", rv.release.Type, "admin", admin.ID)
	l.announce(ctx, rv, notify.TypeSettlementRejected, "Settlement rejected", rejectedText(rv.release))
	return rv.release, nil
}

func (l *Ledger) lockForReview(ctx context.Context, tx escrow.Tx, id string, admin escrow.Actor) (*escrow.PendingRelease, error) {
	pr, err := tx.LockPendingRelease(ctx, id)
	if err != nil {
		return nil, err
	}
	if pr.Status != escrow.ReleasePending {
		return nil, ErrNotPending
	}
	if pr.TriggeredBy == admin.ID {
		return nil, ErrSelfApproval
	}
	return pr, nil
}

// ObserveQueue publishes the size of the admin review queue.
func (l *Ledger) ObserveQueue(ctx context.Context) {
	pending, err := l.store.ListPendingReleases(ctx, escrow.ReleasePending, 0)
	if err != nil {
		l.logger.Warn("failed to count pending settlements", "error", err)
		return
	}
	metrics.PendingSettlements.Set(float64(len(pending)))
}

func (l *Ledger) announce(ctx context.Context, rv review, typ notify.Type, title, message string) {
	data := map[string]string{
		"transactionId": rv.transaction.ID,
		"settlementId":  rv.release.ID,
		"type":          string(rv.release.Type),
	}
	for _, userID := range []string{rv.transaction.BuyerID, rv.transaction.SellerID} {
		l.notifier.Notify(ctx, notify.Notification{
			UserID:  userID,
			Type:    typ,
			Title:   title,
			Message: message,
			Data:    data,
		})
	}
}

func systemMessage(transactionID string, at time.Time, body string) *escrow.Message {
	return &escrow.Message{
		ID:            idgen.WithPrefix("msg_"),
		TransactionID: transactionID,
		SenderID:      "system",
		Body:          body,
		System:        true,
		CreatedAt:     at,
	}
}

func approvedText(pr *escrow.PendingRelease) string {
	if pr.Type.IsRefund() {
		return fmt.Sprintf("Refund of %s to the buyer was approved.", pr.Amount.StringFixed(2))
	}
	return fmt.Sprintf("Release of %s to the seller was approved.", pr.Amount.StringFixed(2))
}

func rejectedText(pr *escrow.PendingRelease) string {
	if pr.Type.IsRefund() {
		return "The refund request was rejected by an admin."
	}
	return "The release request was rejected by an admin. Verification can request it again."
}
