package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/mbd888/cardescrow/internal/metrics"
	"github.com/mbd888/cardescrow/internal/notify"
	"github.com/mbd888/cardescrow/internal/session"
	"github.com/mbd888/cardescrow/internal/settlement"
)

const reaperBatch = 100

// errSkip marks a session that changed since it was listed.
var errSkip = errors.New("session no longer expired")

// Reaper cancels LOCAL sessions whose appointment window closed. A session
// that never reached CHECKED_IN is simply cancelled. One that did is
// cancelled with a full refund filed for admin review, unless a settlement
// request is already in flight.
type Reaper struct {
	store    escrow.Store
	machine  *session.Machine
	ledger   *settlement.Ledger
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewReaper creates the expired-session reaper.
func NewReaper(store escrow.Store, machine *session.Machine, ledger *settlement.Ledger, notifier notify.Notifier, logger *slog.Logger) *Reaper {
	return &Reaper{store: store, machine: machine, ledger: ledger, notifier: notifier, logger: logger, now: time.Now}
}

// expiry is one closed-out session.
type expiry struct {
	transaction *escrow.Transaction
	refund      *escrow.PendingRelease
	created     bool
}

// Run cancels every expired session and returns how many it cancelled.
func (r *Reaper) Run(ctx context.Context) int {
	now := r.now().UTC()
	cancelled := 0
	for {
		sessions, err := r.store.ListExpiredSessions(ctx, now, reaperBatch)
		if err != nil {
			r.logger.Error("failed to list expired sessions", "error", err)
			return cancelled
		}
		progressed := 0
		for _, s := range sessions {
			if ctx.Err() != nil {
				return cancelled
			}
			ex, err := r.expire(ctx, s.ID, now)
			if errors.Is(err, errSkip) {
				continue
			}
			if err != nil {
				r.logger.Warn("failed to expire session", "session", s.ID, "error", err)
				continue
			}
			progressed++
			cancelled++
			metrics.SessionsExpiredTotal.Inc()
			if ex.refund != nil {
				r.logger.Info("session expired after check-in", "session", s.ID,
					"transaction", ex.transaction.ID, "settlement", ex.refund.ID)
			} else {
				r.logger.Info("session expired", "session", s.ID, "transaction", ex.transaction.ID)
			}
			r.announce(ctx, ex)
		}
		if len(sessions) < reaperBatch || progressed == 0 {
			return cancelled
		}
	}
}

func (r *Reaper) expire(ctx context.Context, sessionID string, now time.Time) (*expiry, error) {
	actor := escrow.SystemActor("reaper")
	ex := &expiry{}
	err := r.store.WithTx(ctx, func(tx escrow.Tx) error {
		ses, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if ses.Status.IsTerminal() || !ses.Expired(now) {
			return errSkip
		}
		pending, err := tx.HasPendingRelease(ctx, ses.TransactionID)
		if err != nil {
			return err
		}
		if pending {
			return errSkip
		}
		checkedIn := ses.Status.AtOrAfterCheckIn()
		if err := r.machine.Apply(ctx, tx, ses, escrow.SessionCancelled, actor, "appointment window closed"); err != nil {
			return err
		}

		t, err := tx.LockTransaction(ctx, ses.TransactionID)
		if err != nil {
			return err
		}
		ex.transaction = t
		if !t.Status.IsTerminal() {
			if err := t.Cancel("session expired", now); err != nil {
				return err
			}
			if err := tx.UpdateTransaction(ctx, t); err != nil {
				return err
			}
		}
		listing, err := tx.GetListing(ctx, t.ListingID)
		if err != nil {
			return err
		}
		if listing.Status == escrow.ListingReserved {
			if err := tx.UpdateListingStatus(ctx, listing.ID, escrow.ListingActive); err != nil {
				return err
			}
		}

		if !checkedIn {
			return tx.AppendMessage(ctx, systemMessage(t.ID, now, "The appointment window closed before check-in. The transaction was cancelled."))
		}
		ex.refund, ex.created, err = r.ledger.RequestRefund(ctx, tx, settlement.Request{
			OrderID:     t.ID,
			Type:        escrow.RefundFull,
			Amount:      t.BuyerPays,
			RecipientID: t.BuyerID,
			Reason:      "session expired before verification finished",
			TriggeredBy: actor.ID,
		})
		if err != nil {
			return err
		}
		return tx.AppendMessage(ctx, systemMessage(t.ID, now, fmt.Sprintf(
			"The appointment window closed before verification finished. The transaction was cancelled and a refund of %s to the buyer is awaiting admin review.",
			t.BuyerPays.StringFixed(2))))
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (r *Reaper) announce(ctx context.Context, ex *expiry) {
	t := ex.transaction
	msg := "Nobody checked in before the appointment window closed, so the transaction was cancelled."
	data := map[string]string{"transactionId": t.ID}
	if ex.refund != nil {
		msg = "The appointment window closed before verification finished, so the transaction was cancelled and a refund was requested."
		data["settlementId"] = ex.refund.ID
	}
	for _, userID := range []string{t.BuyerID, t.SellerID} {
		r.notifier.Notify(ctx, notify.Notification{
			UserID:  userID,
			Type:    notify.TypeSessionExpired,
			Title:   "Session expired",
			Message: msg,
			Data:    data,
		})
	}
	if ex.created {
		r.notifier.NotifyAdmins(ctx, notify.Notification{
			Type:    notify.TypeSettlementRequested,
			Title:   "Refund awaiting review",
			Message: fmt.Sprintf("Session for transaction %s expired after check-in. Refund of %s awaits review.", t.ID, ex.refund.Amount.StringFixed(2)),
			Data:    data,
		})
	}
}
