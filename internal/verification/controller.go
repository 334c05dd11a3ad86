// Package verification drives an escrow from check-in through card
// verification to a settlement request.
//
// Verification never touches the payment. A passed verification files a
// RELEASE_TO_SELLER request and a failed one a REFUND_FULL request with the
// settlement ledger; an admin settles either.
package verification

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/mbd888/cardescrow/internal/idgen"
	"github.com/mbd888/cardescrow/internal/metrics"
	"github.com/mbd888/cardescrow/internal/notify"
	"github.com/mbd888/cardescrow/internal/session"
	"github.com/mbd888/cardescrow/internal/settlement"
	"github.com/mbd888/cardescrow/internal/traces"
)

var (
	ErrNotVerifier        = apperr.New(apperr.Forbidden, "not_verifier", "only the hosting shop or an admin can verify this transaction")
	ErrCheckInDenied      = apperr.New(apperr.Forbidden, "check_in_denied", "you cannot check in to this session")
	ErrTransactionClosed  = apperr.New(apperr.InvalidTransition, "transaction_closed", "transaction is already completed or cancelled")
	ErrSettlementInFlight = apperr.New(apperr.Conflict, "settlement_in_flight", "a settlement request for this transaction is awaiting review")
	ErrSessionExpired     = apperr.New(apperr.SessionExpired, "session_expired", "the appointment window for this session has closed")
	ErrNotCheckedIn       = apperr.New(apperr.InvalidTransition, "not_checked_in", "session must be checked in before verification")
	ErrInvalidCode        = apperr.New(apperr.Validation, "invalid_code", "verification code does not match")
	ErrCodeRequired       = apperr.New(apperr.Validation, "code_required", "a QR code or token is required to check in")
	ErrInvalidParty       = apperr.New(apperr.Validation, "invalid_party", "party must be BUYER or SELLER")
	ErrNoSession          = apperr.New(apperr.Validation, "no_session", "VERIFIED escrow has no in-person session")
)

// Party names one side of the trade at check-in.
type Party string

const (
	PartyBuyer  Party = "BUYER"
	PartySeller Party = "SELLER"
)

// AdvanceRequest is the body of a verification step. Verified nil means
// the cards passed.
type AdvanceRequest struct {
	Code     string `json:"code,omitempty"`
	Verified *bool  `json:"verified,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Result describes what Advance did.
type Result struct {
	Success       bool                 `json:"success"`
	SessionStatus escrow.SessionStatus `json:"sessionStatus,omitempty"`
	Message       string               `json:"message"`
	Cancelled     bool                 `json:"cancelled,omitempty"`
	Transaction   *escrow.Transaction  `json:"transaction,omitempty"`
	SettlementID  string               `json:"settlementId,omitempty"`
}

// CheckInRequest marks a party present. Participants send the QR code or
// token shown at the shop; staff name the party instead.
type CheckInRequest struct {
	Code  string `json:"code,omitempty"`
	Party Party  `json:"party,omitempty"`
}

// CheckInResult is the session presence after a check-in.
type CheckInResult struct {
	SessionStatus escrow.SessionStatus `json:"sessionStatus"`
	BuyerPresent  bool                 `json:"buyerPresent"`
	SellerPresent bool                 `json:"sellerPresent"`
}

// Controller is the verification controller.
type Controller struct {
	store    escrow.Store
	machine  *session.Machine
	ledger   *settlement.Ledger
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewController creates a verification controller.
func NewController(store escrow.Store, machine *session.Machine, ledger *settlement.Ledger, notifier notify.Notifier, logger *slog.Logger) *Controller {
	return &Controller{
		store:    store,
		machine:  machine,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// outcome is what a committed Advance needs for its side effects.
type outcome struct {
	result      *Result
	transaction *escrow.Transaction
	release     *escrow.PendingRelease
	created     bool
	rejected    bool
	rerequested bool
}

// Advance runs one verification step for a transaction. All guards are
// checked before the first write; everything after them commits or rolls
// back together.
func (c *Controller) Advance(ctx context.Context, transactionID string, actor escrow.Actor, req AdvanceRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "verification.Advance",
		traces.TransactionID(transactionID), traces.UserID(actor.ID), traces.Role(string(actor.Role)))
	defer span.End()

	var out *outcome
	err := c.store.WithTx(ctx, func(tx escrow.Tx) error {
		o, err := c.advance(ctx, tx, transactionID, actor, req)
		out = o
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	t := out.transaction
	switch {
	case out.release == nil:
		metrics.VerificationsTotal.WithLabelValues("stepped").Inc()
		c.logger.Info("verification step", "transaction", t.ID, "actor", actor.ID, "status", out.result.SessionStatus)
	case out.rejected:
		metrics.VerificationsTotal.WithLabelValues("rejected").Inc()
		c.logger.Warn("verification rejected", "transaction", t.ID, "actor", actor.ID, "settlement", out.release.ID)
		c.announceRejected(ctx, t, out.release)
	case out.rerequested:
		metrics.VerificationsTotal.WithLabelValues("re_requested").Inc()
		c.logger.Info("release re-requested", "transaction", t.ID, "actor", actor.ID, "settlement", out.release.ID)
		c.announcePassed(ctx, t, out.release, out.created)
	default:
		metrics.VerificationsTotal.WithLabelValues("progressed").Inc()
		c.logger.Info("verification passed", "transaction", t.ID, "actor", actor.ID,
			"status", out.result.SessionStatus, "settlement", out.release.ID)
		c.announcePassed(ctx, t, out.release, out.created)
	}
	return out.result, nil
}

func (c *Controller) advance(ctx context.Context, tx escrow.Tx, transactionID string, actor escrow.Actor, req AdvanceRequest) (*outcome, error) {
	t, err := tx.LockTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := c.authorizeVerifier(ctx, tx, t, actor); err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, ErrTransactionClosed
	}
	pending, err := tx.HasPendingRelease(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, ErrSettlementInFlight
	}

	now := c.now().UTC()
	rejecting := req.Verified != nil && !*req.Verified
	var ses *escrow.Session
	if t.EscrowType == escrow.TypeLocal {
		if ses, err = tx.LockSessionByTransaction(ctx, t.ID); err != nil {
			return nil, err
		}
		// A closed window still admits a failed verification.
		if ses.Expired(now) && !rejecting {
			return nil, ErrSessionExpired
		}
		if !ses.BothPresent() {
			return nil, session.ErrPresenceNotConfirmed
		}
		if !ses.Status.AtOrAfterCheckIn() {
			return nil, ErrNotCheckedIn
		}
	}
	if req.Code != "" && !codeMatches(req.Code, t, ses, now) {
		return nil, ErrInvalidCode
	}

	if rejecting {
		return c.reject(ctx, tx, t, ses, actor, req.Notes, now)
	}
	return c.progress(ctx, tx, t, ses, actor, req.Notes, now)
}

// authorizeVerifier admits the hosting shop's owner and admins. Only admins
// verify at the hub.
func (c *Controller) authorizeVerifier(ctx context.Context, tx escrow.Tx, t *escrow.Transaction, actor escrow.Actor) error {
	if actor.Role == escrow.RoleAdmin {
		return nil
	}
	if t.EscrowType != escrow.TypeLocal || actor.Role != escrow.RoleMerchant {
		return ErrNotVerifier
	}
	shop, err := tx.GetShop(ctx, t.ShopID)
	if err != nil {
		return err
	}
	if shop.OwnerID != actor.ID {
		return ErrNotVerifier
	}
	return nil
}

// reject fails the verification: the session and transaction end, the
// listing goes back on sale, and a full refund awaits an admin.
func (c *Controller) reject(ctx context.Context, tx escrow.Tx, t *escrow.Transaction, ses *escrow.Session, actor escrow.Actor, notes string, now time.Time) (*outcome, error) {
	if ses != nil {
		if err := c.machine.Apply(ctx, tx, ses, escrow.SessionRejected, actor, notes); err != nil {
			return nil, err
		}
	}
	reason := "verification failed"
	if notes != "" {
		reason = "verification failed: " + notes
	}
	if err := t.Cancel(reason, now); err != nil {
		return nil, err
	}
	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return nil, err
	}
	if err := tx.UpdateListingStatus(ctx, t.ListingID, escrow.ListingActive); err != nil {
		return nil, err
	}

	pr, created, err := c.ledger.RequestRefund(ctx, tx, settlement.Request{
		OrderID:     t.ID,
		Type:        escrow.RefundFull,
		Amount:      t.BuyerPays,
		RecipientID: t.BuyerID,
		Reason:      reason,
		TriggeredBy: actor.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.AppendMessage(ctx, systemMessage(t.ID, now,
		fmt.Sprintf("Verification failed. A refund of %s to the buyer is awaiting admin review.", t.BuyerPays.StringFixed(2)))); err != nil {
		return nil, err
	}

	res := &Result{
		Success:     true,
		Message:     "Verification failed; transaction cancelled and refund requested",
		Cancelled:   true,
		Transaction: t,
	}
	if ses != nil {
		res.SessionStatus = ses.Status
	}
	res.SettlementID = pr.ID
	return &outcome{result: res, transaction: t, release: pr, created: created, rejected: true}, nil
}

// progress advances the session by one edge. The transaction is confirmed
// on the first step and the release is filed only on reaching
// RELEASE_REQUESTED. Non-LOCAL trades have no session and file at once.
func (c *Controller) progress(ctx context.Context, tx escrow.Tx, t *escrow.Transaction, ses *escrow.Session, actor escrow.Actor, notes string, now time.Time) (*outcome, error) {
	rerequested := t.Status == escrow.TxConfirmed &&
		(ses == nil || ses.Status == escrow.SessionReleaseRequested)

	if ses != nil && ses.Status != escrow.SessionReleaseRequested {
		next, ok := nextStep[ses.Status]
		if !ok {
			return nil, session.ErrInvalidTransition
		}
		if err := c.machine.Apply(ctx, tx, ses, next, actor, notes); err != nil {
			return nil, err
		}
	}

	if t.Status != escrow.TxConfirmed {
		if err := t.Confirm(now); err != nil {
			return nil, err
		}
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return nil, err
		}
	}

	if ses != nil && ses.Status != escrow.SessionReleaseRequested {
		if err := tx.AppendMessage(ctx, systemMessage(t.ID, now, stepMessages[ses.Status])); err != nil {
			return nil, err
		}
		res := &Result{
			Success:       true,
			Message:       stepMessages[ses.Status],
			SessionStatus: ses.Status,
		}
		return &outcome{result: res, transaction: t}, nil
	}

	pr, created, err := c.ledger.RequestRelease(ctx, tx, settlement.Request{
		OrderID:     t.ID,
		Type:        escrow.ReleaseToSeller,
		Amount:      t.SellerReceives,
		RecipientID: t.SellerID,
		Reason:      "verification passed",
		TriggeredBy: actor.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.AppendMessage(ctx, systemMessage(t.ID, now,
		fmt.Sprintf("Cards verified. Release of %s to the seller is awaiting admin review.", t.SellerReceives.StringFixed(2)))); err != nil {
		return nil, err
	}

	res := &Result{
		Success:      true,
		Message:      "Verification passed; release requested",
		SettlementID: pr.ID,
	}
	if ses != nil {
		res.SessionStatus = ses.Status
	}
	if rerequested {
		res.Message = "Release requested again"
	}
	return &outcome{result: res, transaction: t, release: pr, created: created, rerequested: rerequested}, nil
}

// nextStep is the forward edge a verify call takes from each status.
var nextStep = map[escrow.SessionStatus]escrow.SessionStatus{
	escrow.SessionCheckedIn:              escrow.SessionVerificationInProgress,
	escrow.SessionVerificationInProgress: escrow.SessionVerificationPassed,
	escrow.SessionVerificationPassed:     escrow.SessionReleaseRequested,
}

var stepMessages = map[escrow.SessionStatus]string{
	escrow.SessionVerificationInProgress: "Verification started at the shop.",
	escrow.SessionVerificationPassed:     "Cards verified. The merchant can now request the release.",
}

// codeMatches compares a presented code with the transaction's
// verification code, the session's static QR code and its unexpired QR
// token, ignoring case.
func codeMatches(code string, t *escrow.Transaction, ses *escrow.Session, now time.Time) bool {
	if equalFold(code, t.VerificationCode) {
		return true
	}
	if ses == nil {
		return false
	}
	if equalFold(code, ses.QRCode) {
		return true
	}
	return now.Before(ses.QRTokenExpiresAt) && equalFold(code, ses.QRToken)
}

func equalFold(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToUpper(a)), []byte(strings.ToUpper(b))) == 1
}

func (c *Controller) announcePassed(ctx context.Context, t *escrow.Transaction, pr *escrow.PendingRelease, created bool) {
	data := map[string]string{"transactionId": t.ID, "settlementId": pr.ID}
	for _, userID := range []string{t.BuyerID, t.SellerID} {
		c.notifier.Notify(ctx, notify.Notification{
			UserID:  userID,
			Type:    notify.TypeVerificationPassed,
			Title:   "Cards verified",
			Message: "The cards passed verification. The release is awaiting admin review.",
			Data:    data,
		})
	}
	if created {
		c.notifier.NotifyAdmins(ctx, notify.Notification{
			Type:    notify.TypeSettlementRequested,
			Title:   "Release awaiting review",
			Message: fmt.Sprintf("Transaction %s requests a release of %s to the seller.", t.ID, pr.Amount.StringFixed(2)),
			Data:    data,
		})
	}
}

func (c *Controller) announceRejected(ctx context.Context, t *escrow.Transaction, pr *escrow.PendingRelease) {
	data := map[string]string{"transactionId": t.ID, "settlementId": pr.ID}
	c.notifier.NotifyAdmins(ctx, notify.Notification{
		Type:    notify.TypeVerificationRejected,
		Title:   "Verification failed",
		Message: fmt.Sprintf("Transaction %s failed verification. A refund of %s awaits review.", t.ID, pr.Amount.StringFixed(2)),
		Data:    data,
	})
	for _, userID := range []string{t.BuyerID, t.SellerID} {
		c.notifier.Notify(ctx, notify.Notification{
			UserID:  userID,
			Type:    notify.TypeVerificationRejected,
			Title:   "Verification failed",
			Message: "The cards did not pass verification and the transaction was cancelled.",
			Data:    data,
		})
	}
}

// CheckIn marks a party present at the shop. A participant checks
// themselves in with the session's QR code or unexpired token; the shop
// owner or an admin may mark either party. Once both are present the
// session moves to CHECKED_IN.
func (c *Controller) CheckIn(ctx context.Context, transactionID string, actor escrow.Actor, req CheckInRequest) (*CheckInResult, error) {
	ctx, span := traces.StartSpan(ctx, "verification.CheckIn",
		traces.TransactionID(transactionID), traces.UserID(actor.ID))
	defer span.End()

	var (
		res       *CheckInResult
		t         *escrow.Transaction
		reachedIn bool
	)
	err := c.store.WithTx(ctx, func(tx escrow.Tx) error {
		var err error
		t, err = tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.EscrowType != escrow.TypeLocal {
			return ErrNoSession
		}
		if t.Status.IsTerminal() {
			return ErrTransactionClosed
		}
		ses, err := tx.LockSessionByTransaction(ctx, t.ID)
		if err != nil {
			return err
		}
		if ses.Status.IsTerminal() {
			return ErrTransactionClosed
		}
		now := c.now().UTC()
		if ses.Expired(now) {
			return ErrSessionExpired
		}

		party, err := c.checkInParty(ctx, tx, t, ses, actor, req, now)
		if err != nil {
			return err
		}
		switch party {
		case PartyBuyer:
			if !ses.BuyerPresent {
				ses.BuyerPresent = true
				ses.BuyerCheckedIn = &now
			}
		case PartySeller:
			if !ses.SellerPresent {
				ses.SellerPresent = true
				ses.SellerCheckedIn = &now
			}
		}
		ses.UpdatedAt = now
		if err := tx.UpdateSession(ctx, ses); err != nil {
			return err
		}

		if ses.BothPresent() && !ses.Status.AtOrAfterCheckIn() {
			if err := c.machine.Apply(ctx, tx, ses, escrow.SessionCheckedIn, actor, "both parties present"); err != nil {
				return err
			}
			reachedIn = true
		}
		res = &CheckInResult{SessionStatus: ses.Status, BuyerPresent: ses.BuyerPresent, SellerPresent: ses.SellerPresent}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	c.logger.Info("party checked in", "transaction", transactionID, "actor", actor.ID,
		"buyer", res.BuyerPresent, "seller", res.SellerPresent, "status", res.SessionStatus)
	if reachedIn {
		data := map[string]string{"transactionId": t.ID}
		for _, userID := range []string{t.BuyerID, t.SellerID} {
			c.notifier.Notify(ctx, notify.Notification{
				UserID:  userID,
				Type:    notify.TypeCheckedIn,
				Title:   "Checked in",
				Message: "Both parties are at the shop. Verification can begin.",
				Data:    data,
			})
		}
	}
	return res, nil
}

// checkInParty resolves which side the actor checks in.
func (c *Controller) checkInParty(ctx context.Context, tx escrow.Tx, t *escrow.Transaction, ses *escrow.Session, actor escrow.Actor, req CheckInRequest, now time.Time) (Party, error) {
	switch {
	case actor.ID == t.BuyerID || actor.ID == t.SellerID:
		if req.Code == "" {
			return "", ErrCodeRequired
		}
		if !equalFold(req.Code, ses.QRCode) && !(now.Before(ses.QRTokenExpiresAt) && equalFold(req.Code, ses.QRToken)) {
			return "", ErrInvalidCode
		}
		if actor.ID == t.BuyerID {
			return PartyBuyer, nil
		}
		return PartySeller, nil
	case actor.Role == escrow.RoleAdmin || actor.Role == escrow.RoleMerchant:
		if err := c.authorizeVerifier(ctx, tx, t, actor); err != nil {
			return "", ErrCheckInDenied
		}
		if req.Party != PartyBuyer && req.Party != PartySeller {
			return "", ErrInvalidParty
		}
		return req.Party, nil
	}
	return "", ErrCheckInDenied
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
