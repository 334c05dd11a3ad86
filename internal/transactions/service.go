// Package transactions opens escrows for accepted proposals and serves the
// transaction views of buyers, sellers, merchants and admins.
package transactions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/mbd888/cardescrow/internal/fees"
	"github.com/mbd888/cardescrow/internal/idgen"
	"github.com/mbd888/cardescrow/internal/metrics"
	"github.com/mbd888/cardescrow/internal/notify"
	"github.com/mbd888/cardescrow/internal/pagination"
	"github.com/mbd888/cardescrow/internal/priority"
	"github.com/mbd888/cardescrow/internal/session"
	"github.com/mbd888/cardescrow/internal/traces"
	"github.com/mbd888/cardescrow/internal/validation"
)

var (
	ErrProposalNotAccepted = apperr.New(apperr.Validation, "proposal_not_accepted", "proposal must be ACCEPTED before an escrow can be opened")
	ErrNotReceiver         = apperr.New(apperr.Forbidden, "not_proposal_receiver", "only the user who accepted the proposal can open its escrow")
	ErrShopRequired        = apperr.New(apperr.Validation, "shop_required", "LOCAL escrow requires a shopId")
	ErrShopInactive        = apperr.New(apperr.Validation, "shop_inactive", "shop is not accepting escrow sessions")
	ErrShopNotAllowed      = apperr.New(apperr.Validation, "shop_not_allowed", "VERIFIED escrow must not name a shop")
	ErrListingUnavailable  = apperr.New(apperr.Validation, "listing_unavailable", "listing is no longer available")
	ErrInvalidCursor       = apperr.New(apperr.Validation, "invalid_cursor", "cursor is not valid")
	ErrAccessDenied        = apperr.New(apperr.Forbidden, "transaction_access_denied", "you do not take part in this transaction")
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Options are the defaults applied when neither the proposal nor the
// request carries fee terms, plus session timing.
type Options struct {
	DefaultFeePercentage decimal.Decimal
	DefaultFeePaidBy     fees.Payer
	Currency             string
	QRTokenTTL           time.Duration
	AppointmentGrace     time.Duration
}

// CreateRequest opens an escrow for an accepted proposal. Monetary totals
// are never taken from the client.
type CreateRequest struct {
	ProposalID    string            `json:"proposalId"`
	EscrowType    escrow.EscrowType `json:"escrowType"`
	ShopID        string            `json:"shopId,omitempty"`
	ScheduledDate string            `json:"scheduledDate,omitempty"`
	ScheduledTime string            `json:"scheduledTime,omitempty"`
	FeePercentage *decimal.Decimal  `json:"feePercentage,omitempty"`
	FeePaidBy     fees.Payer        `json:"feePaidBy,omitempty"`
}

// Result is what Create produced.
type Result struct {
	Transaction *escrow.Transaction `json:"transaction"`
	SessionID   string              `json:"escrowSessionId,omitempty"`
	PaymentID   string              `json:"escrowPaymentId"`
}

// Details is a transaction with its session and payment.
type Details struct {
	Transaction *escrow.Transaction `json:"transaction"`
	Session     *escrow.Session     `json:"session,omitempty"`
	Payment     *escrow.Payment     `json:"payment,omitempty"`
}

// Page is one page of a priority-ordered listing.
type Page struct {
	Transactions []*escrow.Transaction `json:"transactions"`
	NextCursor   string                `json:"nextCursor,omitempty"`
	HasMore      bool                  `json:"hasMore"`
}

// Service is the transaction orchestrator.
type Service struct {
	store    escrow.Store
	machine  *session.Machine
	priority *priority.Scheduler
	notifier notify.Notifier
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a transaction service.
func NewService(store escrow.Store, machine *session.Machine, scheduler *priority.Scheduler, notifier notify.Notifier, opts Options, logger *slog.Logger) *Service {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if !opts.DefaultFeePaidBy.Valid() {
		opts.DefaultFeePaidBy = fees.PaidBySeller
	}
	return &Service{
		store:    store,
		machine:  machine,
		priority: scheduler,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// validate checks the request shape before anything is read.
func (req *CreateRequest) validate() error {
	errs := validation.Validate(
		validation.Required("proposalId", req.ProposalID),
		validation.ValidID("proposalId", req.ProposalID),
		validation.Required("escrowType", string(req.EscrowType)),
		validation.OneOf("escrowType", string(req.EscrowType), string(escrow.TypeLocal), string(escrow.TypeVerified)),
		validation.ValidDate("scheduledDate", req.ScheduledDate),
		validation.ValidTime("scheduledTime", req.ScheduledTime),
		validation.DecimalRange("feePercentage", req.FeePercentage, decimal.Zero, fees.MaxPercentage),
		validation.MaxDecimals("feePercentage", req.FeePercentage, 2),
		validation.OneOf("feePaidBy", string(req.FeePaidBy), string(fees.PaidBySeller), string(fees.PaidByBuyer), string(fees.PaidBySplit)),
	)
	if req.ScheduledTime != "" && req.ScheduledDate == "" {
		errs = append(errs, validation.ValidationError{Field: "scheduledDate", Message: "is required when scheduledTime is set"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// appointment returns the scheduled instant in UTC, or nil without a date.
// A date without a time books the start of the day.
func (req *CreateRequest) appointment() (*time.Time, error) {
	if req.ScheduledDate == "" {
		return nil, nil
	}
	clock := req.ScheduledTime
	if clock == "" {
		clock = "00:00"
	}
	at, err := time.ParseInLocation(dateLayout+" "+timeLayout, req.ScheduledDate+" "+clock, time.UTC)
	if err != nil {
		return nil, validation.ValidationErrors{{Field: "scheduledDate", Message: "is not a valid date"}}
	}
	return &at, nil
}

// Create opens the escrow for an accepted proposal: the transaction, its
// payment and, for LOCAL escrow, its session are written in one unit of
// work. actor must be the seller who accepted the proposal.
func (s *Service) Create(ctx context.Context, actor escrow.Actor, req CreateRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.Create",
		traces.ProposalID(req.ProposalID), traces.EscrowType(string(req.EscrowType)), traces.UserID(actor.ID))
	defer span.End()

	req.ShopID = strings.TrimSpace(req.ShopID)
	if err := req.validate(); err != nil {
		return nil, err
	}
	appointment, err := req.appointment()
	if err != nil {
		return nil, err
	}

	var result *Result
	err = s.store.WithTx(ctx, func(tx escrow.Tx) error {
		r, err := s.create(ctx, tx, actor, req, appointment)
		result = r
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	t := result.Transaction
	metrics.TransactionsCreatedTotal.WithLabelValues(string(t.EscrowType), string(t.PriorityTier)).Inc()
	s.logger.Info("transaction created",
		"id", t.ID, "proposal", t.ProposalID, "type", t.EscrowType, "tier", t.PriorityTier,
		"buyerPays", t.BuyerPays.StringFixed(2), "sellerReceives", t.SellerReceives.StringFixed(2))
	s.announceCreated(ctx, t)
	return result, nil
}

func (s *Service) create(ctx context.Context, tx escrow.Tx, actor escrow.Actor, req CreateRequest, appointment *time.Time) (*Result, error) {
	proposal, err := tx.GetProposal(ctx, req.ProposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != escrow.ProposalAccepted {
		return nil, ErrProposalNotAccepted
	}
	if actor.ID != proposal.ReceiverID {
		return nil, ErrNotReceiver
	}

	switch req.EscrowType {
	case escrow.TypeLocal:
		if req.ShopID == "" {
			return nil, ErrShopRequired
		}
		shop, err := tx.GetShop(ctx, req.ShopID)
		if err != nil {
			return nil, err
		}
		if !shop.Active {
			return nil, ErrShopInactive
		}
	case escrow.TypeVerified:
		if req.ShopID != "" {
			return nil, ErrShopNotAllowed
		}
	}

	listing, err := tx.GetListing(ctx, proposal.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.Status == escrow.ListingSold || listing.Status == escrow.ListingInactive {
		return nil, ErrListingUnavailable
	}

	split, err := s.split(proposal, listing, req)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tier, err := s.priority.Resolve(ctx, tx, proposal.ProposerID, now)
	if err != nil {
		return nil, err
	}

	t := &escrow.Transaction{
		ID:               idgen.WithPrefix("txn_"),
		ProposalID:       proposal.ID,
		ListingID:        listing.ID,
		BuyerID:          proposal.ProposerID,
		SellerID:         proposal.ReceiverID,
		ShopID:           req.ShopID,
		EscrowType:       req.EscrowType,
		Status:           escrow.TxPending,
		PriorityTier:     tier,
		ScheduledDate:    req.ScheduledDate,
		ScheduledTime:    req.ScheduledTime,
		VerificationCode: idgen.VerificationCode(),
		TotalAmount:      split.TotalAmount,
		FeePercentage:    split.FeePercentage,
		FeePaidBy:        split.FeePaidBy,
		FeeAmount:        split.FeeAmount,
		FinalAmount:      split.FinalAmount,
		BuyerPays:        split.BuyerPays,
		SellerReceives:   split.SellerReceives,
		Currency:         s.opts.Currency,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.EscrowType == escrow.TypeVerified {
		t.Status = escrow.TxPendingEscrowSetup
	}
	if err := tx.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}

	result := &Result{Transaction: t}
	if req.EscrowType == escrow.TypeLocal {
		ses, err := s.openSession(ctx, tx, t, actor, appointment, now)
		if err != nil {
			return nil, err
		}
		result.SessionID = ses.ID
	}

	payment := &escrow.Payment{
		ID:            idgen.WithPrefix("pay_"),
		TransactionID: t.ID,
		Amount:        t.BuyerPays,
		Currency:      t.Currency,
		Method:        escrow.MethodCash,
		Status:        escrow.PaymentPending,
		InitiatedAt:   now,
		UpdatedAt:     now,
	}
	if req.EscrowType == escrow.TypeVerified {
		payment.Method = escrow.MethodHeld
		payment.Status = escrow.PaymentHeld
		payment.HeldAt = &now
	}
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}
	result.PaymentID = payment.ID

	if err := tx.UpdateListingStatus(ctx, listing.ID, escrow.ListingReserved); err != nil {
		return nil, err
	}
	if err := tx.AppendMessage(ctx, &escrow.Message{
		ID:            idgen.WithPrefix("msg_"),
		TransactionID: t.ID,
		SenderID:      "system",
		Body:          fmt.Sprintf("Escrow opened: buyer pays %s, seller receives %s.", t.BuyerPays.StringFixed(2), t.SellerReceives.StringFixed(2)),
		System:        true,
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// split computes the fee terms: the proposal's, else the request's, else
// the configured defaults.
func (s *Service) split(proposal *escrow.Proposal, listing *escrow.Listing, req CreateRequest) (fees.Split, error) {
	amount := listing.Price
	if proposal.Type == escrow.ProposalSale && proposal.OfferPrice != nil {
		amount = *proposal.OfferPrice
	}

	pct := s.opts.DefaultFeePercentage
	switch {
	case proposal.FeePercentage != nil:
		pct = *proposal.FeePercentage
	case req.FeePercentage != nil:
		pct = *req.FeePercentage
	}
	paidBy := s.opts.DefaultFeePaidBy
	switch {
	case proposal.FeePaidBy != "":
		paidBy = proposal.FeePaidBy
	case req.FeePaidBy != "":
		paidBy = req.FeePaidBy
	}

	split, err := fees.Calculate(amount, pct, paidBy)
	if err != nil {
		return fees.Split{}, err
	}
	if err := split.Validate(); err != nil {
		return fees.Split{}, err
	}
	return split, nil
}

func (s *Service) openSession(ctx context.Context, tx escrow.Tx, t *escrow.Transaction, actor escrow.Actor, appointment *time.Time, now time.Time) (*escrow.Session, error) {
	ses := &escrow.Session{
		ID:               idgen.WithPrefix("ses_"),
		TransactionID:    t.ID,
		ShopID:           t.ShopID,
		Status:           escrow.SessionCreated,
		QRCode:           idgen.VerificationCode(),
		QRToken:          idgen.Token(),
		QRTokenExpiresAt: now.Add(s.opts.QRTokenTTL),
		AppointmentAt:    appointment,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	// Without an appointment the session lives as long as its QR token.
	expires := ses.QRTokenExpiresAt
	if appointment != nil {
		expires = appointment.Add(s.opts.AppointmentGrace)
	}
	ses.ExpiredAt = &expires

	if err := tx.CreateSession(ctx, ses); err != nil {
		return nil, err
	}
	if appointment != nil {
		if err := s.machine.Apply(ctx, tx, ses, escrow.SessionBooked, actor, "appointment "+appointment.Format(dateLayout+" "+timeLayout)); err != nil {
			return nil, err
		}
	}
	return ses, nil
}

func (s *Service) announceCreated(ctx context.Context, t *escrow.Transaction) {
	data := map[string]string{"transactionId": t.ID, "escrowType": string(t.EscrowType)}
	msg := fmt.Sprintf("An escrow of %s %s was opened.", t.TotalAmount.StringFixed(2), t.Currency)
	for _, userID := range []string{t.BuyerID, t.SellerID} {
		s.notifier.Notify(ctx, notify.Notification{
			UserID:  userID,
			Type:    notify.TypeTransactionCreated,
			Title:   "Escrow opened",
			Message: msg,
			Data:    data,
		})
	}
	if t.EscrowType == escrow.TypeVerified {
		s.notifier.NotifyAdmins(ctx, notify.Notification{
			Type:    notify.TypeShippingCoordination,
			Title:   "Shipping coordination needed",
			Message: fmt.Sprintf("Transaction %s is waiting for cards to reach the verification hub.", t.ID),
			Data:    data,
		})
	}
}

// Get returns a transaction with its session and payment. Buyers, sellers,
// the hosting shop's owner and admins may read it.
func (s *Service) Get(ctx context.Context, actor escrow.Actor, id string) (*Details, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, t); err != nil {
		return nil, err
	}

	d := &Details{Transaction: t}
	if t.EscrowType == escrow.TypeLocal {
		if d.Session, err = s.store.GetSessionByTransaction(ctx, id); err != nil {
			return nil, err
		}
	}
	if d.Payment, err = s.store.GetPaymentByTransaction(ctx, id); err != nil {
		return nil, err
	}
	return d, nil
}

// History returns the session audit trail of a LOCAL transaction.
func (s *Service) History(ctx context.Context, actor escrow.Actor, id string) ([]*escrow.SessionAudit, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, t); err != nil {
		return nil, err
	}
	ses, err := s.store.GetSessionByTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.machine.History(ctx, ses.ID)
}

func (s *Service) authorize(ctx context.Context, actor escrow.Actor, t *escrow.Transaction) error {
	if actor.Role == escrow.RoleAdmin || t.IsParticipant(actor.ID) {
		return nil
	}
	if t.ShopID != "" {
		shop, err := s.store.GetShop(ctx, t.ShopID)
		if err == nil && shop.OwnerID == actor.ID {
			return nil
		}
	}
	return ErrAccessDenied
}

// List returns the caller's transactions, highest priority first.
func (s *Service) List(ctx context.Context, userID, cursor string, limit int) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	items, err := s.store.ListTransactions(ctx, userID, after, limit+1)
	if err != nil {
		return nil, err
	}
	page, next, more := pagination.ComputePage(items, limit, func(t *escrow.Transaction) (int, time.Time, string) {
		return t.PriorityTier.Rank(), t.CreatedAt, t.ID
	})
	if page == nil {
		page = []*escrow.Transaction{}
	}
	return &Page{Transactions: page, NextCursor: next, HasMore: more}, nil
}
