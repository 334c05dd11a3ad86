// Package escrow holds the data model of a card-trade escrow and the stores
// that persist it.
//
// Flow:
//  1. An accepted proposal becomes a Transaction, its EscrowPayment and,
//     for LOCAL escrow, an EscrowSession at the shop.
//  2. Both parties check in at the shop; the merchant verifies the cards.
//  3. Verification either requests a release to the seller or, on
//     rejection, a full refund to the buyer.
//  4. An admin approves or rejects each pending release. Only approval
//     moves the payment to RELEASED or REFUNDED.
package escrow

import (
	"time"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/fees"
	"github.com/shopspring/decimal"
)

var (
	ErrTransactionNotFound    = apperr.New(apperr.NotFound, "transaction_not_found", "transaction not found")
	ErrSessionNotFound        = apperr.New(apperr.NotFound, "session_not_found", "escrow session not found")
	ErrPaymentNotFound        = apperr.New(apperr.NotFound, "payment_not_found", "escrow payment not found")
	ErrPendingReleaseNotFound = apperr.New(apperr.NotFound, "settlement_not_found", "settlement request not found")
	ErrProposalNotFound       = apperr.New(apperr.NotFound, "proposal_not_found", "proposal not found")
	ErrListingNotFound        = apperr.New(apperr.NotFound, "listing_not_found", "listing not found")
	ErrShopNotFound           = apperr.New(apperr.NotFound, "shop_not_found", "shop not found")
	ErrSubscriptionNotFound   = apperr.New(apperr.NotFound, "subscription_not_found", "subscription not found")
	ErrDuplicateTransaction   = apperr.New(apperr.Conflict, "duplicate_transaction", "a transaction already exists for this proposal")
	ErrInvalidStatus          = apperr.New(apperr.InvalidTransition, "invalid_status", "invalid status for this operation")
)

// Role is the capacity in which an actor operates on an escrow.
type Role string

const (
	RoleUser     Role = "USER"     // buyer or seller
	RoleMerchant Role = "MERCHANT" // owner of the shop hosting a LOCAL session
	RoleAdmin    Role = "ADMIN"
	RoleSystem   Role = "SYSTEM" // background jobs and the settlement ledger
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleMerchant, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor identifies who performs an operation. IP and UserAgent are recorded
// in the session audit trail.
type Actor struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// SystemActor returns the actor used by background jobs.
func SystemActor(name string) Actor {
	return Actor{ID: "system:" + name, Role: RoleSystem}
}

// EscrowType selects where the cards are exchanged.
type EscrowType string

const (
	TypeLocal    EscrowType = "LOCAL"    // in person at a partner shop
	TypeVerified EscrowType = "VERIFIED" // shipped to the central verification hub
)

// Valid reports whether t is a known escrow type.
func (t EscrowType) Valid() bool {
	return t == TypeLocal || t == TypeVerified
}

// TransactionStatus is the lifecycle state of a Transaction.
type TransactionStatus string

const (
	TxPending            TransactionStatus = "PENDING"
	TxPendingEscrowSetup TransactionStatus = "PENDING_ESCROW_SETUP"
	TxConfirmed          TransactionStatus = "CONFIRMED"
	TxCompleted          TransactionStatus = "COMPLETED"
	TxCancelled          TransactionStatus = "CANCELLED"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TxPending:            {TxConfirmed, TxCancelled},
	TxPendingEscrowSetup: {TxConfirmed, TxCancelled},
	TxConfirmed:          {TxCompleted, TxCancelled},
}

// IsTerminal returns true for COMPLETED and CANCELLED.
func (s TransactionStatus) IsTerminal() bool {
	return s == TxCompleted || s == TxCancelled
}

// CanTransitionTo reports whether the transaction may move from s to next.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PriorityTier orders transactions in merchant and admin queues.
type PriorityTier string

const (
	TierStandard  PriorityTier = "STANDARD"
	TierPriority  PriorityTier = "PRIORITY"
	TierFastTrack PriorityTier = "FAST_TRACK"
)

// Rank is the sort weight of the tier; higher ranks are served first.
func (t PriorityTier) Rank() int {
	switch t {
	case TierFastTrack:
		return 2
	case TierPriority:
		return 1
	default:
		return 0
	}
}

// Transaction is the record of one escrowed trade. It is never deleted.
type Transaction struct {
	ID               string            `json:"id"`
	ProposalID       string            `json:"proposalId"`
	ListingID        string            `json:"listingId"`
	BuyerID          string            `json:"buyerId"`
	SellerID         string            `json:"sellerId"`
	ShopID           string            `json:"shopId,omitempty"`
	EscrowType       EscrowType        `json:"escrowType"`
	Status           TransactionStatus `json:"status"`
	PriorityTier     PriorityTier      `json:"priorityTier"`
	ScheduledDate    string            `json:"scheduledDate,omitempty"`
	ScheduledTime    string            `json:"scheduledTime,omitempty"`
	VerificationCode string            `json:"-"`
	TotalAmount      decimal.Decimal   `json:"totalAmount"`
	FeePercentage    decimal.Decimal   `json:"feePercentage"`
	FeePaidBy        fees.Payer        `json:"feePaidBy"`
	FeeAmount        decimal.Decimal   `json:"feeAmount"`
	FinalAmount      decimal.Decimal   `json:"finalAmount"`
	BuyerPays        decimal.Decimal   `json:"buyerPays"`
	SellerReceives   decimal.Decimal   `json:"sellerReceives"`
	Currency         string            `json:"currency"`
	CancelReason     string            `json:"cancelReason,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	ConfirmedAt      *time.Time        `json:"confirmedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	CancelledAt      *time.Time        `json:"cancelledAt,omitempty"`
}

// Split returns the fee figures of the transaction for re-validation.
func (t *Transaction) Split() fees.Split {
	return fees.Split{
		TotalAmount:    t.TotalAmount,
		FeePercentage:  t.FeePercentage,
		FeePaidBy:      t.FeePaidBy,
		FeeAmount:      t.FeeAmount,
		BuyerPays:      t.BuyerPays,
		SellerReceives: t.SellerReceives,
		FinalAmount:    t.FinalAmount,
	}
}

// IsParticipant reports whether userID is the buyer or the seller.
func (t *Transaction) IsParticipant(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// Confirm marks the transaction CONFIRMED.
func (t *Transaction) Confirm(now time.Time) error {
	if !t.Status.CanTransitionTo(TxConfirmed) {
		return ErrInvalidStatus
	}
	t.Status = TxConfirmed
	t.ConfirmedAt = &now
	t.UpdatedAt = now
	return nil
}

// Complete marks the transaction COMPLETED.
func (t *Transaction) Complete(now time.Time) error {
	if !t.Status.CanTransitionTo(TxCompleted) {
		return ErrInvalidStatus
	}
	t.Status = TxCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// Cancel marks the transaction CANCELLED with reason.
func (t *Transaction) Cancel(reason string, now time.Time) error {
	if !t.Status.CanTransitionTo(TxCancelled) {
		return ErrInvalidStatus
	}
	t.Status = TxCancelled
	t.CancelReason = reason
	t.CancelledAt = &now
	t.UpdatedAt = now
	return nil
}

// SessionStatus is the state of an in-person escrow session.
type SessionStatus string

const (
	SessionCreated                SessionStatus = "CREATED"
	SessionBooked                 SessionStatus = "BOOKED"
	SessionCheckedIn              SessionStatus = "CHECKED_IN"
	SessionVerificationInProgress SessionStatus = "VERIFICATION_IN_PROGRESS"
	SessionVerificationPassed     SessionStatus = "VERIFICATION_PASSED"
	SessionReleaseRequested       SessionStatus = "RELEASE_REQUESTED"
	SessionCompleted              SessionStatus = "COMPLETED"
	SessionRejected               SessionStatus = "REJECTED"
	SessionCancelled              SessionStatus = "CANCELLED"
)

// sessionProgress is the position of each forward state. Terminal
// REJECTED and CANCELLED have no position.
var sessionProgress = map[SessionStatus]int{
	SessionCreated:                0,
	SessionBooked:                 1,
	SessionCheckedIn:              2,
	SessionVerificationInProgress: 3,
	SessionVerificationPassed:     4,
	SessionReleaseRequested:       5,
	SessionCompleted:              6,
}

// IsTerminal returns true for COMPLETED, REJECTED and CANCELLED.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionRejected || s == SessionCancelled
}

// AtOrAfterCheckIn reports whether s is CHECKED_IN or a later forward state.
func (s SessionStatus) AtOrAfterCheckIn() bool {
	p, ok := sessionProgress[s]
	return ok && p >= sessionProgress[SessionCheckedIn]
}

// Session tracks an in-person exchange at a shop. LOCAL transactions have
// exactly one.
type Session struct {
	ID               string        `json:"id"`
	TransactionID    string        `json:"transactionId"`
	ShopID           string        `json:"shopId"`
	Status           SessionStatus `json:"status"`
	BuyerPresent     bool          `json:"buyerPresent"`
	SellerPresent    bool          `json:"sellerPresent"`
	BuyerCheckedIn   *time.Time    `json:"buyerCheckedInAt,omitempty"`
	SellerCheckedIn  *time.Time    `json:"sellerCheckedInAt,omitempty"`
	QRCode           string        `json:"-"` // deprecated static code, still accepted
	QRToken          string        `json:"-"`
	QRTokenExpiresAt time.Time     `json:"qrTokenExpiresAt"`
	AppointmentAt    *time.Time    `json:"appointmentAt,omitempty"`
	ExpiredAt        *time.Time    `json:"expiredAt,omitempty"`
	VerifiedBy       string        `json:"verifiedBy,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// BothPresent reports whether buyer and seller have checked in.
func (s *Session) BothPresent() bool {
	return s.BuyerPresent && s.SellerPresent
}

// Expired reports whether the appointment window has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiredAt != nil && now.After(*s.ExpiredAt)
}

// SessionAudit is one immutable row of a session's transition history.
type SessionAudit struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionId"`
	FromStatus SessionStatus `json:"fromStatus"`
	ToStatus   SessionStatus `json:"toStatus"`
	ActorID    string        `json:"actorId"`
	ActorRole  Role          `json:"actorRole"`
	IP         string        `json:"ip,omitempty"`
	UserAgent  string        `json:"userAgent,omitempty"`
	Notes      string        `json:"notes,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// PaymentMethod is how the buyer's funds are held.
type PaymentMethod string

const (
	MethodCash PaymentMethod = "CASH" // paid at the shop counter
	MethodHeld PaymentMethod = "HELD" // held by the platform until release
)

// PaymentStatus is the state of an EscrowPayment.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentHeld     PaymentStatus = "HELD"
	PaymentReleased PaymentStatus = "RELEASED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentHeld, PaymentReleased, PaymentRefunded},
	PaymentHeld:    {PaymentReleased, PaymentRefunded},
}

// IsTerminal returns true for RELEASED and REFUNDED.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentReleased || s == PaymentRefunded
}

// CanTransitionTo reports whether the payment may move from s to next.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Payment is the funds record of a Transaction. Its status is written only
// by the settlement ledger.
type Payment struct {
	ID             string          `json:"id"`
	TransactionID  string          `json:"transactionId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Method         PaymentMethod   `json:"method"`
	Status         PaymentStatus   `json:"status"`
	RefundedAmount decimal.Decimal `json:"refundedAmount"`
	InitiatedAt    time.Time       `json:"initiatedAt"`
	HeldAt         *time.Time      `json:"heldAt,omitempty"`
	ReleasedAt     *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt     *time.Time      `json:"refundedAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ReleaseType is what a settlement request does with the funds.
type ReleaseType string

const (
	ReleaseToSeller ReleaseType = "RELEASE_TO_SELLER"
	RefundFull      ReleaseType = "REFUND_FULL"
	RefundPartial   ReleaseType = "REFUND_PARTIAL"
)

// IsRefund reports whether the request returns funds to the buyer.
func (t ReleaseType) IsRefund() bool {
	return t == RefundFull || t == RefundPartial
}

// ReleaseStatus is the review state of a settlement request.
type ReleaseStatus string

const (
	ReleasePending  ReleaseStatus = "PENDING"
	ReleaseApproved ReleaseStatus = "APPROVED"
	ReleaseRejected ReleaseStatus = "REJECTED"
)

// PendingRelease is a settlement request awaiting admin review. At most one
// PENDING request exists per (OrderID, Type).
type PendingRelease struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	Type        ReleaseType     `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	RecipientID string          `json:"recipientId"`
	Reason      string          `json:"reason"`
	TriggeredBy string          `json:"triggeredBy"`
	Status      ReleaseStatus   `json:"status"`
	ReviewedBy  string          `json:"reviewedBy,omitempty"`
	ReviewedAt  *time.Time      `json:"reviewedAt,omitempty"`
	ReviewNote  string          `json:"reviewNote,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ProposalType distinguishes a cash sale from a card-for-card trade.
type ProposalType string

const (
	ProposalSale  ProposalType = "SALE"
	ProposalTrade ProposalType = "TRADE"
)

// ProposalStatus is owned by the proposals service; only ACCEPTED matters here.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "PENDING"
	ProposalAccepted  ProposalStatus = "ACCEPTED"
	ProposalRejected  ProposalStatus = "REJECTED"
	ProposalWithdrawn ProposalStatus = "WITHDRAWN"
)

// Proposal is an offer on a listing. ProposerID is the buyer, ReceiverID the
// seller who accepted it.
type Proposal struct {
	ID            string           `json:"id"`
	ListingID     string           `json:"listingId"`
	ProposerID    string           `json:"proposerId"`
	ReceiverID    string           `json:"receiverId"`
	Type          ProposalType     `json:"type"`
	OfferPrice    *decimal.Decimal `json:"offerPrice,omitempty"`
	FeePercentage *decimal.Decimal `json:"feePercentage,omitempty"`
	FeePaidBy     fees.Payer       `json:"feePaidBy,omitempty"`
	Status        ProposalStatus   `json:"status"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// ListingStatus tracks availability of the listed cards.
type ListingStatus string

const (
	ListingActive   ListingStatus = "ACTIVE"
	ListingReserved ListingStatus = "RESERVED"
	ListingSold     ListingStatus = "SOLD"
	ListingInactive ListingStatus = "INACTIVE"
)

// Listing is the subset of a marketplace listing the escrow needs.
type Listing struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"ownerId"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Status    ListingStatus   `json:"status"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Shop is a partner store that hosts LOCAL sessions.
type Shop struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	Name    string `json:"name"`
	Active  bool   `json:"active"`
}

// SubscriptionTier is the user's plan.
type SubscriptionTier string

const (
	PlanFree    SubscriptionTier = "FREE"
	PlanBasic   SubscriptionTier = "BASIC"
	PlanPremium SubscriptionTier = "PREMIUM"
	PlanPro     SubscriptionTier = "PRO"
)

// UnlimitedPriority as MonthlyLimit means no cap on PRIORITY transactions.
const UnlimitedPriority = -1

// Subscription carries the monthly priority allowance of a user.
type Subscription struct {
	UserID                string           `json:"userId"`
	Tier                  SubscriptionTier `json:"tier"`
	PriorityUsedThisMonth int              `json:"priorityUsedThisMonth"`
	MonthlyLimit          int              `json:"monthlyLimit"`
	PeriodStart           time.Time        `json:"periodStart"`
}

// Message is a system message posted in a transaction's thread.
type Message struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	SenderID      string    `json:"senderId"`
	Body          string    `json:"body"`
	System        bool      `json:"system"`
	CreatedAt     time.Time `json:"createdAt"`
}
