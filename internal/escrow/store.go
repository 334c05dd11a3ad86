package escrow

import (
	"context"
	"time"

	"github.com/mbd888/cardescrow/internal/pagination"
)

// Tx is a unit of work. Every write made through a Tx commits or rolls back
// together. Lock* methods take row locks that are held until the unit of
// work ends.
type Tx interface {
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	GetListing(ctx context.Context, id string) (*Listing, error)
	UpdateListingStatus(ctx context.Context, id string, status ListingStatus) error
	GetShop(ctx context.Context, id string) (*Shop, error)

	// LockSubscription returns ErrSubscriptionNotFound when the user has none.
	LockSubscription(ctx context.Context, userID string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// CreateTransaction returns ErrDuplicateTransaction when the proposal
	// already has a transaction.
	CreateTransaction(ctx context.Context, t *Transaction) error
	LockTransaction(ctx context.Context, id string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, t *Transaction) error

	CreateSession(ctx context.Context, s *Session) error
	LockSession(ctx context.Context, id string) (*Session, error)
	LockSessionByTransaction(ctx context.Context, transactionID string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	AppendAudit(ctx context.Context, a *SessionAudit) error

	CreatePayment(ctx context.Context, p *Payment) error
	GetPaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error)

	// FindPendingRelease returns ErrPendingReleaseNotFound when no PENDING
	// request of the type exists for the order.
	FindPendingRelease(ctx context.Context, orderID string, typ ReleaseType) (*PendingRelease, error)
	HasPendingRelease(ctx context.Context, orderID string) (bool, error)
	// InsertPendingRelease reports false without error when a PENDING
	// request of the same (order, type) already exists.
	InsertPendingRelease(ctx context.Context, pr *PendingRelease) (bool, error)
	LockPendingRelease(ctx context.Context, id string) (*PendingRelease, error)
	UpdatePendingRelease(ctx context.Context, pr *PendingRelease) error

	AppendMessage(ctx context.Context, m *Message) error
}

// SettlementTx is a unit of work that may also change payment status.
// Only the settlement ledger is handed one.
type SettlementTx interface {
	Tx
	UpdatePayment(ctx context.Context, p *Payment) error
}

// Store persists escrow data.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetSessionByTransaction(ctx context.Context, transactionID string) (*Session, error)
	GetPaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error)
	GetShop(ctx context.Context, id string) (*Shop, error)

	// ListTransactions returns transactions the user takes part in, as buyer,
	// seller or owner of the hosting shop, ordered by
	// (priority rank DESC, created_at DESC, id DESC) after the cursor.
	ListTransactions(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error)
	ListAudit(ctx context.Context, sessionID string) ([]*SessionAudit, error)
	ListMessages(ctx context.Context, transactionID string) ([]*Message, error)
	ListPendingReleases(ctx context.Context, status ReleaseStatus, limit int) ([]*PendingRelease, error)
	GetPendingRelease(ctx context.Context, id string) (*PendingRelease, error)

	// ListExpiredSessions returns open sessions whose appointment window
	// closed before the given time. Sessions whose transaction has a PENDING
	// settlement request are left to the admin review.
	ListExpiredSessions(ctx context.Context, before time.Time, limit int) ([]*Session, error)

	// ResetPriorityUsage zeroes the monthly counter of subscriptions whose
	// period started before periodStart and moves them to periodStart.
	ResetPriorityUsage(ctx context.Context, periodStart time.Time) (int64, error)
}

// SettlementStore is a Store that can open settlement units of work.
type SettlementStore interface {
	Store
	WithSettlementTx(ctx context.Context, fn func(tx SettlementTx) error) error
}
