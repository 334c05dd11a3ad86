// Package notify is the outbox for user and admin notifications.
//
// Services enqueue notifications after their unit of work commits. Enqueue
// never fails the caller: errors are logged and counted. A Dispatcher drains
// the outbox to the configured sinks (WebSocket hub, webhook) with retries.
//
// Identical notifications (same user, type, title and message) enqueued
// within the dedup window collapse into one.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/cardescrow/internal/idgen"
	"github.com/mbd888/cardescrow/internal/metrics"
)

// Type identifies what a notification is about.
type Type string

const (
	TypeTransactionCreated   Type = "transaction.created"
	TypeShippingCoordination Type = "transaction.shipping_coordination"
	TypeCheckedIn            Type = "session.checked_in"
	TypeVerificationPassed   Type = "verification.passed"
	TypeVerificationRejected Type = "verification.rejected"
	TypeSessionExpired       Type = "session.expired"
	TypeSettlementRequested  Type = "settlement.requested"
	TypeSettlementApproved   Type = "settlement.approved"
	TypeSettlementRejected   Type = "settlement.rejected"
)

// AdminRecipient is the UserID of notifications addressed to all admins.
const AdminRecipient = "admins"

// Status is the delivery state of a notification.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Notification is one outbox entry.
type Notification struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Type          Type              `json:"type"`
	Title         string            `json:"title"`
	Message       string            `json:"message"`
	Data          map[string]string `json:"data,omitempty"`
	Admin         bool              `json:"admin"`
	Status        Status            `json:"status"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"lastError,omitempty"`
	NextAttemptAt time.Time         `json:"-"`
	CreatedAt     time.Time         `json:"createdAt"`
	SentAt        *time.Time        `json:"sentAt,omitempty"`
}

// dedupKey identifies notifications that collapse within the window.
func (n *Notification) dedupKey() string {
	return n.UserID + "\x00" + string(n.Type) + "\x00" + n.Title + "\x00" + n.Message
}

// Store persists the outbox.
type Store interface {
	// Enqueue inserts n unless an identical notification was created after
	// n.CreatedAt minus window. It reports whether n was inserted.
	Enqueue(ctx context.Context, n *Notification, window time.Duration) (bool, error)
	// Claim returns up to limit PENDING notifications due at now and pushes
	// their next attempt to now+lease so concurrent dispatchers skip them.
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Notification, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	// MarkRetry records a failed attempt. A zero next marks it FAILED.
	MarkRetry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error
}

// Notifier is what services use to announce events. Implementations must
// not block on delivery or report errors to the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
	NotifyAdmins(ctx context.Context, n Notification)
}

// Outbox enqueues notifications on behalf of services.
type Outbox struct {
	store  Store
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewOutbox creates an outbox with the given dedup window.
func NewOutbox(store Store, window time.Duration, logger *slog.Logger) *Outbox {
	return &Outbox{store: store, window: window, logger: logger, now: time.Now}
}

// Notify enqueues a notification for a user. It never returns an error.
func (o *Outbox) Notify(ctx context.Context, n Notification) {
	o.enqueue(ctx, &n)
}

// NotifyAdmins enqueues a notification for the admin team.
func (o *Outbox) NotifyAdmins(ctx context.Context, n Notification) {
	n.UserID = AdminRecipient
	n.Admin = true
	o.enqueue(ctx, &n)
}

func (o *Outbox) enqueue(ctx context.Context, n *Notification) {
	now := o.now().UTC()
	n.ID = idgen.WithPrefix("ntf_")
	n.Status = StatusPending
	n.CreatedAt = now
	n.NextAttemptAt = now

	// The caller's request may already be finishing; the write must not
	// be cancelled with it.
	ctx = context.WithoutCancel(ctx)

	inserted, err := o.store.Enqueue(ctx, n, o.window)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("enqueue_failed").Inc()
		o.logger.Error("failed to enqueue notification",
			"user", n.UserID, "type", n.Type, "error", err)
		return
	}
	if !inserted {
		metrics.NotificationsTotal.WithLabelValues("deduplicated").Inc()
		o.logger.Debug("notification deduplicated", "user", n.UserID, "type", n.Type)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("enqueued").Inc()
}

var _ Notifier = (*Outbox)(nil)
