package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/cardescrow/internal/fees"
	"github.com/mbd888/cardescrow/internal/pagination"
	"github.com/shopspring/decimal"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx runs fn inside a database transaction.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return p.run(ctx, func(tx *pgTx) error { return fn(tx) })
}

// WithSettlementTx runs fn inside a database transaction that may change payments.
func (p *PostgresStore) WithSettlementTx(ctx context.Context, fn func(tx SettlementTx) error) error {
	return p.run(ctx, func(tx *pgTx) error { return fn(tx) })
}

func (p *PostgresStore) run(ctx context.Context, fn func(tx *pgTx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const transactionColumns = `t.id, t.proposal_id, t.listing_id, t.buyer_id, t.seller_id, t.shop_id,
		t.escrow_type, t.status, t.priority_tier, t.scheduled_date, t.scheduled_time,
		t.verification_code, t.total_amount, t.fee_percentage, t.fee_paid_by, t.fee_amount,
		t.final_amount, t.buyer_pays, t.seller_receives, t.currency, t.cancel_reason,
		t.created_at, t.updated_at, t.confirmed_at, t.completed_at, t.cancelled_at`

const sessionColumns = `id, transaction_id, shop_id, status, buyer_present, seller_present,
		buyer_checked_in_at, seller_checked_in_at, qr_code, qr_token, qr_token_expires_at,
		appointment_at, expired_at, verified_by, notes, created_at, updated_at`

const paymentColumns = `id, transaction_id, amount, currency, method, status, refunded_amount,
		initiated_at, held_at, released_at, refunded_at, updated_at`

const releaseColumns = `id, order_id, type, amount, recipient_id, reason, triggered_by, status,
		reviewed_by, reviewed_at, review_note, created_at`

func getTransaction(ctx context.Context, q queryer, id string, forUpdate bool) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions t WHERE t.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTransaction(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func getSessionBy(ctx context.Context, q queryer, column, value string, forUpdate bool) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM escrow_sessions WHERE ` + column + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanSession(q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func getPaymentByTransaction(ctx context.Context, q queryer, transactionID string) (*Payment, error) {
	pay, err := scanPayment(q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM escrow_payments WHERE transaction_id = $1`, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func getShop(ctx context.Context, q queryer, id string) (*Shop, error) {
	sh := &Shop{}
	err := q.QueryRowContext(ctx, `SELECT id, owner_id, name, active FROM shops WHERE id = $1`, id).
		Scan(&sh.ID, &sh.OwnerID, &sh.Name, &sh.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrShopNotFound
	}
	if err != nil {
		return nil, err
	}
	return sh, nil
}

func getRelease(ctx context.Context, q queryer, id string, forUpdate bool) (*PendingRelease, error) {
	query := `SELECT ` + releaseColumns + ` FROM pending_releases WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	pr, err := scanRelease(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPendingReleaseNotFound
	}
	return pr, err
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return getTransaction(ctx, p.db, id, false)
}

func (p *PostgresStore) GetSessionByTransaction(ctx context.Context, transactionID string) (*Session, error) {
	return getSessionBy(ctx, p.db, "transaction_id", transactionID, false)
}

func (p *PostgresStore) GetPaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error) {
	return getPaymentByTransaction(ctx, p.db, transactionID)
}

func (p *PostgresStore) GetShop(ctx context.Context, id string) (*Shop, error) {
	return getShop(ctx, p.db, id)
}

func (p *PostgresStore) GetPendingRelease(ctx context.Context, id string) (*PendingRelease, error) {
	return getRelease(ctx, p.db, id, false)
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	var (
		hasCursor bool
		rank      int
		createdAt time.Time
		afterID   string
	)
	if after != nil {
		hasCursor, rank, createdAt, afterID = true, after.Rank, after.CreatedAt, after.ID
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions t
		LEFT JOIN shops s ON s.id = t.shop_id
		WHERE (t.buyer_id = $1 OR t.seller_id = $1 OR s.owner_id = $1)
		  AND (NOT $2::BOOLEAN OR (t.priority_rank, t.created_at, t.id) < ($3::SMALLINT, $4::TIMESTAMPTZ, $5::VARCHAR))
		ORDER BY t.priority_rank DESC, t.created_at DESC, t.id DESC
		LIMIT $6`, userID, hasCursor, rank, createdAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListAudit(ctx context.Context, sessionID string) ([]*SessionAudit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, from_status, to_status, actor_id, actor_role, ip, user_agent, notes, created_at
		FROM escrow_session_audit WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*SessionAudit
	for rows.Next() {
		a := &SessionAudit{}
		var from, to, role string
		var ip, ua, notes sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionID, &from, &to, &a.ActorID, &role, &ip, &ua, &notes, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.FromStatus, a.ToStatus, a.ActorRole = SessionStatus(from), SessionStatus(to), Role(role)
		a.IP, a.UserAgent, a.Notes = ip.String, ua.String, notes.String
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListMessages(ctx context.Context, transactionID string) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, sender_id, body, system, created_at
		FROM transaction_messages WHERE transaction_id = $1 ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.TransactionID, &m.SenderID, &m.Body, &m.System, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListPendingReleases(ctx context.Context, status ReleaseStatus, limit int) ([]*PendingRelease, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+releaseColumns+`
		FROM pending_releases
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at, id
		LIMIT NULLIF($2, 0)`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PendingRelease
	for rows.Next() {
		pr, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListExpiredSessions(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM escrow_sessions s
		WHERE s.status NOT IN ('COMPLETED', 'REJECTED', 'CANCELLED')
		  AND s.expired_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM pending_releases pr
			WHERE pr.order_id = s.transaction_id AND pr.status = 'PENDING')
		ORDER BY s.expired_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ResetPriorityUsage(ctx context.Context, periodStart time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET priority_used_this_month = 0, period_start = $1
		WHERE period_start < $1`, periodStart)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// pgTx implements Tx and SettlementTx over a *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	pr := &Proposal{}
	var typ, status string
	var offer, pct decimal.NullDecimal
	var paidBy sql.NullString
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, listing_id, proposer_id, receiver_id, type, offer_price,
		       fee_percentage, fee_paid_by, status, created_at
		FROM proposals WHERE id = $1`, id).Scan(
		&pr.ID, &pr.ListingID, &pr.ProposerID, &pr.ReceiverID, &typ, &offer,
		&pct, &paidBy, &status, &pr.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Type, pr.Status, pr.FeePaidBy = ProposalType(typ), ProposalStatus(status), fees.Payer(paidBy.String)
	if offer.Valid {
		pr.OfferPrice = &offer.Decimal
	}
	if pct.Valid {
		pr.FeePercentage = &pct.Decimal
	}
	return pr, nil
}

func (t *pgTx) GetListing(ctx context.Context, id string) (*Listing, error) {
	l := &Listing{}
	var status string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, owner_id, title, price, status, updated_at FROM listings WHERE id = $1`, id).
		Scan(&l.ID, &l.OwnerID, &l.Title, &l.Price, &status, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Status = ListingStatus(status)
	return l, nil
}

func (t *pgTx) UpdateListingStatus(ctx context.Context, id string, status ListingStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE listings SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), id)
	return expectOne(res, err, ErrListingNotFound)
}

func (t *pgTx) GetShop(ctx context.Context, id string) (*Shop, error) {
	return getShop(ctx, t.tx, id)
}

func (t *pgTx) LockSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub := &Subscription{}
	var tier string
	err := t.tx.QueryRowContext(ctx, `
		SELECT user_id, tier, priority_used_this_month, monthly_limit, period_start
		FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&sub.UserID, &tier, &sub.PriorityUsedThisMonth, &sub.MonthlyLimit, &sub.PeriodStart)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.Tier = SubscriptionTier(tier)
	return sub, nil
}

func (t *pgTx) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE subscriptions SET priority_used_this_month = $1, period_start = $2
		WHERE user_id = $3`, sub.PriorityUsedThisMonth, sub.PeriodStart, sub.UserID)
	return expectOne(res, err, ErrSubscriptionNotFound)
}

func (t *pgTx) CreateTransaction(ctx context.Context, tr *Transaction) error {
	var id string
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO transactions (
			id, proposal_id, listing_id, buyer_id, seller_id, shop_id,
			escrow_type, status, priority_tier, priority_rank, scheduled_date, scheduled_time,
			verification_code, total_amount, fee_percentage, fee_paid_by, fee_amount,
			final_amount, buyer_pays, seller_receives, currency, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23
		)
		ON CONFLICT (proposal_id) DO NOTHING
		RETURNING id`,
		tr.ID, tr.ProposalID, tr.ListingID, tr.BuyerID, tr.SellerID, nullString(tr.ShopID),
		string(tr.EscrowType), string(tr.Status), string(tr.PriorityTier), tr.PriorityTier.Rank(),
		nullString(tr.ScheduledDate), nullString(tr.ScheduledTime),
		tr.VerificationCode, tr.TotalAmount, tr.FeePercentage, string(tr.FeePaidBy), tr.FeeAmount,
		tr.FinalAmount, tr.BuyerPays, tr.SellerReceives, tr.Currency, tr.CreatedAt, tr.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicateTransaction
	}
	if isUniqueViolation(err) {
		return ErrDuplicateTransaction
	}
	return err
}

func (t *pgTx) LockTransaction(ctx context.Context, id string) (*Transaction, error) {
	return getTransaction(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateTransaction(ctx context.Context, tr *Transaction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, cancel_reason = $2, updated_at = $3,
			confirmed_at = $4, completed_at = $5, cancelled_at = $6
		WHERE id = $7`,
		string(tr.Status), nullString(tr.CancelReason), tr.UpdatedAt,
		nullTime(tr.ConfirmedAt), nullTime(tr.CompletedAt), nullTime(tr.CancelledAt),
		tr.ID,
	)
	return expectOne(res, err, ErrTransactionNotFound)
}

func (t *pgTx) CreateSession(ctx context.Context, s *Session) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrow_sessions (
			id, transaction_id, shop_id, status, buyer_present, seller_present,
			qr_code, qr_token, qr_token_expires_at, appointment_at, expired_at,
			notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.TransactionID, s.ShopID, string(s.Status), s.BuyerPresent, s.SellerPresent,
		nullString(s.QRCode), s.QRToken, s.QRTokenExpiresAt, nullTime(s.AppointmentAt), nullTime(s.ExpiredAt),
		nullString(s.Notes), s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (t *pgTx) LockSession(ctx context.Context, id string) (*Session, error) {
	return getSessionBy(ctx, t.tx, "id", id, true)
}

func (t *pgTx) LockSessionByTransaction(ctx context.Context, transactionID string) (*Session, error) {
	return getSessionBy(ctx, t.tx, "transaction_id", transactionID, true)
}

func (t *pgTx) UpdateSession(ctx context.Context, s *Session) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE escrow_sessions SET
			status = $1, buyer_present = $2, seller_present = $3,
			buyer_checked_in_at = $4, seller_checked_in_at = $5,
			appointment_at = $6, expired_at = $7, verified_by = $8, notes = $9, updated_at = $10
		WHERE id = $11`,
		string(s.Status), s.BuyerPresent, s.SellerPresent,
		nullTime(s.BuyerCheckedIn), nullTime(s.SellerCheckedIn),
		nullTime(s.AppointmentAt), nullTime(s.ExpiredAt), nullString(s.VerifiedBy), nullString(s.Notes), s.UpdatedAt,
		s.ID,
	)
	return expectOne(res, err, ErrSessionNotFound)
}

func (t *pgTx) AppendAudit(ctx context.Context, a *SessionAudit) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrow_session_audit (
			id, session_id, from_status, to_status, actor_id, actor_role, ip, user_agent, notes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.SessionID, string(a.FromStatus), string(a.ToStatus), a.ActorID, string(a.ActorRole),
		nullString(a.IP), nullString(a.UserAgent), nullString(a.Notes), a.CreatedAt,
	)
	return err
}

func (t *pgTx) CreatePayment(ctx context.Context, pay *Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrow_payments (
			id, transaction_id, amount, currency, method, status, refunded_amount,
			initiated_at, held_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pay.ID, pay.TransactionID, pay.Amount, pay.Currency, string(pay.Method), string(pay.Status),
		pay.RefundedAmount, pay.InitiatedAt, nullTime(pay.HeldAt), pay.UpdatedAt,
	)
	return err
}

func (t *pgTx) GetPaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error) {
	return getPaymentByTransaction(ctx, t.tx, transactionID)
}

func (t *pgTx) UpdatePayment(ctx context.Context, pay *Payment) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE escrow_payments SET
			status = $1, refunded_amount = $2, held_at = $3, released_at = $4,
			refunded_at = $5, updated_at = $6
		WHERE id = $7`,
		string(pay.Status), pay.RefundedAmount, nullTime(pay.HeldAt), nullTime(pay.ReleasedAt),
		nullTime(pay.RefundedAt), pay.UpdatedAt, pay.ID,
	)
	return expectOne(res, err, ErrPaymentNotFound)
}

func (t *pgTx) FindPendingRelease(ctx context.Context, orderID string, typ ReleaseType) (*PendingRelease, error) {
	pr, err := scanRelease(t.tx.QueryRowContext(ctx, `
		SELECT `+releaseColumns+`
		FROM pending_releases
		WHERE order_id = $1 AND type = $2 AND status = 'PENDING'`, orderID, string(typ)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPendingReleaseNotFound
	}
	return pr, err
}

func (t *pgTx) HasPendingRelease(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pending_releases WHERE order_id = $1 AND status = 'PENDING'
		)`, orderID).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertPendingRelease(ctx context.Context, pr *PendingRelease) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO pending_releases (
			id, order_id, type, amount, recipient_id, reason, triggered_by, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id, type) WHERE status = 'PENDING' DO NOTHING`,
		pr.ID, pr.OrderID, string(pr.Type), pr.Amount, pr.RecipientID, pr.Reason,
		pr.TriggeredBy, string(pr.Status), pr.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) LockPendingRelease(ctx context.Context, id string) (*PendingRelease, error) {
	return getRelease(ctx, t.tx, id, true)
}

func (t *pgTx) UpdatePendingRelease(ctx context.Context, pr *PendingRelease) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE pending_releases SET status = $1, reviewed_by = $2, reviewed_at = $3, review_note = $4
		WHERE id = $5`,
		string(pr.Status), nullString(pr.ReviewedBy), nullTime(pr.ReviewedAt), nullString(pr.ReviewNote), pr.ID,
	)
	return expectOne(res, err, ErrPendingReleaseNotFound)
}

func (t *pgTx) AppendMessage(ctx context.Context, m *Message) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transaction_messages (id, transaction_id, sender_id, body, system, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.TransactionID, m.SenderID, m.Body, m.System, m.CreatedAt,
	)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		shopID, schedDate, schedTime, cancelReason sql.NullString
		escrowType, status, tier, paidBy           string
		confirmedAt, completedAt, cancelledAt      sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.ProposalID, &t.ListingID, &t.BuyerID, &t.SellerID, &shopID,
		&escrowType, &status, &tier, &schedDate, &schedTime,
		&t.VerificationCode, &t.TotalAmount, &t.FeePercentage, &paidBy, &t.FeeAmount,
		&t.FinalAmount, &t.BuyerPays, &t.SellerReceives, &t.Currency, &cancelReason,
		&t.CreatedAt, &t.UpdatedAt, &confirmedAt, &completedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	t.ShopID, t.ScheduledDate, t.ScheduledTime, t.CancelReason = shopID.String, schedDate.String, schedTime.String, cancelReason.String
	t.EscrowType, t.Status, t.PriorityTier, t.FeePaidBy = EscrowType(escrowType), TransactionStatus(status), PriorityTier(tier), fees.Payer(paidBy)
	t.ConfirmedAt, t.CompletedAt, t.CancelledAt = timePtr(confirmedAt), timePtr(completedAt), timePtr(cancelledAt)
	return t, nil
}

func scanSession(s scanner) (*Session, error) {
	ses := &Session{}
	var (
		status                                 string
		buyerIn, sellerIn, appointment, expiry sql.NullTime
		qrCode, verifiedBy, notes              sql.NullString
	)
	err := s.Scan(
		&ses.ID, &ses.TransactionID, &ses.ShopID, &status, &ses.BuyerPresent, &ses.SellerPresent,
		&buyerIn, &sellerIn, &qrCode, &ses.QRToken, &ses.QRTokenExpiresAt,
		&appointment, &expiry, &verifiedBy, &notes, &ses.CreatedAt, &ses.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ses.Status = SessionStatus(status)
	ses.BuyerCheckedIn, ses.SellerCheckedIn = timePtr(buyerIn), timePtr(sellerIn)
	ses.AppointmentAt, ses.ExpiredAt = timePtr(appointment), timePtr(expiry)
	ses.QRCode, ses.VerifiedBy, ses.Notes = qrCode.String, verifiedBy.String, notes.String
	return ses, nil
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var method, status string
	var held, released, refunded sql.NullTime
	err := s.Scan(
		&pay.ID, &pay.TransactionID, &pay.Amount, &pay.Currency, &method, &status, &pay.RefundedAmount,
		&pay.InitiatedAt, &held, &released, &refunded, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pay.Method, pay.Status = PaymentMethod(method), PaymentStatus(status)
	pay.HeldAt, pay.ReleasedAt, pay.RefundedAt = timePtr(held), timePtr(released), timePtr(refunded)
	return pay, nil
}

func scanRelease(s scanner) (*PendingRelease, error) {
	pr := &PendingRelease{}
	var typ, status string
	var reviewedBy, note sql.NullString
	var reviewedAt sql.NullTime
	err := s.Scan(
		&pr.ID, &pr.OrderID, &typ, &pr.Amount, &pr.RecipientID, &pr.Reason, &pr.TriggeredBy, &status,
		&reviewedBy, &reviewedAt, &note, &pr.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	pr.Type, pr.Status = ReleaseType(typ), ReleaseStatus(status)
	pr.ReviewedBy, pr.ReviewNote, pr.ReviewedAt = reviewedBy.String, note.String, timePtr(reviewedAt)
	return pr, nil
}

// expectOne turns a zero-row update into notFound.
func expectOne(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// nullString converts an empty string to SQL NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertions.
var (
	_ SettlementStore = (*PostgresStore)(nil)
	_ SettlementTx    = (*pgTx)(nil)
)
