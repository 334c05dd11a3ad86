package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists the outbox in the notifications table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed outbox.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Enqueue serializes concurrent enqueues of the same notification on a
// transaction-scoped advisory lock, then inserts only when no identical
// row exists inside the window.
func (p *PostgresStore) Enqueue(ctx context.Context, n *Notification, window time.Duration) (bool, error) {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return false, fmt.Errorf("encode notification data: %w", err)
	}
	if n.Data == nil {
		data = []byte("{}")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, n.dedupKey()); err != nil {
		return false, fmt.Errorf("dedup lock: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, data, admin, status, next_attempt_at, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, 'PENDING', $8, $8
		WHERE NOT EXISTS (
			SELECT 1 FROM notifications
			WHERE user_id = $2 AND type = $3 AND title = $4 AND message = $5
			  AND created_at > $9
		)
	`, n.ID, n.UserID, string(n.Type), n.Title, n.Message, data, n.Admin,
		n.CreatedAt, n.CreatedAt.Add(-window))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (p *PostgresStore) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Notification, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE notifications SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status = 'PENDING' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, user_id, type, title, message, data, admin, status,
		          attempts, last_error, next_attempt_at, created_at, sent_at
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET status = 'SENT', attempts = attempts + 1, sent_at = $2, last_error = NULL
		WHERE id = $1
	`, id, at)
	return err
}

func (p *PostgresStore) MarkRetry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	if next.IsZero() {
		_, err := p.db.ExecContext(ctx, `
			UPDATE notifications SET status = 'FAILED', attempts = $2, last_error = $3 WHERE id = $1
		`, id, attempts, lastErr)
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET attempts = $2, last_error = $3, next_attempt_at = $4 WHERE id = $1
	`, id, attempts, lastErr, next)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(s rowScanner) (*Notification, error) {
	n := &Notification{}
	var typ, status string
	var data []byte
	var lastErr sql.NullString
	var sentAt sql.NullTime

	if err := s.Scan(
		&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &data, &n.Admin, &status,
		&n.Attempts, &lastErr, &n.NextAttemptAt, &n.CreatedAt, &sentAt,
	); err != nil {
		return nil, err
	}

	n.Type = Type(typ)
	n.Status = Status(status)
	n.LastError = lastErr.String
	if sentAt.Valid {
		n.SentAt = &sentAt.Time
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("decode notification data: %w", err)
		}
	}
	return n, nil
}

var _ Store = (*PostgresStore)(nil)
