package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/cardescrow/internal/syncutil"
)

// MemoryStore is an in-memory outbox for demo/development mode and tests.
type MemoryStore struct {
	keyMu *syncutil.ContextShardedMutex

	mu    sync.RWMutex
	items map[string]Notification
}

// NewMemoryStore creates a new in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keyMu: syncutil.NewContextShardedMutex(),
		items: make(map[string]Notification),
	}
}

func (m *MemoryStore) Enqueue(ctx context.Context, n *Notification, window time.Duration) (bool, error) {
	key := n.dedupKey()
	unlock, err := m.keyMu.LockContext(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	since := n.CreatedAt.Add(-window)
	m.mu.RLock()
	for _, existing := range m.items {
		if existing.dedupKey() == key && existing.CreatedAt.After(since) {
			m.mu.RUnlock()
			return false, nil
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	m.items[n.ID] = *n
	m.mu.Unlock()
	return true, nil
}

func (m *MemoryStore) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Notification
	for _, n := range m.items {
		if n.Status == StatusPending && !n.NextAttemptAt.After(now) {
			n := n
			due = append(due, &n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, n := range due {
		stored := m.items[n.ID]
		stored.NextAttemptAt = now.Add(lease)
		m.items[n.ID] = stored
	}
	return due, nil
}

func (m *MemoryStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return nil
	}
	n.Status = StatusSent
	n.Attempts++
	n.SentAt = &at
	m.items[id] = n
	return nil
}

func (m *MemoryStore) MarkRetry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return nil
	}
	n.Attempts = attempts
	n.LastError = lastErr
	if next.IsZero() {
		n.Status = StatusFailed
	} else {
		n.NextAttemptAt = next
	}
	m.items[id] = n
	return nil
}

// List returns the notifications of a user, oldest first.
func (m *MemoryStore) List(userID string) []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Notification
	for _, n := range m.items {
		if n.UserID == userID {
			n := n
			result = append(result, &n)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

var _ Store = (*MemoryStore)(nil)
