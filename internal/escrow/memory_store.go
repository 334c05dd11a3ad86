package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/cardescrow/internal/pagination"
	"github.com/mbd888/cardescrow/internal/syncutil"
)

// MemoryStore is an in-memory escrow store for demo/development mode and tests.
//
// Units of work are serialized by a single context-aware mutex. Each one
// runs against a private copy of the state that replaces the committed
// state only when the unit returns nil.
type MemoryStore struct {
	txMu syncutil.ContextMutex

	mu    sync.RWMutex
	state *memState
}

type memState struct {
	proposals     map[string]Proposal
	listings      map[string]Listing
	shops         map[string]Shop
	subscriptions map[string]Subscription // by user ID
	transactions  map[string]Transaction
	txByProposal  map[string]string
	sessions      map[string]Session
	sessionByTx   map[string]string
	payments      map[string]Payment
	paymentByTx   map[string]string
	releases      map[string]PendingRelease
	audits        []SessionAudit
	messages      []Message
}

func newMemState() *memState {
	return &memState{
		proposals:     make(map[string]Proposal),
		listings:      make(map[string]Listing),
		shops:         make(map[string]Shop),
		subscriptions: make(map[string]Subscription),
		transactions:  make(map[string]Transaction),
		txByProposal:  make(map[string]string),
		sessions:      make(map[string]Session),
		sessionByTx:   make(map[string]string),
		payments:      make(map[string]Payment),
		paymentByTx:   make(map[string]string),
		releases:      make(map[string]PendingRelease),
	}
}

// clone copies the maps. Entities are stored by value, so the copy shares
// nothing mutable with the original.
func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.proposals {
		c.proposals[k] = v
	}
	for k, v := range s.listings {
		c.listings[k] = v
	}
	for k, v := range s.shops {
		c.shops[k] = v
	}
	for k, v := range s.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.txByProposal {
		c.txByProposal[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.sessionByTx {
		c.sessionByTx[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.paymentByTx {
		c.paymentByTx[k] = v
	}
	for k, v := range s.releases {
		c.releases[k] = v
	}
	c.audits = append([]SessionAudit(nil), s.audits...)
	c.messages = append([]Message(nil), s.messages...)
	return c
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (m *MemoryStore) snapshot() *memState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// WithTx runs fn as one unit of work.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return m.run(ctx, func(tx *memTx) error { return fn(tx) })
}

// WithSettlementTx runs fn as one unit of work that may change payments.
func (m *MemoryStore) WithSettlementTx(ctx context.Context, fn func(tx SettlementTx) error) error {
	return m.run(ctx, func(tx *memTx) error { return fn(tx) })
}

func (m *MemoryStore) run(ctx context.Context, fn func(tx *memTx) error) error {
	unlock, err := m.txMu.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	staged := m.snapshot().clone()
	if err := fn(&memTx{st: staged}); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = staged
	m.mu.Unlock()
	return nil
}

// Seeding helpers for records owned by other services.

// PutProposal stores or replaces a proposal.
func (m *MemoryStore) PutProposal(p Proposal) { m.put(func(s *memState) { s.proposals[p.ID] = p }) }

// PutListing stores or replaces a listing.
func (m *MemoryStore) PutListing(l Listing) { m.put(func(s *memState) { s.listings[l.ID] = l }) }

// PutShop stores or replaces a shop.
func (m *MemoryStore) PutShop(sh Shop) { m.put(func(s *memState) { s.shops[sh.ID] = sh }) }

// PutSubscription stores or replaces a subscription.
func (m *MemoryStore) PutSubscription(sub Subscription) {
	m.put(func(s *memState) { s.subscriptions[sub.UserID] = sub })
}

func (m *MemoryStore) put(fn func(s *memState)) {
	_ = m.run(context.Background(), func(tx *memTx) error {
		fn(tx.st)
		return nil
	})
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t, ok := m.snapshot().transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return &t, nil
}

func (m *MemoryStore) GetSessionByTransaction(ctx context.Context, transactionID string) (*Session, error) {
	st := m.snapshot()
	s, ok := st.sessions[st.sessionByTx[transactionID]]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *MemoryStore) GetPaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error) {
	st := m.snapshot()
	p, ok := st.payments[st.paymentByTx[transactionID]]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (m *MemoryStore) GetShop(ctx context.Context, id string) (*Shop, error) {
	sh, ok := m.snapshot().shops[id]
	if !ok {
		return nil, ErrShopNotFound
	}
	return &sh, nil
}

// GetListing returns a listing by ID.
func (m *MemoryStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	l, ok := m.snapshot().listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	return &l, nil
}

// GetSubscription returns the subscription of a user.
func (m *MemoryStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub, ok := m.snapshot().subscriptions[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	st := m.snapshot()

	var result []*Transaction
	for _, t := range st.transactions {
		t := t
		owner := false
		if t.ShopID != "" {
			owner = st.shops[t.ShopID].OwnerID == userID
		}
		if !t.IsParticipant(userID) && !owner {
			continue
		}
		if !after.After(t.PriorityTier.Rank(), t.CreatedAt, t.ID) {
			continue
		}
		result = append(result, &t)
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.PriorityTier.Rank() != b.PriorityTier.Rank() {
			return a.PriorityTier.Rank() > b.PriorityTier.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, sessionID string) ([]*SessionAudit, error) {
	var result []*SessionAudit
	for _, a := range m.snapshot().audits {
		if a.SessionID == sessionID {
			a := a
			result = append(result, &a)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, transactionID string) ([]*Message, error) {
	var result []*Message
	for _, msg := range m.snapshot().messages {
		if msg.TransactionID == transactionID {
			msg := msg
			result = append(result, &msg)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPendingReleases(ctx context.Context, status ReleaseStatus, limit int) ([]*PendingRelease, error) {
	var result []*PendingRelease
	for _, pr := range m.snapshot().releases {
		if status != "" && pr.Status != status {
			continue
		}
		pr := pr
		result = append(result, &pr)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetPendingRelease(ctx context.Context, id string) (*PendingRelease, error) {
	pr, ok := m.snapshot().releases[id]
	if !ok {
		return nil, ErrPendingReleaseNotFound
	}
	return &pr, nil
}

func (m *MemoryStore) ListExpiredSessions(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	state := m.snapshot()
	inFlight := make(map[string]bool)
	for _, pr := range state.releases {
		if pr.Status == ReleasePending {
			inFlight[pr.OrderID] = true
		}
	}

	var result []*Session
	for _, s := range state.sessions {
		if s.Status.IsTerminal() || inFlight[s.TransactionID] {
			continue
		}
		if s.ExpiredAt == nil || !s.ExpiredAt.Before(before) {
			continue
		}
		s := s
		result = append(result, &s)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ResetPriorityUsage(ctx context.Context, periodStart time.Time) (int64, error) {
	var n int64
	err := m.run(ctx, func(tx *memTx) error {
		for id, sub := range tx.st.subscriptions {
			if sub.PeriodStart.Before(periodStart) {
				sub.PriorityUsedThisMonth = 0
				sub.PeriodStart = periodStart
				tx.st.subscriptions[id] = sub
				n++
			}
		}
		return nil
	})
	return n, err
}

// memTx operates on a staged copy of the state.
type memTx struct {
	st *memState
}

func (t *memTx) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	p, ok := t.st.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return &p, nil
}

func (t *memTx) GetListing(ctx context.Context, id string) (*Listing, error) {
	l, ok := t.st.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	return &l, nil
}

func (t *memTx) UpdateListingStatus(ctx context.Context, id string, status ListingStatus) error {
	l, ok := t.st.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	l.Status = status
	l.UpdatedAt = time.Now().UTC()
	t.st.listings[id] = l
	return nil
}

func (t *memTx) GetShop(ctx context.Context, id string) (*Shop, error) {
	sh, ok := t.st.shops[id]
	if !ok {
		return nil, ErrShopNotFound
	}
	return &sh, nil
}

func (t *memTx) LockSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub, ok := t.st.subscriptions[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (t *memTx) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	if _, ok := t.st.subscriptions[sub.UserID]; !ok {
		return ErrSubscriptionNotFound
	}
	t.st.subscriptions[sub.UserID] = *sub
	return nil
}

func (t *memTx) CreateTransaction(ctx context.Context, tr *Transaction) error {
	if _, exists := t.st.txByProposal[tr.ProposalID]; exists {
		return ErrDuplicateTransaction
	}
	t.st.transactions[tr.ID] = *tr
	t.st.txByProposal[tr.ProposalID] = tr.ID
	return nil
}

func (t *memTx) LockTransaction(ctx context.Context, id string) (*Transaction, error) {
	tr, ok := t.st.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return &tr, nil
}

func (t *memTx) UpdateTransaction(ctx context.Context, tr *Transaction) error {
	if _, ok := t.st.transactions[tr.ID]; !ok {
		return ErrTransactionNotFound
	}
	t.st.transactions[tr.ID] = *tr
	return nil
}

func (t *memTx) CreateSession(ctx context.Context, s *Session) error {
	t.st.sessions[s.ID] = *s
	t.st.sessionByTx[s.TransactionID] = s.ID
	return nil
}

func (t *memTx) LockSession(ctx context.Context, id string) (*Session, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (t *memTx) LockSessionByTransaction(ctx context.Context, transactionID string) (*Session, error) {
	return t.LockSession(ctx, t.st.sessionByTx[transactionID])
}

func (t *memTx) UpdateSession(ctx context.Context, s *Session) error {
	if _, ok := t.st.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	t.st.sessions[s.ID] = *s
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, a *SessionAudit) error {
	t.st.audits = append(t.st.audits, *a)
	return nil
}

func (t *memTx) CreatePayment(ctx context.Context, p *Payment) error {
	t.st.payments[p.ID] = *p
	t.st.paymentByTx[p.TransactionID] = p.ID
	return nil
}

func (t *memTx) GetPaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error) {
	p, ok := t.st.payments[t.st.paymentByTx[transactionID]]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (t *memTx) UpdatePayment(ctx context.Context, p *Payment) error {
	if _, ok := t.st.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	t.st.payments[p.ID] = *p
	return nil
}

func (t *memTx) FindPendingRelease(ctx context.Context, orderID string, typ ReleaseType) (*PendingRelease, error) {
	for _, pr := range t.st.releases {
		if pr.OrderID == orderID && pr.Type == typ && pr.Status == ReleasePending {
			return &pr, nil
		}
	}
	return nil, ErrPendingReleaseNotFound
}

func (t *memTx) HasPendingRelease(ctx context.Context, orderID string) (bool, error) {
	for _, pr := range t.st.releases {
		if pr.OrderID == orderID && pr.Status == ReleasePending {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertPendingRelease(ctx context.Context, pr *PendingRelease) (bool, error) {
	if _, err := t.FindPendingRelease(ctx, pr.OrderID, pr.Type); err == nil {
		return false, nil
	}
	t.st.releases[pr.ID] = *pr
	return true, nil
}

func (t *memTx) LockPendingRelease(ctx context.Context, id string) (*PendingRelease, error) {
	pr, ok := t.st.releases[id]
	if !ok {
		return nil, ErrPendingReleaseNotFound
	}
	return &pr, nil
}

func (t *memTx) UpdatePendingRelease(ctx context.Context, pr *PendingRelease) error {
	if _, ok := t.st.releases[pr.ID]; !ok {
		return ErrPendingReleaseNotFound
	}
	t.st.releases[pr.ID] = *pr
	return nil
}

func (t *memTx) AppendMessage(ctx context.Context, msg *Message) error {
	t.st.messages = append(t.st.messages, *msg)
	return nil
}

// Compile-time assertions.
var (
	_ SettlementStore = (*MemoryStore)(nil)
	_ SettlementTx    = (*memTx)(nil)
)
