// Package auth provides API-key authentication for the escrow API.
//
// Authentication model:
//   - Health and metrics endpoints: no auth required
//   - Everything under /v1: API key required; the key carries the user ID
//     and the role (USER, MERCHANT, ADMIN) the caller acts in
//   - Keys are issued by cmd/apikey or by an authenticated user for itself
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/escrow"
)

// Errors
var (
	ErrNoAPIKey      = apperr.New(apperr.Unauthorized, "unauthorized", "API key required. Include 'Authorization: Bearer sk_...' header.")
	ErrInvalidAPIKey = apperr.New(apperr.Unauthorized, "invalid_api_key", "invalid or expired API key")
	ErrKeyNotFound   = apperr.New(apperr.NotFound, "key_not_found", "API key not found")
	ErrInvalidRole   = apperr.New(apperr.Validation, "invalid_role", "role must be USER, MERCHANT or ADMIN")
)

// APIKey represents an API key
type APIKey struct {
	ID        string      `json:"id"`
	Hash      string      `json:"-"` // SHA256 hash of key (stored)
	UserID    string      `json:"userId"`
	Role      escrow.Role `json:"role"`
	Name      string      `json:"name"`
	CreatedAt time.Time   `json:"createdAt"`
	LastUsed  time.Time   `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
	Revoked   bool        `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// Manager handles authentication
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager creates a new auth manager
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// GenerateKey creates a new API key for a user acting in role.
// Returns the raw key (shown once) and the stored metadata.
// A zero ttl issues a key that never expires.
func (m *Manager) GenerateKey(ctx context.Context, userID string, role escrow.Role, name string, ttl time.Duration) (rawKey string, key *APIKey, err error) {
	if role == escrow.RoleSystem || !role.Valid() {
		return "", nil, ErrInvalidRole
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = "sk_" + hex.EncodeToString(b)

	now := time.Now()
	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		UserID:    userID,
		Role:      role,
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	id, at := key.ID, time.Now()
	go func() {
		if err := m.store.TouchLastUsed(context.Background(), id, at); err != nil {
			m.logger.Warn("failed to record key use", "key", id, "error", err)
		}
	}()

	return key, nil
}

// ListKeys returns all keys of a user
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return m.store.GetByUser(ctx, userID)
}

// RevokeKey revokes one of the user's API keys
func (m *Manager) RevokeKey(ctx context.Context, keyID, userID string) error {
	keys, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = *key
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return &k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			k := k
			result = append(result, &k)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return ErrKeyNotFound
	}
	s.keys[key.ID] = *key
	return nil
}

func (s *MemoryStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.LastUsed = at
	s.keys[id] = k
	return nil
}

var _ Store = (*MemoryStore)(nil)
