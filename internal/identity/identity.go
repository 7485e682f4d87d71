// Package identity authenticates marketplace users and answers role
// questions for the settlement subsystems.
//
// Authentication model:
// - Read endpoints and payment-method listings: no auth required
// - Mutations: API key identifying the acting user
// - Barter responses require the buyer or seller role; dispute
//   resolution requires the admin role
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
)

// Role is a marketplace role granted to a user.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return true
	}
	return false
}

// Errors
var (
	ErrNoAPIKey      = apperr.New(apperr.KindAuthorization, "api_key_required", "API key required")
	ErrInvalidAPIKey = apperr.New(apperr.KindAuthorization, "invalid_api_key", "invalid or expired API key")
	ErrKeyNotFound   = apperr.New(apperr.KindNotFound, "api_key_not_found", "API key not found")
	ErrInvalidRole   = apperr.New(apperr.KindValidation, "invalid_role", "unknown role")
)

// RoleChecker answers whether a user holds a role. Settlement services
// depend on this interface rather than on Manager.
type RoleChecker interface {
	HasRole(ctx context.Context, userID string, role Role) (bool, error)
}

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of key (stored)
	UserID    string     `json:"userId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys and role grants
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error

	GrantRole(ctx context.Context, userID string, role Role) error
	RevokeRole(ctx context.Context, userID string, role Role) error
	Roles(ctx context.Context, userID string) ([]Role, error)
}

// Manager handles authentication and role lookups
type Manager struct {
	store Store
}

// NewManager creates a new identity manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey creates a new API key for a user.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, userID, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)
	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ImportKey registers an operator-supplied raw key (e.g. the bootstrap
// admin key from configuration).
func (m *Manager) ImportKey(ctx context.Context, rawKey, userID, name string) (*APIKey, error) {
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}
	hash := hashKey(rawKey)
	if existing, err := m.store.GetByHash(ctx, hash); err == nil {
		return existing, nil
	}
	key := &APIKey{
		ID:        "ak_" + hash[:16],
		Hash:      hash,
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
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
	touched := *key
	touched.LastUsed = time.Now()
	go func() {
		_ = m.store.Update(context.Background(), &touched)
	}()

	return key, nil
}

// RevokeKey revokes an API key owned by userID
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

// GrantRole gives userID the role.
func (m *Manager) GrantRole(ctx context.Context, userID string, role Role) error {
	if !role.Valid() {
		return ErrInvalidRole.Withf("unknown role %q", role)
	}
	return m.store.GrantRole(ctx, userID, role)
}

// RevokeRole removes the role from userID.
func (m *Manager) RevokeRole(ctx context.Context, userID string, role Role) error {
	return m.store.RevokeRole(ctx, userID, role)
}

// HasRole implements RoleChecker.
func (m *Manager) HasRole(ctx context.Context, userID string, role Role) (bool, error) {
	if userID == "" {
		return false, nil
	}
	roles, err := m.store.Roles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu    sync.RWMutex
	keys  map[string]*APIKey // by ID
	roles map[string]map[Role]bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:  make(map[string]*APIKey),
		roles: make(map[string]map[Role]bool),
	}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByUser(_ context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return ErrKeyNotFound
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GrantRole(_ context.Context, userID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[userID] == nil {
		s.roles[userID] = make(map[Role]bool)
	}
	s.roles[userID][role] = true
	return nil
}

func (s *MemoryStore) RevokeRole(_ context.Context, userID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles[userID], role)
	return nil
}

func (s *MemoryStore) Roles(_ context.Context, userID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Role
	for r := range s.roles[userID] {
		result = append(result, r)
	}
	return result, nil
}
