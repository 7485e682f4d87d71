package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		disputes: make(map[string]*Dispute),
	}
}

func (m *MemoryStore) Create(_ context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.accounts {
		if existing.OrderID == acct.OrderID && !existing.State.IsTerminal() {
			return ErrActiveEscrowExists.Withf("order %s already has escrow %s", acct.OrderID, existing.ID)
		}
	}
	acct.Version = 1
	cp := *acct
	m.accounts[acct.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, acct := range m.accounts {
		if acct.OrderID == orderID {
			cp := *acct
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAccount(acct); err != nil {
		return err
	}
	acct.Version++
	cp := *acct
	m.accounts[acct.ID] = &cp
	return nil
}

func (m *MemoryStore) SaveWithDispute(_ context.Context, acct *Account, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAccount(acct); err != nil {
		return err
	}
	if d.Version == 0 {
		if _, exists := m.disputes[d.ID]; exists {
			return apperr.ErrConcurrentModification.Withf("dispute %s already exists", d.ID)
		}
	} else {
		stored, ok := m.disputes[d.ID]
		if !ok {
			return ErrDisputeNotFound
		}
		if stored.Version != d.Version {
			return apperr.ErrConcurrentModification.Withf("dispute %s was modified concurrently", d.ID)
		}
	}

	acct.Version++
	d.Version++
	acctCopy, dCopy := *acct, *d
	m.accounts[acct.ID] = &acctCopy
	m.disputes[d.ID] = &dCopy
	return nil
}

func (m *MemoryStore) checkAccount(acct *Account) error {
	stored, ok := m.accounts[acct.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Version != acct.Version {
		return apperr.ErrConcurrentModification.Withf("escrow %s was modified concurrently", acct.ID)
	}
	return nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListPendingDisputes(_ context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.IsPending() {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListReleasable(_ context.Context, now time.Time, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, acct := range m.accounts {
		if acct.State == StateFunded && acct.WindowEnded(now) {
			cp := *acct
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ReviewWindowEnds.Before(*result[j].ReviewWindowEnds) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
