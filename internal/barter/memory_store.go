package barter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
)

// MemoryStore is an in-memory proposal store for demo/development mode.
type MemoryStore struct {
	proposals map[string]*Proposal
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory proposal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proposals: make(map[string]*Proposal)}
}

func (m *MemoryStore) Create(_ context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(p)
}

func (m *MemoryStore) insert(p *Proposal) error {
	if _, exists := m.proposals[p.ID]; exists {
		return apperr.ErrConcurrentModification.Withf("proposal %s already exists", p.ID)
	}
	p.Version = 1
	cp := *p
	m.proposals[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(p)
}

// update copies only the response fields onto the stored proposal.
func (m *MemoryStore) update(p *Proposal) error {
	stored, ok := m.proposals[p.ID]
	if !ok {
		return ErrProposalNotFound
	}
	if stored.Version != p.Version {
		return apperr.ErrConcurrentModification.Withf("proposal %s was modified concurrently", p.ID)
	}
	next := *stored
	next.State = p.State
	next.RespondedAt = p.RespondedAt
	next.RespondedBy = p.RespondedBy
	next.UpdatedAt = p.UpdatedAt
	next.Version++
	m.proposals[p.ID] = &next
	p.Version = next.Version
	return nil
}

func (m *MemoryStore) Counter(_ context.Context, original, counter *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.proposals[original.ID]
	if !ok {
		return ErrProposalNotFound
	}
	if stored.Version != original.Version {
		return apperr.ErrConcurrentModification.Withf("proposal %s was modified concurrently", original.ID)
	}
	if _, exists := m.proposals[counter.ID]; exists {
		return apperr.ErrConcurrentModification.Withf("proposal %s already exists", counter.ID)
	}
	if err := m.update(original); err != nil {
		return err
	}
	return m.insert(counter)
}

func (m *MemoryStore) GetByParent(_ context.Context, parentID string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.proposals {
		if p.ParentID == parentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrProposalNotFound
}

func (m *MemoryStore) ListByListing(_ context.Context, listingID string, limit int) ([]*Proposal, error) {
	return m.filter(func(p *Proposal) bool { return p.TargetListingID == listingID }, false, limit), nil
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Proposal, error) {
	return m.filter(func(p *Proposal) bool { return p.OrderID == orderID }, true, 0), nil
}

func (m *MemoryStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]*Proposal, error) {
	return m.filter(func(p *Proposal) bool {
		return p.State == StateProposed && !p.CreatedAt.After(cutoff)
	}, true, limit), nil
}

func (m *MemoryStore) filter(match func(*Proposal) bool, oldestFirst bool, limit int) []*Proposal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Proposal
	for _, p := range m.proposals {
		if match(p) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		if oldestFirst {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// MemoryDirectory is an in-memory ListingDirectory.
type MemoryDirectory struct {
	listings map[string]*Listing
	mu       sync.RWMutex
}

// NewMemoryDirectory creates an empty listing directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{listings: make(map[string]*Listing)}
}

// Put registers or replaces a listing.
func (d *MemoryDirectory) Put(_ context.Context, l *Listing) error {
	if l.ID == "" || l.OwnerID == "" {
		return apperr.Validationf("listing id and owner are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *l
	d.listings[l.ID] = &cp
	return nil
}

func (d *MemoryDirectory) GetListing(_ context.Context, id string) (*Listing, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	l, ok := d.listings[id]
	if !ok {
		return nil, ErrListingNotFound.Withf("listing %s not found", id)
	}
	cp := *l
	return &cp, nil
}

var (
	_ Store            = (*MemoryStore)(nil)
	_ ListingDirectory = (*MemoryDirectory)(nil)
)
