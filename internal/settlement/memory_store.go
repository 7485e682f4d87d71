package settlement

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/order"
)

// MemoryStore is an in-memory order and transaction store for
// demo/development mode.
type MemoryStore struct {
	orders       map[string]*order.Order
	transactions map[string]*Transaction
	refunds      map[string]*Refund // by transaction ID
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*order.Order),
		transactions: make(map[string]*Transaction),
		refunds:      make(map[string]*Refund),
	}
}

func (m *MemoryStore) CreateOrder(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[o.ID]; exists {
		return apperr.ErrConcurrentModification.Withf("order %s already exists", o.ID)
	}
	o.Version = 1
	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOrder(o); err != nil {
		return err
	}
	m.putOrder(o)
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetTransactionByEscrow(_ context.Context, escrowID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Transaction
	for _, tx := range m.transactions {
		if tx.EscrowID != escrowID {
			continue
		}
		if latest == nil || tx.CreatedAt.After(latest.CreatedAt) ||
			(tx.CreatedAt.Equal(latest.CreatedAt) && tx.ID > latest.ID) {
			latest = tx
		}
	}
	if latest == nil {
		return nil, ErrTransactionNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, orderID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.OrderID == orderID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) Commit(_ context.Context, o *order.Order, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check everything before writing anything.
	if o != nil {
		if err := m.checkOrder(o); err != nil {
			return err
		}
	}
	if tx != nil {
		if err := m.checkTransaction(tx); err != nil {
			return err
		}
	}

	if o != nil {
		m.putOrder(o)
	}
	if tx != nil {
		tx.Version++
		cp := *tx
		m.transactions[tx.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) SaveRefund(_ context.Context, o *order.Order, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.refunds[r.TransactionID]; exists {
		return ErrNotRefundable.Withf("transaction %s is already refunded", r.TransactionID)
	}
	if o != nil {
		if err := m.checkOrder(o); err != nil {
			return err
		}
		m.putOrder(o)
	}
	cp := *r
	m.refunds[r.TransactionID] = &cp
	return nil
}

func (m *MemoryStore) GetRefund(_ context.Context, transactionID string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refunds[transactionID]
	if !ok {
		return nil, ErrRefundNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) checkOrder(o *order.Order) error {
	stored, ok := m.orders[o.ID]
	if !ok {
		return order.ErrOrderNotFound
	}
	if stored.Version != o.Version {
		return apperr.ErrConcurrentModification.Withf("order %s was modified concurrently", o.ID)
	}
	return nil
}

func (m *MemoryStore) putOrder(o *order.Order) {
	o.Version++
	m.orders[o.ID] = copyOrder(o)
}

func (m *MemoryStore) checkTransaction(tx *Transaction) error {
	if tx.Version == 0 {
		if _, exists := m.transactions[tx.ID]; exists {
			return apperr.ErrConcurrentModification.Withf("transaction %s already exists", tx.ID)
		}
		if tx.IsActive() {
			for _, other := range m.transactions {
				if other.OrderID == tx.OrderID && other.IsActive() {
					return ErrSettlementInProgress.Withf("transaction %s is %s", other.ID, other.Status)
				}
			}
		}
		return nil
	}
	stored, ok := m.transactions[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if stored.Version != tx.Version {
		return apperr.ErrConcurrentModification.Withf("transaction %s was modified concurrently", tx.ID)
	}
	return nil
}

func copyOrder(o *order.Order) *order.Order {
	cp := *o
	if o.Items != nil {
		cp.Items = append([]order.LineItem(nil), o.Items...)
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
