package order

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
// A transaction-id index is maintained alongside the primary map so lookups
// by provider transaction never scan.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	byTx   map[string]string // transaction id -> order id
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		byTx:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.OrderID]; ok {
		return ErrExists
	}
	cp := *o
	m.orders[o.OrderID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, orderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetByTransaction(ctx context.Context, txID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTx[txID]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := *m.orders[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order, expected State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[o.OrderID]
	if !ok {
		return ErrNotFound
	}
	if stored.State != expected {
		return ErrConflict
	}

	cp := *o
	cp.UpdatedAt = time.Now()
	m.orders[o.OrderID] = &cp
	if cp.TransactionID != "" {
		m.byTx[cp.TransactionID] = cp.OrderID
	}
	return nil
}

func (m *MemoryStore) SetAmount(ctx context.Context, orderID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if o.TransactionID != "" {
		return ErrAmountLocked
	}
	o.Amount = amount
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ClaimDelivery(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return false, ErrNotFound
	}
	if o.Delivered {
		return false, nil
	}
	o.Delivered = true
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ReleaseDelivery(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.Delivered = false
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByCreateTime(ctx context.Context, from, to int64) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.TransactionID == "" || o.State == StateNew {
			continue
		}
		if o.CreateTime < from || o.CreateTime > to {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	return result, nil
}
