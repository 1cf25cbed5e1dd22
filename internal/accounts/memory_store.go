package accounts

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/tapipay/tapicore/internal/idgen"
	"github.com/tapipay/tapicore/internal/money"
)

type memAccount struct {
	balance   *big.Int
	totalIn   *big.Int
	totalOut  *big.Int
	updatedAt time.Time
}

// MemoryStore is an in-memory Store for demo and testing.
type MemoryStore struct {
	accounts map[string]*memAccount
	entries  []*Entry
	refs     map[string]bool
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memAccount),
		refs:     make(map[string]bool),
	}
}

func (m *MemoryStore) Open(ctx context.Context, id, initialBalance string) error {
	bal, ok := money.Parse(initialBalance)
	if !ok {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[id]; exists {
		return nil
	}
	m.accounts[id] = &memAccount{
		balance:   bal,
		totalIn:   new(big.Int).Set(bal),
		totalOut:  new(big.Int),
		updatedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &Account{
		ID:        id,
		Balance:   money.Format(a.balance),
		TotalIn:   money.Format(a.totalIn),
		TotalOut:  money.Format(a.totalOut),
		UpdatedAt: a.updatedAt,
	}, nil
}

func (m *MemoryStore) Debit(ctx context.Context, id, amount, reference, description string) error {
	return m.apply(id, "debit", amount, reference, description)
}

func (m *MemoryStore) Credit(ctx context.Context, id, amount, reference, description string) error {
	return m.apply(id, "credit", amount, reference, description)
}

func (m *MemoryStore) apply(id, typ, amount, reference, description string) error {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	refKey := typ + ":" + reference
	if reference != "" && m.refs[refKey] {
		return ErrDuplicateReference
	}

	switch typ {
	case "debit":
		if a.balance.Cmp(amt) < 0 {
			return ErrInsufficientBalance
		}
		a.balance.Sub(a.balance, amt)
		a.totalOut.Add(a.totalOut, amt)
	default:
		a.balance.Add(a.balance, amt)
		a.totalIn.Add(a.totalIn, amt)
	}
	a.updatedAt = time.Now()

	if reference != "" {
		m.refs[refKey] = true
	}
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("ent_"),
		AccountID:   id,
		Type:        typ,
		Amount:      money.Format(amt),
		Reference:   reference,
		Description: description,
		CreatedAt:   a.updatedAt,
	})
	return nil
}

func (m *MemoryStore) History(ctx context.Context, id string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.accounts[id]; !ok {
		return nil, ErrAccountNotFound
	}
	var out []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].AccountID != id {
			continue
		}
		e := *m.entries[i]
		out = append(out, &e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
