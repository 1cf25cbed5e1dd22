package authflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tapipay/tapicore/internal/fusion"
	"github.com/tapipay/tapicore/internal/pagination"
)

// Record is the audit entry written when an authorization terminates.
// Credentials are never recorded.
type Record struct {
	ID          string           `json:"id"`
	AccountID   string           `json:"accountId"`
	Amount      string           `json:"amount"`
	PayeeRef    string           `json:"payeeRef,omitempty"`
	Offline     bool             `json:"offline"`
	FinalState  State            `json:"finalState"`
	Reason      string           `json:"reason,omitempty"`
	Decision    *fusion.Decision `json:"decision,omitempty"`
	PINAttempts int              `json:"pinAttempts"`
	Captures    int              `json:"captures"`
	ReceiptID   string           `json:"receiptId,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	FinishedAt  time.Time        `json:"finishedAt"`
}

// Store persists authorization records.
type Store interface {
	Record(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// ListByAccount returns records newest first, ordered by finish time
	// then descending ID, starting after before when it is non-nil.
	ListByAccount(ctx context.Context, accountID string, before *pagination.Cursor, limit int) ([]*Record, error)
}

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Record
	ordered []*Record
}

// NewMemoryStore creates an in-memory authorization store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Record)}
}

func (s *MemoryStore) Record(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := copyRecord(rec)
	if _, ok := s.byID[r.ID]; ok {
		return nil
	}
	s.byID[r.ID] = r
	s.ordered = append(s.ordered, r)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, accountID string, before *pagination.Cursor, limit int) ([]*Record, error) {
	s.mu.RLock()
	var out []*Record
	for _, r := range s.ordered {
		if r.AccountID == accountID && before.After(r.FinishedAt, r.ID) {
			out = append(out, copyRecord(r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].FinishedAt.After(out[j].FinishedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyRecord(r *Record) *Record {
	c := *r
	if r.Decision != nil {
		d := *r.Decision
		c.Decision = &d
	}
	return &c
}
