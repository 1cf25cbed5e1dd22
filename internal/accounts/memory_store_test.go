package accounts

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract runs the behavior every Store must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.Open(ctx, "acct_1", "250"))
	require.NoError(t, s.Open(ctx, "acct_1", "999"), "open is idempotent")

	a, err := s.GetBalance(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "250.000000", a.Balance)

	require.NoError(t, s.Debit(ctx, "acct_1", "20", "hold_1", "offline deposit"))
	assert.ErrorIs(t, s.Debit(ctx, "acct_1", "20", "hold_1", "offline deposit"), ErrDuplicateReference)
	require.NoError(t, s.Credit(ctx, "acct_1", "20", "hold_1", "deposit returned"), "credit and debit references are separate")

	require.NoError(t, s.Debit(ctx, "acct_1", "100.5", "", "payment"))
	require.NoError(t, s.Debit(ctx, "acct_1", "0.5", "", "payment"))

	a, err = s.GetBalance(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "149.000000", a.Balance)

	assert.ErrorIs(t, s.Debit(ctx, "acct_1", "149.000001", "", "overdraft"), ErrInsufficientBalance)
	assert.ErrorIs(t, s.Debit(ctx, "missing", "1", "", ""), ErrAccountNotFound)
	assert.ErrorIs(t, s.Credit(ctx, "acct_1", "0", "", ""), ErrInvalidAmount)
	assert.ErrorIs(t, s.Credit(ctx, "acct_1", "-1", "", ""), ErrInvalidAmount)

	_, err = s.GetBalance(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	history, err := s.History(ctx, "acct_1", 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	assert.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "acct_1", "10"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Debit(ctx, "acct_1", "1", "", "")
		}()
	}
	wg.Wait()

	a, err := s.GetBalance(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "0.000000", a.Balance)
}

func TestMemoryStore_HistoryNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "acct_1", "10"))
	require.NoError(t, s.Debit(ctx, "acct_1", "1", "a", ""))
	require.NoError(t, s.Debit(ctx, "acct_1", "2", "b", ""))

	h, err := s.History(ctx, "acct_1", 0)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, "b", h[0].Reference)
	assert.Equal(t, "2.000000", h[0].Amount)
}
