package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendReceipts(j *Journal, n int) ([]*Receipt, ChainAnchor) {
	for i := 0; i < n; i++ {
		j.Append(&Receipt{
			ID:        "rcpt_" + string(rune('a'+i)),
			AccountID: "acct_1",
			Amount:    "1.000000",
			Deposit:   "0.100000",
			CreatedAt: time.Unix(int64(i), 0).UTC(),
		})
	}
	return j.Drain()
}

func TestJournal_VerifyIntactChain(t *testing.T) {
	j := NewJournal("secret")
	receipts, anchor := appendReceipts(j, 3)
	require.Len(t, receipts, 3)
	assert.Empty(t, receipts[0].PrevHash)
	assert.Equal(t, receipts[0].ChainHash, receipts[1].PrevHash)
	assert.Equal(t, 3, anchor.Count)
	assert.Equal(t, receipts[2].ChainHash, anchor.To)
	assert.NoError(t, j.Verify(receipts, anchor))
	assert.Zero(t, j.Len())
}

func TestJournal_DetectsTampering(t *testing.T) {
	j := NewJournal("secret")
	receipts, anchor := appendReceipts(j, 3)
	receipts[1].Amount = "100.000000"
	assert.ErrorIs(t, j.Verify(receipts, anchor), ErrReceiptSignature)
}

func TestJournal_DetectsReordering(t *testing.T) {
	j := NewJournal("secret")
	receipts, anchor := appendReceipts(j, 3)
	receipts[1], receipts[2] = receipts[2], receipts[1]
	assert.ErrorIs(t, j.Verify(receipts, anchor), ErrChainBroken)
}

func TestJournal_DetectsDroppedReceipt(t *testing.T) {
	j := NewJournal("secret")
	receipts, anchor := appendReceipts(j, 3)

	tests := []struct {
		name  string
		batch []*Receipt
	}{
		{"middle", []*Receipt{receipts[0], receipts[2]}},
		{"first", receipts[1:]},
		{"last", receipts[:2]},
		{"all", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, j.Verify(tt.batch, anchor), ErrChainBroken)
		})
	}
}

func TestJournal_DetectsForgedAnchor(t *testing.T) {
	j := NewJournal("secret")
	receipts, anchor := appendReceipts(j, 3)

	forged := anchor
	forged.From, forged.Count = receipts[0].ChainHash, 2
	assert.ErrorIs(t, j.Verify(receipts[1:], forged), ErrChainBroken)
	assert.ErrorIs(t, j.Verify(receipts, ChainAnchor{}), ErrChainBroken)
}

func TestJournal_EmptyBatch(t *testing.T) {
	j := NewJournal("secret")
	receipts, anchor := j.Drain()
	assert.Empty(t, receipts)
	assert.NoError(t, j.Verify(nil, anchor))
}

func TestJournal_OtherKeyRejects(t *testing.T) {
	receipts, anchor := appendReceipts(NewJournal("secret"), 2)
	assert.ErrorIs(t, NewJournal("other").Verify(receipts, anchor), ErrChainBroken)
}

func TestJournal_BatchesStayLinked(t *testing.T) {
	j := NewJournal("")
	first, firstAnchor := appendReceipts(j, 2)
	second, secondAnchor := appendReceipts(j, 1)
	assert.Equal(t, first[1].ChainHash, second[0].PrevHash)
	assert.Equal(t, firstAnchor.To, secondAnchor.From)
	assert.NoError(t, j.Verify(first, firstAnchor))
	assert.NoError(t, j.Verify(second, secondAnchor))
	assert.ErrorIs(t, j.Verify(second, firstAnchor), ErrChainBroken)
}
