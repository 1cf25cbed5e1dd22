package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tapipay/tapicore/internal/idgen"
)

var (
	ErrReceiptSignature = errors.New("receipt signature invalid")
	ErrChainBroken      = errors.New("receipt chain broken")
)

// Receipt records one committed offline reservation.
type Receipt struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"accountId"`
	Amount            string    `json:"amount"`
	Deposit           string    `json:"deposit"`
	PayeeRef          string    `json:"payeeRef"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
	CredentialToken   string    `json:"credentialToken,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	Signature         string    `json:"signature"`
	PrevHash          string    `json:"prevHash"`
	ChainHash         string    `json:"chainHash"`
}

// receiptRecord is the signed subset of a receipt.
type receiptRecord struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"accountId"`
	Amount            string    `json:"amount"`
	Deposit           string    `json:"deposit"`
	PayeeRef          string    `json:"payeeRef"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
	CredentialToken   string    `json:"credentialToken,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

func (r *Receipt) record() receiptRecord {
	return receiptRecord{
		ID:                r.ID,
		AccountID:         r.AccountID,
		Amount:            r.Amount,
		Deposit:           r.Deposit,
		PayeeRef:          r.PayeeRef,
		DeviceFingerprint: r.DeviceFingerprint,
		CredentialToken:   r.CredentialToken,
		CreatedAt:         r.CreatedAt,
	}
}

// ChainAnchor seals the boundaries of one drained batch: the chain head it
// started from, the head it ended at and how many receipts lie between.
type ChainAnchor struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
	Seal  string `json:"seal"`
}

// Journal is the in-memory, HMAC-chained list of receipts awaiting
// settlement. It is not safe for concurrent use; the ledger lock guards it.
type Journal struct {
	secret  []byte
	pending []*Receipt
	base    string // head when the pending batch began
	head    string
}

// NewJournal creates a journal keyed by secret. An empty secret is
// replaced with a random per-process key.
func NewJournal(secret string) *Journal {
	if secret == "" {
		secret = idgen.Hex(32)
	}
	return &Journal{secret: []byte(secret)}
}

// Append signs r, links it to the chain head and adds it to the journal.
func (j *Journal) Append(r *Receipt) {
	r.Signature = j.sign(r.record())
	r.PrevHash = j.head
	r.ChainHash = j.link(r.PrevHash, r.Signature)
	j.head = r.ChainHash
	j.pending = append(j.pending, r)
}

// Drain removes and returns all pending receipts with the anchor that
// seals the batch. The chain head carries over so later batches still link
// to earlier ones.
func (j *Journal) Drain() ([]*Receipt, ChainAnchor) {
	out := j.pending
	anchor := ChainAnchor{From: j.base, To: j.head, Count: len(out)}
	anchor.Seal = j.seal(anchor)
	j.pending = nil
	j.base = j.head
	return out, anchor
}

// Len returns the number of pending receipts.
func (j *Journal) Len() int {
	return len(j.pending)
}

// Verify checks the batch anchor, every signature and that each receipt
// links to the one before it, from anchor.From through anchor.To.
func (j *Journal) Verify(receipts []*Receipt, anchor ChainAnchor) error {
	if !hmac.Equal([]byte(j.seal(anchor)), []byte(anchor.Seal)) {
		return fmt.Errorf("%w: batch seal invalid", ErrChainBroken)
	}
	if len(receipts) != anchor.Count {
		return fmt.Errorf("%w: batch holds %d receipts, sealed with %d", ErrChainBroken, len(receipts), anchor.Count)
	}
	if len(receipts) == 0 {
		if anchor.From != anchor.To {
			return fmt.Errorf("%w: empty batch spans chain entries", ErrChainBroken)
		}
		return nil
	}
	if receipts[0].PrevHash != anchor.From {
		return fmt.Errorf("%w: %s is not the first receipt of the batch", ErrChainBroken, receipts[0].ID)
	}
	if last := receipts[len(receipts)-1]; last.ChainHash != anchor.To {
		return fmt.Errorf("%w: %s is not the last receipt of the batch", ErrChainBroken, last.ID)
	}
	for i, r := range receipts {
		if !hmac.Equal([]byte(j.sign(r.record())), []byte(r.Signature)) {
			return fmt.Errorf("%w: %s", ErrReceiptSignature, r.ID)
		}
		if i > 0 && r.PrevHash != receipts[i-1].ChainHash {
			return fmt.Errorf("%w: %s does not follow %s", ErrChainBroken, r.ID, receipts[i-1].ID)
		}
		if !hmac.Equal([]byte(j.link(r.PrevHash, r.Signature)), []byte(r.ChainHash)) {
			return fmt.Errorf("%w: %s chain hash mismatch", ErrChainBroken, r.ID)
		}
	}
	return nil
}

func (j *Journal) sign(rec receiptRecord) string {
	data, _ := json.Marshal(rec)
	mac := hmac.New(sha256.New, j.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func (j *Journal) seal(a ChainAnchor) string {
	mac := hmac.New(sha256.New, j.secret)
	fmt.Fprintf(mac, "batch|%s|%s|%d", a.From, a.To, a.Count)
	return hex.EncodeToString(mac.Sum(nil))
}

func (j *Journal) link(prev, signature string) string {
	mac := hmac.New(sha256.New, j.secret)
	mac.Write([]byte(prev))
	mac.Write([]byte{'|'})
	mac.Write([]byte(signature))
	return hex.EncodeToString(mac.Sum(nil))
}
