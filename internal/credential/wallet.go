package credential

import (
	"sync"
	"time"
)

// Wallet holds the device's current credential in memory.
type Wallet struct {
	mu   sync.Mutex
	cred *Credential
	now  func() time.Time
}

// NewWallet creates an empty wallet.
func NewWallet() *Wallet {
	return &Wallet{now: time.Now}
}

// Put replaces the held credential.
func (w *Wallet) Put(c *Credential) {
	w.mu.Lock()
	w.cred = c
	w.mu.Unlock()
}

// Current returns the held credential, discarding it first if expired.
func (w *Wallet) Current() (*Credential, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cred == nil {
		return nil, false
	}
	if !w.now().Before(w.cred.ExpiresAt) {
		w.cred = nil
		return nil, false
	}
	return w.cred, true
}

// Discard drops the held credential.
func (w *Wallet) Discard() {
	w.mu.Lock()
	w.cred = nil
	w.mu.Unlock()
}
