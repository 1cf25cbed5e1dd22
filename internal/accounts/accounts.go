// Package accounts is the authoritative account system the device settles
// against: balances, debits and credits with idempotency references.
package accounts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateReference  = errors.New("reference already applied")
)

// Account is an account's current balance. Amounts are decimal strings
// with six fractional digits.
type Account struct {
	ID        string    `json:"id"`
	Balance   string    `json:"balance"`
	TotalIn   string    `json:"totalIn"`
	TotalOut  string    `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one balance movement.
type Entry struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Type        string    `json:"type"` // debit, credit
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists accounts. A non-empty reference makes Debit and Credit
// idempotent: replaying it returns ErrDuplicateReference and leaves the
// balance alone.
type Store interface {
	Open(ctx context.Context, id, initialBalance string) error
	GetBalance(ctx context.Context, id string) (*Account, error)
	Debit(ctx context.Context, id, amount, reference, description string) error
	Credit(ctx context.Context, id, amount, reference, description string) error
	History(ctx context.Context, id string, limit int) ([]*Entry, error)
	Ping(ctx context.Context) error
}
