package authflow

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// BcryptPIN verifies PINs against a bcrypt reference hash.
type BcryptPIN struct {
	hash []byte
}

// NewBcryptPIN wraps a bcrypt hash as produced by HashPIN.
func NewBcryptPIN(hash string) (*BcryptPIN, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid pin hash: %w", err)
	}
	return &BcryptPIN{hash: []byte(hash)}, nil
}

// HashPIN hashes a PIN at the given bcrypt cost. A cost of 0 uses
// bcrypt.DefaultCost.
func HashPIN(pin string, cost int) (string, error) {
	if len(pin) != PINLength {
		return "", errors.New("pin must have six digits")
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return "", ErrInvalidDigit
		}
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (p *BcryptPIN) Verify(pin string) bool {
	return bcrypt.CompareHashAndPassword(p.hash, []byte(pin)) == nil
}
