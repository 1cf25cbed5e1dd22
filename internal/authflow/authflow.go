// Package authflow drives one payment authorization from capture through
// fusion and optional PIN step-up to a terminal outcome.
//
// A Machine is created per authorization attempt. Its collaborators are
// passed in explicitly so concurrent attempts never share session state.
package authflow

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/tapipay/tapicore/internal/behavior"
	"github.com/tapipay/tapicore/internal/biometric"
	"github.com/tapipay/tapicore/internal/credential"
	"github.com/tapipay/tapicore/internal/fusion"
	"github.com/tapipay/tapicore/internal/ledger"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidIntent     = errors.New("invalid payment intent")
	ErrInvalidDigit      = errors.New("pin digit must be a single 0-9 character")
	ErrNotFound          = errors.New("authorization not found")
)

// State is a machine state.
type State string

const (
	StateIdle       State = "idle"
	StateCapturing  State = "capturing_biometric"
	StateFusing     State = "fusing"
	StateStepUp     State = "step_up"
	StateFinalizing State = "finalizing"
	StateComplete   State = "complete"
	StateDenied     State = "denied"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateDenied || s == StateCancelled
}

// settled reports whether the machine is waiting on the caller.
func (s State) settled() bool {
	return s == StateStepUp || s.Terminal()
}

// stage is the progress floor for each state.
var stage = map[State]int{
	StateIdle:       0,
	StateCapturing:  20,
	StateFusing:     50,
	StateStepUp:     60,
	StateFinalizing: 80,
	StateComplete:   100,
	StateDenied:     100,
	StateCancelled:  100,
}

// User-facing reasons.
const (
	ReasonCaptureRetriesExceeded = "capture retries exceeded"
	ReasonPINMismatch            = "pin mismatch"
	ReasonPINAttemptsExceeded    = "pin attempts exceeded"
	ReasonHighValue              = "amount requires pin"
	ReasonLowConfidence          = "confidence below threshold"
	ReasonInsufficientFunds      = "insufficient funds"
	ReasonCredentialExpired      = "credential expired"
	ReasonCredentialInvalid      = "credential invalid"
	ReasonLedgerInactive         = "offline ledger inactive"
	ReasonAccountUnavailable     = "account unavailable"
	ReasonCancelled              = "cancelled by user"
)

// PINLength is the number of digits collected before verification.
const PINLength = 6

// Intent is a payment request entering the machine.
type Intent struct {
	AccountID string
	Amount    *big.Int
	PayeeRef  string
	Offline   bool
}

// Snapshot is a point-in-time view of a machine.
type Snapshot struct {
	ID          string           `json:"id"`
	AccountID   string           `json:"accountId"`
	Amount      string           `json:"amount"`
	PayeeRef    string           `json:"payeeRef,omitempty"`
	Offline     bool             `json:"offline"`
	State       State            `json:"state"`
	Progress    int              `json:"progress"`
	Reason      string           `json:"reason,omitempty"`
	Decision    *fusion.Decision `json:"decision,omitempty"`
	PINEntered  int              `json:"pinEntered"`
	PINAttempts int              `json:"pinAttempts"`
	Captures    int              `json:"captures"`
	ReceiptID   string           `json:"receiptId,omitempty"`
	Credential  string           `json:"credential,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Event is published on every state or progress change.
type Event struct {
	AuthorizationID string    `json:"authorizationId"`
	State           State     `json:"state"`
	Progress        int       `json:"progress"`
	Reason          string    `json:"reason,omitempty"`
	At              time.Time `json:"at"`
}

// Capturer produces one biometric result per call and never fails.
type Capturer interface {
	Capture(ctx context.Context, online bool) *biometric.Result
}

// BehaviorSource exposes the current behavioral summary.
type BehaviorSource interface {
	Summary() behavior.Summary
}

// Decider fuses signals into a decision.
type Decider interface {
	Decide(face *biometric.Result, behavioral *behavior.Summary, mode fusion.Mode) fusion.Decision
}

// CredentialIssuer issues and checks offline credentials.
type CredentialIssuer interface {
	Issue(ctx context.Context, req credential.Request) (*credential.Credential, error)
	Check(cred *credential.Credential) error
}

// Reserver commits offline reservations.
type Reserver interface {
	Reserve(ctx context.Context, req ledger.ReserveRequest) (*ledger.Receipt, error)
}

// Debiter moves funds on the authoritative account.
type Debiter interface {
	Debit(ctx context.Context, id, amount, reference, description string) error
}

// PINVerifier checks a complete PIN.
type PINVerifier interface {
	Verify(pin string) bool
}

// Deps are the collaborators a machine drives. Behavior, Wallet and Store
// are optional.
type Deps struct {
	Capturer Capturer
	Behavior BehaviorSource
	Decider  Decider
	Issuer   CredentialIssuer
	Ledger   Reserver
	Accounts Debiter
	PIN      PINVerifier
	Wallet   *credential.Wallet
	Store    Store
}

// Policy holds the tunable limits of a machine.
type Policy struct {
	// HighValueThreshold forces step-up at or above this amount. Nil
	// disables the check.
	HighValueThreshold *big.Int
	// MaxPINAttempts denies after this many mismatches; 0 is unlimited.
	MaxPINAttempts int
	// MaxRecaptures is the number of user-initiated re-captures allowed.
	MaxRecaptures int
	// DebitAttempts bounds online debit attempts.
	DebitAttempts int
	DebitDelay    time.Duration
}

// DefaultPolicy returns the production limits.
func DefaultPolicy() Policy {
	return Policy{
		HighValueThreshold: big.NewInt(1000_000000),
		MaxPINAttempts:     0,
		MaxRecaptures:      1,
		DebitAttempts:      2,
		DebitDelay:         200 * time.Millisecond,
	}
}
