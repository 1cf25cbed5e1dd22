// Package credential issues short-lived offline bearer credentials that
// attest an authorization passed its checks without the backend.
//
// A credential is a hashed, device-signed payload held in memory only. It
// is never written to disk and is discarded on logout, expiry or
// reconciliation.
package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tapipay/tapicore/internal/idgen"
	"github.com/tapipay/tapicore/internal/traces"
)

var (
	ErrCredentialExpired = errors.New("offline credential expired")
	ErrCredentialInvalid = errors.New("offline credential invalid")
)

const (
	DefaultTTL    = 15 * time.Minute
	Version       = "1.0"
	TokenPrefix   = "OFFLINE_"
	MaxConfidence = 0.9
	faceBonus     = 0.3
)

// Payload is the canonical content that is hashed and signed.
type Payload struct {
	AccountID         string  `json:"accountId"`
	SessionID         string  `json:"sessionId"`
	IssuedAt          int64   `json:"issuedAt"`
	DeviceFingerprint string  `json:"deviceFingerprint"`
	BehavioralScore   float64 `json:"behavioralScore"`
	FaceScore         float64 `json:"faceScore"`
	OfflineMode       bool    `json:"offlineMode"`
	ExpiresAt         int64   `json:"expiresAt"`
	Version           string  `json:"version"`
}

// Credential is an issued offline bearer credential.
type Credential struct {
	Token       string    `json:"token"`
	Payload     Payload   `json:"payload"`
	PayloadHash string    `json:"payloadHash"`
	Signature   string    `json:"signature,omitempty"`
	Signer      string    `json:"signer,omitempty"`
	Confidence  float64   `json:"confidence"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Valid       bool      `json:"valid"`
	Degraded    bool      `json:"degraded"`
}

// Request describes what the credential attests.
type Request struct {
	AccountID       string
	SessionID       string
	BehavioralScore float64
	FaceScore       float64
	Offline         bool
}

// Issuer creates and validates credentials for one device.
type Issuer struct {
	signer      Signer
	fingerprint string
	ttl         time.Duration
	logger      *slog.Logger
	now         func() time.Time
	hash        func(Payload) ([]byte, error)
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL overrides the credential lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an issuer. A nil signer yields degraded credentials.
func NewIssuer(signer Signer, fingerprint string, logger *slog.Logger, opts ...Option) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Issuer{
		signer:      signer,
		fingerprint: fingerprint,
		ttl:         DefaultTTL,
		logger:      logger,
		now:         time.Now,
		hash:        hashPayload,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Fingerprint returns the device fingerprint bound into every credential.
func (i *Issuer) Fingerprint() string {
	return i.fingerprint
}

// Issue builds, hashes and signs a credential. When hashing or signing
// fails the credential is still issued, time-boxed and marked Degraded.
// The only error is ctx cancellation.
func (i *Issuer) Issue(ctx context.Context, req Request) (*Credential, error) {
	ctx, span := traces.StartSpan(ctx, "credential.Issue", traces.AccountID(req.AccountID))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	issued := i.now()
	expires := issued.Add(i.ttl)
	payload := Payload{
		AccountID:         req.AccountID,
		SessionID:         req.SessionID,
		IssuedAt:          issued.UnixMilli(),
		DeviceFingerprint: i.fingerprint,
		BehavioralScore:   req.BehavioralScore,
		FaceScore:         req.FaceScore,
		OfflineMode:       req.Offline,
		ExpiresAt:         expires.UnixMilli(),
		Version:           Version,
	}
	cred := &Credential{
		Payload:    payload,
		Confidence: math.Min(MaxConfidence, req.BehavioralScore+faceBonus*req.FaceScore),
		IssuedAt:   issued,
		ExpiresAt:  expires,
		Valid:      true,
	}

	digest, err := i.hash(payload)
	if err == nil {
		cred.PayloadHash = hex.EncodeToString(digest)
		if i.signer == nil {
			err = errors.New("no device key")
		} else {
			cred.Signature, err = i.signer.Sign(digest)
			cred.Signer = i.signer.Address()
		}
	}

	if err != nil {
		i.logger.Warn("credential issued in degraded mode", "account", req.AccountID, "error", err)
		cred.Degraded = true
		cred.Signature = ""
		cred.Signer = ""
		cred.PayloadHash = idgen.Hex(32)
		cred.Token = fmt.Sprintf("%s%d_%s", TokenPrefix, payload.IssuedAt, idgen.Hex(16))
		issuedTotal.WithLabelValues("degraded").Inc()
		return cred, nil
	}

	cred.Token = fmt.Sprintf("%s%d_%s", TokenPrefix, payload.IssuedAt, cred.PayloadHash[:32])
	issuedTotal.WithLabelValues("signed").Inc()
	return cred, nil
}

// Validate reports whether the credential may still be used.
func (i *Issuer) Validate(cred *Credential) bool {
	return i.Check(cred) == nil
}

// Check is Validate with a reason: ErrCredentialExpired once
// now ≥ ExpiresAt, ErrCredentialInvalid for anything else.
func (i *Issuer) Check(cred *Credential) error {
	err := i.check(cred)
	switch {
	case err == nil:
		validationsTotal.WithLabelValues("valid").Inc()
	case errors.Is(err, ErrCredentialExpired):
		validationsTotal.WithLabelValues("expired").Inc()
	default:
		validationsTotal.WithLabelValues("invalid").Inc()
	}
	return err
}

func (i *Issuer) check(cred *Credential) error {
	if cred == nil || !cred.Valid {
		return ErrCredentialInvalid
	}
	if !i.now().Before(cred.ExpiresAt) {
		return ErrCredentialExpired
	}
	if cred.Degraded {
		return nil
	}

	digest, err := i.hash(cred.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCredentialInvalid, err)
	}
	if hex.EncodeToString(digest) != cred.PayloadHash {
		return fmt.Errorf("%w: payload hash mismatch", ErrCredentialInvalid)
	}
	if i.signer == nil {
		return fmt.Errorf("%w: no device key to verify against", ErrCredentialInvalid)
	}
	if err := VerifySignature(digest, cred.Signature, i.signer.Address()); err != nil {
		return fmt.Errorf("%w: %w", ErrCredentialInvalid, err)
	}
	return nil
}

func hashPayload(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}
