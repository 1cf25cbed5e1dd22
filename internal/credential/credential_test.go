package credential

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingSigner struct{}

func (failingSigner) Sign([]byte) (string, error) {
	return "", errors.New("secure element unavailable")
}
func (failingSigner) Address() string { return "0x0" }

func newTestIssuer(t *testing.T, clock *fakeClock) *Issuer {
	t.Helper()
	signer, err := GenerateKeySigner()
	require.NoError(t, err)
	return NewIssuer(signer, "abcdef0123456789", nil, WithClock(clock.Now))
}

func testRequest() Request {
	return Request{
		AccountID:       "acct_1",
		SessionID:       "session_1",
		BehavioralScore: 0.7,
		FaceScore:       0.8,
		Offline:         true,
	}
}

func TestIssue_TokenFormat(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_123)}
	issuer := newTestIssuer(t, clock)

	cred, err := issuer.Issue(context.Background(), testRequest())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(cred.Token, "OFFLINE_1700000000123_"))
	suffix := strings.TrimPrefix(cred.Token, "OFFLINE_1700000000123_")
	assert.Len(t, suffix, 32)
	assert.Equal(t, cred.PayloadHash[:32], suffix)
	assert.Len(t, cred.PayloadHash, 64)
	assert.False(t, cred.Degraded)
	assert.True(t, cred.Valid)
	assert.Equal(t, "abcdef0123456789", cred.Payload.DeviceFingerprint)
	assert.Equal(t, Version, cred.Payload.Version)
	assert.Equal(t, clock.Now().Add(DefaultTTL), cred.ExpiresAt)
	assert.Equal(t, cred.ExpiresAt.UnixMilli(), cred.Payload.ExpiresAt)
}

func TestIssue_Confidence(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := newTestIssuer(t, clock)

	tests := []struct {
		behavioral, face, want float64
	}{
		{0.5, 0.5, 0.65},
		{0.7, 0.8, 0.9},
		{0.2, 0, 0.2},
	}
	for _, tt := range tests {
		cred, err := issuer.Issue(context.Background(), Request{BehavioralScore: tt.behavioral, FaceScore: tt.face})
		require.NoError(t, err)
		assert.InDelta(t, tt.want, cred.Confidence, 1e-9)
	}
}

func TestValidate_ExpiresAtFifteenMinutes(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := newTestIssuer(t, clock)

	cred, err := issuer.Issue(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, issuer.Validate(cred))

	clock.Advance(15*time.Minute - time.Millisecond)
	assert.True(t, issuer.Validate(cred))

	clock.Advance(time.Millisecond)
	assert.False(t, issuer.Validate(cred))
	assert.ErrorIs(t, issuer.Check(cred), ErrCredentialExpired)

	clock.Advance(time.Hour)
	assert.ErrorIs(t, issuer.Check(cred), ErrCredentialExpired)
}

func TestValidate_RejectsTampering(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := newTestIssuer(t, clock)

	cred, err := issuer.Issue(context.Background(), testRequest())
	require.NoError(t, err)

	tampered := *cred
	tampered.Payload.FaceScore = 1
	assert.ErrorIs(t, issuer.Check(&tampered), ErrCredentialInvalid)

	forged := *cred
	other, err := GenerateKeySigner()
	require.NoError(t, err)
	digest, err := hashPayload(forged.Payload)
	require.NoError(t, err)
	forged.Signature, err = other.Sign(digest)
	require.NoError(t, err)
	assert.ErrorIs(t, issuer.Check(&forged), ErrCredentialInvalid)

	unmarked := *cred
	unmarked.Valid = false
	assert.False(t, issuer.Validate(&unmarked))

	assert.False(t, issuer.Validate(nil))
}

func TestValidate_OtherDeviceCannotVerify(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	a := newTestIssuer(t, clock)
	b := newTestIssuer(t, clock)

	cred, err := a.Issue(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, b.Validate(cred))
}

func TestIssue_DegradedOnSigningFailure(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	issuer := NewIssuer(failingSigner{}, "fp", nil, WithClock(clock.Now))

	cred, err := issuer.Issue(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, cred.Degraded)
	assert.Empty(t, cred.Signature)
	assert.True(t, strings.HasPrefix(cred.Token, "OFFLINE_1700000000000_"))
	assert.True(t, issuer.Validate(cred), "degraded credentials are still usable until expiry")

	clock.Advance(DefaultTTL)
	assert.False(t, issuer.Validate(cred))
}

func TestIssue_DegradedOnHashFailure(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := newTestIssuer(t, clock)
	issuer.hash = func(Payload) ([]byte, error) { return nil, errors.New("hash unavailable") }

	cred, err := issuer.Issue(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, cred.Degraded)
	assert.True(t, issuer.Validate(cred))
}

func TestIssue_DegradedWithoutKey(t *testing.T) {
	issuer := NewIssuer(nil, "fp", nil)
	cred, err := issuer.Issue(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, cred.Degraded)
}

func TestIssue_DegradedTokensAreUnique(t *testing.T) {
	issuer := NewIssuer(nil, "fp", nil)
	a, _ := issuer.Issue(context.Background(), testRequest())
	b, _ := issuer.Issue(context.Background(), testRequest())
	assert.NotEqual(t, a.Token, b.Token)
}

func TestIssue_Cancelled(t *testing.T) {
	issuer := NewIssuer(nil, "fp", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := issuer.Issue(ctx, testRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWrongTTLIgnored(t *testing.T) {
	issuer := NewIssuer(nil, "fp", nil, WithTTL(0))
	assert.Equal(t, DefaultTTL, issuer.ttl)
}
