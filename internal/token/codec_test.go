package token

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCodec(t *testing.T) (*Codec, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	return NewCodec(testSecret, WithClock(clock.Now)), clock
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	codec, _ := newTestCodec(t)

	tests := []struct {
		name   string
		claims Claims
	}{
		{"user and session", Claims{ClaimSubject: "42", ClaimSession: "abc"}},
		{"extra claims", Claims{ClaimSubject: "7", ClaimSession: "s", "role": "admin", "scope": "library"}},
		{"empty claims", Claims{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := codec.Issue(tt.claims, time.Hour)
			require.NoError(t, err)
			assert.Len(t, strings.Split(tok, "."), 3)

			got, err := codec.Verify(tok)
			require.NoError(t, err)

			assert.Contains(t, got, ClaimIssuedAt)
			assert.Contains(t, got, ClaimExpiresAt)
			delete(got, ClaimIssuedAt)
			delete(got, ClaimExpiresAt)
			assert.Equal(t, tt.claims, got)
		})
	}
}

func TestIssue_DoesNotMutateClaims(t *testing.T) {
	codec, _ := newTestCodec(t)
	claims := Claims{ClaimSubject: "1"}

	_, err := codec.Issue(claims, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Claims{ClaimSubject: "1"}, claims)
}

func TestIssue_SetsTimestamps(t *testing.T) {
	codec, clock := newTestCodec(t)

	tok, err := codec.Issue(Claims{ClaimSubject: "1"}, 24*time.Hour)
	require.NoError(t, err)

	got, err := codec.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, float64(clock.now.Unix()), got[ClaimIssuedAt])
	assert.Equal(t, float64(clock.now.Add(24*time.Hour).Unix()), got[ClaimExpiresAt])
}

func TestIssue_RejectsNonPositiveTTL(t *testing.T) {
	codec, _ := newTestCodec(t)

	_, err := codec.Issue(Claims{}, 0)
	assert.ErrorIs(t, err, ErrInvalidExpiration)

	_, err = codec.Issue(Claims{}, -time.Second)
	assert.ErrorIs(t, err, ErrInvalidExpiration)
}

func TestVerify_SignatureTampering(t *testing.T) {
	codec, _ := newTestCodec(t)
	tok, err := codec.Issue(Claims{ClaimSubject: "42", ClaimSession: "abc"}, time.Hour)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	sig := parts[2]
	for i := 0; i < len(sig); i++ {
		flipped := []byte(sig)
		flipped[i] = flipBase64URL(flipped[i])
		tampered := parts[0] + "." + parts[1] + "." + string(flipped)

		_, err := codec.Verify(tampered)
		require.ErrorIsf(t, err, ErrBadSignature, "position %d", i)
	}
}

func TestVerify_ClaimsTampering(t *testing.T) {
	codec, _ := newTestCodec(t)
	tok, err := codec.Issue(Claims{ClaimSubject: "42", ClaimSession: "abc"}, time.Hour)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"1","sid":"abc","exp":4102444800}`))

	_, err = codec.Verify(parts[0] + "." + forged + "." + parts[2])
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_WrongSecret(t *testing.T) {
	codec, _ := newTestCodec(t)
	tok, err := codec.Issue(Claims{ClaimSubject: "1"}, time.Hour)
	require.NoError(t, err)

	other := NewCodec("another-secret-another-secret-xx")
	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_Expired(t *testing.T) {
	codec, clock := newTestCodec(t)
	tok, err := codec.Issue(Claims{ClaimSubject: "1"}, time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	_, err = codec.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_ValidUntilExpiry(t *testing.T) {
	codec, clock := newTestCodec(t)
	tok, err := codec.Issue(Claims{ClaimSubject: "1"}, time.Minute)
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	_, err = codec.Verify(tok)
	assert.NoError(t, err)

	clock.Advance(time.Second)
	_, err = codec.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_SubSecondIssueTime(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 999_000_000, time.UTC)}
	codec := NewCodec(testSecret, WithClock(clock.Now))

	tok, err := codec.Issue(Claims{ClaimSubject: "1"}, time.Second)
	require.NoError(t, err)

	got, err := codec.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, float64(time.Date(2026, 10, 19, 12, 0, 2, 0, time.UTC).Unix()), got[ClaimExpiresAt])

	clock.Advance(2 * time.Millisecond)
	_, err = codec.Verify(tok)
	assert.NoError(t, err)

	clock.Advance(time.Second - 3*time.Millisecond)
	_, err = codec.Verify(tok)
	assert.NoError(t, err, "valid until the full TTL has passed")

	clock.Advance(2 * time.Millisecond)
	_, err = codec.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_Malformed(t *testing.T) {
	codec, _ := newTestCodec(t)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"one segment", "abc"},
		{"two segments", "abc.def"},
		{"four segments", "a.b.c.d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Verify(tt.token)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestVerify_UndecodableClaims(t *testing.T) {
	codec, _ := newTestCodec(t)
	tok, err := codec.Issue(Claims{ClaimSubject: "1"}, time.Hour)
	require.NoError(t, err)
	header := strings.Split(tok, ".")[0]

	payload := base64.RawURLEncoding.EncodeToString([]byte("not json"))
	sig, err := signingMethod.Sign(header+"."+payload, []byte(testSecret))
	require.NoError(t, err)

	_, err = codec.Verify(header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(sig))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.False(t, errors.Is(err, ErrBadSignature))
}

func TestVerify_RealClockExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps")
	}
	codec := NewCodec(testSecret)
	tok, err := codec.Issue(Claims{ClaimSubject: "1"}, time.Second)
	require.NoError(t, err)

	time.Sleep(2 * time.Second)

	_, err = codec.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func flipBase64URL(c byte) byte {
	if c == 'A' {
		return 'B'
	}
	return 'A'
}
