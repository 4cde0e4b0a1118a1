package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignReadRoundTrip(t *testing.T) {
	svc := NewService("test-key")

	claims := map[string]string{"order_id": "42", "email": "download@example.com"}
	tok, err := svc.Sign("billing", "invoice_download", claims, time.Hour)
	require.NoError(t, err)

	payload, err := svc.ReadSigned(tok, "billing", "invoice_download")
	require.NoError(t, err)
	assert.Equal(t, claims, payload.Claims)
	assert.Equal(t, "billing", payload.Namespace)
	assert.NotZero(t, payload.IssuedAt)
}

func TestExpiredToken(t *testing.T) {
	current := time.Unix(1700000000, 0)
	svc := NewServiceWithClock("test-key", func() time.Time { return current })

	tok, err := svc.Sign("billing", "invoice_download", map[string]string{"order_id": "1"}, time.Minute)
	require.NoError(t, err)

	// still valid just inside the TTL
	current = current.Add(59 * time.Second)
	_, err = svc.ReadSigned(tok, "billing", "invoice_download")
	assert.NoError(t, err)

	// expired at the boundary
	current = current.Add(time.Second)
	_, err = svc.ReadSigned(tok, "billing", "invoice_download")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTamperedTokenFailsClosed(t *testing.T) {
	svc := NewService("test-key")

	tok, err := svc.Sign("billing", "invoice_download", map[string]string{"order_id": "1"}, time.Hour)
	require.NoError(t, err)

	// flip every byte position in turn; every variant must be rejected
	for i := 0; i < len(tok); i++ {
		mutated := []byte(tok)
		mutated[i] ^= 0x01
		_, err := svc.ReadSigned(string(mutated), "billing", "invoice_download")
		assert.Error(t, err, "byte %d", i)
	}

	// appended suffix
	_, err = svc.ReadSigned(tok+"x", "billing", "invoice_download")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// truncation
	_, err = svc.ReadSigned(tok[:len(tok)-2], "billing", "invoice_download")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestNamespacePurposeMismatch(t *testing.T) {
	svc := NewService("test-key")

	tok, err := svc.Sign("billing", "invoice_download", map[string]string{"order_id": "1"}, time.Hour)
	require.NoError(t, err)

	_, err = svc.ReadSigned(tok, "billing", "password_reset")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = svc.ReadSigned(tok, "marketing", "invoice_download")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestDifferentKeysRejected(t *testing.T) {
	a := NewService("key-a")
	b := NewService("key-b")

	tok, err := a.Sign("billing", "invoice_download", map[string]string{"order_id": "1"}, time.Hour)
	require.NoError(t, err)

	_, err = b.ReadSigned(tok, "billing", "invoice_download")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestMalformedTokens(t *testing.T) {
	svc := NewService("test-key")

	for _, tok := range []string{"", ".", "abc", "abc.", ".def", "not base64 !!.sig"} {
		_, err := svc.ReadSigned(tok, "billing", "invoice_download")
		assert.ErrorIs(t, err, ErrTokenInvalid, "token %q", tok)
	}
}
