package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTokenInvalid marks tampered payloads, bad encodings and
	// namespace/purpose mismatches.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrTokenExpired marks a token past its TTL.
	ErrTokenExpired = errors.New("token expired")
)

// Payload is the verified content of a signed token.
type Payload struct {
	Namespace string            `json:"ns"`
	Purpose   string            `json:"purpose"`
	Claims    map[string]string `json:"claims"`
	IssuedAt  int64             `json:"iat"`
	ExpiresAt int64             `json:"exp"`
}

// Service signs and verifies short-lived claim tokens. Tokens are
// self-contained: base64url(json payload) + "." + base64url(hmac-sha256).
// Verification fails closed on any byte-level deviation.
type Service struct {
	key []byte
	now func() time.Time
}

func NewService(signingKey string) *Service {
	return &Service{key: []byte(signingKey), now: time.Now}
}

// NewServiceWithClock injects a clock for expiry tests.
func NewServiceWithClock(signingKey string, now func() time.Time) *Service {
	return &Service{key: []byte(signingKey), now: now}
}

// Sign produces an opaque token binding namespace, purpose and claims with
// issued-at and expiry timestamps.
func (s *Service) Sign(namespace, purpose string, claims map[string]string, ttl time.Duration) (string, error) {
	issued := s.now()
	payload := Payload{
		Namespace: namespace,
		Purpose:   purpose,
		Claims:    claims,
		IssuedAt:  issued.Unix(),
		ExpiresAt: issued.Add(ttl).Unix(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize token payload: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + s.mac(encoded), nil
}

// ReadSigned verifies a token against the expected namespace and purpose and
// returns its payload.
func (s *Service) ReadSigned(tok, namespace, purpose string) (*Payload, error) {
	var encoded, sig string
	for i := len(tok) - 1; i >= 0; i-- {
		if tok[i] == '.' {
			encoded, sig = tok[:i], tok[i+1:]
			break
		}
	}
	if encoded == "" || sig == "" {
		return nil, fmt.Errorf("malformed token: %w", ErrTokenInvalid)
	}

	if !hmac.Equal([]byte(sig), []byte(s.mac(encoded))) {
		return nil, fmt.Errorf("signature mismatch: %w", ErrTokenInvalid)
	}

	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("bad token encoding: %w", ErrTokenInvalid)
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("bad token payload: %w", ErrTokenInvalid)
	}

	if payload.Namespace != namespace || payload.Purpose != purpose {
		return nil, fmt.Errorf("namespace/purpose mismatch: %w", ErrTokenInvalid)
	}
	if s.now().Unix() >= payload.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &payload, nil
}

func (s *Service) mac(encoded string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
