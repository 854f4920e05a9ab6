// Package auth signs authentication requests for the account channel.
package auth

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/coachpo/bfxstream/internal/domain/errs"
	"github.com/coachpo/bfxstream/internal/infra/wire"
)

// Credentials is an API key pair.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Empty reports whether no key is configured.
func (c Credentials) Empty() bool {
	return c.APIKey == "" || c.APISecret == ""
}

// Signer builds signed auth requests with strictly increasing nonces.
type Signer struct {
	creds Credentials
	now   func() time.Time

	mu   sync.Mutex
	last int64
}

// NewSigner validates the credentials.
func NewSigner(creds Credentials) (*Signer, error) {
	if creds.Empty() {
		return nil, errs.New(wire.Venue, errs.CodeAuth,
			errs.WithCanonicalCode(errs.CanonicalAuthenticationFailure),
			errs.WithMessage("api key and secret are required"))
	}
	return &Signer{creds: creds, now: time.Now}, nil
}

// Sign returns the HMAC-SHA384 hex signature of payload.
func Sign(secret, payload string) string {
	mac := hmac.New(sha512.New384, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Nonce returns a microsecond timestamp, bumped when the clock has not moved.
func (s *Signer) Nonce() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.now().UnixMicro()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return strconv.FormatInt(n, 10)
}

// Request builds a signed auth request.
func (s *Signer) Request() wire.AuthRequest {
	nonce := s.Nonce()
	payload := "AUTH" + nonce
	return wire.AuthRequest{
		Event:       wire.EventAuth,
		APIKey:      s.creds.APIKey,
		AuthSig:     Sign(s.creds.APISecret, payload),
		AuthPayload: payload,
		AuthNonce:   nonce,
	}
}
