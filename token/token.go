// Package token issues and checks the signed, time-boxed RSVP tokens embedded
// in invitation magic links. Only the hash of a token is ever stored.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const minKeyLength = 16

var (
	ErrMissingKey = errors.New("the RSVP HMAC key is mandatory")
	ErrShortKey   = fmt.Errorf("the RSVP HMAC key must be at least %d bytes long", minKeyLength)
)

type Service struct {
	key   []byte
	clock clockwork.Clock
}

type opt func(s *Service)

// WithClock replaces the wall clock used to check expiry.
func WithClock(c clockwork.Clock) opt {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// New decodes a standard base64 key. Missing or malformed key material is
// reported here rather than on first use.
func New(base64Key string, options ...opt) (*Service, error) {
	if strings.TrimSpace(base64Key) == "" {
		return nil, ErrMissingKey
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("the RSVP HMAC key is not valid base64: %w", err)
	}
	if len(key) < minKeyLength {
		return nil, ErrShortKey
	}
	s := &Service{key: key, clock: clockwork.NewRealClock()}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Generate signs "{invitationID}:{lowercase email}:{expiry unix seconds}" and
// returns the URL-safe raw token together with the hash to store.
func (s *Service) Generate(invitationID uuid.UUID, email string, expiresAt time.Time) (rawToken, tokenHash string) {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s:%s:%d", invitationID, strings.ToLower(email), expiresAt.Unix())
	rawToken = base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return rawToken, Hash(rawToken)
}

// IsValid reports whether rawToken matches storedHash and has not expired.
// A token is rejected at the exact expiry instant.
func (s *Service) IsValid(rawToken, storedHash string, expiresAt time.Time) bool {
	if !s.clock.Now().Before(expiresAt) {
		return false
	}
	got := Hash(rawToken)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(storedHash))) == 1
}

// Hash returns the lowercase hex SHA-256 of a raw token (64 characters).
func Hash(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}
