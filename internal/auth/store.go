// Package auth implements a stateless OAuth 2.1 authorization server that
// proxies user authentication to FreeAgent. It is the authorization server
// towards MCP clients and an OAuth client towards FreeAgent.
//
// All in-process state (pending authorizations, registered clients) is
// disposable. Anything that must survive a cold start travels inside
// signed tokens handed back to the caller.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/freeagent-mcp/internal/errors"
)

const (
	// sessionExpiry bounds how long a pending authorization stays usable,
	// covering the user's round trip through the FreeAgent consent page.
	sessionExpiry = 10 * time.Minute

	// sessionPruneThreshold is the number of pending authorizations above
	// which Create sweeps expired entries. There is no background reaper.
	sessionPruneThreshold = 1000

	// proxyCodeBytes is the number of random bytes in a proxy code
	// (hex-encoded to twice this length).
	proxyCodeBytes = 32
)

// AuthorizationContext is the caller's authorization request parked while
// the user is at the upstream consent page.
type AuthorizationContext struct {
	ProxyCode     string
	CodeChallenge string
	ClientID      string
	RedirectURI   string
	State         string
	UpstreamCode  string
	ExpiresAt     time.Time
}

// SessionStore holds pending authorizations keyed by proxy code. An
// implementation may lose every entry at any time; callers treat a miss
// as ErrUnknownCode and ask the user to start again.
type SessionStore interface {
	// Create stores ac under a new random proxy code and returns the code.
	Create(ac AuthorizationContext) (string, error)

	// AttachUpstreamCode records the upstream code delivered to the
	// callback. Returns ErrUnknownCode if proxyCode is absent, expired,
	// or already carries an upstream code.
	AttachUpstreamCode(proxyCode, upstreamCode string) error

	// Peek returns a copy of the entry without consuming it.
	Peek(proxyCode string) (*AuthorizationContext, error)

	// Consume returns and deletes the entry. Returns ErrUnknownCode if
	// absent or expired, ErrUpstreamCodeMissing if no upstream code was
	// ever attached. The entry is deleted in both non-absent cases.
	Consume(proxyCode string) (*AuthorizationContext, error)
}

// MemorySessionStore is the in-process SessionStore.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*AuthorizationContext
	now      func() time.Time
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*AuthorizationContext),
		now:      time.Now,
	}
}

// Create implements SessionStore.
func (s *MemorySessionStore) Create(ac AuthorizationContext) (string, error) {
	code := RandomHex(proxyCodeBytes)

	ac.ProxyCode = code
	ac.UpstreamCode = ""
	ac.ExpiresAt = s.now().Add(sessionExpiry)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sessions) > sessionPruneThreshold {
		s.pruneLocked()
	}

	s.sessions[code] = &ac

	return code, nil
}

// pruneLocked drops expired sessions. Caller must hold s.mu.
func (s *MemorySessionStore) pruneLocked() {
	now := s.now()
	for k, ac := range s.sessions {
		if now.After(ac.ExpiresAt) {
			delete(s.sessions, k)
		}
	}
}

// lookupLocked returns the live entry for code, deleting it if expired.
// Caller must hold s.mu.
func (s *MemorySessionStore) lookupLocked(code string) (*AuthorizationContext, bool) {
	ac, ok := s.sessions[code]
	if !ok {
		return nil, false
	}

	if s.now().After(ac.ExpiresAt) {
		delete(s.sessions, code)
		return nil, false
	}

	return ac, true
}

// AttachUpstreamCode implements SessionStore.
func (s *MemorySessionStore) AttachUpstreamCode(proxyCode, upstreamCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.lookupLocked(proxyCode)
	if !ok {
		return apperrors.ErrUnknownCode
	}

	// A context is attached at most once. A replayed callback must not
	// swap in a different account's code.
	if ac.UpstreamCode != "" {
		return apperrors.ErrUnknownCode
	}

	ac.UpstreamCode = upstreamCode

	return nil
}

// Peek implements SessionStore.
func (s *MemorySessionStore) Peek(proxyCode string) (*AuthorizationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.lookupLocked(proxyCode)
	if !ok {
		return nil, apperrors.ErrUnknownCode
	}

	out := *ac

	return &out, nil
}

// Consume implements SessionStore.
func (s *MemorySessionStore) Consume(proxyCode string) (*AuthorizationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.lookupLocked(proxyCode)
	if !ok {
		return nil, apperrors.ErrUnknownCode
	}

	delete(s.sessions, proxyCode)

	if ac.UpstreamCode == "" {
		return nil, apperrors.ErrUpstreamCodeMissing
	}

	return ac, nil
}

// Len returns the number of stored sessions, expired ones included.
func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
