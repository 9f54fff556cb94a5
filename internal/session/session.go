package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
)

// Session holds the operator credentials for the lifetime of the
// authenticated console session. The bearer token is opaque to this process
// (only the backend holds the signing secret); claims are inspected without
// signature verification to recover the tenant scope and expiry.
type Session struct {
	mu       sync.Mutex
	token    string
	tenantID string
	expires  time.Time

	onTeardown func()
	tornDown   bool
}

func New(token, tenantID string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("session: token is required")
	}

	s := &Session{
		token:    token,
		tenantID: tenantID,
	}

	claims, err := parseClaims(token)
	if err == nil {
		if s.tenantID == "" {
			if claimTenant, _ := claims["tenantId"].(string); claimTenant != "" {
				s.tenantID = claimTenant
			}
		}
		if exp, ok := claims["exp"].(float64); ok {
			s.expires = time.Unix(int64(exp), 0)
		}
	}

	if s.tenantID == "" {
		return nil, fmt.Errorf("session: tenant id missing from config and token claims")
	}

	return s, nil
}

func parseClaims(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := &jwt.Parser{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) TenantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenantID
}

func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.expires.IsZero() && now.After(s.expires)
}

// OnTeardown registers the hook invoked when the session is torn down after a
// rejected credential. The hook runs at most once.
func (s *Session) OnTeardown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTeardown = fn
}

// Teardown clears the credential state and fires the registered hook.
// Repeated calls are no-ops.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	s.token = ""
	hook := s.onTeardown
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func (s *Session) TornDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tornDown
}
