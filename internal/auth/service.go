package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrInvalidCredentials is returned for a wrong control password
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service guards the control API with a single bcrypt-hashed password.
// With no hash configured, authentication is disabled.
type Service struct {
	passwordHash   string
	sessionManager *SessionManager
	enabled        bool
}

// NewService creates a new authentication service
func NewService(passwordHash string, sessionDuration time.Duration, secureCookies bool, clk clock.Clock) (*Service, error) {
	if passwordHash == "" {
		return &Service{enabled: false}, nil
	}
	if !IsHashedPassword(passwordHash) {
		return nil, fmt.Errorf("control password must be a bcrypt hash")
	}
	if sessionDuration <= 0 {
		return nil, fmt.Errorf("invalid session duration: %v", sessionDuration)
	}

	return &Service{
		passwordHash:   passwordHash,
		sessionManager: NewSessionManager(sessionDuration, secureCookies, clk),
		enabled:        true,
	}, nil
}

// IsEnabled returns whether authentication is enabled
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// Login checks the password and creates a session
func (s *Service) Login(password string) (*Session, error) {
	if !s.enabled {
		return nil, fmt.Errorf("authentication is disabled")
	}
	if !CheckPassword(s.passwordHash, password) {
		return nil, ErrInvalidCredentials
	}

	session, err := s.sessionManager.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Authenticate returns the session of r, refreshing it. Every request is
// accepted when authentication is disabled.
func (s *Service) Authenticate(r *http.Request) (*Session, bool) {
	if !s.enabled {
		return nil, true
	}
	session, ok := s.sessionManager.GetSessionFromRequest(r)
	if !ok {
		return nil, false
	}
	s.sessionManager.RefreshSession(session.ID)
	return session, true
}

// Logout invalidates the session of r and clears its cookie
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	if !s.enabled {
		return
	}
	if session, ok := s.sessionManager.GetSessionFromRequest(r); ok {
		s.sessionManager.DeleteSession(session.ID)
	}
	s.sessionManager.ClearSessionCookie(w)
}

// GetSessionManager returns the session manager
func (s *Service) GetSessionManager() *SessionManager {
	return s.sessionManager
}

// Close stops background session cleanup
func (s *Service) Close() {
	if s.sessionManager != nil {
		s.sessionManager.Close()
	}
}
