package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const cookieName = "toptrack_session"

// Session represents an authenticated control API client
type Session struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionManager manages control API sessions
type SessionManager struct {
	sessions      map[string]*Session
	mutex         sync.RWMutex
	duration      time.Duration
	secureCookies bool
	clk           clock.Clock
	done          chan struct{}
	closeOnce     sync.Once
}

// NewSessionManager creates a new session manager
func NewSessionManager(duration time.Duration, secureCookies bool, clk clock.Clock) *SessionManager {
	if clk == nil {
		clk = clock.New()
	}
	sm := &SessionManager{
		sessions:      make(map[string]*Session),
		duration:      duration,
		secureCookies: secureCookies,
		clk:           clk,
		done:          make(chan struct{}),
	}

	go sm.cleanupExpiredSessions()

	return sm
}

// CreateSession creates a new session
func (sm *SessionManager) CreateSession() (*Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := sm.clk.Now()
	session := &Session{
		ID:        sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.duration),
	}

	sm.mutex.Lock()
	sm.sessions[sessionID] = session
	sm.mutex.Unlock()

	return session, nil
}

// GetSession retrieves a live session by ID
func (sm *SessionManager) GetSession(sessionID string) (*Session, bool) {
	sm.mutex.RLock()
	session, exists := sm.sessions[sessionID]
	sm.mutex.RUnlock()

	if !exists {
		return nil, false
	}

	if sm.clk.Now().After(session.ExpiresAt) {
		sm.DeleteSession(sessionID)
		return nil, false
	}

	return session, true
}

// DeleteSession removes a session
func (sm *SessionManager) DeleteSession(sessionID string) {
	sm.mutex.Lock()
	delete(sm.sessions, sessionID)
	sm.mutex.Unlock()
}

// RefreshSession extends the session expiration time
func (sm *SessionManager) RefreshSession(sessionID string) bool {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	session, exists := sm.sessions[sessionID]
	if !exists {
		return false
	}

	now := sm.clk.Now()
	if now.After(session.ExpiresAt) {
		delete(sm.sessions, sessionID)
		return false
	}

	session.ExpiresAt = now.Add(sm.duration)
	return true
}

// Len returns the number of stored sessions
func (sm *SessionManager) Len() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return len(sm.sessions)
}

// SetSessionCookie sets the session cookie on the response
func (sm *SessionManager) SetSessionCookie(w http.ResponseWriter, session *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    session.ID,
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   sm.secureCookies,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
	})
}

// ClearSessionCookie removes the session cookie
func (sm *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   sm.secureCookies,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
	})
}

// GetSessionFromRequest extracts the session from the bearer token or the
// session cookie
func (sm *SessionManager) GetSessionFromRequest(r *http.Request) (*Session, bool) {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return sm.GetSession(strings.TrimSpace(token))
	}
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return nil, false
	}
	return sm.GetSession(cookie.Value)
}

// Close stops the cleanup loop
func (sm *SessionManager) Close() {
	sm.closeOnce.Do(func() { close(sm.done) })
}

func (sm *SessionManager) cleanupExpiredSessions() {
	ticker := sm.clk.Ticker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.removeExpired()
		}
	}
}

func (sm *SessionManager) removeExpired() {
	now := sm.clk.Now()
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	for id, session := range sm.sessions {
		if now.After(session.ExpiresAt) {
			delete(sm.sessions, id)
		}
	}
}

// generateSessionID generates a cryptographically secure session ID
func generateSessionID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
