package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"toptrack/internal/auth"
)

// handleAuthLogin exchanges the control password for a session
func (cs *ControlServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if cs.authService == nil || !cs.authService.IsEnabled() {
		cs.respondWithError(w, r, http.StatusNotFound, "Authentication is disabled", nil)
		return
	}

	var credentials struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&credentials); err != nil {
		cs.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if credentials.Password == "" {
		cs.respondWithValidationError(w, r, []ValidationError{{
			Field:   "password",
			Message: "Password is required",
			Code:    "MISSING_PASSWORD",
		}})
		return
	}

	session, err := cs.authService.Login(credentials.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			cs.respondWithError(w, r, http.StatusUnauthorized, "Invalid credentials", nil)
			return
		}
		cs.respondWithError(w, r, http.StatusInternalServerError, "Login failed", err)
		return
	}

	cs.authService.GetSessionManager().SetSessionCookie(w, session)
	cs.logger.WithField("remote", r.RemoteAddr).Info("Control client logged in")

	cs.respondJSON(w, map[string]interface{}{
		"status":    "success",
		"token":     session.ID,
		"expiresAt": session.ExpiresAt,
	})
}

// handleAuthLogout invalidates the caller's session
func (cs *ControlServer) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if cs.authService != nil {
		cs.authService.Logout(w, r)
	}
	cs.respondJSON(w, map[string]string{"status": "success"})
}
