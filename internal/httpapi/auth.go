package httpapi

import (
	"encoding/json"
	"net/http"
)

// loginRequest identifies the user to log in. Credential verification
// (password hashing, 2FA) is out of scope per spec section 1 — this
// endpoint is specified only at its interface: given an already-
// authenticated identity, it rotates the session token per C11.
type loginRequest struct {
	UserID string `json:"user_id"`
}

type loginResponse struct {
	UserID string `json:"user_id"`
}

// Login handles POST /auth/login.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		httpError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, err := s.guard.Login(r.Context(), req.UserID)
	if err != nil {
		httpError(w, "login failed", http.StatusInternalServerError)
		return
	}

	setSessionCookie(w, token)
	httpResponseJSON(w, loginResponse{UserID: req.UserID}, http.StatusOK)
}

// Logout handles POST /auth/logout.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID != "" {
		if err := s.guard.Logout(r.Context(), userID); err != nil {
			httpError(w, "logout failed", http.StatusInternalServerError)
			return
		}
	}
	clearSessionCookie(w)
	httpResponse(w, "logged out", http.StatusOK)
}
