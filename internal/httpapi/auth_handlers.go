package httpapi

import (
	"net/http"
	"strings"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/audit"
	"civicpulse.org/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access string `json:"access"`
}

// sessionResponse is returned by login and registration.
type sessionResponse struct {
	Access  string    `json:"access"`
	Refresh string    `json:"refresh"`
	Role    auth.Role `json:"role"`
	User    auth.User `json:"user"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterInput
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	user, pair, err := a.auth.Register(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     string(user.Role),
	})
	writeJSON(w, http.StatusCreated, sessionResponse{Access: pair.Access, Refresh: pair.Refresh, Role: user.Role, User: user})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	user, pair, err := a.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInvalidCredentials {
			_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
				"username": strings.TrimSpace(req.Username),
			})
		}
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"user_id": user.ID,
		"role":    string(user.Role),
	})
	writeJSON(w, http.StatusOK, sessionResponse{Access: pair.Access, Refresh: pair.Refresh, Role: user.Role, User: user})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	access, err := a.auth.Refresh(r.Context(), req.Refresh)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Access: access})
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		respondError(w, r, apperr.ErrUnauthenticated)
		return
	}
	user, err := a.auth.Profile(r.Context(), id.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		respondError(w, r, apperr.ErrUnauthenticated)
		return
	}
	var upd auth.ProfileUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		respondError(w, r, err)
		return
	}
	user, err := a.auth.UpdateProfile(r.Context(), id.UserID, upd)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.profile.update", map[string]any{"user_id": user.ID})
	writeJSON(w, http.StatusOK, user)
}
