package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"mallpanel.org/internal/actions"
	"mallpanel.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      auth.User `json:"user"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, a.loginLimiter) {
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.actions.Login(r.Context(), req.Email, req.Password, actions.LoginInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	token, expiresAt, err := a.sessions.Issue(auth.Principal{
		UserID:   user.ID,
		Email:    user.Email,
		FullName: user.FullName,
	})
	if err != nil {
		a.log.Error("issue session token", zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	a.setCookie(w, token, expiresAt)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, err := a.actions.Logout(r.Context())
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	if err := a.sessions.Revoke(r.Context(), p); err != nil {
		a.log.Warn("revoke session", zap.String("user_id", p.UserID), zap.Error(err))
	}
	a.clearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	me, err := a.actions.Me(r.Context())
	if err != nil {
		writeActionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, me)
}
