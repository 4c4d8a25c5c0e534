package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	attemptservice "careerpilot/backend/internal/attempt/service"
	"careerpilot/backend/internal/credentials"
	"careerpilot/backend/internal/server/interceptors"
	sessionservice "careerpilot/backend/internal/session/service"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	SessionID    string `json:"sessionId"`
	TokenType    string `json:"tokenType"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
	TokenType   string `json:"tokenType"`
}

type sessionView struct {
	ID             string    `json:"id"`
	IPAddress      string    `json:"ipAddress,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Current        bool      `json:"current"`
}

// login guards the credential check with the per-IP attempt ledger, records the outcome and
// issues a session on success. Denied attempts are not recorded, so a lockout ends one window
// after the last counted failure.
func (a *API) login(w http.ResponseWriter, r *http.Request) {
	if a.creds == nil {
		writeError(w, http.StatusNotImplemented, codeNotImplemented, "login is not configured")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed JSON body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "email and password are required")
		return
	}

	ctx := r.Context()
	ip := ClientIP(r)
	res, err := a.limiter.CheckLogin(ctx, ip)
	setRateLimitHeaders(w, res)
	if err != nil {
		a.writeLimited(w, res, err)
		return
	}

	userID, err := a.creds.VerifyCredentials(ctx, email, req.Password)
	if err != nil {
		if errors.Is(err, credentials.ErrInvalidCredentials) {
			a.record(r, attemptservice.Record{Email: email, IPAddress: ip, FailureReason: "invalid_credentials"})
			writeError(w, http.StatusUnauthorized, codeInvalidCredentials, "invalid email or password")
			return
		}
		a.log.Error().Err(err).Str("client_ip", ip).Msg("http: credential check failed")
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "login temporarily unavailable")
		return
	}

	iss, err := a.sessions.CreateSession(ctx, userID, ip, r.UserAgent())
	if err != nil {
		a.log.Error().Err(err).Str("user_id", userID).Msg("http: create session failed")
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "login temporarily unavailable")
		return
	}
	a.record(r, attemptservice.Record{Email: email, UserID: userID, IPAddress: ip, Success: true})
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  iss.AccessToken,
		RefreshToken: iss.RefreshToken,
		ExpiresIn:    iss.ExpiresIn,
		SessionID:    iss.SessionID,
		TokenType:    "Bearer",
	})
}

func (a *API) record(r *http.Request, rec attemptservice.Record) {
	if a.attempts == nil {
		return
	}
	// RecordAttempt fails open and logs its own errors.
	_ = a.attempts.RecordAttempt(r.Context(), rec)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "refreshToken is required")
		return
	}
	out, err := a.sessions.Refresh(r.Context(), strings.TrimSpace(req.RefreshToken), ClientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, sessionservice.ErrSessionInvalid) {
			writeError(w, http.StatusUnauthorized, codeSessionInvalid, "refresh token rejected")
			return
		}
		a.log.Error().Err(err).Msg("http: refresh failed")
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "refresh temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{AccessToken: out.AccessToken, ExpiresIn: out.ExpiresIn, TokenType: "Bearer"})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := interceptors.GetSessionID(r.Context())
	if err := a.sessions.InvalidateSession(r.Context(), sessionID); err != nil {
		a.log.Error().Err(err).Str("session_id", sessionID).Msg("http: logout failed")
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "logout temporarily unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) logoutAll(w http.ResponseWriter, r *http.Request) {
	userID, _ := interceptors.GetUserID(r.Context())
	n, err := a.sessions.InvalidateAllUserSessions(r.Context(), userID)
	if err != nil {
		a.log.Error().Err(err).Str("user_id", userID).Msg("http: logout-all failed")
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "logout temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := interceptors.GetUserID(ctx)
	current, _ := interceptors.GetSessionID(ctx)
	list, err := a.sessions.ListActiveSessions(ctx, userID)
	if err != nil {
		a.log.Error().Err(err).Str("user_id", userID).Msg("http: list sessions failed")
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "sessions temporarily unavailable")
		return
	}
	views := make([]sessionView, 0, len(list))
	for _, s := range list {
		views = append(views, sessionView{
			ID:             s.ID,
			IPAddress:      s.IPAddress,
			UserAgent:      s.UserAgent,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			ExpiresAt:      s.ExpiresAt,
			Current:        s.ID == current,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}
