package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vivaria-project/vivaria/internal/auth"
	"github.com/vivaria-project/vivaria/internal/models"
	"github.com/vivaria-project/vivaria/internal/services"
	pkghttp "github.com/vivaria-project/vivaria/pkg/http"
)

// AuthCoordinator defines the interface for the authentication state machine
type AuthCoordinator interface {
	Authenticate(ctx context.Context, username, password, address string) (*services.AuthResult, error)
	CompleteTwoFactor(ctx context.Context, username, code, address, preauthToken string) (*services.AuthResult, error)
	VerifySession(sessionToken, address string) (*models.Session, error)
	Logout(sessionToken string)
	SetupTwoFactor(ctx context.Context, username string) (*models.TwoFactorSetup, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	coordinator  AuthCoordinator
	ipConfig     *pkghttp.IPConfig
	cookieConfig auth.CookieConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(coordinator AuthCoordinator, ipConfig *pkghttp.IPConfig, cookieConfig auth.CookieConfig) *AuthHandler {
	return &AuthHandler{
		coordinator:  coordinator,
		ipConfig:     ipConfig,
		cookieConfig: cookieConfig,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// TwoFactorRequest represents the request body for the 2FA step
type TwoFactorRequest struct {
	Username     string `json:"username" validate:"required"`
	TOTPCode     string `json:"totp_code" validate:"required,len=6,numeric"`
	PreAuthToken string `json:"preauth_token" validate:"required"`
}

// LoginResponse represents the response for both login steps
type LoginResponse struct {
	Success      bool   `json:"success"`
	SessionToken string `json:"session_token,omitempty"`
	Requires2FA  bool   `json:"requires_2fa,omitempty"`
	PreAuthToken string `json:"preauth_token,omitempty"`
}

// VerifyResponse represents the response for session verification
type VerifyResponse struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
}

// Login handles POST /api/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, "Username and password are required")
		return
	}

	address := pkghttp.ExtractClientIP(r, h.ipConfig)

	result, err := h.coordinator.Authenticate(r.Context(), req.Username, req.Password, address)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	if result.RequiresTwoFactor {
		// No session yet; the client must come back with a code.
		pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
			Success:      true,
			Requires2FA:  true,
			PreAuthToken: result.PreAuthToken,
		})
		return
	}

	auth.SetSessionCookie(w, result.SessionToken, h.cookieConfig)
	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		Success:      true,
		SessionToken: result.SessionToken,
	})
}

// CompleteTwoFactor handles POST /api/login/2fa
func (h *AuthHandler) CompleteTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req TwoFactorRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.TOTPCode = strings.TrimSpace(req.TOTPCode)
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, "Username, pre-auth token and a 6-digit code are required")
		return
	}

	address := pkghttp.ExtractClientIP(r, h.ipConfig)

	result, err := h.coordinator.CompleteTwoFactor(r.Context(), req.Username, req.TOTPCode, address, req.PreAuthToken)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	auth.SetSessionCookie(w, result.SessionToken, h.cookieConfig)
	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		Success:      true,
		SessionToken: result.SessionToken,
	})
}

// Logout handles POST /api/logout. Always succeeds, even without a session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := auth.GetSessionCookie(r); token != "" {
		h.coordinator.Logout(token)
	}

	auth.ClearSessionCookie(w, h.cookieConfig)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// VerifySession handles GET /api/auth/verify
func (h *AuthHandler) VerifySession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.sessionFromRequest(r)
	if !ok {
		pkghttp.WriteJSON(w, http.StatusUnauthorized, VerifyResponse{Authenticated: false})
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, VerifyResponse{
		Authenticated: true,
		Username:      session.Username,
	})
}

// SetupTwoFactor handles GET /api/auth/2fa/setup. Requires an authenticated
// session; returns enrollment material for an authenticator app.
func (h *AuthHandler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	session, ok := h.sessionFromRequest(r)
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	setup, err := h.coordinator.SetupTwoFactor(r.Context(), session.Username)
	if err != nil {
		pkghttp.WriteInternalError(w, "Two-factor setup unavailable")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*models.TwoFactorSetup
	}{Success: true, TwoFactorSetup: setup})
}

// sessionFromRequest resolves and verifies the session cookie.
func (h *AuthHandler) sessionFromRequest(r *http.Request) (*models.Session, bool) {
	token := auth.GetSessionCookie(r)
	if token == "" {
		return nil, false
	}

	address := pkghttp.ExtractClientIP(r, h.ipConfig)
	session, err := h.coordinator.VerifySession(token, address)
	if err != nil {
		return nil, false
	}
	return session, true
}

// writeAuthError maps coordinator errors to HTTP responses. Messages stay
// generic; the audit log carries the specifics.
func (h *AuthHandler) writeAuthError(w http.ResponseWriter, err error) {
	var rateLimitErr *models.RateLimitError
	switch {
	case errors.As(err, &rateLimitErr):
		seconds := int(rateLimitErr.RetryAfter.Seconds())
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		pkghttp.WriteTooManyRequests(w,
			fmt.Sprintf("Too many failed attempts. Please try again in %d seconds.", seconds))
	case errors.Is(err, models.ErrInvalidCredentials):
		pkghttp.WriteUnauthorized(w, "Invalid username or password")
	case errors.Is(err, models.ErrChallengeNotFound):
		pkghttp.WriteUnauthorized(w, "Invalid or expired challenge. Please login again.")
	case errors.Is(err, models.ErrChallengeMismatch):
		pkghttp.WriteUnauthorized(w, "Verification failed. Please login again.")
	case errors.Is(err, models.ErrTooManyAttempts):
		pkghttp.WriteUnauthorized(w, "Too many failed code attempts. Please login again.")
	case errors.Is(err, models.ErrInvalidCode):
		pkghttp.WriteUnauthorized(w, "Invalid 2FA code")
	case errors.Is(err, models.ErrMalformedInput):
		pkghttp.WriteBadRequest(w, "Malformed request")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
