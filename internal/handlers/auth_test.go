package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivaria-project/vivaria/internal/auth"
	"github.com/vivaria-project/vivaria/internal/models"
	"github.com/vivaria-project/vivaria/internal/services"
)

func TestLogin_Success(t *testing.T) {
	coordinator := &MockAuthCoordinator{
		AuthenticateFunc: func(ctx context.Context, username, password, address string) (*services.AuthResult, error) {
			assert.Equal(t, "admin", username)
			assert.Equal(t, "hunter2hunter2", password)
			assert.Equal(t, "10.0.0.5", address)
			return &services.AuthResult{Username: username, SessionToken: "tok-abc"}, nil
		},
	}
	handler := newTestHandler(coordinator)

	req := newJSONRequest(t, http.MethodPost, "/api/login", LoginRequest{
		Username: "admin",
		Password: "hunter2hunter2",
	})
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	var resp LoginResponse
	decodeJSONResponse(t, rec, http.StatusOK, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "tok-abc", resp.SessionToken)
	assert.False(t, resp.Requires2FA)

	cookie := sessionCookie(rec)
	require.NotNil(t, cookie)
	assert.Equal(t, "tok-abc", cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
}

func TestLogin_TwoFactorRequiredOmitsCookie(t *testing.T) {
	coordinator := &MockAuthCoordinator{
		AuthenticateFunc: func(ctx context.Context, username, password, address string) (*services.AuthResult, error) {
			return &services.AuthResult{
				Username:          username,
				RequiresTwoFactor: true,
				PreAuthToken:      "pre-xyz",
			}, nil
		},
	}
	handler := newTestHandler(coordinator)

	req := newJSONRequest(t, http.MethodPost, "/api/login", LoginRequest{
		Username: "admin",
		Password: "hunter2hunter2",
	})
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	var resp LoginResponse
	decodeJSONResponse(t, rec, http.StatusOK, &resp)
	assert.True(t, resp.Success)
	assert.True(t, resp.Requires2FA)
	assert.Equal(t, "pre-xyz", resp.PreAuthToken)
	assert.Empty(t, resp.SessionToken)
	assert.Nil(t, sessionCookie(rec))
}

func TestLogin_MissingFields(t *testing.T) {
	handler := newTestHandler(&MockAuthCoordinator{})

	req := newJSONRequest(t, http.MethodPost, "/api/login", LoginRequest{Username: "admin"})
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	assertErrorResponse(t, rec, http.StatusBadRequest, "Username and password are required")
}

func TestLogin_MalformedBody(t *testing.T) {
	handler := newTestHandler(&MockAuthCoordinator{})

	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader("{not json"))
	req.RemoteAddr = "10.0.0.5:51234"
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	assertErrorResponse(t, rec, http.StatusBadRequest, "Invalid request body")
}

func TestLogin_InvalidCredentials(t *testing.T) {
	coordinator := &MockAuthCoordinator{
		AuthenticateFunc: func(ctx context.Context, username, password, address string) (*services.AuthResult, error) {
			return nil, models.ErrInvalidCredentials
		},
	}
	handler := newTestHandler(coordinator)

	req := newJSONRequest(t, http.MethodPost, "/api/login", LoginRequest{
		Username: "admin",
		Password: "wrong-password",
	})
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	assertErrorResponse(t, rec, http.StatusUnauthorized, "Invalid username or password")
	assert.Nil(t, sessionCookie(rec))
}

func TestLogin_RateLimitedSetsRetryAfter(t *testing.T) {
	coordinator := &MockAuthCoordinator{
		AuthenticateFunc: func(ctx context.Context, username, password, address string) (*services.AuthResult, error) {
			return nil, &models.RateLimitError{RetryAfter: 120 * time.Second}
		},
	}
	handler := newTestHandler(coordinator)

	req := newJSONRequest(t, http.MethodPost, "/api/login", LoginRequest{
		Username: "admin",
		Password: "hunter2hunter2",
	})
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	assertErrorResponse(t, rec, http.StatusTooManyRequests,
		"Too many failed attempts. Please try again in 120 seconds.")
	assert.Equal(t, "120", rec.Header().Get("Retry-After"))
}

func TestCompleteTwoFactor_Success(t *testing.T) {
	coordinator := &MockAuthCoordinator{
		CompleteTwoFactorFunc: func(ctx context.Context, username, code, address, preauthToken string) (*services.AuthResult, error) {
			assert.Equal(t, "admin", username)
			assert.Equal(t, "123456", code)
			assert.Equal(t, "pre-xyz", preauthToken)
			return &services.AuthResult{Username: username, SessionToken: "tok-2fa"}, nil
		},
	}
	handler := newTestHandler(coordinator)

	req := newJSONRequest(t, http.MethodPost, "/api/login/2fa", TwoFactorRequest{
		Username:     "admin",
		TOTPCode:     "123456",
		PreAuthToken: "pre-xyz",
	})
	rec := httptest.NewRecorder()
	handler.CompleteTwoFactor(rec, req)

	var resp LoginResponse
	decodeJSONResponse(t, rec, http.StatusOK, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "tok-2fa", resp.SessionToken)

	cookie := sessionCookie(rec)
	require.NotNil(t, cookie)
	assert.Equal(t, "tok-2fa", cookie.Value)
}

func TestCompleteTwoFactor_RejectsNonNumericCode(t *testing.T) {
	handler := newTestHandler(&MockAuthCoordinator{})

	req := newJSONRequest(t, http.MethodPost, "/api/login/2fa", TwoFactorRequest{
		Username:     "admin",
		TOTPCode:     "12ab56",
		PreAuthToken: "pre-xyz",
	})
	rec := httptest.NewRecorder()
	handler.CompleteTwoFactor(rec, req)

	assertErrorResponse(t, rec, http.StatusBadRequest,
		"Username, pre-auth token and a 6-digit code are required")
}

func TestCompleteTwoFactor_ErrorMapping(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
	}{
		{"challenge not found", models.ErrChallengeNotFound, http.StatusUnauthorized,
			"Invalid or expired challenge. Please login again."},
		{"challenge mismatch", models.ErrChallengeMismatch, http.StatusUnauthorized,
			"Verification failed. Please login again."},
		{"too many attempts", models.ErrTooManyAttempts, http.StatusUnauthorized,
			"Too many failed code attempts. Please login again."},
		{"invalid code", models.ErrInvalidCode, http.StatusUnauthorized,
			"Invalid 2FA code"},
		{"internal failure", errors.New("boom"), http.StatusInternalServerError,
			"Internal server error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			coordinator := &MockAuthCoordinator{
				CompleteTwoFactorFunc: func(ctx context.Context, username, code, address, preauthToken string) (*services.AuthResult, error) {
					return nil, tc.err
				},
			}
			handler := newTestHandler(coordinator)

			req := newJSONRequest(t, http.MethodPost, "/api/login/2fa", TwoFactorRequest{
				Username:     "admin",
				TOTPCode:     "123456",
				PreAuthToken: "pre-xyz",
			})
			rec := httptest.NewRecorder()
			handler.CompleteTwoFactor(rec, req)

			assertErrorResponse(t, rec, tc.wantStatus, tc.wantMessage)
		})
	}
}

func TestLogout_WithSession(t *testing.T) {
	var loggedOut string
	coordinator := &MockAuthCoordinator{
		LogoutFunc: func(sessionToken string) { loggedOut = sessionToken },
	}
	handler := newTestHandler(coordinator)

	req := newJSONRequest(t, http.MethodPost, "/api/logout", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "tok-abc"})
	rec := httptest.NewRecorder()
	handler.Logout(rec, req)

	var resp map[string]bool
	decodeJSONResponse(t, rec, http.StatusOK, &resp)
	assert.True(t, resp["success"])
	assert.Equal(t, "tok-abc", loggedOut)

	cookie := sessionCookie(rec)
	require.NotNil(t, cookie)
	assert.Empty(t, cookie.Value)
	assert.Negative(t, cookie.MaxAge)
}

func TestLogout_WithoutSessionStillSucceeds(t *testing.T) {
	handler := newTestHandler(&MockAuthCoordinator{})

	req := newJSONRequest(t, http.MethodPost, "/api/logout", nil)
	rec := httptest.NewRecorder()
	handler.Logout(rec, req)

	var resp map[string]bool
	decodeJSONResponse(t, rec, http.StatusOK, &resp)
	assert.True(t, resp["success"])
}

func TestVerifySession_Valid(t *testing.T) {
	coordinator := &MockAuthCoordinator{
		VerifySessionFunc: func(sessionToken, address string) (*models.Session, error) {
			assert.Equal(t, "tok-abc", sessionToken)
			assert.Equal(t, "10.0.0.5", address)
			return &models.Session{Token: sessionToken, Username: "admin"}, nil
		},
	}
	handler := newTestHandler(coordinator)

	req := newJSONRequest(t, http.MethodGet, "/api/auth/verify", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "tok-abc"})
	rec := httptest.NewRecorder()
	handler.VerifySession(rec, req)

	var resp VerifyResponse
	decodeJSONResponse(t, rec, http.StatusOK, &resp)
	assert.True(t, resp.Authenticated)
	assert.Equal(t, "admin", resp.Username)
}

func TestVerifySession_MissingCookie(t *testing.T) {
	handler := newTestHandler(&MockAuthCoordinator{})

	req := newJSONRequest(t, http.MethodGet, "/api/auth/verify", nil)
	rec := httptest.NewRecorder()
	handler.VerifySession(rec, req)

	var resp VerifyResponse
	decodeJSONResponse(t, rec, http.StatusUnauthorized, &resp)
	assert.False(t, resp.Authenticated)
	assert.Empty(t, resp.Username)
}

func TestVerifySession_ExpiredSession(t *testing.T) {
	coordinator := &MockAuthCoordinator{
		VerifySessionFunc: func(sessionToken, address string) (*models.Session, error) {
			return nil, models.ErrSessionExpired
		},
	}
	handler := newTestHandler(coordinator)

	req := newJSONRequest(t, http.MethodGet, "/api/auth/verify", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "tok-stale"})
	rec := httptest.NewRecorder()
	handler.VerifySession(rec, req)

	var resp VerifyResponse
	decodeJSONResponse(t, rec, http.StatusUnauthorized, &resp)
	assert.False(t, resp.Authenticated)
}

func TestSetupTwoFactor_RequiresSession(t *testing.T) {
	handler := newTestHandler(&MockAuthCoordinator{})

	req := newJSONRequest(t, http.MethodGet, "/api/auth/2fa/setup", nil)
	rec := httptest.NewRecorder()
	handler.SetupTwoFactor(rec, req)

	assertErrorResponse(t, rec, http.StatusUnauthorized, "Authentication required")
}

func TestSetupTwoFactor_ReturnsEnrollmentMaterial(t *testing.T) {
	coordinator := &MockAuthCoordinator{
		VerifySessionFunc: func(sessionToken, address string) (*models.Session, error) {
			return &models.Session{Token: sessionToken, Username: "admin"}, nil
		},
		SetupTwoFactorFunc: func(ctx context.Context, username string) (*models.TwoFactorSetup, error) {
			assert.Equal(t, "admin", username)
			return &models.TwoFactorSetup{
				Secret:          "JBSWY3DPEHPK3PXP",
				QRCode:          "data:image/png;base64,abc",
				ProvisioningURI: "otpauth://totp/Vivaria:admin",
			}, nil
		},
	}
	handler := newTestHandler(coordinator)

	req := newJSONRequest(t, http.MethodGet, "/api/auth/2fa/setup", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "tok-abc"})
	rec := httptest.NewRecorder()
	handler.SetupTwoFactor(rec, req)

	var resp struct {
		Success         bool   `json:"success"`
		Secret          string `json:"secret"`
		QRCode          string `json:"qr_code"`
		ProvisioningURI string `json:"provisioning_uri"`
	}
	decodeJSONResponse(t, rec, http.StatusOK, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", resp.Secret)
	assert.Contains(t, resp.QRCode, "data:image/png;base64,")
	assert.Contains(t, resp.ProvisioningURI, "otpauth://totp/")
}

func TestSetupTwoFactor_GenerationFailure(t *testing.T) {
	coordinator := &MockAuthCoordinator{
		VerifySessionFunc: func(sessionToken, address string) (*models.Session, error) {
			return &models.Session{Token: sessionToken, Username: "admin"}, nil
		},
		SetupTwoFactorFunc: func(ctx context.Context, username string) (*models.TwoFactorSetup, error) {
			return nil, models.ErrTwoFactorUnavailable
		},
	}
	handler := newTestHandler(coordinator)

	req := newJSONRequest(t, http.MethodGet, "/api/auth/2fa/setup", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "tok-abc"})
	rec := httptest.NewRecorder()
	handler.SetupTwoFactor(rec, req)

	assertErrorResponse(t, rec, http.StatusInternalServerError, "Two-factor setup unavailable")
}
