package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivaria-project/vivaria/internal/auth"
	"github.com/vivaria-project/vivaria/internal/models"
	"github.com/vivaria-project/vivaria/internal/services"
	pkghttp "github.com/vivaria-project/vivaria/pkg/http"
)

// MockAuthCoordinator implements AuthCoordinator with per-call hooks so each
// test controls exactly the behavior it needs.
type MockAuthCoordinator struct {
	AuthenticateFunc      func(ctx context.Context, username, password, address string) (*services.AuthResult, error)
	CompleteTwoFactorFunc func(ctx context.Context, username, code, address, preauthToken string) (*services.AuthResult, error)
	VerifySessionFunc     func(sessionToken, address string) (*models.Session, error)
	LogoutFunc            func(sessionToken string)
	SetupTwoFactorFunc    func(ctx context.Context, username string) (*models.TwoFactorSetup, error)
}

func (m *MockAuthCoordinator) Authenticate(ctx context.Context, username, password, address string) (*services.AuthResult, error) {
	return m.AuthenticateFunc(ctx, username, password, address)
}

func (m *MockAuthCoordinator) CompleteTwoFactor(ctx context.Context, username, code, address, preauthToken string) (*services.AuthResult, error) {
	return m.CompleteTwoFactorFunc(ctx, username, code, address, preauthToken)
}

func (m *MockAuthCoordinator) VerifySession(sessionToken, address string) (*models.Session, error) {
	return m.VerifySessionFunc(sessionToken, address)
}

func (m *MockAuthCoordinator) Logout(sessionToken string) {
	if m.LogoutFunc != nil {
		m.LogoutFunc(sessionToken)
	}
}

func (m *MockAuthCoordinator) SetupTwoFactor(ctx context.Context, username string) (*models.TwoFactorSetup, error) {
	return m.SetupTwoFactorFunc(ctx, username)
}

func newTestHandler(coordinator AuthCoordinator) *AuthHandler {
	return NewAuthHandler(coordinator, &pkghttp.IPConfig{}, auth.CookieConfig{MaxAge: 3600})
}

// newJSONRequest builds a request with a JSON body and a fixed remote address.
func newJSONRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.5:51234"
	return req
}

// decodeJSONResponse asserts the status code and decodes the body into out.
func decodeJSONResponse(t *testing.T, rec *httptest.ResponseRecorder, wantStatus int, out interface{}) {
	t.Helper()

	assert.Equal(t, wantStatus, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

// assertErrorResponse asserts a standard error payload.
func assertErrorResponse(t *testing.T, rec *httptest.ResponseRecorder, wantStatus int, wantMessage string) {
	t.Helper()

	var resp pkghttp.ErrorResponse
	decodeJSONResponse(t, rec, wantStatus, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, wantMessage, resp.Error)
}

// sessionCookie extracts the session cookie from a recorded response, or nil.
func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			return c
		}
	}
	return nil
}
