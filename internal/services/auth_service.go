package services

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/vivaria-project/vivaria/internal/auth"
	"github.com/vivaria-project/vivaria/internal/models"
	pkgauth "github.com/vivaria-project/vivaria/pkg/auth"
	pkglogger "github.com/vivaria-project/vivaria/pkg/logger"
)

// SettingsRepository defines the interface for the persisted settings store
type SettingsRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// TOTPProvider defines the interface for the TOTP capability
type TOTPProvider interface {
	GenerateSetup(accountName string) (secret, provisioningURI, qrDataURL string, err error)
	Validate(secret, code string) (bool, error)
}

// AuthService orchestrates the login / 2FA / logout state machine over the
// rate limiter, pre-auth store and session store. All failures come back as
// sentinel errors from the models package; nothing here panics.
type AuthService struct {
	settings    SettingsRepository
	rateLimiter *RateLimitService
	preauth     *PreAuthService
	sessions    *SessionService
	totp        TOTPProvider
	timing      *auth.TimingDelay
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

// NewAuthService creates a new AuthService
func NewAuthService(
	settings SettingsRepository,
	rateLimiter *RateLimitService,
	preauth *PreAuthService,
	sessions *SessionService,
	totp TOTPProvider,
	timing *auth.TimingDelay,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *AuthService {
	return &AuthService{
		settings:    settings,
		rateLimiter: rateLimiter,
		preauth:     preauth,
		sessions:    sessions,
		totp:        totp,
		timing:      timing,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// AuthResult is the outcome of a successful authentication step
type AuthResult struct {
	Username          string
	SessionToken      string
	RequiresTwoFactor bool
	PreAuthToken      string
}

// Authenticate verifies a username/password pair from the given client
// address. When the second factor is enabled it returns a pre-auth token
// instead of a session; no session exists until the 2FA step completes.
func (s *AuthService) Authenticate(ctx context.Context, username, password, address string) (*AuthResult, error) {
	// Locked-out clients fail before the password is evaluated; no hash work
	// is spent on a client that cannot succeed.
	if limited, wait := s.rateLimiter.Check(address); limited {
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			Address:       address,
			FailureReason: "rate_limited",
		})
		return nil, &models.RateLimitError{RetryAfter: wait}
	}

	storedUsername, err := s.settings.Get(ctx, models.SettingUsername)
	if err != nil {
		s.logger.Error("failed to load stored username", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	storedHash, err := s.settings.Get(ctx, models.SettingPasswordHash)
	if err != nil {
		s.logger.Error("failed to load stored password hash", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	// Both checks always run; short-circuiting on the username would leak
	// its validity through response timing.
	usernameOK := auth.ConstantTimeEquals(username, storedUsername)
	passwordOK := pkgauth.ComparePassword(storedHash, password) == nil

	if !usernameOK || !passwordOK {
		s.rateLimiter.RecordFailure(address)
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			Address:       address,
			FailureReason: "invalid_credentials",
		})
		s.timing.Wait(false)
		return nil, models.ErrInvalidCredentials
	}

	if s.twoFactorEnabled(ctx) {
		preauthToken, err := s.preauth.Create(username, address)
		if err != nil {
			s.logger.Error("failed to create pre-auth challenge", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		return &AuthResult{
			Username:          username,
			RequiresTwoFactor: true,
			PreAuthToken:      preauthToken,
		}, nil
	}

	s.rateLimiter.Reset(address)

	sessionToken, err := s.sessions.Create(username, address, "")
	if err != nil {
		s.logger.Error("failed to create session", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "login_success",
		Username:  username,
		Address:   address,
		Success:   true,
	})

	return &AuthResult{Username: username, SessionToken: sessionToken}, nil
}

// CompleteTwoFactor verifies the TOTP code against an outstanding pre-auth
// challenge. The challenge survives wrong codes until exhausted or expired;
// success consumes it and produces a 2FA-verified session.
func (s *AuthService) CompleteTwoFactor(ctx context.Context, username, code, address, preauthToken string) (*AuthResult, error) {
	challenge, err := s.preauth.Verify(preauthToken, address)
	if err != nil {
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "2fa_failed",
			Address:       address,
			FailureReason: "invalid_challenge",
		})
		// The caller learns only that the challenge is unusable, never that
		// the address was the mismatching part.
		if errors.Is(err, models.ErrChallengeAddressMismatch) {
			return nil, models.ErrChallengeNotFound
		}
		return nil, err
	}

	if !auth.ConstantTimeEquals(challenge.Username, username) {
		s.preauth.Invalidate(preauthToken)
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "2fa_failed",
			Address:       address,
			FailureReason: "challenge_mismatch",
		})
		return nil, models.ErrChallengeMismatch
	}

	if s.preauth.IsExhausted(preauthToken) {
		s.preauth.Invalidate(preauthToken)
		return nil, models.ErrTooManyAttempts
	}

	secret, err := s.settings.Get(ctx, models.SettingTwoFASecret)
	if err != nil {
		s.logger.Error("two-factor secret unavailable", slog.Any("error", err))
		return nil, models.ErrTwoFactorUnavailable
	}

	valid := false
	if isSixDigits(code) {
		valid, err = s.totp.Validate(secret, code)
		if err != nil {
			s.logger.Warn("TOTP validation error", slog.Any("error", err))
			valid = false
		}
	}

	if !valid {
		s.preauth.RecordFailure(preauthToken)
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "2fa_failed",
			Username:      username,
			Address:       address,
			FailureReason: "invalid_code",
		})
		s.timing.Wait(false)
		if s.preauth.IsExhausted(preauthToken) {
			s.preauth.Invalidate(preauthToken)
			return nil, models.ErrTooManyAttempts
		}
		return nil, models.ErrInvalidCode
	}

	s.preauth.Invalidate(preauthToken)
	s.rateLimiter.Reset(address)

	sessionToken, err := s.sessions.Create(username, address, "")
	if err != nil {
		s.logger.Error("failed to create session", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	s.sessions.SetTwoFactorVerified(sessionToken)

	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "2fa_success",
		Username:  username,
		Address:   address,
		Success:   true,
	})

	return &AuthResult{Username: username, SessionToken: sessionToken}, nil
}

// VerifySession checks a session token for a protected request, renewing the
// sliding window on success.
func (s *AuthService) VerifySession(sessionToken, address string) (*models.Session, error) {
	return s.sessions.Verify(sessionToken, address)
}

// Logout invalidates a session. Idempotent when the token is already gone.
func (s *AuthService) Logout(sessionToken string) {
	s.sessions.Invalidate(sessionToken)
}

// SetupTwoFactor generates a fresh TOTP secret for the authenticated admin,
// persists it and returns the enrollment material.
func (s *AuthService) SetupTwoFactor(ctx context.Context, username string) (*models.TwoFactorSetup, error) {
	secret, uri, qr, err := s.totp.GenerateSetup(username)
	if err != nil {
		s.logger.Error("failed to generate two-factor setup", slog.Any("error", err))
		return nil, models.ErrTwoFactorUnavailable
	}

	if err := s.settings.Set(ctx, models.SettingTwoFASecret, secret); err != nil {
		s.logger.Error("failed to persist two-factor secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("two-factor setup initiated", slog.String("username", username))
	return &models.TwoFactorSetup{
		Secret:          secret,
		QRCode:          qr,
		ProvisioningURI: uri,
	}, nil
}

// CleanupExpired purges expired sessions and pre-auth challenges. Invoked by
// the periodic sweeper; safe to call concurrently with request handling.
func (s *AuthService) CleanupExpired() {
	sessions := s.sessions.SweepExpired()
	challenges := s.preauth.SweepExpired()

	if sessions > 0 || challenges > 0 {
		s.logger.Info("expired auth state swept",
			slog.Int("sessions", sessions),
			slog.Int("challenges", challenges))
	}
}

// twoFactorEnabled reads the 2FA flag from settings; absence means disabled.
func (s *AuthService) twoFactorEnabled(ctx context.Context) bool {
	raw, err := s.settings.Get(ctx, models.SettingTwoFAEnabled)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to load two-factor flag", slog.Any("error", err))
		}
		return false
	}

	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return enabled
}

// isSixDigits reports whether the code is exactly six decimal digits.
func isSixDigits(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
