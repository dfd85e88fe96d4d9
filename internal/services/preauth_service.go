package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vivaria-project/vivaria/internal/auth"
	"github.com/vivaria-project/vivaria/internal/models"
	pkglogger "github.com/vivaria-project/vivaria/pkg/logger"
)

// PreAuthTimeout bounds how long a password-step success can wait for its
// second factor.
const PreAuthTimeout = 5 * time.Minute

// PreAuthService holds short-lived challenge contexts created after a correct
// password and consumed by the 2FA step. Each context is bound to the client
// address that passed the password step and is single-use.
type PreAuthService struct {
	mu       sync.Mutex
	contexts map[string]*models.PreAuthContext
	timeout  time.Duration
	clock    Clock
	logger   *slog.Logger
}

// NewPreAuthService creates a new PreAuthService
func NewPreAuthService(timeout time.Duration, clock Clock, logger *slog.Logger) *PreAuthService {
	return &PreAuthService{
		contexts: make(map[string]*models.PreAuthContext),
		timeout:  timeout,
		clock:    clock,
		logger:   logger,
	}
}

// Create stores a fresh challenge context for a client that passed the
// password step and returns its token.
func (s *PreAuthService) Create(username, address string) (string, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return "", err
	}

	now := s.clock()

	s.mu.Lock()
	s.contexts[token] = &models.PreAuthContext{
		Token:     token,
		Username:  username,
		Address:   address,
		CreatedAt: now,
	}
	s.mu.Unlock()

	s.logger.Info("pre-auth challenge created",
		slog.String("username", username),
		slog.String("address", address))
	return token, nil
}

// Verify looks up a challenge context. An expired context is deleted; an
// address mismatch fails without deleting so the original client can still
// complete the challenge within its TTL.
func (s *PreAuthService) Verify(token, address string) (*models.PreAuthContext, error) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.contexts[token]
	if !ok {
		return nil, models.ErrChallengeNotFound
	}

	if now.Sub(ctx.CreatedAt) > s.timeout {
		delete(s.contexts, token)
		s.logger.Info("pre-auth challenge expired", slog.String("username", ctx.Username))
		return nil, models.ErrChallengeNotFound
	}

	if ctx.Address != address {
		s.logger.Warn("pre-auth challenge address mismatch",
			slog.String("token", pkglogger.TruncatedToken(token)),
			slog.String("expected", ctx.Address),
			slog.String("got", address))
		return nil, models.ErrChallengeAddressMismatch
	}

	copied := *ctx
	return &copied, nil
}

// RecordFailure increments the failure counter on a stored context.
// No-op when the token is unknown.
func (s *PreAuthService) RecordFailure(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx, ok := s.contexts[token]; ok {
		ctx.FailureCount++
	}
}

// IsExhausted reports whether the challenge has burned through its code
// attempts. Shares the threshold with the password rate limiter.
func (s *PreAuthService) IsExhausted(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.contexts[token]
	return ok && ctx.FailureCount >= MaxAttempts
}

// Invalidate removes a challenge context. Called on success, on username
// mismatch, and on exhaustion; idempotent when the token is already gone.
func (s *PreAuthService) Invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.contexts, token)
}

// SweepExpired removes all contexts past their TTL and returns how many were
// purged.
func (s *PreAuthService) SweepExpired() int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, ctx := range s.contexts {
		if now.Sub(ctx.CreatedAt) > s.timeout {
			delete(s.contexts, token)
			removed++
		}
	}

	return removed
}
