package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vivaria-project/vivaria/internal/auth"
	"github.com/vivaria-project/vivaria/internal/models"
	pkglogger "github.com/vivaria-project/vivaria/pkg/logger"
)

// SessionTimeout is the sliding inactivity window after which a session expires.
const SessionTimeout = time.Hour

// SessionService tracks authenticated sessions with a sliding TTL and address
// binding. All state is in memory; a process restart invalidates every session,
// which is the intended behavior for this panel.
type SessionService struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	timeout  time.Duration
	clock    Clock
	logger   *slog.Logger
}

// NewSessionService creates a new SessionService
func NewSessionService(timeout time.Duration, clock Clock, logger *slog.Logger) *SessionService {
	return &SessionService{
		sessions: make(map[string]*models.Session),
		timeout:  timeout,
		clock:    clock,
		logger:   logger,
	}
}

// Create stores a new authenticated session and returns its token.
// The session starts without 2FA verification; callers mark it after a
// successful second factor.
func (s *SessionService) Create(username, address, deviceFingerprint string) (string, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return "", err
	}

	now := s.clock()

	s.mu.Lock()
	s.sessions[token] = &models.Session{
		Token:             token,
		Username:          username,
		Address:           address,
		DeviceFingerprint: deviceFingerprint,
		CreatedAt:         now,
		LastActivity:      now,
	}
	s.mu.Unlock()

	s.logger.Info("session created",
		slog.String("username", username),
		slog.String("address", address))
	return token, nil
}

// SetTwoFactorVerified marks a session as having passed the second factor.
func (s *SessionService) SetTwoFactorVerified(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[token]; ok {
		session.TwoFactorVerified = true
	}
}

// Verify checks a session token and renews its sliding window on success.
// An expired session is deleted on the spot. When an address is supplied and
// differs from the stored one, the request is denied but the session survives,
// so the legitimate holder can retry from the original address.
func (s *SessionService) Verify(token, address string) (*models.Session, error) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return nil, models.ErrSessionExpired
	}

	if now.Sub(session.LastActivity) > s.timeout {
		delete(s.sessions, token)
		s.logger.Info("session expired", slog.String("username", session.Username))
		return nil, models.ErrSessionExpired
	}

	if address != "" && session.Address != address {
		s.logger.Warn("session address mismatch",
			slog.String("token", pkglogger.TruncatedToken(token)),
			slog.String("expected", session.Address),
			slog.String("got", address))
		return nil, models.ErrSessionAddressMismatch
	}

	session.LastActivity = now

	copied := *session
	return &copied, nil
}

// Invalidate deletes a session (logout). Idempotent when already absent.
func (s *SessionService) Invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[token]; ok {
		delete(s.sessions, token)
		s.logger.Info("session invalidated", slog.String("username", session.Username))
	}
}

// SweepExpired removes all sessions past their inactivity window and returns
// how many were purged.
func (s *SessionService) SweepExpired() int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, session := range s.sessions {
		if now.Sub(session.LastActivity) > s.timeout {
			delete(s.sessions, token)
			removed++
		}
	}

	return removed
}
