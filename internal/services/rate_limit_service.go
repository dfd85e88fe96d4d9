package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vivaria-project/vivaria/internal/models"
)

// Rate limiting defaults: max 5 failed attempts in 15 minutes.
const (
	MaxAttempts     = 5
	LockoutDuration = 15 * time.Minute
)

// RateLimitConfig holds configuration for login rate limiting
type RateLimitConfig struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

// DefaultRateLimitConfig returns the standard lockout policy.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttempts:     MaxAttempts,
		LockoutDuration: LockoutDuration,
	}
}

// RateLimitService tracks failed password attempts per client address and
// decides lockout. At most one record exists per address at any time; a record
// whose window has elapsed is discarded on the next touch.
type RateLimitService struct {
	mu       sync.Mutex
	attempts map[string]*models.FailedAttemptRecord
	config   RateLimitConfig
	clock    Clock
	logger   *slog.Logger
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(config RateLimitConfig, clock Clock, logger *slog.Logger) *RateLimitService {
	return &RateLimitService{
		attempts: make(map[string]*models.FailedAttemptRecord),
		config:   config,
		clock:    clock,
		logger:   logger,
	}
}

// Check reports whether the address is locked out and, if so, how long the
// client must wait. An elapsed window discards the record.
func (s *RateLimitService) Check(address string) (bool, time.Duration) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.attempts[address]
	if !ok {
		return false, 0
	}

	elapsed := now.Sub(record.WindowStart)
	if elapsed > s.config.LockoutDuration {
		delete(s.attempts, address)
		return false, 0
	}

	if record.Count >= s.config.MaxAttempts {
		return true, s.config.LockoutDuration - elapsed
	}

	return false, 0
}

// RecordFailure counts a failed password attempt. A fresh record is created
// when none exists or when the previous window has elapsed.
func (s *RateLimitService) RecordFailure(address string) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.attempts[address]
	if !ok || now.Sub(record.WindowStart) > s.config.LockoutDuration {
		s.attempts[address] = &models.FailedAttemptRecord{
			Address:     address,
			Count:       1,
			WindowStart: now,
		}
		return
	}

	record.Count++
	if record.Count >= s.config.MaxAttempts {
		s.logger.Warn("client address locked out",
			slog.String("address", address),
			slog.Int("failed_attempts", record.Count))
	}
}

// Reset clears the penalty for an address after a successful authentication step.
func (s *RateLimitService) Reset(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attempts, address)
}
