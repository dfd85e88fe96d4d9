package services_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivaria-project/vivaria/internal/models"
	"github.com/vivaria-project/vivaria/internal/services"
)

func newSessionStore(clock *fakeClock) *services.SessionService {
	return services.NewSessionService(services.SessionTimeout, clock.Now, testLogger())
}

func TestSessionCreateAndVerify(t *testing.T) {
	clock := newFakeClock()
	store := newSessionStore(clock)

	token, err := store.Create("admin", "10.0.0.5", "")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	session, err := store.Verify(token, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "admin", session.Username)
	assert.False(t, session.TwoFactorVerified)
	assert.Equal(t, clock.Now(), session.LastActivity)
}

func TestSessionVerify_UnknownToken(t *testing.T) {
	store := newSessionStore(newFakeClock())

	_, err := store.Verify("no-such-token", "10.0.0.5")

	assert.ErrorIs(t, err, models.ErrSessionExpired)
}

func TestSessionVerify_SlidingWindowRenewal(t *testing.T) {
	clock := newFakeClock()
	store := newSessionStore(clock)

	token, err := store.Create("admin", "10.0.0.5", "")
	require.NoError(t, err)

	// Verified at t0+30m, so the window slides to t0+30m+1h.
	clock.Advance(30 * time.Minute)
	_, err = store.Verify(token, "10.0.0.5")
	require.NoError(t, err)

	clock.Advance(services.SessionTimeout)
	_, err = store.Verify(token, "10.0.0.5")
	assert.NoError(t, err)
}

func TestSessionVerify_HardExpiryDeletes(t *testing.T) {
	clock := newFakeClock()
	store := newSessionStore(clock)

	token, err := store.Create("admin", "10.0.0.5", "")
	require.NoError(t, err)

	clock.Advance(services.SessionTimeout + time.Second)

	_, err = store.Verify(token, "10.0.0.5")
	assert.ErrorIs(t, err, models.ErrSessionExpired)

	// Deleted on first touch; a later verify inside a fresh window still fails.
	clock.Advance(-services.SessionTimeout)
	_, err = store.Verify(token, "10.0.0.5")
	assert.ErrorIs(t, err, models.ErrSessionExpired)
}

func TestSessionVerify_AddressMismatchKeepsSession(t *testing.T) {
	clock := newFakeClock()
	store := newSessionStore(clock)

	token, err := store.Create("admin", "10.0.0.5", "")
	require.NoError(t, err)

	_, err = store.Verify(token, "172.16.0.9")
	assert.ErrorIs(t, err, models.ErrSessionAddressMismatch)

	// The legitimate holder can still use the session from its own address.
	session, err := store.Verify(token, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "admin", session.Username)
}

func TestSessionVerify_EmptyAddressSkipsBinding(t *testing.T) {
	store := newSessionStore(newFakeClock())

	token, err := store.Create("admin", "10.0.0.5", "")
	require.NoError(t, err)

	_, err = store.Verify(token, "")
	assert.NoError(t, err)
}

func TestSessionSetTwoFactorVerified(t *testing.T) {
	store := newSessionStore(newFakeClock())

	token, err := store.Create("admin", "10.0.0.5", "")
	require.NoError(t, err)

	store.SetTwoFactorVerified(token)

	session, err := store.Verify(token, "10.0.0.5")
	require.NoError(t, err)
	assert.True(t, session.TwoFactorVerified)
}

func TestSessionInvalidate_Idempotent(t *testing.T) {
	store := newSessionStore(newFakeClock())

	token, err := store.Create("admin", "10.0.0.5", "")
	require.NoError(t, err)

	store.Invalidate(token)
	store.Invalidate(token)

	_, err = store.Verify(token, "10.0.0.5")
	assert.ErrorIs(t, err, models.ErrSessionExpired)
}

func TestSessionSweepExpired(t *testing.T) {
	clock := newFakeClock()
	store := newSessionStore(clock)

	stale, err := store.Create("admin", "10.0.0.5", "")
	require.NoError(t, err)

	clock.Advance(services.SessionTimeout + time.Second)

	fresh, err := store.Create("admin", "10.0.0.6", "")
	require.NoError(t, err)

	assert.Equal(t, 1, store.SweepExpired())
	assert.Equal(t, 0, store.SweepExpired())

	_, err = store.Verify(stale, "10.0.0.5")
	assert.ErrorIs(t, err, models.ErrSessionExpired)

	_, err = store.Verify(fresh, "10.0.0.6")
	assert.NoError(t, err)
}
