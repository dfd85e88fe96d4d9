package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOTPGenerateSetup(t *testing.T) {
	manager := NewTOTPManager("Vivaria")

	secret, uri, qr, err := manager.GenerateSetup("admin")
	require.NoError(t, err)

	assert.NotEmpty(t, secret)
	assert.True(t, strings.HasPrefix(uri, "otpauth://totp/"))
	assert.Contains(t, uri, "Vivaria")
	assert.Contains(t, uri, "admin")
	assert.True(t, strings.HasPrefix(qr, "data:image/png;base64,"))
}

func TestTOTPValidate_AcceptsCurrentCode(t *testing.T) {
	manager := NewTOTPManager("Vivaria")

	secret, _, _, err := manager.GenerateSetup("admin")
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	valid, err := manager.Validate(secret, code)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestTOTPValidate_AcceptsAdjacentStep(t *testing.T) {
	manager := NewTOTPManager("Vivaria")

	secret, _, _, err := manager.GenerateSetup("admin")
	require.NoError(t, err)

	// One period of drift in either direction is tolerated.
	previous, err := totp.GenerateCode(secret, time.Now().Add(-30*time.Second))
	require.NoError(t, err)

	valid, err := manager.Validate(secret, previous)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestTOTPValidate_RejectsStaleCode(t *testing.T) {
	manager := NewTOTPManager("Vivaria")

	secret, _, _, err := manager.GenerateSetup("admin")
	require.NoError(t, err)

	stale, err := totp.GenerateCode(secret, time.Now().Add(-3*time.Minute))
	require.NoError(t, err)

	valid, err := manager.Validate(secret, stale)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestTOTPValidate_RejectsWrongLength(t *testing.T) {
	manager := NewTOTPManager("Vivaria")

	secret, _, _, err := manager.GenerateSetup("admin")
	require.NoError(t, err)

	valid, _ := manager.Validate(secret, "12345")
	assert.False(t, valid)
}
