package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndComparePassword(t *testing.T) {
	hash, err := HashPassword("tr0pical-rain-42")
	require.NoError(t, err)
	assert.NotEqual(t, "tr0pical-rain-42", hash)

	assert.NoError(t, ComparePassword(hash, "tr0pical-rain-42"))
	assert.Error(t, ComparePassword(hash, "wrong-password-1"))
}

func TestHashPassword_EmptyRejected(t *testing.T) {
	_, err := HashPassword("")
	assert.Error(t, err)
}

func TestComparePassword_InvalidHash(t *testing.T) {
	assert.Error(t, ComparePassword("not-a-bcrypt-hash", "anything"))
}

func TestValidatePassword(t *testing.T) {
	cases := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid", "tr0pical-rain", false},
		{"minimum length", "abcdef12", false},
		{"too short", "ab12", true},
		{"letters only", "abcdefgh", true},
		{"digits only", "12345678", true},
		{"unicode letters with digit", "pässwörd1", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePassword(tc.password)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
