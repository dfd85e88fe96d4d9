package models

import "time"

// Session is an authenticated session held in memory. Validity is a sliding
// window: every successful verification moves LastActivity forward.
type Session struct {
	Token             string
	Username          string
	Address           string
	DeviceFingerprint string
	CreatedAt         time.Time
	LastActivity      time.Time
	TwoFactorVerified bool
}

// PreAuthContext proves the password step succeeded and gates the 2FA step.
// It is consumed exactly once: success, exhaustion, or expiry removes it.
type PreAuthContext struct {
	Token        string
	Username     string
	Address      string
	CreatedAt    time.Time
	FailureCount int
}

// FailedAttemptRecord counts failed password attempts from one client address
// within the current lockout window.
type FailedAttemptRecord struct {
	Address     string
	Count       int
	WindowStart time.Time
}

// TwoFactorSetup carries everything a client needs to enroll an authenticator.
type TwoFactorSetup struct {
	Secret          string `json:"secret"`
	QRCode          string `json:"qr_code"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// Settings keys persisted in the settings store.
const (
	SettingUsername     = "username"
	SettingPasswordHash = "password"
	SettingTwoFAEnabled = "two_fa_enabled"
	SettingTwoFASecret  = "two_fa_secret"
)
