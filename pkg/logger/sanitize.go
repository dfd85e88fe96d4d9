package logger

import "strings"

// TruncatedToken returns a loggable prefix of a token. Whole tokens never go
// to the log; eight characters is enough to correlate events.
func TruncatedToken(token string) string {
	if len(token) <= 8 {
		return "[short-token]"
	}
	return token[:8] + "..."
}

// SanitizeQueryString reports whether a query string contains sensitive
// parameters and should be redacted wholesale from request logs.
func SanitizeQueryString(rawQuery string) bool {
	sensitiveParams := []string{
		"password",
		"token",
		"secret",
		"code",
		"auth",
	}

	query := strings.ToLower(rawQuery)
	for _, param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
