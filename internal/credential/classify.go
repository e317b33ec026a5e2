package credential

import "strings"

// IsCredentialInvalid implements the credential-invalidation predicate from
// the error handling design: an upstream error is classified as a dead
// credential, rather than a transient or merely-degraded one, if the body
// text or status code matches any of the documented markers.
func IsCredentialInvalid(statusCode int, body string) bool {
	lower := strings.ToLower(body)

	if strings.Contains(lower, "temporarily_suspended") ||
		strings.Contains(lower, "temporarily suspended") ||
		strings.Contains(lower, "temporarily is suspended") {
		return true
	}
	if strings.Contains(lower, "credential expired or invalid") {
		return true
	}
	if statusCode == 401 && (strings.Contains(lower, "unauthorized") || strings.Contains(lower, "auth failed") || strings.Contains(lower, "auth-failed")) {
		return true
	}
	if statusCode == 403 {
		for _, marker := range []string{"user id", "revoked", "invalid", "locked"} {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}
