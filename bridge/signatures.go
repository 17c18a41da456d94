package bridge

import "strings"

// Platform rejections travel back through the channel as free-text error
// strings. The two signature classes below drive pacing decisions: an
// explicit "act later" refusal gets a long fixed cooldown, a throttling or
// flaky-transport error gets exponential backoff. Anything else is a
// one-off failure handled at normal pace.

// IsFeedbackSignature reports whether an error string is the platform's
// explicit refusal asking the caller to wait before acting again.
func IsFeedbackSignature(s string) bool {
	m := strings.ToLower(s)
	return strings.Contains(m, "feedback_required") ||
		strings.Contains(m, "feedback required") ||
		strings.Contains(m, "try again later")
}

// IsTransientSignature reports whether an error string looks like
// throttling or a flaky transport: worth retrying after a backoff.
func IsTransientSignature(s string) bool {
	m := strings.ToLower(s)
	return strings.Contains(m, "429") ||
		strings.Contains(m, "rate") ||
		strings.Contains(m, "timeout") ||
		strings.Contains(m, "timed out") ||
		strings.Contains(m, "temporarily")
}
