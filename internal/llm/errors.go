package llm

import (
	"errors"
	"fmt"
)

// RateLimitError indicates the provider rejected a request for throttling
// reasons. Callers may retry these with backoff; other errors are terminal.
type RateLimitError struct {
	StatusCode int
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (status %d): %s", e.StatusCode, e.Message)
}

// IsRateLimit reports whether err is a rate-limit-class provider error.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
