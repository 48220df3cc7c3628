package matrix

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error is a structured homeserver error response.
type Error struct {
	Code         string `json:"errcode"`
	Message      string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	StatusCode   int    `json:"-"`
	// RetryAfter is taken from the Retry-After header or retry_after_ms.
	RetryAfter time.Duration `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeBadJSON       = "M_BAD_JSON"
	ErrCodeInvalidParam  = "M_INVALID_PARAM"
)

// IsError checks whether err is an *Error with the given code.
func IsError(err error, code string) bool {
	var matrixErr *Error
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// IsRateLimited reports a 429 or M_LIMIT_EXCEEDED response and returns
// the advertised retry delay, zero when none was given.
func IsRateLimited(err error) (time.Duration, bool) {
	var matrixErr *Error
	if !errors.As(err, &matrixErr) {
		return 0, false
	}
	if matrixErr.StatusCode != http.StatusTooManyRequests && matrixErr.Code != ErrCodeLimitExceeded {
		return 0, false
	}
	return matrixErr.RetryAfter, true
}

// retryAfter resolves the delay from the header first, then the body.
func retryAfter(header string, bodyMS int64) time.Duration {
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(header); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	if bodyMS > 0 {
		return time.Duration(bodyMS) * time.Millisecond
	}
	return 0
}
