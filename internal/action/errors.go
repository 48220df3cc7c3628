package action

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lessucettes/adresu-matrix/internal/matrix"
)

var (
	ErrUnsafeAction     = errors.New("action would demote or remove a protected user")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrExecutorClosed   = errors.New("executor is closed")
	ErrUnknownAccount   = errors.New("unknown acting account")
	ErrPermanentFailure = errors.New("permanent failure")
)

type errorClass int

const (
	classOK errorClass = iota
	classAlreadyDone
	classRateLimited
	classTransient
	classPermanent
)

// classify sorts a backend error into the executor's taxonomy. The
// returned duration is the server's retry hint, if any.
func classify(kind WriteKind, err error) (errorClass, time.Duration) {
	if err == nil {
		return classOK, 0
	}
	if hint, limited := matrix.IsRateLimited(err); limited {
		return classRateLimited, hint
	}
	if errors.Is(err, context.Canceled) {
		return classPermanent, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classTransient, 0
	}

	var matrixErr *matrix.Error
	if errors.As(err, &matrixErr) {
		if alreadyDone(kind, matrixErr) {
			return classAlreadyDone, 0
		}
		if matrixErr.StatusCode >= http.StatusInternalServerError {
			return classTransient, 0
		}
		return classPermanent, 0
	}

	// Transport failures without a server response are worth retrying.
	return classTransient, 0
}

// alreadyDone recognizes responses meaning the target is already in the
// requested state.
func alreadyDone(kind WriteKind, e *matrix.Error) bool {
	msg := strings.ToLower(e.Message)
	switch kind {
	case WriteBan:
		return e.Code == matrix.ErrCodeForbidden && strings.Contains(msg, "already banned")
	case WriteKick:
		return e.Code == matrix.ErrCodeForbidden && strings.Contains(msg, "not in the room")
	case WriteRedact:
		// The event is gone or already redacted.
		return e.Code == matrix.ErrCodeNotFound || strings.Contains(msg, "already redacted")
	}
	return false
}
