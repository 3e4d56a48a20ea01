package jobs

import (
	"errors"
	"strings"

	"github.com/ternarybob/conductor/internal/models"
)

// Job error codes
const (
	CodeNoHandler  = "NO_HANDLER"
	CodeValidation = "VALIDATION_ERROR"
	CodeTimeout    = "TIMEOUT"
	CodeCancelled  = "CANCELLED"
	CodeExecution  = "EXECUTION_ERROR"
)

// CancelledError is returned from cooperative cancellation checkpoints
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "job cancelled"
	}
	return "job cancelled: " + e.Reason
}

// IsCancelled reports whether err is a cooperative cancellation
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// classify turns a handler error into a JobError and decides retryability.
// A typed *models.JobError keeps its own code and retryable flag; anything
// else defaults to retryable unless the message mentions validation.
// The attempts cap is applied on top in either case.
//
// TODO: retryability keyed off message substrings mirrors the existing
// wire behavior; move callers to typed errors and drop the string check.
func classify(err error, attempts, maxAttempts int) *models.JobError {
	var jobErr *models.JobError
	if errors.As(err, &jobErr) {
		out := *jobErr
		if attempts >= maxAttempts {
			out.Retryable = false
		}
		return &out
	}

	retryable := true
	if strings.Contains(strings.ToLower(err.Error()), "validation") {
		retryable = false
	}
	if attempts >= maxAttempts {
		retryable = false
	}
	return &models.JobError{
		Code:      CodeExecution,
		Message:   err.Error(),
		Retryable: retryable,
	}
}
