package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/models"
)

func TestBackoffFor(t *testing.T) {
	cfg := common.RetryConfig{
		InitialBackoffMs:  1000,
		MaxBackoffMs:      60000,
		BackoffMultiplier: 2.0,
	}

	assert.Equal(t, 1*time.Second, backoffFor(0, cfg))
	assert.Equal(t, 2*time.Second, backoffFor(1, cfg))
	assert.Equal(t, 4*time.Second, backoffFor(2, cfg))
	assert.Equal(t, 8*time.Second, backoffFor(3, cfg))
}

func TestBackoffForCapsAtMax(t *testing.T) {
	cfg := common.RetryConfig{
		InitialBackoffMs:  1000,
		MaxBackoffMs:      5000,
		BackoffMultiplier: 2.0,
	}

	assert.Equal(t, 4*time.Second, backoffFor(2, cfg))
	assert.Equal(t, 5*time.Second, backoffFor(3, cfg))
	assert.Equal(t, 5*time.Second, backoffFor(10, cfg))
}

func TestBackoffForDefaultsMultiplier(t *testing.T) {
	cfg := common.RetryConfig{InitialBackoffMs: 100, MaxBackoffMs: 10000}
	assert.Equal(t, 200*time.Millisecond, backoffFor(1, cfg))
}

func TestClassifyTypedJobError(t *testing.T) {
	typed := &models.JobError{Code: "REMOTE_UNAVAILABLE", Message: "upstream down", Retryable: true}

	out := classify(typed, 0, 3)
	assert.Equal(t, "REMOTE_UNAVAILABLE", out.Code)
	assert.True(t, out.Retryable)

	// The attempts cap overrides the error's own retryable flag
	out = classify(typed, 3, 3)
	assert.False(t, out.Retryable)
}

func TestClassifyPlainError(t *testing.T) {
	out := classify(errors.New("connection reset"), 0, 3)
	assert.Equal(t, CodeExecution, out.Code)
	assert.True(t, out.Retryable)

	out = classify(errors.New("input validation failed"), 0, 3)
	assert.False(t, out.Retryable)

	out = classify(errors.New("connection reset"), 5, 3)
	assert.False(t, out.Retryable)
}

func TestCancelTokenFirstReasonWins(t *testing.T) {
	token := NewCancelToken()
	assert.False(t, token.Cancelled())
	assert.Equal(t, "", token.Reason())

	token.Cancel(ReasonTimeout, "system")
	token.Cancel(ReasonPaused, "user")

	assert.True(t, token.Cancelled())
	assert.Equal(t, ReasonTimeout, token.Reason())
	assert.Equal(t, "system", token.By())

	select {
	case <-token.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(&CancelledError{Reason: "paused"}))
	assert.False(t, IsCancelled(errors.New("other")))
	assert.False(t, IsCancelled(nil))

	err := &CancelledError{Reason: "shutdown"}
	assert.Contains(t, err.Error(), "shutdown")
	assert.Equal(t, "job cancelled", (&CancelledError{}).Error())
}
