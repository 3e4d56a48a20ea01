package jobs

import "sync"

// Cancellation reasons with scheduler-level meaning
const (
	ReasonTimeout  = "timeout"
	ReasonPaused   = "paused"
	ReasonShutdown = "service shutdown"
)

// CancelToken is a cooperative cancellation token carrying a reason. The
// executor and the handler's IsCancelled query both consult it; handlers
// observe it only at the checkpoints they choose.
type CancelToken struct {
	mu     sync.Mutex
	done   chan struct{}
	reason string
	by     string
}

// NewCancelToken creates an uncancelled token
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel marks the token cancelled with a reason. Subsequent calls are
// no-ops; the first reason wins.
func (t *CancelToken) Cancel(reason, by string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	t.reason = reason
	t.by = by
	close(t.done)
}

// Cancelled reports whether the token has been cancelled
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Reason returns the cancellation reason, or empty when not cancelled
func (t *CancelToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// By returns who requested the cancellation
func (t *CancelToken) By() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.by
}

// Done returns a channel closed on cancellation
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
