package jobs

import (
	"math"
	"time"

	"github.com/ternarybob/conductor/internal/common"
)

// backoffFor computes the delay before the next retry attempt:
// min(initialBackoff * multiplier^attempts, maxBackoff), where attempts is
// the number of attempts already made.
func backoffFor(attempts int, cfg common.RetryConfig) time.Duration {
	multiplier := cfg.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	backoffMs := float64(cfg.InitialBackoffMs) * math.Pow(multiplier, float64(attempts))
	if cfg.MaxBackoffMs > 0 {
		backoffMs = math.Min(backoffMs, float64(cfg.MaxBackoffMs))
	}
	return time.Duration(backoffMs) * time.Millisecond
}
