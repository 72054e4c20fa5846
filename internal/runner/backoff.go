package runner

import (
	"math"
	"math/rand"
	"time"

	"signaline/internal/config"
)

// backoff computes the delay before the attempt after failedAttempt.
// Exponential with a cap, spread by symmetric jitter so a burst of failures
// does not come due as a burst of retries.
func backoff(cfg config.RunnerConfig, failedAttempt int, rnd *rand.Rand) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	d := float64(cfg.BackoffBase.Std()) * math.Pow(cfg.BackoffFactor, float64(failedAttempt-1))
	if capped := float64(cfg.BackoffCap.Std()); d > capped {
		d = capped
	}
	if cfg.BackoffJitter > 0 && rnd != nil {
		spread := d * cfg.BackoffJitter
		d = d - spread + rnd.Float64()*2*spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
