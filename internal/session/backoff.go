package session

import (
	"math/rand"
	"time"
)

// nextBackoff computes the Reconnecting re-entry delay for the given
// attempt count: base * 2^attempt plus jitter, capped (§4.8: "Exponential
// backoff between 200 ms and 2 s governs Reconnecting re-entries").
func nextBackoff(attempt int, rng *rand.Rand, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	shift := attempt
	if shift > 30 {
		shift = 30
	}
	backoff := base * time.Duration(int64(1)<<uint(shift))
	jitter := time.Duration(rng.Int63n(int64(base) + 1))
	raw := backoff + jitter
	if raw > cap {
		return cap
	}
	return raw
}
