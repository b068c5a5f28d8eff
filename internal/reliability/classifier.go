package reliability

import "time"

// IsRetryableHTTPStatus classifies summarizer HTTP failures. Only server-side
// failures are worth retrying; every 4xx, rate limiting included, is a
// permanent rejection of this request.
func IsRetryableHTTPStatus(code int) bool {
	return code >= 500
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
