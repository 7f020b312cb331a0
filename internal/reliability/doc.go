// Package reliability provides the retry policies used for reconnection
// and for operations waiting out a recovery.
//
// Policies decide, per failed attempt, whether to try again and after
// how long:
//   - ExponentialBackoff: delay grows by a multiplier up to a cap, with
//     optional jitter
//   - FixedDelay: the same delay every time
//
// A negative attempt budget retries until the context ends. Errors that
// implement IsRetryable() bool are classified by that method; others are
// treated as retryable. RetryableError forces a classification.
//
// Example usage:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 30*time.Second, 2, 10)
//	err := Retry(ctx, policy, func(attempt int) error {
//	    return reconnect(ctx)
//	})
package reliability
