package store

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
)

// serializationRetryPolicy bounds how many times a SERIALIZABLE transaction
// is retried after a serialization failure or deadlock before the caller
// sees the error.
type serializationRetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

var defaultSerializationRetry = serializationRetryPolicy{
	Attempts:       5,
	InitialBackoff: 5 * time.Millisecond,
	MaxBackoff:     200 * time.Millisecond,
	Multiplier:     2,
}

// isSerializationFailure reports whether err is a Postgres serialization
// failure (40001) or deadlock (40P01), both of which are safe to retry.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	return false
}

// withSerializableRetry runs fn, retrying on serialization failures up to
// policy.Attempts times with exponential backoff. fn is expected to open
// and fully resolve (commit or rollback) its own transaction on each call.
func withSerializableRetry(ctx context.Context, policy serializationRetryPolicy, fn func() error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	backoff := policy.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isSerializationFailure(err) || attempt == policy.Attempts {
			return err
		}
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			next := time.Duration(float64(backoff) * policy.Multiplier)
			if policy.MaxBackoff > 0 && next > policy.MaxBackoff {
				next = policy.MaxBackoff
			}
			backoff = next
		}
	}
	return lastErr
}
