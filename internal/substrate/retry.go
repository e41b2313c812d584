package substrate

import (
	"context"
	"math/rand"
	"time"
)

// backoffOpts configures bounded exponential-backoff retry used for the
// substrate's startup connection attempts. At runtime, reconnection is left
// to nats.go's own unlimited-reconnect option instead (see Connect).
type backoffOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
}

// defaultStartupBackoff implements the "1s -> 60s, 10 attempts at startup"
// policy from the connection error handling design.
var defaultStartupBackoff = backoffOpts{
	MaxAttempts: 10,
	InitialWait: time.Second,
	MaxWait:     60 * time.Second,
	Jitter:      true,
}

// retryWithBackoff calls f until it succeeds or MaxAttempts is exhausted,
// waiting between attempts with jittered exponential backoff. It returns the
// last error on exhaustion, or ctx.Err() if ctx is cancelled while waiting.
func retryWithBackoff(ctx context.Context, opts backoffOpts, f func(context.Context) error) error {
	var lastErr error
	wait := opts.InitialWait

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		lastErr = f(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == opts.MaxAttempts-1 {
			break
		}

		sleepDur := wait
		if opts.Jitter {
			sleepDur = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if sleepDur > opts.MaxWait {
			sleepDur = opts.MaxWait
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDur):
		}

		wait *= 2
		if wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
	return lastErr
}
