// Package retry is the exponential-backoff-with-jitter policy shared
// by every idempotent sub-step in the protocol layer (blob HEAD/PATCH/
// finalizing PUT, manifest GET/PUT/DELETE, catalog and tag listing
// GETs), following img_tool/pkg/persistentworker/worker.go's
// channel-based retry-until-cancelled idiom generalized to a plain
// bounded loop.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cagojeiger/regpush/pkg/regerr"
)

// Policy is exponential backoff with jitter, capped at MaxAttempts per
// idempotent sub-step.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// Default is three attempts with a 500ms base backoff, the policy
// every protocol client starts with absent an explicit WithRetry.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseBackoff: 500 * time.Millisecond}
}

// Do runs step up to p.MaxAttempts times, retrying only while
// regerr.IsRetriable(err) and ctx is still live. step receives the
// attempt number (0-based) so callers can report phase context.
func (p Policy) Do(ctx context.Context, step func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return regerr.Cancelled
		}
		err := step(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !regerr.IsRetriable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		if err := sleepBackoff(ctx, p.BaseBackoff, attempt); err != nil {
			return err
		}
	}
	return lastErr
}

// sleepBackoff waits base*2^attempt plus up to 50% jitter, or returns
// early with regerr.Cancelled if ctx is done first.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	d := base << attempt
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	select {
	case <-time.After(d + jitter):
		return nil
	case <-ctx.Done():
		return regerr.Cancelled
	}
}
