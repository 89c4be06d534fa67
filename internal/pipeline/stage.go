package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/backoff"
	"github.com/hpungsan/callbrief/internal/cache"
)

// StageTimeoutError reports a stage call that outlived its per-call limit.
// It is transient: the stage is retried under the backoff policy.
type StageTimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Stage, e.Timeout)
}

// callWithTimeout runs fn under its own deadline and returns as soon as the
// deadline passes, even if fn ignores cancellation.
func callWithTimeout[T any](ctx context.Context, stage string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-callCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &StageTimeoutError{Stage: stage, Timeout: timeout}
	}
}

// cachedCall serves key from the cache, or fetches it with per-call timeout
// and retries and caches the result. Cache failures degrade to a miss.
func cachedCall[T any](
	ctx context.Context,
	o *Orchestrator,
	key string,
	class cache.Class,
	stage string,
	timeout time.Duration,
	fetch func(context.Context) (*T, error),
) (*T, error) {
	if o.cache != nil {
		e, ok, err := o.cache.Get(ctx, key, class)
		switch {
		case err != nil:
			o.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		case ok:
			var v T
			if err := json.Unmarshal(e.Payload, &v); err == nil {
				return &v, nil
			}
			o.log.Warn("discarding undecodable cache entry", zap.String("key", key))
		}
	}

	v, err := backoff.Retry(ctx, o.policy.Backoff,
		func(ctx context.Context, attempt int) (*T, error) {
			v, err := callWithTimeout(ctx, stage, timeout, fetch)
			if err == nil && v == nil {
				return nil, backoff.Permanent(fmt.Errorf("%s returned no result", stage))
			}
			return v, err
		},
		func(attempt int, err error, delay time.Duration) {
			o.log.Warn("stage failed, retrying",
				zap.String("stage", stage),
				zap.String("key", key),
				zap.Int("retry", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	)
	if err != nil {
		return nil, err
	}

	if o.cache != nil {
		payload, err := json.Marshal(v)
		if err == nil {
			_, err = o.cache.Put(ctx, key, class, payload)
		}
		if err != nil {
			o.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return v, nil
}
