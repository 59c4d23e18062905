package llm

import (
	"context"
	"math"
	"time"
)

// BackoffConfig configures retry delays.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
}

// DefaultTransientBackoff keeps every back-off sleep at or below 500ms.
func DefaultTransientBackoff() BackoffConfig {
	return BackoffConfig{InitialDelayMS: 250, BackoffFactor: 2.0, MaxDelayMS: 500}
}

func DelayForAttempt(attempt int, cfg BackoffConfig) time.Duration {
	// attempt is 1-indexed: first retry is attempt=1.
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// RetryTransient returns middleware that retries a call once after a short
// back-off when it fails with a transient error. A second transient failure is
// reclassified as BackendFailed. Retry-After hints are honoured up to the
// configured maximum delay.
func RetryTransient(cfg BackoffConfig) Middleware {
	wait := func(ctx context.Context, err error) error {
		d := DelayForAttempt(1, cfg)
		if e, ok := err.(Error); ok && e.RetryAfter() != nil {
			ra := *e.RetryAfter()
			if cfg.MaxDelayMS > 0 && ra > time.Duration(cfg.MaxDelayMS)*time.Millisecond {
				ra = time.Duration(cfg.MaxDelayMS) * time.Millisecond
			}
			d = ra
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	return MiddlewareFunc{
		Complete: func(ctx context.Context, req Request, next CompleteFunc) (Response, error) {
			resp, err := next(ctx, req)
			if err == nil || KindOf(err) != KindTransient {
				return resp, err
			}
			if werr := wait(ctx, err); werr != nil {
				return Response{}, werr
			}
			resp, err = next(ctx, req)
			if err != nil && KindOf(err) == KindTransient {
				return Response{}, &BackendFailedError{Backend: req.Provider, Message: "transient failure persisted after retry", Err: err}
			}
			return resp, err
		},
		Stream: func(ctx context.Context, req Request, next StreamFunc) (Stream, error) {
			st, err := next(ctx, req)
			if err == nil || KindOf(err) != KindTransient {
				return st, err
			}
			if werr := wait(ctx, err); werr != nil {
				return nil, werr
			}
			st, err = next(ctx, req)
			if err != nil && KindOf(err) == KindTransient {
				return nil, &BackendFailedError{Backend: req.Provider, Message: "transient failure persisted after retry", Err: err}
			}
			return st, err
		},
	}
}
