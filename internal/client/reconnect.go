package client

import (
	"context"
	"time"

	"github.com/gaspardpetit/protobridge/internal/logx"
)

// Schedule defines the backoff durations for successive dial attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// DialRetry calls Dial until it succeeds, ctx ends, or attempts dials have
// failed. attempts <= 0 retries until ctx ends.
func DialRetry(ctx context.Context, opts Options, attempts int) (*Client, error) {
	return dialRetry(ctx, opts, attempts, Delay)
}

func dialRetry(ctx context.Context, opts Options, attempts int, delay func(int) time.Duration) (*Client, error) {
	for attempt := 0; ; attempt++ {
		c, err := Dial(ctx, opts)
		if err == nil {
			return c, nil
		}
		if attempts > 0 && attempt+1 >= attempts {
			return nil, err
		}
		d := delay(attempt)
		logx.Log.Warn().Err(err).Str("url", opts.URL).Dur("retry_in", d).Msg("bridge unavailable")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}
