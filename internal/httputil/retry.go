package httputil

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
)

// RetryPolicy bounds the retry loop for transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
}

// DefaultRetry is the policy used when a connector declares none.
var DefaultRetry = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	CapDelay:    30 * time.Second,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetry.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetry.BaseDelay
	}
	if p.CapDelay <= 0 {
		p.CapDelay = DefaultRetry.CapDelay
	}
	return p
}

// delay reports the sleep before attempt n (0-based): exponential with full
// jitter, capped.
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.BaseDelay << n
	if d > p.CapDelay || d <= 0 {
		d = p.CapDelay
	}
	return time.Duration(rand.Int63n(int64(d))) + d/2
}

// Retry runs f until it succeeds, fails terminally, or the attempt budget
// is spent. Only errors of the transient kind are retried; anything else is
// returned as-is.
func Retry(ctx context.Context, p RetryPolicy, f func(context.Context) error) error {
	p = p.normalized()
	var err error
	for n := 0; n < p.MaxAttempts; n++ {
		if n != 0 {
			d := p.delay(n - 1)
			zlog.Debug(ctx).
				Int("attempt", n).
				Dur("backoff", d).
				Msg("retrying after transient error")
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err = f(ctx); err == nil {
			return nil
		}
		if !errors.Is(err, sentinel.ErrTransient) {
			return err
		}
	}
	return err
}

// RetryAfter parses a Retry-After header from a 429 or 503 response,
// reporting how long the server asked the client to wait.
func RetryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	v := resp.Header.Get("retry-after")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}
