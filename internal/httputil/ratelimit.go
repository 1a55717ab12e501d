package httputil

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimited wraps next so that every request first waits on the limiter.
// A nil limiter or nil next falls back to no limiting and
// [http.DefaultTransport].
func RateLimited(next http.RoundTripper, l *rate.Limiter) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if l == nil {
		return next
	}
	return &limitedTransport{next: next, l: l}
}

type limitedTransport struct {
	next http.RoundTripper
	l    *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.l.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}
