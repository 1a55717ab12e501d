package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
)

func TestCheckResponse(t *testing.T) {
	tt := []struct {
		Code int
		Kind sentinel.ErrorKind
	}{
		{http.StatusUnauthorized, sentinel.ErrCredential},
		{http.StatusForbidden, sentinel.ErrCredential},
		{http.StatusTooManyRequests, sentinel.ErrTransient},
		{http.StatusBadGateway, sentinel.ErrTransient},
		{http.StatusNotFound, sentinel.ErrInternal},
	}
	for _, tc := range tt {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.Code)
			w.Write([]byte("nope"))
		}))
		res, err := srv.Client().Get(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		err = CheckResponse(res, http.StatusOK)
		res.Body.Close()
		srv.Close()
		if !errors.Is(err, tc.Kind) {
			t.Errorf("status %d: got %v, want kind %v", tc.Code, err, tc.Kind)
		}
	}
}

func TestCheckResponseOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	res, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if err := CheckResponse(res, http.StatusOK, http.StatusNoContent); err != nil {
		t.Error(err)
	}
}

func TestRetryStopsOnTerminal(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	calls := 0
	err := Retry(ctx, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, CapDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return &sentinel.Error{Kind: sentinel.ErrCredential, Message: "token rejected"}
	})
	if !errors.Is(err, sentinel.ErrCredential) {
		t.Errorf("got %v, want credential error", err)
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestRetryRetriesTransient(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	calls := 0
	err := Retry(ctx, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, CapDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return &sentinel.Error{Kind: sentinel.ErrTransient, Message: "503"}
		}
		return nil
	})
	if err != nil {
		t.Error(err)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	calls := 0
	err := Retry(ctx, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, CapDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return &sentinel.Error{Kind: sentinel.ErrTransient, Message: "timeout"}
	})
	if !errors.Is(err, sentinel.ErrTransient) {
		t.Errorf("got %v, want transient error", err)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "7")
	d, ok := RetryAfter(&http.Response{Header: h})
	if !ok || d != 7*time.Second {
		t.Errorf("got %v %v, want 7s true", d, ok)
	}
	if _, ok := RetryAfter(&http.Response{Header: http.Header{}}); ok {
		t.Error("expected no retry-after")
	}
}
