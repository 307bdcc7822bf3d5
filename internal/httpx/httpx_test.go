package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetryable(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !Retryable(code) {
			t.Errorf("%d should be retryable", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 501} {
		if Retryable(code) {
			t.Errorf("%d should not be retryable", code)
		}
	}
}

func TestDoJSON_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bot x" {
			t.Errorf("missing header: %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type: %q", r.Header.Get("Content-Type"))
		}
		w.Write([]byte(`{"id":"42"}`))
	}))
	defer srv.Close()

	var out struct{ ID string }
	h := http.Header{}
	h.Set("Authorization", "Bot x")
	err := DoJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, h, map[string]string{"a": "b"}, &out)
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if out.ID != "42" {
		t.Fatalf("expected id 42, got %q", out.ID)
	}
}

func TestDoJSON_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("down"))
	}))
	defer srv.Close()

	err := DoJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.StatusCode != 503 || se.Body != "down" {
		t.Fatalf("unexpected status error: %+v", se)
	}
}

func TestDoWithRetry_RecoversAfterTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := RetryPolicy{MaxRetries: 3, Min: time.Millisecond, Max: 5 * time.Millisecond}
	resp, err := DoWithRetry(context.Background(), srv.Client(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, p)
	if err != nil {
		t.Fatalf("DoWithRetry: %v", err)
	}
	resp.Body.Close()
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoWithRetry_GivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := RetryPolicy{MaxRetries: 2, Min: time.Millisecond, Max: 2 * time.Millisecond}
	_, err := DoWithRetry(context.Background(), srv.Client(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, p)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 429 {
		t.Fatalf("expected wrapped 429, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoWithRetry_NoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	resp, err := DoWithRetry(context.Background(), srv.Client(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, RetryPolicy{MaxRetries: 3, Min: time.Millisecond, Max: time.Millisecond})
	if err != nil {
		t.Fatalf("4xx is returned to the caller, not retried: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("status=%d calls=%d", resp.StatusCode, calls)
	}
}

func TestDoWithRetry_ContextCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := DoWithRetry(ctx, srv.Client(), func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	}, RetryPolicy{MaxRetries: 5, Min: time.Second, Max: time.Second})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("backoff sleep was not cancelled")
	}
}
