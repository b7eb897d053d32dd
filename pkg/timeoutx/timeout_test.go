package timeoutx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fastCfg keeps backoff delays negligible so tests run in milliseconds.
func fastCfg(maxRetries int) Config {
	return Config{
		Timeout:    time.Second,
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestDoPassesThroughSuccess(t *testing.T) {
	got, err := Do(context.Background(), fastCfg(3), func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	var calls int32
	got, err := Do(context.Background(), fastCfg(3), func(context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %q, want ok", got)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoRetryExhausted(t *testing.T) {
	permanent := errors.New("still broken")
	var calls int32
	_, err := Do(context.Background(), fastCfg(2), func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, permanent
	})

	var re *RetryExhaustedError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RetryExhaustedError", err)
	}
	if re.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", re.Attempts)
	}
	if !errors.Is(err, permanent) {
		t.Fatal("terminal error must unwrap to the last attempt's error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoDefaultRetryBudget(t *testing.T) {
	var calls int32
	_, err := Do(context.Background(), Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		func(context.Context) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 0, errors.New("transient")
		})
	if calls != 4 {
		t.Fatalf("calls = %d, want 4 (initial + 3 default retries)", calls)
	}
	var re *RetryExhaustedError
	if !errors.As(err, &re) || re.Attempts != 4 {
		t.Fatalf("err = %v, want retry exhaustion after 4 attempts", err)
	}
}

func TestDoNegativeMaxRetriesIsOneShot(t *testing.T) {
	var calls int32
	_, err := Do(context.Background(), Config{MaxRetries: -1, BaseDelay: time.Millisecond},
		func(context.Context) (int, error) {
			atomic.AddInt32(&calls, 1)
			return 0, errors.New("transient")
		})
	if calls != 1 {
		t.Fatalf("calls = %d, want a single attempt", calls)
	}
	if err == nil {
		t.Fatal("expected the attempt's error")
	}
}

func TestDoPerAttemptTimeout(t *testing.T) {
	cfg := Config{Timeout: 20 * time.Millisecond, MaxRetries: -1, BaseDelay: time.Millisecond}
	_, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
		select {
		case <-time.After(time.Second):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if te.Timeout != 20*time.Millisecond {
		t.Fatalf("timeout = %s, want 20ms", te.Timeout)
	}
}

func TestDoSkipRetryFailsImmediately(t *testing.T) {
	fatal := errors.New("bad credentials")
	var calls int32
	_, err := Do(context.Background(), fastCfg(5), func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, SkipRetry(fatal)
	})
	if calls != 1 {
		t.Fatalf("calls = %d, terminal error must not be retried", calls)
	}
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want the original error surfaced", err)
	}
	var re *RetryExhaustedError
	if errors.As(err, &re) {
		t.Fatal("skip-retry errors must not be wrapped as retry exhaustion")
	}
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := Do(ctx, fastCfg(10), func(context.Context) (int, error) {
			if atomic.AddInt32(&calls, 1) == 2 {
				cancel()
			}
			return 0, errors.New("transient")
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain network error", errors.New("dial tcp: refused"), true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"skip-retry wrapped", SkipRetry(errors.New("fatal")), false},
		{"status 408", &StatusError{Code: 408}, true},
		{"status 429", &StatusError{Code: 429}, true},
		{"status 500", &StatusError{Code: 500}, true},
		{"status 502", &StatusError{Code: 502}, true},
		{"status 503", &StatusError{Code: 503}, true},
		{"status 504", &StatusError{Code: 504}, true},
		{"status 400", &StatusError{Code: 400}, false},
		{"status 401", &StatusError{Code: 401}, false},
		{"status 404", &StatusError{Code: 404}, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDoHTTPRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := DoHTTP(context.Background(), fastCfg(5), srv.Client(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if hits != 3 {
		t.Fatalf("hits = %d, want 3", hits)
	}
}

func TestDoHTTPClientErrorPassesThrough(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := DoHTTP(context.Background(), fastCfg(5), srv.Client(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 passed through without retries", resp.StatusCode)
	}
	if hits != 1 {
		t.Fatalf("hits = %d, non-retryable status must not be reattempted", hits)
	}
}

func TestDoHTTPExhaustsOnPersistentOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := DoHTTP(context.Background(), fastCfg(2), srv.Client(), req)

	var re *RetryExhaustedError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RetryExhaustedError", err)
	}
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusBadGateway {
		t.Fatalf("err = %v, want wrapped 502 StatusError", err)
	}
}

func TestConfigNormalization(t *testing.T) {
	cfg := Config{}.normalized()
	if cfg.Timeout != 30*time.Second || cfg.MaxRetries != 3 ||
		cfg.BaseDelay != time.Second || cfg.MaxDelay != 10*time.Second ||
		cfg.Multiplier != 2.0 {
		t.Fatalf("defaults = %+v", cfg)
	}

	// Negative means an explicit one-shot call.
	if cfg = (Config{MaxRetries: -1}).normalized(); cfg.MaxRetries != 0 {
		t.Fatalf("one-shot max retries = %d, want 0", cfg.MaxRetries)
	}

	// A ceiling below the base delay is lifted to the base delay.
	cfg = Config{BaseDelay: 20 * time.Second, MaxDelay: time.Second}.normalized()
	if cfg.MaxDelay != 20*time.Second {
		t.Fatalf("max delay = %s, want lifted to base delay", cfg.MaxDelay)
	}
}

func TestCustomRetryableStatus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := fastCfg(5)
	cfg.RetryableStatus = []int{http.StatusTeapot}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := DoHTTP(context.Background(), cfg, srv.Client(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || hits != 3 {
		t.Fatalf("status = %d after %d hits, want 200 after 3", resp.StatusCode, hits)
	}
}

func TestCustomRetryableStatusReplacesDefaults(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := fastCfg(5)
	cfg.RetryableStatus = []int{http.StatusTeapot}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := DoHTTP(context.Background(), cfg, srv.Client(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if hits != 1 {
		t.Fatalf("hits = %d, an override set must replace the defaults", hits)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 passed through", resp.StatusCode)
	}
}
