package netprofile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeSource is a scriptable ConnectivitySource.
type fakeSource struct {
	mu    sync.Mutex
	state State
	subs  []func(State)
}

func (f *fakeSource) State(context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeSource) Subscribe(fn func(State)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeSource) set(s State) {
	f.mu.Lock()
	f.state = s
	subs := append([]func(State){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func newTestProfiler(t *testing.T, src ConnectivitySource, endpoint string) *Profiler {
	t.Helper()
	cfg := Config{
		Debounce:       10 * time.Millisecond,
		ProbeTimeout:   time.Second,
		ProbeEndpoints: []string{endpoint},
	}
	return New(cfg, src, zerolog.Nop(), WithHTTPClient(&http.Client{}))
}

func TestDetectClassifiesQuality(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := &fakeSource{state: State{Type: "wifi", Connected: true, InternetReachable: true}}
	p := newTestProfiler(t, src, srv.URL)

	profile, err := p.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if profile.Type != TypeWifi {
		t.Fatalf("type = %q, want wifi", profile.Type)
	}
	// Loopback latency is far under the excellent threshold.
	if profile.Quality != QualityExcellent {
		t.Fatalf("quality = %q, want excellent", profile.Quality)
	}
	if !profile.InternetReachable {
		t.Fatal("expected internet reachable")
	}
	if profile.Stability <= 0 {
		t.Fatalf("stability = %v, want > 0", profile.Stability)
	}
}

func TestDetectDisconnectedDegrades(t *testing.T) {
	src := &fakeSource{state: State{Connected: false}}
	p := newTestProfiler(t, src, "http://127.0.0.1:0")

	profile, err := p.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if profile.Quality != QualityUnknown {
		t.Fatalf("quality = %q, want unknown when disconnected", profile.Quality)
	}
	if profile.Stability != 0 {
		t.Fatalf("stability = %v, want 0 for all-failed history", profile.Stability)
	}
}

func TestDetectCancelledContext(t *testing.T) {
	src := &fakeSource{}
	p := newTestProfiler(t, src, "http://127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Detect(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestCellularIsAlwaysExpensive(t *testing.T) {
	src := &fakeSource{state: State{Type: "cellular", Connected: false}}
	p := newTestProfiler(t, src, "http://127.0.0.1:0")

	profile, _ := p.Detect(context.Background())
	if !profile.Expensive {
		t.Fatal("cellular profile must be marked expensive")
	}
}

func TestListenerImmediateInvokeAndUnsubscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := &fakeSource{state: State{Type: "wifi", Connected: true, InternetReachable: true}}
	p := newTestProfiler(t, src, srv.URL)
	if _, err := p.Detect(context.Background()); err != nil {
		t.Fatalf("Detect: %v", err)
	}

	var mu sync.Mutex
	calls := 0
	unsub := p.AddListener(func(*Profile) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("listener calls after register = %d, want 1 (immediate invoke)", got)
	}

	unsub()
	// Force a change after unsubscribe: wifi -> ethernet.
	src.state = State{Type: "ethernet", Connected: true, InternetReachable: true}
	if _, err := p.Detect(context.Background()); err != nil {
		t.Fatalf("Detect: %v", err)
	}

	mu.Lock()
	got = calls
	mu.Unlock()
	if got != 1 {
		t.Fatalf("listener fired after unsubscribe: calls = %d", got)
	}
}

func TestDebounceCoalescesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := &fakeSource{state: State{Type: "wifi", Connected: true, InternetReachable: true}}
	p := newTestProfiler(t, src, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	// Wait for the initial detection.
	deadline := time.Now().Add(2 * time.Second)
	for p.Current() == nil {
		if time.Now().After(deadline) {
			t.Fatal("initial detection never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var mu sync.Mutex
	changes := 0
	p.AddListener(func(*Profile) {
		mu.Lock()
		changes++
		mu.Unlock()
	})

	// A burst of events within the debounce window collapses into one
	// recomputation; type flips wifi -> ethernet exactly once.
	next := State{Type: "ethernet", Connected: true, InternetReachable: true}
	for i := 0; i < 10; i++ {
		src.set(next)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		cur := p.Current()
		if cur != nil && cur.Type == TypeEthernet {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced recompute never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	got := changes
	mu.Unlock()
	// 1 immediate invoke at registration + 1 for the coalesced change.
	if got != 2 {
		t.Fatalf("listener calls = %d, want 2", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	p := newTestProfiler(t, src, "http://127.0.0.1:0")
	ctx := context.Background()
	p.Start(ctx)
	p.Stop()
	p.Stop()
	p.Start(ctx)
	p.Stop()
}
