package cleaner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memStore is an in-memory SessionStore.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	patches  []Patch
}

func newMemStore(sessions ...Session) *memStore {
	m := &memStore{sessions: map[string]Session{}}
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	return m
}

func (m *memStore) Sessions() map[string]Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Session, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v
	}
	return out
}

func (m *memStore) Apply(patches []Patch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches = append(m.patches, patches...)
	for _, p := range patches {
		s, ok := m.sessions[p.ID]
		if !ok {
			continue
		}
		s.Active = p.Active
		s.UpdatedAt = p.UpdatedAt
		m.sessions[p.ID] = s
	}
}

// scriptKiller returns a scripted error per session id.
type scriptKiller struct {
	mu    sync.Mutex
	errs  map[string]error
	calls map[string]int
}

func newScriptKiller() *scriptKiller {
	return &scriptKiller{errs: map[string]error{}, calls: map[string]int{}}
}

func (k *scriptKiller) KillSession(_ context.Context, id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls[id]++
	return k.errs[id]
}

// pingKiller adds a Pinger on top of the kill path.
type pingKiller struct {
	scriptKiller
	alive   map[string]bool
	pingErr map[string]error
	pings   map[string]int
}

func newPingKiller() *pingKiller {
	return &pingKiller{
		scriptKiller: *newScriptKiller(),
		alive:        map[string]bool{},
		pingErr:      map[string]error{},
		pings:        map[string]int{},
	}
}

func (k *pingKiller) PingSession(_ context.Context, id string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pings[id]++
	if err := k.pingErr[id]; err != nil {
		return false, err
	}
	return k.alive[id], nil
}

func session(id string, active bool, age time.Duration) Session {
	at := time.Now().Add(-age)
	return Session{ID: id, Active: active, ActiveAt: at, UpdatedAt: at}
}

func newTestCleaner(store SessionStore, killer Killer) *Cleaner {
	return New(Config{}, store, killer, zerolog.Nop())
}

func TestCleanupCountsFreshAndStale(t *testing.T) {
	store := newMemStore(
		session("fresh", true, time.Second),
		session("stale", true, 40*time.Minute),
	)
	killer := newScriptKiller()
	killer.errs["stale"] = errors.New("connection refused")

	c := newTestCleaner(store, killer)
	res := c.CleanupNow(context.Background())

	if res.TotalSessions != 2 {
		t.Fatalf("total = %d, want 2", res.TotalSessions)
	}
	if res.StaleSessions != 1 {
		t.Fatalf("stale = %d, want 1", res.StaleSessions)
	}
	if res.CleanedSessions != 1 {
		t.Fatalf("cleaned = %d, want 1", res.CleanedSessions)
	}
	if res.RunID == "" {
		t.Fatal("run id missing")
	}

	got := store.Sessions()
	if got["stale"].Active {
		t.Fatal("stale session should be marked inactive")
	}
	if !got["fresh"].Active {
		t.Fatal("fresh session must be untouched")
	}
	if killer.calls["fresh"] != 0 {
		t.Fatal("fresh session must not be probed")
	}
}

func TestInactiveSessionsSkipped(t *testing.T) {
	store := newMemStore(session("old-but-done", false, 2*time.Hour))
	c := newTestCleaner(store, newScriptKiller())

	res := c.CleanupNow(context.Background())
	if res.StaleSessions != 0 {
		t.Fatalf("stale = %d, inactive sessions are not stale", res.StaleSessions)
	}
}

func TestKillSuccessMeansAlive(t *testing.T) {
	// A kill RPC that succeeds proves the session was alive; the cleaner
	// must leave the record alone for this pass.
	store := newMemStore(session("zombie", true, 10*time.Minute))
	killer := newScriptKiller() // nil error: kill "succeeds"

	c := newTestCleaner(store, killer)
	res := c.CleanupNow(context.Background())

	if res.StaleSessions != 1 {
		t.Fatalf("stale = %d, want 1", res.StaleSessions)
	}
	if res.CleanedSessions != 0 {
		t.Fatalf("cleaned = %d, alive session must not be reclaimed", res.CleanedSessions)
	}
	if !store.Sessions()["zombie"].Active {
		t.Fatal("alive session must stay active")
	}
}

func TestThinkingTimestampCountsAsActivity(t *testing.T) {
	s := session("thinker", true, 40*time.Minute)
	s.ThinkingAt = time.Now().Add(-time.Minute)
	store := newMemStore(s)

	c := newTestCleaner(store, newScriptKiller())
	res := c.CleanupNow(context.Background())
	if res.StaleSessions != 0 {
		t.Fatalf("stale = %d, recent thinking timestamp keeps a session fresh", res.StaleSessions)
	}
}

func TestPingerPreferredOverKill(t *testing.T) {
	store := newMemStore(
		session("alive", true, 10*time.Minute),
		session("dead", true, 10*time.Minute),
	)
	killer := newPingKiller()
	killer.alive["alive"] = true
	killer.alive["dead"] = false

	c := newTestCleaner(store, killer)
	res := c.CleanupNow(context.Background())

	if res.CleanedSessions != 1 {
		t.Fatalf("cleaned = %d, want only the dead session", res.CleanedSessions)
	}
	if killer.calls["alive"] != 0 || killer.calls["dead"] != 0 {
		t.Fatal("kill must not run when a pinger is available")
	}
	got := store.Sessions()
	if !got["alive"].Active || got["dead"].Active {
		t.Fatalf("sessions after cleanup: %+v", got)
	}
}

func TestPingErrorIsNotProofOfDeath(t *testing.T) {
	store := newMemStore(session("murky", true, 10*time.Minute))
	killer := newPingKiller()
	killer.pingErr["murky"] = errors.New("probe rpc unavailable")

	c := newTestCleaner(store, killer)
	res := c.CleanupNow(context.Background())

	if res.CleanedSessions != 0 {
		t.Fatal("indeterminate probe must not reclaim the session")
	}
	if len(res.Errors) != 1 || res.Errors[0].ID != "murky" {
		t.Fatalf("errors = %+v, want one for murky", res.Errors)
	}
	if !store.Sessions()["murky"].Active {
		t.Fatal("session must stay active on probe error")
	}
}

func TestRetryBudgetStopsRepeatedProbes(t *testing.T) {
	store := newMemStore(session("murky", true, 10*time.Minute))
	killer := newPingKiller()
	killer.pingErr["murky"] = errors.New("probe rpc unavailable")

	c := New(Config{MaxRetries: 3}, store, killer, zerolog.Nop())
	for i := 0; i < 6; i++ {
		c.CleanupNow(context.Background())
	}

	killer.mu.Lock()
	pings := killer.pings["murky"]
	killer.mu.Unlock()
	if pings != 3 {
		t.Fatalf("probe attempts = %d, want exactly the budget of 3", pings)
	}
}

func TestRetryCountersPrunedWithSessions(t *testing.T) {
	store := newMemStore(session("gone", true, 10*time.Minute))
	killer := newPingKiller()
	killer.pingErr["gone"] = errors.New("probe rpc unavailable")

	c := New(Config{MaxRetries: 3}, store, killer, zerolog.Nop())
	c.CleanupNow(context.Background())

	c.mu.Lock()
	_, tracked := c.retries["gone"]
	c.mu.Unlock()
	if !tracked {
		t.Fatal("expected a retry counter after a failed probe")
	}

	store.mu.Lock()
	delete(store.sessions, "gone")
	store.mu.Unlock()
	c.CleanupNow(context.Background())

	c.mu.Lock()
	_, tracked = c.retries["gone"]
	c.mu.Unlock()
	if tracked {
		t.Fatal("retry counter must be pruned once the session disappears")
	}
}

func TestSuccessClearsRetryCounter(t *testing.T) {
	store := newMemStore(session("flaky", true, 10*time.Minute))
	killer := newPingKiller()
	killer.pingErr["flaky"] = errors.New("probe rpc unavailable")

	c := New(Config{MaxRetries: 3}, store, killer, zerolog.Nop())
	c.CleanupNow(context.Background())

	// The probe recovers and reports dead; cleanup proceeds and the
	// counter is dropped.
	killer.mu.Lock()
	delete(killer.pingErr, "flaky")
	killer.alive["flaky"] = false
	killer.mu.Unlock()

	res := c.CleanupNow(context.Background())
	if res.CleanedSessions != 1 {
		t.Fatalf("cleaned = %d, want 1", res.CleanedSessions)
	}
	c.mu.Lock()
	_, tracked := c.retries["flaky"]
	c.mu.Unlock()
	if tracked {
		t.Fatal("retry counter must clear after a decisive probe")
	}
}

// panicKiller panics on a specific id to prove isolation.
type panicKiller struct{ panicID string }

func (k *panicKiller) KillSession(_ context.Context, id string) error {
	if id == k.panicID {
		panic("kill handler exploded")
	}
	return errors.New("dead")
}

func TestPanicInOneSessionIsIsolated(t *testing.T) {
	store := newMemStore(
		session("boom", true, 10*time.Minute),
		session("ok", true, 10*time.Minute),
	)
	c := newTestCleaner(store, &panicKiller{panicID: "boom"})

	res := c.CleanupNow(context.Background())
	if res.CleanedSessions != 1 {
		t.Fatalf("cleaned = %d, the healthy session must still be processed", res.CleanedSessions)
	}
	found := false
	for _, e := range res.Errors {
		if e.ID == "boom" {
			found = true
		}
	}
	if !found {
		t.Fatalf("errors = %+v, want the panic surfaced for boom", res.Errors)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	c := newTestCleaner(newMemStore(), newScriptKiller())
	ctx := context.Background()
	c.Start(ctx)
	c.Start(ctx)
	c.Stop()
	c.Stop()
	c.Start(ctx)
	c.Stop()
}
