// Package cleaner reaps sessions that stayed marked active past their
// activity thresholds. It verifies liveness before reclaiming and isolates
// per-session failures so one bad session never aborts a cleanup batch.
package cleaner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Session is the external session record the cleaner consumes. It reads
// and patches the active flag and timestamps only; it never creates or
// deletes sessions.
type Session struct {
	ID         string
	Active     bool
	ActiveAt   time.Time
	UpdatedAt  time.Time
	ThinkingAt time.Time
}

// Patch marks a session inactive in the local source of truth.
type Patch struct {
	ID        string
	Active    bool
	UpdatedAt time.Time
}

// SessionStore is the externally-owned session map.
type SessionStore interface {
	Sessions() map[string]Session
	Apply(patches []Patch)
}

// Killer terminates a session remotely. Historically the kill RPC doubled
// as the liveness probe: a successful kill means the session was alive
// (and is now terminated). That conflation is a known shortcut — prefer
// wiring a Pinger.
type Killer interface {
	KillSession(ctx context.Context, id string) error
}

// Pinger is the non-destructive liveness probe. When the injected
// dependency also implements Pinger the cleaner uses it instead of the
// kill-as-ping shortcut, and a probe error is treated as "unknown" rather
// than "dead".
type Pinger interface {
	PingSession(ctx context.Context, id string) (alive bool, err error)
}

// Syncer propagates a local deactivation to the remote side. Best-effort:
// sync failures are logged and never block or fail local cleanup.
type Syncer interface {
	SyncSession(ctx context.Context, id string) error
}

// SessionError records one isolated per-session failure.
type SessionError struct {
	ID  string
	Err string
}

// Result summarizes one cleanup pass.
type Result struct {
	RunID           string
	TotalSessions   int
	StaleSessions   int
	CleanedSessions int
	Errors          []SessionError
}

// Config tunes the cleaner. Zero values fall back to defaults.
type Config struct {
	Interval          time.Duration // periodic cycle (60s)
	StaleThreshold    time.Duration // 5m
	InactiveThreshold time.Duration // 30m
	KillTimeout       time.Duration // liveness race timeout (5s)
	MaxRetries        int           // per-session error budget (3)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = time.Minute
	}
	if out.StaleThreshold <= 0 {
		out.StaleThreshold = 5 * time.Minute
	}
	if out.InactiveThreshold <= 0 {
		out.InactiveThreshold = 30 * time.Minute
	}
	if out.KillTimeout <= 0 {
		out.KillTimeout = 5 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	return out
}

// Cleaner is the periodic reaper. Safe for concurrent use.
type Cleaner struct {
	cfg    Config
	log    zerolog.Logger
	store  SessionStore
	killer Killer
	syncer Syncer

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	retries map[string]int
	now     func() time.Time
}

// New constructs a stopped cleaner. killer may also implement Pinger
// and/or Syncer; both are picked up automatically.
func New(cfg Config, store SessionStore, killer Killer, log zerolog.Logger) *Cleaner {
	c := &Cleaner{
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("comp", "cleaner").Logger(),
		store:   store,
		killer:  killer,
		retries: map[string]int{},
		now:     time.Now,
	}
	if s, ok := killer.(Syncer); ok {
		c.syncer = s
	}
	return c
}

// Start schedules the periodic cleanup cycle. Idempotent.
func (c *Cleaner) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.cron = cron.New()
	_, err := c.cron.AddFunc(fmt.Sprintf("@every %s", c.cfg.Interval), func() {
		if ctx.Err() != nil {
			return
		}
		res := c.CleanupNow(ctx)
		if res.StaleSessions > 0 || len(res.Errors) > 0 {
			c.log.Info().
				Str("run_id", res.RunID).
				Int("total", res.TotalSessions).
				Int("stale", res.StaleSessions).
				Int("cleaned", res.CleanedSessions).
				Int("errors", len(res.Errors)).
				Msg("cleanup cycle finished")
		}
	})
	if err != nil {
		c.log.Error().Err(err).Msg("cleanup schedule registration failed")
		return
	}
	c.cron.Start()
}

// Stop halts the periodic cycle. Safe when not running; Start may be
// called again afterwards.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	if c.cron != nil {
		c.cron.Stop()
		c.cron = nil
	}
}

// CleanupNow runs one on-demand cleanup pass. It never panics out of the
// batch; per-session failures land in the result's Errors list.
func (c *Cleaner) CleanupNow(ctx context.Context) Result {
	res := Result{RunID: uuid.NewString()}

	sessions := c.store.Sessions()
	res.TotalSessions = len(sessions)
	c.pruneRetries(sessions)

	now := c.now()
	var patches []Patch

	for id, s := range sessions {
		if !s.Active {
			continue
		}
		age := now.Sub(lastActivity(s))
		if age <= c.cfg.StaleThreshold && age <= c.cfg.InactiveThreshold {
			continue
		}
		res.StaleSessions++

		if c.retryBudgetExhausted(id) {
			c.log.Debug().Str("session", id).Msg("retry budget exhausted; skipping")
			continue
		}

		cleaned, err := c.cleanupSession(ctx, id)
		switch {
		case err != nil:
			c.bumpRetries(id)
			res.Errors = append(res.Errors, SessionError{ID: id, Err: err.Error()})
		case cleaned:
			c.clearRetries(id)
			patches = append(patches, Patch{ID: id, Active: false, UpdatedAt: now})
			res.CleanedSessions++
		default:
			// Liveness confirmed: leave the session alone this pass.
			c.clearRetries(id)
		}
	}

	if len(patches) > 0 {
		c.store.Apply(patches)
		if c.syncer != nil {
			for _, p := range patches {
				go c.syncRemote(p.ID)
			}
		}
	}
	return res
}

// cleanupSession probes one stale session with a race timeout.
// Returns (true, nil) when the session is presumed dead and should be
// reclaimed, (false, nil) when it proved alive, and an error only for
// indeterminate probe failures.
func (c *Cleaner) cleanupSession(ctx context.Context, id string) (cleaned bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			cleaned = false
			err = fmt.Errorf("cleanup panic: %v", r)
		}
	}()

	kctx, cancel := context.WithTimeout(ctx, c.cfg.KillTimeout)
	defer cancel()

	if p, ok := c.killer.(Pinger); ok {
		alive, perr := p.PingSession(kctx, id)
		if perr != nil {
			// Probe failure is not proof of death.
			return false, fmt.Errorf("ping session: %w", perr)
		}
		return !alive, nil
	}

	// Kill-as-ping shortcut: success means the session was actually alive
	// (and has now been terminated), so it is left alone this pass;
	// failure or timeout means it is presumed dead.
	if kerr := c.killer.KillSession(kctx, id); kerr != nil {
		c.log.Debug().Str("session", id).Err(kerr).Msg("kill probe failed; presuming dead")
		return true, nil
	}
	return false, nil
}

func (c *Cleaner) syncRemote(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.KillTimeout)
	defer cancel()
	if err := c.syncer.SyncSession(ctx, id); err != nil {
		c.log.Debug().Str("session", id).Err(err).Msg("remote session sync failed")
	}
}

func lastActivity(s Session) time.Time {
	last := s.ActiveAt
	if s.UpdatedAt.After(last) {
		last = s.UpdatedAt
	}
	if s.ThinkingAt.After(last) {
		last = s.ThinkingAt
	}
	return last
}

func (c *Cleaner) retryBudgetExhausted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries[id] >= c.cfg.MaxRetries
}

func (c *Cleaner) bumpRetries(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries[id]++
}

func (c *Cleaner) clearRetries(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.retries, id)
}

// pruneRetries drops counters for sessions that no longer exist in the
// source-of-truth map.
func (c *Cleaner) pruneRetries(sessions map[string]Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.retries {
		if _, ok := sessions[id]; !ok {
			delete(c.retries, id)
		}
	}
}
