package netprofile

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// QualityThresholds classify average probe latency.
type QualityThresholds struct {
	Excellent time.Duration // avg latency below this => excellent
	Good      time.Duration
	Poor      time.Duration // above this => unknown
}

// Config tunes the profiler. Zero values fall back to defaults.
type Config struct {
	// Debounce delays recomputation after a connectivity event so that
	// flapping networks do not thrash listeners. Only the last event in
	// the window is acted on.
	Debounce time.Duration

	ProbeTimeout   time.Duration
	ProbeEndpoints []string

	// HistorySize bounds the rolling probe history used for stability.
	HistorySize int

	Thresholds QualityThresholds

	// ProbeRate bounds how often active probing may run. Events arriving
	// faster than this reuse the previous probe history.
	ProbeRate rate.Limit
	ProbeBurst int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Debounce <= 0 {
		out.Debounce = 2 * time.Second
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = 5 * time.Second
	}
	if len(out.ProbeEndpoints) == 0 {
		out.ProbeEndpoints = DefaultProbeEndpoints
	}
	if out.HistorySize <= 0 {
		out.HistorySize = 10
	}
	if out.Thresholds == (QualityThresholds{}) {
		out.Thresholds = QualityThresholds{
			Excellent: 100 * time.Millisecond,
			Good:      300 * time.Millisecond,
			Poor:      800 * time.Millisecond,
		}
	}
	if out.ProbeRate <= 0 {
		out.ProbeRate = rate.Every(time.Second)
	}
	if out.ProbeBurst <= 0 {
		out.ProbeBurst = 3
	}
	return out
}

// Spawner lets a caller own the goroutines the profiler starts (e.g. under a
// supervisor). Nil means plain `go`.
type Spawner interface {
	Go(name string, fn func())
}

// Listener receives profile updates. Listeners fire in registration order
// whenever type, quality, or stability (by more than 0.1) changes.
type Listener func(*Profile)

type listenerEntry struct {
	id int
	fn Listener
}

// Profiler watches a ConnectivitySource and keeps a current NetworkProfile,
// derived from raw connectivity state plus active latency probing.
//
// The public surface never panics and never propagates probe failures;
// a dead platform API degrades to Quality=unknown.
type Profiler struct {
	cfg    Config
	log    zerolog.Logger
	src    ConnectivitySource
	client *http.Client

	spawner Spawner
	limiter *rate.Limiter

	mu        sync.Mutex
	running   bool
	runCtx    context.Context
	unsub     func()
	pending   *time.Timer
	current   *Profile
	history   []probeSample
	listeners []listenerEntry
	nextID    int
}

// Option customizes a Profiler.
type Option func(*Profiler)

// WithHTTPClient overrides the probe HTTP client (tests inject a
// httptest-backed client here).
func WithHTTPClient(c *http.Client) Option { return func(p *Profiler) { p.client = c } }

// WithSpawner runs internal goroutines through the given spawner.
func WithSpawner(s Spawner) Option { return func(p *Profiler) { p.spawner = s } }

// New constructs a stopped profiler. Call Start to begin watching.
func New(cfg Config, src ConnectivitySource, log zerolog.Logger, opts ...Option) *Profiler {
	cfg = cfg.withDefaults()
	p := &Profiler{
		cfg:     cfg,
		log:     log.With().Str("comp", "netprofile").Logger(),
		src:     src,
		client:  &http.Client{},
		limiter: rate.NewLimiter(cfg.ProbeRate, cfg.ProbeBurst),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start subscribes to connectivity events and runs an initial detection.
// Calling Start on a running profiler is a no-op.
func (p *Profiler) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.runCtx = ctx
	p.unsub = p.src.Subscribe(func(State) { p.scheduleRecompute() })
	p.mu.Unlock()

	p.spawn("netprofile.initial_detect", func() {
		if _, err := p.Detect(ctx); err != nil {
			p.log.Debug().Err(err).Msg("initial detection aborted")
		}
	})
}

// Stop cancels the pending debounce timer and unsubscribes from the source.
// Safe to call when not running; Start may be called again afterwards.
func (p *Profiler) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
}

// Current returns a copy of the latest profile, or nil before the first
// detection completes.
func (p *Profiler) Current() *Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Clone()
}

// AddListener registers a profile-change callback and returns an
// unsubscribe func. If a profile already exists the listener is invoked
// immediately with the current state.
func (p *Profiler) AddListener(fn Listener) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners = append(p.listeners, listenerEntry{id: id, fn: fn})
	cur := p.current.Clone()
	p.mu.Unlock()

	if cur != nil {
		fn(cur)
	}

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, e := range p.listeners {
			if e.id == id {
				p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

// Detect forces an immediate detection, bypassing the debounce window.
// Probe failures degrade the result; the only error returned is context
// cancellation.
func (p *Profiler) Detect(ctx context.Context) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	profile := p.recompute(ctx)
	return profile.Clone(), nil
}

// scheduleRecompute arms the single debounce slot, replacing (and
// cancelling) any previously scheduled recomputation.
func (p *Profiler) scheduleRecompute() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	if p.pending != nil {
		p.pending.Stop()
	}
	ctx := p.runCtx
	p.pending = time.AfterFunc(p.cfg.Debounce, func() {
		p.mu.Lock()
		p.pending = nil
		running := p.running
		p.mu.Unlock()
		if !running || ctx.Err() != nil {
			return
		}
		p.recompute(ctx)
	})
}

func (p *Profiler) recompute(ctx context.Context) *Profile {
	state, err := p.src.State(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("connectivity state read failed")
		state = State{}
	}

	profile := &Profile{
		Type:              MapType(state.Type),
		Quality:           QualityUnknown,
		InternetReachable: state.InternetReachable,
		Strength:          state.Details.Strength,
		Generation:        state.Details.CellularGeneration,
		Expensive:         state.Details.Expensive,
		DetectedAt:        time.Now(),
	}
	if profile.Type == TypeCellular {
		profile.Expensive = true
	}

	if state.Connected && state.InternetReachable && p.limiter.Allow() {
		results := Probe(ctx, p.client, p.cfg.ProbeEndpoints, p.cfg.ProbeTimeout)
		p.mu.Lock()
		for _, r := range results {
			p.history = append(p.history, probeSample{success: r.Success, latency: r.Latency})
		}
		p.trimHistoryLocked()
		p.mu.Unlock()
		profile.Quality = classify(results, p.cfg.Thresholds)
	} else if !state.Connected || !state.InternetReachable {
		p.mu.Lock()
		p.history = append(p.history, probeSample{success: false})
		p.trimHistoryLocked()
		p.mu.Unlock()
	} else if cur := p.Current(); cur != nil {
		// Rate limited: keep the previous classification.
		profile.Quality = cur.Quality
	}

	p.mu.Lock()
	profile.Stability = stabilityScore(p.history)
	prev := p.current
	p.current = profile
	changed := profileChanged(prev, profile)
	var toNotify []Listener
	if changed {
		for _, e := range p.listeners {
			toNotify = append(toNotify, e.fn)
		}
	}
	p.mu.Unlock()

	if changed {
		p.log.Debug().
			Str("type", string(profile.Type)).
			Str("quality", string(profile.Quality)).
			Float64("stability", profile.Stability).
			Msg("network profile changed")
		snapshot := profile.Clone()
		for _, fn := range toNotify {
			fn(snapshot)
		}
	}
	return profile
}

func (p *Profiler) trimHistoryLocked() {
	if n := len(p.history) - p.cfg.HistorySize; n > 0 {
		p.history = append(p.history[:0], p.history[n:]...)
	}
}

func (p *Profiler) spawn(name string, fn func()) {
	if p.spawner != nil {
		p.spawner.Go(name, fn)
		return
	}
	go fn()
}

func classify(results []ProbeResult, th QualityThresholds) Quality {
	var sum time.Duration
	n := 0
	for _, r := range results {
		if r.Success {
			sum += r.Latency
			n++
		}
	}
	if n == 0 {
		return QualityUnknown
	}
	avg := sum / time.Duration(n)
	switch {
	case avg < th.Excellent:
		return QualityExcellent
	case avg < th.Good:
		return QualityGood
	case avg < th.Poor:
		return QualityPoor
	default:
		return QualityUnknown
	}
}

func profileChanged(prev, next *Profile) bool {
	if prev == nil {
		return true
	}
	if prev.Type != next.Type || prev.Quality != next.Quality {
		return true
	}
	return math.Abs(prev.Stability-next.Stability) > 0.1
}
