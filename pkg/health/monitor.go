// Package health implements a standalone feedback controller that adjusts
// an active ping interval in real time from success/failure streaks and
// latency trend. It reacts faster than the statistical analytics model;
// the model sets the baseline via SetBaseline, this controller governs
// moment-to-moment changes.
package health

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config tunes the monitor. Zero values fall back to defaults.
type Config struct {
	BaseInterval time.Duration // starting ping interval (30s)
	MinInterval  time.Duration // lower clamp (5s)
	MaxInterval  time.Duration // upper clamp (120s)

	// StabilityThreshold gates interval growth after a success streak.
	StabilityThreshold float64 // 0.8

	// AdaptEvery throttles adaptation passes; at most one per window.
	// Zero or negative runs adaptation inline on every ping (tests).
	AdaptEvery time.Duration

	HistorySize int // ping history ring (20)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseInterval <= 0 {
		out.BaseInterval = 30 * time.Second
	}
	if out.MinInterval <= 0 {
		out.MinInterval = 5 * time.Second
	}
	if out.MaxInterval <= 0 {
		out.MaxInterval = 120 * time.Second
	}
	if out.StabilityThreshold <= 0 {
		out.StabilityThreshold = 0.8
	}
	if out.HistorySize <= 0 {
		out.HistorySize = 20
	}
	return out
}

// PingResult is one heartbeat outcome fed back by the transport.
type PingResult struct {
	Success bool
	Latency time.Duration
	At      time.Time
}

// Monitor is the adaptive controller. Safe for concurrent use.
type Monitor struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	running   bool
	interval  time.Duration
	baseline  time.Duration
	successes int
	failures  int
	history   []PingResult
	schedule  func(time.Duration)
	pending   *time.Timer
	lastAdapt time.Time
}

// New constructs a stopped monitor at its base interval.
func New(cfg Config, log zerolog.Logger) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:      cfg,
		log:      log.With().Str("comp", "health").Logger(),
		interval: cfg.BaseInterval,
		baseline: cfg.BaseInterval,
	}
}

// Start installs the schedule callback and invokes it immediately with the
// current interval. The caller is expected to ping on that cadence and
// feed outcomes back through RecordPing; the callback fires again whenever
// the interval changes by more than 10%. Idempotent.
func (m *Monitor) Start(schedule func(time.Duration)) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.schedule = schedule
	interval := m.interval
	m.mu.Unlock()

	if schedule != nil {
		schedule(interval)
	}
}

// Stop clears the pending adaptation timer. Safe when not running; Start
// may be called again afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.schedule = nil
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

// Reset clears all history and returns to the baseline interval. Used on
// network-change events upstream.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.successes = 0
	m.failures = 0
	m.history = m.history[:0]
	m.interval = m.baseline
	m.lastAdapt = time.Time{}
	schedule := m.schedule
	interval := m.interval
	running := m.running
	m.mu.Unlock()

	if running && schedule != nil {
		schedule(interval)
	}
}

// Interval returns the current ping interval.
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// SetBaseline moves the analytics-learned baseline. The baseline replaces
// the configured base on the next Reset; when no pings have been observed
// yet it also retunes the live interval.
func (m *Monitor) SetBaseline(d time.Duration) {
	d = m.clamp(d)
	m.mu.Lock()
	m.baseline = d
	var schedule func(time.Duration)
	if len(m.history) == 0 && m.interval != d {
		m.interval = d
		if m.running {
			schedule = m.schedule
		}
	}
	m.mu.Unlock()

	if schedule != nil {
		schedule(d)
	}
}

// RecordPing folds in one ping outcome and throttles an adaptation pass to
// at most one per AdaptEvery window.
func (m *Monitor) RecordPing(r PingResult) {
	if r.At.IsZero() {
		r.At = time.Now()
	}

	m.mu.Lock()
	if r.Success {
		m.successes++
		m.failures = 0
	} else {
		m.failures++
		m.successes = 0
	}
	m.history = append(m.history, r)
	if n := len(m.history) - m.cfg.HistorySize; n > 0 {
		m.history = append(m.history[:0], m.history[n:]...)
	}

	if m.cfg.AdaptEvery <= 0 {
		m.mu.Unlock()
		m.adapt()
		return
	}
	if m.pending != nil {
		m.mu.Unlock()
		return
	}
	delay := m.cfg.AdaptEvery - time.Since(m.lastAdapt)
	if delay < 0 {
		delay = 0
	}
	m.pending = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.pending = nil
		running := m.running
		m.mu.Unlock()
		if running {
			m.adapt()
		}
	})
	m.mu.Unlock()
}

// adapt applies the first matching rule:
//
//  1. failure streak or low stability: check more often
//  2. success streak on a stable network: back off
//  3. latencies rising: tighten
//  4. latencies falling on a very stable network: loosen slightly
//
// The external callback fires only when the clamped change exceeds 10% of
// the prior interval, to avoid churn.
func (m *Monitor) adapt() {
	m.mu.Lock()
	m.lastAdapt = time.Now()

	stability := m.stabilityLocked()
	trend := m.latencyTrendLocked()

	next := m.interval
	switch {
	case m.failures >= 2 || stability < 0.7:
		next = time.Duration(float64(m.interval) * 0.7)
	case m.successes >= 5 && stability > m.cfg.StabilityThreshold:
		next = time.Duration(float64(m.interval) * 1.3)
	case trend > 1.5:
		next = time.Duration(float64(m.interval) * 0.8)
	case trend < 0.7 && stability > 0.85:
		next = time.Duration(float64(m.interval) * 1.1)
	}
	next = m.clamp(next)
	if next == m.interval {
		m.mu.Unlock()
		return
	}

	prev := m.interval
	m.interval = next
	var schedule func(time.Duration)
	// Notify only on changes above 10% of the prior interval, to avoid
	// rescheduling churn; the committed interval still moves.
	if m.running && math.Abs(float64(next-prev)) > 0.1*float64(prev) {
		schedule = m.schedule
	}
	m.mu.Unlock()

	m.log.Debug().
		Dur("from", prev).
		Dur("to", next).
		Float64("stability", stability).
		Float64("trend", trend).
		Msg("ping interval adapted")

	if schedule != nil {
		schedule(next)
	}
}

func (m *Monitor) clamp(d time.Duration) time.Duration {
	if d < m.cfg.MinInterval {
		return m.cfg.MinInterval
	}
	if d > m.cfg.MaxInterval {
		return m.cfg.MaxInterval
	}
	return d
}

// stabilityLocked blends success rate and latency variance over the last
// 10 results: 0.7*successRate + 0.3*latencyStability. Neutral (1.0) below
// 5 samples.
func (m *Monitor) stabilityLocked() float64 {
	window := m.history
	if len(window) > 10 {
		window = window[len(window)-10:]
	}
	if len(window) < 5 {
		return 1.0
	}

	successes := 0
	var latencies []float64
	for _, r := range window {
		if r.Success {
			successes++
			latencies = append(latencies, float64(r.Latency.Milliseconds()))
		}
	}
	successRate := float64(successes) / float64(len(window))

	latencyStability := 0.0
	if mean, stddev, ok := meanStddev(latencies); ok && mean > 0 {
		latencyStability = math.Max(0, 1-stddev/mean)
	}
	return 0.7*successRate + 0.3*latencyStability
}

// latencyTrendLocked compares the second half of the last 6 successful
// latencies against the first half; >1 means rising. Neutral (1.0) below
// 4 samples.
func (m *Monitor) latencyTrendLocked() float64 {
	var latencies []float64
	for _, r := range m.history {
		if r.Success {
			latencies = append(latencies, float64(r.Latency.Milliseconds()))
		}
	}
	if len(latencies) > 6 {
		latencies = latencies[len(latencies)-6:]
	}
	if len(latencies) < 4 {
		return 1.0
	}

	half := len(latencies) / 2
	firstMean, _, _ := meanStddev(latencies[:half])
	secondMean, _, _ := meanStddev(latencies[half:])
	if firstMean <= 0 {
		return 1.0
	}
	return secondMean / firstMean
}

func meanStddev(vals []float64) (mean, stddev float64, ok bool) {
	if len(vals) == 0 {
		return 0, 0, false
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean = sum / float64(len(vals))

	var variance float64
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))
	return mean, math.Sqrt(variance), true
}
