// Package analytics records per-connection-attempt outcomes keyed by
// network profile signature, maintains rolling metrics and failure
// patterns, and hosts a small online regression model predicting the
// optimal heartbeat interval.
//
// Every operation degrades gracefully on partial input and none of them
// return errors: failures show up as conservative defaults, never as
// propagated exceptions.
package analytics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"netadapt/pkg/netprofile"
)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// LearningThreshold is the minimum sample count before learned
	// settings override static defaults.
	LearningThreshold int
	// MaxSignatures caps the number of distinct metrics entries; oldest
	// (by last update) are evicted silently beyond the cap.
	MaxSignatures int
	// MaxPatterns caps the per-entry failure pattern list.
	MaxPatterns int
	// SaveEvery persists a snapshot after this many recorded events when
	// a store is attached. Zero disables periodic saves.
	SaveEvery int
	// LearningRate for the online model.
	LearningRate float64

	ProbeEndpoints []string
	ProbeTimeout   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.LearningThreshold <= 0 {
		out.LearningThreshold = 10
	}
	if out.MaxSignatures <= 0 {
		out.MaxSignatures = 50
	}
	if out.MaxPatterns <= 0 {
		out.MaxPatterns = 10
	}
	if out.LearningRate <= 0 {
		out.LearningRate = 0.01
	}
	if len(out.ProbeEndpoints) == 0 {
		out.ProbeEndpoints = netprofile.DefaultProbeEndpoints
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = 3 * time.Second
	}
	return out
}

// firstRateWindow is the sample count at which a signature's success rate
// is frozen as its "first observed" baseline for learning-effectiveness.
const firstRateWindow = 5

// entry is the internal per-signature state. All mutation happens under
// the engine mutex inside Record.
type entry struct {
	signature        string
	avgLatencyMs     float64
	latencySamples   int
	successRate      float64
	sampleCount      int
	firstSuccessRate float64
	firstCaptured    bool
	lastUpdated      time.Time
	dataUsage        int64
	batteryImpact    float64
	batterySamples   int
	optimalHeartbeat time.Duration
	patterns         map[string]*FailurePattern
	buckets          map[string]*BucketStat
}

// Analytics is the connection analytics engine. Safe for concurrent use.
type Analytics struct {
	cfg    Config
	log    zerolog.Logger
	store  Store
	client *http.Client

	mu        sync.Mutex
	entries   map[string]*entry
	total     int
	model     *linearModel
	sinceSave int
}

// Option customizes the engine.
type Option func(*Analytics)

// WithStore attaches a snapshot store; the engine loads it at construction
// and saves opportunistically, tolerating every failure.
func WithStore(s Store) Option { return func(a *Analytics) { a.store = s } }

// WithHTTPClient overrides the latency probe client.
func WithHTTPClient(c *http.Client) Option { return func(a *Analytics) { a.client = c } }

// New constructs the engine and best-effort restores persisted state.
func New(cfg Config, log zerolog.Logger, opts ...Option) *Analytics {
	cfg = cfg.withDefaults()
	a := &Analytics{
		cfg:     cfg,
		log:     log.With().Str("comp", "analytics").Logger(),
		client:  &http.Client{},
		entries: map[string]*entry{},
		model:   newLinearModel(cfg.LearningRate),
	}
	for _, o := range opts {
		o(a)
	}
	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := a.store.Load(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("snapshot load failed; starting fresh")
		} else if snap != nil {
			a.Restore(snap)
		}
	}
	return a
}

// Record folds one connection event into the metrics for its profile
// signature. O(1) amortized: only fixed-size pattern tables are scanned
// and no history is retained per event. Never returns an error; malformed
// or partial events are tolerated.
func (a *Analytics) Record(ev Event) {
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	sig := ev.Profile.Signature()

	a.mu.Lock()

	e := a.entries[sig]
	if e == nil {
		a.evictLocked(a.cfg.MaxSignatures - 1)
		e = &entry{
			signature: sig,
			patterns:  map[string]*FailurePattern{},
			buckets:   map[string]*BucketStat{},
		}
		a.entries[sig] = e
	}

	s := 0.0
	if ev.Success {
		s = 1.0
	}
	// Count-weighted running average, not exponential smoothing: the rate
	// must stay exact at low sample counts.
	n := float64(e.sampleCount)
	e.successRate = (e.successRate*n + s) / (n + 1)
	e.sampleCount++

	if ev.Latency != nil {
		ln := float64(e.latencySamples)
		ms := float64(ev.Latency.Milliseconds())
		e.avgLatencyMs = (e.avgLatencyMs*ln + ms) / (ln + 1)
		e.latencySamples++
	}

	if !e.firstCaptured && e.sampleCount >= firstRateWindow {
		e.firstSuccessRate = e.successRate
		e.firstCaptured = true
	}

	e.dataUsage += ev.DataUsed
	if ev.BatteryDelta != 0 {
		bn := float64(e.batterySamples)
		e.batteryImpact = (e.batteryImpact*bn + ev.BatteryDelta) / (bn + 1)
		e.batterySamples++
	}

	bucket := timeBucket(now)
	bs := e.buckets[bucket]
	if bs == nil {
		bs = &BucketStat{}
		e.buckets[bucket] = bs
	}
	bs.SuccessRate = (bs.SuccessRate*float64(bs.Samples) + s) / float64(bs.Samples+1)
	bs.Samples++

	if !ev.Success {
		e.recordFailure(ev.FailureType, ev.Context, now, a.cfg.MaxPatterns)
	}

	e.lastUpdated = now
	a.total++

	if a.total >= a.cfg.LearningThreshold && ev.HeartbeatInterval > 0 {
		target := float64(ev.HeartbeatInterval.Milliseconds())
		if !ev.Success {
			// A failed heartbeat argues for a shorter interval.
			target *= 0.7
		}
		f := a.featuresLocked(e, ev.Profile, now)
		a.model.Train(f, target)
		e.optimalHeartbeat = clampHeartbeat(a.model.Predict(f))
	}

	var snap *Snapshot
	if a.store != nil && a.cfg.SaveEvery > 0 {
		a.sinceSave++
		if a.sinceSave >= a.cfg.SaveEvery {
			a.sinceSave = 0
			snap = a.snapshotLocked()
		}
	}
	a.mu.Unlock()

	if snap != nil {
		go a.saveSnapshot(snap)
	}
}

func (a *Analytics) saveSnapshot(snap *Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.Save(ctx, snap); err != nil {
		a.log.Warn().Err(err).Msg("snapshot save failed")
	}
}

// evictLocked drops oldest entries (by last update) until at most limit
// remain.
func (a *Analytics) evictLocked(limit int) {
	for len(a.entries) > limit {
		var oldestKey string
		var oldest time.Time
		for k, e := range a.entries {
			if oldestKey == "" || e.lastUpdated.Before(oldest) {
				oldestKey, oldest = k, e.lastUpdated
			}
		}
		delete(a.entries, oldestKey)
	}
}

// featuresLocked builds the normalized model feature vector:
// [avgLatency/1000, successRate, qualityScore, timeOfDayScore].
func (a *Analytics) featuresLocked(e *entry, p *netprofile.Profile, now time.Time) [featureCount]float64 {
	quality := netprofile.QualityUnknown
	if p != nil {
		quality = p.Quality
	}
	return [featureCount]float64{
		e.avgLatencyMs / 1000,
		e.successRate,
		qualityScore(quality),
		e.timeOfDayScore(now),
	}
}

func (e *entry) timeOfDayScore(now time.Time) float64 {
	if bs := e.buckets[timeBucket(now)]; bs != nil && bs.Samples > 0 {
		return bs.SuccessRate
	}
	return 0.5
}

func qualityScore(q netprofile.Quality) float64 {
	switch q {
	case netprofile.QualityExcellent:
		return 1.0
	case netprofile.QualityGood:
		return 0.7
	case netprofile.QualityPoor:
		return 0.3
	default:
		return 0.5
	}
}

func clampHeartbeat(ms float64) time.Duration {
	if ms < 5000 {
		ms = 5000
	}
	if ms > 60000 {
		ms = 60000
	}
	return time.Duration(ms) * time.Millisecond
}

// OptimalSettings returns tuned parameters for the profile. Below the
// learning threshold it returns deterministic network-type-aware static
// defaults; at or above, model-derived values with bounded output (no NaN,
// no unbounded intervals).
func (a *Analytics) OptimalSettings(p *netprofile.Profile) Settings {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.entries[p.Signature()]
	if e == nil || e.sampleCount < a.cfg.LearningThreshold {
		return staticDefaults(p)
	}

	f := a.featuresLocked(e, p, time.Now())
	heartbeat := clampHeartbeat(a.model.Predict(f))

	timeoutMs := e.avgLatencyMs * 5 * (1 + (1 - e.successRate))
	if timeoutMs < 5000 {
		timeoutMs = 5000
	}
	if timeoutMs > 30000 {
		timeoutMs = 30000
	}

	retries := 7
	switch {
	case e.successRate > 0.9:
		retries = 3
	case e.successRate > 0.7:
		retries = 5
	}
	backoff := 2.0
	if e.successRate > 0.7 {
		backoff = 1.5
	}

	priority := []string{"websocket", "polling"}
	if p != nil && p.Type == netprofile.TypeCellular && e.successRate < 0.8 {
		priority = []string{"polling", "websocket"}
	}

	return Settings{
		HeartbeatInterval: heartbeat,
		ConnectionTimeout: time.Duration(timeoutMs) * time.Millisecond,
		RetryStrategy:     RetryStrategy{MaxRetries: retries, BackoffMultiplier: backoff},
		TransportPriority: priority,
	}
}

// staticDefaults are the pre-learning settings: cellular and poor-quality
// networks get longer intervals/timeouts and more retries.
func staticDefaults(p *netprofile.Profile) Settings {
	heartbeat := 30 * time.Second
	timeout := 15 * time.Second
	retries := 3
	backoff := 1.5

	cellular := p != nil && p.Type == netprofile.TypeCellular
	poor := p != nil && p.Quality == netprofile.QualityPoor

	if cellular {
		heartbeat = 45 * time.Second
		timeout = 20 * time.Second
	}
	if poor {
		heartbeat = 60 * time.Second
		timeout = 25 * time.Second
	}
	if cellular || poor {
		retries = 5
		backoff = 2.0
	}

	priority := []string{"websocket", "polling"}
	if cellular && poor {
		priority = []string{"polling", "websocket"}
	}

	return Settings{
		HeartbeatInterval: heartbeat,
		ConnectionTimeout: timeout,
		RetryStrategy:     RetryStrategy{MaxRetries: retries, BackoffMultiplier: backoff},
		TransportPriority: priority,
	}
}

// Metrics returns a defensive copy of one signature's metrics.
func (a *Analytics) Metrics(signature string) (Metrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entries[signature]
	if e == nil {
		return Metrics{}, false
	}
	return e.export(), true
}

// AllMetrics returns defensive copies of every tracked signature.
func (a *Analytics) AllMetrics() map[string]Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Metrics, len(a.entries))
	for k, e := range a.entries {
		out[k] = e.export()
	}
	return out
}

func (e *entry) export() Metrics {
	return Metrics{
		Signature:        e.signature,
		AvgLatency:       time.Duration(e.avgLatencyMs) * time.Millisecond,
		SuccessRate:      e.successRate,
		FailurePatterns:  e.sortedPatterns(),
		OptimalHeartbeat: e.optimalHeartbeat,
		SampleCount:      e.sampleCount,
		LastUpdated:      e.lastUpdated,
		DataUsage:        e.dataUsage,
		BatteryImpact:    e.batteryImpact,
		TimeOfDayScore:   e.timeOfDayScore(time.Now()),
	}
}

// TotalSamples reports the number of recorded events across signatures.
func (a *Analytics) TotalSamples() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// ModelAccuracy exposes the online model's rolling prediction accuracy.
func (a *Analytics) ModelAccuracy() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model.Accuracy()
}

// ProbeLatency fires parallel probes against the configured endpoints.
// It never returns an error; each failing probe becomes a Success=false
// result.
func (a *Analytics) ProbeLatency(ctx context.Context) []netprofile.ProbeResult {
	return netprofile.Probe(ctx, a.client, a.cfg.ProbeEndpoints, a.cfg.ProbeTimeout)
}

// Snapshot exports the persistable engine state.
func (a *Analytics) Snapshot() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Analytics) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Weights: append([]float64(nil), a.model.weights[:]...),
		Bias:    a.model.bias,
		SavedAt: time.Now(),
	}
	for _, e := range a.entries {
		es := EntrySnapshot{
			Signature:        e.signature,
			AvgLatencyMs:     e.avgLatencyMs,
			LatencySamples:   e.latencySamples,
			SuccessRate:      e.successRate,
			SampleCount:      e.sampleCount,
			FirstSuccessRate: e.firstSuccessRate,
			FirstCaptured:    e.firstCaptured,
			LastUpdated:      e.lastUpdated,
			DataUsage:        e.dataUsage,
			BatteryImpact:    e.batteryImpact,
			BatterySamples:   e.batterySamples,
			OptimalHeartbeat: e.optimalHeartbeat,
			Patterns:         e.sortedPatterns(),
		}
		if len(e.buckets) > 0 {
			es.Buckets = make(map[string]BucketStat, len(e.buckets))
			for k, b := range e.buckets {
				es.Buckets[k] = *b
			}
		}
		snap.Entries = append(snap.Entries, es)
	}
	return snap
}

// Restore replaces engine state with a previously exported snapshot.
func (a *Analytics) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = map[string]*entry{}
	a.total = 0
	for _, es := range snap.Entries {
		e := &entry{
			signature:        es.Signature,
			avgLatencyMs:     es.AvgLatencyMs,
			latencySamples:   es.LatencySamples,
			successRate:      es.SuccessRate,
			sampleCount:      es.SampleCount,
			firstSuccessRate: es.FirstSuccessRate,
			firstCaptured:    es.FirstCaptured,
			lastUpdated:      es.LastUpdated,
			dataUsage:        es.DataUsage,
			batteryImpact:    es.BatteryImpact,
			batterySamples:   es.BatterySamples,
			optimalHeartbeat: es.OptimalHeartbeat,
			patterns:         map[string]*FailurePattern{},
			buckets:          map[string]*BucketStat{},
		}
		for _, p := range es.Patterns {
			cp := p
			e.patterns[patternKey(p.Type, p.TimePattern, p.Context)] = &cp
		}
		for k, b := range es.Buckets {
			cb := b
			e.buckets[k] = &cb
		}
		a.entries[es.Signature] = e
		a.total += es.SampleCount
	}
	a.evictLocked(a.cfg.MaxSignatures)

	if len(snap.Weights) == featureCount {
		copy(a.model.weights[:], snap.Weights)
		a.model.bias = snap.Bias
	}
}
