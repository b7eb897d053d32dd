// netadaptd watches host connectivity, learns connection behavior, and
// logs strategy and health-interval decisions. It doubles as a reference
// wiring of the netadapt packages.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"netadapt/internal/config"
	"netadapt/internal/logging"
	"netadapt/internal/netstate"
	"netadapt/internal/runtime/supervisor"
	"netadapt/internal/storage"
	"netadapt/pkg/analytics"
	"netadapt/pkg/cleaner"
	"netadapt/pkg/health"
	"netadapt/pkg/netprofile"
	"netadapt/pkg/strategy"
	"netadapt/pkg/timeoutx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./netadapt.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	boot := logging.New("info", false)

	mgr := config.NewManager(cfgPath, boot)
	cfg, err := mgr.Load()
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load config: %w", err)
		}
		boot.Warn().Str("path", cfgPath).Msg("config file missing; using defaults")
		cfg = &config.Config{}
		mgr.Commit(cfg)
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
	sup := supervisor.New(ctx, log)

	// Persistence is optional; analytics run in memory without it.
	store, err := storage.Open(storage.Config{
		Driver: driverFor(cfg.Storage.Path),
		Path:   cfg.Storage.Path,
	}, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	var anOpts []analytics.Option
	if store != nil {
		anOpts = append(anOpts, analytics.WithStore(store))
	}
	an := analytics.New(analytics.Config{
		LearningThreshold: cfg.Analytics.LearningThreshold,
		MaxSignatures:     cfg.Analytics.MaxSignatures,
		MaxPatterns:       cfg.Analytics.MaxPatterns,
		SaveEvery:         cfg.Analytics.SaveEvery,
		LearningRate:      cfg.Analytics.LearningRate,
	}, log, anOpts...)

	profCfg, err := profilerConfig(cfg.Profiler)
	if err != nil {
		return err
	}
	src := netstate.New(5*time.Second, log)
	src.Start(sup.Context())
	prof := netprofile.New(profCfg, src, log, netprofile.WithSpawner(sup))
	prof.Start(sup.Context())

	healthCfg, err := healthConfig(cfg.Health)
	if err != nil {
		return err
	}
	mon := health.New(healthCfg, log)

	catalog := strategy.Default()
	unsub := catalog.Subscribe(prof, func(p *netprofile.Profile, s strategy.Strategy) {
		log.Info().
			Str("signature", p.Signature()).
			Float64("stability", p.Stability).
			Dur("conn_timeout", s.Timeouts.Connection).
			Dur("heartbeat", s.Timeouts.Heartbeat).
			Str("heartbeat_profile", string(s.HeartbeatProfile)).
			Msg("connection strategy updated")
		mon.SetBaseline(s.Timeouts.Heartbeat)
		mon.Reset()
	})
	defer unsub()

	// The daemon tracks its own link as a session so the cleaner has
	// something real to reap when pings stop succeeding.
	tracker := newLinkTracker(mon)
	clnCfg, err := cleanerConfig(cfg.Cleaner)
	if err != nil {
		return err
	}
	cln := cleaner.New(clnCfg, tracker, tracker, log)
	cln.Start(sup.Context())
	defer cln.Stop()

	retryCfg, err := timeoutConfig(cfg.Timeout)
	if err != nil {
		return err
	}
	pinger := newPinger(prof, an, mon, tracker, retryCfg, log)
	mon.Start(pinger.reschedule)
	sup.GoCtx("pinger", pinger.loop)
	defer mon.Stop()

	sup.GoCtx("config-watch", func(ctx context.Context) { _ = mgr.Watch(ctx) })
	updates := mgr.Subscribe(1)
	defer mgr.Unsubscribe(updates)
	sup.GoCtx("config-apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				applyReload(next, mon, log)
			}
		}
	})

	sup.GoCtx("report", func(ctx context.Context) { reportLoop(ctx, an, log) })

	notifySystemd(sup, log)

	log.Info().Str("config", cfgPath).Msg("netadaptd started")
	<-ctx.Done()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	prof.Stop()
	src.Stop()
	sup.Stop(10 * time.Second)
	log.Info().Msg("netadaptd stopped")
	return nil
}

func driverFor(path string) string {
	if path == "" {
		return "none"
	}
	return "sqlite"
}

func profilerConfig(c config.ProfilerConfig) (netprofile.Config, error) {
	debounce, err := config.Duration("profiler.debounce", c.Debounce, 0)
	if err != nil {
		return netprofile.Config{}, err
	}
	probeTimeout, err := config.Duration("profiler.probe_timeout", c.ProbeTimeout, 0)
	if err != nil {
		return netprofile.Config{}, err
	}
	return netprofile.Config{
		Debounce:       debounce,
		ProbeTimeout:   probeTimeout,
		ProbeEndpoints: c.ProbeEndpoints,
		HistorySize:    c.HistorySize,
	}, nil
}

func healthConfig(c config.HealthConfig) (health.Config, error) {
	base, err := config.Duration("health.base_interval", c.BaseInterval, 0)
	if err != nil {
		return health.Config{}, err
	}
	min, err := config.Duration("health.min_interval", c.MinInterval, 0)
	if err != nil {
		return health.Config{}, err
	}
	max, err := config.Duration("health.max_interval", c.MaxInterval, 0)
	if err != nil {
		return health.Config{}, err
	}
	adapt, err := config.Duration("health.adapt_every", c.AdaptEvery, 5*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		BaseInterval:       base,
		MinInterval:        min,
		MaxInterval:        max,
		StabilityThreshold: c.StabilityThreshold,
		AdaptEvery:         adapt,
	}, nil
}

func cleanerConfig(c config.CleanerConfig) (cleaner.Config, error) {
	interval, err := config.Duration("cleaner.interval", c.Interval, 0)
	if err != nil {
		return cleaner.Config{}, err
	}
	stale, err := config.Duration("cleaner.stale_threshold", c.StaleThreshold, 0)
	if err != nil {
		return cleaner.Config{}, err
	}
	inactive, err := config.Duration("cleaner.inactive_threshold", c.InactiveThreshold, 0)
	if err != nil {
		return cleaner.Config{}, err
	}
	kill, err := config.Duration("cleaner.kill_timeout", c.KillTimeout, 0)
	if err != nil {
		return cleaner.Config{}, err
	}
	return cleaner.Config{
		Interval:          interval,
		StaleThreshold:    stale,
		InactiveThreshold: inactive,
		KillTimeout:       kill,
		MaxRetries:        c.MaxRetries,
	}, nil
}

func timeoutConfig(c config.TimeoutConfig) (timeoutx.Config, error) {
	to, err := config.Duration("timeout.timeout", c.Timeout, 5*time.Second)
	if err != nil {
		return timeoutx.Config{}, err
	}
	base, err := config.Duration("timeout.base_delay", c.BaseDelay, 500*time.Millisecond)
	if err != nil {
		return timeoutx.Config{}, err
	}
	maxd, err := config.Duration("timeout.max_delay", c.MaxDelay, 2*time.Second)
	if err != nil {
		return timeoutx.Config{}, err
	}
	return timeoutx.Config{
		Timeout:    to,
		MaxRetries: c.MaxRetries,
		BaseDelay:  base,
		MaxDelay:   maxd,
		Multiplier: c.Multiplier,
	}, nil
}

func applyReload(cfg *config.Config, mon *health.Monitor, log zerolog.Logger) {
	if cfg == nil {
		return
	}
	if base, err := config.Duration("health.base_interval", cfg.Health.BaseInterval, 0); err == nil && base > 0 {
		mon.SetBaseline(base)
	}
	log.Info().Msg("config reload applied")
}

func reportLoop(ctx context.Context, an *analytics.Analytics, log zerolog.Logger) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r := an.Report()
			log.Info().
				Str("report_id", r.ID).
				Int("samples", r.TotalSamples).
				Float64("success_rate", r.OverallSuccessRate).
				Float64("model_accuracy", r.ModelAccuracy).
				Strs("recommendations", r.Recommendations).
				Msg("connection analytics report")
		}
	}
}

func notifySystemd(sup *supervisor.Supervisor, log zerolog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Debug().Err(err).Msg("systemd notify failed")
		return
	}
	if !sent {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	sup.GoCtx("sd-watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// linkTracker records the daemon's own network link as a session so the
// stale-connection cleaner exercises the same path real session owners
// use. "Killing" the link session resets the health monitor.
type linkTracker struct {
	mon *health.Monitor

	mu       sync.Mutex
	sessions map[string]cleaner.Session
}

const linkSessionID = "local-link"

func newLinkTracker(mon *health.Monitor) *linkTracker {
	now := time.Now()
	return &linkTracker{
		mon: mon,
		sessions: map[string]cleaner.Session{
			linkSessionID: {ID: linkSessionID, Active: true, ActiveAt: now, UpdatedAt: now},
		},
	}
}

func (t *linkTracker) touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[linkSessionID]
	s.Active = true
	s.ActiveAt = time.Now()
	t.sessions[linkSessionID] = s
}

func (t *linkTracker) Sessions() map[string]cleaner.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]cleaner.Session, len(t.sessions))
	for k, v := range t.sessions {
		out[k] = v
	}
	return out
}

func (t *linkTracker) Apply(patches []cleaner.Patch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range patches {
		s, ok := t.sessions[p.ID]
		if !ok {
			continue
		}
		s.Active = p.Active
		s.UpdatedAt = p.UpdatedAt
		t.sessions[p.ID] = s
	}
}

func (t *linkTracker) KillSession(_ context.Context, id string) error {
	if id == linkSessionID {
		t.mon.Reset()
	}
	return fmt.Errorf("session %s not responding", id)
}

// pinger drives the heartbeat loop on the cadence the health monitor
// chooses, feeding outcomes back to the monitor and analytics.
type pinger struct {
	prof    *netprofile.Profiler
	an      *analytics.Analytics
	mon     *health.Monitor
	tracker *linkTracker
	retry   timeoutx.Config
	log     zerolog.Logger

	intervals chan time.Duration
}

func newPinger(prof *netprofile.Profiler, an *analytics.Analytics, mon *health.Monitor, tracker *linkTracker, retry timeoutx.Config, log zerolog.Logger) *pinger {
	return &pinger{
		prof:      prof,
		an:        an,
		mon:       mon,
		tracker:   tracker,
		retry:     retry,
		log:       log.With().Str("comp", "pinger").Logger(),
		intervals: make(chan time.Duration, 1),
	}
}

// reschedule is handed to the health monitor as its schedule callback.
func (p *pinger) reschedule(d time.Duration) {
	select {
	case p.intervals <- d:
	default:
		// drop stale interval; the loop reads the newest on next wake
		select {
		case <-p.intervals:
		default:
		}
		select {
		case p.intervals <- d:
		default:
		}
	}
}

func (p *pinger) loop(ctx context.Context) {
	interval := p.mon.Interval()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-p.intervals:
			if d > 0 && d != interval {
				interval = d
				t.Reset(interval)
			}
		case <-t.C:
			p.ping(ctx)
		}
	}
}

func (p *pinger) ping(ctx context.Context) {
	// Transient endpoint hiccups are retried before a heartbeat counts as
	// failed; only an exhausted retry budget reaches the health monitor.
	results, err := timeoutx.Do(ctx, p.retry, func(actx context.Context) ([]netprofile.ProbeResult, error) {
		rs := p.an.ProbeLatency(actx)
		for _, r := range rs {
			if r.Success {
				return rs, nil
			}
		}
		return rs, errors.New("all probe endpoints failed")
	})
	success := err == nil
	var latency time.Duration
	if success {
		for _, r := range results {
			if r.Success {
				latency = r.Latency
				break
			}
		}
	}

	p.mon.RecordPing(health.PingResult{Success: success, Latency: latency, At: time.Now()})
	if success {
		p.tracker.touch()
	}

	ev := analytics.Event{
		Profile:           p.prof.Current(),
		Success:           success,
		Context:           "heartbeat",
		HeartbeatInterval: p.mon.Interval(),
	}
	if success {
		ev.Latency = &latency
	} else {
		ev.FailureType = analytics.FailureNetwork
	}
	p.an.Record(ev)
}
