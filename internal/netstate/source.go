// Package netstate implements a connectivity source for hosts without a
// platform connectivity API: it polls the kernel interface table and
// classifies the active interface by name.
package netstate

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"netadapt/pkg/netprofile"
)

// Source polls net.Interfaces and notifies subscribers when the derived
// connectivity state changes. It reports reachability optimistically;
// latency probing downstream refines the picture.
type Source struct {
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	last    netprofile.State
	subs    map[int]func(netprofile.State)
	nextID  int
}

func New(interval time.Duration, log zerolog.Logger) *Source {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Source{
		interval: interval,
		log:      log.With().Str("comp", "netstate").Logger(),
		subs:     map[int]func(netprofile.State){},
	}
}

// Start begins polling. Idempotent.
func (s *Source) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.poll(ctx)
}

func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
}

func (s *Source) State(_ context.Context) (netprofile.State, error) {
	return currentState()
}

func (s *Source) Subscribe(fn func(netprofile.State)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Source) poll(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st, err := currentState()
			if err != nil {
				s.log.Warn().Err(err).Msg("interface poll failed")
				continue
			}
			s.mu.Lock()
			changed := st != s.last
			s.last = st
			fns := make([]func(netprofile.State), 0, len(s.subs))
			for _, fn := range s.subs {
				fns = append(fns, fn)
			}
			s.mu.Unlock()
			if !changed {
				continue
			}
			s.log.Debug().
				Str("type", st.Type).
				Bool("connected", st.Connected).
				Msg("connectivity changed")
			for _, fn := range fns {
				fn(st)
			}
		}
	}
}

func currentState() (netprofile.State, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netprofile.State{}, err
	}
	best := ""
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		t := classify(ifc.Name)
		// Prefer wired over wifi over cellular over unknown.
		if rank(t) > rank(best) {
			best = t
		}
	}
	if best == "" {
		return netprofile.State{Connected: false}, nil
	}
	return netprofile.State{
		Type:              best,
		Connected:         true,
		InternetReachable: true,
		Details: netprofile.Details{
			Expensive: best == "cellular",
		},
	}, nil
}

func classify(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"):
		return "wifi"
	case strings.HasPrefix(n, "ww"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "ccmni"):
		return "cellular"
	case strings.HasPrefix(n, "en"), strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "em"):
		return "ethernet"
	default:
		return "unknown"
	}
}

func rank(t string) int {
	switch t {
	case "ethernet":
		return 4
	case "wifi":
		return 3
	case "cellular":
		return 2
	case "unknown":
		return 1
	default:
		return 0
	}
}
