// Package supervisor runs named goroutines under a shared context with
// panic recovery and graceful, timeout-aware shutdown.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor manages goroutines tied to a shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log zerolog.Logger
	wg  sync.WaitGroup

	started atomic.Uint64
	active  atomic.Int64
	panics  atomic.Uint64
}

// Counters exposes best-effort goroutine counters. Operational signals
// only, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
	Panics  uint64 `json:"panics"`
}

func New(parent context.Context, log zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("comp", "supervisor").Logger(),
	}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Go starts a named goroutine with panic recovery. A panicking goroutine
// is logged with its stack and does not take the process down.
func (s *Supervisor) Go(name string, fn func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				s.log.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprint(r)).
					Str("stack", string(debug.Stack())).
					Msg("goroutine panicked")
			}
			s.active.Add(-1)
			s.wg.Done()
			s.log.Trace().
				Str("goroutine", name).
				Dur("runtime", time.Since(start)).
				Msg("goroutine stopped")
		}()
		fn()
	}()
}

// GoCtx is Go for functions that take the supervisor context.
func (s *Supervisor) GoCtx(name string, fn func(ctx context.Context)) {
	s.Go(name, func() { fn(s.ctx) })
}

// Stop cancels the shared context and waits up to timeout for goroutines
// to drain. Returns false if the wait timed out.
func (s *Supervisor) Stop(timeout time.Duration) bool {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		s.log.Warn().
			Int64("active", s.active.Load()).
			Msg("shutdown timed out waiting for goroutines")
		return false
	}
}

func (s *Supervisor) Counters() Counters {
	return Counters{
		Active:  s.active.Load(),
		Started: s.started.Load(),
		Panics:  s.panics.Load(),
	}
}
