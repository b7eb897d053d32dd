// Package strategy maps a network profile to the connection policy bundle
// (timeouts, retry policy, heartbeat profile) a transport should apply.
//
// Resolution is a pure lookup plus deterministic adjustment rules: the same
// profile always yields the same strategy.
package strategy

import (
	"fmt"
	"time"

	"netadapt/pkg/netprofile"
)

// HeartbeatProfile names the keep-alive behavior a transport should use.
type HeartbeatProfile string

const (
	HeartbeatStandard     HeartbeatProfile = "standard"
	HeartbeatAggressive   HeartbeatProfile = "aggressive"
	HeartbeatCorporate    HeartbeatProfile = "corporate"
	HeartbeatBatterySaver HeartbeatProfile = "battery_saver"
)

// Timeouts is the timeout bundle of a strategy.
type Timeouts struct {
	Connection time.Duration
	Heartbeat  time.Duration
	Retry      time.Duration
}

// Retry is the retry policy of a strategy.
type Retry struct {
	MaxAttempts       int
	BackoffMultiplier float64
	BaseDelay         time.Duration
}

// Strategy is the policy bundle derived from a NetworkProfile.
type Strategy struct {
	Timeouts         Timeouts
	Retry            Retry
	HeartbeatProfile HeartbeatProfile
}

// KeyCorporateRestricted selects the corporate-proxy entry. The profiler
// cannot detect corporate proxies on its own; transports that know they sit
// behind one look this up explicitly via Lookup.
const KeyCorporateRestricted = "corporate-restricted"

const keyUnknownDefault = "unknown-default"

// baseTable is static configuration data. Adjustment rules in Resolve widen
// or tighten these entries; the table itself is never mutated.
var baseTable = map[string]Strategy{
	"wifi-excellent": {
		Timeouts:         Timeouts{Connection: 8 * time.Second, Heartbeat: 25 * time.Second, Retry: 10 * time.Second},
		Retry:            Retry{MaxAttempts: 3, BackoffMultiplier: 1.5, BaseDelay: time.Second},
		HeartbeatProfile: HeartbeatStandard,
	},
	"wifi-good": {
		Timeouts:         Timeouts{Connection: 10 * time.Second, Heartbeat: 30 * time.Second, Retry: 12 * time.Second},
		Retry:            Retry{MaxAttempts: 4, BackoffMultiplier: 1.5, BaseDelay: time.Second},
		HeartbeatProfile: HeartbeatStandard,
	},
	"wifi-poor": {
		Timeouts:         Timeouts{Connection: 15 * time.Second, Heartbeat: 20 * time.Second, Retry: 15 * time.Second},
		Retry:            Retry{MaxAttempts: 5, BackoffMultiplier: 2.0, BaseDelay: 2 * time.Second},
		HeartbeatProfile: HeartbeatAggressive,
	},
	"cellular-excellent": {
		Timeouts:         Timeouts{Connection: 10 * time.Second, Heartbeat: 30 * time.Second, Retry: 12 * time.Second},
		Retry:            Retry{MaxAttempts: 4, BackoffMultiplier: 1.5, BaseDelay: 1500 * time.Millisecond},
		HeartbeatProfile: HeartbeatStandard,
	},
	"cellular-good": {
		Timeouts:         Timeouts{Connection: 12 * time.Second, Heartbeat: 35 * time.Second, Retry: 15 * time.Second},
		Retry:            Retry{MaxAttempts: 5, BackoffMultiplier: 2.0, BaseDelay: 2 * time.Second},
		HeartbeatProfile: HeartbeatStandard,
	},
	"cellular-poor": {
		Timeouts:         Timeouts{Connection: 20 * time.Second, Heartbeat: 15 * time.Second, Retry: 20 * time.Second},
		Retry:            Retry{MaxAttempts: 6, BackoffMultiplier: 2.5, BaseDelay: 3 * time.Second},
		HeartbeatProfile: HeartbeatAggressive,
	},
	"ethernet-excellent": {
		Timeouts:         Timeouts{Connection: 6 * time.Second, Heartbeat: 30 * time.Second, Retry: 8 * time.Second},
		Retry:            Retry{MaxAttempts: 3, BackoffMultiplier: 1.5, BaseDelay: time.Second},
		HeartbeatProfile: HeartbeatStandard,
	},
	"ethernet-good": {
		Timeouts:         Timeouts{Connection: 8 * time.Second, Heartbeat: 30 * time.Second, Retry: 10 * time.Second},
		Retry:            Retry{MaxAttempts: 3, BackoffMultiplier: 1.5, BaseDelay: time.Second},
		HeartbeatProfile: HeartbeatStandard,
	},
	"ethernet-poor": {
		Timeouts:         Timeouts{Connection: 12 * time.Second, Heartbeat: 25 * time.Second, Retry: 12 * time.Second},
		Retry:            Retry{MaxAttempts: 4, BackoffMultiplier: 2.0, BaseDelay: 2 * time.Second},
		HeartbeatProfile: HeartbeatStandard,
	},
	KeyCorporateRestricted: {
		Timeouts:         Timeouts{Connection: 15 * time.Second, Heartbeat: 60 * time.Second, Retry: 20 * time.Second},
		Retry:            Retry{MaxAttempts: 5, BackoffMultiplier: 2.0, BaseDelay: 2 * time.Second},
		HeartbeatProfile: HeartbeatCorporate,
	},
	keyUnknownDefault: {
		Timeouts:         Timeouts{Connection: 15 * time.Second, Heartbeat: 30 * time.Second, Retry: 15 * time.Second},
		Retry:            Retry{MaxAttempts: 4, BackoffMultiplier: 2.0, BaseDelay: 2 * time.Second},
		HeartbeatProfile: HeartbeatStandard,
	},
}

// Catalog resolves strategies from the static table. It carries no mutable
// state; a single instance can be shared freely.
type Catalog struct {
	table map[string]Strategy
}

// Default returns a catalog backed by the built-in table.
func Default() *Catalog {
	return &Catalog{table: baseTable}
}

// Lookup returns the raw table entry for a key, without adjustments.
func (c *Catalog) Lookup(key string) (Strategy, bool) {
	s, ok := c.table[key]
	return s, ok
}

// Resolve maps a profile to a strategy:
//
//  1. table entry by "{type}-{quality}", falling back to "{type}-good",
//     then to the unknown default
//  2. stability adjustment
//  3. cellular generation adjustment
func (c *Catalog) Resolve(p *netprofile.Profile) Strategy {
	if p == nil {
		return c.table[keyUnknownDefault]
	}

	s, ok := c.table[fmt.Sprintf("%s-%s", p.Type, p.Quality)]
	if !ok {
		s, ok = c.table[fmt.Sprintf("%s-good", p.Type)]
	}
	if !ok {
		s = c.table[keyUnknownDefault]
	}

	s = adjustForStability(s, p.Stability)
	if p.Type == netprofile.TypeCellular {
		s = adjustForGeneration(s, p.Generation)
	}
	return s
}

func adjustForStability(s Strategy, stability float64) Strategy {
	switch {
	case stability < 0.5:
		s.Timeouts.Connection = scale(s.Timeouts.Connection, 1.3, 15*time.Second, 0)
		s.Retry.MaxAttempts = min(s.Retry.MaxAttempts+2, 8)
		s.Retry.BackoffMultiplier = min(s.Retry.BackoffMultiplier*1.2, 3.0)
		s.HeartbeatProfile = HeartbeatAggressive
	case stability > 0.9:
		s.Timeouts.Connection = scale(s.Timeouts.Connection, 0.8, 5*time.Second, 0)
		s.Timeouts.Heartbeat = scale(s.Timeouts.Heartbeat, 1.2, 0, 40*time.Second)
	}
	return s
}

func adjustForGeneration(s Strategy, gen string) Strategy {
	switch gen {
	case "3g":
		s.Timeouts.Connection = scale(s.Timeouts.Connection, 1.5, 20*time.Second, 0)
		s.Timeouts.Heartbeat = scale(s.Timeouts.Heartbeat, 0.8, 15*time.Second, 0)
		s.Retry.MaxAttempts = min(s.Retry.MaxAttempts+1, 7)
		s.HeartbeatProfile = HeartbeatAggressive
	case "5g":
		s.Timeouts.Connection = scale(s.Timeouts.Connection, 0.8, 6*time.Second, 0)
		s.Timeouts.Heartbeat = scale(s.Timeouts.Heartbeat, 1.1, 0, 35*time.Second)
	}
	return s
}

// scale multiplies a duration and applies an optional floor and/or ceiling
// (zero disables the bound).
func scale(d time.Duration, factor float64, floor, ceil time.Duration) time.Duration {
	out := time.Duration(float64(d) * factor)
	if floor > 0 && out < floor {
		out = floor
	}
	if ceil > 0 && out > ceil {
		out = ceil
	}
	return out
}

// ProfileWatcher is the slice of the profiler the catalog needs for
// enriched subscriptions.
type ProfileWatcher interface {
	AddListener(netprofile.Listener) (unsubscribe func())
}

// Subscribe attaches to a profiler and delivers (profile, strategy) pairs,
// resolving the strategy for every profile change.
func (c *Catalog) Subscribe(w ProfileWatcher, fn func(*netprofile.Profile, Strategy)) (unsubscribe func()) {
	return w.AddListener(func(p *netprofile.Profile) {
		fn(p, c.Resolve(p))
	})
}
