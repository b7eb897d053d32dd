package analytics

import (
	"context"
	"time"

	"netadapt/pkg/netprofile"
)

// FailureType classifies an unsuccessful connection attempt.
type FailureType string

const (
	FailureTimeout FailureType = "timeout"
	FailureNetwork FailureType = "network_error"
	FailureServer  FailureType = "server_error"
)

// Event is one observed connection or heartbeat outcome, created by the
// transport layer and consumed exactly once by Record. Optional fields may
// be left zero/nil; a missing latency means "no sample", never zero.
type Event struct {
	Profile           *netprofile.Profile
	Success           bool
	Latency           *time.Duration
	FailureType       FailureType
	Context           string
	HeartbeatInterval time.Duration
	Timestamp         time.Time
	DataUsed          int64
	BatteryDelta      float64
}

// FailurePattern aggregates failures of one kind at one time-of-day bucket.
type FailurePattern struct {
	Type           FailureType `json:"type"`
	TimePattern    string      `json:"time_pattern"`
	Context        string      `json:"context,omitempty"`
	Frequency      int         `json:"frequency"`
	LastOccurrence time.Time   `json:"last_occurrence"`
}

// Metrics is the externally visible rolling state for one profile
// signature. Getters return copies; mutating a Metrics value has no effect
// on internal state.
type Metrics struct {
	Signature        string
	AvgLatency       time.Duration
	SuccessRate      float64
	FailurePatterns  []FailurePattern
	OptimalHeartbeat time.Duration
	SampleCount      int
	LastUpdated      time.Time
	DataUsage        int64
	BatteryImpact    float64
	TimeOfDayScore   float64
}

// RetryStrategy is the retry portion of OptimalSettings.
type RetryStrategy struct {
	MaxRetries        int
	BackoffMultiplier float64
}

// Settings is the tuned parameter bundle for a profile, either statically
// derived (below the learning threshold) or model-predicted.
type Settings struct {
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	RetryStrategy     RetryStrategy
	TransportPriority []string
}

// BucketStat tracks per-time-of-day success for one signature.
type BucketStat struct {
	Samples     int     `json:"samples"`
	SuccessRate float64 `json:"success_rate"`
}

// EntrySnapshot is the serialized form of one signature's metrics.
type EntrySnapshot struct {
	Signature        string                `json:"signature"`
	AvgLatencyMs     float64               `json:"avg_latency_ms"`
	LatencySamples   int                   `json:"latency_samples"`
	SuccessRate      float64               `json:"success_rate"`
	SampleCount      int                   `json:"sample_count"`
	FirstSuccessRate float64               `json:"first_success_rate"`
	FirstCaptured    bool                  `json:"first_captured"`
	LastUpdated      time.Time             `json:"last_updated"`
	DataUsage        int64                 `json:"data_usage"`
	BatteryImpact    float64               `json:"battery_impact"`
	BatterySamples   int                   `json:"battery_samples"`
	OptimalHeartbeat time.Duration         `json:"optimal_heartbeat"`
	Patterns         []FailurePattern      `json:"patterns,omitempty"`
	Buckets          map[string]BucketStat `json:"buckets,omitempty"`
}

// Snapshot is the persistable state of the analytics engine.
type Snapshot struct {
	Entries []EntrySnapshot `json:"entries"`
	Weights []float64       `json:"weights"`
	Bias    float64         `json:"bias"`
	SavedAt time.Time       `json:"saved_at"`
}

// Store persists analytics snapshots. Implementations live outside this
// package (in-memory, SQLite); the engine calls them opportunistically and
// never assumes a call succeeds. Load returning (nil, nil) means "nothing
// persisted yet".
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, s *Snapshot) error
}
