package netprofile

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Type is the simplified connection type used for strategy selection and
// metrics bucketing.
type Type string

const (
	TypeWifi     Type = "wifi"
	TypeCellular Type = "cellular"
	TypeEthernet Type = "ethernet"
	TypeUnknown  Type = "unknown"
)

// Quality classifies measured latency against fixed thresholds.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityUnknown   Quality = "unknown"
)

// Profile is an immutable snapshot of current network conditions.
// A new detection supersedes the previous snapshot; snapshots are never
// mutated in place.
type Profile struct {
	Type              Type
	Quality           Quality
	Stability         float64 // [0,1], blended probe success rate + latency variance
	Strength          *int    // signal strength when the platform reports it
	Expensive         bool    // metered connection
	Generation        string  // cellular generation tag ("3g"/"4g"/"5g"), empty otherwise
	InternetReachable bool
	DetectedAt        time.Time
}

// Signature identifies the (type, quality, expensive) bucket this profile
// falls into. Analytics aggregates metrics per signature.
func (p *Profile) Signature() string {
	if p == nil {
		return fmt.Sprintf("%s-%s-false", TypeUnknown, QualityUnknown)
	}
	return fmt.Sprintf("%s-%s-%t", p.Type, p.Quality, p.Expensive)
}

// Clone returns a copy safe to hand to callers.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Strength != nil {
		v := *p.Strength
		cp.Strength = &v
	}
	return &cp
}

// State is the raw connectivity report from the platform source.
type State struct {
	Type              string // platform connection type, mapped via MapType
	Connected         bool
	InternetReachable bool
	Details           Details
}

// Details carries optional platform-specific fields.
type Details struct {
	Strength           *int
	CellularGeneration string
	Expensive          bool
}

// ConnectivitySource abstracts the platform connectivity API.
//
// Subscribe must deliver the unsubscribe func before any callback fires.
type ConnectivitySource interface {
	State(ctx context.Context) (State, error)
	Subscribe(fn func(State)) (unsubscribe func())
}

// MapType reduces a platform connection type to the simplified enum.
func MapType(raw string) Type {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "wifi", "wi-fi", "wlan":
		return TypeWifi
	case "cellular", "mobile", "wwan":
		return TypeCellular
	case "ethernet", "wired", "lan":
		return TypeEthernet
	default:
		return TypeUnknown
	}
}
