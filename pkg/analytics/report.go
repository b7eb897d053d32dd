package analytics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"netadapt/pkg/netprofile"
)

// NetworkBreakdown is one signature's row in a performance report.
type NetworkBreakdown struct {
	Signature        string
	SampleCount      int
	SuccessRate      float64
	AvgLatency       time.Duration
	OptimalHeartbeat time.Duration
}

// Report is a point-in-time performance summary.
type Report struct {
	ID                    string
	GeneratedAt           time.Time
	TotalSamples          int
	OverallSuccessRate    float64
	Networks              []NetworkBreakdown
	TopFailures           []FailurePattern
	Recommendations       []string
	LearningEffectiveness float64
	ModelAccuracy         float64
}

const reportTopFailures = 10

// Report builds a performance report over all tracked signatures. The
// overall success rate is count-weighted; failure patterns are aggregated
// across signatures and capped at the top 10 by frequency.
func (a *Analytics) Report() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := Report{
		ID:            uuid.NewString(),
		GeneratedAt:   time.Now(),
		ModelAccuracy: a.model.Accuracy(),
	}

	var weightedSuccess float64
	aggregated := map[string]*FailurePattern{}
	var effectSum float64
	effectN := 0

	for _, e := range a.entries {
		r.TotalSamples += e.sampleCount
		weightedSuccess += e.successRate * float64(e.sampleCount)

		r.Networks = append(r.Networks, NetworkBreakdown{
			Signature:        e.signature,
			SampleCount:      e.sampleCount,
			SuccessRate:      e.successRate,
			AvgLatency:       time.Duration(e.avgLatencyMs) * time.Millisecond,
			OptimalHeartbeat: e.optimalHeartbeat,
		})

		for key, p := range e.patterns {
			if agg, ok := aggregated[key]; ok {
				agg.Frequency += p.Frequency
				if p.LastOccurrence.After(agg.LastOccurrence) {
					agg.LastOccurrence = p.LastOccurrence
				}
			} else {
				cp := *p
				aggregated[key] = &cp
			}
		}

		if e.firstCaptured && e.sampleCount >= a.cfg.LearningThreshold {
			effectSum += e.successRate - e.firstSuccessRate
			effectN++
		}
	}

	if r.TotalSamples > 0 {
		r.OverallSuccessRate = weightedSuccess / float64(r.TotalSamples)
	}
	if effectN > 0 {
		r.LearningEffectiveness = effectSum / float64(effectN)
	}

	sort.Slice(r.Networks, func(i, j int) bool {
		if r.Networks[i].SampleCount != r.Networks[j].SampleCount {
			return r.Networks[i].SampleCount > r.Networks[j].SampleCount
		}
		return r.Networks[i].Signature < r.Networks[j].Signature
	})

	for _, p := range aggregated {
		r.TopFailures = append(r.TopFailures, *p)
	}
	sortPatterns(r.TopFailures)
	if len(r.TopFailures) > reportTopFailures {
		r.TopFailures = r.TopFailures[:reportTopFailures]
	}

	r.Recommendations = a.recommendationsLocked(r)
	return r
}

// recommendationsLocked applies the rule set over the aggregated view.
// Degraded or empty data still yields a usable fallback message.
func (a *Analytics) recommendationsLocked(r Report) []string {
	var recs []string

	if r.TotalSamples > 0 && r.OverallSuccessRate < 0.8 {
		recs = append(recs, fmt.Sprintf(
			"Overall success rate is %.0f%%; consider more conservative timeouts and retry settings.",
			r.OverallSuccessRate*100))
	}

	var failureTotal, timeouts, netErrs int
	for _, p := range r.TopFailures {
		failureTotal += p.Frequency
		switch p.Type {
		case FailureTimeout:
			timeouts += p.Frequency
		case FailureNetwork:
			netErrs += p.Frequency
		}
	}

	for _, e := range a.entries {
		if e.sampleCount < a.cfg.LearningThreshold {
			continue
		}
		sig := e.signature
		switch {
		case strings.HasPrefix(sig, string(netprofile.TypeCellular)) && e.successRate < 0.7:
			recs = append(recs, "Cellular connectivity is unreliable; prefer longer heartbeat intervals and polling-first transport ordering.")
		case strings.HasPrefix(sig, string(netprofile.TypeWifi)) && e.avgLatencyMs > 500:
			recs = append(recs, "Wifi latency is high; check for access point congestion or captive portals.")
		}
	}

	if failureTotal > 0 {
		if float64(timeouts)/float64(failureTotal) > 0.3 {
			recs = append(recs, "Timeouts dominate recent failures; widen connection timeouts before raising retry counts.")
		}
		if float64(netErrs)/float64(failureTotal) > 0.3 {
			recs = append(recs, "Network errors dominate recent failures; enable aggressive backoff between attempts.")
		}
	}

	if a.model.trained >= a.cfg.LearningThreshold && r.ModelAccuracy < 0.5 {
		recs = append(recs, "Prediction model accuracy is low; learned heartbeat settings may lag real conditions.")
	}

	for _, e := range a.entries {
		if e.batterySamples > 0 && e.batteryImpact > 1.0 {
			recs = append(recs, "High battery impact observed; consider the battery_saver heartbeat profile on metered networks.")
			break
		}
	}

	if len(recs) == 0 {
		recs = append(recs, "Connection performance looks healthy; no tuning changes recommended.")
	}
	return dedupe(recs)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
