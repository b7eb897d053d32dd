package analytics

import (
	"sort"
	"time"
)

// Time-of-day buckets for failure patterns. Weekend wins over hour-of-day.
const (
	bucketMorning   = "morning"
	bucketAfternoon = "afternoon"
	bucketEvening   = "evening"
	bucketNight     = "night"
	bucketWeekend   = "weekend"
)

func timeBucket(t time.Time) string {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return bucketWeekend
	}
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return bucketMorning
	case h >= 12 && h < 17:
		return bucketAfternoon
	case h >= 17 && h < 22:
		return bucketEvening
	default:
		return bucketNight
	}
}

func patternKey(ft FailureType, bucket, context string) string {
	return string(ft) + "|" + bucket + "|" + context
}

// recordFailure updates the entry's pattern table, evicting the least
// frequent pattern when the per-entry cap is exceeded. The table never
// holds more than maxPatterns entries, so the scan stays O(cap).
func (e *entry) recordFailure(ft FailureType, context string, at time.Time, maxPatterns int) {
	bucket := timeBucket(at)
	key := patternKey(ft, bucket, context)

	if p, ok := e.patterns[key]; ok {
		p.Frequency++
		p.LastOccurrence = at
		return
	}
	e.patterns[key] = &FailurePattern{
		Type:           ft,
		TimePattern:    bucket,
		Context:        context,
		Frequency:      1,
		LastOccurrence: at,
	}
	if len(e.patterns) <= maxPatterns {
		return
	}
	var worstKey string
	worstFreq := -1
	for k, p := range e.patterns {
		if worstFreq == -1 || p.Frequency < worstFreq ||
			(p.Frequency == worstFreq && p.LastOccurrence.Before(e.patterns[worstKey].LastOccurrence)) {
			worstKey, worstFreq = k, p.Frequency
		}
	}
	delete(e.patterns, worstKey)
}

// sortedPatterns returns the entry's patterns as copies, descending by
// frequency (most recent first on ties).
func (e *entry) sortedPatterns() []FailurePattern {
	if len(e.patterns) == 0 {
		return nil
	}
	out := make([]FailurePattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		out = append(out, *p)
	}
	sortPatterns(out)
	return out
}

func sortPatterns(ps []FailurePattern) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Frequency != ps[j].Frequency {
			return ps[i].Frequency > ps[j].Frequency
		}
		return ps[i].LastOccurrence.After(ps[j].LastOccurrence)
	})
}
