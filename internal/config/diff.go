package config

import (
	"reflect"
	"sort"
)

// SummarizeChange returns the sorted list of top-level sections that
// differ between two config snapshots. Used only for reload logging, so
// it compares whole sections rather than individual fields.
func SummarizeChange(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
	}
	if !reflect.DeepEqual(oldCfg.Profiler, newCfg.Profiler) {
		changed = append(changed, "profiler")
	}
	if oldCfg.Analytics != newCfg.Analytics {
		changed = append(changed, "analytics")
	}
	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
	}
	if oldCfg.Cleaner != newCfg.Cleaner {
		changed = append(changed, "cleaner")
	}
	if oldCfg.Timeout != newCfg.Timeout {
		changed = append(changed, "timeout")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}

	sort.Strings(changed)
	return changed
}
