package netprofile

import (
	"context"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// DeepProbeResult is the outcome of a speedtest-server latency sweep.
type DeepProbeResult struct {
	Quality    Quality
	AvgLatency time.Duration
	Servers    int
}

// DeepProbe refines quality classification by pinging a few nearby speedtest
// servers instead of the fixed HTTP beacons. It is meant for on-demand use
// (e.g. when beacon probes disagree), not for the debounced detection path:
// it is slower and noticeably heavier on the network.
//
// On failure callers should fall back to the beacon-derived quality.
func (p *Profiler) DeepProbe(ctx context.Context, maxServers int) (DeepProbeResult, error) {
	if maxServers <= 0 {
		maxServers = 3
	}

	// Avoid package-level speedtest helpers; speedtest-go can keep
	// package-level state between runs.
	stc := st.New()

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return DeepProbeResult{Quality: QualityUnknown}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return DeepProbeResult{Quality: QualityUnknown}, fmt.Errorf("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if maxServers > len(servers) {
		maxServers = len(servers)
	}

	var sum time.Duration
	pinged := 0
	for _, s := range servers[:maxServers] {
		if err := ctx.Err(); err != nil {
			return DeepProbeResult{Quality: QualityUnknown}, err
		}
		if err := s.PingTestContext(ctx, nil); err != nil {
			p.log.Debug().Err(err).Str("server", s.Host).Msg("deep probe ping failed")
			continue
		}
		if s.Latency <= 0 {
			continue
		}
		sum += s.Latency
		pinged++
	}
	if pinged == 0 {
		return DeepProbeResult{Quality: QualityUnknown}, fmt.Errorf("all latency tests failed")
	}

	avg := sum / time.Duration(pinged)
	res := DeepProbeResult{AvgLatency: avg, Servers: pinged}
	th := p.cfg.Thresholds
	switch {
	case avg < th.Excellent:
		res.Quality = QualityExcellent
	case avg < th.Good:
		res.Quality = QualityGood
	case avg < th.Poor:
		res.Quality = QualityPoor
	default:
		res.Quality = QualityUnknown
	}
	return res, nil
}
