package netprofile

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"
)

// DefaultProbeEndpoints are lightweight beacons used purely for latency
// timing, never for payload data.
var DefaultProbeEndpoints = []string{
	"https://www.gstatic.com/generate_204",
	"https://www.cloudflare.com/cdn-cgi/trace",
	"https://www.apple.com/library/test/success.html",
}

// ProbeResult is the outcome of a single latency probe.
type ProbeResult struct {
	Endpoint string
	Success  bool
	Latency  time.Duration
	Err      error
}

// Probe fires one HEAD request per endpoint concurrently and waits for all
// of them. A failing or timed-out probe becomes a Success=false result; the
// slice always has len(endpoints) entries and the call never returns an
// error itself.
func Probe(ctx context.Context, client *http.Client, endpoints []string, timeout time.Duration) []ProbeResult {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	results := make([]ProbeResult, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep string) {
			defer wg.Done()
			results[i] = probeOne(ctx, client, ep, timeout)
		}(i, ep)
	}
	wg.Wait()
	return results
}

func probeOne(ctx context.Context, client *http.Client, endpoint string, timeout time.Duration) ProbeResult {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return ProbeResult{Endpoint: endpoint, Err: err}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{Endpoint: endpoint, Err: err}
	}
	_ = resp.Body.Close()

	return ProbeResult{
		Endpoint: endpoint,
		Success:  resp.StatusCode < 500,
		Latency:  time.Since(start),
	}
}

// probeSample is one entry in the profiler's rolling probe history.
type probeSample struct {
	success bool
	latency time.Duration
}

// stabilityScore blends recent probe success rate with latency variance:
// 0.6*successRate + 0.4*max(0, 1-stddev/mean).
func stabilityScore(history []probeSample) float64 {
	if len(history) == 0 {
		return 0
	}

	successes := 0
	var latencies []float64
	for _, s := range history {
		if s.success {
			successes++
			latencies = append(latencies, float64(s.latency.Milliseconds()))
		}
	}
	successRate := float64(successes) / float64(len(history))

	latencyStability := 0.0
	if mean, stddev, ok := meanStddev(latencies); ok && mean > 0 {
		latencyStability = math.Max(0, 1-stddev/mean)
	}

	return 0.6*successRate + 0.4*latencyStability
}

func meanStddev(vals []float64) (mean, stddev float64, ok bool) {
	if len(vals) == 0 {
		return 0, 0, false
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean = sum / float64(len(vals))

	var variance float64
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))
	return mean, math.Sqrt(variance), true
}
