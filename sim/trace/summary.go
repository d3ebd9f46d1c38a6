package trace

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// TraceSummary aggregates throughput and latency statistics from a
// SchedulerTrace, following the shape of vLLM's benchmark_serving.py
// percentile report (mean/p50/p90/p99 over TTFT and TPOT) but computed with
// gonum/stat rather than hand-rolled percentile math.
type TraceSummary struct {
	TotalIterations   int
	MeanBatchedTokens float64
	MeanNumRunning    float64
	MaxNumWaiting     int
	TotalPreempted    int

	MeanTTFT, P50TTFT, P90TTFT, P99TTFT float64
	MeanTPOT, P50TPOT, P90TPOT, P99TPOT float64
}

// Summarize computes aggregate statistics from a SchedulerTrace. Safe for
// nil or empty traces (returns zero-value fields).
func Summarize(t *SchedulerTrace) *TraceSummary {
	summary := &TraceSummary{}
	if t == nil {
		return summary
	}

	summary.TotalIterations = len(t.Iterations)
	if len(t.Iterations) > 0 {
		tokens := make([]float64, len(t.Iterations))
		running := make([]float64, len(t.Iterations))
		for i, it := range t.Iterations {
			tokens[i] = float64(it.NumBatchedTokens)
			running[i] = float64(it.NumRunning)
			if it.NumWaiting > summary.MaxNumWaiting {
				summary.MaxNumWaiting = it.NumWaiting
			}
			summary.TotalPreempted += it.NumPreempted
		}
		summary.MeanBatchedTokens = stat.Mean(tokens, nil)
		summary.MeanNumRunning = stat.Mean(running, nil)
	}

	var ttfts, tpots []float64
	for _, r := range t.Requests {
		if r.HasFirstToken {
			ttfts = append(ttfts, float64(r.TimeToFirstToken))
		}
		for _, d := range r.InterTokenLatencies {
			tpots = append(tpots, float64(d))
		}
	}
	summary.MeanTTFT, summary.P50TTFT, summary.P90TTFT, summary.P99TTFT = quantiles(ttfts)
	summary.MeanTPOT, summary.P50TPOT, summary.P90TPOT, summary.P99TPOT = quantiles(tpots)
	return summary
}

// quantiles sorts samples ascending (stat.Quantile's precondition) and
// returns mean, p50, p90, p99. Empty input yields all zeros.
func quantiles(samples []float64) (mean, p50, p90, p99 float64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0
	}
	sort.Float64s(samples)
	mean = stat.Mean(samples, nil)
	p50 = stat.Quantile(0.5, stat.Empirical, samples, nil)
	p90 = stat.Quantile(0.9, stat.Empirical, samples, nil)
	p99 = stat.Quantile(0.99, stat.Empirical, samples, nil)
	return mean, p50, p90, p99
}
