// Package bench measures endpoint latency with sequential probes. Probes are
// issued one at a time over fresh connections so concurrent contention does
// not distort the samples.
package bench

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/tcehq/ssodiag/internal/probe"
	"github.com/tcehq/ssodiag/pkg/types"
)

const defaultInterval = 100 * time.Millisecond

// Dependencies provides the prober plus optional overrides for testing.
type Dependencies struct {
	Prober   *probe.Prober
	Logger   *log.Logger
	Interval time.Duration
}

// Engine runs fixed-count benchmark loops against a single target.
type Engine struct {
	prober  *probe.Prober
	logger  *log.Logger
	limiter *rate.Limiter
}

func NewEngine(deps Dependencies) (*Engine, error) {
	if deps.Prober == nil {
		return nil, fmt.Errorf("prober is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Engine{
		prober:  deps.Prober,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}, nil
}

// Run issues count sequential probes built from the request template. An
// attempt counts as successful, and contributes its elapsed time to the
// statistics, when the transport succeeded and the status is below 400.
func (e *Engine) Run(ctx context.Context, req probe.Request, count int) (types.BenchmarkSummary, error) {
	if count <= 0 {
		return types.BenchmarkSummary{}, fmt.Errorf("benchmark count must be >= 1, got %d", count)
	}

	summary := types.BenchmarkSummary{Target: req.URL, Count: count}
	samples := make([]float64, 0, count)

	for i := 0; i < count; i++ {
		if i > 0 {
			if err := e.limiter.Wait(ctx); err != nil {
				return types.BenchmarkSummary{}, fmt.Errorf("benchmark interrupted: %w", err)
			}
		}

		resp := e.prober.Do(ctx, req)
		if attemptSucceeded(resp.Result) {
			summary.SuccessCount++
			samples = append(samples, resp.Result.Timings.TotalMillis)
		} else {
			summary.FailureCount++
			e.logger.Printf("benchmark attempt %d/%d failed: %s %s", i+1, count, resp.Result.Cause, resp.Result.Detail)
		}
	}

	fillStatistics(&summary, samples)
	return summary, nil
}

func attemptSucceeded(result types.ProbeResult) bool {
	return result.Success && result.StatusCode < 400
}

// Summarize builds a BenchmarkSummary from pre-collected samples. The session
// prober reuses it so its statistics match the benchmark shape exactly.
func Summarize(target string, count, successCount int, samples []float64) types.BenchmarkSummary {
	summary := types.BenchmarkSummary{
		Target:       target,
		Count:        count,
		SuccessCount: successCount,
		FailureCount: count - successCount,
	}
	fillStatistics(&summary, samples)
	return summary
}

func fillStatistics(summary *types.BenchmarkSummary, samples []float64) {
	if len(samples) == 0 {
		return
	}

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	summary.MeanMillis = ptr(mean(sorted))
	summary.MedianMillis = ptr(median(sorted))
	summary.MinMillis = ptr(sorted[0])
	summary.MaxMillis = ptr(sorted[len(sorted)-1])
	summary.StddevMillis = ptr(stddev(sorted))
	summary.P95Millis = ptr(nearestRank(sorted, 95))
	summary.P99Millis = ptr(nearestRank(sorted, 99))
}

func mean(samples []float64) float64 {
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// median averages the two central values on an even count.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// stddev uses the population formula.
func stddev(samples []float64) float64 {
	m := mean(samples)
	var sum float64
	for _, s := range samples {
		d := s - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// nearestRank picks index ceil(p/100 * n) - 1 into the ascending sample set,
// clamped to the valid range.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

func ptr(v float64) *float64 {
	return &v
}
