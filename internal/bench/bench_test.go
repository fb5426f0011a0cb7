package bench

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tcehq/ssodiag/internal/probe"
)

type allowAllValidator struct{}

func (allowAllValidator) Validate(ctx context.Context, rawURL string) error { return nil }
func (allowAllValidator) CheckIP(ip net.IP) error                           { return nil }

func newEngine(t *testing.T) *Engine {
	t.Helper()
	prober := probe.New(probe.Dependencies{Validator: allowAllValidator{}})
	engine, err := NewEngine(Dependencies{Prober: prober, Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func TestRunRejectsZeroCount(t *testing.T) {
	engine := newEngine(t)
	if _, err := engine.Run(context.Background(), probe.Request{URL: "http://example.com"}, 0); err == nil {
		t.Fatalf("expected error for zero count")
	}
	if _, err := engine.Run(context.Background(), probe.Request{URL: "http://example.com"}, -3); err == nil {
		t.Fatalf("expected error for negative count")
	}
}

func TestRunCountsPartition(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if n%2 == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine := newEngine(t)
	summary, err := engine.Run(context.Background(), probe.Request{URL: server.URL, Timeout: 2 * time.Second}, 6)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Count != 6 {
		t.Fatalf("unexpected count: %d", summary.Count)
	}
	if summary.SuccessCount+summary.FailureCount != summary.Count {
		t.Fatalf("counts do not partition: %+v", summary)
	}
	if summary.SuccessCount != 3 || summary.FailureCount != 3 {
		t.Fatalf("unexpected split: %+v", summary)
	}
	if requests.Load() != 6 {
		t.Fatalf("expected 6 sequential requests, server saw %d", requests.Load())
	}
}

func TestRunAllFailuresLeavesStatisticsAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	engine := newEngine(t)
	summary, err := engine.Run(context.Background(), probe.Request{URL: server.URL, Timeout: 2 * time.Second}, 3)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.SuccessCount != 0 || summary.FailureCount != 3 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	for name, field := range map[string]*float64{
		"mean":   summary.MeanMillis,
		"median": summary.MedianMillis,
		"min":    summary.MinMillis,
		"max":    summary.MaxMillis,
		"stddev": summary.StddevMillis,
		"p95":    summary.P95Millis,
		"p99":    summary.P99Millis,
	} {
		if field != nil {
			t.Fatalf("expected %s to be absent with zero successes, got %v", name, *field)
		}
	}
}

func TestRunComputesStatistics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine := newEngine(t)
	summary, err := engine.Run(context.Background(), probe.Request{URL: server.URL, Timeout: 2 * time.Second}, 4)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.SuccessCount != 4 {
		t.Fatalf("expected all successes: %+v", summary)
	}
	for name, field := range map[string]*float64{
		"mean":   summary.MeanMillis,
		"median": summary.MedianMillis,
		"stddev": summary.StddevMillis,
		"p95":    summary.P95Millis,
	} {
		if field == nil {
			t.Fatalf("expected %s to be present", name)
		}
	}
	if *summary.MinMillis > *summary.MaxMillis {
		t.Fatalf("min exceeds max: %+v", summary)
	}
}

func TestNearestRankPercentiles(t *testing.T) {
	samples := []float64{100, 110, 120, 130, 140, 150, 160, 170, 180, 190}
	if got := nearestRank(samples, 95); got != 190 {
		t.Fatalf("p95 of 10 samples should be 190, got %v", got)
	}
	if got := nearestRank(samples, 99); got != 190 {
		t.Fatalf("p99 of 10 samples should be 190, got %v", got)
	}
	if got := nearestRank(samples, 50); got != 140 {
		t.Fatalf("nearest-rank p50 should be 140, got %v", got)
	}
	if got := nearestRank([]float64{42}, 95); got != 42 {
		t.Fatalf("single sample percentile should be the sample, got %v", got)
	}
}

func TestMedianConvention(t *testing.T) {
	if got := median([]float64{100, 110, 120, 130}); got != 115 {
		t.Fatalf("even-count median should average central values, got %v", got)
	}
	if got := median([]float64{100, 110, 120}); got != 110 {
		t.Fatalf("odd-count median should be the central value, got %v", got)
	}
}

func TestPopulationStddev(t *testing.T) {
	got := stddev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if got != 2 {
		t.Fatalf("population stddev should be 2, got %v", got)
	}
}

func TestSummarizeMatchesBenchmarkShape(t *testing.T) {
	summary := Summarize("https://dash.example.com", 5, 2, []float64{10, 20})
	if summary.Count != 5 || summary.SuccessCount != 2 || summary.FailureCount != 3 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if summary.MeanMillis == nil || *summary.MeanMillis != 15 {
		t.Fatalf("unexpected mean: %+v", summary.MeanMillis)
	}
	if summary.MedianMillis == nil || *summary.MedianMillis != 15 {
		t.Fatalf("unexpected median: %+v", summary.MedianMillis)
	}
}
