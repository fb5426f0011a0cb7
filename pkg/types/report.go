package types

import "time"

// BenchmarkSummary aggregates a sequence of probe attempts against one target.
// Statistics are computed over successful attempts only; the pointer fields are
// nil, not zero, when no attempt succeeded.
type BenchmarkSummary struct {
	Target       string   `json:"target" yaml:"target"`
	Count        int      `json:"count" yaml:"count"`
	SuccessCount int      `json:"success_count" yaml:"success_count"`
	FailureCount int      `json:"failure_count" yaml:"failure_count"`
	MeanMillis   *float64 `json:"mean_ms,omitempty" yaml:"mean_ms,omitempty"`
	MedianMillis *float64 `json:"median_ms,omitempty" yaml:"median_ms,omitempty"`
	MinMillis    *float64 `json:"min_ms,omitempty" yaml:"min_ms,omitempty"`
	MaxMillis    *float64 `json:"max_ms,omitempty" yaml:"max_ms,omitempty"`
	StddevMillis *float64 `json:"stddev_ms,omitempty" yaml:"stddev_ms,omitempty"`
	P95Millis    *float64 `json:"p95_ms,omitempty" yaml:"p95_ms,omitempty"`
	P99Millis    *float64 `json:"p99_ms,omitempty" yaml:"p99_ms,omitempty"`
}

// DiagnosticReport is the top-level artifact of a diagnostic run. The
// aggregator exclusively owns construction; callers treat it as a value.
type DiagnosticReport struct {
	ReportID      string                    `json:"report_id" yaml:"report_id"`
	Timestamp     time.Time                 `json:"timestamp" yaml:"timestamp"`
	OverallStatus Severity                  `json:"overall_status" yaml:"overall_status"`
	Groups        map[Category][]CheckResult `json:"groups" yaml:"groups"`
}

// Results flattens the report groups in the fixed category order.
func (r DiagnosticReport) Results() []CheckResult {
	var out []CheckResult
	for _, cat := range CategoryOrder {
		out = append(out, r.Groups[cat]...)
	}
	return out
}
