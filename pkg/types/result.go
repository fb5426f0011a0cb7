package types

// CheckResult is a single diagnostic observation.
//
// Details is an open string-keyed map of scalar values. Keys produced by the
// engine and relied on by its tests include: response_time_ms, status_code,
// ssl_version, cipher, dns_ms, tcp_connect_time_ms, decoded_length, host,
// port, url, stable, summary, match_count, truncated.
type CheckResult struct {
	Category       Category       `json:"category" yaml:"category"`
	Name           string         `json:"name" yaml:"name"`
	Severity       Severity       `json:"severity" yaml:"severity"`
	Message        string         `json:"message" yaml:"message"`
	Recommendation string         `json:"recommendation,omitempty" yaml:"recommendation,omitempty"`
	Details        map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// MaxSeverity returns the dominant severity across results, SeveritySuccess
// when the set is empty.
func MaxSeverity(results []CheckResult) Severity {
	max := SeveritySuccess
	for _, r := range results {
		if r.Severity > max {
			max = r.Severity
		}
	}
	return max
}
