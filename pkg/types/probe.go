package types

// ErrorCause classifies a failed probe attempt.
type ErrorCause string

const (
	CauseTimeout           ErrorCause = "timeout"
	CauseTLS               ErrorCause = "tls"
	CauseConnectionRefused ErrorCause = "connection_refused"
	CauseDNS               ErrorCause = "dns"
	CauseRejected          ErrorCause = "rejected"
	CauseGeneric           ErrorCause = "generic"
)

// PhaseTimings breaks one HTTP attempt down by connection phase. A nil field
// means the phase did not occur (reused lookup, plain HTTP, rejected input).
type PhaseTimings struct {
	DNSMillis     *float64 `json:"dns_ms,omitempty" yaml:"dns_ms,omitempty"`
	ConnectMillis *float64 `json:"connect_ms,omitempty" yaml:"connect_ms,omitempty"`
	TLSMillis     *float64 `json:"tls_ms,omitempty" yaml:"tls_ms,omitempty"`
	TotalMillis   float64  `json:"total_ms" yaml:"total_ms"`
}

// ProbeResult is the outcome of a single timed HTTP attempt. It is built fresh
// per attempt and never mutated after being returned.
type ProbeResult struct {
	URL        string       `json:"url" yaml:"url"`
	Success    bool         `json:"success" yaml:"success"`
	StatusCode int          `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Timings    PhaseTimings `json:"timings" yaml:"timings"`
	Cause      ErrorCause   `json:"error,omitempty" yaml:"error,omitempty"`
	Detail     string       `json:"error_detail,omitempty" yaml:"error_detail,omitempty"`
}
