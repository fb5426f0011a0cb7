// Package diag orchestrates the full diagnostic run: every check category is
// executed in a fixed order and folded into a single report.
package diag

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/tcehq/ssodiag/internal/bench"
	"github.com/tcehq/ssodiag/internal/certs"
	"github.com/tcehq/ssodiag/internal/config"
	"github.com/tcehq/ssodiag/internal/logscan"
	"github.com/tcehq/ssodiag/internal/ltpa"
	"github.com/tcehq/ssodiag/internal/probe"
	"github.com/tcehq/ssodiag/internal/safeurl"
	"github.com/tcehq/ssodiag/internal/session"
	"github.com/tcehq/ssodiag/pkg/types"
)

const (
	defaultBenchmarkCount  = 5
	defaultSessionRequests = 5
)

// Latency grades in milliseconds. Resolution and connect times warn from
// 200ms; benchmark means are graded on the 100/500/1000 scale. Slow answers
// are warnings, never errors: a slow server is still a working server.
const (
	latencyGood     = 100
	latencyWarn     = 200
	latencyElevated = 500
	latencySlow     = 1000
)

// HandshakeFunc matches certs.Handshake.
type HandshakeFunc func(ctx context.Context, host string, port int, tlsConfig *tls.Config, timeout time.Duration) (certs.HandshakeInfo, error)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Validator   probe.URLValidator
	Resolver    safeurl.Resolver
	Transport   http.RoundTripper
	Logger      *log.Logger
	Now         func() time.Time
	DialContext DialFunc
	Handshake   HandshakeFunc
}

// Runner executes diagnostic checks against the configured upstream server.
type Runner struct {
	cfg       config.Config
	logger    *log.Logger
	now       func() time.Time
	resolver  safeurl.Resolver
	dial      DialFunc
	handshake HandshakeFunc
	tlsConfig *tls.Config

	prober    *probe.Prober
	validator *ltpa.Validator
	engine    *bench.Engine
	sessions  *session.Prober
	scanner   *logscan.Scanner

	healthGroup singleflight.Group
}

func NewRunner(cfg config.Config, deps Dependencies) (*Runner, error) {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	urlValidator := deps.Validator
	if urlValidator == nil {
		urlValidator = safeurl.NewValidator(safeurl.Dependencies{Resolver: resolver})
	}
	dial := deps.DialContext
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	handshake := deps.Handshake
	if handshake == nil {
		handshake = certs.Handshake
	}

	tlsConfig, err := certs.ClientTLSConfig(cfg.TLS.Verify, cfg.TLS.CABundlePath)
	if err != nil {
		return nil, fmt.Errorf("build TLS configuration: %w", err)
	}

	prober := probe.New(probe.Dependencies{
		Validator: urlValidator,
		Resolver:  resolver,
		TLSConfig: tlsConfig,
		Transport: deps.Transport,
		Logger:    logger,
	})
	tokenValidator, err := ltpa.NewValidator(cfg, ltpa.Dependencies{Prober: prober, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("build token validator: %w", err)
	}
	engine, err := bench.NewEngine(bench.Dependencies{Prober: prober, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("build benchmark engine: %w", err)
	}
	sessions, err := session.New(session.Dependencies{
		Validator: urlValidator,
		Resolver:  resolver,
		Transport: deps.Transport,
		TLSConfig: tlsConfig,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build session prober: %w", err)
	}

	return &Runner{
		cfg:       cfg,
		logger:    logger,
		now:       now,
		resolver:  resolver,
		dial:      dial,
		handshake: handshake,
		tlsConfig: tlsConfig,
		prober:    prober,
		validator: tokenValidator,
		engine:    engine,
		sessions:  sessions,
		scanner:   logscan.New(logscan.Dependencies{Logger: logger, Roots: cfg.Logs.ExtraRoots}),
	}, nil
}

// RunOptions selects what a diagnostic run covers.
type RunOptions struct {
	Token           string
	SessionRequests int
	BenchmarkCount  int
	IncludeLogs     bool
	LogDirs         []string
	MaxLogMatches   int
}

// RunAll executes every check category and assembles the report. A panicking
// category is recorded as a critical finding; the remaining categories still
// run.
func (r *Runner) RunAll(ctx context.Context, opts RunOptions) types.DiagnosticReport {
	report := types.DiagnosticReport{
		ReportID:  uuid.NewString(),
		Timestamp: r.now().UTC(),
		Groups:    make(map[types.Category][]types.CheckResult, len(types.CategoryOrder)),
	}

	runners := map[types.Category]func(context.Context) []types.CheckResult{
		types.CategoryConfiguration: r.ConfigurationChecks,
		types.CategoryConnectivity:  r.ConnectivityChecks,
		types.CategoryLTPA: func(ctx context.Context) []types.CheckResult {
			return r.TokenChecks(ctx, opts.Token)
		},
		types.CategorySession: func(ctx context.Context) []types.CheckResult {
			return r.SessionChecks(ctx, opts)
		},
		types.CategoryPerformance: func(ctx context.Context) []types.CheckResult {
			return r.PerformanceChecks(ctx, opts.BenchmarkCount)
		},
		types.CategoryLogs: func(ctx context.Context) []types.CheckResult {
			if !opts.IncludeLogs {
				return nil
			}
			return r.LogChecks(ctx, opts)
		},
	}

	for _, category := range types.CategoryOrder {
		results := r.runCategory(ctx, category, runners[category])
		if len(results) > 0 {
			report.Groups[category] = results
		}
	}

	report.OverallStatus = types.MaxSeverity(report.Results())
	return report
}

// runCategory isolates one category so a panic inside a check cannot take
// down the rest of the run.
func (r *Runner) runCategory(ctx context.Context, category types.Category, fn func(context.Context) []types.CheckResult) (results []types.CheckResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("category %s panicked: %v", category, rec)
			results = []types.CheckResult{{
				Category: category,
				Name:     string(category) + " - Internal Fault",
				Severity: types.SeverityCritical,
				Message:  fmt.Sprintf("check group failed unexpectedly: %v", rec),
			}}
		}
	}()
	return fn(ctx)
}

// ConfigurationChecks validates the configured target without touching the
// network.
func (r *Runner) ConfigurationChecks(context.Context) []types.CheckResult {
	results := make([]types.CheckResult, 0, 4)
	cfg := r.cfg

	if cfg.Dash.Host == "" {
		results = append(results, types.CheckResult{
			Category:       types.CategoryConfiguration,
			Name:           "Config - Server Host",
			Severity:       types.SeverityError,
			Message:        "no server host configured",
			Recommendation: "set DASH_HOST_IP or dash.host in the configuration file",
		})
	} else {
		results = append(results, types.CheckResult{
			Category: types.CategoryConfiguration,
			Name:     "Config - Server Host",
			Severity: types.SeveritySuccess,
			Message:  fmt.Sprintf("server target is %s:%d", cfg.Dash.Host, cfg.Dash.Port),
			Details:  map[string]any{"host": cfg.Dash.Host, "port": cfg.Dash.Port},
		})
	}

	if cfg.Dash.IntegrationService == "" {
		results = append(results, types.CheckResult{
			Category:       types.CategoryConfiguration,
			Name:           "Config - Validation Service",
			Severity:       types.SeverityError,
			Message:        "no validation service path configured",
			Recommendation: "set DASH_INTEGRATION_SERVICE to the deployed servlet path",
		})
	} else {
		results = append(results, types.CheckResult{
			Category: types.CategoryConfiguration,
			Name:     "Config - Validation Service",
			Severity: types.SeveritySuccess,
			Message:  fmt.Sprintf("validation endpoint is %s", cfg.ServletURL()),
			Details:  map[string]any{"url": cfg.ServletURL()},
		})
	}

	if cfg.TimeoutSeconds < 5 {
		results = append(results, types.CheckResult{
			Category:       types.CategoryConfiguration,
			Name:           "Config - Timeout",
			Severity:       types.SeverityWarning,
			Message:        fmt.Sprintf("request timeout of %.1fs may be too aggressive for a loaded server", cfg.TimeoutSeconds),
			Recommendation: "set TIMEOUT_SECONDS to at least 5",
		})
	}

	if cfg.TLS.CABundlePath != "" {
		if _, err := os.Stat(cfg.TLS.CABundlePath); err != nil {
			results = append(results, types.CheckResult{
				Category:       types.CategoryConfiguration,
				Name:           "Config - CA Bundle",
				Severity:       types.SeverityError,
				Message:        fmt.Sprintf("CA bundle is not readable: %v", err),
				Recommendation: "fix CA_BUNDLE_PATH or remove it to use the system trust store",
			})
		}
	}

	return results
}

// ConnectivityChecks covers DNS, TCP reachability, and the TLS handshake.
func (r *Runner) ConnectivityChecks(ctx context.Context) []types.CheckResult {
	results := make([]types.CheckResult, 0, 4)
	cfg := r.cfg
	host := cfg.Dash.Host
	if host == "" {
		// The configuration check already reported the missing host.
		return []types.CheckResult{{
			Category: types.CategoryConnectivity,
			Name:     "Network - TCP Connect",
			Severity: types.SeverityInfo,
			Message:  "skipped: no server host configured",
		}}
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", cfg.Dash.Port))

	// DNS resolution, skipped for literal IP targets.
	if net.ParseIP(host) == nil {
		start := r.now()
		addrs, err := r.resolver.LookupIPAddr(ctx, host)
		elapsed := msSince(start, r.now())
		if err != nil {
			results = append(results, types.CheckResult{
				Category:       types.CategoryConnectivity,
				Name:           "Network - DNS Resolution",
				Severity:       types.SeverityError,
				Message:        fmt.Sprintf("cannot resolve %s: %v", host, err),
				Recommendation: "check DASH_HOST_IP spelling and DNS configuration",
				Details:        map[string]any{"host": host},
			})
			return results
		}
		result := types.CheckResult{
			Category: types.CategoryConnectivity,
			Name:     "Network - DNS Resolution",
			Severity: types.SeveritySuccess,
			Message:  fmt.Sprintf("%s resolves to %d address(es) in %.1fms", host, len(addrs), elapsed),
			Details:  map[string]any{"host": host, "dns_ms": elapsed},
		}
		if elapsed >= latencyWarn {
			result.Severity = types.SeverityWarning
			result.Message = fmt.Sprintf("slow DNS resolution for %s: %.1fms", host, elapsed)
			result.Recommendation = "check the DNS server configured for this host"
		}
		results = append(results, result)
	}

	// TCP reachability.
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	start := r.now()
	conn, err := r.dial(dialCtx, "tcp", addr)
	elapsed := msSince(start, r.now())
	if err != nil {
		results = append(results, types.CheckResult{
			Category:       types.CategoryConnectivity,
			Name:           "Network - TCP Connect",
			Severity:       types.SeverityCritical,
			Message:        fmt.Sprintf("cannot connect to %s: %v", addr, err),
			Recommendation: "verify the DASH server is running and the port is not firewalled",
			Details:        map[string]any{"host": host, "port": cfg.Dash.Port},
		})
		return results
	}
	conn.Close()
	severity, qualifier := connectGrade(elapsed)
	connectResult := types.CheckResult{
		Category: types.CategoryConnectivity,
		Name:     "Network - TCP Connect",
		Severity: severity,
		Message:  fmt.Sprintf("connected to %s in %.1fms", addr, elapsed),
		Details:  map[string]any{"host": host, "port": cfg.Dash.Port, "tcp_connect_time_ms": elapsed},
	}
	if qualifier != "" {
		connectResult.Message += fmt.Sprintf(" (%s connect time)", qualifier)
		connectResult.Recommendation = "check network latency between this host and the DASH server"
	}
	results = append(results, connectResult)

	if !cfg.TLS.Verify {
		results = append(results, types.CheckResult{
			Category:       types.CategoryConnectivity,
			Name:           "TLS - Certificate Verification",
			Severity:       types.SeverityWarning,
			Message:        "certificate verification is disabled",
			Recommendation: "set VERIFY_TLS=true and provide CA_BUNDLE_PATH for production use",
		})
	}

	info, err := r.handshake(ctx, host, cfg.Dash.Port, r.tlsConfig, cfg.Timeout())
	if err != nil {
		results = append(results, types.CheckResult{
			Category:       types.CategoryConnectivity,
			Name:           "TLS - Handshake",
			Severity:       types.SeverityError,
			Message:        fmt.Sprintf("TLS handshake failed: %v", err),
			Recommendation: "verify CA_BUNDLE_PATH contains the server certificate chain",
			Details:        map[string]any{"host": host, "port": cfg.Dash.Port},
		})
		return results
	}
	results = append(results, types.CheckResult{
		Category: types.CategoryConnectivity,
		Name:     "TLS - Handshake",
		Severity: types.SeveritySuccess,
		Message:  fmt.Sprintf("negotiated %s with %s", info.Version, info.CipherSuite),
		Details: map[string]any{
			"ssl_version": info.Version,
			"cipher":      info.CipherSuite,
			"host":        host,
			"port":        cfg.Dash.Port,
		},
	})
	return results
}

// TokenChecks runs the cookie-name and endpoint checks, plus the full token
// stages when a token is supplied.
func (r *Runner) TokenChecks(ctx context.Context, token string) []types.CheckResult {
	results := r.validator.ConfigChecks()
	results = append(results, r.validator.CheckEndpoint(ctx))
	if token != "" {
		src := ltpa.SourceFromRaw(r.cfg, token)
		results = append(results, r.validator.ValidateToken(ctx, src)...)
	}
	return results
}

// SessionChecks probes session stability against the validation endpoint.
func (r *Runner) SessionChecks(ctx context.Context, opts RunOptions) []types.CheckResult {
	if opts.Token == "" {
		return []types.CheckResult{{
			Category: types.CategorySession,
			Name:     "Session - Stability",
			Severity: types.SeverityInfo,
			Message:  "skipped: no token provided",
		}}
	}
	requests := opts.SessionRequests
	if requests <= 0 {
		requests = defaultSessionRequests
	}
	result, err := r.sessions.Run(ctx, session.Options{
		URL:        r.cfg.ServletURL(),
		Requests:   requests,
		Token:      opts.Token,
		CookieName: r.cfg.Token.CookieName,
		Timeout:    r.cfg.Timeout(),
	})
	if err != nil {
		return []types.CheckResult{{
			Category:       types.CategorySession,
			Name:           "Session - Stability",
			Severity:       types.SeverityError,
			Message:        fmt.Sprintf("session probing failed: %v", err),
			Recommendation: "verify the target URL and network path",
		}}
	}
	return []types.CheckResult{result.CheckResult()}
}

// PerformanceChecks benchmarks the target and grades its mean latency.
func (r *Runner) PerformanceChecks(ctx context.Context, count int) []types.CheckResult {
	if count <= 0 {
		count = defaultBenchmarkCount
	}
	// The console root is benchmarked rather than the validation servlet:
	// the servlet rejects unauthenticated requests and would grade every
	// sample as a failure.
	url := r.cfg.BaseURL() + "/"
	summary, err := r.engine.Run(ctx, probe.Request{URL: url, Timeout: r.cfg.Timeout()}, count)
	if err != nil {
		return []types.CheckResult{{
			Category: types.CategoryPerformance,
			Name:     "Performance - Response Time",
			Severity: types.SeverityError,
			Message:  fmt.Sprintf("benchmark failed: %v", err),
		}}
	}

	details := map[string]any{"summary": summary, "url": url}
	if summary.MeanMillis == nil {
		return []types.CheckResult{{
			Category:       types.CategoryPerformance,
			Name:           "Performance - Response Time",
			Severity:       types.SeverityError,
			Message:        fmt.Sprintf("no successful responses in %d attempts", summary.Count),
			Recommendation: "resolve the connectivity findings first",
			Details:        details,
		}}
	}

	mean := *summary.MeanMillis
	details["response_time_ms"] = mean
	severity, qualifier := meanGrade(mean)
	message := fmt.Sprintf("mean response time %.1fms over %d requests", mean, summary.Count)
	if qualifier != "" {
		message += fmt.Sprintf(" (%s)", qualifier)
	}
	result := types.CheckResult{
		Category: types.CategoryPerformance,
		Name:     "Performance - Response Time",
		Severity: severity,
		Message:  message,
		Details:  details,
	}
	if severity != types.SeveritySuccess {
		result.Recommendation = "check server load and network latency to the DASH host"
	}
	return []types.CheckResult{result}
}

// LogChecks scans the allowed log directories for failure signatures.
func (r *Runner) LogChecks(ctx context.Context, opts RunOptions) []types.CheckResult {
	report, err := r.scanner.Scan(ctx, logscan.Options{
		Dirs:       opts.LogDirs,
		MaxMatches: opts.MaxLogMatches,
	})
	if err != nil {
		return []types.CheckResult{{
			Category: types.CategoryLogs,
			Name:     "Logs - Failure Signatures",
			Severity: types.SeverityError,
			Message:  fmt.Sprintf("log scan failed: %v", err),
		}}
	}
	return []types.CheckResult{report.CheckResult()}
}

// Health runs the fast subset of checks: configuration presence and TCP
// reachability. Concurrent callers share one execution.
func (r *Runner) Health(ctx context.Context) (bool, []types.CheckResult) {
	v, _, _ := r.healthGroup.Do("health", func() (any, error) {
		results := r.ConfigurationChecks(ctx)
		if r.cfg.Dash.Host == "" {
			return results, nil
		}

		addr := net.JoinHostPort(r.cfg.Dash.Host, fmt.Sprintf("%d", r.cfg.Dash.Port))
		dialCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout())
		defer cancel()
		conn, err := r.dial(dialCtx, "tcp", addr)
		if err != nil {
			results = append(results, types.CheckResult{
				Category: types.CategoryConnectivity,
				Name:     "Network - TCP Connect",
				Severity: types.SeverityCritical,
				Message:  fmt.Sprintf("cannot connect to %s: %v", addr, err),
			})
		} else {
			conn.Close()
			results = append(results, types.CheckResult{
				Category: types.CategoryConnectivity,
				Name:     "Network - TCP Connect",
				Severity: types.SeveritySuccess,
				Message:  fmt.Sprintf("connected to %s", addr),
			})
		}
		return results, nil
	})
	results := v.([]types.CheckResult)
	return types.MaxSeverity(results) < types.SeverityError, results
}

func connectGrade(elapsedMillis float64) (types.Severity, string) {
	switch {
	case elapsedMillis >= latencyElevated:
		return types.SeverityWarning, "high"
	case elapsedMillis >= latencyWarn:
		return types.SeverityWarning, "elevated"
	default:
		return types.SeveritySuccess, ""
	}
}

func meanGrade(meanMillis float64) (types.Severity, string) {
	switch {
	case meanMillis >= latencySlow:
		return types.SeverityWarning, "very slow"
	case meanMillis >= latencyElevated:
		return types.SeverityWarning, "slow"
	case meanMillis >= latencyGood:
		return types.SeveritySuccess, "acceptable"
	default:
		return types.SeveritySuccess, ""
	}
}

func msSince(start, end time.Time) float64 {
	return float64(end.Sub(start)) / float64(time.Millisecond)
}
