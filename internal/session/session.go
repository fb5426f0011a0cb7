// Package session exercises a target with a shared cookie jar to detect
// unstable session handling.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tcehq/ssodiag/internal/bench"
	"github.com/tcehq/ssodiag/internal/probe"
	"github.com/tcehq/ssodiag/internal/safeurl"
	"github.com/tcehq/ssodiag/pkg/types"
)

const defaultInterval = 500 * time.Millisecond

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Validator probe.URLValidator
	Resolver  safeurl.Resolver
	Transport http.RoundTripper
	TLSConfig *tls.Config
	Logger    *log.Logger
	Interval  time.Duration
}

// Prober issues sequences of authenticated requests against one URL and
// watches the session identifiers the server hands back.
type Prober struct {
	validator probe.URLValidator
	transport http.RoundTripper
	logger    *log.Logger
	limiter   *rate.Limiter
}

func New(deps Dependencies) (*Prober, error) {
	if deps.Validator == nil {
		return nil, fmt.Errorf("url validator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	transport := deps.Transport
	if transport == nil {
		transport = &http.Transport{
			TLSClientConfig: deps.TLSConfig,
			DialContext:     probe.SafeDial(deps.Validator, resolver),
		}
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Prober{
		validator: deps.Validator,
		transport: transport,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
	}, nil
}

// Options describes one stability run.
type Options struct {
	URL        string
	Requests   int
	Token      string
	CookieName string
	Timeout    time.Duration
}

// Change records a session identifier that did not survive between requests.
type Change struct {
	Request int
	Cookie  string
	Detail  string
}

// Result is the outcome of a stability run. Stable is true only when every
// request succeeded and no tracked session cookie changed value mid-run.
type Result struct {
	Stable   bool
	Summary  types.BenchmarkSummary
	Changes  []Change
	Failures []string
	Cookies  map[string]string
}

// Run issues Options.Requests sequential requests sharing one cookie jar.
// Individual request failures are recorded and do not abort the run. The URL
// is re-validated before every request.
func (p *Prober) Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Requests <= 0 {
		return Result{}, fmt.Errorf("request count must be positive, got %d", opts.Requests)
	}
	target, err := url.Parse(opts.URL)
	if err != nil {
		return Result{}, fmt.Errorf("parse target url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return Result{}, fmt.Errorf("create cookie jar: %w", err)
	}
	if opts.Token != "" && opts.CookieName != "" {
		jar.SetCookies(target, []*http.Cookie{{Name: opts.CookieName, Value: opts.Token}})
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Jar: jar, Transport: p.transport, Timeout: timeout}

	result := Result{Stable: true, Cookies: map[string]string{}}
	samples := make([]float64, 0, opts.Requests)
	successCount := 0
	tracked := map[string]string{}

	for i := 0; i < opts.Requests; i++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("wait for pacing slot: %w", err)
		}
		if err := p.validator.Validate(ctx, opts.URL); err != nil {
			return Result{}, fmt.Errorf("target url rejected: %w", err)
		}

		elapsed, status, err := p.attempt(ctx, client, opts.URL)
		if err != nil {
			result.Stable = false
			result.Failures = append(result.Failures, fmt.Sprintf("request %d: %v", i+1, err))
			p.logger.Printf("session request %d failed: %v", i+1, err)
			continue
		}
		if status >= 400 {
			result.Stable = false
			result.Failures = append(result.Failures, fmt.Sprintf("request %d: HTTP %d", i+1, status))
			continue
		}
		successCount++
		samples = append(samples, elapsed)

		for _, cookie := range jar.Cookies(target) {
			if !isSessionCookie(cookie.Name, opts.CookieName) {
				continue
			}
			result.Cookies[cookie.Name] = cookie.Value
			previous, seen := tracked[cookie.Name]
			if seen && previous != cookie.Value {
				result.Stable = false
				result.Changes = append(result.Changes, Change{
					Request: i + 1,
					Cookie:  cookie.Name,
					Detail:  "session identifier changed between requests",
				})
			}
			tracked[cookie.Name] = cookie.Value
		}
	}

	result.Summary = bench.Summarize(opts.URL, opts.Requests, successCount, samples)
	return result, nil
}

func (p *Prober) attempt(ctx context.Context, client *http.Client, rawURL string) (float64, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return float64(time.Since(start)) / float64(time.Millisecond), resp.StatusCode, nil
}

// CheckResult renders the run as a diagnostic finding.
func (r Result) CheckResult() types.CheckResult {
	details := map[string]any{
		"stable":  r.Stable,
		"summary": r.Summary,
	}
	if len(r.Changes) > 0 {
		details["identifier_changes"] = len(r.Changes)
	}
	if len(r.Failures) > 0 {
		details["failures"] = r.Failures
	}
	if r.Stable {
		return types.CheckResult{
			Category: types.CategorySession,
			Name:     "Session - Stability",
			Severity: types.SeveritySuccess,
			Message:  fmt.Sprintf("session held steady across %d requests", r.Summary.Count),
			Details:  details,
		}
	}
	message := fmt.Sprintf("session unstable: %d of %d requests failed", r.Summary.FailureCount, r.Summary.Count)
	if len(r.Changes) > 0 {
		message = fmt.Sprintf("session identifier changed %d time(s) across %d requests", len(r.Changes), r.Summary.Count)
	}
	return types.CheckResult{
		Category:       types.CategorySession,
		Name:           "Session - Stability",
		Severity:       types.SeverityError,
		Message:        message,
		Recommendation: "check session affinity and LTPA key synchronization across cluster members",
		Details:        details,
	}
}

func isSessionCookie(name, tokenCookie string) bool {
	if tokenCookie != "" && name == tokenCookie {
		return true
	}
	return strings.Contains(strings.ToLower(name), "session")
}
