// Package probe performs single timed HTTP attempts against validated
// targets. Every attempt re-validates the URL and dials only addresses that
// passed the blocked-range check, so a DNS answer cannot change between
// validation and connect.
package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"syscall"
	"time"

	"github.com/tcehq/ssodiag/internal/safeurl"
	"github.com/tcehq/ssodiag/pkg/types"
)

const (
	defaultTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// URLValidator is the safety predicate consulted before every attempt.
// *safeurl.Validator satisfies it.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
	CheckIP(ip net.IP) error
}

// Request describes one HTTP attempt.
type Request struct {
	URL             string
	Method          string
	Header          http.Header
	Cookies         []*http.Cookie
	Body            []byte
	Timeout         time.Duration
	FollowRedirects bool
}

// Response couples the immutable ProbeResult with the material callers need
// to interpret the upstream answer.
type Response struct {
	Result  types.ProbeResult
	Header  http.Header
	Cookies []*http.Cookie
	Body    []byte
}

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Validator URLValidator
	Resolver  safeurl.Resolver
	TLSConfig *tls.Config
	Transport http.RoundTripper
	Logger    *log.Logger
}

// Prober issues one probe per call. It never retries; retry policy belongs to
// the caller.
type Prober struct {
	validator URLValidator
	resolver  safeurl.Resolver
	tlsConfig *tls.Config
	transport http.RoundTripper
	logger    *log.Logger
}

func New(deps Dependencies) *Prober {
	resolver := deps.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	validator := deps.Validator
	if validator == nil {
		validator = safeurl.NewValidator(safeurl.Dependencies{Resolver: resolver})
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Prober{
		validator: validator,
		resolver:  resolver,
		tlsConfig: deps.TLSConfig,
		transport: deps.Transport,
		logger:    logger,
	}
}

// Do executes a single timed attempt. Any URL that fails safety validation
// yields a rejected result without a network call.
func (p *Prober) Do(ctx context.Context, req Request) Response {
	result := types.ProbeResult{URL: req.URL}

	if err := p.validator.Validate(ctx, req.URL); err != nil {
		result.Cause = types.CauseRejected
		result.Detail = err.Error()
		return Response{Result: result}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	var phases phaseRecorder
	ctx = httptrace.WithClientTrace(ctx, phases.trace())

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		result.Cause = types.CauseGeneric
		result.Detail = err.Error()
		return Response{Result: result}
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	for _, c := range req.Cookies {
		httpReq.AddCookie(c)
	}

	transport := p.transport
	if transport == nil {
		fresh := p.newTransport()
		defer fresh.CloseIdleConnections()
		transport = fresh
	}

	client := &http.Client{Transport: transport}
	if !req.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	result.Timings = phases.snapshot(time.Since(start))
	if err != nil {
		result.Cause, result.Detail = classify(err)
		return Response{Result: result}
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	result.Timings.TotalMillis = float64(time.Since(start)) / float64(time.Millisecond)
	if readErr != nil {
		result.Cause, result.Detail = classify(readErr)
		result.StatusCode = resp.StatusCode
		return Response{Result: result, Header: resp.Header, Body: data}
	}

	result.Success = true
	result.StatusCode = resp.StatusCode
	return Response{
		Result:  result,
		Header:  resp.Header,
		Cookies: resp.Cookies(),
		Body:    data,
	}
}

// newTransport builds a single-use transport. Keep-alives are disabled so
// every probe measures a fresh connection.
func (p *Prober) newTransport() *http.Transport {
	return &http.Transport{
		DisableKeepAlives: true,
		TLSClientConfig:   p.tlsConfig,
		DialContext:       SafeDial(p.validator, p.resolver),
	}
}

// SafeDial returns a DialContext that resolves the host itself and connects
// only to addresses that pass the blocked-range check, closing the
// validate-then-fetch rebinding gap.
func SafeDial(validator URLValidator, resolver safeurl.Resolver) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("split dial address %q: %w", addr, err)
		}

		var ips []net.IP
		if ip := net.ParseIP(host); ip != nil {
			ips = []net.IP{ip}
		} else {
			addrs, err := resolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
		}
		if len(ips) == 0 {
			return nil, &net.DNSError{Err: "no addresses", Name: host}
		}
		for _, ip := range ips {
			if err := validator.CheckIP(ip); err != nil {
				return nil, err
			}
		}

		dialer := &net.Dialer{}
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

func classify(err error) (types.ErrorCause, string) {
	var rejection *safeurl.Rejection
	if errors.As(err, &rejection) {
		return types.CauseRejected, rejection.Error()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.CauseTimeout, err.Error()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.CauseTimeout, err.Error()
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.CauseDNS, err.Error()
	}

	var certVerifyErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var recordHeaderErr tls.RecordHeaderError
	if errors.As(err, &certVerifyErr) || errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) || errors.As(err, &recordHeaderErr) {
		return types.CauseTLS, err.Error()
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return types.CauseConnectionRefused, err.Error()
	}

	return types.CauseGeneric, err.Error()
}

// phaseRecorder captures phase durations from httptrace callbacks.
type phaseRecorder struct {
	mu           sync.Mutex
	dnsStart     time.Time
	dnsDone      time.Time
	connectStart time.Time
	connectDone  time.Time
	tlsStart     time.Time
	tlsDone      time.Time
}

func (r *phaseRecorder) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			r.stamp(&r.dnsStart)
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			r.stamp(&r.dnsDone)
		},
		ConnectStart: func(string, string) {
			r.stamp(&r.connectStart)
		},
		ConnectDone: func(string, string, error) {
			r.stamp(&r.connectDone)
		},
		TLSHandshakeStart: func() {
			r.stamp(&r.tlsStart)
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			r.stamp(&r.tlsDone)
		},
	}
}

func (r *phaseRecorder) stamp(field *time.Time) {
	r.mu.Lock()
	if field.IsZero() {
		*field = time.Now()
	}
	r.mu.Unlock()
}

func (r *phaseRecorder) snapshot(total time.Duration) types.PhaseTimings {
	r.mu.Lock()
	defer r.mu.Unlock()

	timings := types.PhaseTimings{TotalMillis: float64(total) / float64(time.Millisecond)}
	if !r.dnsStart.IsZero() && !r.dnsDone.IsZero() {
		timings.DNSMillis = millis(r.dnsDone.Sub(r.dnsStart))
	}
	if !r.connectStart.IsZero() && !r.connectDone.IsZero() {
		timings.ConnectMillis = millis(r.connectDone.Sub(r.connectStart))
	}
	if !r.tlsStart.IsZero() && !r.tlsDone.IsZero() {
		timings.TLSMillis = millis(r.tlsDone.Sub(r.tlsStart))
	}
	return timings
}

func millis(d time.Duration) *float64 {
	if d < 0 {
		d = 0
	}
	ms := float64(d) / float64(time.Millisecond)
	return &ms
}
