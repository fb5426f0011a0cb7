// Package ltpa checks LTPA token transport, format, and upstream acceptance.
package ltpa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"

	"github.com/tcehq/ssodiag/internal/config"
	"github.com/tcehq/ssodiag/internal/probe"
	"github.com/tcehq/ssodiag/pkg/types"
)

// Decoded LTPA2 payloads are typically a few hundred bytes; anything past
// this bound is not a plausible token.
const maxDecodedTokenBytes = 16384

var tokenNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var conventionalTokenNames = []string{"LtpaToken", "LtpaToken2"}

// TokenSource carries the transports a token may arrive on.
type TokenSource struct {
	Cookies map[string]string
	Header  http.Header
}

// SourceFromRaw wraps a bare token string as if it arrived on the configured
// cookie, for callers that already hold the token value.
func SourceFromRaw(cfg config.Config, token string) TokenSource {
	return TokenSource{Cookies: map[string]string{cfg.Token.CookieName: token}}
}

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Prober *probe.Prober
	Logger *log.Logger
}

// Validator runs the token check stages. Stages report independently; a
// failed format check does not suppress the upstream submission.
type Validator struct {
	cfg    config.Config
	prober *probe.Prober
	logger *log.Logger
}

func NewValidator(cfg config.Config, deps Dependencies) (*Validator, error) {
	if deps.Prober == nil {
		return nil, fmt.Errorf("prober is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Validator{cfg: cfg, prober: deps.Prober, logger: logger}, nil
}

// ValidateToken runs all stages over the source. When no token is present at
// all, only the transport failure is reported; there is nothing for the later
// stages to inspect or submit.
func (v *Validator) ValidateToken(ctx context.Context, src TokenSource) []types.CheckResult {
	results := make([]types.CheckResult, 0, 3)

	token, transportResult := v.checkTransport(src)
	results = append(results, transportResult)
	if token == "" {
		return results
	}

	results = append(results, v.checkFormat(token))

	// The raw token is submitted upstream even when it failed the format
	// check: the server's own verdict on a malformed token is part of the
	// picture the operator needs.
	results = append(results, v.checkUpstream(ctx, token))
	return results
}

func (v *Validator) checkTransport(src TokenSource) (string, types.CheckResult) {
	cookieName := v.cfg.Token.CookieName
	if token, ok := src.Cookies[cookieName]; ok && token != "" {
		return token, types.CheckResult{
			Category: types.CategoryLTPA,
			Name:     "Token - Transport",
			Severity: types.SeveritySuccess,
			Message:  fmt.Sprintf("token present on cookie %q", cookieName),
			Details:  map[string]any{"via": "cookie", "cookie_name": cookieName, "length": len(token)},
		}
	}

	for _, header := range v.cfg.Token.HeaderNames {
		if token := src.Header.Get(header); token != "" {
			return token, types.CheckResult{
				Category: types.CategoryLTPA,
				Name:     "Token - Transport",
				Severity: types.SeverityInfo,
				Message:  fmt.Sprintf("token supplied via fallback header %q instead of cookie %q", header, cookieName),
				Details:  map[string]any{"via": "header", "header_name": header, "length": len(token)},
			}
		}
	}

	return "", types.CheckResult{
		Category:       types.CategoryLTPA,
		Name:           "Token - Transport",
		Severity:       types.SeverityError,
		Message:        fmt.Sprintf("no token found on cookie %q or headers %v", cookieName, v.cfg.Token.HeaderNames),
		Recommendation: "check LTPA_TOKEN_NAME matches the cookie set by the identity server",
	}
}

func (v *Validator) checkFormat(token string) types.CheckResult {
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return types.CheckResult{
			Category:       types.CategoryLTPA,
			Name:           "Token - Base64 Encoding",
			Severity:       types.SeverityError,
			Message:        fmt.Sprintf("token is not valid base64: %v", err),
			Recommendation: "the token may be URL-encoded or truncated in transit; capture it directly from the Set-Cookie header",
			Details:        map[string]any{"length": len(token)},
		}
	}
	if len(decoded) == 0 || len(decoded) > maxDecodedTokenBytes {
		return types.CheckResult{
			Category:       types.CategoryLTPA,
			Name:           "Token - Base64 Encoding",
			Severity:       types.SeverityError,
			Message:        fmt.Sprintf("decoded token length %d bytes is outside the expected bound", len(decoded)),
			Recommendation: "verify the full cookie value was captured",
			Details:        map[string]any{"decoded_length": len(decoded)},
		}
	}
	return types.CheckResult{
		Category: types.CategoryLTPA,
		Name:     "Token - Base64 Encoding",
		Severity: types.SeveritySuccess,
		Message:  fmt.Sprintf("token is valid base64 (%d bytes decoded)", len(decoded)),
		Details:  map[string]any{"decoded_length": len(decoded)},
	}
}

func (v *Validator) checkUpstream(ctx context.Context, token string) types.CheckResult {
	url := v.cfg.ServletURL()
	header := http.Header{"Accept": []string{"application/json"}}
	for _, name := range v.cfg.Token.HeaderNames {
		header.Set(name, token)
	}

	resp := v.prober.Do(ctx, probe.Request{
		URL:     url,
		Header:  header,
		Cookies: []*http.Cookie{{Name: v.cfg.Token.CookieName, Value: token}},
		Timeout: v.cfg.Timeout(),
	})

	details := map[string]any{"url": url, "response_time_ms": resp.Result.Timings.TotalMillis}
	if !resp.Result.Success {
		return upstreamTransportFailure(resp.Result, details)
	}

	details["status_code"] = resp.Result.StatusCode
	status := resp.Result.StatusCode
	switch {
	case status >= 200 && status < 300:
		if key := acceptanceKey(resp.Body, v.cfg.Token.UsernameKeys); key != "" {
			details["username_key"] = key
			return types.CheckResult{
				Category: types.CategoryLTPA,
				Name:     "Token - Upstream Validation",
				Severity: types.SeveritySuccess,
				Message:  "token validated by the upstream server",
				Details:  details,
			}
		}
		return types.CheckResult{
			Category:       types.CategoryLTPA,
			Name:           "Token - Upstream Validation",
			Severity:       types.SeverityWarning,
			Message:        fmt.Sprintf("server answered %d without the expected acceptance marker", status),
			Recommendation: "verify USERNAME_KEYS matches the validation servlet response fields",
			Details:        details,
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.CheckResult{
			Category:       types.CategoryLTPA,
			Name:           "Token - Upstream Validation",
			Severity:       types.SeverityError,
			Message:        fmt.Sprintf("token rejected by server (HTTP %d)", status),
			Recommendation: "the token may be expired or signed with different LTPA keys; re-authenticate and retry",
			Details:        details,
		}
	case status == http.StatusNotFound:
		return types.CheckResult{
			Category:       types.CategoryLTPA,
			Name:           "Token - Upstream Validation",
			Severity:       types.SeverityError,
			Message:        "validation endpoint not found (404)",
			Recommendation: "verify DASH_INTEGRATION_SERVICE points at the deployed servlet path",
			Details:        details,
		}
	default:
		return types.CheckResult{
			Category:       types.CategoryLTPA,
			Name:           "Token - Upstream Validation",
			Severity:       types.SeverityWarning,
			Message:        fmt.Sprintf("unexpected response from validation endpoint: %d", status),
			Details:        details,
		}
	}
}

func upstreamTransportFailure(result types.ProbeResult, details map[string]any) types.CheckResult {
	details["error"] = result.Detail
	rec := "verify the DASH server is running and reachable"
	switch result.Cause {
	case types.CauseTimeout:
		rec = "check network latency or increase TIMEOUT_SECONDS"
	case types.CauseTLS:
		rec = "verify CA_BUNDLE_PATH contains the server certificate chain"
	case types.CauseDNS:
		rec = "check DASH_HOST_IP spelling and DNS configuration"
	}
	return types.CheckResult{
		Category:       types.CategoryLTPA,
		Name:           "Token - Upstream Validation",
		Severity:       types.SeverityCritical,
		Message:        fmt.Sprintf("cannot reach validation endpoint: %s", result.Cause),
		Recommendation: rec,
		Details:        details,
	}
}

// acceptanceKey reports which configured username key the response body
// carries, or empty when none is present.
func acceptanceKey(body []byte, usernameKeys []string) string {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return ""
	}
	for _, key := range usernameKeys {
		if _, ok := decoded[key]; ok {
			return key
		}
	}
	return ""
}

// ConfigChecks reports cookie-name sanity findings for the LTPA group.
func (v *Validator) ConfigChecks() []types.CheckResult {
	name := v.cfg.Token.CookieName
	results := make([]types.CheckResult, 0, 2)

	if !tokenNamePattern.MatchString(name) {
		results = append(results, types.CheckResult{
			Category:       types.CategoryLTPA,
			Name:           "Cookie - Name Format",
			Severity:       types.SeverityWarning,
			Message:        fmt.Sprintf("token name contains unusual characters: %q", name),
			Recommendation: "LTPA token names should be alphanumeric",
			Details:        map[string]any{"token_name": name},
		})
	} else {
		results = append(results, types.CheckResult{
			Category: types.CategoryLTPA,
			Name:     "Cookie - Name Format",
			Severity: types.SeveritySuccess,
			Message:  fmt.Sprintf("token name format is valid: %q", name),
		})
	}

	conventional := false
	for _, known := range conventionalTokenNames {
		if name == known {
			conventional = true
			break
		}
	}
	if !conventional {
		results = append(results, types.CheckResult{
			Category:       types.CategoryLTPA,
			Name:           "Cookie - Name Convention",
			Severity:       types.SeverityInfo,
			Message:        fmt.Sprintf("using non-standard token name: %q", name),
			Recommendation: "ensure this matches the WebSphere/DASH SSO configuration",
			Details:        map[string]any{"token_name": name, "common_names": conventionalTokenNames},
		})
	}

	return results
}

// CheckEndpoint probes the validation endpoint without a token. A 401/403
// answer means the endpoint is deployed and enforcing authentication.
func (v *Validator) CheckEndpoint(ctx context.Context) types.CheckResult {
	url := v.cfg.ServletURL()
	resp := v.prober.Do(ctx, probe.Request{URL: url, Timeout: v.cfg.Timeout()})

	details := map[string]any{"url": url, "response_time_ms": resp.Result.Timings.TotalMillis}
	if !resp.Result.Success {
		details["error"] = resp.Result.Detail
		return types.CheckResult{
			Category:       types.CategoryLTPA,
			Name:           "LTPA Service - Endpoint",
			Severity:       types.SeverityError,
			Message:        fmt.Sprintf("cannot reach validation endpoint: %s", resp.Result.Cause),
			Recommendation: "verify the DASH server is running and accessible",
			Details:        details,
		}
	}

	status := resp.Result.StatusCode
	details["status_code"] = status
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.CheckResult{
			Category: types.CategoryLTPA,
			Name:     "LTPA Service - Endpoint",
			Severity: types.SeveritySuccess,
			Message:  fmt.Sprintf("validation endpoint is reachable (returned %d as expected without a token)", status),
			Details:  details,
		}
	case status == http.StatusNotFound:
		return types.CheckResult{
			Category:       types.CategoryLTPA,
			Name:           "LTPA Service - Endpoint",
			Severity:       types.SeverityError,
			Message:        "validation endpoint not found (404)",
			Recommendation: "verify DASH_INTEGRATION_SERVICE path is correct",
			Details:        details,
		}
	case status >= 500:
		return types.CheckResult{
			Category:       types.CategoryLTPA,
			Name:           "LTPA Service - Endpoint",
			Severity:       types.SeverityError,
			Message:        fmt.Sprintf("validation service error (%d)", status),
			Recommendation: "check DASH server health and logs",
			Details:        details,
		}
	default:
		return types.CheckResult{
			Category: types.CategoryLTPA,
			Name:     "LTPA Service - Endpoint",
			Severity: types.SeverityWarning,
			Message:  fmt.Sprintf("unexpected response from validation endpoint: %d", status),
			Details:  details,
		}
	}
}
