package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tcehq/ssodiag/pkg/types"
)

type allowAllValidator struct{}

func (allowAllValidator) Validate(ctx context.Context, rawURL string) error { return nil }
func (allowAllValidator) CheckIP(ip net.IP) error                           { return nil }

type denyAllValidator struct{}

func (denyAllValidator) Validate(ctx context.Context, rawURL string) error {
	return errors.New("denied")
}
func (denyAllValidator) CheckIP(ip net.IP) error { return errors.New("denied") }

func newTestProber(t *testing.T) *Prober {
	t.Helper()
	p, err := New(Dependencies{Validator: allowAllValidator{}, Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestRunStableSession(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if _, err := r.Cookie("JSESSIONID"); err != nil {
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "constant-id"})
		}
	}))
	defer server.Close()

	result, err := newTestProber(t).Run(context.Background(), Options{URL: server.URL, Requests: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Stable {
		t.Errorf("expected stable session, got changes %v failures %v", result.Changes, result.Failures)
	}
	if hits != 10 {
		t.Errorf("server saw %d requests, want 10", hits)
	}
	if result.Summary.SuccessCount != 10 {
		t.Errorf("success count = %d, want 10", result.Summary.SuccessCount)
	}
	if result.Cookies["JSESSIONID"] != "constant-id" {
		t.Errorf("tracked cookie = %q, want constant-id", result.Cookies["JSESSIONID"])
	}
	if check := result.CheckResult(); check.Severity != types.SeveritySuccess {
		t.Errorf("check severity = %v, want success", check.Severity)
	}
}

func TestRunRotatingSessionID(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: fmt.Sprintf("id-%d", hits)})
	}))
	defer server.Close()

	result, err := newTestProber(t).Run(context.Background(), Options{URL: server.URL, Requests: 5})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stable {
		t.Error("expected unstable session when the identifier rotates")
	}
	if len(result.Changes) == 0 {
		t.Error("expected recorded identifier changes")
	}
	if check := result.CheckResult(); check.Severity != types.SeverityError {
		t.Errorf("check severity = %v, want error", check.Severity)
	}
}

func TestRunFailuresDoNotAbort(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "constant-id"})
	}))
	defer server.Close()

	result, err := newTestProber(t).Run(context.Background(), Options{URL: server.URL, Requests: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hits != 4 {
		t.Errorf("server saw %d requests, want the run to continue through all 4", hits)
	}
	if result.Stable {
		t.Error("expected unstable result after a failed request")
	}
	if result.Summary.SuccessCount != 3 {
		t.Errorf("success count = %d, want 3", result.Summary.SuccessCount)
	}
	if len(result.Failures) != 1 {
		t.Errorf("failures = %v, want exactly one", result.Failures)
	}
}

func TestRunSeedsTokenCookie(t *testing.T) {
	sawToken := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("LtpaToken2"); err == nil && c.Value == "tok" {
			sawToken = true
		}
	}))
	defer server.Close()

	_, err := newTestProber(t).Run(context.Background(), Options{
		URL:        server.URL,
		Requests:   1,
		Token:      "tok",
		CookieName: "LtpaToken2",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawToken {
		t.Error("expected the seeded token cookie on the request")
	}
}

func TestRunRejectsNonPositiveCount(t *testing.T) {
	if _, err := newTestProber(t).Run(context.Background(), Options{URL: "https://example.com", Requests: 0}); err == nil {
		t.Error("expected an error for a zero request count")
	}
}

type dialRejectValidator struct{}

func (dialRejectValidator) Validate(ctx context.Context, rawURL string) error { return nil }
func (dialRejectValidator) CheckIP(ip net.IP) error {
	return fmt.Errorf("address %s is in a blocked range", ip)
}

func TestRunDefaultTransportRechecksAddresses(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	p, err := New(Dependencies{Validator: dialRejectValidator{}, Interval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	result, err := p.Run(context.Background(), Options{URL: server.URL, Requests: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hits != 0 {
		t.Errorf("server saw %d requests, want the dial recheck to block all of them", hits)
	}
	if result.Stable {
		t.Error("expected unstable result when every dial is refused")
	}
	if len(result.Failures) != 2 {
		t.Errorf("failures = %v, want one per request", result.Failures)
	}
}

func TestRunStopsOnValidatorRejection(t *testing.T) {
	p, err := New(Dependencies{Validator: denyAllValidator{}, Interval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background(), Options{URL: "http://203.0.113.10/", Requests: 3}); err == nil {
		t.Error("expected an error when the validator rejects the target")
	}
}
