// Package safeurl classifies candidate URLs as fetchable or rejected before
// any outbound request is made. It defends against SSRF by refusing schemes
// other than http/https and any target that resolves into loopback,
// link-local, private, or otherwise reserved address space.
package safeurl

import (
	"context"
	"fmt"
	"net"
	"net/url"
)

// Reasons reported by Rejection.Reason, applied in order; first failure wins.
const (
	ReasonScheme    = "scheme"
	ReasonDNS       = "dns"
	ReasonPrivateIP = "private-ip"
)

// Rejection explains why a URL was refused.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("url rejected (%s): %s", r.Reason, r.Detail)
}

// Resolver is the subset of net.Resolver used for hostname resolution.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Resolver Resolver
}

// Validator is a pure predicate over URLs; it never performs the fetch.
type Validator struct {
	resolver Resolver
}

func NewValidator(deps Dependencies) *Validator {
	resolver := deps.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Validator{resolver: resolver}
}

// Validate returns nil when the URL is safe to fetch, or a *Rejection error.
// Callers must re-validate immediately before each network attempt; a single
// validation at input time leaves a window for DNS rebinding.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &Rejection{Reason: ReasonScheme, Detail: fmt.Sprintf("unparsable URL: %v", err)}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &Rejection{Reason: ReasonScheme, Detail: fmt.Sprintf("scheme %q is not http or https", parsed.Scheme)}
	}
	host := parsed.Hostname()
	if host == "" {
		return &Rejection{Reason: ReasonScheme, Detail: "URL has no hostname"}
	}

	// Literal IP hosts skip DNS and are checked directly.
	if ip := net.ParseIP(host); ip != nil {
		return v.CheckIP(ip)
	}

	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return &Rejection{Reason: ReasonDNS, Detail: fmt.Sprintf("cannot resolve %q", host)}
	}

	// Fail closed: one blocked address rejects the whole name, regardless of
	// any public addresses in the same answer.
	for _, addr := range addrs {
		if err := v.CheckIP(addr.IP); err != nil {
			return err
		}
	}
	return nil
}

// CheckIP rejects addresses inside the blocked range set.
func (v *Validator) CheckIP(ip net.IP) error {
	if name := blockedRange(ip); name != "" {
		return &Rejection{Reason: ReasonPrivateIP, Detail: fmt.Sprintf("%s is in blocked range %s", ip, name)}
	}
	return nil
}

var reservedNets = mustParseCIDRs(
	"100.64.0.0/10",  // carrier-grade NAT
	"192.0.0.0/24",   // IETF protocol assignments
	"192.0.2.0/24",   // TEST-NET-1
	"198.18.0.0/15",  // benchmarking
	"198.51.100.0/24",// TEST-NET-2
	"203.0.113.0/24", // TEST-NET-3
	"240.0.0.0/4",    // class E
	"100::/64",       // discard-only
	"2001:db8::/32",  // documentation
)

func blockedRange(ip net.IP) string {
	switch {
	case ip == nil:
		return "invalid"
	case ip.IsUnspecified():
		return "unspecified"
	case ip.IsLoopback():
		return "loopback"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsPrivate():
		return "private"
	case ip.IsMulticast():
		return "multicast"
	}
	for _, n := range reservedNets {
		if n.Contains(ip) {
			return "reserved"
		}
	}
	return ""
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("bad builtin CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}
