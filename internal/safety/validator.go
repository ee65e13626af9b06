// Package safety guards outbound fetches against SSRF targets.
package safety

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrUnsafeURL is matched by every rejection returned from Validate.
var ErrUnsafeURL = errors.New("unsafe url")

// Error carries the user-facing rejection reason.
type Error struct {
	URL    string
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

// Unwrap lets errors.Is match ErrUnsafeURL.
func (e *Error) Unwrap() error {
	return ErrUnsafeURL
}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator checks URLs before any fetch is attempted.
type Validator struct {
	resolver       Resolver
	resolveTimeout time.Duration
}

// Option customizes a Validator.
type Option func(*Validator)

// WithResolver replaces the system DNS resolver.
func WithResolver(r Resolver) Option {
	return func(v *Validator) {
		v.resolver = r
	}
}

// WithResolveTimeout bounds each DNS lookup.
func WithResolveTimeout(d time.Duration) Option {
	return func(v *Validator) {
		v.resolveTimeout = d
	}
}

// New returns a Validator using net.DefaultResolver unless overridden.
func New(opts ...Option) *Validator {
	v := &Validator{
		resolver:       net.DefaultResolver,
		resolveTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var blockedHosts = map[string]struct{}{
	"localhost": {},
	"0.0.0.0":   {},
	"::1":       {},
	"127.0.0.1": {},
}

var internalSuffixes = []string{".local", ".internal"}

// Validate accepts rawURL or returns an *Error describing why it is unsafe.
// Hosts that fail to resolve are accepted; the fetch will fail on its own.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return reject(rawURL, "Invalid URL format")
	}
	if u.Scheme == "" {
		return reject(rawURL, "URL must include scheme (http/https)")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return reject(rawURL, fmt.Sprintf("Blocked URL scheme: %s", u.Scheme))
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return reject(rawURL, "URL must include hostname")
	}
	if _, ok := blockedHosts[host]; ok || strings.HasSuffix(host, ".localhost") {
		return reject(rawURL, "Localhost URLs are not allowed")
	}
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(host, suffix) {
			return reject(rawURL, "Internal hostnames are not allowed")
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Unmap().IsLoopback() {
			return reject(rawURL, "Localhost URLs are not allowed")
		}
		if !IsPublic(addr) {
			return reject(rawURL, "URL resolves to private/internal IP")
		}
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.resolveTimeout)
	defer cancel()
	addrs, err := v.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		if !IsPublic(addr) {
			return reject(rawURL, "URL resolves to private/internal IP")
		}
	}
	return nil
}

func reject(rawURL, reason string) error {
	return &Error{URL: rawURL, Reason: reason}
}

var reservedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
	"2001:db8::/32",
	"64:ff9b::/96",
	"100::/64",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// IsPublic reports whether addr is a globally routable unicast address that is
// not private, loopback, link-local, multicast, unspecified or reserved.
func IsPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || !addr.IsGlobalUnicast() || addr.IsPrivate() {
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// DialControl is a net.Dialer Control hook that refuses connections to
// non-public addresses, so redirects cannot reach internal services.
func DialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("dial guard: %w", err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("dial guard: %w", err)
	}
	if !IsPublic(addr) {
		return &Error{URL: address, Reason: "URL resolves to private/internal IP"}
	}
	return nil
}
