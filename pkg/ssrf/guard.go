// Package ssrf validates outbound health-endpoint URLs before any
// request is issued. Every address a hostname resolves to is checked
// against the blocked ranges (loopback, RFC 1918, link-local,
// multicast, unspecified, IPv4-mapped-IPv6); an allowlist of literal
// hostnames, *.suffix wildcards, and CIDR blocks can approve hosts,
// including ones inside otherwise-blocked ranges.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// LookupFunc resolves a hostname to its addresses. Injectable for
// tests; the default uses the system resolver.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// BlockedError is the typed rejection carrying the reason. The poll
// executor surfaces it as the service's last_poll_error.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return "ssrf_blocked: " + e.Reason
}

// IsBlocked reports whether err is an SSRF rejection.
func IsBlocked(err error) bool {
	_, ok := err.(*BlockedError)
	return ok
}

// Guard validates URLs against an allowlist of host patterns/CIDRs.
type Guard struct {
	lookup LookupFunc
}

// New creates a guard using the system resolver.
func New() *Guard {
	return NewWithLookup(func(ctx context.Context, host string) ([]netip.Addr, error) {
		return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	})
}

// NewWithLookup creates a guard with an injected resolver.
func NewWithLookup(lookup LookupFunc) *Guard {
	return &Guard{lookup: lookup}
}

// Check approves or rejects rawURL against the allowlist. A nil
// return means approved; rejections are *BlockedError.
func (g *Guard) Check(ctx context.Context, rawURL string, allowlist []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &BlockedError{Reason: fmt.Sprintf("invalid URL: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &BlockedError{Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}
	host := u.Hostname()
	if host == "" {
		return &BlockedError{Reason: "URL has no host"}
	}

	entries := parseAllowlist(allowlist)
	hostAllowed := matchesHost(entries, host)

	addrs, err := g.resolve(ctx, host)
	if err != nil || len(addrs) == 0 {
		return &BlockedError{Reason: fmt.Sprintf("cannot resolve host %q", host)}
	}

	cidrAllowed := false
	for _, addr := range addrs {
		inCIDR := matchesCIDR(entries, addr)
		if inCIDR {
			cidrAllowed = true
		}
		if reason := blockedClass(addr); reason != "" && !hostAllowed && !inCIDR {
			return &BlockedError{
				Reason: fmt.Sprintf("host %q resolves to %s address %s", host, reason, addr),
			}
		}
	}

	// A non-empty allowlist must positively match; an empty allowlist
	// approves public addresses only (checked above).
	if len(entries) > 0 && !hostAllowed && !cidrAllowed {
		return &BlockedError{Reason: fmt.Sprintf("host %q matches no allowlist entry", host)}
	}
	return nil
}

func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	return g.lookup(ctx, host)
}

// blockedClass names the blocked range addr falls into, or "" when
// the address is publicly routable.
func blockedClass(addr netip.Addr) string {
	if addr.Is4In6() {
		return "IPv4-mapped-IPv6"
	}
	switch {
	case addr.IsUnspecified():
		return "unspecified"
	case addr.IsLoopback():
		return "loopback"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local"
	case addr.IsMulticast():
		return "multicast"
	case addr.IsPrivate():
		return "private"
	}
	return ""
}

type allowEntry struct {
	host     string       // literal hostname, lowercased
	suffix   string       // ".example.com" for *.example.com
	prefix   netip.Prefix // CIDR block
	isCIDR   bool
	isSuffix bool
}

// parseAllowlist interprets entries; malformed entries are dropped
// rather than failing the whole check.
func parseAllowlist(allowlist []string) []allowEntry {
	out := make([]allowEntry, 0, len(allowlist))
	for _, raw := range allowlist {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				continue
			}
			out = append(out, allowEntry{prefix: p, isCIDR: true})
			continue
		}
		if strings.HasPrefix(raw, "*.") {
			out = append(out, allowEntry{
				suffix:   strings.ToLower(raw[1:]), // ".suffix"
				isSuffix: true,
			})
			continue
		}
		out = append(out, allowEntry{host: strings.ToLower(raw)})
	}
	return out
}

func matchesHost(entries []allowEntry, host string) bool {
	h := strings.ToLower(host)
	for _, e := range entries {
		switch {
		case e.isCIDR:
			continue
		case e.isSuffix:
			if strings.HasSuffix(h, e.suffix) && len(h) > len(e.suffix) {
				return true
			}
		default:
			if h == e.host {
				return true
			}
		}
	}
	return false
}

func matchesCIDR(entries []allowEntry, addr netip.Addr) bool {
	for _, e := range entries {
		if e.isCIDR && e.prefix.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}
