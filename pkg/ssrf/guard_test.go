package ssrf

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"testing"
)

// staticLookup maps hostnames to fixed addresses.
func staticLookup(hosts map[string][]string) LookupFunc {
	return func(ctx context.Context, host string) ([]netip.Addr, error) {
		raw, ok := hosts[host]
		if !ok {
			return nil, fmt.Errorf("no such host %q", host)
		}
		addrs := make([]netip.Addr, 0, len(raw))
		for _, r := range raw {
			addrs = append(addrs, netip.MustParseAddr(r))
		}
		return addrs, nil
	}
}

func TestCheck_BlockedRanges(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		reason string
	}{
		{name: "loopback v4", url: "http://127.0.0.1/health", reason: "loopback"},
		{name: "loopback v6", url: "http://[::1]/health", reason: "loopback"},
		{name: "private 10", url: "http://10.1.2.3/health", reason: "private"},
		{name: "private 172", url: "http://172.16.0.9/health", reason: "private"},
		{name: "private 192", url: "http://192.168.1.1/health", reason: "private"},
		{name: "link local", url: "http://169.254.169.254/latest/meta-data", reason: "link-local"},
		{name: "unspecified", url: "http://0.0.0.0/health", reason: "unspecified"},
		{name: "multicast", url: "http://224.0.0.1/health", reason: "multicast"},
		{name: "v4 mapped v6", url: "http://[::ffff:10.0.0.1]/health", reason: "IPv4-mapped-IPv6"},
	}

	g := NewWithLookup(staticLookup(nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check(context.Background(), tt.url, nil)
			if err == nil {
				t.Fatalf("Check(%q) = nil, want blocked", tt.url)
			}
			if !IsBlocked(err) {
				t.Fatalf("Check(%q) error type = %T, want *BlockedError", tt.url, err)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("Check(%q) error = %v, want reason %q", tt.url, err, tt.reason)
			}
		})
	}
}

func TestCheck_SchemeAndHost(t *testing.T) {
	g := NewWithLookup(staticLookup(nil))
	tests := []struct {
		name string
		url  string
	}{
		{name: "ftp scheme", url: "ftp://example.com/health"},
		{name: "file scheme", url: "file:///etc/passwd"},
		{name: "no host", url: "http:///health"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := g.Check(context.Background(), tt.url, nil); !IsBlocked(err) {
				t.Errorf("Check(%q) = %v, want blocked", tt.url, err)
			}
		})
	}
}

func TestCheck_PublicHostApproved(t *testing.T) {
	g := NewWithLookup(staticLookup(map[string][]string{
		"api.example.com": {"93.184.216.34"},
	}))
	if err := g.Check(context.Background(), "https://api.example.com/health", nil); err != nil {
		t.Errorf("Check() = %v, want approved", err)
	}
}

func TestCheck_ResolutionFailure(t *testing.T) {
	g := NewWithLookup(staticLookup(nil))
	err := g.Check(context.Background(), "http://nowhere.invalid/health", nil)
	if !IsBlocked(err) || !strings.Contains(err.Error(), "cannot resolve") {
		t.Errorf("Check() = %v, want resolution rejection", err)
	}
}

func TestCheck_AnyResolvedAddressBlocked(t *testing.T) {
	// DNS rebinding shape: one public and one private record.
	g := NewWithLookup(staticLookup(map[string][]string{
		"rebind.example.com": {"93.184.216.34", "10.0.0.5"},
	}))
	err := g.Check(context.Background(), "http://rebind.example.com/health", nil)
	if !IsBlocked(err) {
		t.Errorf("Check() = %v, want blocked when any address is private", err)
	}
}

func TestCheck_Allowlist(t *testing.T) {
	lookup := staticLookup(map[string][]string{
		"internal.corp.example": {"10.20.0.4"},
		"db.corp.example":       {"10.20.0.5"},
		"api.example.com":       {"93.184.216.34"},
		"other.example.com":     {"93.184.216.35"},
	})
	g := NewWithLookup(lookup)
	ctx := context.Background()

	tests := []struct {
		name      string
		url       string
		allowlist []string
		wantOK    bool
	}{
		{
			name:      "literal host approves private target",
			url:       "http://internal.corp.example/health",
			allowlist: []string{"internal.corp.example"},
			wantOK:    true,
		},
		{
			name:      "wildcard suffix approves private target",
			url:       "http://db.corp.example/health",
			allowlist: []string{"*.corp.example"},
			wantOK:    true,
		},
		{
			name:      "cidr approves private target",
			url:       "http://internal.corp.example/health",
			allowlist: []string{"10.20.0.0/16"},
			wantOK:    true,
		},
		{
			name:      "non-empty allowlist must match",
			url:       "https://other.example.com/health",
			allowlist: []string{"api.example.com"},
			wantOK:    false,
		},
		{
			name:      "allowlisted public host passes",
			url:       "https://api.example.com/health",
			allowlist: []string{"api.example.com"},
			wantOK:    true,
		},
		{
			name:      "wildcard does not match bare suffix",
			url:       "http://internal.corp.example/health",
			allowlist: []string{"*.internal.corp.example"},
			wantOK:    false,
		},
		{
			name:      "malformed entries are ignored",
			url:       "https://api.example.com/health",
			allowlist: []string{"not/a/cidr", "api.example.com"},
			wantOK:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check(ctx, tt.url, tt.allowlist)
			if tt.wantOK && err != nil {
				t.Errorf("Check() = %v, want approved", err)
			}
			if !tt.wantOK && !IsBlocked(err) {
				t.Errorf("Check() = %v, want blocked", err)
			}
		})
	}
}

func TestCheck_IPLiteralSkipsResolver(t *testing.T) {
	called := false
	g := NewWithLookup(func(ctx context.Context, host string) ([]netip.Addr, error) {
		called = true
		return nil, fmt.Errorf("resolver should not run")
	})
	if err := g.Check(context.Background(), "http://93.184.216.34/health", nil); err != nil {
		t.Errorf("Check() = %v, want approved", err)
	}
	if called {
		t.Error("resolver was invoked for an IP literal")
	}
}
