// Package fetch performs the single-attempt HTTP GET against a
// service's health endpoint. Non-2xx statuses are reported, not
// errors; transport failures map onto the typed error taxonomy the
// rest of the pipeline keys off.
package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Defaults applied when the caller passes zero values.
const (
	DefaultTimeout  = 10 * time.Second
	DefaultMaxBytes = 2 << 20 // 2 MiB
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindTimeout        Kind = "timeout"
	KindConnectRefused Kind = "connect_refused"
	KindDNSFailed      Kind = "dns_failed"
	KindTLSFailed      Kind = "tls_failed"
	KindBodyRead       Kind = "body_read"
)

// Error is a classified transport failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from err, or "" when err is not a
// fetch error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Result is the outcome of a successful transport round trip. The
// status may still be non-2xx.
type Result struct {
	Status    int
	Body      []byte
	Latency   time.Duration
	Truncated bool
	Warning   string
}

// Fetcher issues health-endpoint requests. TLS certificates are
// verified; there is no redirect chasing past the client default and
// no retry at this layer.
type Fetcher struct {
	client *http.Client
}

// New creates a fetcher with a shared transport. Per-request timeouts
// come from the Fetch call, not the client.
func New() *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Fetch GETs url with the given timeout, reading at most maxBytes of
// body. Latency is measured from request dispatch to last byte read.
func (f *Fetcher) Fetch(ctx context.Context, url string, timeout time.Duration, maxBytes int64) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: KindBodyRead, Err: fmt.Errorf("invalid request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	// Read one byte past the cap to detect truncation.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	latency := time.Since(start)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: KindTimeout, Err: fmt.Errorf("reading body: %w", err)}
		}
		return nil, &Error{Kind: KindBodyRead, Err: err}
	}

	result := &Result{
		Status:  resp.StatusCode,
		Body:    body,
		Latency: latency,
	}
	if int64(len(body)) > maxBytes {
		result.Body = body[:maxBytes]
		result.Truncated = true
		result.Warning = fmt.Sprintf("oversize_truncated: response body exceeded %d bytes", maxBytes)
	}
	return result, nil
}

// classify maps a transport error onto the taxonomy. Order matters:
// DNS and TLS failures also satisfy net.Error, so they are checked
// first.
func classify(err error) *Error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindDNSFailed, Err: err}
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return &Error{Kind: KindTLSFailed, Err: err}
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return &Error{Kind: KindConnectRefused, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}

	return &Error{Kind: KindBodyRead, Err: err}
}
