package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/depsera/depsera/pkg/fetch"
)

// Fetcher is the transport seam for dry runs.
type Fetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration, maxBytes int64) (*fetch.Result, error)
}

// Guard vets the endpoint URL before the dry-run fetch, with the same
// policy the poll path applies.
type Guard interface {
	Check(ctx context.Context, rawURL string, allowlist []string) error
}

// DryRunResult is what a mapping test returns to the caller: the
// records the mapping would produce and the warnings it would record.
type DryRunResult struct {
	Dependencies []Record
	Warnings     []string
}

// DryRunner fetches an endpoint and applies a mapping without writing
// anything. Backs the "test mapping" surface.
type DryRunner struct {
	guard   Guard
	fetcher Fetcher
}

// NewDryRunner wires a dry runner over the shared guard and fetcher.
func NewDryRunner(g Guard, f Fetcher) *DryRunner {
	return &DryRunner{guard: g, fetcher: f}
}

// DryRun fetches url and maps the response with rawMapping. Transport
// and mapping-syntax problems are errors; per-row mapping problems
// come back as warnings, exactly as a real poll would record them.
func (d *DryRunner) DryRun(ctx context.Context, url, rawMapping string, allowlist []string) (*DryRunResult, error) {
	m, err := ParseMapping(rawMapping)
	if err != nil {
		return nil, err
	}
	if err := d.guard.Check(ctx, url, allowlist); err != nil {
		return nil, err
	}

	res, err := d.fetcher.Fetch(ctx, url, fetch.DefaultTimeout, fetch.DefaultMaxBytes)
	if err != nil {
		return nil, err
	}
	if res.Status < 200 || res.Status > 299 {
		return nil, fmt.Errorf("HTTP %d", res.Status)
	}

	var doc interface{}
	if err := json.Unmarshal(res.Body, &doc); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}

	records, warnings := Map(doc, m)
	out := &DryRunResult{Dependencies: records, Warnings: warnings}
	if res.Warning != "" {
		out.Warnings = append(out.Warnings, res.Warning)
	}
	return out, nil
}
