// Package settings provides typed, cached access to the runtime
// settings table. Every read returns the persisted override when one
// exists and is in range, else the built-in default. Reads hit an
// in-process cache and are safe to invoke on every poll; Invalidate
// drops the cache after the admin layer mutates the table.
package settings

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/depsera/depsera/pkg/store"
)

// Setting keys read by the pipeline.
const (
	KeyDataRetentionDays     = "data_retention_days"
	KeyRetentionCleanupTime  = "retention_cleanup_time"
	KeyDefaultPollIntervalMS = "default_poll_interval_ms"
	KeySSRFAllowlist         = "ssrf_allowlist"
	KeyAlertCooldownMinutes  = "alert_cooldown_minutes"
	KeyAlertRateLimitPerHour = "alert_rate_limit_per_hour"
)

// Built-in defaults and bounds.
const (
	DefaultDataRetentionDays = 365
	MinDataRetentionDays     = 1
	MaxDataRetentionDays     = 3650

	DefaultRetentionCleanupTime = "02:00"

	DefaultPollIntervalMS = 30_000
	MinPollIntervalMS     = 5_000
	MaxPollIntervalMS     = 3_600_000

	DefaultAlertCooldownMinutes = 5
	MinAlertCooldownMinutes     = 0
	MaxAlertCooldownMinutes     = 1440

	DefaultAlertRateLimitPerHour = 30
	MinAlertRateLimitPerHour     = 1
	MaxAlertRateLimitPerHour     = 1000
)

var cleanupTimeRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Provider reads typed settings backed by the store.
type Provider struct {
	store *store.Store

	mu    sync.RWMutex
	cache map[string]string
}

// NewProvider creates a settings provider over the given store.
func NewProvider(st *store.Store) *Provider {
	return &Provider{
		store: st,
		cache: make(map[string]string),
	}
}

// Invalidate drops the cache so the next read reloads from the store.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]string)
}

// raw returns the persisted override for key, caching lookups
// including misses (cached as empty string, distinguished by ok).
func (p *Provider) raw(ctx context.Context, key string) (string, bool) {
	p.mu.RLock()
	v, cached := p.cache[key]
	p.mu.RUnlock()
	if cached {
		return v, v != ""
	}

	v, ok, err := p.store.GetSetting(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to read setting, using default")
		return "", false
	}
	if !ok {
		v = ""
	}

	p.mu.Lock()
	p.cache[key] = v
	p.mu.Unlock()
	return v, ok
}

// intSetting resolves an integer setting, falling back to def when
// the override is absent, unparsable, or out of [min, max].
func (p *Provider) intSetting(ctx context.Context, key string, def, min, max int) int {
	raw, ok := p.raw(ctx, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < min || n > max {
		log.Warn().Str("key", key).Str("value", raw).Int("default", def).
			Msg("Setting override out of range, using default")
		return def
	}
	return n
}

// DataRetentionDays returns the history retention window in days.
func (p *Provider) DataRetentionDays(ctx context.Context) int {
	return p.intSetting(ctx, KeyDataRetentionDays,
		DefaultDataRetentionDays, MinDataRetentionDays, MaxDataRetentionDays)
}

// RetentionCleanupTime returns the daily sweep time as "HH:MM",
// interpreted in local server time.
func (p *Provider) RetentionCleanupTime(ctx context.Context) string {
	raw, ok := p.raw(ctx, KeyRetentionCleanupTime)
	if !ok {
		return DefaultRetentionCleanupTime
	}
	raw = strings.TrimSpace(raw)
	if !cleanupTimeRegex.MatchString(raw) {
		log.Warn().Str("value", raw).Msg("Invalid retention_cleanup_time, using default")
		return DefaultRetentionCleanupTime
	}
	return raw
}

// DefaultPollInterval returns the fleet-wide poll interval applied to
// services without their own override.
func (p *Provider) DefaultPollInterval(ctx context.Context) time.Duration {
	ms := p.intSetting(ctx, KeyDefaultPollIntervalMS,
		DefaultPollIntervalMS, MinPollIntervalMS, MaxPollIntervalMS)
	return time.Duration(ms) * time.Millisecond
}

// SSRFAllowlist returns the configured outbound host/CIDR patterns.
func (p *Provider) SSRFAllowlist(ctx context.Context) []string {
	raw, ok := p.raw(ctx, KeySSRFAllowlist)
	if !ok {
		return nil
	}
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// AlertCooldown returns the minimum spacing between successful
// deliveries of the same alert tuple.
func (p *Provider) AlertCooldown(ctx context.Context) time.Duration {
	m := p.intSetting(ctx, KeyAlertCooldownMinutes,
		DefaultAlertCooldownMinutes, MinAlertCooldownMinutes, MaxAlertCooldownMinutes)
	return time.Duration(m) * time.Minute
}

// AlertRateLimitPerHour returns the per-team hourly delivery cap.
func (p *Provider) AlertRateLimitPerHour(ctx context.Context) int {
	return p.intSetting(ctx, KeyAlertRateLimitPerHour,
		DefaultAlertRateLimitPerHour, MinAlertRateLimitPerHour, MaxAlertRateLimitPerHour)
}
