package settings

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/depsera/depsera/pkg/store"
)

func newTestProvider(t *testing.T) (*Provider, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewProvider(st), st
}

func setSetting(t *testing.T, st *store.Store, key, value string) {
	t.Helper()
	if err := st.SetSetting(context.Background(), key, value); err != nil {
		t.Fatalf("SetSetting(%s) error = %v", key, err)
	}
}

func TestDefaults(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	if got := p.DataRetentionDays(ctx); got != DefaultDataRetentionDays {
		t.Errorf("DataRetentionDays() = %d, want %d", got, DefaultDataRetentionDays)
	}
	if got := p.RetentionCleanupTime(ctx); got != DefaultRetentionCleanupTime {
		t.Errorf("RetentionCleanupTime() = %q, want %q", got, DefaultRetentionCleanupTime)
	}
	if got := p.DefaultPollInterval(ctx); got != 30*time.Second {
		t.Errorf("DefaultPollInterval() = %v, want 30s", got)
	}
	if got := p.SSRFAllowlist(ctx); got != nil {
		t.Errorf("SSRFAllowlist() = %v, want nil", got)
	}
	if got := p.AlertCooldown(ctx); got != 5*time.Minute {
		t.Errorf("AlertCooldown() = %v, want 5m", got)
	}
	if got := p.AlertRateLimitPerHour(ctx); got != DefaultAlertRateLimitPerHour {
		t.Errorf("AlertRateLimitPerHour() = %d, want %d", got, DefaultAlertRateLimitPerHour)
	}
}

func TestIntSettingOverridesAndBounds(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"override in range", "90", 90},
		{"trimmed whitespace", " 30 ", 30},
		{"below minimum", "0", DefaultDataRetentionDays},
		{"above maximum", "99999", DefaultDataRetentionDays},
		{"not a number", "soon", DefaultDataRetentionDays},
		{"empty string", "", DefaultDataRetentionDays},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, st := newTestProvider(t)
			setSetting(t, st, KeyDataRetentionDays, tt.value)
			if got := p.DataRetentionDays(context.Background()); got != tt.want {
				t.Errorf("DataRetentionDays() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRetentionCleanupTimeValidation(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"valid", "23:45", "23:45"},
		{"valid midnight", "00:00", "00:00"},
		{"hour out of range", "24:00", DefaultRetentionCleanupTime},
		{"minute out of range", "12:60", DefaultRetentionCleanupTime},
		{"missing leading zero", "2:00", DefaultRetentionCleanupTime},
		{"garbage", "noon", DefaultRetentionCleanupTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, st := newTestProvider(t)
			setSetting(t, st, KeyRetentionCleanupTime, tt.value)
			if got := p.RetentionCleanupTime(context.Background()); got != tt.want {
				t.Errorf("RetentionCleanupTime() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSSRFAllowlistParsing(t *testing.T) {
	p, st := newTestProvider(t)
	setSetting(t, st, KeySSRFAllowlist, " 10.0.0.0/8, *.internal.example.com ,, localhost ")

	got := p.SSRFAllowlist(context.Background())
	want := []string{"10.0.0.0/8", "*.internal.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("SSRFAllowlist() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SSRFAllowlist()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCooldownZeroIsValid(t *testing.T) {
	p, st := newTestProvider(t)
	setSetting(t, st, KeyAlertCooldownMinutes, "0")
	if got := p.AlertCooldown(context.Background()); got != 0 {
		t.Errorf("AlertCooldown() = %v, want 0", got)
	}
}

func TestCacheAndInvalidate(t *testing.T) {
	p, st := newTestProvider(t)
	ctx := context.Background()

	// First read caches the miss.
	if got := p.DataRetentionDays(ctx); got != DefaultDataRetentionDays {
		t.Fatalf("DataRetentionDays() = %d, want default", got)
	}

	// A write behind the cache is not visible until Invalidate.
	setSetting(t, st, KeyDataRetentionDays, "7")
	if got := p.DataRetentionDays(ctx); got != DefaultDataRetentionDays {
		t.Errorf("DataRetentionDays() = %d, want cached default", got)
	}

	p.Invalidate()
	if got := p.DataRetentionDays(ctx); got != 7 {
		t.Errorf("DataRetentionDays() after Invalidate = %d, want 7", got)
	}
}
