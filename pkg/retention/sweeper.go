// Package retention trims history tables once per day at the
// configured local time.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/depsera/depsera/pkg/settings"
	"github.com/depsera/depsera/pkg/store"
)

// tickInterval is how often the sweeper checks whether the cleanup
// time has arrived.
const tickInterval = time.Minute

// Sweeper deletes history rows older than the retention window. It
// fires at most once per calendar day and never runs two sweeps
// concurrently.
type Sweeper struct {
	store    *store.Store
	settings *settings.Provider

	mu      sync.Mutex
	lastDay string
	running bool

	now func() time.Time
}

// NewSweeper creates a retention sweeper.
func NewSweeper(st *store.Store, sp *settings.Provider) *Sweeper {
	return &Sweeper{
		store:    st,
		settings: sp,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled, sweeping when the configured
// cleanup time passes.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	log.Info().Msg("Retention sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention sweeper stopped")
			return
		case <-ticker.C:
			s.maybeSweep(ctx)
		}
	}
}

// maybeSweep runs a sweep when the local clock has passed today's
// cleanup time and no sweep has run today.
func (s *Sweeper) maybeSweep(ctx context.Context) {
	now := s.now()
	today := now.Format("2006-01-02")
	cleanupAt := s.settings.RetentionCleanupTime(ctx)

	s.mu.Lock()
	if s.running || s.lastDay == today || now.Format("15:04") < cleanupAt {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.sweep(ctx, now)

	s.mu.Lock()
	s.running = false
	s.lastDay = today
	s.mu.Unlock()
}

// sweep deletes everything older than the retention window.
func (s *Sweeper) sweep(ctx context.Context, now time.Time) {
	days := s.settings.DataRetentionDays(ctx)
	cutoff := now.AddDate(0, 0, -days)

	removed, err := s.store.DeleteHistoryBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	log.Info().
		Int("retention_days", days).
		Int64("rows_removed", removed).
		Str("cutoff", store.FormatTime(cutoff)).
		Msg("Retention sweep completed")
}
