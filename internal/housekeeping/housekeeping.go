// Package housekeeping runs scheduled maintenance against the billing store
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Purger removes webhook ledger rows received before a cutoff
type Purger interface {
	PurgeWebhookEvents(ctx context.Context, before time.Time) (int64, error)
}

// PurgeObserver receives the number of rows removed by each run
type PurgeObserver interface {
	ObservePurge(n int64)
}

// Scheduler purges the webhook ledger on a cron schedule
type Scheduler struct {
	cron      *cron.Cron
	store     Purger
	retention time.Duration
	observer  PurgeObserver
	now       func() time.Time
	log       zerolog.Logger
}

// New registers the ledger purge under schedule (standard 5-field cron or a
// descriptor such as @daily). observer may be nil.
func New(store Purger, retention time.Duration, schedule string, observer PurgeObserver) (*Scheduler, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("ledger retention must be positive, got %s", retention)
	}
	s := &Scheduler{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		store:     store,
		retention: retention,
		observer:  observer,
		now:       time.Now,
		log:       logger.Logger(map[string]interface{}{"component": "housekeeping"}),
	}

	if _, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.PurgeOnce(ctx); err != nil {
			s.log.Error().Err(err).Msg("Webhook ledger purge failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}
	return s, nil
}

// PurgeOnce deletes ledger rows older than the retention window
func (s *Scheduler) PurgeOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.store.PurgeWebhookEvents(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if s.observer != nil {
		s.observer.ObservePurge(n)
	}
	s.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Webhook ledger purged")
	return n, nil
}

// Run starts the scheduler and blocks until ctx is cancelled and running jobs finish
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info().Dur("retention", s.retention).Msg("Housekeeping scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Housekeeping scheduler stopped")
	return nil
}
