package runstate

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultJanitorSchedule prunes active indexes every five minutes
const DefaultJanitorSchedule = "@every 5m"

// Janitor periodically prunes per-user active indexes
type Janitor struct {
	manager  *Manager
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewJanitor creates a janitor; an empty schedule uses DefaultJanitorSchedule
func NewJanitor(manager *Manager, schedule string, logger zerolog.Logger) *Janitor {
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	return &Janitor{
		manager:  manager,
		cron:     cron.New(),
		schedule: schedule,
		timeout:  time.Minute,
		logger:   logger,
	}
}

// Start registers the prune job and starts the scheduler
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.RunOnce); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	j.logger.Info().Str("schedule", j.schedule).Msg("Janitor started")
	return nil
}

// RunOnce prunes every active index once
func (j *Janitor) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	removed, err := j.manager.PruneAll(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("Active index prune failed")
		return
	}
	if removed > 0 {
		j.logger.Info().Int("removed", removed).Msg("Pruned active indexes")
	}
}

// Stop waits for a running prune to finish or ctx to expire
func (j *Janitor) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
	j.logger.Info().Msg("Janitor stopped")
}
