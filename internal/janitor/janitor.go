// Package janitor sweeps terminal workflows past the retention window
// out of the store on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seqlab/conveyor/internal/store"
	"github.com/seqlab/conveyor/pkg/schema"
)

// Config holds the retention settings. A zero RetentionDays disables
// the janitor entirely.
type Config struct {
	RetentionDays  int
	CronExpression string
}

// Janitor deletes terminal workflows older than the retention window.
type Janitor struct {
	store    store.Store
	cfg      Config
	schedule cron.Schedule
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

// New creates a Janitor. The cron expression defaults to a nightly run
// at 03:00.
func New(s store.Store, cfg Config, logger *slog.Logger) (*Janitor, error) {
	if cfg.CronExpression == "" {
		cfg.CronExpression = "0 3 * * *"
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.CronExpression)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup cron expression %q: %w", cfg.CronExpression, err)
	}
	return &Janitor{
		store:    s,
		cfg:      cfg,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// Enabled reports whether retention is configured.
func (j *Janitor) Enabled() bool {
	return j.cfg.RetentionDays > 0
}

// Start launches the background sweep loop. Disabled janitors are a
// no-op.
func (j *Janitor) Start(ctx context.Context) error {
	if !j.Enabled() {
		j.logger.Info("retention janitor disabled")
		return nil
	}

	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.loop(runCtx)
	j.logger.Info("retention janitor started",
		slog.Int("retention_days", j.cfg.RetentionDays),
		slog.String("schedule", j.cfg.CronExpression),
	)
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	nextRun := j.schedule.Next(time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if now.Before(nextRun) {
				continue
			}
			if err := j.Sweep(ctx); err != nil {
				j.logger.Error("retention sweep failed", slog.String("error", err.Error()))
			}
			nextRun = j.schedule.Next(now)
		}
	}
}

// Stop gracefully shuts down the sweep loop.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel == nil {
		return nil
	}

	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil

	j.logger.Info("retention janitor stopped")
	return nil
}

// Sweep deletes terminal workflows whose completion predates the
// retention cutoff, then reclaims file space when anything was
// removed.
func (j *Janitor) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -j.cfg.RetentionDays)
	deleted, err := j.store.DeleteWorkflowsBefore(ctx, cutoff, []schema.WorkflowStatus{
		schema.WorkflowStatusSucceeded,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusCancelled,
	})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return nil
	}

	j.logger.Info("retention sweep removed workflows",
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff),
	)
	return j.store.Vacuum(ctx)
}
