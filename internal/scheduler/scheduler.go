package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs periodic maintenance jobs.
type Scheduler struct {
	cron    *cron.Cron
	snap    *Snapshotter
	timeout time.Duration
	log     zerolog.Logger
}

// New creates a scheduler. Specs take a leading seconds field.
func New(snap *Snapshotter, timeout time.Duration, log zerolog.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		snap:    snap,
		timeout: timeout,
		log:     log,
	}
}

// RegisterSnapshots schedules MaybeSnapshot on spec.
func (s *Scheduler) RegisterSnapshots(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.RunSnapshotNow); err != nil {
		return fmt.Errorf("register snapshot job %q: %w", spec, err)
	}
	return nil
}

// RunSnapshotNow runs one snapshot check.
func (s *Scheduler) RunSnapshotNow() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	seq, err := s.snap.MaybeSnapshot(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("periodic snapshot failed")
		return
	}
	if seq > 0 {
		s.log.Debug().Int64("sequence", seq).Msg("periodic snapshot")
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop stops the scheduler and waits for a running job up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.log.Info().Msg("scheduler stopped")
}
