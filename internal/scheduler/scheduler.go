// Package scheduler triggers the weekly digest run on a cron spec.
package scheduler

import (
	"log"

	"github.com/robfig/cron/v3"

	"github.com/ignite/inbox-digest/internal/config"
	"github.com/ignite/inbox-digest/internal/digest"
)

// Trigger launches a digest run and returns its execution id.
type Trigger interface {
	StartDigest(mode digest.Mode, window digest.Window, batchSize int) string
}

// Scheduler owns the cron runner for the weekly digest.
type Scheduler struct {
	cfg     config.SchedulerConfig
	trigger Trigger
	cron    *cron.Cron
	entryID cron.EntryID
}

// New builds the scheduler; Start is a no-op when disabled.
func New(cfg config.SchedulerConfig, trigger Trigger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		trigger: trigger,
		cron:    cron.New(),
	}
}

// Start registers the weekly job and begins ticking.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		log.Printf("[Scheduler] disabled; weekly digest runs only on manual trigger")
		return nil
	}
	id, err := s.cron.AddFunc(s.cfg.CronSpec, func() {
		executionID := s.trigger.StartDigest(digest.ModeWeekly, digest.Window{}, 0)
		log.Printf("[Scheduler] weekly digest triggered, execution %s", executionID)
	})
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	log.Printf("[Scheduler] weekly digest scheduled: %q", s.cfg.CronSpec)
	return nil
}

// NextRun returns the next scheduled fire time (zero when disabled).
func (s *Scheduler) NextRun() (next string) {
	if !s.cfg.Enabled || s.entryID == 0 {
		return ""
	}
	return s.cron.Entry(s.entryID).Next.UTC().Format("2006-01-02T15:04:05Z")
}

// Stop halts the cron runner, waiting for a running job to hand off.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
