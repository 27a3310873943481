// Package scheduler runs recurring jobs on a cron schedule, adapted from
// the teacher's internal/scheduler/scheduler.go. This module's only job is
// the data-refresh cron entry point (cmd/backteng-cron); the Job
// interface/Scheduler wrapper stays generic so any future recurring task
// can reuse it without pulling in the teacher's portfolio-sync domain.
package scheduler

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named unit of recurring work.
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages background jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a Scheduler. withSeconds enables the six-field cron format
// (seconds resolution); false uses the standard five-field format.
func New(log zerolog.Logger, withSeconds bool) *Scheduler {
	var opts []cron.Option
	if withSeconds {
		opts = append(opts, cron.WithSeconds())
	}
	return &Scheduler{
		cron: cron.New(opts...),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler's background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop stops the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers job to run on schedule (standard cron syntax, plus
// "@every 30s"/"@hourly"/"@daily" shorthand).
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("running job")
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("job completed")
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("job registered")
	return nil
}

// RunNow executes job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("running job immediately")
	return job.Run()
}
