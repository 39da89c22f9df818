// Package scheduler implements the process-internal periodic executor:
// real-time candle refresh, prediction emission, and prediction
// evaluation, each gated first by the Exchange Calendar and each
// carrying a per-job execution discipline (max_instances, coalesce,
// misfire_grace). Built on robfig/cron's dispatch loop rather than a
// hand-rolled ticker, with a custom JobWrapper layered on top for the
// overlap/misfire semantics cron doesn't provide out of the box. One of
// the three process-wide singletons, alongside the Cache Tier and the
// Registry.
package scheduler

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"marketcore/internal/metrics"
)

// Job is one periodic task. Name identifies it for max_instances
// bookkeeping and for the scheduler_job_runs/skips metrics.
type Job struct {
	Name         string
	Interval     time.Duration
	MaxInstances int
	MisfireGrace time.Duration
	Run          func(ctx context.Context)
}

// Scheduler runs every registered Job on cron's dispatch loop, enforcing
// max_instances overlap and misfire_grace via a JobWrapper; ticks always
// run off the dispatch goroutine so a slow job never delays the next
// entry's scheduling decision — which is also what gives coalesce=true
// its effect: a tick that fires while MaxInstances are already running
// is simply skipped rather than queued, so a burst of delayed ticks
// collapses to whatever fits in the overlap budget instead of piling up.
type Scheduler struct {
	cron *cron.Cron
	m    *metrics.Metrics
}

// New builds an empty Scheduler. Register jobs with Register, then call
// Start.
func New(m *metrics.Metrics) *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))), m: m}
}

// Register adds a job. Defaults: max_instances=3, misfire_grace=10s.
func (s *Scheduler) Register(job Job) {
	if job.MaxInstances <= 0 {
		job.MaxInstances = 3
	}
	if job.MisfireGrace <= 0 {
		job.MisfireGrace = 10 * time.Second
	}

	var inFlight int32
	var id cron.EntryID

	wrapped := cron.FuncJob(func() {
		scheduledAt := time.Now()
		if entry := s.cron.Entry(id); entry.ID != 0 {
			scheduledAt = entry.Prev
		}
		s.dispatch(job, &inFlight, scheduledAt)
	})

	id = s.cron.Schedule(cron.Every(job.Interval), wrapped)
}

// Start launches the cron dispatch loop. Cancelling ctx stops the loop so
// no further ticks fire. Each job invocation runs with its own background
// context, so a run already in flight is not cancelled by ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	go func() {
		<-ctx.Done()
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}()
}

// dispatch applies the misfire_grace and max_instances gates, then runs
// the job in its own goroutine so a slow run never blocks cron's
// dispatch loop from scheduling other jobs.
func (s *Scheduler) dispatch(job Job, inFlight *int32, scheduledAt time.Time) {
	if !scheduledAt.IsZero() && time.Since(scheduledAt) > job.MisfireGrace {
		s.recordSkip(job.Name, "misfire")
		return
	}

	n := atomic.AddInt32(inFlight, 1)
	if n > int32(job.MaxInstances) {
		atomic.AddInt32(inFlight, -1)
		s.recordSkip(job.Name, "max_instances")
		return
	}

	if s.m != nil {
		s.m.SchedulerJobRuns.WithLabelValues(job.Name).Inc()
	}

	go func() {
		defer atomic.AddInt32(inFlight, -1)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[scheduler] job %s panicked: %v", job.Name, r)
			}
		}()
		job.Run(context.Background())
	}()
}

func (s *Scheduler) recordSkip(job, reason string) {
	if s.m != nil {
		s.m.SchedulerJobSkips.WithLabelValues(job, reason).Inc()
	}
}
