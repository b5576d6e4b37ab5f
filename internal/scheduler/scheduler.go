// Package scheduler fires jobs on timeframe boundaries.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/core"
)

const week = 7 * 24 * time.Hour

// weekAnchor is the first Monday after the Unix epoch; weekly bars open on
// Mondays.
var weekAnchor = time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)

// Boundary returns the latest bar boundary at or before t. Boundaries are
// aligned to the Unix epoch, so 4h fires at 00, 04, 08 ... UTC.
func Boundary(t time.Time, interval time.Duration) time.Time {
	t = t.UTC()
	if interval == week {
		n := t.Sub(weekAnchor) / week
		if t.Before(weekAnchor.Add(n * week)) {
			n--
		}
		return weekAnchor.Add(n * week)
	}
	return t.Truncate(interval)
}

// Next returns the first bar boundary strictly after t.
func Next(t time.Time, interval time.Duration) time.Time {
	return Boundary(t, interval).Add(interval)
}

// Job is one periodic task, typically the tick of one symbol.
type Job struct {
	Name      string
	Timeframe string
	// Run receives the boundary that triggered it.
	Run func(ctx context.Context, boundary time.Time)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock and timer, for tests.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
		s.after = after
	}
}

// WithRunImmediately fires each job once for the current boundary on start.
func WithRunImmediately() Option {
	return func(s *Scheduler) { s.runImmediately = true }
}

// Scheduler runs each job on its own goroutine. A job never overlaps with
// itself; boundaries missed while it ran or while the process was paused
// coalesce into one run for the most recent boundary.
type Scheduler struct {
	offset         time.Duration
	runImmediately bool
	now            func() time.Time
	after          func(time.Duration) <-chan time.Time
	logger         *zap.Logger

	mu   sync.Mutex
	jobs []scheduled
}

type scheduled struct {
	Job
	interval time.Duration
}

// New creates a scheduler that fires offset after each boundary, giving the
// exchange time to close the bar.
func New(offset time.Duration, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if offset < 0 {
		offset = 0
	}
	s := &Scheduler{
		offset: offset,
		now:    time.Now,
		after:  time.After,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Its timeframe must be a known interval.
func (s *Scheduler) Add(job Job) error {
	interval, err := core.IntervalDuration(job.Timeframe)
	if err != nil {
		return err
	}
	if job.Run == nil {
		return core.Errorf(core.ErrConfigInvalid, "job %s has no run func", job.Name)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, scheduled{Job: job, interval: interval})
	s.mu.Unlock()
	return nil
}

// Start runs all jobs until ctx is done. It returns once every job has
// finished its current run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]scheduled(nil), s.jobs...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}
	wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j scheduled) {
	log := s.logger.With(zap.String("job", j.Name), zap.String("timeframe", j.Timeframe))

	last := Boundary(s.now().Add(-s.offset), j.interval)
	next := last.Add(j.interval)
	if s.runImmediately {
		j.Run(ctx, last)
	}
	log.Info("job scheduled", zap.Time("next", next), zap.Duration("offset", s.offset))

	for {
		wait := next.Add(s.offset).Sub(s.now())
		select {
		case <-ctx.Done():
			return
		case <-s.after(wait):
		}
		if ctx.Err() != nil {
			return
		}

		b := Boundary(s.now().Add(-s.offset), j.interval)
		if !b.After(last) {
			// woke early
			continue
		}
		if missed := int(b.Sub(next) / j.interval); missed > 0 {
			log.Warn("missed boundaries coalesced",
				zap.Int("missed", missed),
				zap.Time("boundary", b),
			)
		}
		j.Run(ctx, b)
		last = b
		next = b.Add(j.interval)
	}
}
