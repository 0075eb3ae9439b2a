// Package scheduler runs the crawl and enrichment jobs once a day and on
// operator request, never two at a time.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mathvid/internal/config"
	"mathvid/internal/logging"
)

// JobPipeline is the job the daily timer fires.
const JobPipeline = "pipeline"

const minRunGap = 15 * time.Second

var (
	ErrAlreadyRunning = errors.New("a job is already running")
	ErrCooldown       = errors.New("a job just completed; wait a few seconds before starting again")
	ErrUnknownJob     = errors.New("unknown job")
)

type Runner interface {
	Run(context.Context) error
}

type RunnerFunc func(context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Sequence runs jobs in order and stops at the first error.
func Sequence(jobs ...Runner) Runner {
	return RunnerFunc(func(ctx context.Context) error {
		for _, j := range jobs {
			if err := j.Run(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

type Scheduler struct {
	dailyHHMM string
	jobs      map[string]Runner
	now       func() time.Time
	log       zerolog.Logger

	mu      sync.Mutex
	running bool
	state   RunState
	wg      sync.WaitGroup
}

func New(dailyHHMM string, jobs map[string]Runner) *Scheduler {
	return &Scheduler{
		dailyHHMM: dailyHHMM,
		jobs:      jobs,
		now:       time.Now,
		log:       logging.Component("scheduler"),
	}
}

type RunState struct {
	Running         bool      `json:"running"`
	CurrentJob      string    `json:"current_job"`
	CurrentSource   string    `json:"current_source"`
	StartedAt       time.Time `json:"started_at"`
	LastJob         string    `json:"last_job"`
	LastCompletedAt time.Time `json:"last_completed_at"`
	LastDurationMS  int64     `json:"last_duration_ms"`
	LastError       string    `json:"last_error"`
	LastSource      string    `json:"last_source"`
	NextRunAt       time.Time `json:"next_run_at"`
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start fires the pipeline job every day at the configured local time until
// ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			next, err := NextRun(s.now(), s.dailyHHMM)
			if err != nil {
				s.log.Error().Err(err).Str("daily_run_time", s.dailyHHMM).Msg("invalid daily time; scheduler disabled")
				return
			}
			s.mu.Lock()
			s.state.NextRunAt = next
			s.mu.Unlock()
			wait := next.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
			s.log.Info().Time("next", next).Msg("next pipeline run scheduled")
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if err := s.RunNow(ctx, JobPipeline, "scheduled"); err != nil {
				s.log.Error().Err(err).Msg("scheduled run failed")
			}
		}
	}()
}

// RunNow runs job synchronously. It refuses while another job runs or within
// a short gap after the previous one finished.
func (s *Scheduler) RunNow(ctx context.Context, job, source string) error {
	runner, ok := s.jobs[job]
	if !ok {
		return ErrUnknownJob
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if !s.state.LastCompletedAt.IsZero() && s.now().Sub(s.state.LastCompletedAt) < minRunGap {
		s.mu.Unlock()
		return ErrCooldown
	}
	s.running = true
	s.wg.Add(1)
	defer s.wg.Done()
	s.state.Running = true
	s.state.CurrentJob = job
	s.state.CurrentSource = source
	s.state.StartedAt = s.now()
	s.mu.Unlock()

	ctx = logging.NewRunContext(ctx, job)
	log := logging.Ctx(ctx, s.log)
	log.Info().Str("job", job).Str("source", source).Msg("job started")
	start := time.Now()
	err := s.safeRun(ctx, runner)
	took := time.Since(start)

	s.mu.Lock()
	s.running = false
	s.state.Running = false
	s.state.CurrentJob = ""
	s.state.CurrentSource = ""
	s.state.LastJob = job
	s.state.LastCompletedAt = s.now()
	s.state.LastDurationMS = took.Milliseconds()
	s.state.LastSource = source
	s.state.LastError = ""
	if err != nil {
		s.state.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("job", job).Dur("took", took.Round(time.Millisecond)).Msg("job finished with error")
		return err
	}
	log.Info().Str("job", job).Dur("took", took.Round(time.Millisecond)).Msg("job finished")
	return nil
}

// Wait blocks until the daily timer has stopped and no job is running.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) safeRun(ctx context.Context, r Runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return r.Run(ctx)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return "job panicked: " + stringify(e.value) }

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case error:
		return x.Error()
	}
	return "non-error panic value"
}

func (s *Scheduler) Snapshot() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextRun returns the first HH:MM strictly after now, in now's location.
func NextRun(now time.Time, hhmm string) (time.Time, error) {
	h, m, err := config.ParseDailyTime(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	t := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}
