// Package scheduler runs the periodic sync jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"adsync/internal/metrics"

	"github.com/robfig/cron/v3"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Entry describes a registered job.
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
}

type registered struct {
	id      cron.EntryID
	spec    string
	wrapped cron.Job
}

// Scheduler triggers jobs on cron specs. A job never overlaps itself: a
// tick arriving while the previous run is still going is skipped.
type Scheduler struct {
	cron    *cron.Cron
	chain   cron.Chain
	parser  cron.Parser
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	jobs map[string]*registered
	wg   sync.WaitGroup
}

// New creates a stopped scheduler. timeout bounds a single job run; zero
// disables the bound.
func New(logger *slog.Logger, m *metrics.Metrics, timeout time.Duration) *Scheduler {
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
		),
		chain:   cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		parser:  parser,
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		logger:  logger,
		metrics: m,
		jobs:    make(map[string]*registered),
	}
}

// Add registers job under name with a cron spec such as "@every 15m".
func (s *Scheduler) Add(name, spec string, job Job) error {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", spec, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	wrapped := s.chain.Then(cron.FuncJob(func() { s.run(name, job) }))
	id := s.cron.Schedule(sched, wrapped)
	s.jobs[name] = &registered{id: id, spec: spec, wrapped: wrapped}
	s.logger.Info("job registered", "job", name, "schedule", spec)
	return nil
}

// RunNow triggers name outside its schedule. The overlap guard still
// applies, so a run already in progress makes this a no-op.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	r, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not registered", name)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.wrapped.Run()
	}()
	return nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.Entries()))
}

// Stop halts new ticks and waits for running jobs until ctx expires, after
// which their contexts are canceled.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		s.logger.Warn("scheduler stop timed out, canceling running jobs")
		return ctx.Err()
	}
}

// Entries lists registered jobs sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for name, r := range s.jobs {
		e := s.cron.Entry(r.id)
		out = append(out, Entry{Name: name, Schedule: r.spec, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) run(name string, job Job) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()
	logger := s.logger.With("job", name)
	logger.Debug("job started")
	if err := job(ctx); err != nil {
		s.metrics.IncError("scheduler")
		logger.Error("job failed", "error", err, "duration", time.Since(started))
		return
	}
	logger.Info("job finished", "duration", time.Since(started))
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
