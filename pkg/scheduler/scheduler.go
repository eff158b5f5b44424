// Package scheduler runs keyed one-shot timers and named periodic jobs on a shared
// worker pool. The broadcast pipeline keys confirmation polls and retries by
// transaction id; periodic jobs cover recovery sweeps, nonce reconcile and health checks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/benbjohnson/clock"
	"github.com/canopy-network/txrelay/pkg/metrics"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrStopped is returned when work is scheduled after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Task is a unit of scheduled work. ctx is cancelled when the scheduler stops.
type Task func(ctx context.Context)

type timer struct {
	t   *clock.Timer
	gen uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c clock.Clock) Option  { return func(s *Scheduler) { s.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithWorkers sets the pool size and queue depth. A full queue drops the task with a warning.
func WithWorkers(workers, queue int) Option {
	return func(s *Scheduler) {
		s.workers = workers
		s.queue = queue
	}
}

// Scheduler owns timers, cron entries and the pool that executes them.
type Scheduler struct {
	clock   clock.Clock
	logger  *zap.Logger
	workers int
	queue   int

	pool    pond.Pool
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timers  *xsync.Map[string, timer]
	gen     atomic.Uint64
	stopped atomic.Bool
	started atomic.Bool
}

// New builds a Scheduler. Cron jobs do not fire until Start.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clock.New(),
		logger:  zap.NewNop(),
		workers: 4 * runtime.NumCPU(),
		queue:   10_000,
		timers:  xsync.NewMap[string, timer](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pool = pond.NewPool(s.workers, pond.WithQueueSize(s.queue), pond.WithNonBlocking(true))
	s.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger{s.logger})))
	return s
}

// Start begins firing periodic jobs.
func (s *Scheduler) Start() {
	if s.started.CompareAndSwap(false, true) {
		s.cron.Start()
	}
}

// After runs fn once, d from now, under key. An existing task with the same key is
// replaced and will not run.
func (s *Scheduler) After(key string, d time.Duration, fn Task) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	gen := s.gen.Add(1)
	t := s.clock.AfterFunc(d, func() { s.fire(key, gen, fn) })

	prev, loaded := s.timers.LoadAndStore(key, timer{t: t, gen: gen})
	if loaded {
		prev.t.Stop()
	} else {
		metrics.ScheduledTasks.Inc()
	}
	return nil
}

// fire runs the task if its timer is still the current one for key.
func (s *Scheduler) fire(key string, gen uint64, fn Task) {
	current := false
	s.timers.Compute(key, func(old timer, loaded bool) (timer, xsync.ComputeOp) {
		if loaded && old.gen == gen {
			current = true
			return old, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
	if !current {
		return
	}
	metrics.ScheduledTasks.Dec()
	s.run(key, fn)
}

// run hands fn to the pool and reports whether it was accepted.
func (s *Scheduler) run(name string, fn Task) bool {
	if s.ctx.Err() != nil {
		return false
	}
	err := s.pool.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduled task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn(s.ctx)
	})
	if err != nil {
		s.logger.Warn("scheduled task dropped", zap.String("task", name), zap.Error(err))
		return false
	}
	return true
}

// Cancel removes the pending task for key and reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	prev, ok := s.timers.LoadAndDelete(key)
	if !ok {
		return false
	}
	prev.t.Stop()
	metrics.ScheduledTasks.Dec()
	return true
}

// Scheduled reports whether a one-shot task is waiting under key.
func (s *Scheduler) Scheduled(key string) bool {
	_, ok := s.timers.Load(key)
	return ok
}

// Every registers fn to run on interval, rounded up to whole seconds. A run that is
// still in progress when the next tick arrives makes that tick a no-op.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval < time.Second {
		interval = time.Second
	}
	return s.Cron(name, "@every "+interval.Round(time.Second).String(), fn)
}

// Cron registers fn under a six-field cron spec (seconds first) or a descriptor.
func (s *Scheduler) Cron(name, spec string, fn func(ctx context.Context)) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	var running atomic.Bool
	_, err := s.cron.AddFunc(spec, func() {
		if !running.CompareAndSwap(false, true) {
			s.logger.Debug("skipping overlapping run", zap.String("job", name))
			return
		}
		if !s.run(name, func(ctx context.Context) {
			defer running.Store(false)
			fn(ctx)
		}) {
			running.Store(false)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%s): %w", name, spec, err)
	}
	s.logger.Debug("periodic job registered", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Stop cancels every task, stops cron and waits for running work or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.timers.Range(func(key string, t timer) bool {
		if _, ok := s.timers.LoadAndDelete(key); ok {
			t.t.Stop()
			metrics.ScheduledTasks.Dec()
		}
		return true
	})

	cronDone := s.cron.Stop()
	poolDone := make(chan struct{})
	go func() {
		s.pool.StopAndWait()
		close(poolDone)
	}()

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-poolDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's own messages (mostly recovered panics) to zap.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, zap.Any("details", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
