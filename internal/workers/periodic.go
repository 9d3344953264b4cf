// Package workers runs the background maintenance loops.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCycleRunning is returned by RunOnce when a cycle of the same loop is in progress.
var ErrCycleRunning = errors.New("cycle already running")

// Job is one cycle of a loop.
type Job func(ctx context.Context) error

type Options struct {
	Interval     time.Duration
	InitialDelay time.Duration
	CycleTimeout time.Duration
	// Lock, when set, must be held for a cycle to run. A cycle that cannot take
	// it is skipped.
	Lock *RedisLock
}

// Periodic calls a Job after an initial delay and then on every tick until its
// context is cancelled.
type Periodic struct {
	name   string
	job    Job
	opts   Options
	logger *zap.Logger
	mu     sync.Mutex
}

func NewPeriodic(name string, job Job, opts Options, logger *zap.Logger) *Periodic {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = opts.Interval
	}
	return &Periodic{
		name:   name,
		job:    job,
		opts:   opts,
		logger: logger.Named("worker").With(zap.String("loop", name)),
	}
}

func (p *Periodic) Name() string { return p.name }

// Run blocks until ctx is done. A cycle that started before cancellation is
// allowed to finish.
func (p *Periodic) Run(ctx context.Context) {
	p.logger.Info("worker started",
		zap.Duration("interval", p.opts.Interval),
		zap.Duration("initial_delay", p.opts.InitialDelay))
	defer p.logger.Info("worker stopped")

	if p.opts.InitialDelay > 0 {
		timer := time.NewTimer(p.opts.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		if err := p.RunOnce(ctx); err != nil && !errors.Is(err, ErrCycleRunning) {
			p.logger.Error("cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single cycle detached from ctx cancellation and bounded by
// the cycle timeout.
func (p *Periodic) RunOnce(ctx context.Context) (err error) {
	if !p.mu.TryLock() {
		return ErrCycleRunning
	}
	defer p.mu.Unlock()

	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CycleTimeout)
	defer cancel()

	if p.opts.Lock != nil {
		token, ok, lockErr := p.opts.Lock.Acquire(cycleCtx)
		if lockErr != nil {
			return fmt.Errorf("acquire %s lock: %w", p.name, lockErr)
		}
		if !ok {
			p.logger.Debug("cycle skipped, lock held elsewhere")
			return nil
		}
		defer func() {
			if relErr := p.opts.Lock.Release(context.WithoutCancel(cycleCtx), token); relErr != nil {
				p.logger.Warn("lock release failed", zap.Error(relErr))
			}
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("cycle panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%s cycle panicked: %v", p.name, r)
		}
	}()

	start := time.Now()
	err = p.job(cycleCtx)
	p.logger.Debug("cycle finished", zap.Duration("duration", time.Since(start)), zap.Error(err))
	return err
}
