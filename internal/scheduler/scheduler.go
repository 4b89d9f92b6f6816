// Package scheduler triggers bot runs on per-bot cron schedules.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/bryan-buckman/infobots/internal/model"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner is the orchestrator surface the scheduler drives.
type Runner interface {
	Run(ctx context.Context, bot model.BotIdentity, dryRun bool) model.RunStats
	Cleanup(ctx context.Context, maxAgeDays int) (int64, error)
}

// Options configures a Scheduler.
type Options struct {
	Stagger         time.Duration // delay between registering consecutive bots
	CleanupSchedule string        // cron spec, empty disables
	RetentionDays   int
	DryRun          bool
}

// Scheduler owns the cron engine and the registration goroutines.
type Scheduler struct {
	runner Runner
	bots   []model.BotIdentity
	opts   Options
	logger *zap.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context // cancelled by Stop
	jobCtx  context.Context // not cancelled by Stop; runs finish on their own
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler for bots.
func New(runner Runner, bots []model.BotIdentity, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Named("cron")}
	return &Scheduler{
		runner:  runner,
		bots:    bots,
		opts:    opts,
		logger:  logger,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		entries: make(map[string]cron.EntryID),
	}
}

// Start runs cleanup once, starts the cron engine and registers each bot
// after i*Stagger. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.jobCtx = context.WithoutCancel(ctx)

	if s.opts.CleanupSchedule != "" {
		if _, err := s.cron.AddFunc(s.opts.CleanupSchedule, s.cleanup); err != nil {
			s.cancel()
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.cleanup()
		}()
	}

	s.cron.Start()
	s.started = true

	for i, b := range s.bots {
		delay := time.Duration(i) * s.opts.Stagger
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if delay > 0 {
				t := time.NewTimer(delay)
				defer t.Stop()
				select {
				case <-t.C:
				case <-s.ctx.Done():
					return
				}
			}
			s.register(b)
		}()
	}
	s.logger.Info("scheduler started", zap.Int("bots", len(s.bots)), zap.Duration("stagger", s.opts.Stagger))
	return nil
}

func (s *Scheduler) register(b model.BotIdentity) {
	id, err := s.cron.AddFunc(b.Schedule, func() {
		s.runner.Run(s.jobCtx, b, s.opts.DryRun)
	})
	if err != nil {
		s.logger.Error("schedule rejected", zap.String("bot", b.Name), zap.String("schedule", b.Schedule), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.entries[b.ID] = id
	s.mu.Unlock()
	s.logger.Info("bot scheduled", zap.String("bot", b.Name), zap.String("schedule", b.Schedule))
}

func (s *Scheduler) cleanup() {
	if _, err := s.runner.Cleanup(s.jobCtx, s.opts.RetentionDays); err != nil {
		s.logger.Warn("scheduled cleanup failed", zap.Error(err))
	}
}

// Registered returns the ids of bots that currently have a trigger.
func (s *Scheduler) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Next returns the next trigger time of a bot, if registered.
func (s *Scheduler) Next(botID string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[botID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Stop cancels pending registrations, stops all triggers and waits for
// running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
