package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Local runs timers in process on a gocron scheduler. Armed timers are lost
// on restart.
type Local struct {
	scheduler gocron.Scheduler
	log       *zap.Logger

	mu       sync.RWMutex
	handlers handlers
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewLocal creates a gocron-backed timer service
func NewLocal(log *zap.Logger) (*Local, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		scheduler: s,
		log:       log.Named("timer.local"),
		handlers:  make(handlers),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (l *Local) Handle(name string, fn Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[name] = fn
}

func (l *Local) After(name string, delay time.Duration) error {
	start := gocron.OneTimeJobStartImmediately()
	if delay > 0 {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(delay))
	}

	l.scheduler.RemoveByTags(name)
	_, err := l.scheduler.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(l.fire, name),
		gocron.WithName(name),
		gocron.WithTags(name),
	)
	if err != nil {
		return fmt.Errorf("failed to arm timer %s: %w", name, err)
	}
	l.log.Debug("timer armed", zap.String("timer", name), zap.Duration("delay", delay))
	return nil
}

func (l *Local) Every(name string, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("timer %s: period must be positive", name)
	}

	l.scheduler.RemoveByTags(name)
	_, err := l.scheduler.NewJob(
		gocron.DurationJob(period),
		gocron.NewTask(l.fire, name),
		gocron.WithName(name),
		gocron.WithTags(name),
		gocron.WithStartAt(gocron.WithStartDateTime(time.Now().Add(period))),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to arm timer %s: %w", name, err)
	}
	l.log.Debug("timer armed", zap.String("timer", name), zap.Duration("period", period))
	return nil
}

func (l *Local) Clear(name string) error {
	l.scheduler.RemoveByTags(name)
	return nil
}

func (l *Local) ClearAll() error {
	for _, j := range l.scheduler.Jobs() {
		if err := l.scheduler.RemoveJob(j.ID()); err != nil {
			l.log.Debug("timer already gone", zap.String("timer", j.Name()), zap.Error(err))
		}
	}
	return nil
}

func (l *Local) Armed(name string) (bool, error) {
	for _, j := range l.scheduler.Jobs() {
		if j.Name() != name {
			continue
		}
		// one-time jobs that already ran have no next run
		next, err := j.NextRun()
		if err == nil && !next.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

func (l *Local) Start(ctx context.Context) error {
	l.log.Info("starting timer scheduler")
	l.scheduler.Start()
	return nil
}

func (l *Local) Stop() error {
	l.log.Info("stopping timer scheduler")
	l.cancel()
	return l.scheduler.Shutdown()
}

func (l *Local) fire(name string) {
	l.mu.RLock()
	fn, ok := l.handlers.lookup(name)
	l.mu.RUnlock()
	if !ok {
		l.log.Warn("timer fired without a handler", zap.String("timer", name))
		return
	}
	fn(l.ctx)
}
