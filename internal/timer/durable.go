package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TaskTypeTimer is the asynq task type used for every durable timer firing
const TaskTypeTimer = "timer:fire"

type timerPayload struct {
	Name       string        `json:"name"`
	Generation string        `json:"generation"`
	Period     time.Duration `json:"period,omitempty"`
}

// Durable keeps timers as delayed asynq tasks so they outlive a restart. The
// current generation of each armed name lives in redis; a task whose
// generation no longer matches was cleared or replaced and is dropped.
type Durable struct {
	rdb       redis.UniversalClient
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	queue     string
	log       *zap.Logger

	mu       sync.RWMutex
	handlers handlers
}

// NewDurable creates an asynq-backed timer service on queue
func NewDurable(rdb redis.UniversalClient, opt asynq.RedisConnOpt, queue string, log *zap.Logger) *Durable {
	log = log.Named("timer.durable")
	return &Durable{
		rdb:       rdb,
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		server: asynq.NewServer(opt, asynq.Config{
			// one worker keeps firings of the same name ordered
			Concurrency: 1,
			Queues:      map[string]int{queue: 1},
			Logger:      log.Sugar(),
			LogLevel:    asynq.WarnLevel,
		}),
		queue:    queue,
		log:      log,
		handlers: make(handlers),
	}
}

func (d *Durable) Handle(name string, fn Func) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = fn
}

func (d *Durable) After(name string, delay time.Duration) error {
	return d.arm(name, delay, 0)
}

func (d *Durable) Every(name string, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("timer %s: period must be positive", name)
	}
	return d.arm(name, period, period)
}

func (d *Durable) arm(name string, delay, period time.Duration) error {
	ctx := context.Background()
	if err := d.Clear(name); err != nil {
		return err
	}

	gen := uuid.NewString()
	if err := d.rdb.Set(ctx, d.generationKey(name), gen, 0).Err(); err != nil {
		return fmt.Errorf("failed to store timer generation: %w", err)
	}
	if err := d.enqueue(ctx, timerPayload{Name: name, Generation: gen, Period: period}, delay); err != nil {
		return err
	}
	d.log.Debug("timer armed", zap.String("timer", name), zap.Duration("delay", delay), zap.Duration("period", period))
	return nil
}

func (d *Durable) enqueue(ctx context.Context, p timerPayload, delay time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal timer payload: %w", err)
	}

	task := asynq.NewTask(TaskTypeTimer, data)
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(d.queue),
		asynq.TaskID(p.Name+":"+uuid.NewString()),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue timer %s: %w", p.Name, err)
	}
	return nil
}

func (d *Durable) Clear(name string) error {
	if err := d.rdb.Del(context.Background(), d.generationKey(name)).Err(); err != nil {
		return fmt.Errorf("failed to clear timer generation: %w", err)
	}
	return d.deleteTasks(name + ":")
}

func (d *Durable) ClearAll() error {
	for _, name := range d.names() {
		if err := d.rdb.Del(context.Background(), d.generationKey(name)).Err(); err != nil {
			return fmt.Errorf("failed to clear timer generation: %w", err)
		}
	}
	return d.deleteTasks("")
}

func (d *Durable) Armed(name string) (bool, error) {
	n, err := d.rdb.Exists(context.Background(), d.generationKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read timer generation: %w", err)
	}
	return n > 0, nil
}

// deleteTasks removes scheduled and pending timer tasks whose ID has prefix
func (d *Durable) deleteTasks(prefix string) error {
	list := []func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error){
		d.inspector.ListScheduledTasks,
		d.inspector.ListPendingTasks,
	}
	for _, fetch := range list {
		tasks, err := fetch(d.queue, asynq.PageSize(1000))
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list timer tasks: %w", err)
		}
		for _, t := range tasks {
			if t.Type != TaskTypeTimer || !strings.HasPrefix(t.ID, prefix) {
				continue
			}
			if err := d.inspector.DeleteTask(d.queue, t.ID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
				return fmt.Errorf("failed to delete timer task %s: %w", t.ID, err)
			}
		}
	}
	return nil
}

func (d *Durable) Start(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeTimer, d.ProcessTask)
	if err := d.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start timer worker: %w", err)
	}
	d.log.Info("timer worker started", zap.String("queue", d.queue))
	return nil
}

func (d *Durable) Stop() error {
	d.server.Shutdown()
	if err := d.inspector.Close(); err != nil {
		d.log.Warn("failed to close inspector", zap.Error(err))
	}
	return d.client.Close()
}

// ProcessTask fires the timer carried by t if it is still the armed generation
func (d *Durable) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p timerPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal timer payload: %w", err)
	}

	current, err := d.rdb.Get(ctx, d.generationKey(p.Name)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && current != p.Generation) {
		d.log.Debug("dropping stale timer", zap.String("timer", p.Name))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read timer generation: %w", err)
	}

	if p.Period > 0 {
		// next tick goes in before the callback so a slow callback keeps the cadence
		if err := d.enqueue(ctx, p, p.Period); err != nil {
			d.log.Error("failed to reschedule timer", zap.String("timer", p.Name), zap.Error(err))
		}
	} else if err := d.rdb.Del(ctx, d.generationKey(p.Name)).Err(); err != nil {
		d.log.Warn("failed to clear fired timer", zap.String("timer", p.Name), zap.Error(err))
	}

	d.mu.RLock()
	fn, ok := d.handlers.lookup(p.Name)
	d.mu.RUnlock()
	if !ok {
		d.log.Warn("timer fired without a handler", zap.String("timer", p.Name))
		return nil
	}
	fn(ctx)
	return nil
}

func (d *Durable) names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

func (d *Durable) generationKey(name string) string {
	return "timer:" + d.queue + ":" + name
}
