// Package workerpool provides a bounded worker pool with per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("worker pool is shutting down")
	ErrQueueFull  = errors.New("task queue is full")
)

// Task is one unit of work. Context, when set, bounds every attempt.
type Task struct {
	ID      string
	Payload any
	Context context.Context

	done chan *Result
}

// Result is the outcome of the last attempt of a task
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     any
	Attempts int
}

// WorkerFunc processes one task attempt
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
	// MaxRetries is the number of extra attempts after a failure
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay grows linearly with the attempt number
	RetryDelay              time.Duration `mapstructure:"retry_delay"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// DefaultConfig returns defaults sized for headless browser print jobs
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               256,
		MaxRetries:              2,
		RetryDelay:              500 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed number of workers
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks chan *Task
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	queued    atomic.Int64
}

// New creates a pool. Start must be called before tasks run.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// SubmitWait queues task and blocks until it finishes or ctx is done. A
// full queue fails fast with ErrQueueFull so the caller can apply
// backpressure upstream.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.done = make(chan *Result, 1)
	if task.Context == nil {
		task.Context = ctx
	}

	if err := p.enqueue(task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.done:
		return result, nil
	}
}

func (p *Pool) enqueue(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		p.queued.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops accepting tasks and waits for queued ones to drain. Past the
// graceful timeout running attempts are cancelled.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		<-drained
		err = fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
		p.logger.Warn("worker pool shutdown timed out")
	}
	p.cancel()
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.queued.Add(-1)
		p.run(id, task)
	}
}

func (p *Pool) run(workerID int, task *Task) {
	ctx, stop := context.WithCancel(task.Context)
	defer stop()
	// pool cancellation at shutdown reaches tasks bound to a caller context
	go func() {
		select {
		case <-p.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	result := p.attempt(ctx, task)
	if result.Success {
		p.completed.Add(1)
	} else {
		p.failed.Add(1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Error))
	}
	task.done <- result
}

func (p *Pool) attempt(ctx context.Context, task *Task) *Result {
	var lastErr error
	for n := 1; n <= p.config.MaxRetries+1; n++ {
		if err := ctx.Err(); err != nil {
			return &Result{TaskID: task.ID, Error: err, Attempts: n - 1}
		}

		result := p.fn(ctx, task)
		if result == nil {
			result = &Result{Error: errors.New("worker returned no result")}
		}
		result.TaskID = task.ID
		result.Attempts = n
		if result.Success {
			return result
		}
		lastErr = result.Error

		if n > p.config.MaxRetries {
			break
		}
		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", n),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return &Result{TaskID: task.ID, Error: ctx.Err(), Attempts: n}
		case <-time.After(p.config.RetryDelay * time.Duration(n)):
		}
	}

	return &Result{
		TaskID:   task.ID,
		Error:    fmt.Errorf("task failed after %d attempts: %w", p.config.MaxRetries+1, lastErr),
		Attempts: p.config.MaxRetries + 1,
	}
}

// Stats is a point-in-time view of the pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		QueueDepth:     p.queued.Load(),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// ErrSaturated is reported by Check when the queue is nearly full
var ErrSaturated = errors.New("worker pool queue is saturated")

// IsHealthy reports whether the queue is below 90% of capacity
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}

// Check adapts IsHealthy to a readiness probe
func (p *Pool) Check(context.Context) error {
	if !p.IsHealthy() {
		return ErrSaturated
	}
	return nil
}
