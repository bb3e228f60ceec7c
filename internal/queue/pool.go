// Package queue runs tasks on a bounded worker pool with per-task retries and a
// shared rate limit, and fires one join callback per scattered batch.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stellarlinkco/personasurvey/internal/logging"
	"github.com/stellarlinkco/personasurvey/internal/metrics"
)

var (
	ErrStopped           = errors.New("queue stopped")
	ErrJoinRegistered    = errors.New("join already registered")
	ErrForeignBatch      = errors.New("batch belongs to another pool")
	errInvalidMaxRetries = errors.New("max retries must not be negative")
)

// Handler executes one task. Errors wrapped with backoff.Permanent are not retried.
type Handler[T, R any] func(ctx context.Context, task T) (R, error)

type Options struct {
	Workers int
	// MaxRetries counts retries after the first attempt.
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RatePerMinute caps attempt starts across all workers. Zero disables the limit.
	RatePerMinute int
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Outcome is the settled result of one task.
type Outcome[T, R any] struct {
	Task     T
	Value    R
	Err      error
	Attempts int
}

type job[T, R any] struct {
	batch *Batch[T, R]
	index int
	task  T
}

// Pool is a generic in-process task queue.
type Pool[T, R any] struct {
	handler Handler[T, R]
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	backlog []job[T, R]
	started bool
	stopped bool
	cancel  context.CancelFunc

	wake    chan struct{}
	quit    chan struct{}
	workers sync.WaitGroup
	joins   sync.WaitGroup
}

func New[T, R any](handler Handler[T, R], opts Options) (*Pool[T, R], error) {
	if handler == nil {
		return nil, fmt.Errorf("new queue: nil handler")
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("new queue: %w", errInvalidMaxRetries)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}

	limit := rate.Inf
	if opts.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RatePerMinute))
	}
	return &Pool[T, R]{
		handler: handler,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logging.OrNop(opts.Logger).Named("queue"),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}, nil
}

// Start launches the workers. Tasks run under a context derived from ctx.
func (p *Pool[T, R]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return nil
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.opts.Workers; i++ {
		p.workers.Add(1)
		go p.worker(runCtx)
	}
	p.logger.Info("workers started", zap.Int("workers", p.opts.Workers), zap.Int("rate_per_minute", p.opts.RatePerMinute))
	if len(p.backlog) > 0 {
		p.signal()
	}
	return nil
}

// Stop stops taking tasks, waits for in-flight tasks and fires every pending join.
// Tasks still queued settle with ErrStopped. When ctx expires first, in-flight
// tasks are cancelled and ctx's error is returned.
func (p *Pool[T, R]) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.quit)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		p.drain()
		p.joins.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelRun()
		p.logger.Info("workers stopped")
		return nil
	case <-ctx.Done():
		p.cancelRun()
		<-done
		return ctx.Err()
	}
}

func (p *Pool[T, R]) cancelRun() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Scatter enqueues tasks as one batch and returns without waiting. An empty
// key gets a random one.
func (p *Pool[T, R]) Scatter(ctx context.Context, key string, tasks []T) (*Batch[T, R], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		key = uuid.NewString()
	}
	b := newBatch[T, R](p, key, tasks)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	for i, t := range tasks {
		p.backlog = append(p.backlog, job[T, R]{batch: b, index: i, task: t})
	}
	started := p.started
	p.mu.Unlock()

	p.opts.Metrics.QueueAdd(len(tasks))
	p.logger.Debug("batch scattered", zap.String("batch", key), zap.Int("tasks", len(tasks)))
	if started && len(tasks) > 0 {
		p.signal()
	}
	return b, nil
}

// OnJoin registers the batch's join. fn runs once, on its own goroutine, after
// every task has settled, including when the batch settled before OnJoin.
func (p *Pool[T, R]) OnJoin(b *Batch[T, R], fn func([]Outcome[T, R])) error {
	if b == nil || b.pool != p {
		return ErrForeignBatch
	}
	if fn == nil {
		return fmt.Errorf("on join: nil callback")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.join != nil {
		return ErrJoinRegistered
	}
	b.join = fn
	if b.pending == 0 {
		p.fire(b)
	}
	return nil
}

func (p *Pool[T, R]) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool[T, R]) next(ctx context.Context) (job[T, R], bool) {
	for {
		p.mu.Lock()
		if len(p.backlog) > 0 {
			j := p.backlog[0]
			p.backlog[0] = job[T, R]{}
			p.backlog = p.backlog[1:]
			more := len(p.backlog) > 0
			p.mu.Unlock()
			if more {
				p.signal()
			}
			return j, true
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-p.quit:
			return job[T, R]{}, false
		case <-ctx.Done():
			return job[T, R]{}, false
		}
	}
}

func (p *Pool[T, R]) worker(ctx context.Context) {
	defer p.workers.Done()
	for {
		select {
		case <-p.quit:
			return
		default:
		}
		j, ok := p.next(ctx)
		if !ok {
			return
		}
		value, attempts, err := p.execute(ctx, j.task)
		p.settle(j, value, attempts, err)
	}
}

func (p *Pool[T, R]) execute(ctx context.Context, task T) (R, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.BackoffInitial
	b.MaxInterval = p.opts.BackoffMax

	maxTries := uint(p.opts.MaxRetries + 1)
	attempts := 0
	op := func() (R, error) {
		var zero R
		if err := p.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		attempts++
		start := time.Now()
		v, err := p.handler(ctx, task)
		var perm *backoff.PermanentError
		switch {
		case err == nil:
			p.opts.Metrics.TaskAttempt(metrics.OutcomeSucceeded, time.Since(start))
		case errors.As(err, &perm) || uint(attempts) >= maxTries || ctx.Err() != nil:
			p.opts.Metrics.TaskAttempt(metrics.OutcomeFailed, time.Since(start))
		default:
			p.opts.Metrics.TaskAttempt(metrics.OutcomeRetried, time.Since(start))
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(time.Duration(maxTries)*p.opts.BackoffMax+time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("task failed, retrying", zap.Error(err), zap.Duration("backoff", next), zap.Int("attempt", attempts))
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, attempts, err
}

func (p *Pool[T, R]) settle(j job[T, R], value R, attempts int, err error) {
	p.opts.Metrics.QueueAdd(-1)
	if err != nil {
		p.logger.Warn("task failed permanently", zap.String("batch", j.batch.Key), zap.Int("attempts", attempts), zap.Error(err))
	}

	b := j.batch
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes[j.index] = Outcome[T, R]{Task: j.task, Value: value, Err: err, Attempts: attempts}
	b.pending--
	if b.pending == 0 && b.join != nil {
		p.fire(b)
	}
}

// drain settles whatever is still queued once the workers are gone.
func (p *Pool[T, R]) drain() {
	p.mu.Lock()
	backlog := p.backlog
	p.backlog = nil
	p.mu.Unlock()

	for _, j := range backlog {
		var zero R
		p.settle(j, zero, 0, ErrStopped)
	}
}

// fire must be called with b.mu held.
func (p *Pool[T, R]) fire(b *Batch[T, R]) {
	if b.fired {
		return
	}
	b.fired = true
	outcomes := append([]Outcome[T, R](nil), b.outcomes...)
	fn := b.join
	p.joins.Add(1)
	go func() {
		defer p.joins.Done()
		defer close(b.done)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("join panicked", zap.String("batch", b.Key), zap.Any("panic", r))
			}
		}()
		fn(outcomes)
	}()
}
