// Package persist runs background persistence tasks on a bounded worker pool.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by Submit when every slot is taken.
	ErrQueueFull = errors.New("persist queue full")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("persist queue closed")
)

// Task status labels reported to the Observer.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusRetried   = "retried"
	StatusRejected  = "rejected"
)

// Task is one unit of background work. Run may be called again after a
// failure and must resume or repeat safely.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// Observer receives task outcomes. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveTask(status string)
}

// Config sizes the worker pool.
type Config struct {
	Concurrency int
	QueueSize   int
	MaxAttempts int
	TaskTimeout time.Duration

	// BaseDelay is the wait before the second attempt; attempt n waits
	// BaseDelay * 2^(n-1).
	BaseDelay time.Duration
}

// DefaultConfig returns the pool settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Concurrency: 2,
		QueueSize:   64,
		MaxAttempts: 3,
		TaskTimeout: 2 * time.Minute,
		BaseDelay:   time.Second,
	}
}

// Ticket tracks one submitted task.
type Ticket struct {
	ID   string
	Name string

	done chan struct{}
	err  error
}

// Done is closed when the task has succeeded or exhausted its attempts.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the final error. It is only meaningful after Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	task   Task
	ticket *Ticket
}

// Queue is a bounded pool of workers. Submit never blocks.
type Queue struct {
	cfg      Config
	jobs     chan job
	observer Observer
	logger   *slog.Logger

	// base is detached from any request; Close cancels it only when draining
	// takes too long.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue starts cfg.Concurrency workers. obs may be nil.
func NewQueue(cfg Config, obs Observer) *Queue {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		jobs:     make(chan job, cfg.QueueSize),
		observer: obs,
		logger:   slog.Default(),
		base:     ctx,
		cancel:   cancel,
	}
	for i := 0; i < cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Submit enqueues t. It returns ErrQueueFull instead of waiting for a slot.
func (q *Queue) Submit(t Task) (*Ticket, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}

	ticket := &Ticket{ID: uuid.NewString(), Name: t.Name(), done: make(chan struct{})}
	select {
	case q.jobs <- job{task: t, ticket: ticket}:
		return ticket, nil
	default:
		q.observe(StatusRejected)
		q.logger.Warn("persist queue full, dropping task", "task", t.Name())
		return nil, fmt.Errorf("submitting %s: %w", t.Name(), ErrQueueFull)
	}
}

// Len returns the number of tasks waiting for a worker.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Close stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, running tasks are cancelled and Close returns ctx.Err().
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-drained
		return ctx.Err()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for j := range q.jobs {
		j.ticket.err = q.run(j)
		close(j.ticket.done)
	}
}

func (q *Queue) run(j job) error {
	var err error
	delay := q.cfg.BaseDelay
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		err = q.attempt(j.task)
		if err == nil {
			q.observe(StatusSucceeded)
			return nil
		}
		if attempt == q.cfg.MaxAttempts || q.base.Err() != nil {
			break
		}

		q.observe(StatusRetried)
		q.logger.Warn("persist task failed, retrying",
			"task", j.task.Name(), "ticket", j.ticket.ID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-q.base.Done():
		case <-time.After(delay):
		}
		delay *= 2
	}

	q.observe(StatusFailed)
	q.logger.Error("persist task failed", "task", j.task.Name(), "ticket", j.ticket.ID, "error", err)
	return err
}

func (q *Queue) attempt(t Task) error {
	ctx, cancel := context.WithTimeout(q.base, q.cfg.TaskTimeout)
	defer cancel()
	return t.Run(ctx)
}

func (q *Queue) observe(status string) {
	if q.observer != nil {
		q.observer.ObserveTask(status)
	}
}
