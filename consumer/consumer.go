// Package consumer implements the worker-side runtime on top of a
// faktory.Client: queue-priority selection, the fetch/dispatch loop, a
// bounded worker pool, and ack/fail completion reporting with graceful
// shutdown.
package consumer

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	faktory "github.com/ghilesmeddour/faktory-go"
)

const (
	defaultConcurrency  = 4
	defaultGracePeriod  = 25 * time.Second
	maxGracePeriod      = 30 * time.Second
	idlePollInterval    = 100 * time.Millisecond
	defaultBacktraceCap = 64
)

// Handler executes one job's args. A returned error (or recovered panic) is
// reported to the server via FAIL; returning a *faktory.WorkerError lets
// the handler control the reported errtype precisely.
type Handler func(ctx context.Context, job *faktory.Job) error

// Consumer runs the fetch/dispatch loop against a single faktory.Client.
type Consumer struct {
	client *faktory.Client

	handlers map[string]Handler

	queues      []string
	priority    Priority
	weights     []float64
	concurrency int64
	gracePeriod time.Duration

	captureException func(jid string, err error)
	logger           *zap.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	pending int

	wg sync.WaitGroup
}

// Option configures a Consumer built by New.
type Option func(*Consumer) error

// WithQueues overrides the default ["default"] queue list.
func WithQueues(queues ...string) Option {
	return func(c *Consumer) error {
		if len(queues) == 0 {
			return fmt.Errorf("consumer: queues must not be empty")
		}
		c.queues = queues
		return nil
	}
}

// WithPriority selects the queue ordering strategy. Defaults to
// PriorityStrict.
func WithPriority(p Priority) Option {
	return func(c *Consumer) error {
		if !p.valid() {
			return fmt.Errorf("consumer: invalid priority %q", p)
		}
		c.priority = p
		return nil
	}
}

// WithWeights sets the per-queue weights used by PriorityWeighted. Required
// iff priority is PriorityWeighted, and must be the same length as queues.
func WithWeights(weights ...float64) Option {
	return func(c *Consumer) error {
		c.weights = weights
		return nil
	}
}

// WithConcurrency overrides the default worker-pool size of 4.
func WithConcurrency(n int) Option {
	return func(c *Consumer) error {
		if n <= 0 {
			return fmt.Errorf("consumer: concurrency must be > 0, got %d", n)
		}
		c.concurrency = int64(n)
		return nil
	}
}

// WithGracePeriod overrides how long Run waits for in-flight jobs to finish
// after its context is cancelled. Capped at 30s.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Consumer) error {
		if d > maxGracePeriod {
			d = maxGracePeriod
		}
		c.gracePeriod = d
		return nil
	}
}

// WithCaptureException registers a hook invoked with a handler's error
// before FAIL is sent — for forwarding to an external error tracker.
func WithCaptureException(f func(jid string, err error)) Option {
	return func(c *Consumer) error {
		c.captureException = f
		return nil
	}
}

// WithLogger attaches a *zap.Logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) error {
		c.logger = logger
		return nil
	}
}

// New builds a Consumer on top of client, which must not have been
// constructed with faktory.WithRole(faktory.RoleProducer).
func New(client *faktory.Client, opts ...Option) (*Consumer, error) {
	c := &Consumer{
		client:      client,
		handlers:    make(map[string]Handler),
		queues:      []string{"default"},
		priority:    PriorityStrict,
		concurrency: defaultConcurrency,
		gracePeriod: defaultGracePeriod,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.priority == PriorityWeighted {
		if len(c.weights) != len(c.queues) {
			return nil, fmt.Errorf("consumer: weighted priority requires %d weights, got %d", len(c.queues), len(c.weights))
		}
		var sum float64
		for _, w := range c.weights {
			if w < 0 {
				return nil, fmt.Errorf("consumer: weights must be non-negative")
			}
			sum += w
		}
		if sum <= 0 {
			return nil, fmt.Errorf("consumer: weights must sum to > 0")
		}
	}

	c.sem = semaphore.NewWeighted(c.concurrency)
	c.logger = c.logger.Named("consumer")
	return c, nil
}

// RegisterHandler binds jobtype to h. Register every handler before calling
// Run — handlers added afterward race with the dispatch loop's lookups.
func (c *Consumer) RegisterHandler(jobtype string, h Handler) error {
	if jobtype == "" {
		return fmt.Errorf("consumer: jobtype must not be empty")
	}
	c.handlers[jobtype] = h
	return nil
}

// Pending reports how many jobs are currently executing.
func (c *Consumer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Run connects the underlying client and drives the fetch/dispatch loop
// until ctx is cancelled, then waits up to the configured grace period for
// in-flight jobs to finish before closing the connection.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.client.Connect(); err != nil {
		return err
	}

	c.logger.Info("consumer starting",
		zap.Strings("queues", c.queues),
		zap.String("priority", string(c.priority)),
		zap.Int64("concurrency", c.concurrency),
	)

	var fetchErr error

fetchLoop:
	for {
		select {
		case <-ctx.Done():
			break fetchLoop
		default:
		}

		// The Client leaves IDENTIFIED for QUIET or TERMINATING only via a
		// server-initiated BEAT reply. While QUIET, keep heartbeating but
		// stop fetching; on anything else (TERMINATING, a dropped
		// connection, END) stop the loop entirely.
		switch c.client.State() {
		case faktory.StateQuiet:
			time.Sleep(c.client.BeatPeriod())
			continue
		case faktory.StateIdentified:
			// fall through to fetch below
		default:
			break fetchLoop
		}

		if !c.sem.TryAcquire(1) {
			time.Sleep(idlePollInterval)
			continue
		}

		order := queueOrder(c.queues, c.weights, c.priority)
		job, err := c.client.Fetch(order...)
		if err != nil {
			c.sem.Release(1)
			c.logger.Error("fetch failed", zap.Error(err))
			fetchErr = err
			break fetchLoop
		}
		if job == nil {
			c.sem.Release(1)
			time.Sleep(idlePollInterval)
			continue
		}

		handler, ok := c.handlers[job.Jobtype]
		if !ok {
			c.sem.Release(1)
			we := faktory.NewWorkerError("UnregisteredJobType",
				fmt.Sprintf("no handler registered for jobtype %q", job.Jobtype))
			if err := c.client.Fail(job.Jid, we, nil); err != nil {
				c.logger.Error("fail failed for unregistered jobtype", zap.String("jid", job.Jid), zap.Error(err))
			}
			continue
		}

		c.mu.Lock()
		c.pending++
		c.mu.Unlock()
		c.wg.Add(1)
		go c.runJob(ctx, job, handler)
	}

	shutdownErr := c.shutdown()
	if fetchErr != nil {
		return fetchErr
	}
	return shutdownErr
}

func (c *Consumer) shutdown() error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("all in-flight jobs completed")
	case <-time.After(c.gracePeriod):
		c.logger.Warn("grace period elapsed with jobs still in flight", zap.Int("pending", c.Pending()))
	}
	return c.client.End()
}

func (c *Consumer) runJob(ctx context.Context, job *faktory.Job, handler Handler) {
	defer func() {
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
		c.sem.Release(1)
		c.wg.Done()
	}()

	var workErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				workErr = faktory.NewWorkerError("WorkerCrashed", fmt.Sprintf("panic: %v", r))
				c.logger.Error("handler panicked", zap.String("jid", job.Jid), zap.Any("panic", r))
			}
		}()
		workErr = handler(ctx, job)
	}()

	if workErr == nil {
		if err := c.client.Ack(job.Jid); err != nil {
			c.logger.Error("ack failed", zap.String("jid", job.Jid), zap.Error(err))
		}
		return
	}

	if c.captureException != nil {
		c.captureException(job.Jid, workErr)
	}

	we, ok := workErr.(*faktory.WorkerError)
	if !ok {
		we = faktory.NewWorkerError(fmt.Sprintf("%T", workErr), workErr.Error())
	}

	var backtrace []string
	if job.Backtrace > 0 {
		backtrace = captureBacktrace(job.Backtrace)
	}
	if err := c.client.Fail(job.Jid, we, backtrace); err != nil {
		c.logger.Error("fail report failed", zap.String("jid", job.Jid), zap.Error(err))
	}
}

// captureBacktrace returns up to limit frames of the calling goroutine's
// stack, formatted as "function (file:line)".
func captureBacktrace(limit int) []string {
	if limit > defaultBacktraceCap {
		limit = defaultBacktraceCap
	}
	pcs := make([]uintptr, limit)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]string, 0, n)
	for {
		frame, more := frames.Next()
		out = append(out, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return out
}
