// Package pool scales a set of queue workers to the backlog of their queue.
//
// A Controller samples the queue depth every recheck period and adds or
// removes at most one worker per tick. Workers run on their own goroutines;
// only the controller goroutine changes pool membership.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/rzbill/reactor/internal/metrics"
	"github.com/rzbill/reactor/pkg/log"
)

var (
	// ErrProbeFailed is returned when the queue depth could not be read
	// within the configured attempts.
	ErrProbeFailed = errors.New("pool: queue depth probe failed")
	// ErrSpawnExhausted is returned when workers keep failing to start and
	// none are running.
	ErrSpawnExhausted = errors.New("pool: worker spawn failures exhausted")
)

// Worker is the part of a queue worker the controller drives.
type Worker interface {
	ID() string
	// Run blocks until the worker stops.
	Run(ctx context.Context) error
	// Stop requests a cooperative stop and returns immediately.
	Stop()
	Stopped() bool
}

// Factory builds and starts a worker. An error counts as a spawn failure.
type Factory func(ctx context.Context) (Worker, error)

// Prober reports the backlog of the source queue.
type Prober interface {
	Depth(ctx context.Context) (int, error)
}

// Status is a point-in-time view of the pool.
type Status struct {
	Workers       int      `json:"workers"`
	MaxWorkers    int      `json:"max_workers"`
	Depth         int      `json:"depth"`
	SpawnFailures int      `json:"spawn_failures"`
	WorkerIDs     []string `json:"worker_ids"`
}

// Controller owns the worker pool.
type Controller struct {
	cfg     Config
	factory Factory
	prober  Prober
	logger  log.Logger
	metrics *metrics.Metrics

	wg conc.WaitGroup

	mu            sync.Mutex
	workers       []Worker
	depth         int
	spawnFailures int
	idleTicks     int
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l log.Logger) Option { return func(c *Controller) { c.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

// New validates cfg and returns a controller with an empty pool.
func New(cfg Config, factory Factory, prober Prober, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil || prober == nil {
		return nil, fmt.Errorf("%w: factory and prober are required", ErrInvalidConfig)
	}
	c := &Controller{cfg: cfg.withDefaults(), factory: factory, prober: prober}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	c.logger = c.logger.WithComponent("pool")
	return c, nil
}

// Size returns the current number of workers.
func (c *Controller) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

// Status returns a snapshot for diagnostics.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.workers))
	for _, w := range c.workers {
		ids = append(ids, w.ID())
	}
	return Status{
		Workers:       len(c.workers),
		MaxWorkers:    c.cfg.MaxWorkers,
		Depth:         c.depth,
		SpawnFailures: c.spawnFailures,
		WorkerIDs:     ids,
	}
}

// Run ticks every recheck period until ctx is cancelled or a tick fails
// fatally. Either way every worker is stopped and waited for before it
// returns. Cancellation yields nil.
func (c *Controller) Run(ctx context.Context) error {
	defer c.Terminate()
	c.logger.Info("pool controller started",
		log.Int("max_workers", c.cfg.MaxWorkers),
		log.Int("message_threshold", c.cfg.MessageThreshold),
		log.Dur("recheck_period", c.cfg.RecheckPeriod))
	for {
		if err := c.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("pool controller stopping", log.Err(err))
			return err
		}
		if !sleep(ctx, c.cfg.RecheckPeriod) {
			return nil
		}
	}
}

// Tick probes the queue, applies one scaling decision and sweeps stopped
// workers.
func (c *Controller) Tick(ctx context.Context) error {
	depth, err := c.probe(ctx)
	if err != nil {
		return err
	}
	c.metrics.SetDepth(depth)

	c.mu.Lock()
	c.depth = depth
	size := len(c.workers)
	c.mu.Unlock()

	switch Decide(depth, size, c.cfg) {
	case ActionScaleUp:
		if err := c.spawn(ctx, depth); err != nil {
			return err
		}
	case ActionScaleDown:
		c.removeLast(depth)
	default:
		c.idle(depth, size)
	}

	c.sweep()
	c.metrics.SetPoolSize(c.Size())
	return nil
}

// probe reads the depth, retrying with a fixed back-off.
func (c *Controller) probe(ctx context.Context) (int, error) {
	var err error
	for attempt := 1; attempt <= c.cfg.ProbeAttempts; attempt++ {
		var depth int
		if depth, err = c.prober.Depth(ctx); err == nil {
			return depth, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c.metrics.ProbeFailed()
		c.logger.Warn("queue depth probe failed",
			log.Int("attempt", attempt),
			log.Int("max_attempts", c.cfg.ProbeAttempts),
			log.Err(err))
		if attempt < c.cfg.ProbeAttempts && !sleep(ctx, c.cfg.ProbeBackoff) {
			return 0, ctx.Err()
		}
	}
	return 0, fmt.Errorf("%w after %d attempts: %w", ErrProbeFailed, c.cfg.ProbeAttempts, err)
}

func (c *Controller) spawn(ctx context.Context, depth int) error {
	w, err := c.factory(ctx)
	if err != nil {
		c.mu.Lock()
		c.spawnFailures++
		failures, size := c.spawnFailures, len(c.workers)
		c.mu.Unlock()
		c.metrics.SpawnFailed()
		c.logger.Error("failed to start worker",
			log.Int("consecutive_failures", failures),
			log.Err(err))
		if failures >= c.cfg.MaxSpawnFailures && size == 0 {
			return fmt.Errorf("%w: %d consecutive failures with no running workers: %w",
				ErrSpawnExhausted, failures, err)
		}
		return nil
	}

	c.mu.Lock()
	c.spawnFailures = 0
	c.workers = append(c.workers, w)
	size := len(c.workers)
	c.mu.Unlock()

	// workers outlive ctx so an in-flight message can finish on shutdown
	wctx := context.WithoutCancel(ctx)
	logger := c.logger.With(log.Str(log.WorkerIDKey, w.ID()))
	c.wg.Go(func() {
		if err := w.Run(wctx); err != nil {
			logger.Warn("worker exited with error", log.Err(err))
		}
	})
	c.metrics.Spawned()
	c.logger.Info("worker added", log.Int("depth", depth), log.Int("workers", size))
	return nil
}

func (c *Controller) removeLast(depth int) {
	c.mu.Lock()
	w := c.workers[len(c.workers)-1]
	c.workers = c.workers[:len(c.workers)-1]
	size := len(c.workers)
	c.mu.Unlock()

	w.Stop()
	c.logger.Info("worker removed",
		log.Str(log.WorkerIDKey, w.ID()),
		log.Int("depth", depth),
		log.Int("workers", size))
}

// idle logs the depth at debug level, and at info level once every
// HeartbeatCycles idle ticks.
func (c *Controller) idle(depth, size int) {
	c.mu.Lock()
	heartbeat := c.idleTicks >= c.cfg.HeartbeatCycles
	if heartbeat {
		c.idleTicks = 0
	} else {
		c.idleTicks++
	}
	c.mu.Unlock()

	if heartbeat {
		c.logger.Info("no action", log.Int("depth", depth), log.Int("workers", size))
	} else {
		c.logger.Debug("no action", log.Int("depth", depth), log.Int("workers", size))
	}
}

// sweep drops workers that stopped on their own.
func (c *Controller) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	live := c.workers[:0]
	for _, w := range c.workers {
		if w.Stopped() {
			c.logger.Info("removing stopped worker", log.Str(log.WorkerIDKey, w.ID()))
			continue
		}
		live = append(live, w)
	}
	clear(c.workers[len(live):])
	c.workers = live
}

// Terminate stops every worker and waits for their goroutines.
func (c *Controller) Terminate() {
	c.mu.Lock()
	workers := c.workers
	c.workers = nil
	c.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	if r := c.wg.WaitAndRecover(); r != nil {
		c.logger.Error("worker panicked", log.Str("panic", fmt.Sprint(r.Value)))
	}
	c.metrics.SetPoolSize(0)
	if len(workers) > 0 {
		c.logger.Info("all workers stopped", log.Int("workers", len(workers)))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
