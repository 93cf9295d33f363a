package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/reactor/internal/failure"
	"github.com/rzbill/reactor/internal/message"
	"github.com/rzbill/reactor/internal/metrics"
	"github.com/rzbill/reactor/internal/transport"
	"github.com/rzbill/reactor/pkg/log"
)

// DefaultReceiveTimeout is how long one receive waits before looping.
const DefaultReceiveTimeout = 10 * time.Second

var (
	// ErrNotStarted is returned by Run before a successful Start.
	ErrNotStarted = errors.New("worker: not started")
	// ErrInvalidOptions is returned by New for incomplete options.
	ErrInvalidOptions = errors.New("worker: invalid options")
)

// State is the lifecycle position of a worker.
type State int32

const (
	Initializing State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Handler processes one message. Returning a *failure.Failure selects its
// disposition; any other error routes the message to error handling.
type Handler interface {
	Handle(ctx context.Context, m *message.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m *message.Message) error

func (f HandlerFunc) Handle(ctx context.Context, m *message.Message) error { return f(ctx, m) }

// Options configures a Worker.
type Options struct {
	Transport transport.Transport
	Endpoint  transport.Endpoint
	Queue     string
	// Selector is an optional CEL expression filtering the queue.
	Selector string
	Handler  Handler

	// ErrorDestination receives failed messages. Zero means roll back.
	ErrorDestination message.Destination
	// Convert sends a JSON failure record instead of the annotated original.
	Convert bool
	// RetryThreshold is the highest delivery count still retried, unless a
	// failure overrides it. Zero means failure.DefaultRetryThreshold.
	RetryThreshold int
	ReceiveTimeout time.Duration

	Logger  log.Logger
	Metrics *metrics.Metrics
}

// Worker consumes one queue on its own connection.
type Worker struct {
	id     string
	opts   Options
	router errorRouter
	logger log.Logger

	state atomic.Int32
	keep  atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	conn     transport.Connection
	session  transport.Session
	consumer transport.Consumer
}

// New validates opts and returns a worker in the Initializing state.
func New(opts Options) (*Worker, error) {
	if opts.Transport == nil || opts.Handler == nil || opts.Queue == "" {
		return nil, fmt.Errorf("%w: transport, handler and queue are required", ErrInvalidOptions)
	}
	if opts.RetryThreshold <= 0 {
		opts.RetryThreshold = failure.DefaultRetryThreshold
	}
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = DefaultReceiveTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	id := uuid.NewString()
	w := &Worker{
		id:     id,
		opts:   opts,
		router: errorRouter{dest: opts.ErrorDestination, convert: opts.Convert},
		logger: logger.WithComponent("worker").With(
			log.Str(log.WorkerIDKey, id),
			log.Str(log.QueueKey, opts.Queue),
		),
	}
	w.state.Store(int32(Initializing))
	return w, nil
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) State() State { return State(w.state.Load()) }

// Stopped reports whether the worker has finished or failed to start.
func (w *Worker) Stopped() bool { return w.State() == Stopped }

// Start connects and subscribes. On failure the worker is Stopped and the
// error is returned; nothing is retried here.
func (w *Worker) Start(ctx context.Context) error {
	conn, err := w.opts.Transport.Connect(ctx, w.opts.Endpoint)
	if err != nil {
		w.state.Store(int32(Stopped))
		return fmt.Errorf("connect: %w", err)
	}
	session, err := conn.Session(ctx)
	if err != nil {
		_ = conn.Close()
		w.state.Store(int32(Stopped))
		return fmt.Errorf("open session: %w", err)
	}
	consumer, err := session.Consumer(ctx, w.opts.Queue, w.opts.Selector)
	if err != nil {
		_ = session.Close()
		_ = conn.Close()
		w.state.Store(int32(Stopped))
		return fmt.Errorf("subscribe %s: %w", w.opts.Queue, err)
	}

	w.mu.Lock()
	w.conn, w.session, w.consumer = conn, session, consumer
	w.mu.Unlock()
	w.keep.Store(true)
	w.state.Store(int32(Running))
	w.logger.Debug("worker started")
	return nil
}

// Stop asks the loop to exit after the current message. A pending receive
// is interrupted.
func (w *Worker) Stop() {
	w.keep.Store(false)
	w.state.CompareAndSwap(int32(Running), int32(Stopping))
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
}

// Run receives and processes messages until Stop, cancellation of ctx, or a
// receive error, which is returned. ctx is also handed to the handler.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.consumer == nil {
		w.mu.Unlock()
		return ErrNotStarted
	}
	rctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()
	defer w.finish()

	for w.keep.Load() {
		m, err := w.consumer.Receive(rctx, w.opts.ReceiveTimeout)
		if err != nil {
			if !w.keep.Load() || ctx.Err() != nil {
				return nil
			}
			w.logger.Error("receive failed, stopping worker", log.Err(err))
			w.rollback(ctx, w.logger)
			return err
		}
		if m == nil {
			continue
		}
		w.process(ctx, m)
	}
	return nil
}

// finish releases the consumer, session and connection and marks the worker
// Stopped. Close errors are logged only.
func (w *Worker) finish() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	consumer, session, conn := w.consumer, w.session, w.conn
	w.consumer, w.session, w.conn = nil, nil, nil
	w.mu.Unlock()

	w.keep.Store(false)
	if err := consumer.Close(); err != nil {
		w.logger.Warn("close consumer", log.Err(err))
	}
	if err := session.Close(); err != nil {
		w.logger.Warn("close session", log.Err(err))
	}
	if err := conn.Close(); err != nil {
		w.logger.Warn("close connection", log.Err(err))
	}
	w.state.Store(int32(Stopped))
	w.logger.Debug("worker stopped")
}

func (w *Worker) process(ctx context.Context, m *message.Message) {
	// scoped to this message only
	logger := w.logger.With(log.Str(log.MessageIDKey, m.ID))

	start := time.Now()
	err := w.handle(ctx, m)
	elapsed := time.Since(start)

	outcome := w.dispose(ctx, logger, m, err)
	w.opts.Metrics.Processed(outcome, elapsed)
}

// handle runs the handler, turning a panic into an Error failure.
func (w *Worker) handle(ctx context.Context, m *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failure.Error(fmt.Sprintf("handler panic: %v", r),
				failure.WithCause(fmt.Errorf("panic: %v", r)),
				failure.WithShortDescription("handler panic"))
		}
	}()
	return w.opts.Handler.Handle(ctx, m)
}

// dispose settles the transaction for m and returns the metrics outcome.
func (w *Worker) dispose(ctx context.Context, logger log.Logger, m *message.Message, err error) string {
	if err == nil {
		return w.commit(ctx, logger, metrics.OutcomeAck)
	}

	d, ok := failure.Decide(err)
	if !ok {
		logger.Warn("unrecognized processing failure", log.Err(err))
	}
	switch d.Kind {
	case failure.KindRetry:
		return w.retry(ctx, logger, m, d, err)
	case failure.KindDrop:
		logger.Info("message dropped", log.Err(err))
		return w.commit(ctx, logger, metrics.OutcomeDrop)
	default:
		return w.routeError(ctx, logger, m, err)
	}
}

func (w *Worker) retry(ctx context.Context, logger log.Logger, m *message.Message, d failure.Decision, err error) string {
	count := failure.DeliveryCount(m)
	if !failure.ShouldRetry(count, d, w.opts.RetryThreshold) {
		logger.Warn("retries exhausted", log.Int("delivery_count", count), log.Err(err))
		return w.routeError(ctx, logger, m, err)
	}
	wait := failure.RetryWait(count, d)

	next := m.Clone()
	next.ClearReadOnly()
	if next.Destination.IsZero() {
		next.Destination = message.Queue(w.opts.Queue)
	}
	if perr := errors.Join(
		next.DeleteProperty(message.PropScheduledJobID),
		next.SetProperty(message.PropDeliveryCount, strconv.Itoa(count+1)),
		next.SetProperty(message.PropScheduledDelay, strconv.FormatInt(wait.Milliseconds(), 10)),
	); perr != nil {
		logger.Error("prepare retry", log.Err(perr))
		return w.rollback(ctx, logger)
	}
	if serr := w.session.Send(ctx, next); serr != nil {
		logger.Error("resend for retry", log.Err(serr))
		return w.rollback(ctx, logger)
	}
	logger.Info("message scheduled for retry",
		log.Int("delivery_count", count),
		log.Dur("wait", wait),
		log.Err(err))
	w.opts.Metrics.Retried(wait)
	return w.commit(ctx, logger, metrics.OutcomeRetry)
}

func (w *Worker) routeError(ctx context.Context, logger log.Logger, m *message.Message, err error) string {
	if !w.router.enabled() {
		logger.Error("processing failed, no error destination; rolling back", log.Err(err))
		return w.rollback(ctx, logger)
	}
	out, berr := w.router.build(m, err)
	if berr != nil {
		logger.Error("build error message", log.Err(berr))
		return w.rollback(ctx, logger)
	}
	if serr := w.session.Send(ctx, out); serr != nil {
		logger.Error("send to error destination", log.Err(serr))
		return w.rollback(ctx, logger)
	}
	logger.Error("message routed to error destination",
		log.Str("destination", w.router.dest.String()),
		log.Err(err))
	return w.commit(ctx, logger, metrics.OutcomeError)
}

func (w *Worker) commit(ctx context.Context, logger log.Logger, outcome string) string {
	if err := w.session.Commit(ctx); err != nil {
		logger.Error("commit failed", log.Err(err))
		return w.rollback(ctx, logger)
	}
	logger.Debug("committed", log.Str("outcome", outcome))
	return outcome
}

func (w *Worker) rollback(ctx context.Context, logger log.Logger) string {
	if err := w.session.Rollback(ctx); err != nil {
		logger.Error("rollback failed", log.Err(err))
	}
	return metrics.OutcomeRollback
}
