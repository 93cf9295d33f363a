package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/reactor/internal/broker"
	"github.com/rzbill/reactor/internal/metrics"
	pebblestore "github.com/rzbill/reactor/internal/storage/pebble"
	"github.com/rzbill/reactor/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir  string
	Fsync    pebblestore.FsyncMode
	InMemory bool

	// Users and LeaseTimeout are passed to the broker.
	Users        map[string]string
	LeaseTimeout time.Duration

	Logger  log.Logger
	Metrics *metrics.Metrics
}

// Runtime wires storage and the broker for a single-node instance.
type Runtime struct {
	db      *pebblestore.DB
	broker  *broker.Broker
	logger  log.Logger
	metrics *metrics.Metrics
}

// Open initializes storage and the broker over it.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:  opts.DataDir,
		Fsync:    opts.Fsync,
		InMemory: opts.InMemory,
		Metrics:  opts.Metrics.Storage(),
		Logger:   logger.WithComponent("pebble"),
	})
	if err != nil {
		return nil, err
	}
	b := broker.New(db, broker.Options{
		Users:        opts.Users,
		LeaseTimeout: opts.LeaseTimeout,
		Logger:       logger,
	})
	logger.Info("runtime opened",
		log.Str("data_dir", opts.DataDir),
		log.Bool("in_memory", opts.InMemory),
		log.Int("users", len(opts.Users)))
	return &Runtime{db: db, broker: b, logger: logger, metrics: opts.Metrics}, nil
}

// Close stops the broker and closes storage.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	r.broker.Close()
	err := r.db.Close()
	r.db = nil
	return err
}

// CheckHealth verifies storage is readable.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Broker returns the embedded broker.
func (r *Runtime) Broker() *broker.Broker { return r.broker }

// DB exposes the underlying DB (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Metrics returns the collectors passed to Open; may be nil.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// Logger returns the runtime logger.
func (r *Runtime) Logger() log.Logger { return r.logger }
