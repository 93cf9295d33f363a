package consumer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/rzbill/reactor/internal/config"
	"github.com/rzbill/reactor/internal/metrics"
	"github.com/rzbill/reactor/internal/pool"
	"github.com/rzbill/reactor/internal/runtime"
	httpserver "github.com/rzbill/reactor/internal/server/http"
	pebblestore "github.com/rzbill/reactor/internal/storage/pebble"
	"github.com/rzbill/reactor/internal/transport"
	"github.com/rzbill/reactor/internal/transport/embedded"
	"github.com/rzbill/reactor/internal/transport/grpctransport"
	"github.com/rzbill/reactor/internal/worker"
	"github.com/rzbill/reactor/pkg/log"
)

type Options struct {
	Config config.Config
	// Handler processes messages. Nil installs the built-in handlers.
	Handler worker.Handler
	// Transport overrides the one chosen from Config.Broker.URL.
	Transport transport.Transport
	// Logger replaces the logger built from Config.Log.
	Logger  log.Logger
	Metrics *metrics.Metrics
	// ProbeBackoff overrides the pause between failed depth probes.
	ProbeBackoff time.Duration
}

// Run validates the configuration and runs the adaptive worker pool until
// ctx is cancelled or the pool gives up. In-flight messages finish before
// Run returns.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := opts.Logger
	if logger == nil {
		l, err := log.ApplyConfig(cfg.LogConfig())
		if err != nil {
			return err
		}
		logger = l
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New("reactor", nil)
	}

	tr := opts.Transport
	var rt *runtime.Runtime
	if tr == nil {
		t, r, err := openTransport(cfg, logger, m)
		if err != nil {
			return err
		}
		if r != nil {
			defer func() { _ = r.Close() }()
		}
		tr, rt = t, r
	}
	handler := opts.Handler
	if handler == nil {
		handler = NewHandler(logger)
	}

	ep := transport.Endpoint{URL: cfg.Broker.URL, Username: cfg.Broker.Username, Password: cfg.Broker.Password}
	factory := func(ctx context.Context) (pool.Worker, error) {
		w, err := worker.New(worker.Options{
			Transport:        tr,
			Endpoint:         ep,
			Queue:            cfg.Queue.Name,
			Selector:         cfg.Queue.Selector,
			Handler:          handler,
			ErrorDestination: cfg.Error.Destination(),
			Convert:          cfg.Error.Convert,
			RetryThreshold:   cfg.Broker.RetryThreshold,
			ReceiveTimeout:   cfg.Worker.ReceiveTimeout,
			Logger:           logger,
			Metrics:          m,
		})
		if err != nil {
			return nil, err
		}
		if err := w.Start(ctx); err != nil {
			return nil, err
		}
		return w, nil
	}
	prober := transport.NewProber(tr, ep, cfg.Queue.Name)
	defer func() { _ = prober.Close() }()

	ctrl, err := pool.New(pool.Config{
		MessageThreshold: cfg.Pool.MessageThreshold,
		RecheckPeriod:    cfg.Pool.RecheckPeriod,
		MaxWorkers:       cfg.Pool.MaxWorkers,
		MaxSpawnFailures: cfg.Pool.MaxSpawnFailures,
		HeartbeatCycles:  cfg.Queue.HeartbeatCycles,
		ProbeBackoff:     opts.ProbeBackoff,
	}, factory, prober, pool.WithLogger(logger), pool.WithMetrics(m))
	if err != nil {
		return err
	}

	logger.Info("starting consumer",
		log.Str(log.QueueKey, cfg.Queue.Name),
		log.Str("broker", redactURL(cfg.Broker.URL)),
		log.Int("max_workers", cfg.Pool.MaxWorkers),
		log.Int("message_threshold", cfg.Pool.MessageThreshold),
		log.Dur("recheck_period", cfg.Pool.RecheckPeriod),
		log.Str("error_destination", cfg.Error.Destination().String()))

	var wg conc.WaitGroup
	defer wg.Wait()
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.HTTP.Addr != "" {
		l, err := net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		hopts := httpserver.Options{Metrics: m, Pool: ctrl, Logger: logger}
		if rt != nil {
			// an in-process broker is only reachable through these routes
			hopts.Health, hopts.Broker = rt, rt.Broker()
		}
		hsrv := httpserver.New(hopts)
		wg.Go(func() {
			if err := hsrv.Serve(sctx, l); err != nil && sctx.Err() == nil {
				logger.Error("http server failed", log.Err(err))
			}
		})
	}
	return ctrl.Run(sctx)
}

// openTransport picks the transport for cfg.Broker.URL. For an embedded
// broker the opened runtime is returned as well; the caller closes it.
func openTransport(cfg config.Config, logger log.Logger, m *metrics.Metrics) (transport.Transport, *runtime.Runtime, error) {
	url := cfg.Broker.URL
	switch {
	case strings.HasPrefix(url, grpctransport.Scheme):
		return grpctransport.New(), nil, nil
	case strings.HasPrefix(url, embedded.Scheme):
		dir := strings.TrimPrefix(url, embedded.Scheme)
		if dir == "" {
			return nil, nil, fmt.Errorf("%w: %s: embedded url needs a data directory", config.ErrInvalid, config.KeyBrokerURL)
		}
		mode, err := pebblestore.ParseFsyncMode(cfg.Server.Fsync)
		if err != nil {
			return nil, nil, err
		}
		// Pebble logs through the standard library logger.
		log.RedirectStdLog(logger)
		rt, err := runtime.Open(runtime.Options{
			DataDir:      dir,
			Fsync:        mode,
			Users:        map[string]string{cfg.Broker.Username: cfg.Broker.Password},
			LeaseTimeout: cfg.Server.LeaseTimeout,
			Logger:       logger,
			Metrics:      m,
		})
		if err != nil {
			return nil, nil, err
		}
		return embedded.New(rt.Broker()), rt, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s: unsupported scheme in %q (want %s or %s)",
			config.ErrInvalid, config.KeyBrokerURL, url, grpctransport.Scheme, embedded.Scheme)
	}
}

// redactURL drops userinfo from a URL for logging.
func redactURL(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return scheme + "://" + rest
}
