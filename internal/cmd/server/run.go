package serverrun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sourcegraph/conc"

	"github.com/rzbill/reactor/internal/config"
	"github.com/rzbill/reactor/internal/metrics"
	"github.com/rzbill/reactor/internal/runtime"
	grpcserver "github.com/rzbill/reactor/internal/server/grpc"
	httpserver "github.com/rzbill/reactor/internal/server/http"
	pebblestore "github.com/rzbill/reactor/internal/storage/pebble"
	"github.com/rzbill/reactor/pkg/log"
)

type Options struct {
	Config config.Config
	// Logger replaces the logger built from Config.Log.
	Logger log.Logger
}

// Run starts the broker with its gRPC and HTTP servers and blocks until ctx
// is cancelled or a server fails.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers that
	// don't pass a signal-aware context still shut down cleanly.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	var httpLis net.Listener
	if cfg.HTTP.Addr != "" {
		httpLis, err = net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			_ = grpcLis.Close()
			return fmt.Errorf("http listen: %w", err)
		}
	}
	return serve(sctx, opts, grpcLis, httpLis)
}

// serve owns the listeners from here on. httpLis may be nil.
func serve(ctx context.Context, opts Options, grpcLis, httpLis net.Listener) error {
	defer func() {
		_ = grpcLis.Close()
		if httpLis != nil {
			_ = httpLis.Close()
		}
	}()
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		l, err := log.ApplyConfig(cfg.LogConfig())
		if err != nil {
			return err
		}
		logger = l
	}
	// Pebble logs through the standard library logger.
	log.RedirectStdLog(logger)

	mode, err := pebblestore.ParseFsyncMode(cfg.Server.Fsync)
	if err != nil {
		return err
	}
	m := metrics.New("reactor", nil)
	rt, err := runtime.Open(runtime.Options{
		DataDir:      filepath.Join(cfg.Server.DataDir, "store"),
		Fsync:        mode,
		Users:        cfg.Server.Users,
		LeaseTimeout: cfg.Server.LeaseTimeout,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	logger.Info("starting reactor broker",
		log.Str("grpc", grpcLis.Addr().String()),
		log.Str("data_dir", cfg.Server.DataDir),
		log.Str("fsync", cfg.Server.Fsync),
		log.Dur("lease_timeout", cfg.Server.LeaseTimeout))
	if len(cfg.Server.Users) == 0 {
		logger.Warn("no users configured, authentication is disabled")
	}

	gsrv := grpcserver.New(rt)
	var hsrv *httpserver.Server
	if httpLis != nil {
		hsrv = httpserver.New(httpserver.Options{
			Health:  rt,
			Metrics: m,
			Broker:  rt.Broker(),
			Logger:  logger,
		})
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() {
		if err := gsrv.Serve(sctx, grpcLis); err != nil && sctx.Err() == nil {
			errCh <- fmt.Errorf("grpc: %w", err)
			cancel()
		}
	})
	if hsrv != nil {
		wg.Go(func() {
			if err := hsrv.Serve(sctx, httpLis); err != nil && sctx.Err() == nil {
				errCh <- fmt.Errorf("http: %w", err)
				cancel()
			}
		})
	}

	<-sctx.Done()
	// Stop the servers before the deferred runtime close to avoid racing the DB.
	gsrv.Close()
	if hsrv != nil {
		hsrv.Close()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		logger.Info("reactor broker stopped")
	}
	return errors.Join(errs...)
}
