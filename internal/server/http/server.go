package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rzbill/reactor/internal/broker"
	"github.com/rzbill/reactor/internal/metrics"
	"github.com/rzbill/reactor/internal/server/http/controllers"
	"github.com/rzbill/reactor/pkg/log"
)

// Options selects what the server exposes. Every field is optional.
type Options struct {
	Health  controllers.HealthChecker
	Metrics *metrics.Metrics
	// Pool enables GET /v1/pool.
	Pool controllers.PoolSource
	// Broker enables the queue and topic routes.
	Broker *broker.Broker
	Logger log.Logger
}

type Server struct {
	srv    *http.Server
	lis    net.Listener
	logger log.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	logger = logger.WithComponent("http")

	var metricsHandler http.Handler
	if opts.Metrics != nil {
		metricsHandler = opts.Metrics.Handler()
	}
	reg := controllers.NewControllerRegistry(controllers.NewGeneralController(opts.Health, metricsHandler))
	if opts.Pool != nil {
		reg.Add(controllers.NewPoolController(opts.Pool))
	}
	if opts.Broker != nil {
		reg.Add(controllers.NewDestinationsController(opts.Broker))
	}
	mux := http.NewServeMux()
	reg.RegisterAllRoutes(mux)

	return &Server{
		srv: &http.Server{
			Handler:           cors(mux),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          log.ToStdLogger(logger, log.WarnLevel),
		},
		logger: logger,
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	s.logger.Info("http server listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
