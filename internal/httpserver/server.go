package httpserver

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/onexay/perf-ledger/internal/config"
	"github.com/onexay/perf-ledger/internal/metrics"
	"github.com/onexay/perf-ledger/internal/service"
)

// Server wraps the HTTP server configuration and dependencies.
type Server struct {
	addr    string
	handler http.Handler
	svc     *service.Service
	logger  zerolog.Logger
}

// NewLogger builds the process logger for the configured level.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// NewServer creates an HTTP server with routes and middleware.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	logger := NewLogger(cfg.LogLevel)

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		addr:    cfg.APIAddr,
		handler: Routes(svc, logger),
		svc:     svc,
		logger:  logger,
	}, nil
}

// Routes mounts the service and operational endpoints.
func Routes(svc *service.Service, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	api := service.Handler(svc)
	mux.Handle("/api/", api)
	mux.Handle("/swagger/", api)

	return logRequests(logger, mux)
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = s.svc.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if closeErr := s.svc.Close(); err == nil {
		err = closeErr
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		metrics.RequestDuration.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Observe(elapsed.Seconds())
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}
