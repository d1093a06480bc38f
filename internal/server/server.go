// Package server exposes a Relay over HTTP: task submission, NDJSON
// streaming of responses, status and health.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/autoglm/taskrelay"
	"github.com/autoglm/taskrelay/internal/metrics"
	"github.com/autoglm/taskrelay/internal/monitoring"
)

// Options configures a Server.
type Options struct {
	Addr string
	// RateLimit is submissions per second across all clients. Zero disables
	// limiting.
	RateLimit       float64
	RateBurst       int
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
	// Metrics is optional. When set, requests are instrumented and /metrics
	// is served.
	Metrics *metrics.Metrics
}

// Server is the HTTP front end of a Relay.
type Server struct {
	relay   *taskrelay.Relay
	opts    Options
	limiter *rate.Limiter
	log     zerolog.Logger
	handler http.Handler
}

// New builds a Server for relay.
func New(relay *taskrelay.Relay, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		relay: relay,
		opts:  opts,
		log:   opts.Logger.With().Str("component", "http").Logger(),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/send-task", gzhttp.GzipHandler(s.limit(http.HandlerFunc(s.handleSendTask))))
	// Compression would buffer the stream.
	mux.Handle("POST /api/send-task-stream", s.limit(http.HandlerFunc(s.handleSendTaskStream)))
	mux.Handle("GET /api/status", gzhttp.GzipHandler(http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /api/responses", gzhttp.GzipHandler(http.HandlerFunc(s.handleResponses)))
	mux.HandleFunc("GET /health", s.handleHealth)

	var h http.Handler = mux
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
		h = s.opts.Metrics.HTTPMiddleware(h)
	}
	return monitoring.Recovery(s.log)(h)
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves on opts.Addr until ctx is cancelled, then shuts the HTTP
// server and the relay down together.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	// Closing the relay ends open streams with an error event so that
	// Shutdown can drain them.
	relayDone := make(chan error, 1)
	srv.RegisterOnShutdown(func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		relayDone <- s.relay.Shutdown(shutdownCtx)
	})

	var wg conc.WaitGroup
	errCh := make(chan error, 1)
	wg.Go(func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	s.log.Info().Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	wg.Wait()

	select {
	case err := <-relayDone:
		if err != nil {
			s.log.Warn().Err(err).Msg("relay shutdown incomplete")
		}
	case <-shutdownCtx.Done():
		s.log.Warn().Msg("relay shutdown incomplete")
	}
	return serveErr
}
