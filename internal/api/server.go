// Package api exposes the HTTP ingest surface of the worker.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server wraps the HTTP server
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates the HTTP server and ties it to the fx lifecycle
func NewServer(lc fx.Lifecycle, addr string, handler http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				logger.Error("http listen failed", zap.String("addr", addr), zap.Error(err))
				return err
			}
			go func() {
				if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			logger.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := s.srv.Shutdown(ctx); err != nil {
				logger.Error("failed to shut down http server", zap.Error(err))
				return err
			}
			logger.Info("http server stopped")
			return nil
		},
	})

	return s
}

// NewRouter registers every route. Ingest routes share one token bucket.
func NewRouter(h *Handlers, limiter *rate.Limiter, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()

	limited := func(endpoint string, fn http.HandlerFunc) http.Handler {
		return rateLimit(limiter, endpoint, fn)
	}

	mux.Handle("POST /api/v1/readings", limited("readings", h.IngestReading))
	mux.Handle("POST /api/v1/readings/batch", limited("readings_batch", h.IngestBatch))
	mux.Handle("POST /api/v1/uplinks/lorawan", limited("lorawan", h.LoRaWANUplink))
	mux.Handle("POST /api/v1/uplinks/sigfox", limited("sigfox", h.SigfoxCallback))
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.InvalidateCache)
	mux.HandleFunc("GET /api/v1/realtime/tenants/{tenantId}", h.RealtimeTenant)
	mux.HandleFunc("GET /health", h.Health)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	return mux
}
