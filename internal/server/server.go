// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the run store and telemetry over HTTP: run
// inspection and event long-polling for consumers, Prometheus metrics for
// scrapers, and a health endpoint.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/flightrec/internal/config"
	"github.com/tombee/flightrec/pkg/metrics"
	"github.com/tombee/flightrec/pkg/runstore"
	"github.com/tombee/flightrec/pkg/tracing"
)

// Server serves the flightrec HTTP API.
type Server struct {
	cfg       config.ServerConfig
	store     runstore.Store
	collector *metrics.Collector
	tracer    *tracing.Tracer
	logger    *slog.Logger
}

// New creates a server over the given store and telemetry.
func New(cfg config.ServerConfig, store runstore.Store, collector *metrics.Collector, tracer *tracing.Tracer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		collector: collector,
		tracer:    tracer,
		logger:    logger.With("component", "server"),
	}
}

// Handler builds the route table. API routes carry the tracing middleware;
// the scrape and health endpoints stay untraced to keep probe noise out of
// the span stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler(s.collector))
	mux.HandleFunc("GET /api/v1/metrics", s.handleMetricsSnapshot)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	api.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	api.HandleFunc("GET /api/v1/runs/{id}/events", s.handleRunEvents)
	api.HandleFunc("GET /api/v1/runs/{id}/trace", s.handleRunTrace)
	api.HandleFunc("POST /api/v1/runs/{id}/cancel", s.handleCancelRun)
	mux.Handle("/api/v1/runs", tracing.Middleware(s.tracer, api))
	mux.Handle("/api/v1/runs/", tracing.Middleware(s.tracer, api))

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", slog.String("addr", s.cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
