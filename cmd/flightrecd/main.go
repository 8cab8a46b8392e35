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

// flightrecd is the flightrec daemon: it serves run inspection, event long
// polling, and Prometheus metrics over HTTP, backed by Redis or an
// in-process store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/flightrec/internal/config"
	"github.com/tombee/flightrec/internal/log"
	"github.com/tombee/flightrec/internal/server"
	"github.com/tombee/flightrec/pkg/metrics"
	"github.com/tombee/flightrec/pkg/runstore"
	"github.com/tombee/flightrec/pkg/tracing"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		listenAddr  = flag.String("listen", "", "HTTP listen address (host:port)")
		redisURL    = flag.String("redis-url", "", "Redis connection URL")
		forceMemory = flag.Bool("memory", false, "Use the in-memory store even when Redis is configured")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("flightrecd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}
	if *redisURL != "" {
		cfg.Store.RedisURL = *redisURL
	}
	if *forceMemory {
		cfg.Store.ForceMemory = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := runstore.Open(ctx, runstore.Config{
		RedisURL:       cfg.Store.RedisURL,
		ForceMemory:    cfg.Store.ForceMemory,
		RunDataTTL:     cfg.Store.RunDataTTL,
		CancelTTL:      cfg.Store.CancelTTL,
		EventStreamTTL: cfg.Store.EventStreamTTL,
		StreamMaxLen:   cfg.Store.StreamMaxLen,
	}, logger)
	if err != nil {
		logger.Error("failed to open run store", log.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	tracer, err := buildTracer(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Error("failed to set up tracing", log.Error(err))
		os.Exit(1)
	}

	collector := metrics.NewCollector()
	srv := server.New(cfg.Server, store, collector, tracer, logger)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	err = srv.Run(ctx)

	// Drain spans before exiting, bounded so a dead collector cannot hang
	// shutdown.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	tracer.Shutdown(flushCtx)
	flushCancel()

	if err != nil {
		logger.Error("server exited with error", log.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// buildTracer assembles the tracer from config: console export is always a
// slog sink; stdout and otlp ride the OpenTelemetry SDK.
func buildTracer(ctx context.Context, cfg config.TracingConfig, logger *slog.Logger) (*tracing.Tracer, error) {
	var exporters []tracing.Exporter

	switch cfg.Exporter {
	case "", "none":
	case "console":
		exporters = append(exporters, tracing.NewConsoleExporter(logger, false))
	case "stdout":
		exporter, err := tracing.NewStdoutExporter(cfg.ServiceName)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, exporter)
	case "otlp":
		exporter, err := tracing.NewOTLPExporter(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.OTLPInsecure)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, exporter)
	}

	return tracing.New(tracing.Config{
		ServiceName:   cfg.ServiceName,
		SampleRate:    cfg.SampleRate,
		Disabled:      cfg.Disabled,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}, logger, exporters...), nil
}
