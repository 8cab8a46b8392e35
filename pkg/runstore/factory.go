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

package runstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/flightrec/pkg/errors"
)

// pingTimeout bounds the startup probe so a dead Redis does not stall boot.
const pingTimeout = 3 * time.Second

// Open selects a backend from the config. Redis is used when a URL is set
// and reachable; otherwise the in-memory store backs the process. Memory
// fallback is logged loudly because it silently loses run state on restart.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	if cfg.ForceMemory || cfg.RedisURL == "" {
		logger.Info("using in-memory run store",
			slog.Bool("forced", cfg.ForceMemory))
		return NewMemoryStore(cfg, logger), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing redis url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		logger.Warn("redis unreachable, falling back to in-memory run store",
			slog.String("addr", opts.Addr),
			slog.Any("error", err))
		return NewMemoryStore(cfg, logger), nil
	}

	logger.Info("using redis run store", slog.String("addr", opts.Addr))
	return NewRedisStore(client, cfg, logger), nil
}
