// Command mcpbridged serves a small MCP tool server over both supported
// transport generations: the streamable endpoint on /mcp and the legacy
// pair on /sse and /messages.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykit/mcpbridge/compathttp"
	"github.com/relaykit/mcpbridge/eventstore"
	"github.com/relaykit/mcpbridge/eventstore/memorystore"
	"github.com/relaykit/mcpbridge/eventstore/redisstore"
	"github.com/relaykit/mcpbridge/internal/metrics"
	"github.com/relaykit/mcpbridge/sessions"
)

type config struct {
	Addr            string        `env:"MCPBRIDGE_ADDR,default=:8080"`
	StreamablePath  string        `env:"MCPBRIDGE_MCP_PATH,default=/mcp"`
	SSEPath         string        `env:"MCPBRIDGE_SSE_PATH,default=/sse"`
	MessagePath     string        `env:"MCPBRIDGE_MESSAGE_PATH,default=/messages"`
	MetricsPath     string        `env:"MCPBRIDGE_METRICS_PATH,default=/metrics"`
	LogLevel        string        `env:"MCPBRIDGE_LOG_LEVEL,default=info"`
	ShutdownTimeout time.Duration `env:"MCPBRIDGE_SHUTDOWN_TIMEOUT,default=10s"`
	// RedisAddr switches the event store to Redis streams when set; empty
	// keeps the in-process store.
	RedisAddr string `env:"MCPBRIDGE_REDIS_ADDR"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var store eventstore.EventStore
	if cfg.RedisAddr != "" {
		rs, err := redisstore.New(redisstore.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return fmt.Errorf("event store: %w", err)
		}
		defer rs.Close()
		store = rs
		log.Info("eventstore.redis", slog.String("addr", cfg.RedisAddr))
	} else {
		store = memorystore.New()
		log.Info("eventstore.memory")
	}

	registry := sessions.NewRegistry(log)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	handler, err := compathttp.New(registry, store, newToolServer(log),
		compathttp.WithLogger(log),
		compathttp.WithMetrics(m),
		compathttp.WithStreamablePath(cfg.StreamablePath),
		compathttp.WithLegacyPaths(cfg.SSEPath, cfg.MessagePath),
	)
	if err != nil {
		return fmt.Errorf("handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(fmt.Sprintf("GET %s", cfg.MetricsPath), promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/", handler)

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	stop()
	log.Info("shutdown.start")

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Close every live transport before stopping the listener so streaming
	// clients see a clean termination instead of a socket reset.
	_ = registry.Drain(shCtx)
	if err := srv.Shutdown(shCtx); err != nil {
		log.Warn("shutdown.http.fail", slog.String("err", err.Error()))
	}

	log.Info("shutdown.done")
	return nil
}
