package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/ferd36/maths-chat/internal/config"
	"github.com/ferd36/maths-chat/internal/httpserver"
	"github.com/ferd36/maths-chat/internal/metrics"
	"github.com/ferd36/maths-chat/internal/relay"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.LoadRelay(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Relay, logger *slog.Logger) error {
	logger.Info("starting mathschat-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"broker", cfg.Broker,
		"max_message_bytes", cfg.MaxMessageBytes,
		"messages_per_second", cfg.MessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.SharedSecret != "",
	)
	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New("mathschat_relay")

	broker, ready, err := newBroker(ctx, cfg, m, logger)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer broker.Close()

	hub, err := relay.NewHub(cfg, broker, m, logger)
	if err != nil {
		return fmt.Errorf("relay hub: %w", err)
	}

	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfoFromRuntime(buildCommit, buildTime))
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	if ready != nil {
		srv.AddReadyCheck(string(cfg.Broker), ready)
	}
	srv.Mux().Handle("GET /ws", hub)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Shutdown does not wait for hijacked websockets; closing the broker below
	// releases their room memberships.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	return nil
}

// newBroker returns the configured broker and, for remote brokers, a
// readiness check.
func newBroker(ctx context.Context, cfg config.Relay, m *metrics.Metrics, logger *slog.Logger) (relay.Broker, httpserver.ReadyCheck, error) {
	switch cfg.Broker {
	case config.BrokerRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		b, err := relay.NewRedisBroker(ctx, rdb, relay.RedisOptions{
			KeyPrefix:    cfg.Redis.KeyPrefix,
			RoomTTL:      cfg.Redis.RoomTTL,
			Logger:       logger,
			OnRoomOpened: m.RoomOpened,
			OnRoomClosed: m.RoomClosed,
		})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return closeWith(b, rdb.Close), func(ctx context.Context) error { return rdb.Ping(ctx).Err() }, nil
	default:
		return relay.NewMemoryBroker(m.RoomOpened, m.RoomClosed), nil, nil
	}
}

type brokerWithCleanup struct {
	relay.Broker
	cleanup func() error
}

func closeWith(b relay.Broker, cleanup func() error) relay.Broker {
	return brokerWithCleanup{Broker: b, cleanup: cleanup}
}

func (b brokerWithCleanup) Close() error {
	return errors.Join(b.Broker.Close(), b.cleanup())
}
