// Command mathschat joins a relay room and chats with the other member over
// a direct WebRTC data channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ferd36/maths-chat/internal/chat"
	"github.com/ferd36/maths-chat/internal/config"
	"github.com/ferd36/maths-chat/internal/metrics"
	"github.com/ferd36/maths-chat/internal/signaling"
	"github.com/ferd36/maths-chat/internal/webrtcpeer"
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Chat goes to stdout; logs stay on stderr.
	logger, err := config.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mathschat exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Client, logger *slog.Logger) error {
	role, err := chat.ParseRole(cfg.Role)
	if err != nil {
		return err
	}

	m := metrics.New("mathschat")
	if cfg.MetricsAddr != "" {
		stopMetrics, err := serveMetrics(cfg.MetricsAddr, m, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	iceServers := cfg.ICEServers
	if cfg.FetchICE {
		fetched, err := fetchICEServers(ctx, http.DefaultClient, cfg.HTTPBase(), cfg.Token)
		if err != nil {
			return fmt.Errorf("fetch ice servers: %w", err)
		}
		iceServers = append(fetched, iceServers...)
		logger.Info("fetched ice servers from relay", "count", len(fetched))
	}

	api := webrtcpeer.NewAPI(webrtcpeer.Settings{
		ICEDisconnectedTimeout: cfg.Timings.ICEDisconnected,
		ICEFailedTimeout:       cfg.Timings.ICEFailed,
		Logger:                 logger,
	})

	sigCfg := signaling.Config{Logger: logger}
	if cfg.Token != "" {
		sigCfg.Header = http.Header{"Authorization": {"Bearer " + cfg.Token}}
	}

	orch, err := chat.New(chat.Options{
		Signaling:            chat.RelaySignaling(sigCfg),
		Transport:            chat.PeerTransport(api, iceServers, logger),
		Logger:               logger,
		Metrics:              m,
		AckTimeout:           cfg.Timings.AckTimeout,
		TypingIdle:           cfg.Timings.TypingIdle,
		RemoteTypingExpiry:   cfg.Timings.RemoteTypingExpiry,
		KeepaliveInterval:    cfg.Timings.KeepaliveInterval,
		LivenessGrace:        cfg.Timings.LivenessGrace,
		RenegotiationTimeout: cfg.Timings.RenegotiationTimeout,
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	logger.Info("connecting", "relay", cfg.RelayURL, "room", cfg.Room, "role", role)
	if err := orch.Connect(chat.ConnectionConfig{
		RelayAddress: cfg.RelayURL,
		RoomCode:     cfg.Room,
		DisplayName:  cfg.DisplayName,
		Credential:   cfg.Token,
	}, role); err != nil {
		return err
	}

	ui := newConsole(os.Stdout, cfg.DisplayName)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		ui.prompt = "> "
	}
	go ui.printEvents(ctx, orch.Events())

	err = ui.readCommands(ctx, os.Stdin, orch)
	_ = orch.Disconnect()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.PrometheusHandler(m))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
