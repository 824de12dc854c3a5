package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/debugrelay/host/internal/bridge"
	"github.com/debugrelay/host/internal/chrome"
	"github.com/debugrelay/host/internal/config"
	"github.com/debugrelay/host/internal/events"
	"github.com/debugrelay/host/internal/logging"
	"github.com/debugrelay/host/internal/notify"
	"github.com/debugrelay/host/internal/reconnect"
	"github.com/debugrelay/host/internal/router"
	"github.com/debugrelay/host/internal/server"
	"github.com/debugrelay/host/internal/session"
	"github.com/debugrelay/host/internal/transport"
	"github.com/debugrelay/host/internal/wire"
)

const shutdownTimeout = 5 * time.Second

func newStartCmd() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the relay host until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer log.Sync()

			if flags.configPath == "" {
				writeDefaultConfig(cfg, log)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			h, err := startHost(ctx, cfg, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "debugrelay listening on %s (chrome %s)\n", h.Addr(), cfg.ChromeURL)

			<-ctx.Done()
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return h.Shutdown(shutdownCtx)
		},
	}
	flags.register(cmd, "addr", "chrome-url", "batch-interval", "log-level")
	return cmd
}

// writeDefaultConfig creates ~/.debugrelay/config.toml on first run.
func writeDefaultConfig(cfg *config.Config, log *zap.Logger) {
	path, err := config.DefaultConfigPath()
	if err != nil {
		return
	}
	if err := config.WriteDefault(path, cfg.ChromeURL); err != nil {
		log.Warn("could not write default config", zap.String("path", path), zap.Error(err))
	}
}

// sessionOptions maps the configuration onto per-session settings. The
// bridge fills in the debugger, hub and observer.
func sessionOptions(cfg *config.Config, format wire.Format, log *zap.Logger) session.Options {
	return session.Options{
		Dial: transport.NewDialer(transport.Options{
			SendAttempts: cfg.SendAttempts,
			Logger:       log,
		}),
		Codec:          wire.Codec{Format: format},
		BatchInterval:  cfg.BatchInterval,
		BatchedMethods: cfg.BatchedMethods,
		LaunchDevTools: cfg.LaunchesDevTools(),
		Reconnect: reconnect.Policy{
			Ceiling:  cfg.ReconnectCeiling,
			Attempts: cfg.ReconnectAttempts,
		},
		Logger: log,
	}
}

// host is a running relay: the Chrome client, the bridge and the messaging
// server, sharing one event hub.
type host struct {
	hub    *events.Subject
	chrome *chrome.Client
	bridge *bridge.Bridge
	server *server.Server
	cancel context.CancelFunc
}

// startHost wires the relay from cfg and starts serving. The tab watcher
// stops when ctx ends; call Shutdown to release everything else.
func startHost(ctx context.Context, cfg *config.Config, log *zap.Logger) (*host, error) {
	format, err := wire.ParseFormat(cfg.WireFormat)
	if err != nil {
		return nil, err
	}

	hub := events.NewSubject(events.WithLogger(log))
	browser := chrome.New(cfg.ChromeURL, chrome.Options{
		ProtocolVersion: cfg.ProtocolVersion,
		Logger:          log,
	})
	notifier := notify.New(notify.Options{
		Hub:     hub,
		Desktop: cfg.DesktopNotifications,
		Logger:  log,
	})

	br := bridge.New(bridge.Options{
		Browser:       browser,
		Hub:           hub,
		Notifier:      notifier,
		Session:       sessionOptions(cfg, format, log),
		ForwardEvents: cfg.ForwardEvents,
		Logger:        log,
	})

	rt := router.New(router.Options{
		AllowedSenders: cfg.AllowedExtensions,
		Logger:         log,
	})
	br.Register(rt)
	browser.SetSink(rt)

	srv := server.New(server.Options{
		Addr:     cfg.Addr,
		Router:   rt,
		Hub:      hub,
		Sessions: br.Registry(),
		Logger:   log,
	})
	if err := <-srv.StartAsync(); err != nil {
		events.Complete(hub)
		return nil, err
	}

	if err := browser.CheckProtocol(ctx); err != nil {
		log.Warn("chrome is not ready; start Chrome with --remote-debugging-port",
			zap.String("chrome", cfg.ChromeURL), zap.Error(err))
	}

	watchCtx, cancel := context.WithCancel(ctx)
	go browser.Watch(watchCtx, cfg.TabPollInterval)

	return &host{
		hub:    hub,
		chrome: browser,
		bridge: br,
		server: srv,
		cancel: cancel,
	}, nil
}

// Addr returns the messaging server address.
func (h *host) Addr() string { return h.server.Addr() }

// Shutdown stops the server, tears down every debug session and closes the
// browser connections.
func (h *host) Shutdown(ctx context.Context) error {
	h.cancel()
	err := h.server.Stop(ctx)
	h.bridge.Close(ctx)
	h.chrome.Close()
	events.Complete(h.hub)
	if err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	return nil
}
