// Command hub runs the pub/sub hub: the WebSocket endpoint, /port, /health and
// /metrics, with optional live reload of its YAML config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/lightforgemedia/go-wshub/pkg/broker"
	"github.com/lightforgemedia/go-wshub/pkg/config"
	"github.com/lightforgemedia/go-wshub/pkg/ergosockets"
	"github.com/lightforgemedia/go-wshub/pkg/server"
	"github.com/lightforgemedia/go-wshub/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// StatusResponse answers the "hub.status" request.
type StatusResponse struct {
	Connections int      `json:"connections" bson:"connections"`
	Channels    []string `json:"channels" bson:"channels"`
	Uptime      string   `json:"uptime" bson:"uptime"`
}

func main() {
	configPath := flag.String("config", "", "YAML config file (reloaded on change)")
	port := flag.Int("port", -1, "override the configured port (0 picks a free one)")
	portFile := flag.String("port-file", "", "override the configured port file")
	announce := flag.Duration("announce", 0, "publish a hub announcement on 'hub.announce' at this interval")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg = loaded
	}
	if *port >= 0 {
		cfg.Port = *port
	}
	if *portFile != "" {
		cfg.PortFile = *portFile
	}

	level, _ := cfg.SlogLevel()
	logger := newLogger(level)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings() {
		logger.Warn("Config: " + w)
	}

	if err := run(cfg, *configPath, *announce, logger); err != nil {
		logger.Error(fmt.Sprintf("Hub: %v", err))
		os.Exit(1)
	}
	logger.Info("Hub: Shutdown complete.")
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if src, ok := a.Value.Any().(*slog.Source); ok {
					a.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
				}
			}
			return a
		},
	}))
}

// newTelemetry always logs events; a NATS URL adds a publisher behind an
// Async queue so a stalled NATS connection never blocks the hub.
func newTelemetry(cfg *config.Config, logger *slog.Logger) (telemetry.Sink, func(), error) {
	sinks := telemetry.Multi{telemetry.NewSlogSink(logger)}
	if cfg.Telemetry.NATSURL == "" {
		return sinks, func() {}, nil
	}
	ns, err := telemetry.NewNATSSink(telemetry.NATSOptions{
		URL:           cfg.Telemetry.NATSURL,
		SubjectPrefix: cfg.Telemetry.Subject,
		Name:          "wshub",
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	async := telemetry.NewAsync(ns, 0, logger)
	sinks = append(sinks, async)
	return sinks, func() {
		async.Close()
		_ = ns.Close()
	}, nil
}

func run(cfg *config.Config, configPath string, announce time.Duration, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, closeSink, err := newTelemetry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	b, err := broker.New(append(cfg.HubOptions(), broker.WithLogger(logger), broker.WithTelemetry(sink))...)
	if err != nil {
		return err
	}
	started := time.Now()
	err = b.HandleRequest("hub.status", func(ctx context.Context, conn broker.ConnectionHandle, _ ergosockets.Params) (any, error) {
		return StatusResponse{
			Connections: b.ConnectionCount(),
			Channels:    b.Channels(),
			Uptime:      time.Since(started).Round(time.Second).String(),
		}, nil
	})
	if err != nil {
		return err
	}

	srv := server.New(b, append(cfg.ServerOptions(), server.WithLogger(logger))...)
	if err := srv.Listen(); err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("Hub: Serving %s (wire format %s)", srv.URL(), cfg.Format()))
	fmt.Println("Hub listening on", srv.URL())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error {
		logEvents(gctx, b, logger)
		return nil
	})
	if configPath != "" {
		var mu sync.Mutex
		current := cfg
		if err := config.Watch(gctx, configPath, logger, func(next *config.Config) {
			mu.Lock()
			defer mu.Unlock()
			if changed := next.RestartRequired(current); len(changed) > 0 {
				logger.Warn(fmt.Sprintf("Config: Changes to %v take effect after a restart", changed))
			}
			next.ApplyLive(b)
			sink.Record(telemetry.EventConfigReloaded, map[string]any{"path": configPath})
			current = next
		}); err != nil {
			return err
		}
	}
	if announce > 0 {
		g.Go(func() error {
			publishAnnouncements(gctx, b, announce, logger)
			return nil
		})
	}

	<-gctx.Done()
	logger.Info("Hub: Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(fmt.Sprintf("Hub: HTTP shutdown error: %v", err))
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Error(fmt.Sprintf("Hub: Broker shutdown error: %v", err))
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logEvents(ctx context.Context, b *broker.Broker, logger *slog.Logger) {
	events, cancel := b.Events(broker.EventConnectionAdded, broker.EventConnectionRemoved)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logger.Debug(fmt.Sprintf("Hub: %s %s (%d connected)", ev.Kind, ev.ConnID, b.ConnectionCount()))
		}
	}
}

func publishAnnouncements(ctx context.Context, b *broker.Broker, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			n, err := b.Publish("hub.announce", map[string]any{
				"message":   "hub announcement",
				"timestamp": t.Format(time.RFC3339Nano),
			})
			if err != nil {
				logger.Warn(fmt.Sprintf("Hub: Announcement not published: %v", err))
				continue
			}
			logger.Debug(fmt.Sprintf("Hub: Announcement delivered to %d subscribers", n))
		}
	}
}
