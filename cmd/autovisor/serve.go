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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Autovisor/internal/api"
	"github.com/CZERTAINLY/Autovisor/internal/broadcast"
	"github.com/CZERTAINLY/Autovisor/internal/bus"
	"github.com/CZERTAINLY/Autovisor/internal/log"
	"github.com/CZERTAINLY/Autovisor/internal/metrics"
	"github.com/CZERTAINLY/Autovisor/internal/service"
	"github.com/CZERTAINLY/Autovisor/internal/tail"
)

const shutdownTimeout = 10 * time.Second

func doServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("autovisor",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	m := metrics.New()
	hub := broadcast.NewHub(config.ObserverBuffer, broadcast.WithRecorder(m))
	defer hub.Close()

	supervisor := service.NewSupervisor(hub,
		service.WithFamilies(config.FamilyNames()...),
		service.WithMetrics(m),
		service.WithLogBuffer(config.Logs.Buffer, config.Logs.Finished),
	)

	tailer := tail.New(config.LogFile, hub,
		tail.WithBacklog(config.Tail.Backlog),
		tail.WithInterval(config.Tail.Interval),
	)
	defer tailer.Close()

	var nc *bus.Client
	if config.NATS.URL != "" {
		var err error
		nc, err = bus.Connect(ctx, config.NATS.URL, config.NATS.Prefix)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer func() {
			if err := nc.Close(); err != nil {
				slog.WarnContext(ctx, "draining nats connection", "error", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := api.New(config, supervisor, hub, tailer,
		api.WithMetrics(m.Handler()),
		api.WithVersion(version()),
	)
	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// websocket handlers end with ctx, Shutdown does not wait for them
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		return supervisor.Do(ctx)
	})
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", config.Listen, "log_file", tailer.Path())
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		slog.InfoContext(ctx, "shutting down")
		return httpServer.Shutdown(sctx)
	})
	if nc != nil {
		o := hub.Subscribe()
		g.Go(func() error {
			defer hub.Unsubscribe(o)
			return nc.Forward(ctx, o.Events())
		})
	}

	return g.Wait()
}
