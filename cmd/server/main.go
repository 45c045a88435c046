package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nickyhof/dotdata"
	"github.com/nickyhof/dotdata/config"
	"github.com/nickyhof/dotdata/db"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("DotData Server v%s\n", Version)
		return
	}

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "dotdata-server: %v\n", err)
		os.Exit(1)
	}
}

func run(flags *config.Flags) error {
	cfg, err := config.Load(flags, os.LookupEnv)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instance, err := dotdata.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer instance.Close()

	var server *Server
	if auth := authConfigFrom(cfg.Server); auth != nil {
		server = NewServerWithAuth(instance, auth)
	} else {
		server = NewServer(instance, cfg.CommitIdentity())
	}
	server.WithLogger(logger)

	if cfg.Server.TLSCert != "" {
		err = server.StartTLS(cfg.Server.Listen, cfg.Server.TLSCert, cfg.Server.TLSKey)
	} else {
		err = server.Start(cfg.Server.Listen)
	}
	if err != nil {
		return err
	}
	logger.Info("dotdata server started", "version", Version, "backend", cfg.Backend, "addr", server.Addr())

	group, ctx := errgroup.WithContext(ctx)
	if cfg.Server.Metrics != "" {
		metrics := metricsServer(cfg.Server.Metrics)
		group.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.Server.Metrics)
			if err := metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return server.Stop()
	})

	err = group.Wait()
	logger.Info("server stopped")
	return err
}

func metricsServer(addr string) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	db.MustRegisterMetrics(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
