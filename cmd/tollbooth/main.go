// Command tollbooth runs the payment gateway: it loads the YAML config,
// wires the stores and settlement strategy, and serves the paid routes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tollbooth-dev/tollbooth/config"
	"github.com/tollbooth-dev/tollbooth/gateway"
	"github.com/tollbooth-dev/tollbooth/store"
	redisstore "github.com/tollbooth-dev/tollbooth/store/redis"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "tollbooth.yaml", "path to the gateway config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "emit JSON logs")
	flag.Parse()

	if err := run(*configPath, *logLevel, *logJSON); err != nil {
		fmt.Fprintln(os.Stderr, "tollbooth:", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string, logJSON bool) error {
	// .env is optional; config env interpolation reads the process env.
	_ = godotenv.Load()

	logger := newLogger(logLevel, logJSON)
	slog.SetDefault(logger)

	// Load validates; a config that parses here is ready to serve.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	gw, err := gateway.New(cfg, gateway.Options{Stores: stores, Logger: logger})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	addr := net.JoinHostPort(cfg.Gateway.Hostname, strconv.Itoa(cfg.Gateway.Port))
	server := &http.Server{
		Addr:    addr,
		Handler: gw.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			slog.String("addr", addr),
			slog.Int("routes", len(cfg.Routes)),
			slog.Bool("discovery", cfg.Gateway.Discovery))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete, closing", slog.Any("error", err))
		server.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	switch cfg.Stores.Backend {
	case "", "memory":
		return store.NewMemory(store.DefaultSweepInterval), nil
	case "redis":
		stores, err := redisstore.New(ctx, cfg.Stores.URL)
		if err != nil {
			return nil, fmt.Errorf("connect store backend: %w", err)
		}
		return stores, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Stores.Backend)
	}
}

func newLogger(level string, jsonOut bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonOut {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
