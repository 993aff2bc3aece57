// Package main is the entry point for the zgw S3-compatible gateway daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/baotiao/zeppelin-gateway/internal/config"
	"github.com/baotiao/zeppelin-gateway/internal/logging"
	"github.com/baotiao/zeppelin-gateway/internal/metrics"
	"github.com/baotiao/zeppelin-gateway/internal/server"
	"github.com/baotiao/zeppelin-gateway/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "zgw.yaml", "path to configuration file")
	ip := flag.String("ip", "", "override listening IP (default: from config or 0.0.0.0)")
	port := flag.Int("port", 0, "override S3 listening port (default: from config or 8099)")
	adminPort := flag.Int("admin-port", 0, "override admin listening port (default: from config or 8199)")
	workers := flag.Int("workers", 0, "override worker pool size (default: from config or 8)")
	engine := flag.String("engine", "", "override store engine: redis, sqlite, badger, memory")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *ip != "" {
		cfg.Server.ServerIP = *ip
	}
	if *port != 0 {
		cfg.Server.ServerPort = *port
	}
	if *adminPort != 0 {
		cfg.Server.AdminPort = *adminPort
	}
	if *workers != 0 {
		cfg.Server.WorkerNum = *workers
		if cfg.Server.WorkerNum > config.MaxWorkerNum {
			cfg.Server.WorkerNum = config.MaxWorkerNum
		}
	}
	if *engine != "" {
		cfg.Store.Engine = *engine
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Initialize structured logging.
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	// Single-instance guard: hold an exclusive flock for the process lifetime.
	lockFile, err := acquireLock(cfg.LockFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer func() {
		os.Remove(cfg.PidFile)
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
	}()

	if err := os.WriteFile(cfg.PidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write pid file: %v\n", err)
		os.Exit(1)
	}

	metrics.Register()

	opener, err := newOpener(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s engine: %v\n", cfg.Store.Engine, err)
		os.Exit(1)
	}

	// Each worker owns one backend session for its whole lifetime.
	pool, err := server.NewSessionPool(context.Background(), opener, cfg.Server.WorkerNum)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open backend sessions: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Session pool ready", "engine", cfg.Store.Engine, "workers", pool.Size())

	gw, err := server.New(cfg, pool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create gateway: %v\n", err)
		os.Exit(1)
	}
	admin := server.NewAdminServer(cfg, pool)

	sampler := metrics.NewQPSSampler(0)
	sampler.Start()
	defer sampler.Stop()

	s3Addr := fmt.Sprintf("%s:%d", cfg.Server.ServerIP, cfg.Server.ServerPort)
	adminAddr := fmt.Sprintf("%s:%d", cfg.Server.ServerIP, cfg.Server.AdminPort)

	// Start both listeners in goroutines so we can handle shutdown signals.
	errCh := make(chan error, 2)
	go func() {
		slog.Info("zgw listening", "addr", s3Addr)
		if err := gw.ListenAndServe(s3Addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()
	go func() {
		slog.Info("zgw admin listening", "addr", adminAddr)
		if err := admin.ListenAndServe(adminAddr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin: %w", err)
		}
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := gw.Shutdown(ctx); err != nil {
			slog.Error("Gateway shutdown error", "error", err)
		}
		if err := admin.Shutdown(ctx); err != nil {
			slog.Error("Admin shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// newOpener builds the store opener selected by store.engine.
func newOpener(cfg *config.Config) (store.Opener, error) {
	switch cfg.Store.Engine {
	case "redis":
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "zgw"
		}
		// The lock name identifies this gateway instance in the shared
		// lock registry.
		return store.NewRedisOpener(store.RedisOptions{
			MetaAddr: cfg.Store.ZpMetaIPPorts[0],
			LockAddr: cfg.Store.RedisIPPort,
			Password: cfg.Store.RedisPasswd,
			Table:    cfg.Store.ZpTableName,
			LockName: hostname + ":" + strconv.Itoa(cfg.Server.ServerPort),
			LockTTL:  time.Duration(cfg.Store.LockTTLSeconds) * time.Second,
		}), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Store.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating sqlite directory: %w", err)
			}
		}
		return store.NewSQLiteOpener(cfg.Store.SQLitePath)
	case "badger":
		return store.NewBadgerOpener(cfg.Store.BadgerDir)
	case "memory":
		return store.NewMemoryOpener(), nil
	default:
		return nil, fmt.Errorf("unknown store engine %q", cfg.Store.Engine)
	}
}

// acquireLock takes an exclusive non-blocking flock on path so a second
// gateway instance fails fast instead of fighting over the pid file.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another zgw instance holds %s: %w", path, err)
	}
	return f, nil
}
