package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strobehq/strobe/internal/config"
	"github.com/strobehq/strobe/internal/daemon"
	"github.com/strobehq/strobe/internal/dwarf"
	"github.com/strobehq/strobe/internal/logging"
	"github.com/strobehq/strobe/internal/session"
	"github.com/strobehq/strobe/internal/store"
)

func main() {
	var (
		stateDir = flag.String("state-dir", "", "State directory (default ~/.strobe)")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	paths := daemon.DefaultPaths()
	if *stateDir != "" {
		paths = daemon.PathsIn(*stateDir)
	}
	if err := paths.Ensure(); err != nil {
		fmt.Fprintf(os.Stderr, "cannot create state dir: %v\n", err)
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	if f, err := os.OpenFile(paths.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err == nil {
		logConfig.Output = f
		defer f.Close()
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	lock, err := daemon.AcquireLock(paths.LockFile)
	if err != nil {
		if err == daemon.ErrAlreadyLocked {
			fmt.Fprintln(os.Stderr, "strobed is already running")
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "lock error: %v\n", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := os.WriteFile(paths.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		logger.Warn("cannot write pid file", "error", err)
	}
	defer os.Remove(paths.PIDFile)

	settings := config.New(paths.Settings, "")
	batchSize := settings.Int("store.batch_size", 100)
	interval := time.Duration(settings.Int("store.batch_interval_ms", 10)) * time.Millisecond

	st, err := store.Open(paths.Database, batchSize, interval)
	if err != nil {
		logger.Error("cannot open event store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	cache := dwarf.NewCache(settings.Int("dwarf.cache_size", 100))
	coord := session.NewCoordinator(st, cache, session.ExecSpawner{}, func(root string) *config.Store {
		return config.New(paths.Settings, config.ProjectPath(root))
	}, logger)

	srv := daemon.NewServer(coord, st, logger)
	if err := srv.Listen(paths.Socket); err != nil {
		logger.Error("cannot bind socket", "path", paths.Socket, "error", err)
		os.Exit(1)
	}
	defer os.Remove(paths.Socket)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("strobed listening", "socket", paths.Socket, "pid", os.Getpid())
	if err := srv.Serve(ctx); err != nil {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}
