package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stageci/internal/agent"
	"stageci/internal/api"
	"stageci/internal/config"
	"stageci/internal/core"
	"stageci/internal/ledger"
	"stageci/internal/security"
	"stageci/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stageci-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.Options{})
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	l, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	signer, created, err := security.EnsureKeyPair(cfg.KeysDir)
	if err != nil {
		return fmt.Errorf("init server keys: %w", err)
	}
	if created {
		logger.Info("generated new server keys", "dir", cfg.KeysDir)
	} else {
		logger.Info("loaded existing server keys", "dir", cfg.KeysDir)
	}

	exec := core.NewExecutor()
	if cfg.Shell != "" {
		exec.Shell = cfg.Shell
	}
	if cfg.CommandTimeout > 0 {
		exec.Timeout = cfg.CommandTimeout
	}
	exec.WorkDir = cfg.WorkDir
	exec.Isolated = cfg.IsolateEnv
	pool := agent.NewPool(core.NewLocalJobRunner(exec, cfg.AgentID, logger))
	runner := core.NewRunner(pool, core.NewScheduler(cfg.MaxParallel), logger)
	runner.LogStorage = storage.NewLogStorage(cfg.LogDir)
	runner.Ledger = l
	runner.Signer = signer

	srv := api.New(runner, pool, l, logger)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("stageci server listening", "port", cfg.Port, "ledger", cfg.LedgerPath)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = httpSrv.Shutdown(shutdownCtx)
	srv.Close()
	return err
}
