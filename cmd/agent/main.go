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
	"stageci/internal/config"
	"stageci/internal/core"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stageci-agent:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.Options{})
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel).With("agent", cfg.AgentID)

	exec := core.NewExecutor()
	if cfg.Shell != "" {
		exec.Shell = cfg.Shell
	}
	if cfg.CommandTimeout > 0 {
		exec.Timeout = cfg.CommandTimeout
	}
	exec.WorkDir = cfg.WorkDir
	exec.Isolated = cfg.IsolateEnv
	runner := core.NewLocalJobRunner(exec, cfg.AgentID, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AgentPort),
		Handler:           agent.NewHandler(runner, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("agent listening", "port", cfg.AgentPort)
		errc <- httpSrv.ListenAndServe()
	}()

	if cfg.ServerURL != "" {
		url := cfg.AgentURL
		if url == "" {
			url = fmt.Sprintf("http://localhost:%d", cfg.AgentPort)
		}
		regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := agent.Register(regCtx, cfg.ServerURL, agent.Info{ID: cfg.AgentID, URL: url})
		cancel()
		if err != nil {
			logger.Warn("registration failed", "server", cfg.ServerURL, "err", err)
		} else {
			logger.Info("registered with server", "server", cfg.ServerURL, "url", url)
		}
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
