package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskengine/taskengine"
	"github.com/taskengine/taskengine/config"
	"github.com/taskengine/taskengine/engine"
	"github.com/taskengine/taskengine/recurringconfig"
)

func main() {
	configPath := flag.String("config", "", "path to a .toml or .yaml engine config file")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	prefix := flag.String("prefix", "/api/tasks", "URL prefix the task routes are mounted under")
	recurringDir := flag.String("recurring-dir", "", "optional directory of YAML recurrence definitions, hot-reloaded")
	flag.Parse()

	logger := taskengine.NewSlogLogger(nil)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	eng := engine.New(cfg, engine.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)

	var loader *recurringconfig.Loader
	if *recurringDir != "" {
		loader, err = recurringconfig.NewLoader(eng, *recurringDir, logger)
		if err != nil {
			logger.Error("failed to construct recurring config loader", "error", err)
			os.Exit(1)
		}
		if err := loader.Start(); err != nil {
			logger.Error("failed to start recurring config loader", "error", err)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	mux.Handle(*prefix+"/", http.StripPrefix(*prefix, newRouter(eng, logger)))

	srv := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
	}

	go func() {
		logger.Info("taskserver listening", "addr", *addr, "prefix", *prefix)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", "error", err)
	}

	if loader != nil {
		loader.Stop()
	}
	eng.Stop()
	logger.Info("taskserver stopped")
}

func loadConfig(path string) (*config.EngineConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return config.Load(path)
}
