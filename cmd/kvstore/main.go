package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/IlyasIsHere/kvstore"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	dataDir := flag.String("data", "", "Data directory (overrides the config file)")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	debug := flag.Bool("debug", false, "Development logging")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, *dataDir, *addr, logger); err != nil {
		logger.Error("kvstore stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(configPath, dataDir string) (kvstore.Config, error) {
	config := kvstore.DefaultConfig("./data")
	if configPath != "" {
		var err error
		if config, err = kvstore.LoadConfig(configPath); err != nil {
			return kvstore.Config{}, err
		}
	}
	if dataDir != "" {
		config.DataDir = dataDir
	}
	return config, nil
}

func run(configPath, dataDir, addr string, logger *zap.Logger) error {
	config, err := loadConfig(configPath, dataDir)
	if err != nil {
		return err
	}

	engine, err := kvstore.Open(config, kvstore.WithLogger(logger))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: newMux(engine, logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("data_dir", config.DataDir))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			engine.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	return engine.Close()
}
