package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/burugo/recordsync"
	"github.com/burugo/recordsync/internal/logging"
	"github.com/burugo/recordsync/providers/sqlite"
)

// closeGrace is how long Close waits for in-flight writes after the undo
// windows have been flushed.
const closeGrace = 5 * time.Second

// app is the assembled object graph of a command.
type app struct {
	Logger   *zap.Logger
	Provider *sqlite.Provider
	Client   *recordsync.Client
}

func provideLogger(opts appOptions) *zap.Logger {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	return logging.New(opts.JSONLogs, level)
}

func provideConfig(opts appOptions, logger *zap.Logger) (recordsync.Config, error) {
	cfg := recordsync.DefaultConfig()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = recordsync.LoadConfig(opts.ConfigPath); err != nil {
			return cfg, err
		}
	}
	cfg.Logger = logger
	return cfg, nil
}

func provideSQLite(opts appOptions, logger *zap.Logger) (*sqlite.Provider, func(), error) {
	provider, err := sqlite.Open(opts.DSN, sqlite.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", opts.DSN, err)
	}
	cleanup := func() {
		if err := provider.Close(); err != nil {
			logger.Warn("error closing sqlite provider", zap.Error(err))
		}
	}
	return provider, cleanup, nil
}

func provideClient(provider recordsync.DataProvider, cfg recordsync.Config) (*recordsync.Client, func(), error) {
	client, err := recordsync.New(provider, cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.UndoDelay+closeGrace)
		defer cancel()
		if err := client.Close(ctx); err != nil {
			cfg.Logger.Warn("error closing client", zap.Error(err))
		}
	}
	return client, cleanup, nil
}
