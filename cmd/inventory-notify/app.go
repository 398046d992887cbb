package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/sungwon/inventory-notify/internal/archive"
	"github.com/sungwon/inventory-notify/internal/config"
	"github.com/sungwon/inventory-notify/internal/logger"
	"github.com/sungwon/inventory-notify/internal/notification"
	"github.com/sungwon/inventory-notify/internal/queue"
	"github.com/sungwon/inventory-notify/internal/sink"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   queue.Store
	sink    sink.Sink
	archive archive.Store
	service *notification.Service
}

func loadConfig(configDir string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.NewFromConfig(logger.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxFiles:   cfg.Logging.MaxFiles,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Service:    "inventory-notify",
	})
	return cfg, log, nil
}

// newApp loads configuration and builds the queue store, sink, archive
// and notification service.
func newApp(ctx context.Context, configDir string) (*app, error) {
	cfg, log, err := loadConfig(configDir)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}

	if cfg.Notifications.Enabled {
		a.store, err = queue.NewStore(ctx, cfg.Queue, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create queue store: %w", err)
		}
	}

	a.sink, err = sink.New(ctx, cfg.Sink, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}

	a.archive, err = archive.New(ctx, cfg.Archive, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	a.service = notification.NewService(cfg.Notifications, a.store, a.sink, a.archive, log)
	log.Info().
		Bool("queueing", cfg.Notifications.Enabled).
		Str("queue_type", cfg.Queue.Type).
		Str("sink", a.sink.Name()).
		Bool("archive", a.archive != nil).
		Msg("notification service initialized")
	return a, nil
}

// Close releases the queue store connection.
func (a *app) Close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close queue store")
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
