package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/lease"
	"github.com/zulandar/signalbox/internal/logging"
	"gorm.io/gorm"
)

// connectFromConfig loads config and returns a GORM DB connection.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s store: %w", cfg.Database.Driver, err)
	}

	return cfg, gormDB, nil
}

func loggerFromConfig(cfg *config.Config) (zerolog.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}

// leasesFromConfig returns the configured lease backend and a func that
// releases its resources.
func leasesFromConfig(ctx context.Context, cfg *config.Config, gormDB *gorm.DB) (lease.Manager, func(), error) {
	switch cfg.Lease.Backend {
	case "redis":
		m, err := lease.DialRedis(ctx, cfg.Lease.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return m, func() { m.Close() }, nil
	default:
		return lease.NewSQLManager(gormDB), func() {}, nil
	}
}
