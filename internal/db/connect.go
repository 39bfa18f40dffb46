// Package db opens the relational store and normalizes driver errors.
package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds the driver-specific connection string for cfg. An explicit
// cfg.DSN always wins.
func DSN(cfg config.DatabaseConfig) string {
	if cfg.DSN != "" {
		if cfg.Driver == "sqlite" && !strings.Contains(cfg.DSN, "?") {
			return cfg.DSN + "?_busy_timeout=5000"
		}
		return cfg.DSN
	}
	switch cfg.Driver {
	case "mysql":
		cred := cfg.User
		if cfg.Password != "" {
			cred += ":" + cfg.Password
		}
		return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC", cred, cfg.Host, cfg.Port, cfg.Name)
	case "postgres":
		u := url.URL{
			Scheme:   "postgres",
			Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Path:     "/" + cfg.Name,
			RawQuery: "sslmode=disable&TimeZone=UTC",
		}
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else if cfg.User != "" {
			u.User = url.User(cfg.User)
		}
		return u.String()
	default:
		return config.DefaultSQLitePath + "?_busy_timeout=5000"
	}
}

// Connect opens a GORM connection for the configured driver. Duplicate-key
// errors are translated to gorm.ErrDuplicatedKey.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		// sqlite admits one writer; a single pooled connection serializes
		// statements issued from this process.
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("db: sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	dsn := DSN(cfg)
	switch cfg.Driver {
	case "sqlite", "":
		return sqlite.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// Ping verifies the store is reachable.
func Ping(ctx context.Context, gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("db: ping: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("db: ping: %w", err)
	}
	return nil
}
