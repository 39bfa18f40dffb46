package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "explicit sqlite path gets busy timeout",
			cfg:  config.DatabaseConfig{Driver: "sqlite", DSN: "/var/lib/signalbox.db"},
			want: "/var/lib/signalbox.db?_busy_timeout=5000",
		},
		{
			name: "explicit sqlite dsn with params untouched",
			cfg:  config.DatabaseConfig{Driver: "sqlite", DSN: "file:x.db?cache=shared"},
			want: "file:x.db?cache=shared",
		},
		{
			name: "mysql from parts",
			cfg:  config.DatabaseConfig{Driver: "mysql", Host: "10.0.0.5", Port: 3307, Name: "sb", User: "proxy", Password: "pw"},
			want: "proxy:pw@tcp(10.0.0.5:3307)/sb?parseTime=true&loc=UTC",
		},
		{
			name: "mysql without password",
			cfg:  config.DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, Name: "sb", User: "root"},
			want: "root@tcp(db:3306)/sb?parseTime=true&loc=UTC",
		},
		{
			name: "postgres from parts",
			cfg:  config.DatabaseConfig{Driver: "postgres", Host: "pg", Port: 5432, Name: "sb", User: "app", Password: "pw"},
			want: "postgres://app:pw@pg:5432/sb?sslmode=disable&TimeZone=UTC",
		},
		{
			name: "explicit postgres dsn",
			cfg:  config.DatabaseConfig{Driver: "postgres", DSN: "postgres://x@y/z"},
			want: "postgres://x@y/z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q", err)
	}
}

func TestConnect_SQLiteMemory(t *testing.T) {
	gdb := openTestDB(t)
	if err := Ping(context.Background(), gdb); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not migrated", m)
		}
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 2 {
		t.Errorf("AllModels() returned %d models, want 2", got)
	}
}

func TestIsDuplicateKey_Drivers(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"gorm translated", fmt.Errorf("wrap: %w", gorm.ErrDuplicatedKey), true},
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, true},
		{"sqlite primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, true},
		{"sqlite not null", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}, false},
		{"mysql duplicate", &mysqldrv.MySQLError{Number: 1062, Message: "Duplicate entry"}, true},
		{"mysql other", &mysqldrv.MySQLError{Number: 1213}, false},
		{"postgres unique", &pgconn.PgError{Code: "23505"}, true},
		{"postgres other", &pgconn.PgError{Code: "40001"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDuplicateKey(tt.err); got != tt.want {
				t.Errorf("IsDuplicateKey(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsDuplicateKey_RealUniqueIndex(t *testing.T) {
	gdb := openTestDB(t)
	now := time.Now().UTC()
	first := models.LedgerEntry{
		Fingerprint: "fp-1", IdempotencyKey: "key-1", SessionID: "s", ContentHash: "h",
		Status: models.StatusProcessing, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := gdb.Create(&first).Error; err != nil {
		t.Fatalf("create first: %v", err)
	}
	dup := first
	dup.ID = 0
	dup.IdempotencyKey = "key-2"
	err := gdb.Create(&dup).Error
	if err == nil {
		t.Fatal("expected unique violation on fingerprint")
	}
	if !IsDuplicateKey(err) {
		t.Errorf("IsDuplicateKey(%v) = false, want true", err)
	}
}
