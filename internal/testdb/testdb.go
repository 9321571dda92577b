// Package testdb opens migrated databases for package tests.
package testdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/sniper/pkg/storage"
)

// Open opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh file-backed SQLite database in the test's temp dir.
// SQLite is limited to one connection so concurrent goroutines in a test
// share one view of the schema.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	cfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(2)

		// Clean before AND after to ensure test isolation.
		cleanup(db)
		t.Cleanup(func() {
			cleanup(db)
			_ = sqlDB.Close()
		})
		return db
	}

	path := filepath.Join(t.TempDir(), "sniper.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), cfg)
	require.NoError(t, err, "open sqlite test db")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// Storage opens a migrated GormStorage.
func Storage(t testing.TB) *storage.GormStorage {
	t.Helper()
	s := storage.NewGormStorage(Open(t))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

// IsPostgres reports whether tests run against PostgreSQL.
func IsPostgres() bool {
	return os.Getenv("TEST_DATABASE_URL") != ""
}

func cleanup(db *gorm.DB) {
	// Order matters: items reference jobs.
	tables := []string{
		"job_items", "jobs", "targets", "workspace_settings",
		"usage_ledger_daily", "linkedin_auth", "linkedin_auth_sessions",
	}
	for _, tbl := range tables {
		db.Exec("DELETE FROM " + tbl)
	}
}
