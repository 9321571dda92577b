package storage

import (
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

// PoolConfig sizes the database/sql pool behind the GORM handle.
//
// On PostgreSQL every worker goroutine needs a connection for its claim and
// item updates, its heartbeat runs on a second one, and the API and gateway
// handlers share the rest. On SQLite the pool is pinned to one connection
// that is never recycled: writers serialize anyway, and recycling the only
// connection of a ":memory:" database would drop it.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns the PostgreSQL defaults: 25 open and 10 idle
// connections, recycled after 5 minutes or 1 minute idle.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// apiHeadroom is the number of connections left to HTTP handlers when the
// pool is sized for workers.
const apiHeadroom = 8

// PoolOption configures connection pool settings.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// MaxOpenConns caps open connections. Values below 1 are ignored.
func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		if n > 0 {
			c.MaxOpenConns = n
		}
	})
}

// MaxIdleConns caps idle connections. Negative values are ignored.
func MaxIdleConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		if n >= 0 {
			c.MaxIdleConns = n
		}
	})
}

// ConnMaxLifetime recycles connections older than d. Zero keeps them.
func ConnMaxLifetime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.ConnMaxLifetime = d
	})
}

// ConnMaxIdleTime closes connections idle longer than d. Zero keeps them.
func ConnMaxIdleTime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.ConnMaxIdleTime = d
	})
}

// WorkerSized raises MaxOpenConns so that concurrency worker goroutines,
// their heartbeats and the HTTP handlers never wait on each other for a
// connection. It never lowers a larger configured cap.
func WorkerSized(concurrency int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		if need := 2*concurrency + apiHeadroom; need > c.MaxOpenConns {
			c.MaxOpenConns = need
		}
	})
}

// singleConnection pins the pool to one long-lived connection for SQLite.
func singleConnection() PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
	})
}

// ConfigurePool applies opts over DefaultPoolConfig to db.
func ConfigurePool(db *gorm.DB, opts ...PoolOption) error {
	config := DefaultPoolConfig()
	for _, opt := range opts {
		opt.applyPool(&config)
	}
	if config.MaxIdleConns > config.MaxOpenConns {
		config.MaxIdleConns = config.MaxOpenConns
	}

	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "get underlying *sql.DB")
	}

	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	return nil
}
