package database

import (
	"fmt"
	"time"
)

// Config holds SQLite connection settings.
type Config struct {
	Path            string
	MaxConnections  int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns settings suitable for a single-process deployment.
func DefaultConfig() *Config {
	return &Config{
		Path:            "./backchannel.db",
		MaxConnections:  10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Validate rejects configurations that would fail at open time.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.ConnMaxLifetime <= 0 {
		return fmt.Errorf("connection max lifetime must be positive")
	}
	return nil
}

// DSN builds the sqlite3 connection string with the pragmas the store
// depends on: WAL for concurrent readers, busy timeout to ride out the
// single writer, foreign keys for referential deletes.
func (c *Config) DSN() string {
	return c.Path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}
