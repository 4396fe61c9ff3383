package storage

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/spacenose/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/spacenose/readings.db"

	defaultBatchTimeout = time.Second
)

type Config struct {
	DBPath        string
	BackupDir     string
	BatchSize     int
	BatchTimeout  time.Duration
	RetentionDays int
	Enabled       bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:        defaultDBPath,
		BatchSize:     1,
		BatchTimeout:  defaultBatchTimeout,
		RetentionDays: 30,
		Enabled:       true,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if storage is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.RetentionDays < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			BatchSize     int
			RetentionDays int
		}{
			BatchSize:     c.BatchSize,
			RetentionDays: c.RetentionDays,
		})
	}
	return nil
}

// backupDir defaults to a backups directory next to the database.
func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}
