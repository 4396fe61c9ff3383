package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/spacenose/internal/errors"
	"codeberg.org/mutker/spacenose/internal/logger"
	"codeberg.org/mutker/spacenose/internal/metrics"
	"codeberg.org/mutker/spacenose/internal/reading"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite persistence gateway. Writes are buffered up to
// BatchSize and flushed in one transaction; a background flusher empties a
// partial batch every BatchTimeout.
type Store struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config

	mu     sync.Mutex
	buffer []reading.Reading
	closed bool

	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

func Open(cfg Config, log logger.Logger) (*Store, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1
	}
	if log == nil {
		log = logger.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("Reading store initialized")

	s := &Store{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]reading.Reading, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchSize > 1 && cfg.BatchTimeout > 0 {
		s.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go s.flusher()
	} else {
		close(s.flushDoneChan)
	}

	return s, nil
}

// Write buffers r and flushes once the batch is full.
func (s *Store) Write(ctx context.Context, r reading.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New().New(ErrClosed)
	}

	s.buffer = append(s.buffer, r)
	if len(s.buffer) >= s.cfg.BatchSize {
		return s.flush(ctx)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, errors.New().WithData(ErrInvalidQuery, "limit must be positive")
	}
	return s.query(ctx, selectColumns+` ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// Since returns every record at or after t, oldest first.
func (s *Store) Since(ctx context.Context, t time.Time) ([]Record, error) {
	return s.query(ctx, selectColumns+` WHERE timestamp >= ? ORDER BY timestamp ASC, id ASC`,
		t.UTC().UnixNano())
}

// Range returns every record with start <= timestamp <= end, oldest first.
func (s *Store) Range(ctx context.Context, start, end time.Time) ([]Record, error) {
	if end.Before(start) {
		return nil, errors.New().WithData(ErrInvalidQuery, "end is before start")
	}
	return s.query(ctx, selectColumns+` WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp ASC, id ASC`,
		start.UTC().UnixNano(), end.UTC().UnixNano())
}

func (s *Store) ByID(ctx context.Context, id int64) (Record, error) {
	records, err := s.query(ctx, selectColumns+` WHERE id = ?`, id)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, errors.New().WithData(ErrNotFound, id)
	}
	return records[0], nil
}

// Latest returns the most recently stored record, or false if the table is
// empty.
func (s *Store) Latest(ctx context.Context) (Record, bool, error) {
	records, err := s.Recent(ctx, 1)
	if err != nil || len(records) == 0 {
		return Record{}, false, err
	}
	return records[0], true, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_data`).Scan(&n); err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}
	return n, nil
}

// DeleteOlderThan removes records stamped before cutoff and reports how many
// were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	errFactory := errors.New()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sensor_data WHERE timestamp < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}
	return n, nil
}

func (s *Store) Close() error {
	errFactory := errors.New()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.flushTicker != nil {
		close(s.shutdownChan)
		s.flushTicker.Stop()
	}
	<-s.flushDoneChan

	// Flush anything left when batching without a flusher.
	s.mu.Lock()
	if err := s.flush(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to flush pending readings on close")
	}
	s.mu.Unlock()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := s.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	s.logger.Info().Msg("Reading store closed gracefully")

	return nil
}

func (s *Store) flusher() {
	defer close(s.flushDoneChan)

	for {
		select {
		case <-s.flushTicker.C:
			s.mu.Lock()
			if err := s.flush(context.Background()); err != nil {
				s.logger.Warn().Err(err).Msg("Periodic flush failed")
			}
			s.mu.Unlock()
		case <-s.shutdownChan:
			s.mu.Lock()
			if err := s.flush(context.Background()); err != nil {
				s.logger.Warn().Err(err).Msg("Final flush failed")
			}
			s.mu.Unlock()
			return
		}
	}
}

// flush writes the buffer in one transaction. The buffer is emptied even on
// failure; a failed batch is not retried. Callers hold s.mu.
func (s *Store) flush(ctx context.Context) error {
	if len(s.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()
	batch := len(s.buffer)
	defer func() {
		s.buffer = s.buffer[:0]
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertReadingSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, r := range s.buffer {
		if _, err := stmt.ExecContext(ctx,
			r.Counter,
			r.ADC,
			r.Voltage,
			r.Timestamp.UTC().UnixNano(),
			r.Source,
		); err != nil {
			if err := tx.Rollback(); err != nil {
				s.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	metrics.RecordDBBatchFlush(batch)
	s.logger.Debug().Int("records", batch).Msg("Flushed readings to database")

	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	errFactory := errors.New()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec Record
			ts  int64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Reading.Counter,
			&rec.Reading.ADC,
			&rec.Reading.Voltage,
			&ts,
			&rec.Reading.Source,
		); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		rec.Reading.Timestamp = time.Unix(0, ts).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return records, nil
}
