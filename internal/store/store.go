// Package store persists device probe reports to a local SQLite database
// through GORM, giving diagnostics commands a history to compare against.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ProbeRecord is one persisted probe run for one device.
type ProbeRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	// Host identity, so databases copied between machines stay meaningful.
	Hostname string `gorm:"index" json:"hostname"`

	DeviceOrdinal int    `json:"device_ordinal"`
	DeviceName    string `gorm:"index" json:"device_name"`
	PCIBusID      string `json:"pci_bus_id"`
	TotalMemory   uint64 `json:"total_memory"`
	FreeMemory    uint64 `json:"free_memory"`
	Compute       string `json:"compute"`
	DriverVersion int    `json:"driver_version"`

	// Codecs is a comma-separated list of codec names the device reported.
	Codecs string `json:"codecs"`
	// Healthy records whether a trial encode session succeeded.
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Store wraps a GORM connection to the probe database.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open opens (and migrates) the probe database at path.
// The pure Go SQLite driver is used; PRAGMAs ride in the DSN so every pooled
// connection gets them.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 newGormLogger(log),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening probe database: %w", err)
	}

	if err := db.AutoMigrate(&ProbeRecord{}); err != nil {
		return nil, fmt.Errorf("migrating probe database: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Save persists one probe record.
func (s *Store) Save(ctx context.Context, rec *ProbeRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("saving probe record: %w", err)
	}
	return nil
}

// Latest returns the most recent record for a device name, or nil if the
// device has never been probed.
func (s *Store) Latest(ctx context.Context, deviceName string) (*ProbeRecord, error) {
	var rec ProbeRecord
	err := s.db.WithContext(ctx).
		Where("device_name = ?", deviceName).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("loading latest probe record: %w", err)
	}
	return &rec, nil
}

// List returns up to limit records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]ProbeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []ProbeRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing probe records: %w", err)
	}
	return recs, nil
}

// Prune deletes records older than the cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", olderThan).
		Delete(&ProbeRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning probe records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// slogGormLogger implements GORM's logger.Interface using slog.
type slogGormLogger struct {
	logger *slog.Logger
	level  logger.LogLevel
}

func newGormLogger(log *slog.Logger) *slogGormLogger {
	return &slogGormLogger{logger: log, level: logger.Warn}
}

func (l *slogGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &slogGormLogger{logger: l.logger, level: level}
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	if err != nil && err != gorm.ErrRecordNotFound && l.level >= logger.Error {
		sql, rows := fc()
		l.logger.ErrorContext(ctx, "database error",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return
	}
	if l.logger.Enabled(ctx, slog.LevelDebug) {
		sql, rows := fc()
		l.logger.DebugContext(ctx, "database query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	}
}
