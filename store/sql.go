package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQL stores task records in MySQL through GORM.
type SQL struct {
	db *gorm.DB
}

// OpenMySQL connects to dsn and migrates the task table. parseTime and
// utf8mb4 are added to the DSN when missing.
func OpenMySQL(dsn string, logger *slog.Logger) (*SQL, error) {
	dsn = ensureParam(dsn, "parseTime", "true")
	if !strings.Contains(dsn, "charset=") {
		dsn = ensureParam(dsn, "charset", "utf8mb4")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, fmt.Errorf("mysql: %w", err)
	}
	return NewSQL(db)
}

// NewSQL wraps an open database and migrates the task table.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&TaskRecord{}); err != nil {
		return nil, fmt.Errorf("migrate task records: %w", err)
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Save(ctx context.Context, rec TaskRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

func (s *SQL) Get(ctx context.Context, id string) (TaskRecord, error) {
	var rec TaskRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TaskRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQL) List(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []TaskRecord
	err := s.db.WithContext(ctx).Order("started_at desc").Limit(limit).Find(&recs).Error
	return recs, err
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newGormLogger(logger *slog.Logger) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Discard
	}
	return gormlogger.New(
		slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func ensureParam(dsn, key, val string) string {
	if strings.Contains(dsn, key+"=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + val
}
