package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jmgilman/go/urlcache/internal/errs"
)

const scanBatchSize = 256

// entryRow is one cache entry stored as a row.
type entryRow struct {
	Location      string    `gorm:"primaryKey"`
	URL           string    `gorm:"column:url;not null"`
	Kind          string    `gorm:"not null;default:'data'"`
	Size          int64     `gorm:"not null"`
	AddedAt       time.Time `gorm:"column:added_at;not null"`
	ExpiresAt     time.Time `gorm:"column:expires_at;index"`
	KeepIfExpired bool      `gorm:"column:keep_if_expired"`
	Checksum      string
	Payload       []byte
}

// TableName specifies the table name for entryRow
func (entryRow) TableName() string {
	return "cache_entries"
}

func (r entryRow) record() Record {
	return Record{
		Key:           r.URL,
		Location:      r.Location,
		Kind:          Kind(r.Kind),
		Size:          r.Size,
		CreatedAt:     r.AddedAt,
		ExpiresAt:     r.ExpiresAt,
		KeepIfExpired: r.KeepIfExpired,
		Checksum:      r.Checksum,
	}
}

// SQLBackend stores entries as rows in a SQLite database through gorm.
type SQLBackend struct {
	db *gorm.DB
}

// OpenSQLBackend opens (creating if needed) the SQLite database at dsn and
// migrates the entry table. Use ":memory:" for a throwaway database.
func OpenSQLBackend(dsn string) (*SQLBackend, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errs.Storage("open", dsn, err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across the pool.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errs.Storage("open", dsn, err)
	}
	sqlDB.SetMaxOpenConns(1)

	return NewSQLBackend(db)
}

// NewSQLBackend wraps an existing gorm connection and migrates the entry table.
func NewSQLBackend(db *gorm.DB) (*SQLBackend, error) {
	if db == nil {
		return nil, errs.InvalidConfig("database cannot be nil")
	}
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		return nil, errs.Storage("migrate", "", err)
	}
	return &SQLBackend{db: db}, nil
}

// Write implements Backend. The row is replaced in a single statement.
func (b *SQLBackend) Write(ctx context.Context, rec Record, payload []byte) error {
	row := entryRow{
		Location:      rec.Location,
		URL:           rec.Key,
		Kind:          string(rec.Kind),
		Size:          rec.Size,
		AddedAt:       rec.CreatedAt,
		ExpiresAt:     rec.ExpiresAt,
		KeepIfExpired: rec.KeepIfExpired,
		Checksum:      rec.Checksum,
		Payload:       payload,
	}
	if row.Payload == nil {
		row.Payload = []byte{}
	}

	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
}

// Read implements Backend.
func (b *SQLBackend) Read(ctx context.Context, rec Record) ([]byte, error) {
	var row entryRow
	err := b.db.WithContext(ctx).Where("location = ?", rec.Location).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound(rec.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row: %w", err)
	}

	if row.URL != rec.Key || checksum(row.Payload) != row.Checksum {
		return nil, errs.ErrCorrupted
	}
	return row.Payload, nil
}

// Remove implements Backend.
func (b *SQLBackend) Remove(ctx context.Context, location string) error {
	return b.db.WithContext(ctx).Where("location = ?", location).Delete(&entryRow{}).Error
}

// Scan implements Backend. Payload columns are not loaded.
func (b *SQLBackend) Scan(ctx context.Context, fn func(Record) error) error {
	var rows []entryRow
	result := b.db.WithContext(ctx).
		Select("location", "url", "kind", "size", "added_at", "expires_at", "keep_if_expired", "checksum").
		FindInBatches(&rows, scanBatchSize, func(_ *gorm.DB, _ int) error {
			for _, row := range rows {
				if err := fn(row.record()); err != nil {
					return err
				}
			}
			return nil
		})
	return result.Error
}

// Close implements Backend.
func (b *SQLBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
