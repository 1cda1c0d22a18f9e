// Package journal keeps a relational audit trail of every mutating escrow
// call, including rejected ones, keyed by the receipt handle returned to the
// caller.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const maxErrorLen = 512

// ErrNotFound is returned when no entry matches a lookup.
var ErrNotFound = errors.New("journal: entry not found")

// Entry is one audited call.
type Entry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID string    `gorm:"size:64;index"`
	Operation string    `gorm:"size:64;index"`
	ProjectID uint64    `gorm:"index"`
	Caller    string    `gorm:"size:42;index"`
	TxHash    string    `gorm:"size:66;index"`
	Sequence  uint64
	Status    uint8
	Outcome   string `gorm:"size:32;index"`
	Error     string `gorm:"size:512"`
	CreatedAt time.Time
}

// BeforeCreate assigns identifiers and timestamps for new entries.
func (e *Entry) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Journal persists entries through gorm.
type Journal struct {
	db *gorm.DB
}

// Open connects to dsn. DSNs starting with postgres:// or postgresql:// use
// the Postgres driver; anything else is treated as a SQLite path or URI.
func Open(dsn string) (*Journal, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("journal: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: db required")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record appends an entry.
func (j *Journal) Record(ctx context.Context, entry *Entry) error {
	if j == nil || entry == nil {
		return nil
	}
	entry.Error = truncateUTF8(entry.Error, maxErrorLen)
	return j.db.WithContext(ctx).Create(entry).Error
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ByProject returns the most recent entries for a project, newest first.
func (j *Journal) ByProject(ctx context.Context, projectID uint64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ByTxHash looks up the successful call that produced a receipt handle.
func (j *Journal) ByTxHash(ctx context.Context, txHash string) (*Entry, error) {
	var entry Entry
	err := j.db.WithContext(ctx).Where("tx_hash = ?", strings.ToLower(strings.TrimSpace(txHash))).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
