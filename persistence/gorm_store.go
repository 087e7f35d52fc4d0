package persistence

import (
	"context"
	"errors"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// GormStore is a GORM-backed OutcomeStore for single-node deployments
// that need queryable history. Callers open the dialect (sqlite in tests
// and small installs) and hand over the *gorm.DB.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens a SQLite database at path. ":memory:" gives an
// ephemeral database.
func OpenSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	return gorm.Open(sqlite.Open(path), &gorm.Config{})
}

// NewGormStore migrates the record table and wraps the database.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, ErrInvalidInput
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, record *Record) error {
	if err := normalize(record); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(record).Error
}

func (s *GormStore) Get(ctx context.Context, id string) (*Record, error) {
	var record Record
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *GormStore) ListByKind(ctx context.Context, kind OutcomeKind, limit int) ([]*Record, error) {
	query := s.db.WithContext(ctx).
		Where("kind = ?", kind).
		Order("recorded_at DESC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []*Record
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (s *GormStore) ListBySubject(ctx context.Context, subject string) ([]*Record, error) {
	var records []*Record
	err := s.db.WithContext(ctx).
		Where("subject = ?", subject).
		Order("recorded_at DESC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
