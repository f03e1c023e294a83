package store

import (
	"context"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/signalpost/flagwire/internal/errs"
)

// DBStore persists pending records in a sqlite database, for hosts that
// already ship sqlite and want queryable offline state.
type DBStore struct {
	db *gorm.DB
}

func NewDBStore(path string) (*DBStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "open pending database")
	}
	if err := db.AutoMigrate(&PendingRecord{}); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "migrate pending database")
	}
	return &DBStore{db: db}, nil
}

func (s *DBStore) Save(ctx context.Context, records []PendingRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		return errs.Wrap(errs.KindInternal, err, "save pending records")
	}
	return nil
}

func (s *DBStore) LoadPending(ctx context.Context) ([]PendingRecord, error) {
	var records []PendingRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Order("saved_at").Find(&records).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Where("1 = 1").Delete(&PendingRecord{}).Error
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "drain pending records")
	}
	return records, nil
}

func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Open builds the configured backend. Unknown backends fall back to Nop so
// the engine still starts.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "file":
		return NewFileStore(path), nil
	case "sqlite":
		return NewDBStore(path)
	default:
		return Nop{}, nil
	}
}
