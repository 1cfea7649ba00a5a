package dvr

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// unitRecord is the database row for a Unit. Seq preserves insertion order.
type unitRecord struct {
	Seq           uint   `gorm:"primaryKey;autoIncrement"`
	Name          string `gorm:"uniqueIndex;not null"`
	Kind          int
	UnitIndex     int64
	Payload       []byte
	CreatedAtMs   int64 `gorm:"index"`
	Duration      float64
	Discontinuity bool
	IsGap         bool
	IsUnevenTail  bool
	InitName      string
}

func (unitRecord) TableName() string { return "units" }

func recordFromUnit(u Unit) unitRecord {
	return unitRecord{
		Name:          u.Name(),
		Kind:          int(u.Kind),
		UnitIndex:     u.Index,
		Payload:       u.Payload,
		CreatedAtMs:   u.CreatedAt.UnixMilli(),
		Duration:      u.Duration,
		Discontinuity: u.Discontinuity,
		IsGap:         u.IsGap,
		IsUnevenTail:  u.IsUnevenTail,
		InitName:      u.InitName,
	}
}

func (r unitRecord) unit() Unit {
	return Unit{
		Index:         r.UnitIndex,
		Kind:          Kind(r.Kind),
		Payload:       r.Payload,
		CreatedAt:     time.UnixMilli(r.CreatedAtMs).UTC(),
		Duration:      r.Duration,
		Discontinuity: r.Discontinuity,
		IsGap:         r.IsGap,
		IsUnevenTail:  r.IsUnevenTail,
		InitName:      r.InitName,
	}
}

// SQLStore is a gorm-backed Store. Timestamps are kept with millisecond
// precision.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLiteStore opens (or creates) a SQLite database at path and migrates
// the units table.
func OpenSQLiteStore(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite %s: %v", ErrStorageUnavailable, path, err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an open gorm connection and migrates the units table.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&unitRecord{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrStorageUnavailable, err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Put implements Store.Put.
func (s *SQLStore) Put(u Unit) error {
	rec := recordFromUnit(u)
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kind", "unit_index", "payload", "created_at_ms", "duration",
			"discontinuity", "is_gap", "is_uneven_tail", "init_name",
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrStorageUnavailable, rec.Name, err)
	}
	return nil
}

// Get implements Store.Get.
func (s *SQLStore) Get(name string) (Unit, error) {
	var rec unitRecord
	err := s.db.Where("name = ?", name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Unit{}, ErrNotFound
	}
	if err != nil {
		return Unit{}, fmt.Errorf("%w: get %s: %v", ErrStorageUnavailable, name, err)
	}
	return rec.unit(), nil
}

// Delete implements Store.Delete.
func (s *SQLStore) Delete(name string) error {
	if err := s.db.Where("name = ?", name).Delete(&unitRecord{}).Error; err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStorageUnavailable, name, err)
	}
	return nil
}

// List implements Store.List.
func (s *SQLStore) List(dir Direction, before time.Time) ([]Unit, error) {
	q := s.db.Model(&unitRecord{})
	if !before.IsZero() {
		q = q.Where("created_at_ms < ?", before.UnixMilli())
	}
	if dir == Backward {
		q = q.Order("seq desc")
	} else {
		q = q.Order("seq asc")
	}

	var recs []unitRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStorageUnavailable, err)
	}
	out := make([]Unit, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.unit())
	}
	return out, nil
}
