// Package store persists the exposure ledger across restarts using SQLite.
// The ledger stays authoritative in memory; this store is a best-effort
// mirror plus a warm-start source before the venue reconcile runs.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"fxcore/internal/exposure"
)

type positionModel struct {
	Instrument string  `gorm:"primaryKey;size:32"`
	Units      int64   `gorm:"not null"`
	AvgPrice   float64 `gorm:"not null"`
	StopLoss   float64
	TakeProfit float64
	OpenedAt   time.Time
	Raw        datatypes.JSON
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (positionModel) TableName() string { return "positions" }

// PositionStore implements exposure.Persister on Gorm + SQLite.
type PositionStore struct {
	db *gorm.DB
}

func NewPositionStore(path string) (*PositionStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("position store: path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&positionModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for concurrent HTTP reads while
	// keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &PositionStore{db: db}, nil
}

func (s *PositionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ exposure.Persister = (*PositionStore)(nil)

// SavePosition upserts the instrument's row. The full position also rides in
// a raw JSON column so schema additions never lose information.
func (s *PositionStore) SavePosition(p exposure.Position) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("position store: marshal %s failed: %w", p.Instrument, err)
	}
	row := positionModel{
		Instrument: p.Instrument,
		Units:      p.Units,
		AvgPrice:   p.AvgPrice,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		OpenedAt:   p.OpenedAt,
		Raw:        datatypes.JSON(raw),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instrument"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *PositionStore) DeletePosition(instrument string) error {
	return s.db.Where("instrument = ?", instrument).Delete(&positionModel{}).Error
}

// LoadPositions returns every persisted position, for warm starts before the
// venue reconcile overwrites the ledger.
func (s *PositionStore) LoadPositions() ([]exposure.Position, error) {
	var rows []positionModel
	if err := s.db.Order("instrument").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]exposure.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, exposure.Position{
			Instrument: r.Instrument,
			Units:      r.Units,
			AvgPrice:   r.AvgPrice,
			StopLoss:   r.StopLoss,
			TakeProfit: r.TakeProfit,
			OpenedAt:   r.OpenedAt,
		})
	}
	return out, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
