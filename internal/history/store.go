package history

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the append-only history sink for adjustments, liquidations
// and account snapshots. It is the audit trail, not the source of
// truth: callers log-and-continue when a write fails.
type Store struct {
	db *gorm.DB
}

// Trigger describes what initiated a margin adjustment.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerEmergency Trigger = "emergency"
)

// Direction of a margin adjustment.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

// Models

type MarginAdjustment struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Symbol       string `gorm:"index"`
	Direction    Direction
	Amount       decimal.Decimal `gorm:"type:decimal(20,8)"`
	BeforeMargin decimal.Decimal `gorm:"type:decimal(20,8)"`
	AfterMargin  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Trigger      Trigger         `gorm:"index"`
	CreatedAt    time.Time       `gorm:"index"`
}

type Liquidation struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	Symbol         string `gorm:"index"`
	Side           string
	Quantity       decimal.Decimal `gorm:"type:decimal(20,8)"`
	Price          decimal.Decimal `gorm:"type:decimal(20,8)"`
	ReleasedMargin decimal.Decimal `gorm:"type:decimal(20,8)"`
	Reason         string
	CreatedAt      time.Time `gorm:"index"`
}

type AccountSnapshot struct {
	ID               uint            `gorm:"primaryKey;autoIncrement"`
	TotalEquity      decimal.Decimal `gorm:"type:decimal(20,8)"`
	TotalMargin      decimal.Decimal `gorm:"type:decimal(20,8)"`
	AvailableBalance decimal.Decimal `gorm:"type:decimal(20,8)"`
	PositionsJSON    string
	CreatedAt        time.Time `gorm:"index"`
}

// New opens the history store. A postgres:// connection string selects
// PostgreSQL; anything else is a SQLite file path whose directory is
// created if missing.
func New(dbPath string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("History store connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("History store initialized (SQLite)")
	}

	if err := db.AutoMigrate(&MarginAdjustment{}, &Liquidation{}, &AccountSnapshot{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// RecordAdjustment appends one margin adjustment record.
func (s *Store) RecordAdjustment(adj *MarginAdjustment) error {
	return s.db.Create(adj).Error
}

// RecordLiquidation appends one partial-close record.
func (s *Store) RecordLiquidation(liq *Liquidation) error {
	return s.db.Create(liq).Error
}

// RecordSnapshot appends one account snapshot.
func (s *Store) RecordSnapshot(snap *AccountSnapshot) error {
	return s.db.Create(snap).Error
}

// RecentAdjustments returns the newest adjustment records, optionally
// filtered by symbol.
func (s *Store) RecentAdjustments(limit int, symbol string) ([]MarginAdjustment, error) {
	q := s.db.Order("created_at DESC").Limit(limit)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var records []MarginAdjustment
	err := q.Find(&records).Error
	return records, err
}

// RecentLiquidations returns the newest liquidation records.
func (s *Store) RecentLiquidations(limit int) ([]Liquidation, error) {
	var records []Liquidation
	err := s.db.Order("created_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// RecentSnapshots returns the newest account snapshots.
func (s *Store) RecentSnapshots(limit int) ([]AccountSnapshot, error) {
	var records []AccountSnapshot
	err := s.db.Order("created_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// DailyStats counts adjustments and liquidations recorded on the given
// day, for the daily report.
func (s *Store) DailyStats(day time.Time) (adjustments int64, liquidations int64, err error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	if err = s.db.Model(&MarginAdjustment{}).
		Where("created_at >= ? AND created_at < ?", start, end).
		Count(&adjustments).Error; err != nil {
		return 0, 0, err
	}
	err = s.db.Model(&Liquidation{}).
		Where("created_at >= ? AND created_at < ?", start, end).
		Count(&liquidations).Error
	return adjustments, liquidations, err
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
