// Package sequence issues per-tenant ticks and per-table row ids. Every
// counter is a row updated inside the caller's transaction, so a rolled back
// commit rolls its tick back too and no tick ever exists without its mutation.
package sequence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingTransaction = errors.New("sequence: transaction required")

// TickCounter is the last tick issued to a tenant.
type TickCounter struct {
	CustomerID int64 `gorm:"column:customer_id;primaryKey;autoIncrement:false"`
	LastTick   int64 `gorm:"column:last_tick;not null;default:0"`
}

// TableName exposes the table backing tick counters.
func (TickCounter) TableName() string {
	return "_Tick"
}

// RowCounter is the last id issued for a table.
type RowCounter struct {
	Table  string `gorm:"column:table_name;primaryKey;size:190"`
	LastID int64  `gorm:"column:last_id;not null;default:0"`
}

// TableName exposes the table backing row id counters.
func (RowCounter) TableName() string {
	return "_RowCounter"
}

// Models lists the gorm models owned by this package for migrations.
func Models() []any {
	return []any{&TickCounter{}, &RowCounter{}}
}

// NextTick increments and returns the tenant tick within tx.
func NextTick(tx *gorm.DB, customerID int64) (int64, error) {
	if tx == nil {
		return 0, errMissingTransaction
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&TickCounter{CustomerID: customerID}).Error; err != nil {
		return 0, fmt.Errorf("sequence: seed tick: %w", err)
	}
	if err := tx.Model(&TickCounter{}).
		Where("customer_id = ?", customerID).
		UpdateColumn("last_tick", gorm.Expr("last_tick + ?", 1)).Error; err != nil {
		return 0, fmt.Errorf("sequence: increment tick: %w", err)
	}
	var counter TickCounter
	if err := tx.Where("customer_id = ?", customerID).Take(&counter).Error; err != nil {
		return 0, fmt.Errorf("sequence: read tick: %w", err)
	}
	return counter.LastTick, nil
}

// NextRowID increments and returns the id counter of table within tx.
func NextRowID(tx *gorm.DB, table string) (int64, error) {
	if tx == nil {
		return 0, errMissingTransaction
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&RowCounter{Table: table}).Error; err != nil {
		return 0, fmt.Errorf("sequence: seed row id: %w", err)
	}
	if err := tx.Model(&RowCounter{}).
		Where("table_name = ?", table).
		UpdateColumn("last_id", gorm.Expr("last_id + ?", 1)).Error; err != nil {
		return 0, fmt.Errorf("sequence: increment row id: %w", err)
	}
	var counter RowCounter
	if err := tx.Where("table_name = ?", table).Take(&counter).Error; err != nil {
		return 0, fmt.Errorf("sequence: read row id: %w", err)
	}
	return counter.LastID, nil
}

// CurrentTick returns the last tick issued to a tenant, 0 when none was.
func CurrentTick(ctx context.Context, db *gorm.DB, customerID int64) (int64, error) {
	var counter TickCounter
	err := db.WithContext(ctx).Where("customer_id = ?", customerID).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sequence: current tick: %w", err)
	}
	return counter.LastTick, nil
}
