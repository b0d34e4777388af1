package store

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationInformationTickIndex   = "2026-09-14_information_tick_index"
	migrationBackfillSequenceCounts = "2026-10-01_backfill_sequence_counters"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationInformationTickIndex, apply: createInformationTickIndex},
		{name: migrationBackfillSequenceCounts, apply: backfillSequenceCounters},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// createInformationTickIndex serves the catch-up scan by tenant, table and tick.
func createInformationTickIndex(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_information_catchup ON _Information (customer_id, table_name, update_tick)").Error
}

// backfillSequenceCounters raises the counters to the highest tick and id
// already present, so data restored without its counters never reuses one.
func backfillSequenceCounters(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`INSERT INTO _Tick (customer_id, last_tick)
SELECT customer_id, MAX(update_tick) FROM _Information WHERE true GROUP BY customer_id
ON CONFLICT(customer_id) DO UPDATE SET last_tick = MAX(_Tick.last_tick, excluded.last_tick)`).Error; err != nil {
			return err
		}
		return tx.Exec(`INSERT INTO _RowCounter (table_name, last_id)
SELECT table_name, MAX(id) FROM records WHERE true GROUP BY table_name
ON CONFLICT(table_name) DO UPDATE SET last_id = MAX(_RowCounter.last_id, excluded.last_id)`).Error
	})
}
