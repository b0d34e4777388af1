package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"github.com/MarcoPoloResearchLab/diffsync/internal/sequence"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestBackfillMigrationProtectsRestoredData(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	models := append([]any{&RecordRow{}, &InformationRow{}, &migrationRecord{}}, sequence.Models()...)
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	restored := []RecordRow{
		{Table: "Language", ID: 7, CustomerID: 1, FieldsJSON: `{"Key":"fr"}`},
		{Table: "Language", ID: 9, CustomerID: 2, FieldsJSON: `{"Key":"de"}`},
	}
	infos := []InformationRow{
		{Table: "Language", ID: 7, CustomerID: 1, CreateTick: 3, UpdateTick: 12},
		{Table: "Language", ID: 9, CustomerID: 2, CreateTick: 1, UpdateTick: 4},
	}
	if err := database.Create(&restored).Error; err != nil {
		testContext.Fatalf("failed to insert records: %v", err)
	}
	if err := database.Create(&infos).Error; err != nil {
		testContext.Fatalf("failed to insert information: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	s, err := New(Config{Database: database})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	committed, err := s.Commit(context.Background(), Batch{CustomerID: 1, Mutations: []Mutation{{
		Action: schema.ActionCreate, Table: "Language", Fields: records.Fields{"Key": "it"},
	}}})
	if err != nil {
		testContext.Fatalf("commit after restore failed: %v", err)
	}
	if committed.Tick != 13 {
		testContext.Fatalf("expected tick to continue after 12, got %d", committed.Tick)
	}
	if committed.Applied[0].After.ID != 10 {
		testContext.Fatalf("expected id to continue after 9, got %d", committed.Applied[0].After.ID)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillSequenceCounts).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}
