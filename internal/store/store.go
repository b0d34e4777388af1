package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound reports a record absent from the tenant partition.
	ErrNotFound = records.ErrNotFound

	errMissingDatabase = errors.New("store: database handle is required")
	noOpLogger         = zap.NewNop()
)

// ConflictError reports committed state that changed under a validated
// mutation: a foreign key target deleted, a row gone or newly referenced.
type ConflictError struct {
	Mutation int
	Field    string
	Code     string
	Params   []any
}

func (e *ConflictError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("store: conflict on mutation %d: %s", e.Mutation, e.Code)
	}
	return fmt.Sprintf("store: conflict on mutation %d field %s: %s", e.Mutation, e.Field, e.Code)
}

// Config describes the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store reads and commits records together with their metadata.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New constructs a Store over an opened database.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Get returns a record of the tenant with its metadata, deleted or not.
func (s *Store) Get(ctx context.Context, customerID int64, table string, id int64) (records.Entry, error) {
	return getEntry(s.db.WithContext(ctx), customerID, table, id)
}

func getEntry(db *gorm.DB, customerID int64, table string, id int64) (records.Entry, error) {
	var info InformationRow
	err := db.Where("table_name = ? AND id = ? AND customer_id = ?", table, id, customerID).Take(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.Entry{}, ErrNotFound
	}
	if err != nil {
		return records.Entry{}, err
	}
	var row RecordRow
	err = db.Where("table_name = ? AND id = ?", table, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.Entry{}, ErrNotFound
	}
	if err != nil {
		return records.Entry{}, err
	}
	record, err := row.record()
	if err != nil {
		return records.Entry{}, err
	}
	return records.Entry{Record: record, Information: info.information()}, nil
}

// IsLive reports whether the record exists in the tenant and is not deleted.
func (s *Store) IsLive(ctx context.Context, customerID int64, table string, id int64) (bool, error) {
	return isLive(s.db.WithContext(ctx), customerID, table, id)
}

func isLive(db *gorm.DB, customerID int64, table string, id int64) (bool, error) {
	var count int64
	err := db.Model(&InformationRow{}).
		Where("table_name = ? AND id = ? AND customer_id = ? AND is_deleted = ?", table, id, customerID, false).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListReferencing returns the live records of table whose column holds id.
func (s *Store) ListReferencing(ctx context.Context, customerID int64, table, column string, id int64) ([]records.Record, error) {
	rows, err := referencing(s.db.WithContext(ctx), customerID, table, column, id, 0)
	if err != nil {
		s.logError("list_referencing", err, zap.String("table", table), zap.String("column", column))
		return nil, err
	}
	return decodeRows(rows)
}

func referencing(db *gorm.DB, customerID int64, table, column string, id int64, limit int) ([]RecordRow, error) {
	query := liveRows(db, customerID, table).
		Where("json_extract(records.fields_json, ?) = ?", jsonPath(column), id).
		Order("records.id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []RecordRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListLive returns the live records of a tenant table ordered by id.
func (s *Store) ListLive(ctx context.Context, customerID int64, table string) ([]records.Record, error) {
	var rows []RecordRow
	if err := liveRows(s.db.WithContext(ctx), customerID, table).Order("records.id").Find(&rows).Error; err != nil {
		s.logError("list_live", err, zap.String("table", table))
		return nil, err
	}
	return decodeRows(rows)
}

// ListAllLive returns the live records of a table across tenants. It feeds
// the uniqueness index at startup.
func (s *Store) ListAllLive(ctx context.Context, table string) ([]records.Record, error) {
	var rows []RecordRow
	err := s.db.WithContext(ctx).
		Model(&RecordRow{}).
		Select("records.*").
		Joins("JOIN _Information ON _Information.table_name = records.table_name AND _Information.id = records.id").
		Where("records.table_name = ? AND _Information.is_deleted = ?", table, false).
		Order("records.id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

// ListChangedSince returns the records of a tenant table touched after tick,
// deleted ones included, in tick order.
func (s *Store) ListChangedSince(ctx context.Context, customerID int64, table string, tick int64) ([]records.Entry, error) {
	db := s.db.WithContext(ctx)
	var infos []InformationRow
	err := db.Where("customer_id = ? AND table_name = ? AND update_tick > ?", customerID, table, tick).
		Order("update_tick").Order("id").
		Find(&infos).Error
	if err != nil {
		s.logError("list_changed_since", err, zap.String("table", table), zap.Int64("tick", tick))
		return nil, err
	}
	if len(infos) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	var rows []RecordRow
	if err := db.Where("table_name = ? AND id IN ?", table, ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[int64]RecordRow, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	entries := make([]records.Entry, 0, len(infos))
	for _, info := range infos {
		row, ok := byID[info.ID]
		if !ok {
			continue
		}
		record, err := row.record()
		if err != nil {
			return nil, err
		}
		entries = append(entries, records.Entry{Record: record, Information: info.information()})
	}
	return entries, nil
}

// MaxTick returns the latest tick that touched a tenant table, 0 if none.
func (s *Store) MaxTick(ctx context.Context, customerID int64, table string) (int64, error) {
	var max int64
	err := s.db.WithContext(ctx).
		Model(&InformationRow{}).
		Where("customer_id = ? AND table_name = ?", customerID, table).
		Select("COALESCE(MAX(update_tick), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max, nil
}

// Cursor returns the catch-up cursor of a user for a table, 0 if never set.
func (s *Store) Cursor(ctx context.Context, userID, table string) (int64, error) {
	var row SequenceRow
	err := s.db.WithContext(ctx).Where("user_id = ? AND table_name = ?", userID, table).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Tick, nil
}

// AdvanceCursor moves the cursor forward to tick. It never moves backwards.
func (s *Store) AdvanceCursor(ctx context.Context, userID, table string, tick int64) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "table_name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"tick": gorm.Expr("MAX(_SequenceId.tick, excluded.tick)"),
		}),
	}).Create(&SequenceRow{UserID: userID, Table: table, Tick: tick}).Error
	if err != nil {
		s.logError("advance_cursor", err, zap.String("user_id", userID), zap.String("table", table))
	}
	return err
}

// FindRequest looks up a processed unit by its idempotency key.
func (s *Store) FindRequest(ctx context.Context, userID, requestID string) (RequestAudit, bool, error) {
	var row RequestRow
	err := s.db.WithContext(ctx).Where("user_id = ? AND request_id = ?", userID, requestID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RequestAudit{}, false, nil
	}
	if err != nil {
		return RequestAudit{}, false, err
	}
	return row.audit(), true, nil
}

// RecordRequest stores the outcome of a unit that committed nothing. The
// first outcome recorded for a key wins.
func (s *Store) RecordRequest(ctx context.Context, audit RequestAudit) error {
	row := audit.row()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func liveRows(db *gorm.DB, customerID int64, table string) *gorm.DB {
	return db.Model(&RecordRow{}).
		Select("records.*").
		Joins("JOIN _Information ON _Information.table_name = records.table_name AND _Information.id = records.id").
		Where("records.table_name = ? AND records.customer_id = ? AND _Information.is_deleted = ?", table, customerID, false)
}

func decodeRows(rows []RecordRow) ([]records.Record, error) {
	out := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func jsonPath(column string) string {
	return `$."` + strings.ReplaceAll(column, `"`, `\"`) + `"`
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	logFields := append([]zap.Field{zap.String("operation", "store."+operation)}, fields...)
	logFields = append(logFields, zap.Error(err))
	s.logger.Error("store error", logFields...)
}
