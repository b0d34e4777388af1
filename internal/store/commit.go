package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"github.com/MarcoPoloResearchLab/diffsync/internal/sequence"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errUnknownAction = errors.New("store: unknown action")

// Reference is a foreign key target that must still be live at commit.
type Reference struct {
	Field string
	Table string
	ID    int64
}

// Mutation is one validated change. Fields holds the complete new column
// set for Create and Update.
type Mutation struct {
	Action     schema.Action
	Table      string
	ID         int64
	Fields     records.Fields
	References []Reference
	Referrers  []schema.ColumnRef
}

// Applied is the outcome of one mutation. Before is nil on Create.
type Applied struct {
	Action      schema.Action
	Before      *records.Record
	After       records.Record
	Information records.Information
}

// Committed is the outcome of a batch. Every mutation shares Tick.
type Committed struct {
	Tick    int64
	Applied []Applied
}

// Batch is an atomic unit of mutations for one tenant. Audit, when set, is
// called inside the transaction once every mutation is applied and its row
// is written in the same transaction.
type Batch struct {
	CustomerID int64
	Mutations  []Mutation
	Audit      func(Committed) (*RequestAudit, error)
}

// Commit applies a batch atomically: one tick, the record rows, their
// Information rows and the audit row. A *ConflictError means committed state
// no longer matches what was validated.
func (s *Store) Commit(ctx context.Context, batch Batch) (Committed, error) {
	var committed Committed
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tick, err := sequence.NextTick(tx, batch.CustomerID)
		if err != nil {
			return err
		}
		committed = Committed{Tick: tick, Applied: make([]Applied, 0, len(batch.Mutations))}

		for position, mutation := range batch.Mutations {
			for _, reference := range mutation.References {
				live, err := isLive(tx, batch.CustomerID, reference.Table, reference.ID)
				if err != nil {
					return err
				}
				if !live {
					return &ConflictError{
						Mutation: position,
						Field:    reference.Field,
						Code:     schema.ErrFieldReference,
						Params:   []any{reference.Table, reference.ID},
					}
				}
			}

			var applied Applied
			switch mutation.Action {
			case schema.ActionCreate:
				applied, err = createRecord(tx, batch.CustomerID, tick, mutation)
			case schema.ActionUpdate:
				applied, err = updateRecord(tx, batch.CustomerID, tick, position, mutation)
			case schema.ActionDelete:
				applied, err = deleteRecord(tx, batch.CustomerID, tick, position, mutation)
			default:
				err = fmt.Errorf("%w: %s", errUnknownAction, mutation.Action)
			}
			if err != nil {
				return err
			}
			committed.Applied = append(committed.Applied, applied)
		}

		if batch.Audit == nil {
			return nil
		}
		audit, err := batch.Audit(committed)
		if err != nil {
			return err
		}
		if audit == nil {
			return nil
		}
		audit.Tick = tick
		row := audit.row()
		return tx.Create(&row).Error
	})
	if err != nil {
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			s.logError("commit", err, zap.Int64("customer_id", batch.CustomerID), zap.Int("mutations", len(batch.Mutations)))
		}
		return Committed{}, err
	}
	return committed, nil
}

func createRecord(tx *gorm.DB, customerID, tick int64, mutation Mutation) (Applied, error) {
	id, err := sequence.NextRowID(tx, mutation.Table)
	if err != nil {
		return Applied{}, err
	}
	fieldsJSON, err := json.Marshal(mutation.Fields)
	if err != nil {
		return Applied{}, err
	}
	row := RecordRow{Table: mutation.Table, ID: id, CustomerID: customerID, FieldsJSON: string(fieldsJSON)}
	if err := tx.Create(&row).Error; err != nil {
		return Applied{}, err
	}
	info := InformationRow{Table: mutation.Table, ID: id, CustomerID: customerID, CreateTick: tick, UpdateTick: tick}
	if err := tx.Create(&info).Error; err != nil {
		return Applied{}, err
	}
	after, err := row.record()
	if err != nil {
		return Applied{}, err
	}
	return Applied{Action: schema.ActionCreate, After: after, Information: info.information()}, nil
}

func updateRecord(tx *gorm.DB, customerID, tick int64, position int, mutation Mutation) (Applied, error) {
	before, err := liveEntry(tx, customerID, position, mutation)
	if err != nil {
		return Applied{}, err
	}
	fieldsJSON, err := json.Marshal(mutation.Fields)
	if err != nil {
		return Applied{}, err
	}
	if err := tx.Model(&RecordRow{}).
		Where("table_name = ? AND id = ?", mutation.Table, mutation.ID).
		Update("fields_json", string(fieldsJSON)).Error; err != nil {
		return Applied{}, err
	}
	if err := tx.Model(&InformationRow{}).
		Where("table_name = ? AND id = ?", mutation.Table, mutation.ID).
		Update("update_tick", tick).Error; err != nil {
		return Applied{}, err
	}
	fields, err := records.DecodeFields(string(fieldsJSON))
	if err != nil {
		return Applied{}, err
	}
	info := before.Information
	info.UpdateTick = tick
	beforeRecord := before.Record
	return Applied{
		Action:      schema.ActionUpdate,
		Before:      &beforeRecord,
		After:       records.Record{Table: mutation.Table, ID: mutation.ID, CustomerID: customerID, Fields: fields},
		Information: info,
	}, nil
}

func deleteRecord(tx *gorm.DB, customerID, tick int64, position int, mutation Mutation) (Applied, error) {
	before, err := liveEntry(tx, customerID, position, mutation)
	if err != nil {
		return Applied{}, err
	}
	for _, referrer := range mutation.Referrers {
		rows, err := referencing(tx, customerID, referrer.Table, referrer.Column, mutation.ID, 1)
		if err != nil {
			return Applied{}, err
		}
		if len(rows) > 0 {
			return Applied{}, &ConflictError{
				Mutation: position,
				Code:     schema.ErrRecordReferenced,
				Params:   []any{referrer.Table, referrer.Column},
			}
		}
	}
	if err := tx.Model(&InformationRow{}).
		Where("table_name = ? AND id = ?", mutation.Table, mutation.ID).
		Updates(map[string]any{"update_tick": tick, "delete_tick": tick, "is_deleted": true}).Error; err != nil {
		return Applied{}, err
	}
	info := before.Information
	info.UpdateTick = tick
	deleteTick := tick
	info.DeleteTick = &deleteTick
	info.IsDeleted = true
	beforeRecord := before.Record
	return Applied{
		Action:      schema.ActionDelete,
		Before:      &beforeRecord,
		After:       before.Record.Clone(),
		Information: info,
	}, nil
}

func liveEntry(tx *gorm.DB, customerID int64, position int, mutation Mutation) (records.Entry, error) {
	entry, err := getEntry(tx, customerID, mutation.Table, mutation.ID)
	if errors.Is(err, ErrNotFound) || (err == nil && entry.Information.IsDeleted) {
		return records.Entry{}, &ConflictError{Mutation: position, Code: schema.ErrRecordMissing}
	}
	if err != nil {
		return records.Entry{}, err
	}
	return entry, nil
}
