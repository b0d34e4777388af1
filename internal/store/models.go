package store

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
)

// RecordRow persists a record of any synchronized table as a JSON object.
type RecordRow struct {
	Table      string `gorm:"column:table_name;primaryKey;size:190;index:idx_records_customer_table,priority:2"`
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	CustomerID int64  `gorm:"column:customer_id;not null;index:idx_records_customer_table,priority:1"`
	FieldsJSON string `gorm:"column:fields_json;type:text;not null"`
}

// TableName exposes the table backing records.
func (RecordRow) TableName() string {
	return "records"
}

// InformationRow is the tick bookkeeping of one record.
type InformationRow struct {
	Table      string `gorm:"column:table_name;primaryKey;size:190"`
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	CustomerID int64  `gorm:"column:customer_id;not null"`
	CreateTick int64  `gorm:"column:create_tick;not null"`
	UpdateTick int64  `gorm:"column:update_tick;not null"`
	DeleteTick *int64 `gorm:"column:delete_tick"`
	IsDeleted  bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName exposes the table backing record metadata.
func (InformationRow) TableName() string {
	return "_Information"
}

// SequenceRow is the catch-up cursor of a user for a table.
type SequenceRow struct {
	UserID string `gorm:"column:user_id;primaryKey;size:190"`
	Table  string `gorm:"column:table_name;primaryKey;size:190"`
	Tick   int64  `gorm:"column:tick;not null"`
}

// TableName exposes the table backing catch-up cursors.
func (SequenceRow) TableName() string {
	return "_SequenceId"
}

// RequestRow is the audit and idempotency record of a processed unit.
type RequestRow struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190"`
	RequestID    string    `gorm:"column:request_id;primaryKey;size:190"`
	ConnectionID string    `gorm:"column:connection_id;size:64"`
	CustomerID   int64     `gorm:"column:customer_id;not null"`
	Kind         string    `gorm:"column:kind;size:32;not null"`
	Label        string    `gorm:"column:label;size:190"`
	Status       string    `gorm:"column:status;size:32;not null"`
	Tick         int64     `gorm:"column:tick;not null;default:0"`
	AckJSON      string    `gorm:"column:ack_json;type:text;not null"`
	ReceivedAt   time.Time `gorm:"column:received_at;autoCreateTime"`
}

// TableName exposes the table backing request audit rows.
func (RequestRow) TableName() string {
	return "_Request"
}

// RequestAudit is what the pipeline stores about a processed unit.
type RequestAudit struct {
	UserID       string
	RequestID    string
	ConnectionID string
	CustomerID   int64
	Kind         string
	Label        string
	Status       string
	Tick         int64
	Ack          json.RawMessage
}

func (a RequestAudit) row() RequestRow {
	return RequestRow{
		UserID:       a.UserID,
		RequestID:    a.RequestID,
		ConnectionID: a.ConnectionID,
		CustomerID:   a.CustomerID,
		Kind:         a.Kind,
		Label:        a.Label,
		Status:       a.Status,
		Tick:         a.Tick,
		AckJSON:      string(a.Ack),
	}
}

func (r RequestRow) audit() RequestAudit {
	return RequestAudit{
		UserID:       r.UserID,
		RequestID:    r.RequestID,
		ConnectionID: r.ConnectionID,
		CustomerID:   r.CustomerID,
		Kind:         r.Kind,
		Label:        r.Label,
		Status:       r.Status,
		Tick:         r.Tick,
		Ack:          json.RawMessage(r.AckJSON),
	}
}

func (r RecordRow) record() (records.Record, error) {
	fields, err := records.DecodeFields(r.FieldsJSON)
	if err != nil {
		return records.Record{}, err
	}
	return records.Record{Table: r.Table, ID: r.ID, CustomerID: r.CustomerID, Fields: fields}, nil
}

func (r InformationRow) information() records.Information {
	return records.Information{
		Table:      r.Table,
		ID:         r.ID,
		CustomerID: r.CustomerID,
		CreateTick: r.CreateTick,
		UpdateTick: r.UpdateTick,
		DeleteTick: r.DeleteTick,
		IsDeleted:  r.IsDeleted,
	}
}
