// Package protocol defines the JSON frames exchanged over the hub websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/MarcoPoloResearchLab/diffsync/internal/visibility"
)

// Client to server operations.
const (
	OpInitialize         = "initialize"
	OpLoadTable          = "loadTable"
	OpLoadTableDone      = "loadTableDone"
	OpExecuteRequest     = "executeRequest"
	OpExecuteTransaction = "executeTransaction"
	OpExecuteService     = "executeService"
	OpPong               = "pong"
)

// Server to client frame types.
const (
	TypeInitialized            = "initialized"
	TypeLot                    = "lot"
	TypeTableLoaded            = "tableLoaded"
	TypeBeginNotification      = "beginNotification"
	TypeNotify                 = "notify"
	TypeEndNotification        = "endNotification"
	TypeAcknowledgeRequest     = "acknowledgeRequest"
	TypeAcknowledgeTransaction = "acknowledgeTransaction"
	TypeAcknowledgeService     = "acknowledgeService"
	TypePing                   = "ping"
	TypeStop                   = "stop"
	TypeError                  = "error"
)

var errMissingType = errors.New("protocol: frame type required")

// Envelope is one websocket message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps data into an envelope of the given type.
func Encode(frameType string, data any) (Envelope, error) {
	if frameType == "" {
		return Envelope{}, errMissingType
	}
	if data == nil {
		return Envelope{Type: frameType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode %s: %w", frameType, err)
	}
	return Envelope{Type: frameType, Data: raw}, nil
}

// MustEncode is Encode for payloads that always marshal.
func MustEncode(frameType string, data any) Envelope {
	envelope, err := Encode(frameType, data)
	if err != nil {
		panic(err)
	}
	return envelope
}

// Decode parses a raw websocket message.
func Decode(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode: %w", err)
	}
	if envelope.Type == "" {
		return Envelope{}, errMissingType
	}
	return envelope, nil
}

// Payload unmarshals the envelope data into target.
func (e Envelope) Payload(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("protocol: %s carries no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("protocol: %s payload: %w", e.Type, err)
	}
	return nil
}

type Initialize struct {
	Area     string `json:"area"`
	ModuleID string `json:"moduleId,omitempty"`
}

type Initialized struct {
	IsAllowed    bool   `json:"isAllowed"`
	Error        string `json:"error,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	Profile      string `json:"profile,omitempty"`
	Area         string `json:"area,omitempty"`
}

type LoadTable struct {
	Table string `json:"table"`
}

type LoadTableDone struct {
	Table string `json:"table"`
	Tick  int64  `json:"tick"`
}

// Lot is one chunk of a table transfer. Lots are numbered 1..NbLots; a
// transfer with nothing to send is a single lot with NbLots 0. Tick is the
// table tick observed when the transfer started.
type Lot struct {
	Table       string            `json:"table"`
	Tick        int64             `json:"tick"`
	Lot         int               `json:"lot"`
	NbLots      int               `json:"nbLots"`
	Incremental bool              `json:"incremental,omitempty"`
	Items       []visibility.Item `json:"items"`
}

// Request is one mutation inside executeRequest or executeTransaction.
type Request struct {
	RequestID string          `json:"requestId,omitempty"`
	Label     string          `json:"label,omitempty"`
	Table     string          `json:"table"`
	Action    string          `json:"action"`
	Record    RecordInput     `json:"record"`
	Identity  json.RawMessage `json:"identity,omitempty"`
}

// RecordInput is a record as submitted by a client. ID is ignored on create.
type RecordInput struct {
	ID     int64          `json:"id,omitempty"`
	Fields records.Fields `json:"fields,omitempty"`
}

type Transaction struct {
	RequestID    string    `json:"requestId"`
	Label        string    `json:"label,omitempty"`
	Requests     []Request `json:"requests"`
	NotifyOrigin bool      `json:"notifyOrigin"`
}

type Service struct {
	RequestID   string          `json:"requestId"`
	Service     string          `json:"service"`
	Record      RecordInput     `json:"record"`
	Identity    json.RawMessage `json:"identity,omitempty"`
	Synchronous bool            `json:"synchronous"`
}

type BeginNotification struct {
	Tick  int64  `json:"tick"`
	Label string `json:"label,omitempty"`
}

type Notify struct {
	Tick   int64             `json:"tick"`
	UserID string            `json:"userId"`
	Label  string            `json:"label,omitempty"`
	Area   string            `json:"area,omitempty"`
	Items  []visibility.Item `json:"items"`
}

type EndNotification struct {
	Tick  int64  `json:"tick"`
	Label string `json:"label,omitempty"`
}

type Stop struct {
	Reason string `json:"reason"`
}

// TableLoaded confirms a loadTableDone: the cursor of table reached Tick.
type TableLoaded struct {
	Table string `json:"table"`
	Tick  int64  `json:"tick"`
}

// Error reports a refused frame. Table is set when the frame was a
// loadTable or loadTableDone.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Table   string `json:"table,omitempty"`
}

// Stop reasons.
const (
	StopReplaced = "replaced"
	StopTimeout  = "timeout"
	StopStalled  = "stalled"
	StopShutdown = "shutdown"
)
