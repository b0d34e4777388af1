package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/diffsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
)

// Kind tells requests, transactions and service calls apart.
type Kind string

const (
	KindRequest     Kind = "request"
	KindTransaction Kind = "transaction"
	KindService     Kind = "service"
)

// State is the lifecycle stage of a unit, reported in logs.
type State string

const (
	StateReceived     State = "received"
	StateValidating   State = "validating"
	StateRejected     State = "rejected"
	StateCommitting   State = "committing"
	StateCommitted    State = "committed"
	StateBroadcasting State = "broadcasting"
	StateAcknowledged State = "acknowledged"
	StateFailed       State = "failed"
)

// Audit statuses stored in _Request.
const (
	statusCommitted = "committed"
	statusCompleted = "completed"
	statusRejected  = "rejected"
)

var (
	// ErrConflict reports committed state that moved under a validated unit.
	ErrConflict = errors.New("pipeline: conflict with committed state")
	// ErrClosed is returned by Enqueue once the pipeline is closed.
	ErrClosed = errors.New("pipeline: closed")

	errInvalidUnit     = errors.New("pipeline: invalid unit")
	errMissingSchema   = errors.New("pipeline: schema is required")
	errMissingStore    = errors.New("pipeline: store is required")
	errMissingClosure  = errors.New("pipeline: closure cache is required")
	errMissingNotifier = errors.New("pipeline: notifier is required")
	errWorkerPanic     = errors.New("pipeline: worker panic")
)

// ServiceError wraps an unexpected failure with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew       = "pipeline.new"
	opEnqueue   = "pipeline.enqueue"
	opProcess   = "pipeline.process"
	opValidate  = "pipeline.validate"
	opCommit    = "pipeline.commit"
	opBroadcast = "pipeline.broadcast"
	opService   = "pipeline.service"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Origin is the connection a unit was submitted from.
type Origin struct {
	ConnectionID string
	Subject      schema.Subject
}

// Request is one mutation of a unit.
type Request struct {
	Table    string
	Action   schema.Action
	ID       int64
	Fields   records.Fields
	Identity json.RawMessage
}

// Unit is a request, a transaction or a service call. RequestID together
// with the origin user is the idempotency key.
type Unit struct {
	Kind         Kind
	RequestID    string
	Label        string
	Origin       Origin
	Requests     []Request
	NotifyOrigin bool

	Service     string
	Input       records.Record
	Identity    json.RawMessage
	Synchronous bool

	prepared *serviceRun
}

func (u Unit) validate() error {
	switch {
	case u.Origin.Subject.CustomerID <= 0:
		return fmt.Errorf("%w: customer id required", errInvalidUnit)
	case u.Origin.Subject.UserID == "":
		return fmt.Errorf("%w: user id required", errInvalidUnit)
	case u.RequestID == "":
		return fmt.Errorf("%w: request id required", errInvalidUnit)
	}
	switch u.Kind {
	case KindRequest:
		if len(u.Requests) != 1 {
			return fmt.Errorf("%w: a request carries exactly one mutation", errInvalidUnit)
		}
	case KindTransaction:
		if len(u.Requests) == 0 {
			return fmt.Errorf("%w: empty transaction", errInvalidUnit)
		}
	case KindService:
		if u.Service == "" {
			return fmt.Errorf("%w: service name required", errInvalidUnit)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", errInvalidUnit, u.Kind)
	}
	return nil
}

// Acknowledgement is the answer sent to the origin of a unit. It carries the
// committed records or errors, never both.
type Acknowledgement struct {
	Kind      Kind             `json:"kind"`
	RequestID string           `json:"requestId"`
	Label     string           `json:"label,omitempty"`
	Area      string           `json:"area,omitempty"`
	Tick      int64            `json:"tick,omitempty"`
	Service   string           `json:"service,omitempty"`
	Results   []RequestResult  `json:"results,omitempty"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Errors    *schema.ErrorSet `json:"errors,omitempty"`

	// Payload is the exact JSON delivered, replayed byte for byte.
	Payload json.RawMessage `json:"-"`
	// Replayed is set when the unit had already been processed.
	Replayed bool `json:"-"`
}

// RequestResult is the outcome of one mutation.
type RequestResult struct {
	Table    string           `json:"table"`
	Action   schema.Action    `json:"action"`
	Record   *records.Record  `json:"record,omitempty"`
	Deleted  bool             `json:"deleted,omitempty"`
	Identity json.RawMessage  `json:"identity,omitempty"`
	Errors   *schema.ErrorSet `json:"errors,omitempty"`
}

// Rejected reports whether the unit was refused.
func (a Acknowledgement) Rejected() bool {
	if a.Errors.HasErrors() {
		return true
	}
	for _, result := range a.Results {
		if result.Errors.HasErrors() {
			return true
		}
	}
	return false
}

func (a Acknowledgement) frameType() string {
	switch a.Kind {
	case KindTransaction:
		return protocol.TypeAcknowledgeTransaction
	case KindService:
		return protocol.TypeAcknowledgeService
	default:
		return protocol.TypeAcknowledgeRequest
	}
}

func (a Acknowledgement) frame() protocol.Envelope {
	return protocol.Envelope{Type: a.frameType(), Data: a.Payload}
}

// seal encodes the acknowledgement once so every copy is identical.
func (a *Acknowledgement) seal() error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	a.Payload = payload
	return nil
}

func unsealed(payload json.RawMessage) (Acknowledgement, error) {
	var ack Acknowledgement
	if err := json.Unmarshal(payload, &ack); err != nil {
		return Acknowledgement{}, err
	}
	ack.Payload = payload
	return ack, nil
}
