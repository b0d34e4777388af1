package schema

import "sort"

// Error codes reported to clients. Localization happens client side.
const (
	ErrFieldRequired  = "ERR_FIELD_REQUIRED"
	ErrFieldBadFormat = "ERR_FIELD_BADFORMAT"
	ErrFieldTooLong   = "ERR_FIELD_TOO_LONG"
	ErrFieldDecimal   = "ERR_FIELD_DECIMAL"
	ErrFieldEmail     = "ERR_FIELD_EMAIL"
	ErrFieldUnique    = "ERR_FIELD_UNIQUE"
	ErrFieldReference = "ERR_FIELD_REFERENCE"
	ErrFieldUnknown   = "ERR_FIELD_UNKNOWN"

	ErrRequestNotAllowed     = "ERR_REQUEST_NOT_ALLOWED"
	ErrRequestUnknownTable   = "ERR_REQUEST_UNKNOWN_TABLE"
	ErrRequestUnknownAction  = "ERR_REQUEST_UNKNOWN_ACTION"
	ErrRecordMissing         = "ERR_RECORD_MISSING"
	ErrRecordReferenced      = "ERR_RECORD_REFERENCED"
	ErrServiceUnknown        = "ERR_SERVICE_UNKNOWN"
	ErrUnexpected            = "ERR_UNEXPECTED"
	ErrConnectionStale       = "ERR_CONNECTION_STALE"
)

// Error is a code plus interpolation parameters.
type Error struct {
	Code   string `json:"code"`
	Params []any  `json:"params,omitempty"`
}

// ErrorSet collects every violation of a request. Field errors are keyed by column.
type ErrorSet struct {
	Global []Error            `json:"global,omitempty"`
	Fields map[string][]Error `json:"fields,omitempty"`
}

// NewErrorSet returns an empty collector.
func NewErrorSet() *ErrorSet {
	return &ErrorSet{}
}

// AddGlobal records a request level error.
func (e *ErrorSet) AddGlobal(code string, params ...any) {
	e.Global = append(e.Global, Error{Code: code, Params: params})
}

// AddField records an error against one column.
func (e *ErrorSet) AddField(field, code string, params ...any) {
	if e.Fields == nil {
		e.Fields = make(map[string][]Error)
	}
	e.Fields[field] = append(e.Fields[field], Error{Code: code, Params: params})
}

// HasErrors reports whether anything was collected.
func (e *ErrorSet) HasErrors() bool {
	return e != nil && (len(e.Global) > 0 || len(e.Fields) > 0)
}

// Has reports whether code was recorded, globally or on any field.
func (e *ErrorSet) Has(code string) bool {
	if e == nil {
		return false
	}
	for _, item := range e.Global {
		if item.Code == code {
			return true
		}
	}
	for field := range e.Fields {
		if e.HasField(field, code) {
			return true
		}
	}
	return false
}

// HasField reports whether code was recorded on field.
func (e *ErrorSet) HasField(field, code string) bool {
	if e == nil {
		return false
	}
	for _, item := range e.Fields[field] {
		if item.Code == code {
			return true
		}
	}
	return false
}

// FieldNames lists the columns carrying errors in sorted order.
func (e *ErrorSet) FieldNames() []string {
	if e == nil {
		return nil
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
