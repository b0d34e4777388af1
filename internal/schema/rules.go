package schema

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/go-playground/validator/v10"
)

// Rule is the common face of every annotation attached to a column or table.
type Rule interface {
	Kind() string
}

// Validator is a rule that checks one column of a record. It appends to errs
// and returns false on violation.
type Validator interface {
	Rule
	Validate(vc *ValidationContext, record records.Record, column *Column, errs *ErrorSet) bool
}

// Describer is a rule that can be exported to clients.
type Describer interface {
	Rule
	Describe() RuleDescription
}

// AccessController is a rule that grants an action on a record to a subject.
type AccessController interface {
	Rule
	Grants(subject Subject, action Action, record records.Record) bool
}

// RuleDescription is the client side view of a rule.
type RuleDescription struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// Lookup answers foreign key lookups against committed state.
type Lookup interface {
	IsLive(ctx context.Context, customerID int64, table string, id int64) (bool, error)
}

// ValidationContext carries what stateful rules need. Storage failures are
// kept apart from validation errors so the caller can fail the unit instead
// of rejecting it.
type ValidationContext struct {
	Context context.Context
	Lookup  Lookup
	Index   *UniqueIndex
	err     error
}

// Fail records an infrastructure error. Only the first one is kept.
func (vc *ValidationContext) Fail(err error) {
	if vc.err == nil {
		vc.err = err
	}
}

// Err returns the first infrastructure error seen during validation.
func (vc *ValidationContext) Err() error {
	return vc.err
}

func (vc *ValidationContext) ctx() context.Context {
	if vc.Context == nil {
		return context.Background()
	}
	return vc.Context
}

// ColumnType is the storage type of a column.
type ColumnType string

const (
	TypeString    ColumnType = "string"
	TypeInteger   ColumnType = "integer"
	TypeDecimal   ColumnType = "decimal"
	TypeBoolean   ColumnType = "boolean"
	TypeDate      ColumnType = "date"
	TypeReference ColumnType = "reference"
)

type typeRule struct {
	columnType ColumnType
}

func (r typeRule) Kind() string { return "type" }

func (r typeRule) Describe() RuleDescription {
	return RuleDescription{Kind: r.Kind(), Params: map[string]any{"type": string(r.columnType)}}
}

func (r typeRule) Validate(_ *ValidationContext, record records.Record, column *Column, errs *ErrorSet) bool {
	value, ok := record.Fields[column.Name]
	if !ok || value == nil {
		return true
	}
	valid := true
	switch r.columnType {
	case TypeString:
		_, valid = value.(string)
	case TypeInteger, TypeReference:
		_, valid = records.AsInt64(value)
	case TypeDecimal:
		text, isText := record.Fields.String(column.Name)
		_, isBool := value.(bool)
		valid = isText && !isBool && isNumeric(text)
	case TypeBoolean:
		_, valid = value.(bool)
	case TypeDate:
		text, isText := value.(string)
		valid = isText && isDate(text)
	}
	if !valid {
		errs.AddField(column.Name, ErrFieldBadFormat, string(r.columnType))
	}
	return valid
}

// Required rejects null, absent and blank values.
type Required struct{}

func (Required) Kind() string { return "required" }

func (r Required) Describe() RuleDescription { return RuleDescription{Kind: r.Kind()} }

func (Required) Validate(_ *ValidationContext, record records.Record, column *Column, errs *ErrorSet) bool {
	if record.Fields.IsNull(column.Name) {
		errs.AddField(column.Name, ErrFieldRequired)
		return false
	}
	return true
}

// Format requires the textual value to match a pattern.
type Format struct {
	Pattern *regexp.Regexp
}

func (Format) Kind() string { return "format" }

func (r Format) Describe() RuleDescription {
	return RuleDescription{Kind: r.Kind(), Params: map[string]any{"pattern": r.Pattern.String()}}
}

func (r Format) Validate(_ *ValidationContext, record records.Record, column *Column, errs *ErrorSet) bool {
	if record.Fields.IsNull(column.Name) {
		return true
	}
	text, ok := record.Fields.String(column.Name)
	if !ok || !r.Pattern.MatchString(text) {
		errs.AddField(column.Name, ErrFieldBadFormat, r.Pattern.String())
		return false
	}
	return true
}

// MaxLength bounds the length of a string in characters.
type MaxLength struct {
	Max int
}

func (MaxLength) Kind() string { return "maxLength" }

func (r MaxLength) Describe() RuleDescription {
	return RuleDescription{Kind: r.Kind(), Params: map[string]any{"max": r.Max}}
}

func (r MaxLength) Validate(_ *ValidationContext, record records.Record, column *Column, errs *ErrorSet) bool {
	text, ok := record.Fields[column.Name].(string)
	if !ok {
		return true
	}
	if utf8.RuneCountInString(text) > r.Max {
		errs.AddField(column.Name, ErrFieldTooLong, r.Max)
		return false
	}
	return true
}

// Decimal bounds a number by total digits and digits after the point.
type Decimal struct {
	Digits    int
	Precision int
}

func (Decimal) Kind() string { return "decimal" }

func (r Decimal) Describe() RuleDescription {
	return RuleDescription{Kind: r.Kind(), Params: map[string]any{"digits": r.Digits, "precision": r.Precision}}
}

func (r Decimal) Validate(_ *ValidationContext, record records.Record, column *Column, errs *ErrorSet) bool {
	if record.Fields.IsNull(column.Name) {
		return true
	}
	text, ok := record.Fields.String(column.Name)
	if !ok || !isNumeric(text) {
		// the column type rule reports non numbers
		return true
	}
	integral, fraction := splitDecimal(text)
	if len(fraction) > r.Precision || len(integral) > r.Digits-r.Precision {
		errs.AddField(column.Name, ErrFieldDecimal, r.Digits, r.Precision)
		return false
	}
	return true
}

var emailValidator = validator.New()

// Email requires a syntactically valid address.
type Email struct{}

func (Email) Kind() string { return "email" }

func (r Email) Describe() RuleDescription { return RuleDescription{Kind: r.Kind()} }

func (Email) Validate(_ *ValidationContext, record records.Record, column *Column, errs *ErrorSet) bool {
	if record.Fields.IsNull(column.Name) {
		return true
	}
	text, ok := record.Fields[column.Name].(string)
	if !ok || emailValidator.Var(text, "email") != nil {
		errs.AddField(column.Name, ErrFieldEmail)
		return false
	}
	return true
}

// ForeignKey requires the column to reference a live row of Table in the
// same tenant.
type ForeignKey struct {
	Table string
}

func (ForeignKey) Kind() string { return "foreignKey" }

func (r ForeignKey) Describe() RuleDescription {
	return RuleDescription{Kind: r.Kind(), Params: map[string]any{"table": r.Table}}
}

func (r ForeignKey) Validate(vc *ValidationContext, record records.Record, column *Column, errs *ErrorSet) bool {
	if record.Fields.IsNull(column.Name) {
		return true
	}
	id, ok := record.Fields.Int64(column.Name)
	if !ok || id <= 0 {
		errs.AddField(column.Name, ErrFieldReference, r.Table)
		return false
	}
	if vc == nil || vc.Lookup == nil {
		return true
	}
	live, err := vc.Lookup.IsLive(vc.ctx(), record.CustomerID, r.Table, id)
	if err != nil {
		vc.Fail(err)
		return false
	}
	if !live {
		errs.AddField(column.Name, ErrFieldReference, r.Table, id)
		return false
	}
	return true
}

func isNumeric(text string) bool {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(text, "-"), "+")
	if trimmed == "" {
		return false
	}
	seenPoint := false
	seenDigit := false
	for _, char := range trimmed {
		switch {
		case char == '.' && !seenPoint:
			seenPoint = true
		case char >= '0' && char <= '9':
			seenDigit = true
		default:
			return false
		}
	}
	return seenDigit
}

func splitDecimal(text string) (string, string) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(text, "-"), "+")
	integral, fraction, _ := strings.Cut(trimmed, ".")
	integral = strings.TrimLeft(integral, "0")
	fraction = strings.TrimRight(fraction, "0")
	return integral, fraction
}

func isDate(text string) bool {
	if _, err := time.Parse(time.RFC3339, text); err == nil {
		return true
	}
	_, err := time.Parse(time.DateOnly, text)
	return err == nil
}
