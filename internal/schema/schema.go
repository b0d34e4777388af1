package schema

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
)

var (
	errMissingTableName  = errors.New("schema: table name required")
	errDuplicateTable    = errors.New("schema: duplicate table")
	errMissingColumnName = errors.New("schema: column name required")
	errDuplicateColumn   = errors.New("schema: duplicate column")
	errUnknownColumnType = errors.New("schema: unknown column type")
	errUnknownReference  = errors.New("schema: foreign key targets unknown table")
	errInvalidUnique     = errors.New("schema: invalid unique constraint")
	errInvalidDecimal    = errors.New("schema: invalid decimal bounds")
)

// Description is the declarative schema read from configuration.
type Description struct {
	Areas  []string           `mapstructure:"areas" json:"areas"`
	Tables []TableDescription `mapstructure:"tables" json:"tables"`
}

// TableDescription declares one synchronized table.
type TableDescription struct {
	Name       string              `mapstructure:"name"`
	DeepUpdate bool                `mapstructure:"deep_update"`
	Columns    []ColumnDescription `mapstructure:"columns"`
	Unique     []UniqueDescription `mapstructure:"unique"`
	Visible    []AccessDescription `mapstructure:"visible"`
	Allow      []AccessDescription `mapstructure:"allow"`
}

// ColumnDescription declares a column and its rules.
type ColumnDescription struct {
	Name            string              `mapstructure:"name"`
	Type            string              `mapstructure:"type"`
	Required        bool                `mapstructure:"required"`
	MaxLength       int                 `mapstructure:"max_length"`
	Format          string              `mapstructure:"format"`
	Email           bool                `mapstructure:"email"`
	Digits          int                 `mapstructure:"digits"`
	Precision       int                 `mapstructure:"precision"`
	ForeignKey      string              `mapstructure:"foreign_key"`
	RefreshParent   bool                `mapstructure:"refresh_parent"`
	RefreshChildren bool                `mapstructure:"refresh_children"`
	Restricted      []AccessDescription `mapstructure:"restricted"`
}

// UniqueDescription declares a uniqueness constraint over columns.
type UniqueDescription struct {
	Name            string   `mapstructure:"name"`
	Fields          []string `mapstructure:"fields"`
	CaseInsensitive bool     `mapstructure:"case_insensitive"`
	Global          bool     `mapstructure:"global"`
}

// AccessDescription declares an access rule.
type AccessDescription struct {
	Profiles   []string `mapstructure:"profiles"`
	Areas      []string `mapstructure:"areas"`
	Actions    []string `mapstructure:"actions"`
	OwnerField string   `mapstructure:"owner_field"`
}

// ColumnRef points at a column of a table.
type ColumnRef struct {
	Table  string
	Column string
}

// Column is a compiled column with its ordered validators.
type Column struct {
	Name            string
	Type            ColumnType
	Rules           []Validator
	Restricted      []AccessRule
	ForeignKey      string
	RefreshParent   bool
	RefreshChildren bool
}

// Table is a compiled table.
type Table struct {
	Name       string
	DeepUpdate bool
	Columns    []*Column
	Uniques    []*Unique
	Visible    []AccessRule
	Allow      []AccessRule

	columns map[string]*Column
}

// Schema is the immutable rule table built once at startup.
type Schema struct {
	areas     []string
	tables    map[string]*Table
	order     []string
	referrers map[string][]ColumnRef
}

// Compile validates a description and builds the rule tables.
func Compile(desc Description) (*Schema, error) {
	s := &Schema{
		areas:     append([]string(nil), desc.Areas...),
		tables:    make(map[string]*Table),
		referrers: make(map[string][]ColumnRef),
	}
	for _, tableDesc := range desc.Tables {
		table, err := compileTable(tableDesc)
		if err != nil {
			return nil, err
		}
		if _, exists := s.tables[table.Name]; exists {
			return nil, fmt.Errorf("%w: %s", errDuplicateTable, table.Name)
		}
		s.tables[table.Name] = table
		s.order = append(s.order, table.Name)
	}
	for _, name := range s.order {
		for _, column := range s.tables[name].Columns {
			if column.ForeignKey == "" {
				continue
			}
			if _, ok := s.tables[column.ForeignKey]; !ok {
				return nil, fmt.Errorf("%w: %s.%s -> %s", errUnknownReference, name, column.Name, column.ForeignKey)
			}
			s.referrers[column.ForeignKey] = append(s.referrers[column.ForeignKey], ColumnRef{Table: name, Column: column.Name})
		}
	}
	return s, nil
}

// MustCompile is Compile for static descriptions known to be valid.
func MustCompile(desc Description) *Schema {
	s, err := Compile(desc)
	if err != nil {
		panic(err)
	}
	return s
}

func compileTable(desc TableDescription) (*Table, error) {
	name := strings.TrimSpace(desc.Name)
	if name == "" {
		return nil, errMissingTableName
	}
	table := &Table{Name: name, DeepUpdate: desc.DeepUpdate, columns: make(map[string]*Column)}
	for _, columnDesc := range desc.Columns {
		column, err := compileColumn(name, columnDesc)
		if err != nil {
			return nil, err
		}
		if _, exists := table.columns[column.Name]; exists {
			return nil, fmt.Errorf("%w: %s.%s", errDuplicateColumn, name, column.Name)
		}
		table.columns[column.Name] = column
		table.Columns = append(table.Columns, column)
	}
	for _, uniqueDesc := range desc.Unique {
		if len(uniqueDesc.Fields) == 0 {
			return nil, fmt.Errorf("%w: %s has no fields", errInvalidUnique, name)
		}
		constraint := &Unique{
			Name:            uniqueDesc.Name,
			Table:           name,
			Fields:          append([]string(nil), uniqueDesc.Fields...),
			CaseInsensitive: uniqueDesc.CaseInsensitive,
			Global:          uniqueDesc.Global,
		}
		if constraint.Name == "" {
			constraint.Name = name + "_" + strings.Join(constraint.Fields, "_")
		}
		for _, field := range constraint.Fields {
			if _, ok := table.columns[field]; !ok {
				return nil, fmt.Errorf("%w: %s references unknown column %s", errInvalidUnique, constraint.Name, field)
			}
		}
		first := table.columns[constraint.Fields[0]]
		first.Rules = append(first.Rules, constraint)
		table.Uniques = append(table.Uniques, constraint)
	}
	var err error
	if table.Visible, err = compileAccess(desc.Visible); err != nil {
		return nil, fmt.Errorf("%s visible: %w", name, err)
	}
	if table.Allow, err = compileAccess(desc.Allow); err != nil {
		return nil, fmt.Errorf("%s allow: %w", name, err)
	}
	return table, nil
}

func compileColumn(table string, desc ColumnDescription) (*Column, error) {
	name := strings.TrimSpace(desc.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: table %s", errMissingColumnName, table)
	}
	columnType := ColumnType(strings.ToLower(strings.TrimSpace(desc.Type)))
	if columnType == "" {
		columnType = TypeString
		if desc.ForeignKey != "" {
			columnType = TypeReference
		}
	}
	switch columnType {
	case TypeString, TypeInteger, TypeDecimal, TypeBoolean, TypeDate, TypeReference:
	default:
		return nil, fmt.Errorf("%w: %s.%s %q", errUnknownColumnType, table, name, desc.Type)
	}

	column := &Column{
		Name:            name,
		Type:            columnType,
		ForeignKey:      strings.TrimSpace(desc.ForeignKey),
		RefreshParent:   desc.RefreshParent,
		RefreshChildren: desc.RefreshChildren,
	}
	column.Rules = append(column.Rules, typeRule{columnType: columnType})
	if desc.Required {
		column.Rules = append(column.Rules, Required{})
	}
	if desc.MaxLength > 0 {
		column.Rules = append(column.Rules, MaxLength{Max: desc.MaxLength})
	}
	if desc.Format != "" {
		pattern, err := regexp.Compile(desc.Format)
		if err != nil {
			return nil, fmt.Errorf("schema: %s.%s format: %w", table, name, err)
		}
		column.Rules = append(column.Rules, Format{Pattern: pattern})
	}
	if desc.Digits > 0 || desc.Precision > 0 {
		if desc.Precision < 0 || desc.Precision > desc.Digits {
			return nil, fmt.Errorf("%w: %s.%s", errInvalidDecimal, table, name)
		}
		column.Rules = append(column.Rules, Decimal{Digits: desc.Digits, Precision: desc.Precision})
	}
	if desc.Email {
		column.Rules = append(column.Rules, Email{})
	}
	if column.ForeignKey != "" {
		column.Rules = append(column.Rules, ForeignKey{Table: column.ForeignKey})
	}
	restricted, err := compileAccess(desc.Restricted)
	if err != nil {
		return nil, fmt.Errorf("%s.%s restricted: %w", table, name, err)
	}
	column.Restricted = restricted
	return column, nil
}

func compileAccess(descs []AccessDescription) ([]AccessRule, error) {
	rules := make([]AccessRule, 0, len(descs))
	for _, desc := range descs {
		rule := AccessRule{Areas: append([]string(nil), desc.Areas...), OwnerField: strings.TrimSpace(desc.OwnerField)}
		for _, raw := range desc.Profiles {
			profile, err := ParseProfile(raw)
			if err != nil {
				return nil, err
			}
			rule.Profiles = append(rule.Profiles, profile)
		}
		for _, raw := range desc.Actions {
			action, err := ParseAction(raw)
			if err != nil {
				return nil, err
			}
			rule.Actions = append(rule.Actions, action)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Table returns the compiled table with the given name.
func (s *Schema) Table(name string) (*Table, bool) {
	table, ok := s.tables[name]
	return table, ok
}

// Tables returns the tables in declaration order.
func (s *Schema) Tables() []*Table {
	tables := make([]*Table, 0, len(s.order))
	for _, name := range s.order {
		tables = append(tables, s.tables[name])
	}
	return tables
}

// Referrers lists the foreign key columns pointing at table.
func (s *Schema) Referrers(table string) []ColumnRef {
	return s.referrers[table]
}

// HasArea reports whether area is declared. With no declared areas every
// area is accepted.
func (s *Schema) HasArea(area string) bool {
	if len(s.areas) == 0 {
		return true
	}
	return containsFold(s.areas, area)
}

// Column returns a column by name.
func (t *Table) Column(name string) (*Column, bool) {
	column, ok := t.columns[name]
	return column, ok
}

// Validate runs every rule of every column and reports unknown columns. It
// never stops at the first violation.
func (t *Table) Validate(vc *ValidationContext, record records.Record, errs *ErrorSet) bool {
	valid := true
	for _, column := range t.Columns {
		for _, rule := range column.Rules {
			if !rule.Validate(vc, record, column, errs) {
				valid = false
			}
		}
	}
	unknown := make([]string, 0)
	for name := range record.Fields {
		if _, ok := t.columns[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs.AddField(name, ErrFieldUnknown)
		valid = false
	}
	return valid
}

// CanSee reports whether the subject may read record. Default deny.
func (t *Table) CanSee(subject Subject, record records.Record) bool {
	return anyGrants(t.Visible, subject, ActionRead, record)
}

// CanMutate reports whether the subject may apply action to record. Default deny.
func (t *Table) CanMutate(subject Subject, action Action, record records.Record) bool {
	return anyGrants(t.Allow, subject, action, record)
}

// Strip returns a copy of record without the columns hidden from subject.
func (t *Table) Strip(subject Subject, record records.Record) records.Record {
	out := record.Clone()
	for _, column := range t.Columns {
		if anyGrants(column.Restricted, subject, ActionRead, record) {
			delete(out.Fields, column.Name)
		}
	}
	return out
}

// TableDescriptor is what clients learn about a table.
type TableDescriptor struct {
	Name    string             `json:"name"`
	Columns []ColumnDescriptor `json:"columns"`
}

// ColumnDescriptor is what clients learn about a column.
type ColumnDescriptor struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	ForeignKey string            `json:"foreignKey,omitempty"`
	Rules      []RuleDescription `json:"rules,omitempty"`
}

// Describe exports the tables readable by subject, without the columns
// hidden from it.
func (s *Schema) Describe(subject Subject) []TableDescriptor {
	sample := records.Record{CustomerID: subject.CustomerID, Fields: records.Fields{}}
	descriptors := make([]TableDescriptor, 0, len(s.order))
	for _, table := range s.Tables() {
		if !anyMatches(table.Visible, subject, ActionRead) {
			continue
		}
		descriptor := TableDescriptor{Name: table.Name}
		for _, column := range table.Columns {
			sample.Table = table.Name
			if anyGrants(column.Restricted, subject, ActionRead, sample) {
				continue
			}
			columnDescriptor := ColumnDescriptor{Name: column.Name, Type: string(column.Type), ForeignKey: column.ForeignKey}
			for _, rule := range column.Rules {
				if describer, ok := rule.(Describer); ok {
					columnDescriptor.Rules = append(columnDescriptor.Rules, describer.Describe())
				}
			}
			descriptor.Columns = append(descriptor.Columns, columnDescriptor)
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors
}

func anyMatches(rules []AccessRule, subject Subject, action Action) bool {
	for _, rule := range rules {
		if rule.matches(subject, action) {
			return true
		}
	}
	return false
}
