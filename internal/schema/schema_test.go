package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
)

type stubLookup struct {
	live map[records.Key]bool
	err  error
}

func (s stubLookup) IsLive(_ context.Context, _ int64, table string, id int64) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.live[records.Key{Table: table, ID: id}], nil
}

func mustTable(t *testing.T, s *Schema, name string) *Table {
	t.Helper()
	table, ok := s.Table(name)
	if !ok {
		t.Fatalf("table %s missing", name)
	}
	return table
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	s := MustCompile(DefaultDescription())
	item := mustTable(t, s, "Item")

	record := records.Record{Table: "Item", CustomerID: 1, Fields: records.Fields{
		"Price":        "123456789.123",
		"ContactEmail": "not-an-address",
		"Colour":       "red",
	}}
	errs := NewErrorSet()
	vc := &ValidationContext{Context: context.Background()}
	if item.Validate(vc, record, errs) {
		t.Fatalf("expected validation failure")
	}

	expectations := map[string]string{
		"Name":         ErrFieldRequired,
		"Price":        ErrFieldDecimal,
		"ContactEmail": ErrFieldEmail,
		"Colour":       ErrFieldUnknown,
	}
	for field, code := range expectations {
		if !errs.HasField(field, code) {
			t.Fatalf("expected %s on %s, got %+v", code, field, errs.Fields)
		}
	}
	if len(errs.FieldNames()) != len(expectations) {
		t.Fatalf("unexpected fields with errors: %v", errs.FieldNames())
	}
}

func TestValidateAcceptsWellFormedRecord(t *testing.T) {
	s := MustCompile(DefaultDescription())
	item := mustTable(t, s, "Item")
	lookup := stubLookup{live: map[records.Key]bool{{Table: "Category", ID: 7}: true}}

	record := records.Record{Table: "Item", CustomerID: 1, Fields: records.Fields{
		"Name":         "Lamp",
		"CategoryId":   float64(7),
		"Price":        "19.90",
		"ContactEmail": "shop@example.com",
	}}
	errs := NewErrorSet()
	if !item.Validate(&ValidationContext{Lookup: lookup}, record, errs) {
		t.Fatalf("expected valid record, got %+v", errs)
	}
}

func TestForeignKeyRequiresLiveTarget(t *testing.T) {
	s := MustCompile(DefaultDescription())
	item := mustTable(t, s, "Item")
	record := records.Record{Table: "Item", CustomerID: 1, Fields: records.Fields{"Name": "Lamp", "CategoryId": float64(3)}}

	errs := NewErrorSet()
	if item.Validate(&ValidationContext{Lookup: stubLookup{}}, record, errs) {
		t.Fatalf("expected reference failure")
	}
	if !errs.HasField("CategoryId", ErrFieldReference) {
		t.Fatalf("expected reference error, got %+v", errs.Fields)
	}

	storageFailure := errors.New("disk gone")
	vc := &ValidationContext{Lookup: stubLookup{err: storageFailure}}
	item.Validate(vc, record, NewErrorSet())
	if !errors.Is(vc.Err(), storageFailure) {
		t.Fatalf("expected storage error to be kept apart, got %v", vc.Err())
	}
}

func TestTypeRuleRejectsMismatchedValues(t *testing.T) {
	s := MustCompile(Description{Tables: []TableDescription{{
		Name: "Event",
		Columns: []ColumnDescription{
			{Name: "Count", Type: "integer"},
			{Name: "Enabled", Type: "boolean"},
			{Name: "Day", Type: "date"},
		},
	}}})
	table := mustTable(t, s, "Event")
	errs := NewErrorSet()
	ok := table.Validate(&ValidationContext{}, records.Record{Table: "Event", Fields: records.Fields{
		"Count":   1.5,
		"Enabled": "yes",
		"Day":     "31/12/2024",
	}}, errs)
	if ok {
		t.Fatalf("expected failure")
	}
	for _, field := range []string{"Count", "Enabled", "Day"} {
		if !errs.HasField(field, ErrFieldBadFormat) {
			t.Fatalf("expected bad format on %s, got %+v", field, errs.Fields)
		}
	}
}

func TestAccessRulesDenyByDefault(t *testing.T) {
	s := MustCompile(Description{Tables: []TableDescription{{Name: "Secret", Columns: []ColumnDescription{{Name: "Value"}}}}})
	table := mustTable(t, s, "Secret")
	subject := Subject{CustomerID: 1, UserID: "u1", Profile: ProfileAdministrator}
	record := records.Record{Table: "Secret", CustomerID: 1}
	if table.CanSee(subject, record) {
		t.Fatalf("empty visible rules must deny")
	}
	if table.CanMutate(subject, ActionCreate, record) {
		t.Fatalf("empty allow rules must deny")
	}
}

func TestAccessRulesHonourProfileTenantAndOwner(t *testing.T) {
	s := MustCompile(DefaultDescription())
	item := mustTable(t, s, "Item")
	owned := records.Record{Table: "Item", CustomerID: 1, Fields: records.Fields{"OwnerId": "alice"}}

	alice := Subject{CustomerID: 1, UserID: "alice", Profile: ProfileUser, Area: "Catalog"}
	bob := Subject{CustomerID: 1, UserID: "bob", Profile: ProfileUser, Area: "Catalog"}
	nobody := Subject{CustomerID: 1, UserID: "carol", Profile: ProfileNone}
	stranger := Subject{CustomerID: 2, UserID: "dave", Profile: ProfileAdministrator}

	if !item.CanMutate(alice, ActionUpdate, owned) {
		t.Fatalf("owner should be allowed")
	}
	if item.CanMutate(bob, ActionUpdate, owned) {
		t.Fatalf("non owner user should be denied")
	}
	if item.CanSee(nobody, owned) {
		t.Fatalf("profile None must never see records")
	}
	if item.CanSee(stranger, owned) {
		t.Fatalf("other tenant must never see records")
	}
}

func TestStripHidesRestrictedColumns(t *testing.T) {
	s := MustCompile(DefaultDescription())
	item := mustTable(t, s, "Item")
	record := records.Record{Table: "Item", CustomerID: 1, Fields: records.Fields{"Name": "Lamp", "Notes": "internal"}}

	user := Subject{CustomerID: 1, UserID: "u", Profile: ProfileUser}
	admin := Subject{CustomerID: 1, UserID: "a", Profile: ProfileAdministrator}

	if _, present := item.Strip(user, record).Fields["Notes"]; present {
		t.Fatalf("notes should be hidden from users")
	}
	if _, present := item.Strip(admin, record).Fields["Notes"]; !present {
		t.Fatalf("notes should be visible to administrators")
	}
	if _, present := record.Fields["Notes"]; !present {
		t.Fatalf("strip must not mutate its input")
	}
}

func TestCompileRejectsInvalidDescriptions(t *testing.T) {
	testCases := []struct {
		name string
		desc Description
	}{
		{name: "unknown reference", desc: Description{Tables: []TableDescription{{Name: "A", Columns: []ColumnDescription{{Name: "B", ForeignKey: "Missing"}}}}}},
		{name: "duplicate table", desc: Description{Tables: []TableDescription{{Name: "A"}, {Name: "A"}}}},
		{name: "unknown type", desc: Description{Tables: []TableDescription{{Name: "A", Columns: []ColumnDescription{{Name: "B", Type: "blob"}}}}}},
		{name: "unique on unknown column", desc: Description{Tables: []TableDescription{{Name: "A", Unique: []UniqueDescription{{Fields: []string{"X"}}}}}}},
		{name: "bad profile", desc: Description{Tables: []TableDescription{{Name: "A", Visible: []AccessDescription{{Profiles: []string{"Root"}}}}}}},
		{name: "bad pattern", desc: Description{Tables: []TableDescription{{Name: "A", Columns: []ColumnDescription{{Name: "B", Format: "("}}}}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := Compile(testCase.desc); err == nil {
				t.Fatalf("expected compile error")
			}
		})
	}
}

func TestReferrersAndAreas(t *testing.T) {
	s := MustCompile(DefaultDescription())
	referrers := s.Referrers("Category")
	if len(referrers) != 1 || referrers[0] != (ColumnRef{Table: "Item", Column: "CategoryId"}) {
		t.Fatalf("unexpected referrers: %+v", referrers)
	}
	if !s.HasArea("catalog") {
		t.Fatalf("areas should match case-insensitively")
	}
	if s.HasArea("Payroll") {
		t.Fatalf("undeclared area accepted")
	}
}

func TestDescribeOmitsHiddenTablesAndColumns(t *testing.T) {
	s := MustCompile(DefaultDescription())
	descriptors := s.Describe(Subject{CustomerID: 1, UserID: "u", Profile: ProfileUser})
	for _, descriptor := range descriptors {
		if descriptor.Name == "Parameter" {
			t.Fatalf("users cannot read parameters")
		}
		if descriptor.Name != "Item" {
			continue
		}
		for _, column := range descriptor.Columns {
			if column.Name == "Notes" {
				t.Fatalf("restricted column exported")
			}
		}
	}
}
