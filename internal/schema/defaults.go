package schema

// DefaultDescription is the schema served when the configuration declares
// no tables.
func DefaultDescription() Description {
	anyone := []AccessDescription{{}}
	staff := []AccessDescription{{Profiles: []string{"Supervisor", "Administrator"}}}
	return Description{
		Areas: []string{"Administration", "Catalog"},
		Tables: []TableDescription{
			{
				Name: "Language",
				Columns: []ColumnDescription{
					{Name: "Key", Type: "string", Required: true, MaxLength: 10},
					{Name: "Label", Type: "string", Required: true, MaxLength: 64},
				},
				Unique:  []UniqueDescription{{Name: "LanguageKey", Fields: []string{"Key"}, CaseInsensitive: true}},
				Visible: anyone,
				Allow:   []AccessDescription{{Profiles: []string{"Administrator"}}},
			},
			{
				Name: "Parameter",
				Columns: []ColumnDescription{
					{Name: "Key", Type: "string", Required: true, MaxLength: 64},
					{Name: "Value", Type: "string", MaxLength: 256},
				},
				Unique:  []UniqueDescription{{Name: "ParameterKey", Fields: []string{"Key"}}},
				Visible: staff,
				Allow:   staff,
			},
			{
				Name: "Category",
				Columns: []ColumnDescription{
					{Name: "Name", Type: "string", Required: true, MaxLength: 64},
					{Name: "Budget", Type: "decimal", Digits: 10, Precision: 2},
				},
				Visible: anyone,
				Allow:   staff,
			},
			{
				Name: "Item",
				Columns: []ColumnDescription{
					{Name: "Name", Type: "string", Required: true, MaxLength: 64},
					{Name: "CategoryId", Type: "reference", ForeignKey: "Category", RefreshParent: true, RefreshChildren: true},
					{Name: "Price", Type: "decimal", Digits: 8, Precision: 2},
					{Name: "ContactEmail", Type: "string", Email: true},
					{Name: "OwnerId", Type: "string"},
					{Name: "Notes", Type: "string", Restricted: []AccessDescription{{Profiles: []string{"User"}}}},
				},
				Visible: anyone,
				Allow: []AccessDescription{
					{Profiles: []string{"Supervisor", "Administrator"}},
					{Profiles: []string{"User"}, OwnerField: "OwnerId"},
				},
			},
		},
	}
}
