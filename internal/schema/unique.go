package schema

import (
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
)

const uniqueKeySeparator = "\x1f"

// Unique declares that a combination of columns may appear at most once,
// per tenant unless Global is set.
type Unique struct {
	Name            string
	Table           string
	Fields          []string
	CaseInsensitive bool
	Global          bool
}

func (*Unique) Kind() string { return "unique" }

func (u *Unique) Describe() RuleDescription {
	return RuleDescription{Kind: u.Kind(), Params: map[string]any{
		"name":            u.Name,
		"fields":          u.Fields,
		"caseInsensitive": u.CaseInsensitive,
	}}
}

// Validate checks the record against committed state. The pipeline repeats
// the check atomically through UniqueIndex.Reserve when it commits.
func (u *Unique) Validate(vc *ValidationContext, record records.Record, _ *Column, errs *ErrorSet) bool {
	if vc == nil || vc.Index == nil {
		return true
	}
	if !vc.Index.Available(u, record) {
		u.report(errs)
		return false
	}
	return true
}

func (u *Unique) report(errs *ErrorSet) {
	for _, field := range u.Fields {
		errs.AddField(field, ErrFieldUnique, u.Name)
	}
}

// key builds the index key. Records with a null member are not indexed.
func (u *Unique) key(record records.Record) (string, bool) {
	parts := make([]string, 0, len(u.Fields)+1)
	if !u.Global {
		parts = append(parts, strconv.FormatInt(record.CustomerID, 10))
	}
	for _, field := range u.Fields {
		if record.Fields.IsNull(field) {
			return "", false
		}
		value, ok := record.Fields.String(field)
		if !ok {
			return "", false
		}
		value = strings.TrimSpace(value)
		if u.CaseInsensitive {
			value = strings.ToLower(value)
		}
		parts = append(parts, value)
	}
	return strings.Join(parts, uniqueKeySeparator), true
}

// IndexChange is one record transition offered to the index. Before is nil
// on create and After is nil on delete.
type IndexChange struct {
	Before *records.Record
	After  *records.Record
}

// UniqueConflict names a constraint a change could not claim.
type UniqueConflict struct {
	Change     int
	Constraint *Unique
}

type uniqueEntries struct {
	committed map[string]map[int64]struct{}
	claims    map[string]*Reservation
}

// UniqueIndex maps constraint values to record ids. It is rebuilt from
// storage at startup and changed only through reservations.
type UniqueIndex struct {
	mu      sync.Mutex
	schema  *Schema
	entries map[*Unique]*uniqueEntries
}

// NewUniqueIndex creates an empty index for every constraint of s.
func NewUniqueIndex(s *Schema) *UniqueIndex {
	index := &UniqueIndex{schema: s, entries: make(map[*Unique]*uniqueEntries)}
	for _, table := range s.Tables() {
		for _, constraint := range table.Uniques {
			index.entries[constraint] = &uniqueEntries{
				committed: make(map[string]map[int64]struct{}),
				claims:    make(map[string]*Reservation),
			}
		}
	}
	return index
}

// Rebuild replaces the committed values of a table with rows.
func (x *UniqueIndex) Rebuild(table string, rows []records.Record) {
	definition, ok := x.schema.Table(table)
	if !ok {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, constraint := range definition.Uniques {
		entries := x.entries[constraint]
		entries.committed = make(map[string]map[int64]struct{})
		for _, row := range rows {
			if key, indexed := constraint.key(row); indexed {
				entries.add(key, row.ID)
			}
		}
	}
}

// Available reports whether record could hold its values without clashing
// with a committed row or an outstanding reservation.
func (x *UniqueIndex) Available(constraint *Unique, record records.Record) bool {
	key, indexed := constraint.key(record)
	if !indexed {
		return true
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	entries, ok := x.entries[constraint]
	if !ok {
		return true
	}
	if entries.takenByOther(key, record.ID) {
		return false
	}
	return entries.claims[key] == nil
}

// Reserve atomically claims the values every change needs. On any conflict
// nothing stays claimed.
func (x *UniqueIndex) Reserve(changes []IndexChange) (*Reservation, []UniqueConflict) {
	reservation := &Reservation{index: x, changes: changes}
	x.mu.Lock()
	defer x.mu.Unlock()

	var conflicts []UniqueConflict
	claimedBy := make(map[claimKey]claimant)
	for position, change := range changes {
		if change.After == nil {
			continue
		}
		definition, ok := x.schema.Table(change.After.Table)
		if !ok {
			continue
		}
		for _, constraint := range definition.Uniques {
			key, indexed := constraint.key(*change.After)
			if !indexed {
				continue
			}
			entries := x.entries[constraint]
			ck := claimKey{constraint: constraint, key: key}
			if owner, seen := claimedBy[ck]; seen && !owner.sameRecord(position, change.After.ID) {
				conflicts = append(conflicts, UniqueConflict{Change: position, Constraint: constraint})
				continue
			}
			if entries.takenByOther(key, change.After.ID) || entries.claims[key] != nil {
				conflicts = append(conflicts, UniqueConflict{Change: position, Constraint: constraint})
				continue
			}
			claimedBy[ck] = claimant{position: position, id: change.After.ID}
		}
	}
	if len(conflicts) > 0 {
		return nil, conflicts
	}
	for ck := range claimedBy {
		x.entries[ck.constraint].claims[ck.key] = reservation
		reservation.claims = append(reservation.claims, ck)
	}
	return reservation, nil
}

// claimant is the change holding a value within one reservation. Later
// changes of the same stored record may claim it again.
type claimant struct {
	position int
	id       int64
}

func (c claimant) sameRecord(position int, id int64) bool {
	return c.position == position || (id != 0 && c.id == id)
}

type claimKey struct {
	constraint *Unique
	key        string
}

// Reservation holds claimed values until the commit outcome is known.
type Reservation struct {
	index   *UniqueIndex
	changes []IndexChange
	claims  []claimKey
	done    bool
}

// Confirm publishes the committed state. committed lists the final records
// in the order of the reserved changes, nil for deletions, so ids assigned at
// commit time are indexed.
func (r *Reservation) Confirm(committed []*records.Record) {
	if r == nil {
		return
	}
	x := r.index
	x.mu.Lock()
	defer x.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	for position, change := range r.changes {
		var after *records.Record
		if position < len(committed) {
			after = committed[position]
		}
		x.forget(change.Before)
		x.remember(after)
	}
	r.releaseLocked()
}

// Release drops the claims without changing committed values.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.index.mu.Lock()
	defer r.index.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.releaseLocked()
}

func (r *Reservation) releaseLocked() {
	for _, ck := range r.claims {
		entries := r.index.entries[ck.constraint]
		if entries.claims[ck.key] == r {
			delete(entries.claims, ck.key)
		}
	}
	r.claims = nil
}

func (x *UniqueIndex) forget(record *records.Record) {
	if record == nil {
		return
	}
	definition, ok := x.schema.Table(record.Table)
	if !ok {
		return
	}
	for _, constraint := range definition.Uniques {
		if key, indexed := constraint.key(*record); indexed {
			x.entries[constraint].remove(key, record.ID)
		}
	}
}

func (x *UniqueIndex) remember(record *records.Record) {
	if record == nil {
		return
	}
	definition, ok := x.schema.Table(record.Table)
	if !ok {
		return
	}
	for _, constraint := range definition.Uniques {
		if key, indexed := constraint.key(*record); indexed {
			x.entries[constraint].add(key, record.ID)
		}
	}
}

func (e *uniqueEntries) add(key string, id int64) {
	ids := e.committed[key]
	if ids == nil {
		ids = make(map[int64]struct{})
		e.committed[key] = ids
	}
	ids[id] = struct{}{}
}

func (e *uniqueEntries) remove(key string, id int64) {
	ids := e.committed[key]
	delete(ids, id)
	if len(ids) == 0 {
		delete(e.committed, key)
	}
}

func (e *uniqueEntries) takenByOther(key string, id int64) bool {
	for holder := range e.committed[key] {
		if holder != id || id == 0 {
			return true
		}
	}
	return false
}
