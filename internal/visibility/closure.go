// Package visibility decides which connections must learn about a commit and
// what each of them may see of it.
package visibility

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"go.uber.org/zap"
)

var (
	errMissingSchema = errors.New("visibility: schema is required")
	errMissingLoader = errors.New("visibility: loader is required")
)

// Loader reads committed state for the closure walk. Get returns
// records.ErrNotFound for a record absent from the tenant.
type Loader interface {
	Get(ctx context.Context, customerID int64, table string, id int64) (records.Entry, error)
	ListReferencing(ctx context.Context, customerID int64, table, column string, id int64) ([]records.Record, error)
}

// Viewer is a live connection seen through its access subject.
type Viewer struct {
	ConnectionID string
	Subject      schema.Subject
}

// Item is one record pushed to a viewer. Deleted items are tombstones.
type Item struct {
	Table   string         `json:"table"`
	Record  records.Record `json:"record"`
	Deleted bool           `json:"deleted,omitempty"`
}

// Change is one committed transition. Before is nil on create.
type Change struct {
	Before  *records.Record
	After   records.Record
	Deleted bool
}

// Config describes the dependencies of a Cache.
type Config struct {
	Schema *schema.Schema
	Loader Loader
	Logger *zap.Logger
}

// Cache computes per-commit closures. It keeps no state between commits.
type Cache struct {
	schema *schema.Schema
	loader Loader
	logger *zap.Logger
}

// New constructs a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Schema == nil {
		return nil, errMissingSchema
	}
	if cfg.Loader == nil {
		return nil, errMissingLoader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{schema: cfg.Schema, loader: cfg.Loader, logger: logger}, nil
}

// node is one record of the closure.
type node struct {
	before  *records.Record
	after   records.Record
	deleted bool
	depth   int
}

// memo lives for one ComputeClosure call.
type memo struct {
	records   map[records.Key]*records.Record
	decisions map[decisionKey]bool
}

type decisionKey struct {
	key        records.Key
	connection string
	state      int
}

const (
	stateAfter = iota
	stateBefore
)

// ComputeClosure returns, per connection id, the items that connection must
// receive for a commit of customerID. Viewers of other tenants get nothing.
func (c *Cache) ComputeClosure(ctx context.Context, customerID int64, changes []Change, viewers []Viewer) (map[string][]Item, error) {
	m := &memo{
		records:   make(map[records.Key]*records.Record),
		decisions: make(map[decisionKey]bool),
	}
	nodes, err := c.walk(ctx, customerID, changes, m)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]Item, len(viewers))
	for _, viewer := range viewers {
		if viewer.Subject.CustomerID != customerID || viewer.Subject.Profile == schema.ProfileNone {
			continue
		}
		items := make([]Item, 0, len(nodes))
		for _, n := range nodes {
			if item, ok := c.itemFor(viewer, n, m); ok {
				items = append(items, item)
			}
		}
		if len(items) > 0 {
			result[viewer.ConnectionID] = items
		}
	}
	c.logger.Debug("closure computed",
		zap.Int64("customer_id", customerID),
		zap.Int("changes", len(changes)),
		zap.Int("records", len(nodes)),
		zap.Int("recipients", len(result)),
	)
	return result, nil
}

// walk expands the changed records along refresh edges. Seeds always expand;
// reached records expand further only when their table is DeepUpdate.
func (c *Cache) walk(ctx context.Context, customerID int64, changes []Change, m *memo) ([]*node, error) {
	ordered := make([]*node, 0, len(changes))
	seen := make(map[records.Key]*node)
	queue := make([]*node, 0, len(changes))

	for _, change := range changes {
		after := change.After
		n := &node{before: change.Before, after: after, deleted: change.Deleted}
		if existing, ok := seen[after.Key()]; ok {
			existing.after = after
			existing.deleted = change.Deleted
			continue
		}
		seen[after.Key()] = n
		m.records[after.Key()] = &n.after
		ordered = append(ordered, n)
		queue = append(queue, n)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		table, ok := c.schema.Table(current.after.Table)
		if !ok {
			continue
		}
		if current.depth > 0 && !table.DeepUpdate {
			continue
		}
		neighbours, err := c.neighbours(ctx, customerID, table, current, m)
		if err != nil {
			return nil, err
		}
		for _, neighbour := range neighbours {
			key := neighbour.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			n := &node{after: neighbour, depth: current.depth + 1}
			seen[key] = n
			ordered = append(ordered, n)
			queue = append(queue, n)
		}
	}
	return ordered, nil
}

func (c *Cache) neighbours(ctx context.Context, customerID int64, table *schema.Table, current *node, m *memo) ([]records.Record, error) {
	var out []records.Record
	for _, column := range table.Columns {
		if column.ForeignKey == "" || !column.RefreshParent {
			continue
		}
		for _, id := range parentIDs(column.Name, current) {
			parent, ok, err := c.load(ctx, customerID, column.ForeignKey, id, m)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, parent)
			}
		}
	}
	for _, ref := range c.schema.Referrers(table.Name) {
		childTable, ok := c.schema.Table(ref.Table)
		if !ok {
			continue
		}
		column, ok := childTable.Column(ref.Column)
		if !ok || !column.RefreshChildren {
			continue
		}
		children, err := c.loader.ListReferencing(ctx, customerID, ref.Table, ref.Column, current.after.ID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			key := child.Key()
			if cached, ok := m.records[key]; ok {
				out = append(out, *cached)
				continue
			}
			stored := child
			m.records[key] = &stored
			out = append(out, child)
		}
	}
	return out, nil
}

// parentIDs lists the referenced ids before and after the change, so a parent
// losing a child is refreshed too.
func parentIDs(column string, current *node) []int64 {
	var ids []int64
	if id, ok := current.after.Fields.Int64(column); ok && id > 0 {
		ids = append(ids, id)
	}
	if current.before != nil {
		if id, ok := current.before.Fields.Int64(column); ok && id > 0 && (len(ids) == 0 || ids[0] != id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Cache) load(ctx context.Context, customerID int64, table string, id int64, m *memo) (records.Record, bool, error) {
	key := records.Key{Table: table, ID: id}
	if cached, ok := m.records[key]; ok {
		if cached == nil {
			return records.Record{}, false, nil
		}
		return *cached, true, nil
	}
	entry, err := c.loader.Get(ctx, customerID, table, id)
	if errors.Is(err, records.ErrNotFound) {
		m.records[key] = nil
		return records.Record{}, false, nil
	}
	if err != nil {
		return records.Record{}, false, err
	}
	if entry.Information.IsDeleted {
		m.records[key] = nil
		return records.Record{}, false, nil
	}
	m.records[key] = &entry.Record
	return entry.Record, true, nil
}

// itemFor decides what one viewer receives for one closure node.
func (c *Cache) itemFor(viewer Viewer, n *node, m *memo) (Item, bool) {
	table, ok := c.schema.Table(n.after.Table)
	if !ok {
		return Item{}, false
	}
	sawBefore := n.before != nil && c.decide(viewer, table, *n.before, stateBefore, m)
	if n.deleted {
		if sawBefore || c.decide(viewer, table, n.after, stateAfter, m) {
			return Tombstone(n.after), true
		}
		return Item{}, false
	}
	if c.decide(viewer, table, n.after, stateAfter, m) {
		return Item{Table: table.Name, Record: table.Strip(viewer.Subject, n.after)}, true
	}
	if sawBefore {
		return Tombstone(n.after), true
	}
	return Item{}, false
}

func (c *Cache) decide(viewer Viewer, table *schema.Table, record records.Record, state int, m *memo) bool {
	key := decisionKey{key: record.Key(), connection: viewer.ConnectionID, state: state}
	if decision, ok := m.decisions[key]; ok {
		return decision
	}
	decision := Visible(table, viewer.Subject, record)
	m.decisions[key] = decision
	return decision
}

// Visible reports whether subject may read record: same tenant, a profile
// other than None and at least one granting visibility rule.
func Visible(table *schema.Table, subject schema.Subject, record records.Record) bool {
	if subject.Profile == schema.ProfileNone || subject.CustomerID != record.CustomerID {
		return false
	}
	return table.CanSee(subject, record)
}

// Project returns what subject may see of record, or false when nothing.
func Project(table *schema.Table, subject schema.Subject, record records.Record) (Item, bool) {
	if !Visible(table, subject, record) {
		return Item{}, false
	}
	return Item{Table: table.Name, Record: table.Strip(subject, record)}, true
}

// Tombstone is the deletion marker sent for record: its key and no fields.
func Tombstone(record records.Record) Item {
	return Item{
		Table:   record.Table,
		Record:  records.Record{Table: record.Table, ID: record.ID, CustomerID: record.CustomerID, Fields: records.Fields{}},
		Deleted: true,
	}
}
