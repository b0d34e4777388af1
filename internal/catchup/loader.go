// Package catchup streams table snapshots in lots to connecting clients and
// reassembles them on the client side.
package catchup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/diffsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/diffsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"github.com/MarcoPoloResearchLab/diffsync/internal/visibility"
	"go.uber.org/zap"
)

const defaultLotSize = 500

var (
	errMissingReader  = errors.New("catchup: reader is required")
	errMissingSchema  = errors.New("catchup: schema is required")
	errUnknownTable   = errors.New("catchup: unknown table")
	errNoTransfer     = errors.New("catchup: no transfer in progress")
	errTickMismatch   = errors.New("catchup: tick does not match the transfer")
	errNotInitialized = errors.New("catchup: connection is not initialized")
)

// Reader is the committed state a transfer is built from.
type Reader interface {
	MaxTick(ctx context.Context, customerID int64, table string) (int64, error)
	Cursor(ctx context.Context, userID, table string) (int64, error)
	ListLive(ctx context.Context, customerID int64, table string) ([]records.Record, error)
	ListChangedSince(ctx context.Context, customerID int64, table string, tick int64) ([]records.Entry, error)
	AdvanceCursor(ctx context.Context, userID, table string, tick int64) error
}

// Config describes a Loader.
type Config struct {
	Reader  Reader
	Schema  *schema.Schema
	LotSize int
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Loader serves LoadTable and remembers, per connection and table, the tick
// a transfer was cut at until the client confirms it.
type Loader struct {
	reader  Reader
	schema  *schema.Schema
	lotSize int
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu         sync.Mutex
	pending    map[string]map[string]transfer
	resync     map[string]map[string]uint64
	generation uint64
}

// transfer is a served table load awaiting its loadTableDone. resync is the
// snapshot request it satisfies, zero when none.
type transfer struct {
	tick   int64
	resync uint64
}

// New validates cfg and returns a Loader.
func New(cfg Config) (*Loader, error) {
	if cfg.Reader == nil {
		return nil, errMissingReader
	}
	if cfg.Schema == nil {
		return nil, errMissingSchema
	}
	lotSize := cfg.LotSize
	if lotSize <= 0 {
		lotSize = defaultLotSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		reader:  cfg.Reader,
		schema:  cfg.Schema,
		lotSize: lotSize,
		metrics: cfg.Metrics,
		logger:  logger,
		pending: make(map[string]map[string]transfer),
		resync:  make(map[string]map[string]uint64),
	}, nil
}

// RequestSnapshot makes the next LoadTable of table by userID a full
// snapshot whatever its cursor. The request holds until a snapshot transfer
// is completed; the cursor itself is left alone.
func (l *Loader) RequestSnapshot(userID, table string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tables, ok := l.resync[userID]
	if !ok {
		tables = make(map[string]uint64)
		l.resync[userID] = tables
	}
	l.generation++
	tables[table] = l.generation
}

// LoadTable builds the lots bringing viewer up to date on table. A cursor
// equal to the table tick yields a single no-op lot. A zero cursor, or a
// pending snapshot request, yields a snapshot of the visible live records;
// any other cursor yields the records touched since, with tombstones for
// those deleted or no longer visible.
func (l *Loader) LoadTable(ctx context.Context, viewer visibility.Viewer, tableName string) ([]protocol.Lot, error) {
	subject := viewer.Subject
	if subject.Profile == schema.ProfileNone || subject.CustomerID <= 0 {
		return nil, errNotInitialized
	}
	table, ok := l.schema.Table(tableName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownTable, tableName)
	}
	tick, err := l.reader.MaxTick(ctx, subject.CustomerID, table.Name)
	if err != nil {
		l.logError("max_tick", err, viewer, table.Name)
		return nil, err
	}
	cursor, err := l.reader.Cursor(ctx, subject.UserID, table.Name)
	if err != nil {
		l.logError("cursor", err, viewer, table.Name)
		return nil, err
	}

	l.mu.Lock()
	resync := l.resync[subject.UserID][table.Name]
	l.mu.Unlock()

	var (
		items       []visibility.Item
		incremental bool
	)
	switch {
	case resync == 0 && cursor >= tick:
	case resync != 0 || cursor == 0:
		items, err = l.snapshot(ctx, table, subject)
	default:
		incremental = true
		items, err = l.changes(ctx, table, subject, cursor)
	}
	if err != nil {
		l.logError("list", err, viewer, table.Name)
		return nil, err
	}

	l.track(viewer.ConnectionID, table.Name, transfer{tick: tick, resync: resync})
	lots := l.split(table.Name, tick, incremental, items)
	l.metrics.LotsServed(len(lots))
	l.logger.Debug("table transfer prepared",
		zap.String("connection_id", viewer.ConnectionID),
		zap.String("table", table.Name),
		zap.Int64("cursor", cursor),
		zap.Int64("tick", tick),
		zap.Int("items", len(items)),
		zap.Int("lots", len(lots)),
	)
	return lots, nil
}

func (l *Loader) snapshot(ctx context.Context, table *schema.Table, subject schema.Subject) ([]visibility.Item, error) {
	live, err := l.reader.ListLive(ctx, subject.CustomerID, table.Name)
	if err != nil {
		return nil, err
	}
	items := make([]visibility.Item, 0, len(live))
	for _, record := range live {
		if item, ok := visibility.Project(table, subject, record); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (l *Loader) changes(ctx context.Context, table *schema.Table, subject schema.Subject, cursor int64) ([]visibility.Item, error) {
	entries, err := l.reader.ListChangedSince(ctx, subject.CustomerID, table.Name, cursor)
	if err != nil {
		return nil, err
	}
	items := make([]visibility.Item, 0, len(entries))
	for _, entry := range entries {
		if !entry.Information.IsDeleted {
			if item, ok := visibility.Project(table, subject, entry.Record); ok {
				items = append(items, item)
				continue
			}
		}
		items = append(items, visibility.Tombstone(entry.Record))
	}
	return items, nil
}

func (l *Loader) split(table string, tick int64, incremental bool, items []visibility.Item) []protocol.Lot {
	if len(items) == 0 {
		return []protocol.Lot{{Table: table, Tick: tick, Lot: 0, NbLots: 0, Incremental: incremental, Items: []visibility.Item{}}}
	}
	count := (len(items) + l.lotSize - 1) / l.lotSize
	lots := make([]protocol.Lot, 0, count)
	for i := 0; i < count; i++ {
		start := i * l.lotSize
		end := min(start+l.lotSize, len(items))
		lots = append(lots, protocol.Lot{
			Table:       table,
			Tick:        tick,
			Lot:         i + 1,
			NbLots:      count,
			Incremental: incremental,
			Items:       items[start:end],
		})
	}
	return lots
}

func (l *Loader) track(connectionID, table string, t transfer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tables, ok := l.pending[connectionID]
	if !ok {
		tables = make(map[string]transfer)
		l.pending[connectionID] = tables
	}
	tables[table] = t
}

// Complete advances the cursor of the viewer once its client has applied
// every lot of the transfer cut at tick. The cursor never moves backwards.
func (l *Loader) Complete(ctx context.Context, viewer visibility.Viewer, table string, tick int64) error {
	userID := viewer.Subject.UserID
	l.mu.Lock()
	expected, ok := l.pending[viewer.ConnectionID][table]
	if ok && expected.tick == tick {
		delete(l.pending[viewer.ConnectionID], table)
	}
	l.mu.Unlock()
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", errNoTransfer, table)
	case expected.tick != tick:
		return fmt.Errorf("%w: expected %d, got %d", errTickMismatch, expected.tick, tick)
	}
	if err := l.reader.AdvanceCursor(ctx, userID, table, tick); err != nil {
		l.logError("advance_cursor", err, viewer, table)
		return err
	}
	if expected.resync != 0 {
		l.mu.Lock()
		if l.resync[userID][table] == expected.resync {
			delete(l.resync[userID], table)
		}
		l.mu.Unlock()
	}
	return nil
}

// Forget drops the transfers of a closed connection.
func (l *Loader) Forget(connectionID string) {
	l.mu.Lock()
	delete(l.pending, connectionID)
	l.mu.Unlock()
}

func (l *Loader) logError(reason string, err error, viewer visibility.Viewer, table string) {
	l.logger.Error("catchup error",
		zap.String("operation", "catchup.load_table"),
		zap.String("reason", reason),
		zap.Error(err),
		zap.String("connection_id", viewer.ConnectionID),
		zap.String("table", table),
	)
}
