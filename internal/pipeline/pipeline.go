// Package pipeline validates, commits and acknowledges the units submitted by
// connections, one tenant worker at a time.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/events"
	"github.com/MarcoPoloResearchLab/diffsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/diffsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"github.com/MarcoPoloResearchLab/diffsync/internal/store"
	"github.com/MarcoPoloResearchLab/diffsync/internal/visibility"
	"go.uber.org/zap"
)

const defaultQueueSize = 128

// Storage is the committed state the pipeline reads and writes.
type Storage interface {
	IsLive(ctx context.Context, customerID int64, table string, id int64) (bool, error)
	Get(ctx context.Context, customerID int64, table string, id int64) (records.Entry, error)
	ListReferencing(ctx context.Context, customerID int64, table, column string, id int64) ([]records.Record, error)
	Commit(ctx context.Context, batch store.Batch) (store.Committed, error)
	FindRequest(ctx context.Context, userID, requestID string) (store.RequestAudit, bool, error)
	RecordRequest(ctx context.Context, audit store.RequestAudit) error
}

// Resyncer schedules full table reloads for a user.
type Resyncer interface {
	RequestSnapshot(userID, table string)
}

// Notifier delivers frames to live connections.
type Notifier interface {
	Viewers(customerID int64) []visibility.Viewer
	Send(connectionID string, frames ...protocol.Envelope) bool
}

// Config describes the dependencies of a Pipeline.
type Config struct {
	Schema    *schema.Schema
	Index     *schema.UniqueIndex
	Store     Storage
	Closure   *visibility.Cache
	Notifier  Notifier
	Resync    Resyncer
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	QueueSize int
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Pipeline owns one FIFO worker per tenant. Every mutating unit of a tenant
// runs on that worker, in submission order.
type Pipeline struct {
	schema    *schema.Schema
	index     *schema.UniqueIndex
	store     Storage
	closure   *visibility.Cache
	notifier  Notifier
	resync    Resyncer
	publisher events.Publisher
	metrics   *metrics.Metrics
	queueSize int
	clock     func() time.Time
	logger    *zap.Logger

	servicesMu sync.RWMutex
	services   map[string]ServiceHandler

	claimsMu sync.Mutex
	claims   map[requestKey]chan struct{}

	mu      sync.RWMutex
	closed  bool
	workers map[int64]chan job
	wg      sync.WaitGroup
}

type job struct {
	ctx      context.Context
	unit     Unit
	reply    chan Acknowledgement
	received time.Time
	// release frees the claim of a detached service once acknowledged.
	release func()
}

type requestKey struct {
	userID    string
	requestID string
}

// New constructs a Pipeline with the built-in services registered.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Schema == nil {
		return nil, newServiceError(opNew, "missing_schema", errMissingSchema)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opNew, "missing_store", errMissingStore)
	}
	if cfg.Closure == nil {
		return nil, newServiceError(opNew, "missing_closure", errMissingClosure)
	}
	if cfg.Notifier == nil {
		return nil, newServiceError(opNew, "missing_notifier", errMissingNotifier)
	}
	index := cfg.Index
	if index == nil {
		index = schema.NewUniqueIndex(cfg.Schema)
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = &events.NoopPublisher{}
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		schema:    cfg.Schema,
		index:     index,
		store:     cfg.Store,
		closure:   cfg.Closure,
		notifier:  cfg.Notifier,
		resync:    cfg.Resync,
		publisher: publisher,
		metrics:   cfg.Metrics,
		queueSize: queueSize,
		clock:     clock,
		logger:    logger,
		services:  make(map[string]ServiceHandler),
		claims:    make(map[requestKey]chan struct{}),
		workers:   make(map[int64]chan job),
	}
	if p.resync != nil {
		p.RegisterService(ServiceResetSequence, p.resetSequence)
	}
	return p, nil
}

// Enqueue hands a unit to its tenant worker and returns a channel receiving
// the acknowledgement. Units enqueued by one goroutine are processed in
// order. Asynchronous services run their handler off-queue first.
func (p *Pipeline) Enqueue(ctx context.Context, unit Unit) (<-chan Acknowledgement, error) {
	if err := unit.validate(); err != nil {
		return nil, err
	}
	reply := make(chan Acknowledgement, 1)
	j := job{ctx: context.WithoutCancel(ctx), unit: unit, reply: reply, received: p.clock()}
	if unit.Kind == KindService && !unit.Synchronous && unit.prepared == nil {
		p.mu.RLock()
		closed := p.closed
		if !closed {
			p.wg.Add(1)
		}
		p.mu.RUnlock()
		if closed {
			return nil, ErrClosed
		}
		go func() {
			defer p.wg.Done()
			p.runDetached(j)
		}()
		return reply, nil
	}
	if err := p.push(ctx, j); err != nil {
		return nil, err
	}
	return reply, nil
}

// Submit enqueues a unit and waits for its acknowledgement.
func (p *Pipeline) Submit(ctx context.Context, unit Unit) (Acknowledgement, error) {
	reply, err := p.Enqueue(ctx, unit)
	if err != nil {
		return Acknowledgement{}, err
	}
	select {
	case ack := <-reply:
		return ack, nil
	case <-ctx.Done():
		return Acknowledgement{}, ctx.Err()
	}
}

func (p *Pipeline) push(ctx context.Context, j job) error {
	customerID := j.unit.Origin.Subject.CustomerID
	p.ensureWorker(customerID)

	p.mu.RLock()
	defer p.mu.RUnlock()
	queue, ok := p.workers[customerID]
	if p.closed || !ok {
		return ErrClosed
	}
	select {
	case queue <- j:
		return nil
	case <-ctx.Done():
		return newServiceError(opEnqueue, "context_done", ctx.Err())
	}
}

// ensureWorker starts the tenant worker on first use.
func (p *Pipeline) ensureWorker(customerID int64) {
	p.mu.RLock()
	_, ok := p.workers[customerID]
	p.mu.RUnlock()
	if ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[customerID]; ok || p.closed {
		return
	}
	queue := make(chan job, p.queueSize)
	p.workers[customerID] = queue
	p.wg.Add(1)
	go p.run(customerID, queue)
}

func (p *Pipeline) run(customerID int64, queue chan job) {
	defer p.wg.Done()
	p.logger.Debug("tenant worker started", zap.Int64("customer_id", customerID))
	for j := range queue {
		p.safeProcess(j)
	}
}

// safeProcess keeps the worker alive whatever a unit does.
func (p *Pipeline) safeProcess(j job) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := newServiceError(opProcess, "panic", fmt.Errorf("%w: %v", errWorkerPanic, recovered))
			p.logError(opProcess, "panic", err, unitFields(j.unit)...)
			p.fail(j, err)
		}
	}()
	p.process(j)
}

// Close stops accepting units, drains every queue and waits for the workers.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for customerID, queue := range p.workers {
		close(queue)
		delete(p.workers, customerID)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("pipeline error", attrs...)
}

func (p *Pipeline) trace(unit Unit, state State, fields ...zap.Field) {
	attrs := append(unitFields(unit), zap.String("state", string(state)))
	p.logger.Debug("unit state", append(attrs, fields...)...)
}

func unitFields(unit Unit) []zap.Field {
	return []zap.Field{
		zap.String("kind", string(unit.Kind)),
		zap.String("request_id", unit.RequestID),
		zap.String("user_id", unit.Origin.Subject.UserID),
		zap.Int64("customer_id", unit.Origin.Subject.CustomerID),
		zap.String("connection_id", unit.Origin.ConnectionID),
	}
}
