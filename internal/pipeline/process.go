package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/diffsync/internal/events"
	"github.com/MarcoPoloResearchLab/diffsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"github.com/MarcoPoloResearchLab/diffsync/internal/store"
	"github.com/MarcoPoloResearchLab/diffsync/internal/visibility"
	"go.uber.org/zap"
)

// plan is a validated unit ready to commit. mutations, changes and results
// share positions with the submitted requests.
type plan struct {
	mutations []store.Mutation
	changes   []schema.IndexChange
	results   []RequestResult
	rejected  bool
}

// conflictError is a commit refused because committed state moved after
// validation.
type conflictError struct {
	unique []schema.UniqueConflict
	stored *store.ConflictError
}

func (e *conflictError) Error() string { return ErrConflict.Error() }

func (e *conflictError) Unwrap() error { return ErrConflict }

type committedUnit struct {
	ack       Acknowledgement
	committed store.Committed
}

func (p *Pipeline) process(j job) {
	unit := j.unit
	p.trace(unit, StateReceived)

	audit, found, err := p.store.FindRequest(j.ctx, unit.Origin.Subject.UserID, unit.RequestID)
	if err != nil {
		p.fail(j, newServiceError(opProcess, "request_lookup_failed", err))
		return
	}
	if found {
		p.replay(j, audit)
		return
	}

	requests := unit.Requests
	var serviceResult json.RawMessage
	if unit.Kind == KindService {
		run := unit.prepared
		if run == nil {
			called := p.callService(j.ctx, unit)
			run = &called
		}
		switch {
		case run.rejection != nil:
			p.reject(j, Acknowledgement{Errors: run.rejection})
			return
		case run.err != nil:
			p.fail(j, run.err)
			return
		}
		serviceResult = run.result
		requests = run.requests
		if len(requests) == 0 {
			p.completeService(j, serviceResult)
			return
		}
	}
	p.apply(j, requests, serviceResult)
}

// apply validates and commits requests, re-validating once when the commit
// loses a race against committed state.
func (p *Pipeline) apply(j job, requests []Request, serviceResult json.RawMessage) {
	unit := j.unit
	for attempt := 0; ; attempt++ {
		p.trace(unit, StateValidating, zap.Int("attempt", attempt))
		pl, err := p.plan(j.ctx, unit.Origin.Subject, requests)
		if err != nil {
			p.fail(j, err)
			return
		}
		if pl.rejected {
			p.reject(j, Acknowledgement{Results: pl.results})
			return
		}

		p.trace(unit, StateCommitting)
		outcome, err := p.commit(j.ctx, unit, pl, serviceResult)
		if err == nil {
			p.broadcast(j, outcome)
			return
		}
		var conflict *conflictError
		if !errors.As(err, &conflict) {
			p.fail(j, err)
			return
		}
		if attempt == 0 {
			p.logger.Info("commit conflict, revalidating", unitFields(unit)...)
			continue
		}
		p.reject(j, Acknowledgement{Results: conflictResults(pl, conflict)})
		return
	}
}

func (p *Pipeline) plan(ctx context.Context, subject schema.Subject, requests []Request) (*plan, error) {
	vc := &schema.ValidationContext{Context: ctx, Lookup: p.store, Index: p.index}
	pl := &plan{
		mutations: make([]store.Mutation, 0, len(requests)),
		changes:   make([]schema.IndexChange, 0, len(requests)),
		results:   make([]RequestResult, len(requests)),
	}
	staged := newStaging()
	for position, request := range requests {
		errs := schema.NewErrorSet()
		mutation, change, err := p.prepare(vc, subject, request, staged, errs)
		if err != nil {
			return nil, newServiceError(opValidate, "lookup_failed", err)
		}
		if vc.Err() != nil {
			return nil, newServiceError(opValidate, "lookup_failed", vc.Err())
		}
		pl.results[position] = RequestResult{Table: request.Table, Action: request.Action, Identity: request.Identity}
		if errs.HasErrors() {
			pl.results[position].Errors = errs
			pl.rejected = true
		}
		pl.mutations = append(pl.mutations, mutation)
		pl.changes = append(pl.changes, change)
	}
	return pl, nil
}

// staging is the state of a unit as seen by its later requests: the latest
// version of every record an earlier request updated and the records it
// deletes.
type staging struct {
	latest   map[records.Key]records.Record
	deleting map[records.Key]bool
}

func newStaging() *staging {
	return &staging{latest: make(map[records.Key]records.Record), deleting: make(map[records.Key]bool)}
}

// prepare checks one request against the allow rules, the state left by the
// earlier requests of the unit and the field rules. Violations go to errs;
// the error return is for storage.
func (p *Pipeline) prepare(vc *schema.ValidationContext, subject schema.Subject, request Request, staged *staging, errs *schema.ErrorSet) (store.Mutation, schema.IndexChange, error) {
	ctx := vc.Context
	table, ok := p.schema.Table(request.Table)
	if !ok {
		errs.AddGlobal(schema.ErrRequestUnknownTable, request.Table)
		return store.Mutation{}, schema.IndexChange{}, nil
	}

	switch request.Action {
	case schema.ActionCreate:
		record := records.Record{Table: table.Name, CustomerID: subject.CustomerID, Fields: request.Fields.Clone()}
		if !table.CanMutate(subject, schema.ActionCreate, record) {
			errs.AddGlobal(schema.ErrRequestNotAllowed)
			return store.Mutation{}, schema.IndexChange{}, nil
		}
		table.Validate(vc, record, errs)
		mutation := store.Mutation{Action: schema.ActionCreate, Table: table.Name, Fields: record.Fields, References: references(table, record)}
		return mutation, schema.IndexChange{After: &record}, nil

	case schema.ActionUpdate:
		before, live, err := p.stagedRecord(ctx, subject.CustomerID, table.Name, request.ID, staged)
		if err != nil {
			return store.Mutation{}, schema.IndexChange{}, err
		}
		if !live {
			errs.AddGlobal(schema.ErrRecordMissing, table.Name, request.ID)
			return store.Mutation{}, schema.IndexChange{}, nil
		}
		after := records.Record{Table: table.Name, ID: before.ID, CustomerID: subject.CustomerID, Fields: before.Fields.Merge(request.Fields)}
		if !table.CanMutate(subject, schema.ActionUpdate, before) || !table.CanMutate(subject, schema.ActionUpdate, after) {
			errs.AddGlobal(schema.ErrRequestNotAllowed)
			return store.Mutation{}, schema.IndexChange{}, nil
		}
		table.Validate(vc, after, errs)
		staged.latest[after.Key()] = after
		mutation := store.Mutation{Action: schema.ActionUpdate, Table: table.Name, ID: before.ID, Fields: after.Fields, References: references(table, after)}
		return mutation, schema.IndexChange{Before: &before, After: &after}, nil

	case schema.ActionDelete:
		before, live, err := p.stagedRecord(ctx, subject.CustomerID, table.Name, request.ID, staged)
		if err != nil {
			return store.Mutation{}, schema.IndexChange{}, err
		}
		if !live {
			errs.AddGlobal(schema.ErrRecordMissing, table.Name, request.ID)
			return store.Mutation{}, schema.IndexChange{}, nil
		}
		if !table.CanMutate(subject, schema.ActionDelete, before) {
			errs.AddGlobal(schema.ErrRequestNotAllowed)
			return store.Mutation{}, schema.IndexChange{}, nil
		}
		referrers := p.schema.Referrers(table.Name)
		for _, referrer := range referrers {
			children, err := p.store.ListReferencing(ctx, subject.CustomerID, referrer.Table, referrer.Column, before.ID)
			if err != nil {
				return store.Mutation{}, schema.IndexChange{}, err
			}
			if stillReferenced(children, staged.deleting) {
				errs.AddGlobal(schema.ErrRecordReferenced, referrer.Table, referrer.Column)
				break
			}
		}
		staged.deleting[before.Key()] = true
		mutation := store.Mutation{Action: schema.ActionDelete, Table: table.Name, ID: before.ID, Referrers: referrers}
		return mutation, schema.IndexChange{Before: &before}, nil

	default:
		errs.AddGlobal(schema.ErrRequestUnknownAction, string(request.Action))
		return store.Mutation{}, schema.IndexChange{}, nil
	}
}

// stagedRecord returns the record as the earlier requests of the unit left
// it, falling back to committed state.
func (p *Pipeline) stagedRecord(ctx context.Context, customerID int64, table string, id int64, staged *staging) (records.Record, bool, error) {
	key := records.Key{Table: table, ID: id}
	if staged.deleting[key] {
		return records.Record{}, false, nil
	}
	if latest, ok := staged.latest[key]; ok {
		return latest.Clone(), true, nil
	}
	return p.liveRecord(ctx, customerID, table, id)
}

func (p *Pipeline) liveRecord(ctx context.Context, customerID int64, table string, id int64) (records.Record, bool, error) {
	if id <= 0 {
		return records.Record{}, false, nil
	}
	entry, err := p.store.Get(ctx, customerID, table, id)
	if errors.Is(err, records.ErrNotFound) {
		return records.Record{}, false, nil
	}
	if err != nil {
		return records.Record{}, false, err
	}
	if entry.Information.IsDeleted {
		return records.Record{}, false, nil
	}
	return entry.Record, true, nil
}

func stillReferenced(children []records.Record, deleting map[records.Key]bool) bool {
	for _, child := range children {
		if !deleting[child.Key()] {
			return true
		}
	}
	return false
}

// references lists the foreign keys the commit must find live.
func references(table *schema.Table, record records.Record) []store.Reference {
	var refs []store.Reference
	for _, column := range table.Columns {
		if column.ForeignKey == "" || record.Fields.IsNull(column.Name) {
			continue
		}
		if id, ok := record.Fields.Int64(column.Name); ok {
			refs = append(refs, store.Reference{Field: column.Name, Table: column.ForeignKey, ID: id})
		}
	}
	return refs
}

// commit reserves unique values, then writes the unit, its tick and its
// audit row in one transaction.
func (p *Pipeline) commit(ctx context.Context, unit Unit, pl *plan, serviceResult json.RawMessage) (*committedUnit, error) {
	reservation, conflicts := p.index.Reserve(pl.changes)
	if len(conflicts) > 0 {
		p.metrics.UniqueConflict()
		return nil, &conflictError{unique: conflicts}
	}

	subject := unit.Origin.Subject
	var ack Acknowledgement
	committed, err := p.store.Commit(ctx, store.Batch{
		CustomerID: subject.CustomerID,
		Mutations:  pl.mutations,
		Audit: func(c store.Committed) (*store.RequestAudit, error) {
			ack = p.committedAck(unit, pl, c, serviceResult)
			if err := ack.seal(); err != nil {
				return nil, err
			}
			return &store.RequestAudit{
				UserID:       subject.UserID,
				RequestID:    unit.RequestID,
				ConnectionID: unit.Origin.ConnectionID,
				CustomerID:   subject.CustomerID,
				Kind:         string(unit.Kind),
				Label:        unit.Label,
				Status:       statusCommitted,
				Ack:          ack.Payload,
			}, nil
		},
	})
	if err != nil {
		reservation.Release()
		var stored *store.ConflictError
		if errors.As(err, &stored) {
			return nil, &conflictError{stored: stored}
		}
		return nil, newServiceError(opCommit, "transaction_failed", err)
	}

	confirmed := make([]*records.Record, len(committed.Applied))
	for position, applied := range committed.Applied {
		if applied.Action == schema.ActionDelete {
			continue
		}
		after := applied.After
		confirmed[position] = &after
	}
	reservation.Confirm(confirmed)
	return &committedUnit{ack: ack, committed: committed}, nil
}

func (p *Pipeline) committedAck(unit Unit, pl *plan, committed store.Committed, serviceResult json.RawMessage) Acknowledgement {
	subject := unit.Origin.Subject
	ack := p.baseAck(unit)
	ack.Tick = committed.Tick
	ack.Result = serviceResult
	ack.Results = make([]RequestResult, len(committed.Applied))
	for position, applied := range committed.Applied {
		result := pl.results[position]
		record := applied.After
		if table, ok := p.schema.Table(record.Table); ok {
			record = table.Strip(subject, record)
		}
		result.Record = &record
		result.Deleted = applied.Action == schema.ActionDelete
		ack.Results[position] = result
	}
	return ack
}

func conflictResults(pl *plan, conflict *conflictError) []RequestResult {
	results := make([]RequestResult, len(pl.results))
	copy(results, pl.results)
	errorsAt := func(position int) *schema.ErrorSet {
		if results[position].Errors == nil {
			results[position].Errors = schema.NewErrorSet()
		}
		return results[position].Errors
	}
	for _, clash := range conflict.unique {
		errs := errorsAt(clash.Change)
		for _, field := range clash.Constraint.Fields {
			errs.AddField(field, schema.ErrFieldUnique, clash.Constraint.Name)
		}
	}
	if stored := conflict.stored; stored != nil && stored.Mutation < len(results) {
		errs := errorsAt(stored.Mutation)
		if stored.Field != "" {
			errs.AddField(stored.Field, stored.Code, stored.Params...)
		} else {
			errs.AddGlobal(stored.Code, stored.Params...)
		}
	}
	return results
}

// broadcast acknowledges the origin, then pushes the closure of the commit
// to every viewer of the tenant.
func (p *Pipeline) broadcast(j job, out *committedUnit) {
	unit := j.unit
	subject := unit.Origin.Subject
	tick := out.committed.Tick
	p.trace(unit, StateCommitted, zap.Int64("tick", tick))

	p.deliver(j, out.ack)
	p.trace(unit, StateBroadcasting, zap.Int64("tick", tick))

	changes := make([]visibility.Change, 0, len(out.committed.Applied))
	own := make(map[records.Key]bool, len(out.committed.Applied))
	published := make([]events.Change, 0, len(out.committed.Applied))
	for _, applied := range out.committed.Applied {
		deleted := applied.Action == schema.ActionDelete
		changes = append(changes, visibility.Change{Before: applied.Before, After: applied.After, Deleted: deleted})
		own[applied.After.Key()] = true
		published = append(published, events.Change{Table: applied.After.Table, ID: applied.After.ID, Action: string(applied.Action), Deleted: deleted})
	}

	viewers := p.notifier.Viewers(subject.CustomerID)
	closure, err := p.closure.ComputeClosure(j.ctx, subject.CustomerID, changes, viewers)
	if err != nil {
		p.logError(opBroadcast, "closure_failed", err, append(unitFields(unit), zap.Int64("tick", tick))...)
	} else {
		for _, viewer := range viewers {
			items := closure[viewer.ConnectionID]
			if viewer.ConnectionID == unit.Origin.ConnectionID && !unit.NotifyOrigin {
				items = withoutOwn(items, own)
			}
			if len(items) == 0 {
				continue
			}
			if p.notifier.Send(viewer.ConnectionID, notificationFrames(tick, unit, items)...) {
				p.metrics.NotificationSent()
			}
		}
	}

	event := events.Committed{
		CustomerID: subject.CustomerID,
		Tick:       tick,
		Label:      unit.Label,
		Area:       subject.Area,
		UserID:     subject.UserID,
		RequestID:  unit.RequestID,
		Kind:       string(unit.Kind),
		Changes:    published,
	}
	if err := p.publisher.Publish(j.ctx, events.TopicCommitted(subject.CustomerID), event); err != nil {
		p.logger.Warn("event publish failed", append(unitFields(unit), zap.Int64("tick", tick), zap.Error(err))...)
	}

	p.trace(unit, StateAcknowledged, zap.Int64("tick", tick))
	p.metrics.ObserveUnit(string(unit.Kind), statusCommitted, p.clock().Sub(j.received))
}

func withoutOwn(items []visibility.Item, own map[records.Key]bool) []visibility.Item {
	kept := make([]visibility.Item, 0, len(items))
	for _, item := range items {
		if !own[item.Record.Key()] {
			kept = append(kept, item)
		}
	}
	return kept
}

func notificationFrames(tick int64, unit Unit, items []visibility.Item) []protocol.Envelope {
	subject := unit.Origin.Subject
	return []protocol.Envelope{
		protocol.MustEncode(protocol.TypeBeginNotification, protocol.BeginNotification{Tick: tick, Label: unit.Label}),
		protocol.MustEncode(protocol.TypeNotify, protocol.Notify{Tick: tick, UserID: subject.UserID, Label: unit.Label, Area: subject.Area, Items: items}),
		protocol.MustEncode(protocol.TypeEndNotification, protocol.EndNotification{Tick: tick, Label: unit.Label}),
	}
}

func (p *Pipeline) baseAck(unit Unit) Acknowledgement {
	return Acknowledgement{
		Kind:      unit.Kind,
		RequestID: unit.RequestID,
		Label:     unit.Label,
		Area:      unit.Origin.Subject.Area,
		Service:   unit.Service,
	}
}

// reject acknowledges a refused unit and records the refusal so a replay
// gets the same answer.
func (p *Pipeline) reject(j job, partial Acknowledgement) {
	unit := j.unit
	ack := p.baseAck(unit)
	ack.Results = partial.Results
	ack.Errors = partial.Errors
	if err := ack.seal(); err != nil {
		p.fail(j, newServiceError(opProcess, "ack_encode_failed", err))
		return
	}
	p.trace(unit, StateRejected)
	p.record(j, statusRejected, ack)
	p.deliver(j, ack)
	p.metrics.ObserveUnit(string(unit.Kind), statusRejected, p.clock().Sub(j.received))
}

func (p *Pipeline) completeService(j job, result json.RawMessage) {
	unit := j.unit
	ack := p.baseAck(unit)
	ack.Result = result
	if err := ack.seal(); err != nil {
		p.fail(j, newServiceError(opService, "ack_encode_failed", err))
		return
	}
	p.record(j, statusCompleted, ack)
	p.deliver(j, ack)
	p.trace(unit, StateAcknowledged)
	p.metrics.ObserveUnit(string(unit.Kind), statusCompleted, p.clock().Sub(j.received))
}

func (p *Pipeline) record(j job, status string, ack Acknowledgement) {
	unit := j.unit
	err := p.store.RecordRequest(j.ctx, store.RequestAudit{
		UserID:       unit.Origin.Subject.UserID,
		RequestID:    unit.RequestID,
		ConnectionID: unit.Origin.ConnectionID,
		CustomerID:   unit.Origin.Subject.CustomerID,
		Kind:         string(unit.Kind),
		Label:        unit.Label,
		Status:       status,
		Ack:          ack.Payload,
	})
	if err != nil {
		p.logError(opProcess, "audit_failed", err, unitFields(unit)...)
	}
}

func (p *Pipeline) replay(j job, audit store.RequestAudit) {
	ack, err := unsealed(audit.Ack)
	if err != nil {
		p.fail(j, newServiceError(opProcess, "ack_decode_failed", err))
		return
	}
	ack.Replayed = true
	p.logger.Info("replaying acknowledgement", append(unitFields(j.unit), zap.String("status", audit.Status))...)
	p.deliver(j, ack)
	p.metrics.ObserveUnit(string(j.unit.Kind), "replayed", p.clock().Sub(j.received))
}

// fail reports an unexpected error. Nothing is recorded so the client may
// retry with the same request id.
func (p *Pipeline) fail(j job, err error) {
	unit := j.unit
	p.logError(opProcess, "unit_failed", err, unitFields(unit)...)
	errs := schema.NewErrorSet()
	errs.AddGlobal(schema.ErrUnexpected)
	ack := p.baseAck(unit)
	ack.Errors = errs
	if sealErr := ack.seal(); sealErr != nil {
		p.logError(opProcess, "ack_encode_failed", sealErr, unitFields(unit)...)
	}
	p.trace(unit, StateFailed)
	p.deliver(j, ack)
	p.metrics.ObserveUnit(string(unit.Kind), string(StateFailed), p.clock().Sub(j.received))
}

func (p *Pipeline) deliver(j job, ack Acknowledgement) {
	if j.unit.Origin.ConnectionID != "" && len(ack.Payload) > 0 {
		p.notifier.Send(j.unit.Origin.ConnectionID, ack.frame())
	}
	select {
	case j.reply <- ack:
	default:
	}
	if j.release != nil {
		j.release()
	}
}
