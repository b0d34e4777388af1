package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
)

// ServiceResetSequence makes the next load of one table by the caller a full
// snapshot. It is registered when the pipeline has a Resyncer.
const ServiceResetSequence = "ResetSequence"

// ServiceCall is what a service handler receives.
type ServiceCall struct {
	Origin    Origin
	RequestID string
	Input     records.Record
	Identity  json.RawMessage
}

// ServiceOutcome is a handler result. Requests, when present, are committed
// as one transaction on the tenant worker.
type ServiceOutcome struct {
	Result   any
	Requests []Request
}

// ServiceHandler implements a named server-side operation.
type ServiceHandler func(ctx context.Context, call ServiceCall) (ServiceOutcome, error)

// Rejection is returned by a handler to refuse a call with user-facing errors.
type Rejection struct {
	Errors *schema.ErrorSet
}

func (r *Rejection) Error() string {
	return "pipeline: service rejected"
}

// Reject wraps errs as a Rejection.
func Reject(errs *schema.ErrorSet) error {
	return &Rejection{Errors: errs}
}

type serviceRun struct {
	result    json.RawMessage
	requests  []Request
	rejection *schema.ErrorSet
	err       error
}

// RegisterService makes handler callable under name, replacing any
// previous registration.
func (p *Pipeline) RegisterService(name string, handler ServiceHandler) {
	p.servicesMu.Lock()
	defer p.servicesMu.Unlock()
	p.services[name] = handler
}

func (p *Pipeline) callService(ctx context.Context, unit Unit) (run serviceRun) {
	p.servicesMu.RLock()
	handler, ok := p.services[unit.Service]
	p.servicesMu.RUnlock()
	if !ok {
		errs := schema.NewErrorSet()
		errs.AddGlobal(schema.ErrServiceUnknown, unit.Service)
		return serviceRun{rejection: errs}
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			run = serviceRun{err: newServiceError(opService, "panic", fmt.Errorf("%w: %v", errWorkerPanic, recovered))}
		}
	}()
	outcome, err := handler(ctx, ServiceCall{
		Origin:    unit.Origin,
		RequestID: unit.RequestID,
		Input:     unit.Input,
		Identity:  unit.Identity,
	})
	var rejection *Rejection
	switch {
	case errors.As(err, &rejection):
		return serviceRun{rejection: rejection.Errors}
	case err != nil:
		return serviceRun{err: newServiceError(opService, "handler_failed", err)}
	}

	run.requests = outcome.Requests
	if outcome.Result != nil {
		encoded, err := json.Marshal(outcome.Result)
		if err != nil {
			return serviceRun{err: newServiceError(opService, "result_encode_failed", err)}
		}
		run.result = encoded
	}
	return run
}

// runDetached executes an asynchronous handler outside the tenant queue,
// then queues its outcome so any mutation it produced is committed in order.
// A resubmission arriving while the same request runs waits for it and then
// replays its acknowledgement.
func (p *Pipeline) runDetached(j job) {
	key := requestKey{userID: j.unit.Origin.Subject.UserID, requestID: j.unit.RequestID}
	for {
		release, busy := p.claim(key)
		if busy == nil {
			j.release = release
			break
		}
		<-busy
	}
	audit, found, err := p.store.FindRequest(j.ctx, j.unit.Origin.Subject.UserID, j.unit.RequestID)
	if err != nil {
		p.fail(j, newServiceError(opService, "request_lookup_failed", err))
		return
	}
	if found {
		p.replay(j, audit)
		return
	}
	run := p.callService(j.ctx, j.unit)
	j.unit.prepared = &run
	if err := p.push(j.ctx, j); err != nil {
		p.fail(j, err)
	}
}

// claim reserves key for one detached run. When a run of key is already in
// flight it returns the channel closed once that run is acknowledged.
func (p *Pipeline) claim(key requestKey) (func(), <-chan struct{}) {
	p.claimsMu.Lock()
	defer p.claimsMu.Unlock()
	if busy, ok := p.claims[key]; ok {
		return nil, busy
	}
	settled := make(chan struct{})
	p.claims[key] = settled
	var once sync.Once
	return func() {
		once.Do(func() {
			p.claimsMu.Lock()
			delete(p.claims, key)
			p.claimsMu.Unlock()
			close(settled)
		})
	}, nil
}

func (p *Pipeline) resetSequence(_ context.Context, call ServiceCall) (ServiceOutcome, error) {
	name, _ := call.Input.Fields.String("Table")
	if name == "" {
		name = call.Input.Table
	}
	table, ok := p.schema.Table(name)
	if !ok {
		errs := schema.NewErrorSet()
		errs.AddField("Table", schema.ErrRequestUnknownTable, name)
		return ServiceOutcome{}, Reject(errs)
	}
	p.resync.RequestSnapshot(call.Origin.Subject.UserID, table.Name)
	return ServiceOutcome{Result: map[string]string{"table": table.Name}}, nil
}
