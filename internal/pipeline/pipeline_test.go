package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"github.com/MarcoPoloResearchLab/diffsync/internal/store"
	"github.com/MarcoPoloResearchLab/diffsync/internal/visibility"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu      sync.Mutex
	viewers []visibility.Viewer
	frames  map[string][]protocol.Envelope
}

func newRecordingNotifier(viewers ...visibility.Viewer) *recordingNotifier {
	return &recordingNotifier{viewers: viewers, frames: make(map[string][]protocol.Envelope)}
}

func (n *recordingNotifier) Viewers(customerID int64) []visibility.Viewer {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []visibility.Viewer
	for _, viewer := range n.viewers {
		if viewer.Subject.CustomerID == customerID {
			out = append(out, viewer)
		}
	}
	return out
}

func (n *recordingNotifier) Send(connectionID string, frames ...protocol.Envelope) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frames[connectionID] = append(n.frames[connectionID], frames...)
	return true
}

func (n *recordingNotifier) types(connectionID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, frame := range n.frames[connectionID] {
		out = append(out, frame.Type)
	}
	return out
}

func (n *recordingNotifier) last(connectionID, frameType string) (protocol.Envelope, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	frames := n.frames[connectionID]
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == frameType {
			return frames[i], true
		}
	}
	return protocol.Envelope{}, false
}

type flakyStore struct {
	*store.Store
	failures atomic.Int32
}

func (f *flakyStore) Commit(ctx context.Context, batch store.Batch) (store.Committed, error) {
	if f.failures.Add(-1) >= 0 {
		return store.Committed{}, errors.New("disk full")
	}
	return f.Store.Commit(ctx, batch)
}

type recordingResyncer struct {
	mu        sync.Mutex
	requested []string
}

func (r *recordingResyncer) RequestSnapshot(userID, table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requested = append(r.requested, userID+"/"+table)
}

func (r *recordingResyncer) snapshots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requested...)
}

type harness struct {
	pipeline *Pipeline
	store    *store.Store
	notifier *recordingNotifier
	resync   *recordingResyncer
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:pipeline_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := store.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	s, err := store.New(store.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return s
}

func newHarness(t *testing.T, storage Storage, s *store.Store, viewers ...visibility.Viewer) *harness {
	t.Helper()
	compiled := schema.MustCompile(schema.DefaultDescription())
	closure, err := visibility.New(visibility.Config{Schema: compiled, Loader: s})
	if err != nil {
		t.Fatalf("failed to build closure cache: %v", err)
	}
	notifier := newRecordingNotifier(viewers...)
	resync := &recordingResyncer{}
	p, err := New(Config{Schema: compiled, Store: storage, Closure: closure, Notifier: notifier, Resync: resync})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	t.Cleanup(p.Close)
	return &harness{pipeline: p, store: s, notifier: notifier, resync: resync}
}

func newDefaultHarness(t *testing.T, viewers ...visibility.Viewer) *harness {
	t.Helper()
	s := newTestStore(t)
	return newHarness(t, s, s, viewers...)
}

func admin(userID string) Origin {
	return Origin{
		ConnectionID: "conn-" + userID,
		Subject:      schema.Subject{CustomerID: 1, UserID: userID, Profile: schema.ProfileAdministrator, Area: "Administration"},
	}
}

func member(userID string) Origin {
	return Origin{
		ConnectionID: "conn-" + userID,
		Subject:      schema.Subject{CustomerID: 1, UserID: userID, Profile: schema.ProfileUser, Area: "Catalog"},
	}
}

func viewerOf(origin Origin) visibility.Viewer {
	return visibility.Viewer{ConnectionID: origin.ConnectionID, Subject: origin.Subject}
}

func createRequest(table string, fields records.Fields) Request {
	return Request{Table: table, Action: schema.ActionCreate, Fields: fields}
}

func submit(t *testing.T, p *Pipeline, unit Unit) Acknowledgement {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ack, err := p.Submit(ctx, unit)
	if err != nil {
		t.Fatalf("submit %s failed: %v", unit.RequestID, err)
	}
	return ack
}

func single(origin Origin, requestID string, request Request) Unit {
	return Unit{Kind: KindRequest, RequestID: requestID, Origin: origin, Requests: []Request{request}}
}

func TestRequestCommitsAndNotifiesOtherViewers(t *testing.T) {
	author := admin("alice")
	reader := member("bob")
	h := newDefaultHarness(t, viewerOf(author), viewerOf(reader))

	ack := submit(t, h.pipeline, single(author, "r-1", createRequest("Language", records.Fields{"Key": "fr", "Label": "French"})))
	if ack.Rejected() {
		t.Fatalf("unexpected rejection: %s", ack.Payload)
	}
	if ack.Tick != 1 || len(ack.Results) != 1 || ack.Results[0].Record == nil || ack.Results[0].Record.ID == 0 {
		t.Fatalf("unexpected acknowledgement %s", ack.Payload)
	}

	got := h.notifier.types(reader.ConnectionID)
	want := []string{protocol.TypeBeginNotification, protocol.TypeNotify, protocol.TypeEndNotification}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("reader frames = %v, want %v", got, want)
	}
	frame, _ := h.notifier.last(reader.ConnectionID, protocol.TypeNotify)
	var notify protocol.Notify
	if err := frame.Payload(&notify); err != nil {
		t.Fatalf("decode notify: %v", err)
	}
	if notify.Tick != 1 || notify.UserID != "alice" || len(notify.Items) != 1 || notify.Items[0].Table != "Language" {
		t.Fatalf("unexpected notification %+v", notify)
	}

	origin := h.notifier.types(author.ConnectionID)
	if len(origin) != 1 || origin[0] != protocol.TypeAcknowledgeRequest {
		t.Fatalf("origin should only receive its acknowledgement, got %v", origin)
	}
}

func TestNotifyOriginIncludesOwnChanges(t *testing.T) {
	author := admin("alice")
	h := newDefaultHarness(t, viewerOf(author))

	unit := Unit{
		Kind:         KindTransaction,
		RequestID:    "t-1",
		Origin:       author,
		NotifyOrigin: true,
		Requests:     []Request{createRequest("Language", records.Fields{"Key": "it", "Label": "Italian"})},
	}
	submit(t, h.pipeline, unit)

	got := h.notifier.types(author.ConnectionID)
	want := []string{protocol.TypeAcknowledgeTransaction, protocol.TypeBeginNotification, protocol.TypeNotify, protocol.TypeEndNotification}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("origin frames = %v, want %v", got, want)
	}
}

func TestValidationErrorsRejectWithoutCommitting(t *testing.T) {
	h := newDefaultHarness(t)

	ack := submit(t, h.pipeline, single(admin("alice"), "r-1", createRequest("Language", records.Fields{"Key": "fr"})))
	if !ack.Rejected() || !ack.Results[0].Errors.HasField("Label", schema.ErrFieldRequired) {
		t.Fatalf("expected a required error on Label, got %s", ack.Payload)
	}
	if ack.Results[0].Record != nil || ack.Tick != 0 {
		t.Fatalf("a rejection must not carry committed data: %s", ack.Payload)
	}
	tick, err := h.store.MaxTick(context.Background(), 1, "Language")
	if err != nil || tick != 0 {
		t.Fatalf("nothing should be committed, tick=%d err=%v", tick, err)
	}
}

func TestAllowRulesRefuseUnprivilegedProfiles(t *testing.T) {
	h := newDefaultHarness(t)

	ack := submit(t, h.pipeline, single(member("bob"), "r-1", createRequest("Language", records.Fields{"Key": "fr", "Label": "French"})))
	if !ack.Results[0].Errors.Has(schema.ErrRequestNotAllowed) {
		t.Fatalf("expected ERR_REQUEST_NOT_ALLOWED, got %s", ack.Payload)
	}

	ack = submit(t, h.pipeline, single(member("bob"), "r-2", createRequest("Unknown", records.Fields{})))
	if !ack.Results[0].Errors.Has(schema.ErrRequestUnknownTable) {
		t.Fatalf("expected ERR_REQUEST_UNKNOWN_TABLE, got %s", ack.Payload)
	}
}

func TestResubmittedRequestReplaysStoredAcknowledgement(t *testing.T) {
	h := newDefaultHarness(t)
	unit := single(admin("alice"), "r-1", createRequest("Parameter", records.Fields{"Key": "vat", "Value": "20"}))

	first := submit(t, h.pipeline, unit)
	second := submit(t, h.pipeline, unit)
	if !second.Replayed || first.Replayed {
		t.Fatalf("only the second submission is a replay")
	}
	if !bytes.Equal(first.Payload, second.Payload) {
		t.Fatalf("replayed acknowledgement differs:\n%s\n%s", first.Payload, second.Payload)
	}
	live, err := h.store.ListLive(context.Background(), 1, "Parameter")
	if err != nil || len(live) != 1 {
		t.Fatalf("replay must not commit twice, live=%d err=%v", len(live), err)
	}

	rejected := single(admin("alice"), "r-2", createRequest("Parameter", records.Fields{}))
	submit(t, h.pipeline, rejected)
	again := submit(t, h.pipeline, rejected)
	if !again.Replayed || !again.Rejected() {
		t.Fatalf("rejections are replayed too, got %s", again.Payload)
	}
}

func TestTransactionIsAllOrNothing(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	category := submit(t, h.pipeline, single(admin("alice"), "r-1", createRequest("Category", records.Fields{"Name": "Tools"})))
	categoryID := category.Results[0].Record.ID

	ack := submit(t, h.pipeline, Unit{
		Kind:      KindTransaction,
		RequestID: "t-1",
		Origin:    admin("alice"),
		Requests: []Request{
			createRequest("Item", records.Fields{"Name": "Hammer", "CategoryId": categoryID}),
			createRequest("Item", records.Fields{"Name": "Saw", "CategoryId": categoryID, "ContactEmail": "not-an-email"}),
		},
	})
	if !ack.Rejected() {
		t.Fatalf("transaction should be rejected: %s", ack.Payload)
	}
	if ack.Results[0].Errors.HasErrors() || !ack.Results[1].Errors.HasField("ContactEmail", schema.ErrFieldEmail) {
		t.Fatalf("errors must be reported on the failing request only: %s", ack.Payload)
	}
	items, err := h.store.ListLive(ctx, 1, "Item")
	if err != nil || len(items) != 0 {
		t.Fatalf("no item may be committed, got %d (err=%v)", len(items), err)
	}

	ack = submit(t, h.pipeline, Unit{
		Kind:      KindTransaction,
		RequestID: "t-2",
		Origin:    admin("alice"),
		Requests: []Request{
			createRequest("Item", records.Fields{"Name": "Hammer", "CategoryId": categoryID}),
			createRequest("Item", records.Fields{"Name": "Saw", "CategoryId": categoryID}),
		},
	})
	if ack.Rejected() || ack.Tick != 2 {
		t.Fatalf("expected both items in tick 2: %s", ack.Payload)
	}
}

func TestConcurrentUniqueKeysCommitExactlyOnce(t *testing.T) {
	h := newDefaultHarness(t)

	var wg sync.WaitGroup
	acks := make([]Acknowledgement, 2)
	for i, user := range []string{"alice", "carol"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			acks[i] = submit(t, h.pipeline, single(admin(user), "r-1", createRequest("Parameter", records.Fields{"Key": "currency", "Value": user})))
		}(i, user)
	}
	wg.Wait()

	committed, rejected := 0, 0
	for _, ack := range acks {
		switch {
		case ack.Rejected():
			rejected++
			if !ack.Results[0].Errors.HasField("Key", schema.ErrFieldUnique) {
				t.Fatalf("expected a unique error on Key, got %s", ack.Payload)
			}
		default:
			committed++
		}
	}
	if committed != 1 || rejected != 1 {
		t.Fatalf("expected one commit and one rejection, got %d/%d", committed, rejected)
	}
}

func TestDeleteRespectsReferences(t *testing.T) {
	h := newDefaultHarness(t)

	category := submit(t, h.pipeline, single(admin("alice"), "r-1", createRequest("Category", records.Fields{"Name": "Tools"})))
	categoryID := category.Results[0].Record.ID
	item := submit(t, h.pipeline, single(admin("alice"), "r-2", createRequest("Item", records.Fields{"Name": "Hammer", "CategoryId": categoryID})))
	itemID := item.Results[0].Record.ID

	ack := submit(t, h.pipeline, single(admin("alice"), "r-3", Request{Table: "Category", Action: schema.ActionDelete, ID: categoryID}))
	if !ack.Results[0].Errors.Has(schema.ErrRecordReferenced) {
		t.Fatalf("expected ERR_RECORD_REFERENCED, got %s", ack.Payload)
	}

	ack = submit(t, h.pipeline, Unit{
		Kind:      KindTransaction,
		RequestID: "t-1",
		Origin:    admin("alice"),
		Requests: []Request{
			{Table: "Item", Action: schema.ActionDelete, ID: itemID},
			{Table: "Category", Action: schema.ActionDelete, ID: categoryID},
		},
	})
	if ack.Rejected() || !ack.Results[0].Deleted || !ack.Results[1].Deleted {
		t.Fatalf("child and parent should be deleted together: %s", ack.Payload)
	}

	ack = submit(t, h.pipeline, single(admin("alice"), "r-4", Request{Table: "Category", Action: schema.ActionDelete, ID: categoryID}))
	if !ack.Results[0].Errors.Has(schema.ErrRecordMissing) {
		t.Fatalf("expected ERR_RECORD_MISSING, got %s", ack.Payload)
	}
}

func TestRepeatedUpdatesInOneTransactionBuildOnEachOther(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	created := submit(t, h.pipeline, single(admin("alice"), "r-1", createRequest("Parameter", records.Fields{"Key": "a1", "Value": "v1"})))
	id := created.Results[0].Record.ID

	ack := submit(t, h.pipeline, Unit{
		Kind:      KindTransaction,
		RequestID: "t-1",
		Origin:    admin("alice"),
		Requests: []Request{
			{Table: "Parameter", Action: schema.ActionUpdate, ID: id, Fields: records.Fields{"Key": "a2"}},
			{Table: "Parameter", Action: schema.ActionUpdate, ID: id, Fields: records.Fields{"Value": "v2"}},
		},
	})
	if ack.Rejected() {
		t.Fatalf("transaction rejected: %s", ack.Payload)
	}
	final := ack.Results[1].Record.Fields
	if key, _ := final.String("Key"); key != "a2" {
		t.Fatalf("second update lost the first one: %v", final)
	}

	entry, err := h.store.Get(ctx, 1, "Parameter", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	key, _ := entry.Record.Fields.String("Key")
	value, _ := entry.Record.Fields.String("Value")
	if key != "a2" || value != "v2" {
		t.Fatalf("stored record should carry both updates, got %v", entry.Record.Fields)
	}

	freed := submit(t, h.pipeline, single(admin("sam"), "r-2", createRequest("Parameter", records.Fields{"Key": "a1"})))
	if freed.Rejected() {
		t.Fatalf("the old key should be free again: %s", freed.Payload)
	}
	taken := submit(t, h.pipeline, single(admin("sam"), "r-3", createRequest("Parameter", records.Fields{"Key": "a2"})))
	if !taken.Results[0].Errors.HasField("Key", schema.ErrFieldUnique) {
		t.Fatalf("the new key is held by the updated record: %s", taken.Payload)
	}

	ack = submit(t, h.pipeline, Unit{
		Kind:      KindTransaction,
		RequestID: "t-2",
		Origin:    admin("alice"),
		Requests: []Request{
			{Table: "Parameter", Action: schema.ActionUpdate, ID: id, Fields: records.Fields{"Key": "a3"}},
			{Table: "Parameter", Action: schema.ActionDelete, ID: id},
		},
	})
	if ack.Rejected() || !ack.Results[1].Deleted {
		t.Fatalf("update then delete should commit: %s", ack.Payload)
	}
	reuse := submit(t, h.pipeline, single(admin("sam"), "r-4", createRequest("Parameter", records.Fields{"Key": "a2"})))
	if reuse.Rejected() {
		t.Fatalf("keys of a deleted record should be free: %s", reuse.Payload)
	}
}

func TestUpdateMergesFieldsAndStripsRestrictedColumns(t *testing.T) {
	owner := member("bob")
	h := newDefaultHarness(t)

	created := submit(t, h.pipeline, single(owner, "r-1", createRequest("Item", records.Fields{"Name": "Lamp", "OwnerId": "bob", "Notes": "secret"})))
	if created.Rejected() {
		t.Fatalf("owner may create its item: %s", created.Payload)
	}
	record := created.Results[0].Record
	if _, ok := record.Fields["Notes"]; ok {
		t.Fatalf("restricted column leaked to its author: %s", created.Payload)
	}

	updated := submit(t, h.pipeline, single(owner, "r-2", Request{Table: "Item", Action: schema.ActionUpdate, ID: record.ID, Fields: records.Fields{"Name": "Desk lamp"}}))
	if updated.Rejected() {
		t.Fatalf("update rejected: %s", updated.Payload)
	}
	entry, err := h.store.Get(context.Background(), 1, "Item", record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if name, _ := entry.Record.Fields.String("Name"); name != "Desk lamp" {
		t.Fatalf("name not updated: %v", entry.Record.Fields)
	}
	if notes, _ := entry.Record.Fields.String("Notes"); notes != "secret" {
		t.Fatalf("merge lost untouched fields: %v", entry.Record.Fields)
	}

	stolen := submit(t, h.pipeline, single(owner, "r-3", Request{Table: "Item", Action: schema.ActionUpdate, ID: record.ID, Fields: records.Fields{"OwnerId": "carol"}}))
	if !stolen.Results[0].Errors.Has(schema.ErrRequestNotAllowed) {
		t.Fatalf("handing the item to someone else must be refused: %s", stolen.Payload)
	}
}

func TestUnexpectedErrorsKeepTheWorkerAlive(t *testing.T) {
	s := newTestStore(t)
	flaky := &flakyStore{Store: s}
	flaky.failures.Store(1)
	h := newHarness(t, flaky, s)

	unit := single(admin("alice"), "r-1", createRequest("Parameter", records.Fields{"Key": "vat"}))
	ack := submit(t, h.pipeline, unit)
	if !ack.Errors.Has(schema.ErrUnexpected) {
		t.Fatalf("expected ERR_UNEXPECTED, got %s", ack.Payload)
	}

	ack = submit(t, h.pipeline, unit)
	if ack.Rejected() || ack.Replayed || ack.Tick != 1 {
		t.Fatalf("a failed unit may be retried under the same id: %s", ack.Payload)
	}

	h.pipeline.RegisterService("Explode", func(context.Context, ServiceCall) (ServiceOutcome, error) {
		panic("boom")
	})
	ack = submit(t, h.pipeline, Unit{Kind: KindService, RequestID: "s-1", Origin: admin("alice"), Service: "Explode", Synchronous: true})
	if !ack.Errors.Has(schema.ErrUnexpected) {
		t.Fatalf("a panicking service must fail the unit, got %s", ack.Payload)
	}
	ack = submit(t, h.pipeline, single(admin("alice"), "r-2", createRequest("Parameter", records.Fields{"Key": "rate"})))
	if ack.Rejected() {
		t.Fatalf("worker should survive a panic: %s", ack.Payload)
	}
}

func TestServices(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	ack := submit(t, h.pipeline, Unit{Kind: KindService, RequestID: "s-1", Origin: admin("alice"), Service: "Missing", Synchronous: true})
	if !ack.Errors.Has(schema.ErrServiceUnknown) {
		t.Fatalf("expected ERR_SERVICE_UNKNOWN, got %s", ack.Payload)
	}

	if err := h.store.AdvanceCursor(ctx, "alice", "Language", 7); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	ack = submit(t, h.pipeline, Unit{
		Kind:        KindService,
		RequestID:   "s-2",
		Origin:      admin("alice"),
		Service:     ServiceResetSequence,
		Input:       records.Record{Fields: records.Fields{"Table": "Language"}},
		Synchronous: true,
	})
	if ack.Rejected() || string(ack.Result) != `{"table":"Language"}` {
		t.Fatalf("unexpected reset acknowledgement %s", ack.Payload)
	}
	cursor, err := h.store.Cursor(ctx, "alice", "Language")
	if err != nil || cursor != 7 {
		t.Fatalf("reset must leave the cursor alone, got %d (err=%v)", cursor, err)
	}
	if got := h.resync.snapshots(); len(got) != 1 || got[0] != "alice/Language" {
		t.Fatalf("expected one snapshot request for alice/Language, got %v", got)
	}

	h.pipeline.RegisterService("Seed", func(_ context.Context, call ServiceCall) (ServiceOutcome, error) {
		key, _ := call.Input.Fields.String("Key")
		return ServiceOutcome{
			Result:   map[string]string{"seeded": key},
			Requests: []Request{createRequest("Parameter", records.Fields{"Key": key, "Value": "on"})},
		}, nil
	})
	ack = submit(t, h.pipeline, Unit{
		Kind:      KindService,
		RequestID: "s-3",
		Origin:    admin("alice"),
		Service:   "Seed",
		Input:     records.Record{Fields: records.Fields{"Key": "feature"}},
	})
	if ack.Rejected() || ack.Tick != 1 || len(ack.Results) != 1 || string(ack.Result) != `{"seeded":"feature"}` {
		t.Fatalf("asynchronous service should commit its mutations: %s", ack.Payload)
	}
}

func TestConcurrentResubmissionsOfAnAsyncServiceRunItOnce(t *testing.T) {
	h := newDefaultHarness(t)
	var calls atomic.Int32
	gate := make(chan struct{})
	h.pipeline.RegisterService("Provision", func(_ context.Context, call ServiceCall) (ServiceOutcome, error) {
		calls.Add(1)
		<-gate
		return ServiceOutcome{Requests: []Request{createRequest("Parameter", records.Fields{"Key": "provisioned", "Value": "on"})}}, nil
	})

	unit := Unit{Kind: KindService, RequestID: "p-1", Origin: admin("alice"), Service: "Provision"}
	ctx := context.Background()
	first, err := h.pipeline.Enqueue(ctx, unit)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := h.pipeline.Enqueue(ctx, unit)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)

	acks := make([]Acknowledgement, 0, 2)
	for _, reply := range []<-chan Acknowledgement{first, second} {
		select {
		case ack := <-reply:
			acks = append(acks, ack)
		case <-time.After(5 * time.Second):
			t.Fatal("acknowledgement missing")
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("handler should run once, ran %d times", got)
	}
	if acks[0].Replayed == acks[1].Replayed {
		t.Fatalf("exactly one acknowledgement should be a replay: %s / %s", acks[0].Payload, acks[1].Payload)
	}
	if acks[0].Tick != 1 || acks[1].Tick != 1 {
		t.Fatalf("both acknowledgements should carry tick 1: %s / %s", acks[0].Payload, acks[1].Payload)
	}
}

func TestEnqueueRefusesInvalidUnitsAndClosedPipeline(t *testing.T) {
	h := newDefaultHarness(t)
	ctx := context.Background()

	if _, err := h.pipeline.Enqueue(ctx, Unit{Kind: KindRequest, RequestID: "r-1", Origin: admin("alice")}); !errors.Is(err, errInvalidUnit) {
		t.Fatalf("expected invalid unit error, got %v", err)
	}
	h.pipeline.Close()
	_, err := h.pipeline.Enqueue(ctx, single(admin("alice"), "r-2", createRequest("Parameter", records.Fields{"Key": "x"})))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
