// Package client is a Go client for the hub websocket: it initializes a
// session, loads tables through lots and submits units.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/catchup"
	"github.com/MarcoPoloResearchLab/diffsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"github.com/gorilla/websocket"
	nanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

const (
	requestIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	requestIDLength   = 16
	writeWait         = 10 * time.Second
	notificationQueue = 256
)

var (
	// ErrStopped is returned once the server stopped the connection.
	ErrStopped = errors.New("client: connection stopped")
	// ErrNotAllowed is returned by Initialize when the server refused the session.
	ErrNotAllowed = errors.New("client: initialize refused")
	// ErrLoadRefused is returned by LoadTable when the server refused to
	// serve the table. Retrying on the same session will not help.
	ErrLoadRefused = errors.New("client: load refused")
	// ErrTransferStale is returned by LoadTable when the server rejected the
	// loadTableDone of a received transfer; the cursor did not move.
	ErrTransferStale = errors.New("client: transfer stale")
	// ErrUnconfirmed is returned by LoadTable when the server never answered
	// the loadTableDone.
	ErrUnconfirmed = errors.New("client: transfer not confirmed")
)

// Config describes how to reach the hub.
type Config struct {
	URL    string
	Token  string
	Header http.Header
	Retry  catchup.RetryPolicy
	// NotificationBuffer bounds the notifications waiting for the consumer,
	// 256 when zero.
	NotificationBuffer int
	Dialer             *websocket.Dialer
	Logger             *zap.Logger
}

// Acknowledgement is the server answer to a unit.
type Acknowledgement struct {
	Kind      string           `json:"kind"`
	RequestID string           `json:"requestId"`
	Label     string           `json:"label,omitempty"`
	Area      string           `json:"area,omitempty"`
	Tick      int64            `json:"tick,omitempty"`
	Service   string           `json:"service,omitempty"`
	Results   []Result         `json:"results,omitempty"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Errors    *schema.ErrorSet `json:"errors,omitempty"`
}

// Result is the outcome of one mutation of a unit.
type Result struct {
	Table    string           `json:"table"`
	Action   string           `json:"action"`
	Record   *records.Record  `json:"record,omitempty"`
	Deleted  bool             `json:"deleted,omitempty"`
	Identity json.RawMessage  `json:"identity,omitempty"`
	Errors   *schema.ErrorSet `json:"errors,omitempty"`
}

// Rejected reports whether the unit was refused.
func (a Acknowledgement) Rejected() bool {
	if a.Errors.HasErrors() {
		return true
	}
	for _, result := range a.Results {
		if result.Errors.HasErrors() {
			return true
		}
	}
	return false
}

// Client is one hub session. It is safe for concurrent use.
type Client struct {
	ws     *websocket.Conn
	retry  catchup.RetryPolicy
	logger *zap.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	acks        map[string]chan Acknowledgement
	loads       map[string]*tableLoad
	initialized chan protocol.Initialized
	stopReason  string

	notifications chan protocol.Notify
	dropped       atomic.Uint64
	done          chan struct{}
	closeOnce     sync.Once
}

// tableLoad is a LoadTable in progress. settled receives the server answer
// to its loadTableDone, or the refusal of the load.
type tableLoad struct {
	assembler *catchup.Assembler
	settled   chan error
}

func newTableLoad(table string, policy catchup.RetryPolicy) *tableLoad {
	return &tableLoad{assembler: catchup.NewAssembler(table, policy), settled: make(chan error, 1)}
}

func (l *tableLoad) settle(err error) {
	if err != nil {
		l.assembler.Fail(err)
	}
	select {
	case l.settled <- err:
	default:
	}
}

// Dial opens the websocket and starts reading frames.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	for key, values := range cfg.Header {
		header[key] = append([]string(nil), values...)
	}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	ws, response, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %d)", cfg.URL, err, response.StatusCode)
		}
		return nil, fmt.Errorf("client: dial %s: %w", cfg.URL, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := cfg.Retry
	if retry.Count <= 0 || retry.Interval <= 0 {
		retry = catchup.DefaultRetryPolicy()
	}
	buffer := cfg.NotificationBuffer
	if buffer <= 0 {
		buffer = notificationQueue
	}
	c := &Client{
		ws:            ws,
		retry:         retry,
		logger:        logger,
		acks:          make(map[string]chan Acknowledgement),
		loads:         make(map[string]*tableLoad),
		initialized:   make(chan protocol.Initialized, 1),
		notifications: make(chan protocol.Notify, buffer),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// NewRequestID returns a random idempotency key.
func NewRequestID() (string, error) {
	id, err := nanoid.Generate(requestIDAlphabet, requestIDLength)
	if err != nil {
		return "", fmt.Errorf("client: request id: %w", err)
	}
	return id, nil
}

// Notifications delivers the notify frames pushed by the server. When the
// consumer falls behind the oldest waiting notification is dropped; see
// DroppedNotifications.
func (c *Client) Notifications() <-chan protocol.Notify {
	return c.notifications
}

// DroppedNotifications counts the notifications discarded because the
// consumer fell behind. A consumer seeing it grow reloads its tables.
func (c *Client) DroppedNotifications() uint64 {
	return c.dropped.Load()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// StopReason is the reason of the stop frame received, if any.
func (c *Client) StopReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopReason
}

// Close ends the session.
func (c *Client) Close() error {
	c.shutdown()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return c.ws.Close()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Initialize opens the session on area.
func (c *Client) Initialize(ctx context.Context, area, moduleID string) (protocol.Initialized, error) {
	if err := c.send(protocol.OpInitialize, protocol.Initialize{Area: area, ModuleID: moduleID}); err != nil {
		return protocol.Initialized{}, err
	}
	select {
	case answer := <-c.initialized:
		if !answer.IsAllowed {
			return answer, fmt.Errorf("%w: %s", ErrNotAllowed, answer.Error)
		}
		return answer, nil
	case <-c.done:
		return protocol.Initialized{}, ErrStopped
	case <-ctx.Done():
		return protocol.Initialized{}, ctx.Err()
	}
}

// LoadTable brings the local copy of table up to date and confirms the
// transfer. It returns once the server acknowledged the confirmation. A
// previous unfinished transfer of the table is discarded.
func (c *Client) LoadTable(ctx context.Context, table string) (catchup.Transfer, error) {
	load := newTableLoad(table, c.retry)
	c.mu.Lock()
	c.loads[table] = load
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.loads[table] == load {
			delete(c.loads, table)
		}
		c.mu.Unlock()
	}()

	if err := c.send(protocol.OpLoadTable, protocol.LoadTable{Table: table}); err != nil {
		return catchup.Transfer{}, err
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	transfer, err := load.assembler.Wait(waitCtx)
	if err != nil {
		select {
		case <-c.done:
			return catchup.Transfer{}, ErrStopped
		default:
		}
		return catchup.Transfer{}, err
	}
	if err := c.send(protocol.OpLoadTableDone, protocol.LoadTableDone{Table: table, Tick: transfer.Tick}); err != nil {
		return catchup.Transfer{}, err
	}
	timer := time.NewTimer(c.retry.Deadline())
	defer timer.Stop()
	select {
	case err := <-load.settled:
		if err != nil {
			return catchup.Transfer{}, err
		}
		return transfer, nil
	case <-timer.C:
		return catchup.Transfer{}, fmt.Errorf("%w: %s at tick %d", ErrUnconfirmed, table, transfer.Tick)
	case <-c.done:
		return catchup.Transfer{}, ErrStopped
	case <-ctx.Done():
		return catchup.Transfer{}, ctx.Err()
	}
}

// Execute submits a single mutation. An empty requestID gets a fresh one.
func (c *Client) Execute(ctx context.Context, request protocol.Request) (Acknowledgement, error) {
	id, err := c.requestID(request.RequestID)
	if err != nil {
		return Acknowledgement{}, err
	}
	request.RequestID = id
	return c.roundTrip(ctx, id, protocol.OpExecuteRequest, request)
}

// ExecuteTransaction submits mutations committed all together or not at all.
func (c *Client) ExecuteTransaction(ctx context.Context, transaction protocol.Transaction) (Acknowledgement, error) {
	id, err := c.requestID(transaction.RequestID)
	if err != nil {
		return Acknowledgement{}, err
	}
	transaction.RequestID = id
	return c.roundTrip(ctx, id, protocol.OpExecuteTransaction, transaction)
}

// CallService invokes a named server service.
func (c *Client) CallService(ctx context.Context, service protocol.Service) (Acknowledgement, error) {
	id, err := c.requestID(service.RequestID)
	if err != nil {
		return Acknowledgement{}, err
	}
	service.RequestID = id
	return c.roundTrip(ctx, id, protocol.OpExecuteService, service)
}

func (c *Client) requestID(given string) (string, error) {
	if given != "" {
		return given, nil
	}
	return NewRequestID()
}

func (c *Client) roundTrip(ctx context.Context, requestID, op string, payload any) (Acknowledgement, error) {
	reply := make(chan Acknowledgement, 1)
	c.mu.Lock()
	c.acks[requestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, requestID)
		c.mu.Unlock()
	}()

	if err := c.send(op, payload); err != nil {
		return Acknowledgement{}, err
	}
	select {
	case ack := <-reply:
		return ack, nil
	case <-c.done:
		return Acknowledgement{}, ErrStopped
	case <-ctx.Done():
		return Acknowledgement{}, ctx.Err()
	}
}

func (c *Client) send(op string, payload any) error {
	frame, err := protocol.Encode(op, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame)
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		var frame protocol.Envelope
		if err := c.ws.ReadJSON(&frame); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("read ended", zap.Error(err))
			}
			return
		}
		if stop := c.dispatch(frame); stop {
			return
		}
	}
}

func (c *Client) dispatch(frame protocol.Envelope) bool {
	switch frame.Type {
	case protocol.TypePing:
		if err := c.send(protocol.OpPong, nil); err != nil {
			c.logger.Debug("pong failed", zap.Error(err))
		}
	case protocol.TypeInitialized:
		var answer protocol.Initialized
		if err := frame.Payload(&answer); err != nil {
			c.logger.Warn("bad initialized frame", zap.Error(err))
			return false
		}
		select {
		case c.initialized <- answer:
		default:
		}
	case protocol.TypeLot:
		var lot protocol.Lot
		if err := frame.Payload(&lot); err != nil {
			c.logger.Warn("bad lot frame", zap.Error(err))
			return false
		}
		load := c.load(lot.Table)
		if load == nil {
			return false
		}
		if err := load.assembler.Add(lot); err != nil {
			c.logger.Warn("lot refused", zap.String("table", lot.Table), zap.Error(err))
		}
	case protocol.TypeTableLoaded:
		var loaded protocol.TableLoaded
		if err := frame.Payload(&loaded); err != nil {
			c.logger.Warn("bad tableLoaded frame", zap.Error(err))
			return false
		}
		if load := c.load(loaded.Table); load != nil {
			load.settle(nil)
		}
	case protocol.TypeAcknowledgeRequest, protocol.TypeAcknowledgeTransaction, protocol.TypeAcknowledgeService:
		var ack Acknowledgement
		if err := frame.Payload(&ack); err != nil {
			c.logger.Warn("bad acknowledgement", zap.Error(err))
			return false
		}
		c.mu.Lock()
		reply := c.acks[ack.RequestID]
		c.mu.Unlock()
		if reply != nil {
			select {
			case reply <- ack:
			default:
			}
		}
	case protocol.TypeNotify:
		var notify protocol.Notify
		if err := frame.Payload(&notify); err != nil {
			c.logger.Warn("bad notify frame", zap.Error(err))
			return false
		}
		c.deliver(notify)
	case protocol.TypeStop:
		var stop protocol.Stop
		_ = frame.Payload(&stop)
		c.mu.Lock()
		c.stopReason = stop.Reason
		c.mu.Unlock()
		return true
	case protocol.TypeError:
		var failure protocol.Error
		_ = frame.Payload(&failure)
		c.logger.Warn("server error",
			zap.String("code", failure.Code),
			zap.String("message", failure.Message),
			zap.String("table", failure.Table),
		)
		if failure.Table == "" {
			return false
		}
		if load := c.load(failure.Table); load != nil {
			cause := ErrLoadRefused
			if failure.Code == schema.ErrConnectionStale {
				cause = ErrTransferStale
			}
			load.settle(fmt.Errorf("%w: %s %s: %s", cause, failure.Table, failure.Code, failure.Message))
		}
	}
	return false
}

func (c *Client) load(table string) *tableLoad {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads[table]
}

// deliver queues notify without blocking the read loop, discarding the
// oldest waiting notification when the queue is full.
func (c *Client) deliver(notify protocol.Notify) {
	for {
		select {
		case c.notifications <- notify:
			return
		default:
		}
		select {
		case dropped := <-c.notifications:
			c.dropped.Add(1)
			c.logger.Warn("notification dropped", zap.Int64("tick", dropped.Tick), zap.String("label", dropped.Label))
		default:
		}
	}
}
