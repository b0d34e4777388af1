package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/diffsync/internal/hub"
	"github.com/MarcoPoloResearchLab/diffsync/internal/pipeline"
	"github.com/MarcoPoloResearchLab/diffsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"github.com/MarcoPoloResearchLab/diffsync/internal/visibility"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	errCodeBadFrame       = "ERR_BAD_FRAME"
	errCodeNotInitialized = "ERR_NOT_INITIALIZED"
	errCodeUnknownOp      = "ERR_UNKNOWN_OPERATION"
	errCodeLoadFailed     = "ERR_LOAD_TABLE"
	errCodeQueueClosed    = "ERR_QUEUE_UNAVAILABLE"
)

func (h *httpHandler) handleHub(c *gin.Context) {
	account, ok := accountFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		h.logger.Error("connection id generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "connection_id_failed"})
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := hub.NewConnection(id.String(), account.Subject(""), h.hub.SendBuffer())
	h.hub.Register(conn)
	h.logger.Info("connection opened",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", account.UserID),
		zap.Int64("customer_id", account.CustomerID),
	)
	h.hub.Serve(context.WithoutCancel(c.Request.Context()), ws, conn, h.handleFrame)
	h.logger.Info("connection closed", zap.String("connection_id", conn.ID()), zap.String("reason", conn.StopReason()))
}

// handleFrame dispatches one client frame. Units are enqueued without
// waiting; their acknowledgement reaches the connection through the hub.
func (h *httpHandler) handleFrame(ctx context.Context, conn *hub.Connection, frame protocol.Envelope) {
	if frame.Type == protocol.OpInitialize {
		h.initialize(conn, frame)
		return
	}
	if !conn.Initialized() {
		h.sendError(conn, errCodeNotInitialized, "initialize first")
		return
	}
	switch frame.Type {
	case protocol.OpLoadTable:
		h.loadTable(ctx, conn, frame)
	case protocol.OpLoadTableDone:
		h.loadTableDone(ctx, conn, frame)
	case protocol.OpExecuteRequest:
		var payload protocol.Request
		if !h.decode(conn, frame, &payload) {
			return
		}
		h.enqueue(ctx, conn, pipeline.Unit{
			Kind:      pipeline.KindRequest,
			RequestID: payload.RequestID,
			Label:     payload.Label,
			Origin:    origin(conn),
			Requests:  []pipeline.Request{mutation(payload)},
		})
	case protocol.OpExecuteTransaction:
		var payload protocol.Transaction
		if !h.decode(conn, frame, &payload) {
			return
		}
		requests := make([]pipeline.Request, 0, len(payload.Requests))
		for _, request := range payload.Requests {
			requests = append(requests, mutation(request))
		}
		h.enqueue(ctx, conn, pipeline.Unit{
			Kind:         pipeline.KindTransaction,
			RequestID:    payload.RequestID,
			Label:        payload.Label,
			Origin:       origin(conn),
			Requests:     requests,
			NotifyOrigin: payload.NotifyOrigin,
		})
	case protocol.OpExecuteService:
		var payload protocol.Service
		if !h.decode(conn, frame, &payload) {
			return
		}
		h.enqueue(ctx, conn, pipeline.Unit{
			Kind:        pipeline.KindService,
			RequestID:   payload.RequestID,
			Origin:      origin(conn),
			Service:     payload.Service,
			Input:       records.Record{ID: payload.Record.ID, Fields: payload.Record.Fields},
			Identity:    payload.Identity,
			Synchronous: payload.Synchronous,
		})
	default:
		h.sendError(conn, errCodeUnknownOp, frame.Type)
	}
}

func (h *httpHandler) initialize(conn *hub.Connection, frame protocol.Envelope) {
	var payload protocol.Initialize
	if !h.decode(conn, frame, &payload) {
		return
	}
	subject := conn.Subject()
	if subject.Profile == schema.ProfileNone || !h.schema.HasArea(payload.Area) {
		h.hub.Send(conn.ID(), protocol.MustEncode(protocol.TypeInitialized, protocol.Initialized{
			IsAllowed: false,
			Error:     schema.ErrRequestNotAllowed,
		}))
		return
	}
	subject = conn.Initialize(payload.Area, payload.ModuleID)
	h.hub.Send(conn.ID(), protocol.MustEncode(protocol.TypeInitialized, protocol.Initialized{
		IsAllowed:    true,
		ConnectionID: conn.ID(),
		UserID:       subject.UserID,
		Profile:      subject.Profile.String(),
		Area:         subject.Area,
	}))
}

func (h *httpHandler) loadTable(ctx context.Context, conn *hub.Connection, frame protocol.Envelope) {
	var payload protocol.LoadTable
	if !h.decode(conn, frame, &payload) {
		return
	}
	lots, err := h.catchup.LoadTable(ctx, viewer(conn), payload.Table)
	if err != nil {
		h.sendTableError(conn, payload.Table, errCodeLoadFailed, err.Error())
		return
	}
	for _, lot := range lots {
		if !h.hub.Send(conn.ID(), protocol.MustEncode(protocol.TypeLot, lot)) {
			return
		}
	}
}

func (h *httpHandler) loadTableDone(ctx context.Context, conn *hub.Connection, frame protocol.Envelope) {
	var payload protocol.LoadTableDone
	if !h.decode(conn, frame, &payload) {
		return
	}
	if err := h.catchup.Complete(ctx, viewer(conn), payload.Table, payload.Tick); err != nil {
		h.sendTableError(conn, payload.Table, schema.ErrConnectionStale, err.Error())
		return
	}
	h.hub.Send(conn.ID(), protocol.MustEncode(protocol.TypeTableLoaded, protocol.TableLoaded{Table: payload.Table, Tick: payload.Tick}))
}

func (h *httpHandler) enqueue(ctx context.Context, conn *hub.Connection, unit pipeline.Unit) {
	if _, err := h.units.Enqueue(ctx, unit); err != nil {
		h.logger.Warn("unit refused",
			zap.String("connection_id", conn.ID()),
			zap.String("request_id", unit.RequestID),
			zap.Error(err),
		)
		code := errCodeBadFrame
		if errors.Is(err, pipeline.ErrClosed) {
			code = errCodeQueueClosed
		}
		h.sendError(conn, code, err.Error())
	}
}

func (h *httpHandler) decode(conn *hub.Connection, frame protocol.Envelope, target any) bool {
	if err := frame.Payload(target); err != nil {
		h.sendError(conn, errCodeBadFrame, err.Error())
		return false
	}
	return true
}

func (h *httpHandler) sendError(conn *hub.Connection, code, message string) {
	h.sendTableError(conn, "", code, message)
}

func (h *httpHandler) sendTableError(conn *hub.Connection, table, code, message string) {
	h.hub.Send(conn.ID(), protocol.MustEncode(protocol.TypeError, protocol.Error{Code: code, Message: message, Table: table}))
}

func origin(conn *hub.Connection) pipeline.Origin {
	return pipeline.Origin{ConnectionID: conn.ID(), Subject: conn.Subject()}
}

func viewer(conn *hub.Connection) visibility.Viewer {
	return visibility.Viewer{ConnectionID: conn.ID(), Subject: conn.Subject()}
}

// mutation converts a wire request. Unknown actions are kept verbatim so
// the pipeline reports them.
func mutation(request protocol.Request) pipeline.Request {
	action, err := schema.ParseAction(request.Action)
	if err != nil {
		action = schema.Action(request.Action)
	}
	return pipeline.Request{
		Table:    request.Table,
		Action:   action,
		ID:       request.Record.ID,
		Fields:   request.Record.Fields,
		Identity: request.Identity,
	}
}
