package hub

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// FrameHandler processes one decoded client frame. It runs on the reader
// goroutine, so frames of a connection are handled in arrival order.
type FrameHandler func(ctx context.Context, conn *Connection, frame protocol.Envelope)

// Serve pumps frames between ws and conn until either side closes. conn must
// already be registered. Serve returns once both pumps have stopped.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, conn *Connection, handle FrameHandler) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ws, conn)
	}()

	h.readPump(ctx, ws, conn, handle)
	h.Unregister(conn.ID())
	conn.close("")
	<-writerDone
}

func (h *Hub) readPump(ctx context.Context, ws *websocket.Conn, conn *Connection, handle FrameHandler) {
	ws.SetReadLimit(maxMessageSize)
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			h.logReadError(conn, err)
			return
		}
		select {
		case <-conn.Done():
			return
		default:
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		h.Touch(conn.ID())
		frame, err := protocol.Decode(data)
		if err != nil {
			h.logger.Info("malformed frame", zap.String("connection_id", conn.ID()), zap.Error(err))
			h.Send(conn.ID(), protocol.MustEncode(protocol.TypeError, protocol.Error{Code: "ERR_BAD_FRAME", Message: err.Error()}))
			continue
		}
		if frame.Type == protocol.OpPong {
			continue
		}
		handle(ctx, conn, frame)
	}
}

func (h *Hub) logReadError(conn *Connection, err error) {
	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		h.logger.Debug("peer closed", zap.String("connection_id", conn.ID()))
	case errors.As(err, &netErr) && netErr.Timeout():
		h.logger.Info("read timeout", zap.String("connection_id", conn.ID()), zap.Error(err))
	default:
		select {
		case <-conn.Done():
		default:
			h.logger.Info("read failed", zap.String("connection_id", conn.ID()), zap.Error(err))
		}
	}
}

// writePump is the only goroutine writing to ws. On close it writes a stop
// frame when the server initiated the close; queued frames are dropped.
func (h *Hub) writePump(ws *websocket.Conn, conn *Connection) {
	defer ws.Close()
	for {
		select {
		case frame := <-conn.send:
			if err := writeFrame(ws, frame); err != nil {
				h.logger.Info("write failed", zap.String("connection_id", conn.ID()), zap.Error(err))
				h.Unregister(conn.ID())
				conn.close("")
				return
			}
		case <-conn.Done():
			if reason := conn.StopReason(); reason != "" {
				_ = writeFrame(ws, protocol.MustEncode(protocol.TypeStop, protocol.Stop{Reason: reason}))
			}
			_ = ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, conn.StopReason()),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

func writeFrame(ws *websocket.Conn, frame protocol.Envelope) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteJSON(frame)
}
