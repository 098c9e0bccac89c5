package apis

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/httppush/dataplane"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Clients only send control frames; anything bigger is a protocol violation.
const wsMaxInboundMessageSize = 4096

// wsStreamHandle StreamHandle writing JSON event frames through a WebSocket
type wsStreamHandle struct {
	*dataplane.StreamLifecycle
	id           string
	writeLock    sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// newWSStreamHandle define a new WebSocket stream handle
func newWSStreamHandle(
	conn *websocket.Conn, timeout time.Duration, writeTimeout time.Duration,
) *wsStreamHandle {
	return &wsStreamHandle{
		StreamLifecycle: dataplane.NewStreamLifecycle(timeout),
		id:              uuid.New().String(),
		conn:            conn,
		writeTimeout:    writeTimeout,
	}
}

// ID returns the handle's unique ID
func (h *wsStreamHandle) ID() string {
	return h.id
}

// writeDeadline helper function to pick the write deadline for one send
func (h *wsStreamHandle) writeDeadline(ctxt context.Context) time.Time {
	deadline := time.Now().Add(h.writeTimeout)
	if ctxtDeadline, ok := ctxt.Deadline(); ok && ctxtDeadline.Before(deadline) {
		deadline = ctxtDeadline
	}
	return deadline
}

// Send write one event frame to the client
func (h *wsStreamHandle) Send(ctxt context.Context, frame dataplane.EventFrame) error {
	h.writeLock.Lock()
	defer h.writeLock.Unlock()
	if h.Terminated() {
		return dataplane.ErrStreamClosed
	}
	if err := ctxt.Err(); err != nil {
		return err
	}
	if err := h.conn.SetWriteDeadline(h.writeDeadline(ctxt)); err != nil {
		h.Fail(err)
		return err
	}
	if err := h.conn.WriteJSON(&frame); err != nil {
		h.Fail(err)
		return err
	}
	return nil
}

// readPump read from the client until the connection ends
//
// The client is not expected to send data; reading is how a close is detected.
func (h *wsStreamHandle) readPump() {
	h.conn.SetReadLimit(wsMaxInboundMessageSize)
	for {
		if _, _, err := h.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.Complete()
			} else {
				h.Fail(err)
			}
			return
		}
	}
}

// Close terminate the stream, and close the connection
func (h *wsStreamHandle) Close() error {
	h.Complete()
	h.writeLock.Lock()
	defer h.writeLock.Unlock()
	_ = h.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(h.writeTimeout),
	)
	return h.conn.Close()
}
