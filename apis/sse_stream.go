package apis

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/httppush/dataplane"
	"github.com/google/uuid"
)

const sseDefaultCloseWait = time.Second * 10

// sseWrite one frame queued for the SSE writer
type sseWrite struct {
	frame  dataplane.EventFrame
	result chan error
}

// sseStreamHandle StreamHandle writing Server-Sent Events through a HTTP response.
//
// Only the writer goroutine touches the response. Each write is bounded by the write
// timeout where the response supports write deadlines.
type sseStreamHandle struct {
	*dataplane.StreamLifecycle
	id           string
	writer       http.ResponseWriter
	controller   *http.ResponseController
	writeTimeout time.Duration
	writes       chan sseWrite
	writerDone   chan struct{}
}

// newSSEStreamHandle define a new SSE stream handle, and start its writer
func newSSEStreamHandle(
	w http.ResponseWriter, timeout time.Duration, writeTimeout time.Duration,
) *sseStreamHandle {
	h := &sseStreamHandle{
		StreamLifecycle: dataplane.NewStreamLifecycle(timeout),
		id:              uuid.New().String(),
		writer:          w,
		controller:      http.NewResponseController(w),
		writeTimeout:    writeTimeout,
		writes:          make(chan sseWrite, 1),
		writerDone:      make(chan struct{}),
	}
	go h.writePump()
	return h
}

// ID returns the handle's unique ID
func (h *sseStreamHandle) ID() string {
	return h.id
}

// formatSSEFrame helper function to serialize one frame in event stream format
func formatSSEFrame(sequence uint64, frame dataplane.EventFrame) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\n", sequence)
	// Line breaks in the event name would start a new field
	eventName := strings.NewReplacer("\r", "", "\n", "").Replace(frame.Name)
	fmt.Fprintf(&buf, "event: %s\n", eventName)
	if len(frame.Payload) == 0 {
		buf.WriteString("data: \n")
	} else {
		for _, line := range strings.Split(strings.ReplaceAll(string(frame.Payload), "\r", ""), "\n") {
			fmt.Fprintf(&buf, "data: %s\n", line)
		}
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

// writePump write queued frames to the client until the stream ends
func (h *sseStreamHandle) writePump() {
	defer close(h.writerDone)
	var sequence uint64
	for {
		select {
		case <-h.Done():
			// The connection may serve more requests
			_ = h.controller.SetWriteDeadline(time.Time{})
			return
		case req := <-h.writes:
			sequence++
			err := h.write(sequence, req.frame)
			req.result <- err
			if err != nil {
				h.Fail(err)
				return
			}
		}
	}
}

// write helper function to write then flush one frame
func (h *sseStreamHandle) write(sequence uint64, frame dataplane.EventFrame) error {
	if h.writeTimeout > 0 {
		// http.ErrNotSupported leaves the write unbounded; Send still gives up on it
		_ = h.controller.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	}
	if _, err := h.writer.Write(formatSSEFrame(sequence, frame)); err != nil {
		return err
	}
	return h.controller.Flush()
}

// stalled helper function to fail the stream when a write did not finish in time
func (h *sseStreamHandle) stalled(err error) error {
	err = fmt.Errorf("SSE write did not complete: %w", err)
	h.Fail(err)
	return err
}

// Send write one event frame to the client. A write still pending when the context
// ends fails the stream.
func (h *sseStreamHandle) Send(ctxt context.Context, frame dataplane.EventFrame) error {
	if h.Terminated() {
		return dataplane.ErrStreamClosed
	}
	if err := ctxt.Err(); err != nil {
		return err
	}
	req := sseWrite{frame: frame, result: make(chan error, 1)}
	select {
	case h.writes <- req:
	case <-h.Done():
		return dataplane.ErrStreamClosed
	case <-ctxt.Done():
		return h.stalled(ctxt.Err())
	}
	select {
	case err := <-req.result:
		return err
	case <-h.Done():
		return dataplane.ErrStreamClosed
	case <-ctxt.Done():
		return h.stalled(ctxt.Err())
	}
}

// Close terminate the stream. Returns once the writer exits, after which the response
// writer is no longer touched. A writer blocked for twice the write timeout is abandoned.
func (h *sseStreamHandle) Close() error {
	h.Complete()
	wait := h.writeTimeout * 2
	if wait <= 0 {
		wait = sseDefaultCloseWait
	}
	select {
	case <-h.writerDone:
		return nil
	case <-time.After(wait):
		return fmt.Errorf("SSE writer of %s still blocked after %s", h.id, wait)
	}
}
