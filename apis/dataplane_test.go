// Copyright 2021-2022 The httppush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/httppush/dataplane"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func definePushTestDataplane(
	assert *assert.Assertions, ctxt context.Context, wg *sync.WaitGroup,
) (dataplane.ConnectionRegistry[string], dataplane.EventDispatcher[string], *mux.Router) {
	registry, err := dataplane.GetConnectionRegistry[string]("testing")
	assert.Nil(err)
	dispatcher, err := dataplane.GetEventDispatcher(registry, dataplane.EventDispatcherParams{
		ConnectAckEvent:      "connected",
		SendTimeout:          time.Second,
		BroadcastParallelism: 4,
	}, "testing")
	assert.Nil(err)
	uut, err := GetAPIRestPushDataplaneHandler(
		ctxt,
		dispatcher,
		nil,
		PushStreamParams{StreamTimeout: time.Minute, SendTimeout: time.Second},
		testHTTPConfig(),
		wg,
	)
	assert.Nil(err)
	router := mux.NewRouter()
	_ = DefineDataplaneRoutes(router, "/", uut)
	return registry, dispatcher, router
}

func waitForCondition(assert *assert.Assertions, check func() bool, msg string) {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	for !check() {
		select {
		case <-ctxt.Done():
			assert.False(true, msg)
			return
		case <-time.After(time.Millisecond * 10):
		}
	}
}

// sseFrame one parsed Server-Sent Events frame
type sseFrame struct {
	id    string
	event string
	data  []string
}

func readSSEFrame(assert *assert.Assertions, reader *bufio.Reader) sseFrame {
	frame := sseFrame{}
	for {
		line, err := reader.ReadString('\n')
		assert.Nil(err)
		if err != nil {
			return frame
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return frame
		}
		switch {
		case strings.HasPrefix(line, "id: "):
			frame.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.data = append(frame.data, strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestSSEFrameFormat(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: basic frame
	{
		frame := formatSSEFrame(3, dataplane.EventFrame{
			Name: "call-outcome", Payload: json.RawMessage(`{"status":"done"}`),
		})
		assert.Equal("id: 3\nevent: call-outcome\ndata: {\"status\":\"done\"}\n\n", string(frame))
	}

	// Case 1: no payload
	{
		frame := formatSSEFrame(1, dataplane.EventFrame{Name: "heartbeat"})
		assert.Equal("id: 1\nevent: heartbeat\ndata: \n\n", string(frame))
	}

	// Case 2: multi-line payload, and an event name which tries to inject a field
	{
		frame := formatSSEFrame(2, dataplane.EventFrame{
			Name: "evil\r\ndata: x", Payload: json.RawMessage("{\n\"a\": 1\r\n}"),
		})
		assert.Equal(
			"id: 2\nevent: evildata: x\ndata: {\ndata: \"a\": 1\ndata: }\n\n", string(frame),
		)
	}
}

func TestSSEStreamHandle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	respRecorder := httptest.NewRecorder()
	uut := newSSEStreamHandle(respRecorder, time.Minute, time.Second)

	// Case 0: frames are numbered
	assert.Nil(uut.Send(utCtxt, dataplane.EventFrame{Name: "a", Payload: json.RawMessage(`1`)}))
	assert.Nil(uut.Send(utCtxt, dataplane.EventFrame{Name: "b", Payload: json.RawMessage(`2`)}))
	assert.Equal(
		"id: 1\nevent: a\ndata: 1\n\nid: 2\nevent: b\ndata: 2\n\n", respRecorder.Body.String(),
	)
	assert.True(respRecorder.Flushed)

	// Case 1: expired send context
	{
		ctxt, cancel := context.WithCancel(utCtxt)
		cancel()
		assert.NotNil(uut.Send(ctxt, dataplane.EventFrame{Name: "c"}))
		assert.False(uut.Terminated())
	}

	// Case 2: closed stream rejects writes
	assert.Nil(uut.Close())
	assert.Equal(dataplane.ErrStreamClosed, uut.Send(utCtxt, dataplane.EventFrame{Name: "c"}))
	assert.NotContains(respRecorder.Body.String(), "event: c")
}

// stallingResponseWriter ResponseWriter which accepts a number of writes, then blocks
// until released
type stallingResponseWriter struct {
	header   http.Header
	accepted int32
	writes   int32
	release  chan struct{}
}

func newStallingResponseWriter(accepted int) *stallingResponseWriter {
	return &stallingResponseWriter{
		header: http.Header{}, accepted: int32(accepted), release: make(chan struct{}),
	}
}

func (w *stallingResponseWriter) Header() http.Header {
	return w.header
}

func (w *stallingResponseWriter) WriteHeader(int) {}

func (w *stallingResponseWriter) Write(b []byte) (int, error) {
	if atomic.AddInt32(&w.writes, 1) <= w.accepted {
		return len(b), nil
	}
	<-w.release
	return 0, fmt.Errorf("connection reset")
}

func (w *stallingResponseWriter) Flush() {}

func TestSSEStalledClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	sendTimeout := time.Millisecond * 100
	registry, err := dataplane.GetConnectionRegistry[string]("testing")
	assert.Nil(err)
	dispatcher, err := dataplane.GetEventDispatcher(registry, dataplane.EventDispatcherParams{
		ConnectAckEvent:      "connected",
		SendTimeout:          sendTimeout,
		BroadcastParallelism: 4,
	}, "testing")
	assert.Nil(err)

	// Only the connect acknowledgement goes through
	stalledA := newStallingResponseWriter(1)
	defer close(stalledA.release)
	stalledC := newStallingResponseWriter(1)
	defer close(stalledC.release)

	handleA := newSSEStreamHandle(stalledA, time.Minute, sendTimeout)
	handleB := newSSEStreamHandle(httptest.NewRecorder(), time.Minute, sendTimeout)
	handleC := newSSEStreamHandle(stalledC, time.Minute, sendTimeout)
	assert.Nil(dispatcher.Connect(utCtxt, "subject-a", handleA))
	assert.Nil(dispatcher.Connect(utCtxt, "subject-b", handleB))
	assert.Equal(2, registry.Count())

	// Case 0: broadcast is not held up by the stalled client
	{
		start := time.Now()
		assert.Equal(1, dispatcher.Broadcast(utCtxt, "keep-alive", nil))
		assert.True(time.Since(start) < time.Second)
		_, ok := registry.Get("subject-a")
		assert.False(ok)
		assert.True(handleA.Terminated())
		assert.Equal(1, registry.Count())
	}

	// Case 1: the following broadcast still reaches the healthy client
	{
		start := time.Now()
		assert.Equal(1, dispatcher.Broadcast(utCtxt, "keep-alive", nil))
		assert.True(time.Since(start) < time.Second)
	}

	// Case 2: send to a stalled client
	{
		assert.Nil(dispatcher.Connect(utCtxt, "subject-c", handleC))
		start := time.Now()
		assert.Equal(
			dataplane.DeliverySendFailed,
			dispatcher.SendTo(utCtxt, "subject-c", "call-outcome", map[string]string{"a": "b"}),
		)
		assert.True(time.Since(start) < time.Second)
		_, ok := registry.Get("subject-c")
		assert.False(ok)
	}

	// Case 3: closing a stalled handle does not wait on the blocked write
	{
		start := time.Now()
		assert.NotNil(handleA.Close())
		assert.True(time.Since(start) < time.Second)
	}

	// Case 4: closing a healthy handle
	assert.Nil(handleB.Close())
}

func TestEventDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer utCtxtCancel()

	registry, _, router := definePushTestDataplane(assert, utCtxt, &wg)

	doPost := func(path string, body []byte) *httptest.ResponseRecorder {
		req, err := http.NewRequest("POST", path, bytes.NewReader(body))
		assert.Nil(err)
		req.Header.Add(testRequestIDHeader, uuid.NewString())
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: check ready
	{
		req, err := http.NewRequest("GET", "/v1/push/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 1: send to a subject without stream
	{
		resp := doPost(
			"/v1/push/subject/subject-1/event",
			[]byte(`{"event":"call-outcome","payload":{"status":"done"}}`),
		)
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespDeliveryResult
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal("no-active-connection", msg.Result)
		assert.Equal(0, registry.Count())
	}

	// Case 2: send to a connected subject
	handle := newDummyStreamHandle()
	registry.Connect("subject-1", handle)
	{
		resp := doPost("/v1/push/subject/subject-1/event", []byte(`{"event":"call-outcome"}`))
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespDeliveryResult
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.Equal("sent", msg.Result)
	}

	// Case 3: send through a stream which already ended
	{
		handle.Complete()
		resp := doPost("/v1/push/subject/subject-1/event", []byte(`{"event":"call-outcome"}`))
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespDeliveryResult
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.Equal("send-failed", msg.Result)
		assert.Equal(0, registry.Count())
	}

	// Case 4: bad requests
	{
		resp := doPost("/v1/push/subject/subject-1/event", []byte(`{"event":`))
		assert.Equal(http.StatusBadRequest, resp.Code)
		resp = doPost("/v1/push/subject/subject-1/event", []byte(`{"payload":1}`))
		assert.Equal(http.StatusBadRequest, resp.Code)
		resp = doPost(
			fmt.Sprintf("/v1/push/subject/%s/event", strings.Repeat("x", 300)),
			[]byte(`{"event":"call-outcome"}`),
		)
		assert.Equal(http.StatusBadRequest, resp.Code)
		resp = doPost("/v1/push/broadcast", []byte(`[]`))
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 5: broadcast
	{
		for itr := 0; itr < 3; itr++ {
			registry.Connect(fmt.Sprintf("subject-%d", itr), newDummyStreamHandle())
		}
		resp := doPost("/v1/push/broadcast", []byte(`{"event":"notice","payload":"hello"}`))
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespBroadcastResult
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(3, msg.Sent)
	}
}

func TestSSELiveStream(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer utCtxtCancel()

	registry, dispatcher, router := definePushTestDataplane(assert, utCtxt, &wg)
	testServer := httptest.NewServer(router)
	defer testServer.Close()

	subject := uuid.NewString()
	streamURL := fmt.Sprintf("%s/v1/push/subject/%s/stream", testServer.URL, subject)

	openStream := func() (*bufio.Reader, context.CancelFunc) {
		reqCtxt, reqCancel := context.WithTimeout(utCtxt, time.Second*10)
		req, err := http.NewRequestWithContext(reqCtxt, "GET", streamURL, nil)
		assert.Nil(err)
		resp, err := http.DefaultClient.Do(req)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Equal("text/event-stream", resp.Header.Get("Content-Type"))
		return bufio.NewReader(resp.Body), func() {
			reqCancel()
			_ = resp.Body.Close()
		}
	}

	// Case 0: connect, and receive the acknowledgement
	stream1, cancel1 := openStream()
	defer cancel1()
	{
		frame := readSSEFrame(assert, stream1)
		assert.Equal("1", frame.id)
		assert.Equal("connected", frame.event)
		assert.Len(frame.data, 1)
		var ack dataplane.ConnectAck
		assert.Nil(json.Unmarshal([]byte(frame.data[0]), &ack))
		assert.Equal(uint64(1), ack.Generation)
		assert.Equal(1, registry.Count())
	}

	// Case 1: deliver an event
	{
		result := dispatcher.SendTo(utCtxt, subject, "call-outcome", map[string]string{"id": "c-1"})
		assert.Equal(dataplane.DeliverySent, result)
		frame := readSSEFrame(assert, stream1)
		assert.Equal("2", frame.id)
		assert.Equal("call-outcome", frame.event)
		assert.Equal([]string{`{"id":"c-1"}`}, frame.data)
	}

	// Case 2: reconnect replaces the first stream
	stream2, cancel2 := openStream()
	defer cancel2()
	{
		frame := readSSEFrame(assert, stream2)
		assert.Equal("connected", frame.event)
		record, ok := registry.Lookup(subject)
		assert.True(ok)
		assert.Equal(uint64(2), record.Generation)

		assert.Equal(dataplane.DeliverySent, dispatcher.SendTo(utCtxt, subject, "notice", "hi"))
		frame = readSSEFrame(assert, stream2)
		assert.Equal("notice", frame.event)
		assert.Equal([]string{`"hi"`}, frame.data)
	}

	// Case 3: the replaced stream ending leaves the new one in place
	{
		cancel1()
		time.Sleep(time.Millisecond * 100)
		assert.Equal(1, registry.Count())
		record, ok := registry.Lookup(subject)
		assert.True(ok)
		assert.Equal(uint64(2), record.Generation)
	}

	// Case 4: client disconnect removes the connection
	{
		cancel2()
		waitForCondition(assert, func() bool { return registry.Count() == 0 }, "stream not removed")
		assert.Equal(
			dataplane.DeliveryNoActiveConnection, dispatcher.SendTo(utCtxt, subject, "notice", "hi"),
		)
		assert.Equal(uint64(2), registry.TotalOpenedSinceStart())
	}
}

func TestWebSocketLiveStream(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer utCtxtCancel()

	registry, dispatcher, router := definePushTestDataplane(assert, utCtxt, &wg)
	testServer := httptest.NewServer(router)
	defer testServer.Close()

	subject := uuid.NewString()
	wsURL := fmt.Sprintf(
		"ws%s/v1/push/subject/%s/ws", strings.TrimPrefix(testServer.URL, "http"), subject,
	)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	if err != nil {
		return
	}
	defer conn.Close()
	assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 5)))

	// Case 0: receive the acknowledgement
	{
		var frame dataplane.EventFrame
		assert.Nil(conn.ReadJSON(&frame))
		assert.Equal("connected", frame.Name)
		var ack dataplane.ConnectAck
		assert.Nil(json.Unmarshal(frame.Payload, &ack))
		assert.NotEmpty(ack.HandleID)
		assert.Equal(1, registry.Count())
	}

	// Case 1: deliver events
	{
		assert.Equal(
			dataplane.DeliverySent,
			dispatcher.SendTo(utCtxt, subject, "call-outcome", map[string]int{"attempt": 2}),
		)
		assert.Equal(1, dispatcher.Broadcast(utCtxt, "heartbeat", "ping"))

		var frame dataplane.EventFrame
		assert.Nil(conn.ReadJSON(&frame))
		assert.Equal("call-outcome", frame.Name)
		assert.JSONEq(`{"attempt":2}`, string(frame.Payload))
		assert.Nil(conn.ReadJSON(&frame))
		assert.Equal("heartbeat", frame.Name)
		assert.Equal(`"ping"`, string(frame.Payload))
	}

	// Case 2: client closes the stream
	{
		assert.Nil(conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		))
		waitForCondition(assert, func() bool { return registry.Count() == 0 }, "stream not removed")
	}
}

func TestWebSocketServerShutdown(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer utCtxtCancel()

	serverCtxt, serverCancel := context.WithCancel(utCtxt)
	defer serverCancel()
	registry, _, router := definePushTestDataplane(assert, serverCtxt, &wg)
	testServer := httptest.NewServer(router)
	defer testServer.Close()

	wsURL := fmt.Sprintf(
		"ws%s/v1/push/subject/shutdown-test/ws", strings.TrimPrefix(testServer.URL, "http"),
	)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	if err != nil {
		return
	}
	defer conn.Close()
	assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 5)))

	var frame dataplane.EventFrame
	assert.Nil(conn.ReadJSON(&frame))
	assert.Equal("connected", frame.Name)

	// Server stopping closes the stream with a normal close
	serverCancel()
	_, _, err = conn.ReadMessage()
	assert.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))
	waitForCondition(assert, func() bool { return registry.Count() == 0 }, "stream not removed")
}
