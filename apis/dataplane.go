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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/httppush/common"
	"github.com/alwitt/httppush/core"
	"github.com/alwitt/httppush/dataplane"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

// PushStreamParams live stream parameters of the dataplane
type PushStreamParams struct {
	// StreamTimeout is the max lifetime of one live stream
	StreamTimeout time.Duration `validate:"gt=0"`
	// SendTimeout is the max duration of one frame write
	SendTimeout time.Duration `validate:"gt=0"`
}

// APIRestPushDataplaneHandler REST handler for the push dataplane
type APIRestPushDataplaneHandler struct {
	goutils.RestAPIHandler
	dispatcher  dataplane.EventDispatcher[string]
	natsClient  *core.NatsClient
	params      PushStreamParams
	upgrader    *websocket.Upgrader
	validate    *validator.Validate
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestPushDataplaneHandler define APIRestPushDataplaneHandler
//
// The NATS client is optional; if provided, readiness also requires it to be connected.
func GetAPIRestPushDataplaneHandler(
	baseContext context.Context,
	dispatcher dataplane.EventDispatcher[string],
	natsClient *core.NatsClient,
	params PushStreamParams,
	httpConfig *common.HTTPConfig,
	wg *sync.WaitGroup,
) (APIRestPushDataplaneHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "push-dataplane",
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid live stream parameters")
		return APIRestPushDataplaneHandler{}, err
	}
	if dispatcher == nil {
		return APIRestPushDataplaneHandler{}, fmt.Errorf("dataplane requires an event dispatcher")
	}
	return APIRestPushDataplaneHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		dispatcher:     dispatcher,
		natsClient:     natsClient,
		params:         params,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Stream access control happens in front of this service
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validate:    validate,
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// readSubjectID helper function to read and validate the subject ID path parameter
func (h APIRestPushDataplaneHandler) readSubjectID(r *http.Request) (string, string, error) {
	vars := mux.Vars(r)
	subjectID, ok := vars["subjectID"]
	if !ok {
		return "", "No subject ID provided", fmt.Errorf("subject ID path parameter missing")
	}
	if err := common.ValidateSubjectID(subjectID, h.validate); err != nil {
		return "", "Invalid subject ID", err
	}
	return subjectID, "", nil
}

// waitForStreamEnd helper function to hold the request open until the stream ends
func (h APIRestPushDataplaneHandler) waitForStreamEnd(
	r *http.Request, handle dataplane.StreamHandle, logTags log.Fields,
) {
	select {
	case <-h.baseContext.Done():
		log.WithFields(logTags).Info("Terminating live stream on server stop")
	case <-r.Context().Done():
		log.WithFields(logTags).Info("Terminating live stream on request end")
	case <-handle.Done():
		log.WithFields(logTags).Info("Live stream ended")
	}
	if err := handle.Close(); err != nil {
		log.WithError(err).WithFields(logTags).Debug("Error closing live stream")
	}
}

// =======================================================================
// Live streams

// -----------------------------------------------------------------------

// EventStream godoc
// @Summary Establish a live event stream
// @Description Establish a Server-Sent Events stream for a subject. The stream replaces any
// previous stream of the same subject. It closes on client disconnect, stream timeout, write
// failure, or server shutdown. The first event is the connect acknowledgement.
// @tags Dataplane
// @Produce text/event-stream
// @Param subjectID path string true "Subject to receive events for"
// @Success 200 {string} string "event stream"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/subject/{subjectID}/stream [get]
func (h APIRestPushDataplaneHandler) EventStream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	subjectID, msg, err := h.readSubjectID(r)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Errorf(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	handle := newSSEStreamHandle(w, h.params.StreamTimeout, h.params.SendTimeout)
	logTags := localLogTags
	logTags["subject"] = subjectID
	logTags["handle"] = handle.ID()
	logTags["transport"] = "sse"

	if err := h.dispatcher.Connect(h.baseContext, subjectID, handle); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to establish live stream")
		_ = handle.Close()
		return
	}

	h.waitForStreamEnd(r, handle, logTags)
}

// EventStreamHandler Wrapper around EventStream
func (h APIRestPushDataplaneHandler) EventStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.EventStream(w, r)
	}
}

// -----------------------------------------------------------------------

// WebSocketStream godoc
// @Summary Establish a live event stream over WebSocket
// @Description Establish a WebSocket stream for a subject. Each event is one JSON text
// message. Same replacement and termination behavior as the SSE stream.
// @tags Dataplane
// @Param subjectID path string true "Subject to receive events for"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Router /v1/push/subject/{subjectID}/ws [get]
func (h APIRestPushDataplaneHandler) WebSocketStream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	subjectID, msg, err := h.readSubjectID(r)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	// Upgrade replies to the client on failure
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}

	handle := newWSStreamHandle(conn, h.params.StreamTimeout, h.params.SendTimeout)
	logTags := localLogTags
	logTags["subject"] = subjectID
	logTags["handle"] = handle.ID()
	logTags["transport"] = "websocket"

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		handle.readPump()
	}()

	if err := h.dispatcher.Connect(h.baseContext, subjectID, handle); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to establish live stream")
		_ = handle.Close()
		return
	}

	h.waitForStreamEnd(r, handle, logTags)
}

// WebSocketStreamHandler Wrapper around WebSocketStream
func (h APIRestPushDataplaneHandler) WebSocketStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.WebSocketStream(w, r)
	}
}

// =======================================================================
// Event delivery

// APIRestReqPushEvent one event to deliver
type APIRestReqPushEvent struct {
	// Event is the event name
	Event string `json:"event" validate:"required,max=128,printascii"`
	// Payload is the opaque JSON payload of the event
	Payload json.RawMessage `json:"payload,omitempty" swaggertype:"object"`
}

// payload helper function to get the payload to dispatch
func (e APIRestReqPushEvent) payload() interface{} {
	if len(e.Payload) == 0 {
		return nil
	}
	return e.Payload
}

// readPushEvent helper function to parse and validate the request body
func (h APIRestPushDataplaneHandler) readPushEvent(r *http.Request) (APIRestReqPushEvent, error) {
	var event APIRestReqPushEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		return event, err
	}
	return event, h.validate.Struct(&event)
}

// -----------------------------------------------------------------------

// APIRestRespDeliveryResult response to delivering one event to one subject
type APIRestRespDeliveryResult struct {
	goutils.RestAPIBaseResponse
	// Result is one of "sent", "no-active-connection", "send-failed"
	Result string `json:"result"`
}

// SendEvent godoc
// @Summary Send an event to a subject
// @Description Deliver one event to the live stream of a subject, at most once. Delivery
// failure is reported in the result, and is not an API error.
// @tags Dataplane
// @Accept json
// @Produce json
// @Param Httppush-Request-ID header string false "User provided request ID to match against logs"
// @Param subjectID path string true "Subject to deliver to"
// @Param event body APIRestReqPushEvent true "Event to deliver"
// @Success 200 {object} APIRestRespDeliveryResult "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Httppush-Request-ID "Request ID to match against logs"
// @Router /v1/push/subject/{subjectID}/event [post]
func (h APIRestPushDataplaneHandler) SendEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subjectID, msg, err := h.readSubjectID(r)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	event, err := h.readPushEvent(r)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	// Writes are bound to the server, not the request: a producer giving up must not
	// prune a healthy stream.
	result := h.dispatcher.SendTo(h.baseContext, subjectID, event.Event, event.payload())
	log.WithFields(localLogTags).Debugf("Event %s to %s: %s", event.Event, subjectID, result)

	if result == dataplane.DeliveryInvalidPayload {
		msg := "Event payload can't be encoded"
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, result.String())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDeliveryResult{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Result: result.String(),
	}
}

// SendEventHandler Wrapper around SendEvent
func (h APIRestPushDataplaneHandler) SendEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SendEvent(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespBroadcastResult response to broadcasting one event
type APIRestRespBroadcastResult struct {
	goutils.RestAPIBaseResponse
	// Sent is the number of subjects the event was written to
	Sent int `json:"sent"`
}

// BroadcastEvent godoc
// @Summary Broadcast an event
// @Description Deliver one event to every subject with a live stream, at most once each.
// @tags Dataplane
// @Accept json
// @Produce json
// @Param Httppush-Request-ID header string false "User provided request ID to match against logs"
// @Param event body APIRestReqPushEvent true "Event to deliver"
// @Success 200 {object} APIRestRespBroadcastResult "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Httppush-Request-ID "Request ID to match against logs"
// @Router /v1/push/broadcast [post]
func (h APIRestPushDataplaneHandler) BroadcastEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	event, err := h.readPushEvent(r)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	sent := h.dispatcher.Broadcast(h.baseContext, event.Event, event.payload())
	log.WithFields(localLogTags).Debugf("Broadcast %s to %d subjects", event.Event, sent)

	respCode = http.StatusOK
	respBody = APIRestRespBroadcastResult{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Sent: sent,
	}
}

// BroadcastEventHandler Wrapper around BroadcastEvent
func (h APIRestPushDataplaneHandler) BroadcastEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.BroadcastEvent(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For dataplane REST API liveness check
// @Description Will return success to indicate dataplane REST API module is live
// @tags Dataplane
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/alive [get]
func (h APIRestPushDataplaneHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestPushDataplaneHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For dataplane REST API readiness check
// @Description Will return success if dataplane REST API module is ready for use
// @tags Dataplane
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/ready [get]
func (h APIRestPushDataplaneHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ready := h.baseContext.Err() == nil
	if ready && h.natsClient != nil {
		ready = h.natsClient.NATs().Status() == nats.CONNECTED
	}
	if ready {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestPushDataplaneHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
