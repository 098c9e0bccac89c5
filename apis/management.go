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
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/httppush/common"
	"github.com/alwitt/httppush/dataplane"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestPushManagementHandler REST handler for inspecting live connections
type APIRestPushManagementHandler struct {
	goutils.RestAPIHandler
	registry    dataplane.ConnectionRegistry[string]
	validate    *validator.Validate
	baseContext context.Context
}

// GetAPIRestPushManagementHandler define APIRestPushManagementHandler
func GetAPIRestPushManagementHandler(
	baseContext context.Context,
	registry dataplane.ConnectionRegistry[string],
	httpConfig *common.HTTPConfig,
) (APIRestPushManagementHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "push-management",
	}
	if registry == nil {
		return APIRestPushManagementHandler{}, fmt.Errorf("management requires a connection registry")
	}
	return APIRestPushManagementHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		registry:       registry,
		validate:       validator.New(),
		baseContext:    baseContext,
	}, nil
}

// APIRestRespConnection adhoc structure for presenting dataplane.ConnectionRecord
type APIRestRespConnection struct {
	// Subject is who the connection belongs to
	Subject string `json:"subject" validate:"required"`
	// HandleID is the ID of the connection's stream handle
	HandleID string `json:"handle_id" validate:"required"`
	// State is the connection state
	State string `json:"state" validate:"required"`
	// OpenedAt is when the connection was registered
	OpenedAt time.Time `json:"opened_at" validate:"required"`
	// Generation is the registry generation of the connection
	Generation uint64 `json:"generation" validate:"required"`
}

// convertConnectionRecord helper function to convert a connection record for presentation
func convertConnectionRecord(record dataplane.ConnectionRecord[string]) APIRestRespConnection {
	return APIRestRespConnection{
		Subject:    record.Subject,
		HandleID:   record.Handle.ID(),
		State:      record.State.String(),
		OpenedAt:   record.OpenedAt,
		Generation: record.Generation,
	}
}

// =======================================================================
// Connections

// -----------------------------------------------------------------------

// APIRestRespAllConnections response listing all live connections
type APIRestRespAllConnections struct {
	goutils.RestAPIBaseResponse
	// Connections the live connections, ordered by subject
	Connections []APIRestRespConnection `json:"connections"`
}

// GetAllConnections godoc
// @Summary Query for info on all live connections
// @Description Query for a snapshot of every subject's live connection
// @tags Management
// @Produce json
// @Param Httppush-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllConnections "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Httppush-Request-ID "Request ID to match against logs"
// @Router /v1/admin/connections [get]
func (h APIRestPushManagementHandler) GetAllConnections(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	snapshot := h.registry.Snapshot()
	connections := make([]APIRestRespConnection, 0, len(snapshot))
	for _, record := range snapshot {
		connections = append(connections, convertConnectionRecord(record))
	}
	sort.Slice(connections, func(i, j int) bool {
		return connections[i].Subject < connections[j].Subject
	})

	respCode = http.StatusOK
	respBody = APIRestRespAllConnections{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Connections: connections,
	}
}

// GetAllConnectionsHandler Wrapper around GetAllConnections
func (h APIRestPushManagementHandler) GetAllConnectionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetAllConnections(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespOneConnection response for one live connection
type APIRestRespOneConnection struct {
	goutils.RestAPIBaseResponse
	// Connection the live connection
	Connection APIRestRespConnection `json:"connection"`
}

// GetConnection godoc
// @Summary Query for info on one live connection
// @Description Query for the live connection of one subject
// @tags Management
// @Produce json
// @Param Httppush-Request-ID header string false "User provided request ID to match against logs"
// @Param subjectID path string true "Subject of the connection"
// @Success 200 {object} APIRestRespOneConnection "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Httppush-Request-ID "Request ID to match against logs"
// @Router /v1/admin/connections/{subjectID} [get]
func (h APIRestPushManagementHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	subjectID, ok := vars["subjectID"]
	if !ok {
		msg := "No subject ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := common.ValidateSubjectID(subjectID, h.validate); err != nil {
		msg := "Invalid subject ID"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	record, ok := h.registry.Lookup(subjectID)
	if !ok {
		msg := fmt.Sprintf("No live connection for %s", subjectID)
		log.WithFields(localLogTags).Debug(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneConnection{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Connection:          convertConnectionRecord(record),
	}
}

// GetConnectionHandler Wrapper around GetConnection
func (h APIRestPushManagementHandler) GetConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConnection(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespConnectionStats response with the aggregate connection statistics
type APIRestRespConnectionStats struct {
	goutils.RestAPIBaseResponse
	dataplane.ConnectionStats
}

// GetStats godoc
// @Summary Query for the live connection statistics
// @Description Query for the number of connected subjects, and the number of connections
// opened since start
// @tags Management
// @Produce json
// @Param Httppush-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespConnectionStats "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Httppush-Request-ID "Request ID to match against logs"
// @Router /v1/admin/stats [get]
func (h APIRestPushManagementHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(w, http.StatusOK, APIRestRespConnectionStats{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		ConnectionStats: dataplane.ConnectionStats{
			ConnectedSubjects: h.registry.Count(),
			TotalOpened:       h.registry.TotalOpenedSinceStart(),
		},
	}, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestPushManagementHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For management REST API liveness check
// @Description Will return success to indicate management REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/alive [get]
func (h APIRestPushManagementHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestPushManagementHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For management REST API readiness check
// @Description Will return success if management REST API module is ready for use
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/ready [get]
func (h APIRestPushManagementHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.baseContext.Err() == nil {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestPushManagementHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
