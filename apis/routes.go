package apis

import (
	"net/http"

	"github.com/gorilla/mux"
)

// DefineDataplaneRoutes install the dataplane API routes under the path prefix
//
// The live stream routes are not wrapped by the request logging middleware, as they hold
// the request open for the lifetime of the stream.
func DefineDataplaneRoutes(
	router *mux.Router, pathPrefix string, handler APIRestPushDataplaneHandler,
) *mux.Router {
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Live streams
	_ = RegisterPathPrefix(
		mainRouter, "/v1/push/subject/{subjectID}/stream", map[string]http.HandlerFunc{
			"get": handler.EventStreamHandler(),
		},
	)
	_ = RegisterPathPrefix(
		mainRouter, "/v1/push/subject/{subjectID}/ws", map[string]http.HandlerFunc{
			"get": handler.WebSocketStreamHandler(),
		},
	)

	// Event delivery
	_ = RegisterPathPrefix(
		mainRouter, "/v1/push/subject/{subjectID}/event", map[string]http.HandlerFunc{
			"post": handler.LoggingMiddleware(handler.SendEventHandler()),
		},
	)
	_ = RegisterPathPrefix(mainRouter, "/v1/push/broadcast", map[string]http.HandlerFunc{
		"post": handler.LoggingMiddleware(handler.BroadcastEventHandler()),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/v1/push/alive", map[string]http.HandlerFunc{
		"get": handler.LoggingMiddleware(handler.AliveHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/push/ready", map[string]http.HandlerFunc{
		"get": handler.LoggingMiddleware(handler.ReadyHandler()),
	})

	return mainRouter
}

// DefineManagementRoutes install the management API routes under the path prefix
func DefineManagementRoutes(
	router *mux.Router, pathPrefix string, handler APIRestPushManagementHandler,
) *mux.Router {
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Connections
	connRouter := RegisterPathPrefix(mainRouter, "/v1/admin/connections", map[string]http.HandlerFunc{
		"get": handler.LoggingMiddleware(handler.GetAllConnectionsHandler()),
	})
	_ = RegisterPathPrefix(connRouter, "/{subjectID}", map[string]http.HandlerFunc{
		"get": handler.LoggingMiddleware(handler.GetConnectionHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/admin/stats", map[string]http.HandlerFunc{
		"get": handler.LoggingMiddleware(handler.GetStatsHandler()),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/v1/admin/alive", map[string]http.HandlerFunc{
		"get": handler.LoggingMiddleware(handler.AliveHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/admin/ready", map[string]http.HandlerFunc{
		"get": handler.LoggingMiddleware(handler.ReadyHandler()),
	})

	return mainRouter
}
