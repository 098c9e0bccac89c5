package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Must be zero for a server hosting live streams, else the server will
	// cut every stream once this duration is reached.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for one API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Push Related Config

// HeartbeatConfig defines the keep-alive broadcast parameters
type HeartbeatConfig struct {
	// EventName is the event name of the keep-alive frame
	EventName string `mapstructure:"event_name" json:"event_name" validate:"required,max=128,printascii"`
	// Marker is the payload carried by the keep-alive frame
	Marker string `mapstructure:"marker" json:"marker" validate:"required"`
	// IntervalSec is the interval between keep-alive broadcasts in seconds
	IntervalSec int `mapstructure:"interval_sec" json:"interval_sec" validate:"gte=1"`
	// StatsIntervalSec is the interval between connection statistic reports in seconds
	StatsIntervalSec int `mapstructure:"stats_interval_sec" json:"stats_interval_sec" validate:"gte=1"`
}

// StreamConfig defines the per live stream parameters
type StreamConfig struct {
	// TimeoutSec is the max lifetime of a live stream in seconds
	TimeoutSec int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gte=1"`
	// SendTimeoutSec is the max duration of a single frame write in seconds
	SendTimeoutSec int `mapstructure:"send_timeout_sec" json:"send_timeout_sec" validate:"gte=1"`
	// ConnectAckEvent is the event name of the frame sent when a stream is established
	ConnectAckEvent string `mapstructure:"connect_ack_event" json:"connect_ack_event" validate:"required,max=128,printascii"`
	// BroadcastParallelism is the max number of concurrent sends during one broadcast
	BroadcastParallelism int `mapstructure:"broadcast_parallelism" json:"broadcast_parallelism" validate:"gte=1"`
}

// EventIntakeConfig defines the NATS event intake parameters
type EventIntakeConfig struct {
	// Enabled whether to accept push events through NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Subject is the NATS subject push events are published on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// QueueGroup optional NATS queue group to join when subscribing
	QueueGroup string `mapstructure:"queue_group" json:"queue_group"`
	// Workers is the number of workers delivering received events
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// TaskBuffer is the number of received events which can be queued for delivery
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
}

// PushConfig defines the live connection subsystem parameters
type PushConfig struct {
	// Heartbeat is the keep-alive parameters
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// Stream is the per live stream parameters
	Stream StreamConfig `mapstructure:"stream" json:"stream" validate:"required,dive"`
	// Intake is the NATS event intake parameters
	Intake EventIntakeConfig `mapstructure:"intake" json:"intake" validate:"required,dive"`
}

// HeartbeatInterval helper function to get the heartbeat interval as duration
func (c PushConfig) HeartbeatInterval() time.Duration {
	return time.Second * time.Duration(c.Heartbeat.IntervalSec)
}

// StatsInterval helper function to get the stats report interval as duration
func (c PushConfig) StatsInterval() time.Duration {
	return time.Second * time.Duration(c.Heartbeat.StatsIntervalSec)
}

// StreamTimeout helper function to get the stream timeout as duration
func (c PushConfig) StreamTimeout() time.Duration {
	return time.Second * time.Duration(c.Stream.TimeoutSec)
}

// SendTimeout helper function to get the frame send timeout as duration
func (c PushConfig) SendTimeout() time.Duration {
	return time.Second * time.Duration(c.Stream.SendTimeoutSec)
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Push are the live connection subsystem parameters
	Push PushConfig `mapstructure:"push" json:"push" validate:"required,dive"`
	// Management are the management API server configs
	Management *APIServerConfig `mapstructure:"management,omitempty" json:"management,omitempty" validate:"omitempty"`
	// Dataplane are the dataplane API server configs
	Dataplane *APIServerConfig `mapstructure:"dataplane,omitempty" json:"dataplane,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default push settings
	viper.SetDefault("push.heartbeat.event_name", "heartbeat")
	viper.SetDefault("push.heartbeat.marker", "ping")
	viper.SetDefault("push.heartbeat.interval_sec", 30)
	viper.SetDefault("push.heartbeat.stats_interval_sec", 60)
	viper.SetDefault("push.stream.timeout_sec", 1800)
	viper.SetDefault("push.stream.send_timeout_sec", 15)
	viper.SetDefault("push.stream.connect_ack_event", "connected")
	viper.SetDefault("push.stream.broadcast_parallelism", 16)
	viper.SetDefault("push.intake.enabled", false)
	viper.SetDefault("push.intake.subject", "httppush.events")
	viper.SetDefault("push.intake.workers", 4)
	viper.SetDefault("push.intake.task_buffer", 256)

	// Default Management server settings
	viper.SetDefault("management.endpoint_config.path_prefix", "/")
	viper.SetDefault("management.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("management.api_server.server_config.listen_port", 3000)
	viper.SetDefault("management.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("management.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("management.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"management.api_server.logging_config.request_id_header", "Httppush-Request-ID",
	)
	viper.SetDefault(
		"management.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default Dataplane server settings
	viper.SetDefault("dataplane.endpoint_config.path_prefix", "/")
	viper.SetDefault("dataplane.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("dataplane.api_server.server_config.listen_port", 3001)
	viper.SetDefault("dataplane.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("dataplane.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("dataplane.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"dataplane.api_server.logging_config.request_id_header", "Httppush-Request-ID",
	)
	viper.SetDefault(
		"dataplane.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
