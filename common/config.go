// Copyright 2024 The eventhub Authors
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

package common

import (
	"strings"

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
	// SubjectPrefix is the NATS subject prefix events are relayed under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required,alphanum"`
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
	// Event streams are long lived, so this should be left at zero.
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

// ===============================================================================
// Event Stream Related Config

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// StreamConfig defines the event stream connection parameters
type StreamConfig struct {
	// HeartbeatInterval is the interval between heartbeat events on an open stream in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// SinkBacklog is the max number of events waiting to be written to one client.
	// A client which falls further behind is disconnected.
	SinkBacklog int `mapstructure:"sink_backlog" json:"sink_backlog" validate:"gte=1"`
	// SubmitBuffer is the size of the per-hub queue of events waiting to be broadcast
	SubmitBuffer int `mapstructure:"submit_buffer" json:"submit_buffer" validate:"gte=1"`
}

// TranscriptBufferConfig defines the transcript catch-up buffer parameters
type TranscriptBufferConfig struct {
	// Capacity is the number of recent events retained per session
	Capacity int `mapstructure:"capacity" json:"capacity" validate:"gte=1"`
	// MaxSessions is the number of sessions buffers are kept for. The least
	// recently used session buffer is dropped first.
	MaxSessions int `mapstructure:"max_sessions" json:"max_sessions" validate:"gte=1"`
}

// AuthConfig defines the bearer token verification parameters
type AuthConfig struct {
	// JWTSecret is the HS256 secret used to sign the bearer tokens
	JWTSecret string `mapstructure:"jwt_secret" json:"-" validate:"required,min=16"`
	// Audience if set, the expected "aud" claim of the bearer tokens
	Audience string `mapstructure:"audience" json:"audience"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the event server
type SystemConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Stream is the event stream parameters
	Stream StreamConfig `mapstructure:"stream" json:"stream" validate:"required,dive"`
	// TranscriptBuffer is the transcript catch-up buffer parameters
	TranscriptBuffer TranscriptBufferConfig `mapstructure:"transcript_buffer" json:"transcript_buffer" validate:"required,dive"`
	// Auth is the bearer token verification parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// NATS if set, relay published events through NATS so every instance sees them
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Secrets can come from the environment, i.e. EVENTHUB_AUTH_JWT_SECRET
	viper.SetEnvPrefix("eventhub")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = viper.BindEnv("auth.jwt_secret")
	_ = viper.BindEnv("auth.audience")

	// Default server settings
	viper.SetDefault("endpoint_config.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3000)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Eventhub-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default stream settings
	viper.SetDefault("stream.heartbeat_interval_sec", 30)
	viper.SetDefault("stream.sink_backlog", 64)
	viper.SetDefault("stream.submit_buffer", 256)
	viper.SetDefault("transcript_buffer.capacity", 50)
	viper.SetDefault("transcript_buffer.max_sessions", 1024)

	viper.SetDefault("auth.audience", "authenticated")
}

// InstallDefaultNATSConfigValues installs default NATS relay parameters in viper
//
// Only called when the relay is enabled, as the presence of the "nats" section is what
// turns the relay on.
func InstallDefaultNATSConfigValues() {
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "eventhub")
}
