// Copyright 2022 The rostercast Authors
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

import "github.com/spf13/viper"

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
// Datasource Related Config

// Supported datasource backends
const (
	// DatasourceBackendMemory keeps destinations and rosters in process
	DatasourceBackendMemory = "memory"
	// DatasourceBackendNATS keeps destinations and rosters in NATS JetStream
	DatasourceBackendNATS = "nats"
)

// NATSDatasourceConfig defines how the NATS datasource lays out its JetStream resources
type NATSDatasourceConfig struct {
	// DestinationBucket is the JetStream KV bucket holding the destination records
	DestinationBucket string `mapstructure:"destination_bucket" json:"destination_bucket" validate:"required"`
	// RosterStream is the JetStream stream holding the roster snapshots
	RosterStream string `mapstructure:"roster_stream" json:"roster_stream" validate:"required,alphanum"`
	// SubjectPrefix is the subject prefix roster snapshots are published under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// OperationTimeout is the max duration of one JetStream operation in seconds
	OperationTimeout int `mapstructure:"op_timeout_sec" json:"op_timeout_sec" validate:"gte=1"`
}

// DatasourceConfig defines the external roster datasource
type DatasourceConfig struct {
	// Backend selects the datasource implementation
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory nats"`
	// NATS are the NATS datasource parameters
	NATS NATSDatasourceConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
}

// ===============================================================================
// Membership Cache Related Config

// MembershipCacheConfig defines the destination membership cache parameters
type MembershipCacheConfig struct {
	// EventBuffer is the depth of the cache event loop queue
	EventBuffer int `mapstructure:"event_buffer" json:"event_buffer" validate:"gte=1"`
	// AutoRelease whether to release a destination once its last subscriber leaves
	AutoRelease bool `mapstructure:"auto_release" json:"auto_release"`
	// ReleaseLinger is how long to wait after the last subscriber leaves before
	// releasing, in seconds. Zero releases immediately.
	ReleaseLinger int `mapstructure:"release_linger_sec" json:"release_linger_sec" validate:"gte=0"`
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

// MetricsConfig defines the Prometheus metrics endpoint
type MetricsConfig struct {
	// Enabled whether to expose the metrics endpoint
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Path is the metrics endpoint path
	Path string `mapstructure:"path" json:"path" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the rostercast server
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Datasource are the roster datasource config parameters
	Datasource DatasourceConfig `mapstructure:"datasource" json:"datasource" validate:"required,dive"`
	// Cache are the membership cache config parameters
	Cache MembershipCacheConfig `mapstructure:"cache" json:"cache" validate:"required,dive"`
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Metrics is the metrics endpoint config
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default datasource settings
	viper.SetDefault("datasource.backend", DatasourceBackendMemory)
	viper.SetDefault("datasource.nats.destination_bucket", "rostercast-destinations")
	viper.SetDefault("datasource.nats.roster_stream", "ROSTERCAST")
	viper.SetDefault("datasource.nats.subject_prefix", "rostercast.roster")
	viper.SetDefault("datasource.nats.op_timeout_sec", 5)

	// Default membership cache settings
	viper.SetDefault("cache.event_buffer", 64)
	viper.SetDefault("cache.auto_release", true)
	viper.SetDefault("cache.release_linger_sec", 30)

	// Default API server settings
	viper.SetDefault("endpoint_config.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3000)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Rostercast-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default metrics settings
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}
