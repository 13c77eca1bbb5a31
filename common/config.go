// Copyright 2024 The wsfanout Authors
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
// Registry Store Related Config

// EtcdConfig defines parameters for connecting to the etcd registry store
type EtcdConfig struct {
	// Endpoints are the etcd server endpoints
	Endpoints []string `mapstructure:"endpoints" json:"endpoints" validate:"required,min=1,dive,uri"`
	// DialTimeout is the max duration for connecting to etcd in seconds
	DialTimeout int `mapstructure:"dial_timeout_sec" json:"dial_timeout_sec" validate:"gte=1"`
	// CallTimeout is the max duration of a single store call in seconds
	CallTimeout int `mapstructure:"call_timeout_sec" json:"call_timeout_sec" validate:"gte=1"`
}

// RegistryConfig defines subscription registry parameters
type RegistryConfig struct {
	// RecordTTL is the registry record expiry window in seconds. Expiry is a backstop
	// for records orphaned by ungraceful disconnects; explicit deletes remain the
	// primary cleanup path.
	RecordTTL int `mapstructure:"record_ttl_sec" json:"record_ttl_sec" validate:"gte=60"`
}

// ===============================================================================
// Fan-out Related Config

// FanoutConfig defines fan-out publisher parameters
type FanoutConfig struct {
	// SubscribeTimeout is the max duration to wait for one subscriber's resolver to
	// emit values and complete, in seconds
	SubscribeTimeout int `mapstructure:"subscribe_timeout_sec" json:"subscribe_timeout_sec" validate:"gte=1"`
	// DeliveryWorkers is the number of parallel delivery workers per publish call
	DeliveryWorkers int `mapstructure:"delivery_workers" json:"delivery_workers" validate:"gte=1"`
	// TaskQueueLen is the buffer length of the delivery task queue
	TaskQueueLen int `mapstructure:"task_queue_len" json:"task_queue_len" validate:"gte=1"`
	// IngressSubject is the NATS subject carrying publish requests from producers
	IngressSubject string `mapstructure:"ingress_subject" json:"ingress_subject" validate:"required"`
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

// APIEndpointConfig defines API endpoint config
type APIEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the API server
	Endpoints APIEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Topic Declarations

// FilterSpecConfig declares one named filter on a topic
type FilterSpecConfig struct {
	// Name is the filter name
	Name string `mapstructure:"name" json:"name" validate:"required"`
	// InputFields are the subscriber input fields the filter indexes, in declared order
	InputFields []string `mapstructure:"input_fields" json:"input_fields"`
	// CtxFields are the subscriber context fields the filter indexes, in declared order
	CtxFields []string `mapstructure:"ctx_fields" json:"ctx_fields"`
}

// TopicConfig declares one subscribable topic
type TopicConfig struct {
	// Path is the topic path
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// Filters are the named filters declared on this topic. A subscription matches a
	// publish if it satisfies any one declared filter.
	Filters []FilterSpecConfig `mapstructure:"filters" json:"filters" validate:"omitempty,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for a fan-out server
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Etcd are the registry store config parameters
	Etcd EtcdConfig `mapstructure:"etcd" json:"etcd" validate:"required,dive"`
	// Registry are the subscription registry config parameters
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required,dive"`
	// Fanout are the fan-out publisher config parameters
	Fanout FanoutConfig `mapstructure:"fanout" json:"fanout" validate:"required,dive"`
	// API are the API server configs
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required,dive"`
	// Topics are the topic declarations
	Topics []TopicConfig `mapstructure:"topics" json:"topics" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default etcd settings
	viper.SetDefault("etcd.endpoints", []string{"http://127.0.0.1:2379"})
	viper.SetDefault("etcd.dial_timeout_sec", 15)
	viper.SetDefault("etcd.call_timeout_sec", 5)

	// Default registry settings
	viper.SetDefault("registry.record_ttl_sec", 4*60*60)

	// Default fan-out settings
	viper.SetDefault("fanout.subscribe_timeout_sec", 5)
	viper.SetDefault("fanout.delivery_workers", 4)
	viper.SetDefault("fanout.task_queue_len", 64)
	viper.SetDefault("fanout.ingress_subject", "wsfanout.publish")

	// Default API server settings
	viper.SetDefault("api.endpoint_config.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Wsfanout-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
