package common

import "github.com/spf13/viper"

// ===============================================================================
// Device Bus Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for receiving device telemetry over NATS
type NATSConfig struct {
	// Enabled whether to subscribe to the NATS subjects
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// PourSubject is the subject pour events are published on
	PourSubject string `mapstructure:"pour_subject" json:"pour_subject" validate:"required"`
	// KegChangeSubject is the subject keg changes are published on
	KegChangeSubject string `mapstructure:"keg_change_subject" json:"keg_change_subject" validate:"required"`
}

// MQTTConfig defines parameters for receiving device telemetry over MQTT
type MQTTConfig struct {
	// Enabled whether to subscribe to the MQTT topics
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// BrokerURI is the MQTT broker URI
	BrokerURI string `mapstructure:"broker_uri" json:"broker_uri" validate:"required,uri"`
	// ClientID is the MQTT client ID
	ClientID string `mapstructure:"client_id" json:"client_id" validate:"required"`
	// ConnectTimeout is the max duration for connecting to the broker in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// QoS is the subscription QoS level
	QoS int `mapstructure:"qos" json:"qos" validate:"gte=0,lte=2"`
	// PourTopic is the topic pour events are published on
	PourTopic string `mapstructure:"pour_topic" json:"pour_topic" validate:"required"`
	// KegChangeTopic is the topic keg changes are published on
	KegChangeTopic string `mapstructure:"keg_change_topic" json:"keg_change_topic" validate:"required"`
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
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPEndpointConfig defines API endpoint config
type HTTPEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
	// Endpoints defines the API endpoint parameters
	Endpoints HTTPEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Telemetry Pipeline Related Config

// TelemetryConfig defines the tap state aggregator parameters
type TelemetryConfig struct {
	// LowKegThreshold fraction of capacity below which a keg is low
	LowKegThreshold float64 `mapstructure:"low_keg_threshold" json:"low_keg_threshold" validate:"gt=0,lt=1"`
	// Workers number of parallel per-tap workers
	Workers int `mapstructure:"aggregator_workers" json:"aggregator_workers" validate:"gte=1"`
	// TaskBuffer queue depth of each worker
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=0"`
	// ApplyTimeout max duration to wait for an event to be applied in ms
	ApplyTimeout int `mapstructure:"apply_timeout_ms" json:"apply_timeout_ms" validate:"gte=1"`
}

// HubConfig defines the broadcast hub parameters
type HubConfig struct {
	// SessionBuffer outbound queue depth of each live session
	SessionBuffer int `mapstructure:"session_buffer" json:"session_buffer" validate:"gte=1"`
	// IdleTimeout session is pruned when silent for this long in seconds
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=1"`
	// PruneInterval how often to look for idle sessions in seconds
	PruneInterval int `mapstructure:"prune_interval_sec" json:"prune_interval_sec" validate:"gte=1"`
	// StatsInterval how often to broadcast pipeline stats in seconds
	StatsInterval int `mapstructure:"stats_interval_sec" json:"stats_interval_sec" validate:"gte=1"`
}

// IngestConfig defines the pour event ingestor parameters
type IngestConfig struct {
	// WebhookToken shared token devices present on the webhook. Empty disables the check.
	WebhookToken string `mapstructure:"webhook_token" json:"webhook_token"`
	// DeviceTimezone timezone of device timestamps without an offset
	DeviceTimezone string `mapstructure:"device_timezone" json:"device_timezone" validate:"required"`
	// InventoryFile YAML file listing the known taps and device bindings
	InventoryFile string `mapstructure:"inventory_file" json:"inventory_file"`
}

// StorageConfig defines the tap state store parameters
type StorageConfig struct {
	// Type store implementation
	Type string `mapstructure:"type" json:"type" validate:"required,oneof=memory bolt"`
	// BoltPath bolt DB file when using the bolt store
	BoltPath string `mapstructure:"bolt_path" json:"bolt_path" validate:"required_if=Type bolt"`
	// OpenTimeout max duration to wait for the bolt file lock in seconds
	OpenTimeout int `mapstructure:"open_timeout_sec" json:"open_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Dashboard Client Related Config

// DashboardConfig defines the live dashboard client connection parameters
type DashboardConfig struct {
	// ServerURL live channel websocket URL
	ServerURL string `mapstructure:"server_url" json:"server_url" validate:"required,url"`
	// HeartbeatInterval how often to ping and check liveness in ms
	HeartbeatInterval int `mapstructure:"heartbeat_interval_ms" json:"heartbeat_interval_ms" validate:"gte=1"`
	// HeartbeatTimeout connection is declared failed when silent for this long in ms
	HeartbeatTimeout int `mapstructure:"heartbeat_timeout_ms" json:"heartbeat_timeout_ms" validate:"gtefield=HeartbeatInterval"`
	// BackoffMin first reconnect delay in ms
	BackoffMin int `mapstructure:"backoff_min_ms" json:"backoff_min_ms" validate:"gte=1"`
	// BackoffMax reconnect delay ceiling in ms
	BackoffMax int `mapstructure:"backoff_max_ms" json:"backoff_max_ms" validate:"gtefield=BackoffMin"`
	// HandshakeTimeout max duration of the websocket handshake in ms
	HandshakeTimeout int `mapstructure:"handshake_timeout_ms" json:"handshake_timeout_ms" validate:"gte=1"`
	// DisplayTimezone timezone used when rendering pour times
	DisplayTimezone string `mapstructure:"display_timezone" json:"display_timezone" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// HTTP is the API server config
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// Telemetry is the tap state aggregator config
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry" validate:"required,dive"`
	// Hub is the broadcast hub config
	Hub HubConfig `mapstructure:"hub" json:"hub" validate:"required,dive"`
	// Ingest is the event ingestor config
	Ingest IngestConfig `mapstructure:"ingest" json:"ingest" validate:"required,dive"`
	// Storage is the tap state store config
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// NATS are the NATS device bus config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// MQTT are the MQTT device bus config parameters
	MQTT MQTTConfig `mapstructure:"mqtt" json:"mqtt" validate:"required,dive"`
	// Dashboard is the dashboard client config
	Dashboard DashboardConfig `mapstructure:"dashboard" json:"dashboard" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default API server settings
	viper.SetDefault("http.endpoint_config.path_prefix", "/")
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 3000)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 60)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Kegwatch-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"X-Webhook-Token", "Webhook-Token",
		},
	)

	// Default aggregator settings
	viper.SetDefault("telemetry.low_keg_threshold", 0.10)
	viper.SetDefault("telemetry.aggregator_workers", 4)
	viper.SetDefault("telemetry.task_buffer", 64)
	viper.SetDefault("telemetry.apply_timeout_ms", 5000)

	// Default hub settings
	viper.SetDefault("hub.session_buffer", 64)
	viper.SetDefault("hub.idle_timeout_sec", 30)
	viper.SetDefault("hub.prune_interval_sec", 5)
	viper.SetDefault("hub.stats_interval_sec", 30)

	// Default ingest settings
	viper.SetDefault("ingest.webhook_token", "")
	viper.SetDefault("ingest.device_timezone", DefaultDeviceTimezone)
	viper.SetDefault("ingest.inventory_file", "")

	// Default storage settings
	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.bolt_path", "kegwatch.db")
	viper.SetDefault("storage.open_timeout_sec", 5)

	// Default NATS settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.pour_subject", "kegwatch.pour")
	viper.SetDefault("nats.keg_change_subject", "kegwatch.keg_change")

	// Default MQTT settings
	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker_uri", "tcp://127.0.0.1:1883")
	viper.SetDefault("mqtt.client_id", "kegwatch")
	viper.SetDefault("mqtt.connect_timeout_sec", 30)
	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.pour_topic", "kegwatch/pour")
	viper.SetDefault("mqtt.keg_change_topic", "kegwatch/keg_change")

	// Default dashboard client settings
	viper.SetDefault("dashboard.server_url", "ws://127.0.0.1:3000/v1/live")
	viper.SetDefault("dashboard.heartbeat_interval_ms", 2000)
	viper.SetDefault("dashboard.heartbeat_timeout_ms", 3000)
	viper.SetDefault("dashboard.backoff_min_ms", 500)
	viper.SetDefault("dashboard.backoff_max_ms", 30000)
	viper.SetDefault("dashboard.handshake_timeout_ms", 5000)
	viper.SetDefault("dashboard.display_timezone", DefaultDeviceTimezone)
}
