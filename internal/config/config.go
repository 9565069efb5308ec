// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config is the top-level static configuration. Maps to the `carlink:` root
// key in YAML.
type Config struct {
	Protocol   ProtocolConfig   `mapstructure:"protocol"`
	AppManager AppManagerConfig `mapstructure:"appmanager"`
	Transport  TransportConfig  `mapstructure:"transport"`
	HMI        HMIConfig        `mapstructure:"hmi"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

// ProtocolConfig bounds the wire protocol engine.
type ProtocolConfig struct {
	MaxPayloadSize   uint32 `mapstructure:"max_payload_size"`   // Declared payload bound per packet
	MaxFrameData     uint32 `mapstructure:"max_frame_data"`     // Fragmentation threshold incl. header
	MultiframeEnabled bool  `mapstructure:"multiframe_enabled"`
	SDL4Enabled      bool   `mapstructure:"sdl4_enabled"`

	HeartbeatEnabled bool   `mapstructure:"heartbeat_enabled"`
	HeartbeatTimeout string `mapstructure:"heartbeat_timeout"` // e.g. "7s"

	// Message flood metering
	MessageFrequencyTime string `mapstructure:"message_frequency_time"`
	MessageMaxFrequency  int    `mapstructure:"message_max_frequency"`

	// Malformed metering
	MalformedFiltering     bool   `mapstructure:"malformed_filtering"`
	MalformedFrequencyTime string `mapstructure:"malformed_frequency_time"`
	MalformedMaxFrequency  int    `mapstructure:"malformed_max_frequency"`

	// Outbound scheduler
	OutboundQueueSize int `mapstructure:"outbound_queue_size"`

	// Security
	SecurityEnabled bool `mapstructure:"security_enabled"`
}

// AppManagerConfig bounds the application manager.
type AppManagerConfig struct {
	DefaultTimeout            string `mapstructure:"default_timeout"`
	PendingRequestsAmount     int    `mapstructure:"pending_requests_amount"`
	AppRequestsTimeScale      string `mapstructure:"app_requests_time_scale"`
	AppTimeScaleMaxRequests   int    `mapstructure:"app_time_scale_max_requests"`
	AppHMILevelNoneTimeScale  string `mapstructure:"app_hmi_level_none_time_scale"`
	AppHMILevelNoneMaxRequests int   `mapstructure:"app_hmi_level_none_max_requests"`
	StopStreamingTimeout      string `mapstructure:"stop_streaming_timeout"`
	TTSGlobalPropertiesTimeout string `mapstructure:"tts_global_properties_timeout"`
	ResumptionTTL             string `mapstructure:"resumption_ttl"`
}

// TransportConfig configures the device transport adapter.
type TransportConfig struct {
	Listen string `mapstructure:"listen"` // TCP listen address, e.g. ":12345"
}

// HMIConfig configures the HMI message handler.
type HMIConfig struct {
	Adapter      string         `mapstructure:"adapter"` // "websocket" | "inprocess"
	WebsocketURL string         `mapstructure:"websocket_url"`
	BusPartitions int           `mapstructure:"bus_partitions"`
	BusQueueSize  int           `mapstructure:"bus_queue_size"`
	Options      map[string]any `mapstructure:"options"` // Adapter-specific settings
}

// WebsocketOptions are adapter-specific settings decoded from HMIConfig.Options.
type WebsocketOptions struct {
	Origin         string `mapstructure:"origin"`
	ReconnectDelay string `mapstructure:"reconnect_delay"`
}

// PolicyConfig points at the policy table.
type PolicyConfig struct {
	TablePath string `mapstructure:"table_path"`
}

// TelemetryConfig configures the Kafka lifecycle event reporter.
type TelemetryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string           `mapstructure:"level"`  // debug | info | warn | error
	Format string           `mapstructure:"format"` // json | text
	File   FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures rotating file output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures lumberjack rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CARLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// Unmarshal into wrapper → extract the inner Config
	var root struct {
		Carlink Config `mapstructure:"carlink"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg := root.Carlink
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("carlink.protocol.max_payload_size", 131072)
	v.SetDefault("carlink.protocol.max_frame_data", 1500)
	v.SetDefault("carlink.protocol.multiframe_enabled", true)
	v.SetDefault("carlink.protocol.heartbeat_timeout", "7s")
	v.SetDefault("carlink.protocol.message_frequency_time", "1s")
	v.SetDefault("carlink.protocol.message_max_frequency", 100)
	v.SetDefault("carlink.protocol.malformed_frequency_time", "1s")
	v.SetDefault("carlink.protocol.malformed_max_frequency", 10)
	v.SetDefault("carlink.protocol.outbound_queue_size", 1024)
	v.SetDefault("carlink.appmanager.default_timeout", "10s")
	v.SetDefault("carlink.appmanager.pending_requests_amount", 0)
	v.SetDefault("carlink.appmanager.app_requests_time_scale", "10s")
	v.SetDefault("carlink.appmanager.app_time_scale_max_requests", 0)
	v.SetDefault("carlink.appmanager.app_hmi_level_none_time_scale", "10s")
	v.SetDefault("carlink.appmanager.app_hmi_level_none_max_requests", 0)
	v.SetDefault("carlink.appmanager.stop_streaming_timeout", "1s")
	v.SetDefault("carlink.appmanager.tts_global_properties_timeout", "20s")
	v.SetDefault("carlink.appmanager.resumption_ttl", "3m")
	v.SetDefault("carlink.transport.listen", ":12345")
	v.SetDefault("carlink.hmi.adapter", "inprocess")
	v.SetDefault("carlink.hmi.bus_partitions", 4)
	v.SetDefault("carlink.hmi.bus_queue_size", 256)
	v.SetDefault("carlink.metrics.path", "/metrics")
	v.SetDefault("carlink.log.level", "info")
	v.SetDefault("carlink.log.format", "text")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Protocol.MaxPayloadSize == 0 {
		return fmt.Errorf("protocol.max_payload_size must be positive")
	}
	if c.Protocol.MaxFrameData <= 12 {
		return fmt.Errorf("protocol.max_frame_data must exceed the packet header size")
	}
	for name, s := range map[string]string{
		"protocol.heartbeat_timeout":              c.Protocol.HeartbeatTimeout,
		"protocol.message_frequency_time":         c.Protocol.MessageFrequencyTime,
		"protocol.malformed_frequency_time":       c.Protocol.MalformedFrequencyTime,
		"appmanager.default_timeout":              c.AppManager.DefaultTimeout,
		"appmanager.app_requests_time_scale":      c.AppManager.AppRequestsTimeScale,
		"appmanager.app_hmi_level_none_time_scale": c.AppManager.AppHMILevelNoneTimeScale,
		"appmanager.stop_streaming_timeout":       c.AppManager.StopStreamingTimeout,
		"appmanager.tts_global_properties_timeout": c.AppManager.TTSGlobalPropertiesTimeout,
		"appmanager.resumption_ttl":               c.AppManager.ResumptionTTL,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", name, s, err)
		}
	}
	switch c.HMI.Adapter {
	case "", "inprocess", "websocket":
	default:
		return fmt.Errorf("hmi.adapter must be websocket or inprocess, got %q", c.HMI.Adapter)
	}
	if c.HMI.Adapter == "websocket" && c.HMI.WebsocketURL == "" {
		return fmt.Errorf("hmi.websocket_url is required for the websocket adapter")
	}
	if c.Telemetry.Enabled {
		if len(c.Telemetry.Brokers) == 0 {
			return fmt.Errorf("telemetry.brokers is required when telemetry is enabled")
		}
		if c.Telemetry.Topic == "" {
			return fmt.Errorf("telemetry.topic is required when telemetry is enabled")
		}
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}

// Duration parses a duration field that Validate already checked, falling
// back to def when the field is empty.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// DecodeOptions decodes a free-form adapter option map into out.
func DecodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("failed to build option decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("failed to decode options: %w", err)
	}
	return nil
}

// IntOption reads a single integer from an option map with a default.
func IntOption(options map[string]any, key string, def int) int {
	if options == nil {
		return def
	}
	raw, ok := options[key]
	if !ok {
		return def
	}
	return cast.ToInt(raw)
}
