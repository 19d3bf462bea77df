package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime settings. Values come from defaults, an optional
// YAML/JSON file and RSTATUS_* environment variables, in increasing priority.
type Config struct {
	HTTPPort        string        `mapstructure:"http_port"`
	TCPPort         string        `mapstructure:"tcp_port"`
	TCPEnabled      bool          `mapstructure:"tcp_enabled"`
	EnableMessaging bool          `mapstructure:"enable_messaging"`
	ProxyProtocol   bool          `mapstructure:"proxy_protocol"`
	KeepAlive       time.Duration `mapstructure:"keepalive"`     // TCP keepalive idle; 0 disables
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`  // Read deadline per frame; 0 waits forever
	WriteTimeout    time.Duration `mapstructure:"write_timeout"` // Bound on a dispatch write
	LogLevel        string        `mapstructure:"log_level"`
	DebugHTTP       bool          `mapstructure:"debug_http"`
	MQTT            MQTTConfig    `mapstructure:"mqtt"`
}

// MQTTConfig configures the optional presence mirror. An empty Broker
// disables it.
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

// Enabled reports whether a broker is configured
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

const (
	defaultHTTPPort     = "5000"
	defaultTCPPort      = "5001"
	defaultKeepAlive    = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultLogLevel     = "info"
	defaultMQTTClientID = "rstatus-server"
	defaultTopicPrefix  = "rstatus"
	defaultMQTTQoS      = 1
)

// Load reads configuration from path (if any) and the environment
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RSTATUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_port", defaultHTTPPort)
	v.SetDefault("tcp_port", defaultTCPPort)
	v.SetDefault("tcp_enabled", true)
	v.SetDefault("enable_messaging", false)
	v.SetDefault("proxy_protocol", false)
	v.SetDefault("keepalive", defaultKeepAlive.String())
	v.SetDefault("idle_timeout", "0s")
	v.SetDefault("write_timeout", defaultWriteTimeout.String())
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("debug_http", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", defaultMQTTClientID)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", defaultTopicPrefix)
	v.SetDefault("mqtt.qos", defaultMQTTQoS)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// Older Config.json files name the HTTP port after the web framework
		if v.InConfig("flask_port") && !v.InConfig("http_port") {
			v.SetDefault("http_port", v.GetString("flask_port"))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("http_port is required")
	}
	if c.TCPEnabled && c.TCPPort == "" {
		return fmt.Errorf("tcp_port is required when tcp_enabled is set")
	}
	if c.KeepAlive < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %v", c.WriteTimeout)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}
