// Package config loads and validates the bridge daemon's configuration.
//
// Parsing the OpenWrt UCI schema the production daemon is deployed with is
// out of scope for this package (see spec.md §1) — Load reads a YAML file
// plus MCUBRIDGE_-prefixed environment variables with Viper, the way an
// external UCI-to-struct translator would before handing the result to the
// daemon. Validate implements every rule spec.md §3 enumerates.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/isantolin/mcubridge/internal/bytesize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the pre-validated structure the bridge daemon consumes.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Serial  SerialConfig  `mapstructure:"serial" yaml:"serial"`
	MQTT    MQTTConfig    `mapstructure:"mqtt" yaml:"mqtt"`
	File    FileConfig    `mapstructure:"file" yaml:"file"`
	Mailbox MailboxConfig `mapstructure:"mailbox" yaml:"mailbox"`
	Console ConsoleConfig `mapstructure:"console" yaml:"console"`
	Pin     PinConfig     `mapstructure:"pin" yaml:"pin"`
	Process ProcessConfig `mapstructure:"process" yaml:"process"`
}

// LoggingConfig controls the ambient structured-logging layer.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// SerialConfig describes the UART link and the handshake/flow-control
// timing budget negotiated with the MCU.
type SerialConfig struct {
	Port    string `mapstructure:"port" yaml:"port"`
	Baud    int    `mapstructure:"baud" yaml:"baud"`
	Secret  string `mapstructure:"secret" yaml:"secret"`

	AckTimeout      time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`
	RetryTimeout    time.Duration `mapstructure:"retry_timeout" yaml:"retry_timeout"`
	RetryLimit      int           `mapstructure:"retry_limit" yaml:"retry_limit"`

	HandshakeFatalFailures int `mapstructure:"handshake_fatal_failures" yaml:"handshake_fatal_failures"`

	PendingPinRequestLimit int `mapstructure:"pending_pin_request_limit" yaml:"pending_pin_request_limit"`
}

// TLSConfig controls transport security for the MQTT client.
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	CAFile             string `mapstructure:"ca_file" yaml:"ca_file"`
	CertFile           string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile            string `mapstructure:"key_file" yaml:"key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// MQTTConfig describes the broker connection, topic tree root, and the
// durable spool that absorbs publish-queue overflow.
type MQTTConfig struct {
	BrokerURL string    `mapstructure:"broker_url" yaml:"broker_url"`
	ClientID  string    `mapstructure:"client_id" yaml:"client_id"`
	Username  string    `mapstructure:"username" yaml:"username"`
	Password  string    `mapstructure:"password" yaml:"password"`
	TLS       TLSConfig `mapstructure:"tls" yaml:"tls"`

	Topic string `mapstructure:"topic" yaml:"topic"`

	PublishQueueSize int           `mapstructure:"publish_queue_size" yaml:"publish_queue_size"`
	KeepAlive        time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`

	SpoolDir      string `mapstructure:"spool_dir" yaml:"spool_dir"`
	SpoolLimit    int    `mapstructure:"spool_limit" yaml:"spool_limit"`
}

// FileConfig bounds the MCU-addressable file store rooted under
// FileSystemRoot.
type FileConfig struct {
	FileSystemRoot     string           `mapstructure:"file_system_root" yaml:"file_system_root"`
	AllowNonTmpPaths   bool             `mapstructure:"allow_non_tmp_paths" yaml:"allow_non_tmp_paths"`
	WriteMaxBytes      bytesize.ByteSize `mapstructure:"write_max_bytes" yaml:"write_max_bytes"`
	StorageQuotaBytes  bytesize.ByteSize `mapstructure:"storage_quota_bytes" yaml:"storage_quota_bytes"`
}

// MailboxConfig bounds the two mailbox queues (incoming/outgoing).
type MailboxConfig struct {
	QueueLimit      int               `mapstructure:"queue_limit" yaml:"queue_limit"`
	QueueBytesLimit bytesize.ByteSize `mapstructure:"queue_bytes_limit" yaml:"queue_bytes_limit"`
}

// ConsoleConfig bounds the outbound console byte queue.
type ConsoleConfig struct {
	QueueLimit      int               `mapstructure:"queue_limit" yaml:"queue_limit"`
	QueueBytesLimit bytesize.ByteSize `mapstructure:"queue_bytes_limit" yaml:"queue_bytes_limit"`
}

// PinConfig carries pin-policy defaults layered over reported MCU
// capabilities.
type PinConfig struct {
	DefaultMode string `mapstructure:"default_mode" yaml:"default_mode"`
}

// ProcessConfig bounds managed-subprocess execution.
type ProcessConfig struct {
	MaxConcurrent   int               `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	Timeout         time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	OutputLimit     bytesize.ByteSize `mapstructure:"output_limit" yaml:"output_limit"`
	MaxOutputBytes  bytesize.ByteSize `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	AllowedCommands []string          `mapstructure:"allowed_commands" yaml:"allowed_commands"`
}

// Load reads configuration from a YAML file (if present), environment
// variable overrides, and defaults, then validates the result. An
// MCUBRIDGE_ environment variable overrides only a key the file itself
// sets; when no file is found, environment variables are not read and only
// defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// MustLoad loads configuration, returning an actionable error when the
// requested file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
	}
	return Load(configPath)
}

// Save writes cfg to path in YAML form with restricted permissions.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("MCUBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("mcubridge")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
