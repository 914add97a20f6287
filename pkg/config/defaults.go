package config

import (
	"time"

	"github.com/isantolin/mcubridge/internal/bytesize"
)

// DefaultConfig returns a Config populated with sane defaults for a
// constrained OpenWrt-class host.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills any zero-valued fields with defaults. Explicit values
// from file/env are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applySerialDefaults(&cfg.Serial)
	applyMQTTDefaults(&cfg.MQTT)
	applyFileDefaults(&cfg.File)
	applyMailboxDefaults(&cfg.Mailbox)
	applyConsoleDefaults(&cfg.Console)
	applyPinDefaults(&cfg.Pin)
	applyProcessDefaults(&cfg.Process)

	// The response timeout must be at least twice the retry timeout
	// (spec.md §3); clamp upward rather than reject, matching the spec's
	// explicit "clamped upward" instruction.
	if min := 2 * cfg.Serial.RetryTimeout; cfg.Serial.ResponseTimeout < min {
		cfg.Serial.ResponseTimeout = min
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applySerialDefaults(cfg *SerialConfig) {
	if cfg.Port == "" {
		cfg.Port = "/dev/ttyS0"
	}
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 200 * time.Millisecond
	}
	if cfg.RetryTimeout == 0 {
		cfg.RetryTimeout = 500 * time.Millisecond
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 2 * cfg.RetryTimeout
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = 3
	}
	if cfg.HandshakeFatalFailures == 0 {
		cfg.HandshakeFatalFailures = 3
	}
	if cfg.PendingPinRequestLimit == 0 {
		cfg.PendingPinRequestLimit = 32
	}
}

func applyMQTTDefaults(cfg *MQTTConfig) {
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tls://localhost:8883"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mcubridge"
	}
	if cfg.Topic == "" {
		cfg.Topic = "br"
	}
	if cfg.PublishQueueSize == 0 {
		cfg.PublishQueueSize = 256
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = "/tmp/mcubridge/spool"
	}
	if cfg.SpoolLimit == 0 {
		cfg.SpoolLimit = 2048
	}
	if !cfg.TLS.Enabled && cfg.TLS.CAFile == "" && cfg.TLS.CertFile == "" {
		cfg.TLS.Enabled = true
	}
}

func applyFileDefaults(cfg *FileConfig) {
	if cfg.FileSystemRoot == "" {
		cfg.FileSystemRoot = "/tmp/mcubridge/files"
	}
	if cfg.WriteMaxBytes == 0 {
		cfg.WriteMaxBytes = 4 * bytesize.KiB
	}
	if cfg.StorageQuotaBytes == 0 {
		cfg.StorageQuotaBytes = 1 * bytesize.MiB
	}
}

func applyMailboxDefaults(cfg *MailboxConfig) {
	if cfg.QueueLimit == 0 {
		cfg.QueueLimit = 64
	}
	if cfg.QueueBytesLimit == 0 {
		cfg.QueueBytesLimit = 16 * bytesize.KiB
	}
}

func applyConsoleDefaults(cfg *ConsoleConfig) {
	if cfg.QueueLimit == 0 {
		cfg.QueueLimit = 128
	}
	if cfg.QueueBytesLimit == 0 {
		cfg.QueueBytesLimit = 32 * bytesize.KiB
	}
}

func applyPinDefaults(cfg *PinConfig) {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = "OUTPUT"
	}
}

func applyProcessDefaults(cfg *ProcessConfig) {
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.OutputLimit == 0 {
		cfg.OutputLimit = 4 * bytesize.KiB
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 64 * bytesize.KiB
	}
}
