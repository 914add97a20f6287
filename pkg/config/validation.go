package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// forbiddenSerialSecret is the literal placeholder secret spec.md §3
// requires rejecting outright, regardless of length.
const forbiddenSerialSecret = "changeme123"

// Validate checks cfg against every rule spec.md §3 enumerates, collecting
// every violation instead of failing on the first so an operator sees the
// whole list at once.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSerialSecret(cfg.Serial.Secret)...)

	if cfg.File.StorageQuotaBytes < cfg.File.WriteMaxBytes {
		errs = append(errs, fmt.Errorf(
			"file.storage_quota_bytes (%d) must be >= file.write_max_bytes (%d)",
			cfg.File.StorageQuotaBytes, cfg.File.WriteMaxBytes))
	}

	if uint64(cfg.Mailbox.QueueBytesLimit) < uint64(cfg.Mailbox.QueueLimit) {
		errs = append(errs, fmt.Errorf(
			"mailbox.queue_bytes_limit (%d) must be >= mailbox.queue_limit (%d)",
			cfg.Mailbox.QueueBytesLimit, cfg.Mailbox.QueueLimit))
	}

	if err := validateUnderTmp("mqtt.spool_dir", cfg.MQTT.SpoolDir, false); err != nil {
		errs = append(errs, err)
	}

	if err := validateUnderTmp("file.file_system_root", cfg.File.FileSystemRoot, cfg.File.AllowNonTmpPaths); err != nil {
		errs = append(errs, err)
	}

	normalizedTopic, err := normalizeTopicPrefix(cfg.MQTT.Topic)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MQTT.Topic = normalizedTopic
	}

	// response_timeout >= 2 * retry_timeout is enforced by clamping in
	// ApplyDefaults; Validate only catches the case where a caller built a
	// Config by hand, bypassing defaults.
	if cfg.Serial.ResponseTimeout < 2*cfg.Serial.RetryTimeout {
		errs = append(errs, fmt.Errorf(
			"serial.response_timeout (%s) must be >= 2x serial.retry_timeout (%s)",
			cfg.Serial.ResponseTimeout, 2*cfg.Serial.RetryTimeout))
	}

	return errors.Join(errs...)
}

// validateSerialSecret enforces the three §3 rules on the shared secret
// used to derive the handshake HMAC key: non-empty and >= 8 bytes, not the
// literal placeholder, and at least 4 distinct bytes.
func validateSerialSecret(secret string) []error {
	var errs []error

	if len(secret) < 8 {
		errs = append(errs, fmt.Errorf("serial.secret must be at least 8 bytes, got %d", len(secret)))
	}
	if secret == forbiddenSerialSecret {
		errs = append(errs, errors.New("serial.secret must not be the literal placeholder \"changeme123\""))
	}

	distinct := make(map[byte]struct{})
	for i := 0; i < len(secret); i++ {
		distinct[secret[i]] = struct{}{}
	}
	if len(distinct) < 4 {
		errs = append(errs, fmt.Errorf("serial.secret must contain at least 4 distinct bytes, got %d", len(distinct)))
	}

	return errs
}

// validateUnderTmp enforces that path resolves under /tmp unless allowed
// is set, matching spec.md §3's flash-protection rule for both
// mqtt_spool_dir (always required) and file_system_root (gated by
// allow_non_tmp_paths).
func validateUnderTmp(field, path string, allowed bool) error {
	if allowed {
		return nil
	}
	if path == "" {
		return fmt.Errorf("%s must be set", field)
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%s: cannot resolve %q: %w", field, path, err)
	}
	if resolved != "/tmp" && !strings.HasPrefix(resolved, "/tmp/") {
		return fmt.Errorf("%s (%q) must resolve under /tmp (FLASH PROTECTION)", field, path)
	}
	return nil
}

// normalizeTopicPrefix trims slashes and rejects a path that normalizes to
// empty, per spec.md §3 ("normalized to non-empty segmented path").
func normalizeTopicPrefix(topic string) (string, error) {
	cleaned := strings.Trim(topic, "/")
	segments := make([]string, 0, 4)
	for _, seg := range strings.Split(cleaned, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return "", errors.New("mqtt.topic must normalize to a non-empty segmented path")
	}
	return strings.Join(segments, "/"), nil
}
