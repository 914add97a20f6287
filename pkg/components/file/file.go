// Package file implements MCU and MQTT file read/write/remove, rooted
// under a configured directory with path-traversal protection and a
// storage quota, grounded on
// original_source/openwrt-mcu-bridge/mcubridge/services/file.py.
package file

import (
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/isantolin/mcubridge/pkg/components"
	"github.com/isantolin/mcubridge/pkg/config"
	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/mqttspool"
	"github.com/isantolin/mcubridge/pkg/protocol"
	"github.com/isantolin/mcubridge/pkg/state"
)

const (
	mqttExpiryFileSeconds = uint32(120)
	fileLargeWarningBytes = 1 << 20
	// volatileStoragePrefixes are the paths the write-quota warning treats
	// as safe to wear out; anything else logs a flash-wear warning.
)

var volatileStoragePrefixes = []string{"/tmp", "/mnt"}

// Component encapsulates file read/write/remove logic.
type Component struct {
	ctx   components.Context
	state *state.RuntimeState
	log   *slog.Logger
	cfg   config.FileConfig

	storageLock sync.Mutex
	usageSeeded bool
}

// New builds a Component and seeds the storage-usage counter from disk.
func New(ctx components.Context, st *state.RuntimeState, log *slog.Logger, cfg config.FileConfig) *Component {
	if log == nil {
		log = slog.Default()
	}
	c := &Component{ctx: ctx, state: st, log: log, cfg: cfg}
	c.ensureUsageSeeded()
	return c
}

// HandleWrite processes CMD_FILE_WRITE, rejecting traversal/absolute paths
// before attempting the write.
func (c *Component) HandleWrite(ctx context.Context, payload []byte) (bool, error) {
	path, data, ok := parseWritePacket(payload)
	if !ok {
		c.log.WarnContext(ctx, "invalid file write payload")
		return false, nil
	}
	if !isSafeRelativePath(path) {
		c.log.WarnContext(ctx, "blocked unsafe file write path", slog.String("path", path))
		c.ctx.SendFrame(ctx, protocol.StatusError, []byte("invalid_path"))
		return false, nil
	}

	ok, reason := c.performWrite(path, data)
	if ok {
		c.ctx.SendFrame(ctx, protocol.StatusOK, nil)
		return true, nil
	}
	c.ctx.SendFrame(ctx, protocol.StatusError, []byte(reason))
	return false, nil
}

// HandleRead processes CMD_FILE_READ, streaming the file back across one or
// more CMD_FILE_READ_RESP frames.
func (c *Component) HandleRead(ctx context.Context, payload []byte) (bool, error) {
	path, ok := parsePathPacket(payload)
	if !ok {
		c.log.WarnContext(ctx, "invalid file read payload")
		return false, nil
	}

	data, ok, reason := c.performRead(path)
	if !ok {
		c.ctx.SendFrame(ctx, protocol.StatusError, []byte(reason))
		return false, nil
	}

	maxPayload := protocol.MaxPayloadSize - 2
	if len(data) == 0 {
		c.ctx.SendFrame(ctx, protocol.CmdFileReadResp, lengthPrefix(0))
		return true, nil
	}
	for offset := 0; offset < len(data); offset += maxPayload {
		end := offset + maxPayload
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		response := append(lengthPrefix(len(chunk)), chunk...)
		c.ctx.SendFrame(ctx, protocol.CmdFileReadResp, response)
	}
	return true, nil
}

// HandleRemove processes CMD_FILE_REMOVE.
func (c *Component) HandleRemove(ctx context.Context, payload []byte) (bool, error) {
	path, ok := parsePathPacket(payload)
	if !ok {
		c.log.WarnContext(ctx, "invalid file remove payload")
		return false, nil
	}
	ok, reason := c.performRemove(path)
	if ok {
		c.ctx.SendFrame(ctx, protocol.StatusOK, nil)
		return true, nil
	}
	c.ctx.SendFrame(ctx, protocol.StatusError, []byte(reason))
	return false, nil
}

// HandleMQTT routes file/write, file/read and file/remove MQTT actions.
func (c *Component) HandleMQTT(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
	path := strings.Join(route.Remainder, "/")
	if path == "" {
		c.log.WarnContext(ctx, "mqtt file action missing path", slog.String("action", route.Identifier))
		return false, nil
	}

	switch route.Identifier {
	case "write":
		if ok, reason := c.performWrite(path, msg.Payload); !ok {
			c.log.ErrorContext(ctx, "mqtt file write failed", slog.String("path", path), slog.String("reason", reason))
		}
		return true, nil
	case "read":
		data, ok, reason := c.performRead(path)
		if !ok {
			c.log.ErrorContext(ctx, "mqtt file read failed", slog.String("path", path), slog.String("reason", reason))
			return true, nil
		}
		segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
		topic := components.TopicPath(c.ctx.TopicPrefix(), append([]string{"file", "read", "response"}, segments...)...)
		expiry := mqttExpiryFileSeconds
		c.ctx.EnqueueMQTT(ctx, mqttspool.QueuedPublish{
			Topic:                 topic,
			Payload:               data,
			MessageExpiryInterval: &expiry,
			UserProperties:        []mqttspool.UserProperty{{Key: "bridge-file-path", Value: path}},
		}, &msg)
		return true, nil
	case "remove":
		if ok, reason := c.performRemove(path); !ok {
			c.log.ErrorContext(ctx, "mqtt file remove failed", slog.String("path", path), slog.String("reason", reason))
		}
		return true, nil
	default:
		return false, nil
	}
}

func (c *Component) performWrite(path string, data []byte) (bool, string) {
	safePath, ok := c.safePath(path)
	if !ok {
		return false, "unsafe_path"
	}
	c.ensureUsageSeeded()
	c.warnIfNonVolatile(safePath)

	c.storageLock.Lock()
	defer c.storageLock.Unlock()

	limit := c.cfg.WriteMaxBytes.Uint64()
	if limit == 0 {
		limit = 1
	}
	if uint64(len(data)) > limit {
		c.state.IncrementFileWriteLimitRejections()
		return false, "write_limit_exceeded"
	}

	currentUsage := c.state.FileStorageBytesUsed()
	previousSize := existingFileSize(safePath)
	if previousSize > currentUsage {
		currentUsage = c.refreshStorageUsage()
		if previousSize > currentUsage {
			previousSize = currentUsage
		}
	}

	projected := currentUsage - previousSize + uint64(len(data))
	quota := c.cfg.StorageQuotaBytes.Uint64()
	if quota < limit {
		quota = limit
	}
	if projected > quota {
		c.state.IncrementFileStorageLimitRejections()
		return false, "storage_quota_exceeded"
	}

	if err := appendFile(safePath, data); err != nil {
		c.log.Error("failed to write file", slog.String("path", safePath), slog.Any("error", err))
		return false, "write_failed"
	}

	c.state.SetFileStorageBytesUsed(projected)
	return true, "ok"
}

func (c *Component) performRead(path string) ([]byte, bool, string) {
	safePath, ok := c.safePath(path)
	if !ok {
		return nil, false, "unsafe_path"
	}
	data, err := os.ReadFile(safePath)
	if err != nil {
		return nil, false, "read_failed"
	}
	return data, true, "ok"
}

func (c *Component) performRemove(path string) (bool, string) {
	safePath, ok := c.safePath(path)
	if !ok {
		return false, "unsafe_path"
	}

	c.storageLock.Lock()
	defer c.storageLock.Unlock()

	removedBytes := existingFileSize(safePath)
	if err := os.Remove(safePath); err != nil {
		return false, "remove_failed"
	}
	if removedBytes > 0 {
		used := c.state.FileStorageBytesUsed()
		if removedBytes > used {
			removedBytes = used
		}
		c.state.SetFileStorageBytesUsed(used - removedBytes)
	}
	return true, "ok"
}

func (c *Component) ensureUsageSeeded() {
	c.storageLock.Lock()
	seeded := c.usageSeeded
	c.storageLock.Unlock()
	if seeded {
		return
	}
	c.refreshStorageUsage()
	c.storageLock.Lock()
	c.usageSeeded = true
	c.storageLock.Unlock()
}

func (c *Component) refreshStorageUsage() uint64 {
	baseDir, ok := c.baseDir()
	if !ok {
		c.state.SetFileStorageBytesUsed(0)
		return 0
	}
	usage := scanDirectorySize(baseDir)
	c.state.SetFileStorageBytesUsed(usage)
	return usage
}

func (c *Component) baseDir() (string, bool) {
	root := c.cfg.FileSystemRoot
	if root == "" {
		root = "/tmp/mcubridge"
	}
	resolved, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	if !c.cfg.AllowNonTmpPaths {
		if resolved != "/tmp" && !strings.HasPrefix(resolved, "/tmp/") {
			c.log.Warn("rejecting file_system_root outside /tmp", slog.String("root", resolved))
			return "", false
		}
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		c.log.Error("failed to create file store base directory", slog.String("root", resolved), slog.Any("error", err))
		return "", false
	}
	return resolved, true
}

func (c *Component) safePath(path string) (string, bool) {
	baseDir, ok := c.baseDir()
	if !ok {
		return "", false
	}
	normalised, ok := normaliseRelativePath(path)
	if !ok {
		return "", false
	}
	candidate := filepath.Join(baseDir, normalised)
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", false
		}
		resolved = candidate
	}
	if resolved != baseDir && !strings.HasPrefix(resolved, baseDir+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}

func (c *Component) warnIfNonVolatile(resolved string) {
	for _, prefix := range volatileStoragePrefixes {
		if strings.HasPrefix(resolved, prefix) {
			return
		}
	}
	c.log.Warn("writing to non-volatile storage", slog.String("path", resolved))
}

func isSafeRelativePath(path string) bool {
	_, ok := normaliseRelativePath(path)
	return ok
}

func normaliseRelativePath(path string) (string, bool) {
	stripped := strings.TrimSpace(strings.ReplaceAll(path, "\\", "/"))
	if stripped == "" || strings.HasPrefix(stripped, "/") {
		return "", false
	}
	parts := strings.Split(stripped, "/")
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", false
		}
		if strings.ContainsRune(part, 0) {
			return "", false
		}
		cleaned = append(cleaned, part)
	}
	if len(cleaned) == 0 {
		return "", false
	}
	return filepath.Join(cleaned...), true
}

func existingFileSize(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}

func appendFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	info, err := f.Stat()
	if err == nil && info.Size() > fileLargeWarningBytes {
		slog.Warn("file growing large in storage", slog.String("path", path))
	}
	return nil
}

func scanDirectorySize(root string) uint64 {
	var total uint64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += uint64(info.Size())
		return nil
	})
	return total
}

func lengthPrefix(n int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(n))
	return b
}

func parsePathPacket(payload []byte) (string, bool) {
	if len(payload) < 1 {
		return "", false
	}
	pathLen := int(payload[0])
	if len(payload) < 1+pathLen {
		return "", false
	}
	return string(payload[1 : 1+pathLen]), true
}

func parseWritePacket(payload []byte) (string, []byte, bool) {
	if len(payload) < 1 {
		return "", nil, false
	}
	pathLen := int(payload[0])
	if len(payload) < 1+pathLen {
		return "", nil, false
	}
	path := string(payload[1 : 1+pathLen])
	data := payload[1+pathLen:]
	return path, data, true
}
