package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer for testing.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false
	mu.Unlock()

	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
	}

	return buf, cleanup
}

func TestLevelFiltering(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("WARN")
	Debug("should be filtered")
	Info("should be filtered too")
	Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "should be filtered")
	assert.Contains(t, out, "kept")
}

func TestJSONFormatIncludesFields(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	SetFormat("json")
	Info("frame dispatched", KeyCommandID, uint16(0x51), KeyPin, 5)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "frame dispatched", decoded["msg"])
	assert.EqualValues(t, 0x51, decoded[KeyCommandID])
	assert.EqualValues(t, 5, decoded[KeyPin])
}

func TestContextFieldsArePrepended(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	SetFormat("json")

	lc := NewLogContext("pin").WithCommand(0x50).WithPin(3)
	ctx := WithContext(context.Background(), lc)
	InfoCtx(ctx, "digital write")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "pin", decoded[KeyComponent])
	assert.EqualValues(t, 3, decoded[KeyPin])
}

func TestSetLevelIgnoresInvalidValue(t *testing.T) {
	SetLevel("INFO")
	before := Level(currentLevel.Load())
	SetLevel("NOT_A_LEVEL")
	assert.Equal(t, before, Level(currentLevel.Load()))
}

func TestDurationMsOnZeroContext(t *testing.T) {
	var lc *LogContext
	assert.Equal(t, float64(0), lc.DurationMs())
}
