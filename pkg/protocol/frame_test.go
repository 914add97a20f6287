package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParseRoundTrip(t *testing.T) {
	cases := []struct {
		id      uint16
		payload []byte
	}{
		{CmdDigitalWrite, []byte{5, 1}},
		{CmdGetVersion, nil},
		{StatusACK, []byte{0x00, 0x51}},
		{CmdFileWrite, bytes.Repeat([]byte{0xAB}, MaxPayloadSize)},
	}
	for _, tc := range cases {
		raw, err := Build(tc.id, tc.payload)
		require.NoError(t, err)

		gotID, gotPayload, err := Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, tc.id, gotID)
		assert.Equal(t, tc.payload, gotPayload)
	}
}

func TestBuildRejectsOversizedPayload(t *testing.T) {
	_, err := Build(CmdFileWrite, make([]byte, MaxPayloadSize+1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))
}

func TestParseRejectsCorruptedCRC(t *testing.T) {
	raw, err := Build(CmdDigitalWrite, []byte{5, 1})
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF

	_, _, err = Parse(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCRCMismatch))
}

func TestParseRejectsReservedCommandID(t *testing.T) {
	raw, err := Build(16, nil)
	require.NoError(t, err)

	_, _, err = Parse(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandIDReserved))
}

func TestParseRejectsShortFrame(t *testing.T) {
	_, _, err := Parse([]byte{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooShort))
}

func TestParseRejectsVersionMismatch(t *testing.T) {
	raw, err := Build(CmdDigitalWrite, []byte{5, 1})
	require.NoError(t, err)
	raw[0] = ProtocolVersion + 1

	_, _, err = Parse(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionMismatch))
}

func TestEncodeCompressedRoundTripsThroughParse(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00}, 40)
	cmd, encoded := EncodeCompressed(CmdFileWrite, payload)
	assert.NotEqual(t, uint16(0), cmd&CompressedFlag)

	raw, err := Build(cmd, encoded)
	require.NoError(t, err)

	gotID, gotPayload, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, CmdFileWrite, gotID)
	assert.Equal(t, payload, gotPayload)
}
