package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCOBSRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00},
		{0x11, 0x22, 0x00, 0x33},
		bytes.Repeat([]byte{0x01}, 300),
		bytes.Repeat([]byte{0x00}, 10),
	}
	for _, src := range cases {
		encoded := COBSEncode(src)
		assert.NotContains(t, encoded, byte(0x00))

		decoded, err := COBSDecode(encoded)
		require.NoError(t, err)
		if len(src) == 0 {
			assert.Empty(t, decoded)
		} else {
			assert.Equal(t, src, decoded)
		}
	}
}

func TestCOBSDecodeRejectsTruncatedBlock(t *testing.T) {
	_, err := COBSDecode([]byte{0x05, 0x01, 0x02})
	require.Error(t, err)
}
