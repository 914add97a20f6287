package protocol

import (
	"encoding/binary"
	"fmt"
)

// Feature bitmask bits reported in CMD_GET_CAPABILITIES_RESP.
const (
	CapabilityWatchdog    uint32 = 1 << 0
	CapabilityRLE         uint32 = 1 << 1
	CapabilityDebugFrames uint32 = 1 << 2
	CapabilityDebugIO     uint32 = 1 << 3
	CapabilityEEPROM      uint32 = 1 << 4
	CapabilityDAC         uint32 = 1 << 5
	CapabilityHWSerial1   uint32 = 1 << 6
	CapabilityFPU         uint32 = 1 << 7
	CapabilityLogic3V3    uint32 = 1 << 8
	CapabilityBigBuffer   uint32 = 1 << 9
	CapabilityI2C         uint32 = 1 << 10
)

// Capabilities is the parsed CMD_GET_CAPABILITIES_RESP payload:
// ver:u8 | arch:u8 | dig:u8 | ana:u8 | feat:u32 (big-endian).
type Capabilities struct {
	ProtocolVersion byte
	BoardArch       byte
	NumDigitalPins  byte
	NumAnalogInputs byte
	Features        uint32
}

const capabilitiesPacketLen = 1 + 1 + 1 + 1 + 4

// HasFeature reports whether bit is set in the reported feature bitmask.
func (c Capabilities) HasFeature(bit uint32) bool {
	return c.Features&bit != 0
}

// ParseCapabilities decodes a CMD_GET_CAPABILITIES_RESP payload.
func ParseCapabilities(payload []byte) (Capabilities, error) {
	if len(payload) != capabilitiesPacketLen {
		return Capabilities{}, fmt.Errorf("protocol: capabilities payload length %d, want %d", len(payload), capabilitiesPacketLen)
	}
	return Capabilities{
		ProtocolVersion: payload[0],
		BoardArch:       payload[1],
		NumDigitalPins:  payload[2],
		NumAnalogInputs: payload[3],
		Features:        binary.BigEndian.Uint32(payload[4:8]),
	}, nil
}
