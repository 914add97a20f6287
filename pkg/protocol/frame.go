// Package protocol implements the binary frame format exchanged with the
// MCU over the serial link: header layout, CRC32 integrity, COBS framing,
// the command id space, and the optional RLE payload compression.
//
// Wire layout (big-endian, before COBS encoding):
//
//	version:u8 | payload_len:u16 | command_id:u16 | payload[payload_len] | crc32:u32
//
// CRC32 (IEEE polynomial) covers version‖payload_len‖command_id‖payload. The
// raw frame is then COBS-encoded and terminated with a single zero byte.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// ProtocolVersion is the only version this codec accepts.
	ProtocolVersion = 2

	// MaxPayloadSize bounds the payload carried by a single frame.
	MaxPayloadSize = 64

	headerSize  = 1 + 2 + 2 // version + payload_len + command_id
	crcSize     = 4
	minFrameLen = headerSize + crcSize

	// CompressedFlag is OR-ed onto command_id to signal an RLE-compressed
	// payload. It is masked off before the id is looked up in the
	// request/response table.
	CompressedFlag uint16 = 0x8000
)

var (
	ErrPayloadTooLarge    = errors.New("protocol: payload too large")
	ErrCommandIDOutOfRange = errors.New("protocol: command id out of range")
	ErrFrameTooShort      = errors.New("protocol: frame too short")
	ErrHeaderIncomplete   = errors.New("protocol: header incomplete")
	ErrCRCMismatch        = errors.New("protocol: crc mismatch")
	ErrVersionMismatch    = errors.New("protocol: version mismatch")
	ErrCommandIDReserved  = errors.New("protocol: command id reserved")
)

// Build serializes commandID and payload into a raw frame (header + payload
// + CRC), ready for COBS encoding. It does not apply RLE compression or the
// compressed flag — callers that want compression call EncodeCompressed.
func Build(commandID uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	buf := make([]byte, headerSize+len(payload)+crcSize)
	buf[0] = ProtocolVersion
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	binary.BigEndian.PutUint16(buf[3:5], commandID)
	copy(buf[headerSize:], payload)

	crc := crc32.ChecksumIEEE(buf[:headerSize+len(payload)])
	binary.BigEndian.PutUint32(buf[headerSize+len(payload):], crc)
	return buf, nil
}

// Parse validates and decodes a raw frame (post-COBS-decoding), returning
// the command id and payload. Parsing is total: it never returns a partial
// result, only a typed error or a complete (id, payload) pair.
func Parse(raw []byte) (uint16, []byte, error) {
	if len(raw) < minFrameLen {
		return 0, nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrFrameTooShort, len(raw), minFrameLen)
	}
	if len(raw) < headerSize+crcSize {
		return 0, nil, ErrHeaderIncomplete
	}

	version := raw[0]
	payloadLen := int(binary.BigEndian.Uint16(raw[1:3]))
	commandID := binary.BigEndian.Uint16(raw[3:5])

	if len(raw) != headerSize+payloadLen+crcSize {
		return 0, nil, fmt.Errorf("%w: declared payload_len %d does not match frame length %d", ErrFrameTooShort, payloadLen, len(raw))
	}

	covered := raw[:headerSize+payloadLen]
	wantCRC := binary.BigEndian.Uint32(raw[headerSize+payloadLen:])
	gotCRC := crc32.ChecksumIEEE(covered)
	if gotCRC != wantCRC {
		return 0, nil, fmt.Errorf("%w: computed 0x%08x, frame carries 0x%08x", ErrCRCMismatch, gotCRC, wantCRC)
	}

	if version != ProtocolVersion {
		return 0, nil, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, ProtocolVersion, version)
	}

	baseID := commandID &^ CompressedFlag
	if baseID < StatusCodeMin {
		return 0, nil, fmt.Errorf("%w: id %d below minimum %d", ErrCommandIDReserved, baseID, StatusCodeMin)
	}

	payload := raw[headerSize : headerSize+payloadLen]
	if commandID&CompressedFlag != 0 {
		decoded, err := RLEDecode(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("protocol: decompressing payload: %w", err)
		}
		return baseID, decoded, nil
	}
	return commandID, payload, nil
}

// EncodeCompressed opportunistically RLE-compresses payload and returns the
// (possibly OR-ed with CompressedFlag) command id and the payload to pass
// to Build.
// Compression is only applied when ShouldCompress(payload) holds and the
// encoded form is strictly shorter than the original.
func EncodeCompressed(commandID uint16, payload []byte) (uint16, []byte) {
	if len(payload) == 0 || !ShouldCompress(payload) {
		return commandID, payload
	}
	compressed := RLEEncode(payload)
	if len(compressed) < len(payload) {
		return commandID | CompressedFlag, compressed
	}
	return commandID, payload
}
