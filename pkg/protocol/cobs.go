package protocol

import "errors"

// ErrCOBSDecode is returned when a byte stream does not decode as a valid
// COBS-encoded block (the overhead byte points past the end of input).
var ErrCOBSDecode = errors.New("protocol: invalid cobs encoding")

// COBSEncode consine-obfuscates-byte-stuffs src so the result contains no
// zero bytes, per Cheshire/Baker's Consistent Overhead Byte Stuffing. The
// caller is responsible for appending the single zero delimiter byte used
// to terminate a frame on the wire.
func COBSEncode(src []byte) []byte {
	if len(src) == 0 {
		return []byte{0x01}
	}

	dst := make([]byte, 0, len(src)+len(src)/254+2)
	codeIdx := 0
	dst = append(dst, 0) // placeholder for first code byte
	code := byte(1)

	for _, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		if code == 0xFF {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}
	dst[codeIdx] = code
	return dst
}

// COBSDecode reverses COBSEncode. src must not include the trailing zero
// delimiter.
func COBSDecode(src []byte) ([]byte, error) {
	dst := make([]byte, 0, len(src))
	i := 0
	for i < len(src) {
		code := int(src[i])
		if code == 0 {
			return nil, ErrCOBSDecode
		}
		i++
		blockEnd := i + code - 1
		if blockEnd > len(src) {
			return nil, ErrCOBSDecode
		}
		dst = append(dst, src[i:blockEnd]...)
		i = blockEnd
		if code != 0xFF && i < len(src) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}
