// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package mcproto implements the boundary-checking validation rules the
// classifier applies to the first bytes of a new Java or Bedrock flow.
// Nothing here allocates beyond what a slice index requires, and every
// function is total: any byte sequence, of any length, returns a result —
// never a panic.
package mcproto

const (
	javaMinHandshakeLen = 5
	javaMaxHandshakeLen = 100
	javaMaxVarIntBytes  = 5
	javaHandshakePacketID = 0x00

	javaMinProtocolVersion = 4
	javaMaxProtocolVersion = 1000
)

// ValidJavaHandshake reports whether buf begins with a plausible Minecraft
// Java handshake: a VarInt packet length in [5, 100], packet id 0x00 at
// the decoded offset, and a protocol-version VarInt within [4, 1000].
func ValidJavaHandshake(buf []byte) bool {
	length, lenSize, ok := decodeVarInt(buf, javaMaxVarIntBytes)
	if !ok {
		return false
	}
	if length < javaMinHandshakeLen || length > javaMaxHandshakeLen {
		return false
	}
	if lenSize+int(length) > len(buf) {
		return false
	}

	body := buf[lenSize:]
	if len(body) < 1 || body[0] != javaHandshakePacketID {
		return false
	}

	protoVer, _, ok := decodeVarInt(body[1:], javaMaxVarIntBytes)
	if !ok {
		return false
	}
	return protoVer >= javaMinProtocolVersion && protoVer <= javaMaxProtocolVersion
}

// decodeVarInt decodes a Minecraft-style VarInt (continuation bit in the
// high bit of each byte, little-endian 7-bit groups) from the front of buf,
// rejecting any encoding that runs past maxBytes without terminating. It
// returns the decoded value, the number of bytes consumed, and whether
// decoding succeeded.
func decodeVarInt(buf []byte, maxBytes int) (value int32, size int, ok bool) {
	var result int32
	for i := 0; i < maxBytes; i++ {
		if i >= len(buf) {
			return 0, 0, false
		}
		b := buf[i]
		result |= int32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return result, i + 1, true
		}
	}
	return 0, 0, false
}
