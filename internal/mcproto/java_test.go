// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package mcproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeVarInt(v int32) []byte {
	var out []byte
	u := uint32(v)
	for {
		b := byte(u & 0x7F)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if u == 0 {
			break
		}
	}
	return out
}

func buildHandshake(protoVer int32, trailing int) []byte {
	body := []byte{javaHandshakePacketID}
	body = append(body, encodeVarInt(protoVer)...)
	for i := 0; i < trailing; i++ {
		body = append(body, 0xAA)
	}
	buf := encodeVarInt(int32(len(body)))
	return append(buf, body...)
}

func TestValidJavaHandshake_HappyPath(t *testing.T) {
	buf := buildHandshake(760, 4)
	require.True(t, ValidJavaHandshake(buf))
}

func TestValidJavaHandshake_ExactLengthFive(t *testing.T) {
	// length=5, body = [0x00, protoVer varint consuming 4 bytes worth of data]
	// protoVer must decode within a single byte to fit length exactly 5 with
	// packet id included: body = 0x00 + 4 bytes. Use a 1-byte protover and pad.
	body := []byte{javaHandshakePacketID}
	body = append(body, encodeVarInt(4)...)
	body = append(body, 0xAA, 0xAA, 0xAA)
	buf := append(encodeVarInt(int32(len(body))), body...)
	require.Equal(t, 5, len(body))
	require.True(t, ValidJavaHandshake(buf))
}

func TestValidJavaHandshake_WrongPacketID(t *testing.T) {
	body := []byte{0x01}
	body = append(body, encodeVarInt(760)...)
	buf := append(encodeVarInt(int32(len(body))), body...)
	require.False(t, ValidJavaHandshake(buf))
}

func TestValidJavaHandshake_ProtocolOutOfRange(t *testing.T) {
	require.False(t, ValidJavaHandshake(buildHandshake(3, 4)))
	require.False(t, ValidJavaHandshake(buildHandshake(1001, 4)))
	require.True(t, ValidJavaHandshake(buildHandshake(4, 4)))
	require.True(t, ValidJavaHandshake(buildHandshake(1000, 4)))
}

func TestValidJavaHandshake_LengthOutOfRange(t *testing.T) {
	// length < 5
	short := append(encodeVarInt(3), []byte{0x00, 0x01, 0x02}...)
	require.False(t, ValidJavaHandshake(short))

	// length > 100
	big := encodeVarInt(101)
	body := make([]byte, 101)
	body[0] = javaHandshakePacketID
	require.False(t, ValidJavaHandshake(append(big, body...)))
}

func TestValidJavaHandshake_TruncatedBuffer(t *testing.T) {
	buf := buildHandshake(760, 4)
	require.False(t, ValidJavaHandshake(buf[:len(buf)-3]))
}

func TestValidJavaHandshake_RunawayVarInt(t *testing.T) {
	buf := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}
	require.False(t, ValidJavaHandshake(buf))
}

func TestValidJavaHandshake_EmptyBuffer(t *testing.T) {
	require.False(t, ValidJavaHandshake(nil))
	require.False(t, ValidJavaHandshake([]byte{}))
}
