// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package mcproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidRakNetShape_UnconnectedPingWithMagic(t *testing.T) {
	buf := append([]byte{IDOpenConnectionRequest1}, OfflineMessageDataID[:]...)
	require.True(t, ValidRakNetShape(buf))
}

func TestValidRakNetShape_UnconnectedPingTruncatedMagic(t *testing.T) {
	buf := append([]byte{IDOpenConnectionRequest1}, OfflineMessageDataID[:15]...)
	require.False(t, ValidRakNetShape(buf))
}

func TestValidRakNetShape_UnconnectedPingWrongMagic(t *testing.T) {
	bad := OfflineMessageDataID
	bad[0] ^= 0xFF
	buf := append([]byte{idUnconnectedPingAlt}, bad[:]...)
	require.False(t, ValidRakNetShape(buf))
}

func TestValidRakNetShape_OtherIDsAcceptedOnFirstByte(t *testing.T) {
	require.True(t, ValidRakNetShape([]byte{IDConnectionRequest}))
	require.True(t, ValidRakNetShape([]byte{IDOpenConnectionReply1, 0x01, 0x02}))
}

func TestValidRakNetShape_UnrecognizedFirstByte(t *testing.T) {
	require.False(t, ValidRakNetShape([]byte{IDUnconnectedPing}))
}

func TestValidRakNetShape_EmptyBuffer(t *testing.T) {
	require.False(t, ValidRakNetShape(nil))
}
