// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package mcproto

// RakNet message ids accepted during session establishment.
const (
	IDUnconnectedPing        byte = 0x01
	IDUnconnectedPingOpenConn byte = 0x02
	IDOpenConnectionRequest1 byte = 0x05
	IDOpenConnectionReply1   byte = 0x06
	IDOpenConnectionRequest2 byte = 0x07
	IDOpenConnectionReply2   byte = 0x08
	IDConnectionRequest      byte = 0x09
	IDConnectionRequestAccepted byte = 0x10
	IDNewIncomingConnection  byte = 0x13
	IDUnconnectedPong        byte = 0x1C

	idUnconnectedPingAlt byte = 0x15
)

// OfflineMessageDataID is the fixed 16-byte RakNet magic constant that
// follows the message id on unconnected-ping frames.
var OfflineMessageDataID = [16]byte{
	0x00, 0xFF, 0xFF, 0x00, 0xFE, 0xFE, 0xFE, 0xFE,
	0xFD, 0xFD, 0xFD, 0xFD, 0x12, 0x34, 0x56, 0x78,
}

var validFirstBytes = map[byte]bool{
	IDOpenConnectionRequest1:    true,
	IDOpenConnectionReply1:      true,
	IDOpenConnectionRequest2:    true,
	IDOpenConnectionReply2:      true,
	IDConnectionRequest:         true,
	IDConnectionRequestAccepted: true,
	IDNewIncomingConnection:     true,
	idUnconnectedPingAlt:        true,
	IDUnconnectedPong:           true,
}

// ValidRakNetShape reports whether buf looks like a valid RakNet session
// establishment frame: a recognized first byte, and — for the two
// unconnected-ping variants — the 16-byte OFFLINE_MESSAGE_DATA_ID magic
// immediately following.
func ValidRakNetShape(buf []byte) bool {
	if len(buf) < 1 {
		return false
	}
	first := buf[0]
	if !validFirstBytes[first] {
		return false
	}

	if first == IDOpenConnectionRequest1 || first == idUnconnectedPingAlt {
		if len(buf) < 1+len(OfflineMessageDataID) {
			return false
		}
		for i, b := range OfflineMessageDataID {
			if buf[1+i] != b {
				return false
			}
		}
	}

	return true
}

// IsUnconnectedPing reports whether first is one of the two RakNet
// unconnected-ping variants that require the magic check.
func IsUnconnectedPing(first byte) bool {
	return first == IDOpenConnectionRequest1 || first == idUnconnectedPingAlt
}
