package transmitter

import (
	"encoding/binary"

	"dmxlightd/internal/dmx"
)

// Enttec DMX USB Pro framing.
const (
	startOfMessage = 0x7E
	endOfMessage   = 0xE7
	labelSendDMX   = 0x06

	// payload = DMX start code byte + 512 channel bytes
	payloadLen = 1 + dmx.UniverseSize
	frameLen   = 4 + payloadLen + 1
)

// EncodeFrame packs one universe snapshot into a "Send DMX" frame:
// [0x7E][0x06][len_lsb][len_msb][0x00][ch1..ch512][0xE7].
func EncodeFrame(channels dmx.Snapshot) []byte {
	frame := make([]byte, frameLen)
	frame[0] = startOfMessage
	frame[1] = labelSendDMX
	binary.LittleEndian.PutUint16(frame[2:4], payloadLen)
	frame[4] = 0x00 // DMX start code
	copy(frame[5:5+dmx.UniverseSize], channels[:])
	frame[frameLen-1] = endOfMessage
	return frame
}
