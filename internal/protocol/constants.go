// Package protocol implements the framed wire protocol between the head
// unit and mobile devices: packet model, header codec, streaming decoder
// and multiframe reassembly.
package protocol

// Protocol versions supported by the head unit.
const (
	VersionMin uint8 = 1
	VersionMax uint8 = 4
)

// Header sizes in bytes. Version 1 has no message id field.
const (
	HeaderSizeV1 = 8
	HeaderSizeV2 = 12
)

// FrameType occupies the low three bits of the first header byte.
type FrameType uint8

const (
	FrameControl     FrameType = 0x00
	FrameSingle      FrameType = 0x01
	FrameFirst       FrameType = 0x02
	FrameConsecutive FrameType = 0x03
)

// ServiceType identifies the multiplexed logical channel.
type ServiceType uint8

const (
	ServiceControl ServiceType = 0x00
	ServiceRPC     ServiceType = 0x07
	ServiceAudio   ServiceType = 0x0A
	ServiceVideo   ServiceType = 0x0B
	ServiceBulk    ServiceType = 0x0F
)

// Frame data values for Control frames.
const (
	FrameDataStartService    uint8 = 0x01
	FrameDataStartServiceAck uint8 = 0x02
	FrameDataStartServiceNAck uint8 = 0x03
	FrameDataEndService      uint8 = 0x04
	FrameDataEndServiceAck   uint8 = 0x05
	FrameDataEndServiceNAck  uint8 = 0x06
	FrameDataServiceDataAck  uint8 = 0xFD
	FrameDataHeartbeat       uint8 = 0xFE
	FrameDataHeartbeatAck    uint8 = 0xFF
)

// Frame data values for Single and First frames, and the terminator for
// Consecutive frames. Consecutive data bytes cycle 0x01..0x7F and the last
// frame of a multiframe message carries LastConsecutive.
const (
	FrameDataSingle          uint8 = 0x00
	FrameDataFirst           uint8 = 0x00
	FrameDataLastConsecutive uint8 = 0x00
	FrameDataMaxConsecutive  uint8 = 0x7F
)

// FirstFramePayloadSize is the exact payload length of a First frame:
// total_size(u32 BE) followed by frame_count(u32 BE).
const FirstFramePayloadSize = 8

// Hash id sentinels. A registry that predates hash ids (protocol < 2)
// reports HashIDNotSupported; a zero-valued claim decodes to HashIDWrong.
const (
	HashIDNotSupported uint32 = 0x00000000
	HashIDWrong        uint32 = 0xFFFFFFFF
)

// ConnectionID is the transport-assigned handle for one device connection.
type ConnectionID uint32

// ConnectionKey is the opaque 32-bit handle for a (connection, session)
// pair, exposed upward to the application layer.
type ConnectionKey uint32

// ValidService reports whether b names a known service type.
func ValidService(b uint8) bool {
	switch ServiceType(b) {
	case ServiceControl, ServiceRPC, ServiceAudio, ServiceVideo, ServiceBulk:
		return true
	default:
		return false
	}
}

// StreamingService reports whether s carries audio or video data.
func StreamingService(s ServiceType) bool {
	return s == ServiceAudio || s == ServiceVideo
}

func (s ServiceType) String() string {
	switch s {
	case ServiceControl:
		return "control"
	case ServiceRPC:
		return "rpc"
	case ServiceAudio:
		return "audio"
	case ServiceVideo:
		return "video"
	case ServiceBulk:
		return "bulk"
	default:
		return "unknown"
	}
}

func (t FrameType) String() string {
	switch t {
	case FrameControl:
		return "control"
	case FrameSingle:
		return "single"
	case FrameFirst:
		return "first"
	case FrameConsecutive:
		return "consecutive"
	default:
		return "unknown"
	}
}
