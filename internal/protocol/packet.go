package protocol

import (
	"encoding/binary"
	"fmt"
)

// Packet is the wire unit: fixed header plus optional payload.
//
// Header layout (v2+, 12 bytes; v1 omits the message id and is 8 bytes):
//
//	byte 0:  version(4 bits) | P(1) | frame_type(3)
//	byte 1:  service_type
//	byte 2:  frame_data
//	byte 3:  session_id
//	bytes 4..7:   payload_length (u32 big-endian)
//	bytes 8..11:  message_id (u32 big-endian, v2+ only)
type Packet struct {
	Version     uint8
	Protection  bool
	FrameType   FrameType
	ServiceType ServiceType
	FrameData   uint8
	SessionID   uint8
	MessageID   uint32
	Payload     []byte
}

// HeaderSize returns the header length for the packet's protocol version.
func (p *Packet) HeaderSize() int {
	if p.Version == 1 {
		return HeaderSizeV1
	}
	return HeaderSizeV2
}

// Encode serializes the packet into a freshly allocated byte slice.
func (p *Packet) Encode() ([]byte, error) {
	if p.Version < VersionMin || p.Version > VersionMax {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, p.Version)
	}
	buf := make([]byte, p.HeaderSize()+len(p.Payload))

	b0 := p.Version << 4
	if p.Protection {
		b0 |= 0x08
	}
	b0 |= uint8(p.FrameType) & 0x07
	buf[0] = b0
	buf[1] = uint8(p.ServiceType)
	buf[2] = p.FrameData
	buf[3] = p.SessionID
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(p.Payload)))
	if p.Version > 1 {
		binary.BigEndian.PutUint32(buf[8:12], p.MessageID)
	}
	copy(buf[p.HeaderSize():], p.Payload)
	return buf, nil
}

// decodeHeader parses a header from buf without consuming payload bytes.
// The caller must ensure len(buf) >= HeaderSizeV1. Payload length is
// validated against maxPayload; version 1 headers are 8 bytes so the
// message id is left zero.
func decodeHeader(buf []byte, maxPayload uint32) (*Packet, int, error) {
	version := buf[0] >> 4
	if version < VersionMin || version > VersionMax {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	p := &Packet{
		Version:     version,
		Protection:  buf[0]&0x08 != 0,
		FrameType:   FrameType(buf[0] & 0x07),
		ServiceType: ServiceType(buf[1]),
		FrameData:   buf[2],
		SessionID:   buf[3],
	}
	if p.FrameType > FrameConsecutive {
		return nil, 0, fmt.Errorf("%w: frame type 0x%02X", ErrMalformedHeader, uint8(p.FrameType))
	}
	if !ValidService(buf[1]) {
		return nil, 0, fmt.Errorf("%w: service 0x%02X", ErrMalformedHeader, buf[1])
	}
	headerSize := p.HeaderSize()
	if len(buf) < headerSize {
		return nil, 0, ErrNeedMoreData
	}
	length := binary.BigEndian.Uint32(buf[4:8])
	if maxPayload > 0 && length > maxPayload {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, length, maxPayload)
	}
	if version > 1 {
		p.MessageID = binary.BigEndian.Uint32(buf[8:12])
	}
	return p, headerSize + int(length), nil
}

// EncodeFirstFramePayload builds the 8-byte payload of a First frame.
func EncodeFirstFramePayload(totalSize, frameCount uint32) []byte {
	buf := make([]byte, FirstFramePayloadSize)
	binary.BigEndian.PutUint32(buf[0:4], totalSize)
	binary.BigEndian.PutUint32(buf[4:8], frameCount)
	return buf
}

// DecodeFirstFramePayload parses a First frame payload.
func DecodeFirstFramePayload(payload []byte) (totalSize, frameCount uint32, err error) {
	if len(payload) != FirstFramePayloadSize {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrFirstFramePayload, len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]), binary.BigEndian.Uint32(payload[4:8]), nil
}
