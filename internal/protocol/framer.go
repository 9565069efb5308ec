package protocol

import (
	"errors"

	"firestige.xyz/carlink/internal/metrics"
)

// Framer turns a raw byte stream from one connection into packets. It keeps
// the residual bytes of an incomplete packet between calls, so each
// connection owns exactly one Framer.
//
// A rejected header does not abort the stream: the framer resynchronizes to
// the next plausible header boundary and reports the number of rejections so
// the caller can apply its malformed-message policy.
type Framer struct {
	maxPayload uint32
	buf        []byte
}

// NewFramer creates a framer. maxPayload bounds the declared payload length
// of every packet; zero disables the bound.
func NewFramer(maxPayload uint32) *Framer {
	return &Framer{maxPayload: maxPayload}
}

// Decode appends data to the residual buffer and extracts every complete
// packet. malformed is the number of header rejections survived by
// resynchronization during this call.
func (f *Framer) Decode(data []byte) (packets []*Packet, malformed int, err error) {
	f.buf = append(f.buf, data...)

	for {
		if len(f.buf) < HeaderSizeV1 {
			return packets, malformed, nil
		}
		p, total, derr := decodeHeader(f.buf, f.maxPayload)
		if derr != nil {
			if errors.Is(derr, ErrNeedMoreData) {
				return packets, malformed, nil
			}
			// Header rejected: drop one byte (the whole header when only
			// its declared length was refused, so its length and message
			// id bytes are not rescanned as a header) and hunt for the
			// next plausible boundary.
			malformed++
			metrics.MalformedHeadersTotal.Inc()
			skip := 1
			if errors.Is(derr, ErrPayloadTooLarge) {
				skip = HeaderSizeV2
				if f.buf[0]>>4 == 1 {
					skip = HeaderSizeV1
				}
			}
			f.buf = f.buf[skip:]
			f.resync()
			continue
		}
		if len(f.buf) < total {
			return packets, malformed, nil
		}
		payload := make([]byte, total-p.HeaderSize())
		copy(payload, f.buf[p.HeaderSize():total])
		p.Payload = payload
		f.buf = f.buf[total:]
		metrics.FramesDecodedTotal.WithLabelValues(p.ServiceType.String()).Inc()
		packets = append(packets, p)
	}
}

// resync advances the buffer to the next byte that could begin a header:
// a known version nibble, a valid frame type and a known service type.
func (f *Framer) resync() {
	for len(f.buf) >= 2 {
		version := f.buf[0] >> 4
		frameType := FrameType(f.buf[0] & 0x07)
		if version >= VersionMin && version <= VersionMax &&
			frameType <= FrameConsecutive && ValidService(f.buf[1]) {
			return
		}
		f.buf = f.buf[1:]
	}
}

// Pending returns the number of buffered bytes awaiting a complete packet.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Reset discards any buffered bytes.
func (f *Framer) Reset() {
	f.buf = nil
}
