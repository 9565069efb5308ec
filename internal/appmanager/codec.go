package appmanager

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"firestige.xyz/carlink/internal/smartobject"
)

// RPCType classifies a mobile RPC payload.
type RPCType uint8

const (
	RPCRequest      RPCType = 0x0
	RPCResponse     RPCType = 0x1
	RPCNotification RPCType = 0x2
)

// mobileHeaderSize is the binary payload header used from protocol 2 on:
// rpc_type(4 bits) | function_id(28 bits), correlation_id(u32),
// json_size(u32), all big-endian.
const mobileHeaderSize = 12

// MobileMessage is one decoded RPC unit on the RPC service.
type MobileMessage struct {
	Type          RPCType
	FunctionID    uint32
	FunctionName  string
	CorrelationID uint32
	Params        *smartobject.Object
	BulkData      []byte
}

// v1Envelope is the protocol-1 JSON shape: no binary header, the function
// is addressed by name.
type v1Envelope struct {
	Type          string          `json:"type"`
	Name          string          `json:"name"`
	CorrelationID uint32          `json:"correlationID"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
}

// DecodeMobileMessage parses an RPC service payload with the session's
// protocol version. For v1, an unknown function name surfaces as a message
// with FunctionID zero; the router answers UNSUPPORTED_VERSION.
func DecodeMobileMessage(version uint8, payload []byte) (*MobileMessage, error) {
	if version == 1 {
		return decodeV1(payload)
	}
	return decodeV2(payload)
}

func decodeV1(payload []byte) (*MobileMessage, error) {
	var envelope v1Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("carlink: malformed v1 rpc json: %w", err)
	}
	msg := &MobileMessage{
		FunctionName:  envelope.Name,
		CorrelationID: envelope.CorrelationID,
		Params:        smartobject.Map(),
	}
	switch envelope.Type {
	case "response":
		msg.Type = RPCResponse
	case "notification":
		msg.Type = RPCNotification
	default:
		msg.Type = RPCRequest
	}
	if id, ok := FunctionID(envelope.Name); ok {
		msg.FunctionID = id
	}
	if len(envelope.Parameters) > 0 {
		params, err := smartobject.FromJSON(envelope.Parameters)
		if err != nil {
			return nil, err
		}
		msg.Params = params
	}
	return msg, nil
}

func decodeV2(payload []byte) (*MobileMessage, error) {
	if len(payload) < mobileHeaderSize {
		return nil, fmt.Errorf("carlink: rpc payload shorter than header: %d bytes", len(payload))
	}
	word := binary.BigEndian.Uint32(payload[0:4])
	jsonSize := binary.BigEndian.Uint32(payload[8:12])
	if int(jsonSize) > len(payload)-mobileHeaderSize {
		return nil, fmt.Errorf("carlink: rpc json size %d exceeds payload", jsonSize)
	}
	msg := &MobileMessage{
		Type:          RPCType(word >> 28),
		FunctionID:    word & 0x0FFFFFFF,
		CorrelationID: binary.BigEndian.Uint32(payload[4:8]),
		Params:        smartobject.Map(),
	}
	msg.FunctionName = FunctionName(msg.FunctionID)

	body := payload[mobileHeaderSize : mobileHeaderSize+int(jsonSize)]
	if len(body) > 0 {
		params, err := smartobject.FromJSON(body)
		if err != nil {
			return nil, err
		}
		msg.Params = params
	}
	if rest := payload[mobileHeaderSize+int(jsonSize):]; len(rest) > 0 {
		msg.BulkData = rest
	}
	return msg, nil
}

// EncodeMobileMessage builds an RPC service payload for the app's
// negotiated version.
func EncodeMobileMessage(version uint8, msg *MobileMessage) ([]byte, error) {
	if version == 1 {
		return encodeV1(msg)
	}
	return encodeV2(msg)
}

func encodeV1(msg *MobileMessage) ([]byte, error) {
	envelope := v1Envelope{
		Name:          msg.FunctionName,
		CorrelationID: msg.CorrelationID,
	}
	if envelope.Name == "" {
		envelope.Name = FunctionName(msg.FunctionID)
	}
	switch msg.Type {
	case RPCResponse:
		envelope.Type = "response"
	case RPCNotification:
		envelope.Type = "notification"
	default:
		envelope.Type = "request"
	}
	if msg.Params != nil {
		raw, err := json.Marshal(msg.Params)
		if err != nil {
			return nil, fmt.Errorf("carlink: failed to encode v1 parameters: %w", err)
		}
		envelope.Parameters = raw
	}
	return json.Marshal(&envelope)
}

func encodeV2(msg *MobileMessage) ([]byte, error) {
	var body []byte
	if msg.Params != nil {
		raw, err := json.Marshal(msg.Params)
		if err != nil {
			return nil, fmt.Errorf("carlink: failed to encode parameters: %w", err)
		}
		body = raw
	}
	buf := make([]byte, mobileHeaderSize, mobileHeaderSize+len(body)+len(msg.BulkData))
	binary.BigEndian.PutUint32(buf[0:4], uint32(msg.Type)<<28|msg.FunctionID&0x0FFFFFFF)
	binary.BigEndian.PutUint32(buf[4:8], msg.CorrelationID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	buf = append(buf, body...)
	buf = append(buf, msg.BulkData...)
	return buf, nil
}
