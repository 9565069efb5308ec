// Package hmi implements the head-unit UI link: the message model, the
// ordered event bus that fans messages out to UI components, and the
// transport adapters (in-process and websocket).
package hmi

import (
	"firestige.xyz/carlink/internal/smartobject"
)

// MessageType classifies an HMI message.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeError        MessageType = "error_response"
)

// Message is one unit exchanged with the HMI. Params is an opaque variant
// tree; the core routes it without interpreting payload semantics.
type Message struct {
	Type          MessageType
	Method        string // e.g. "BasicCommunication.OnAppRegistered"
	CorrelationID uint32
	AppID         uint32 // HMI app id, zero when not app-scoped
	ResultCode    string
	Params        *smartobject.Object
}

// Sender pushes messages toward the HMI.
type Sender interface {
	Send(msg *Message) error
}

// Handler receives messages coming from the HMI.
type Handler interface {
	OnHMIMessage(msg *Message)
}

// Adapter is a full HMI link.
type Adapter interface {
	Sender
	// Start begins delivering inbound messages to the handler.
	Start(handler Handler) error
	Stop()
}
