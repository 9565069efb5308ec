// Package transport defines the device transport collaborator and a TCP
// adapter. The protocol engine consumes these interfaces; device discovery
// and pairing live outside the core.
package transport

import (
	"firestige.xyz/carlink/internal/protocol"
)

// DeviceInfo describes the remote device of a connection.
type DeviceInfo struct {
	MAC  string
	Name string
}

// Transport is the sending half consumed by the engine.
type Transport interface {
	// Send hands raw bytes to the device connection.
	Send(conn protocol.ConnectionID, data []byte) error
	// Disconnect closes the connection gracefully.
	Disconnect(conn protocol.ConnectionID) error
	// ForceDisconnect closes the connection immediately, discarding any
	// queued output.
	ForceDisconnect(conn protocol.ConnectionID) error
}

// Handler receives transport events. The engine implements this.
type Handler interface {
	OnConnect(conn protocol.ConnectionID, device DeviceInfo)
	OnBytes(conn protocol.ConnectionID, data []byte)
	OnDisconnect(conn protocol.ConnectionID)
}
