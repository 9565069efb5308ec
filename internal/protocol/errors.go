// Package protocol defines sentinel errors for the wire layer.
package protocol

import "errors"

var (
	// Decoder errors
	ErrNeedMoreData    = errors.New("carlink: need more data")
	ErrMalformedHeader = errors.New("carlink: malformed packet header")
	ErrPayloadTooLarge = errors.New("carlink: payload exceeds maximum size")
	ErrUnknownVersion  = errors.New("carlink: unknown protocol version")

	// Reassembly errors
	ErrReassemblyOverflow  = errors.New("carlink: multiframe data exceeds declared total size")
	ErrReassemblyOrphan    = errors.New("carlink: consecutive frame without pending first frame")
	ErrReassemblySequence  = errors.New("carlink: consecutive frame out of order")
	ErrFirstFramePayload   = errors.New("carlink: invalid first frame payload")
	ErrReassemblyIncomplete = errors.New("carlink: last consecutive frame before declared total size")

	// Session errors
	ErrSessionRefused  = errors.New("carlink: session refused")
	ErrSessionNotFound = errors.New("carlink: session not found")

	// Security errors
	ErrHandshakeFailed  = errors.New("carlink: security handshake failed")
	ErrEncryptionFailed = errors.New("carlink: payload encryption failed")
	ErrDecryptionFailed = errors.New("carlink: payload decryption failed")
)
