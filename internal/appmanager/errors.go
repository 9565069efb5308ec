// Package appmanager defines sentinel errors for the application layer.
package appmanager

import "errors"

var (
	ErrAppNotRegistered      = errors.New("carlink: application not registered")
	ErrAppAlreadyRegistered  = errors.New("carlink: application already registered")
	ErrRegistrationDisabled  = errors.New("carlink: registration currently disallowed")
	ErrAppForbidden          = errors.New("carlink: application forbidden after bad behavior")
	ErrTooManyPendingRequests = errors.New("carlink: too many pending requests")
	ErrTooManyRequests       = errors.New("carlink: request burst limit exceeded")
	ErrNoneLevelBurst        = errors.New("carlink: request burst while in NONE hmi level")
	ErrPolicyDenied          = errors.New("carlink: policy denied the message")
	ErrUnsupportedVersion    = errors.New("carlink: unsupported protocol version")
	ErrAudioPassThruBusy     = errors.New("carlink: audio pass-through already active")
	ErrStreamingNotAllowed   = errors.New("carlink: streaming not allowed in current hmi level")
	ErrLowVoltage            = errors.New("carlink: low-voltage state, request not admitted")
)

// Unregister reasons sent to the mobile side.
const (
	ReasonTooManyRequests      = "TOO_MANY_REQUESTS"
	ReasonRequestWhileInNone   = "REQUEST_WHILE_IN_NONE_HMI_LEVEL"
	ReasonProtocolViolation    = "PROTOCOL_VIOLATION"
	ReasonAppUnauthorized      = "APP_UNAUTHORIZED"
)

// Result codes routed to the mobile side.
const (
	ResultSuccess              = "SUCCESS"
	ResultInvalidData          = "INVALID_DATA"
	ResultUnsupportedVersion   = "UNSUPPORTED_VERSION"
	ResultTooManyPending       = "TOO_MANY_PENDING_REQUESTS"
	ResultApplicationNotRegistered = "APPLICATION_NOT_REGISTERED"
	ResultGenericError         = "GENERIC_ERROR"
	ResultDisallowed           = "DISALLOWED"
	ResultUserDisallowed       = "USER_DISALLOWED"
	ResultAborted              = "ABORTED"
	ResultTimedOut             = "TIMED_OUT"
	ResultRejected             = "REJECTED"
)
