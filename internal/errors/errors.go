// Package errors provides standardized error codes for the relay host.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (transport, codec, debugger, session, router, bridge)
//   - error: The specific error type within that domain
//
// Codes are stable and are carried in ErrorResponse payloads and runtime
// replies so panel scripts and other extensions can branch on them.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Transport domain - dev server stream errors
	CodeTransportOpenFailed  = "transport.open_failed"     // Connection could not be established
	CodeTransportSendFailed  = "transport.send_failed"     // Outbound leg gave up after bounded attempts
	CodeTransportClosed      = "transport.closed"          // Send on a closed transport
	CodeTransportControl     = "transport.illegal_control" // SSE control event other than "close"
	CodeTransportUnsupported = "transport.unsupported"     // URL scheme is neither http(s) nor ws(s)

	// Codec domain - wire encoding errors
	CodeCodecMalformed    = "codec.malformed"     // Payload is not valid JSON
	CodeCodecMissingField = "codec.missing_field" // Required field absent for the detected type
	CodeCodecInvalidField = "codec.invalid_field" // Field present with the wrong JSON kind
	CodeCodecUnknownType  = "codec.unknown_type"  // Type tag absent or not in the supported set

	// Debugger domain - CDP attachment and command errors
	CodeDebuggerAttachFailed    = "debugger.attach_failed"    // Attach refused or target unreachable
	CodeDebuggerNotAttached     = "debugger.not_attached"     // Command or detach for a tab we do not hold
	CodeDebuggerCommandFailed   = "debugger.command_failed"   // CDP returned an error for a command
	CodeDebuggerTabNotFound     = "debugger.tab_not_found"    // No page target for the tab id
	CodeDebuggerProtocolVersion = "debugger.protocol_version" // Browser protocol version is incompatible

	// Session domain - registry and session lifecycle errors
	CodeSessionAlreadyAttached = "session.already_attached" // Another app holds the tab
	CodeSessionNotFound        = "session.not_found"        // No session for the tab
	CodeSessionClosed          = "session.closed"           // Operation on a torn down session
	CodeSessionConnectionLost  = "session.connection_lost"  // Reconnect budget exhausted

	// Router domain - inbound message dispatch errors
	CodeRouterUnknownKind    = "router.unknown_kind"    // No handler registered for the kind
	CodeRouterInvalidOptions = "router.invalid_options" // Options payload could not be decoded
	CodeRouterForbidden      = "router.forbidden"       // Sender is not allowed on this surface
	CodeRouterRateLimited    = "router.rate_limited"    // Listener sent requests too fast

	// Bridge domain - app detection and start-debugging flow
	CodeBridgeAppNotDetected   = "bridge.app_not_detected"  // Page has no Dart debugging globals
	CodeBridgeNotAuthenticated = "bridge.not_authenticated" // dwds authentication check failed
	CodeBridgeWarning          = "bridge.warning"           // Detector reported a blocking warning

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "session.already_attached")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// coder is implemented by typed errors in other packages that carry a code
// without being a CodedError (for example the codec's field errors).
type coder interface {
	Code() string
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Errors that expose a Code() method are classified by it.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to replies.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	return GetCode(err), GetMessage(err)
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// AlreadyAttached creates a "session.already_attached" error.
func AlreadyAttached(tabID int, appID string) *CodedError {
	return New(CodeSessionAlreadyAttached, fmt.Sprintf("tab %d already attached to app %s", tabID, appID))
}

// SessionNotFound creates a "session.not_found" error.
func SessionNotFound(tabID int) *CodedError {
	return New(CodeSessionNotFound, fmt.Sprintf("no session for tab %d", tabID))
}

// UnknownKind creates a "router.unknown_kind" error.
func UnknownKind(kind string) *CodedError {
	return New(CodeRouterUnknownKind, fmt.Sprintf("Unknown request name: %s", kind))
}

// InvalidOptions creates a "router.invalid_options" error.
func InvalidOptions(kind string, cause error) *CodedError {
	return Wrap(CodeRouterInvalidOptions, fmt.Sprintf("invalid options for %s", kind), cause)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
