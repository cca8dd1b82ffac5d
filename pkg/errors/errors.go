package errors

import (
	"fmt"
	"time"
)

type Underflow struct {
	MessageName string
	MsgSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d elements, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

// MalformedMessage wraps any decode failure of an inbound frame. It is logged
// and dropped by the connection, never returned to callers of the client.
type MalformedMessage struct {
	FrameSize int
	Reason    error
}

func (e *MalformedMessage) Error() string {
	return fmt.Sprintf("Malformed ClearNode frame (%d bytes): %v", e.FrameSize, e.Reason)
}

func (e *MalformedMessage) Unwrap() error {
	return e.Reason
}

type NotConnected struct {
	Operation string
}

func (e *NotConnected) Error() string {
	return fmt.Sprintf("Cannot %s: not connected to ClearNode", e.Operation)
}

type ConnectionLost struct {
	Reason string
}

func (e *ConnectionLost) Error() string {
	if e.Reason == "" {
		return "Connection to ClearNode lost"
	}
	return fmt.Sprintf("Connection to ClearNode lost: %s", e.Reason)
}

type Timeout struct {
	Topic   string
	Timeout time.Duration
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("No %s response from ClearNode within %s", e.Topic, e.Timeout)
}

// AuthenticationFailed carries the server-provided reason verbatim.
type AuthenticationFailed struct {
	Reason string
}

func (e *AuthenticationFailed) Error() string {
	return fmt.Sprintf("Authentication failed: %s", e.Reason)
}

type PreconditionViolated struct {
	Operation string
	Reason    string
}

func (e *PreconditionViolated) Error() string {
	return fmt.Sprintf("Cannot %s: %s", e.Operation, e.Reason)
}

type SigningFailed struct {
	Signer string
	Cause  error
}

func (e *SigningFailed) Error() string {
	return fmt.Sprintf("Signing with %s signer failed: %v", e.Signer, e.Cause)
}

func (e *SigningFailed) Unwrap() error {
	return e.Cause
}

type InvalidAmount struct {
	Value  string
	Reason string
}

func (e *InvalidAmount) Error() string {
	return fmt.Sprintf("Invalid amount '%s': %s", e.Value, e.Reason)
}

// ServerError is an unsolicited `error` frame from ClearNode.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("ClearNode error: %s", e.Message)
}
