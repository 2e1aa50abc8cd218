// Package errorsx defines the structured error taxonomy shared across the
// proxy core: Io, Tls, Http, InvalidPacket, InvalidHeader, ProtocolViolation,
// and Cancelled.
package errorsx

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes an Error for logging and health-recording purposes.
type Kind string

const (
	KindIO                Kind = "io"
	KindTLS               Kind = "tls"
	KindHTTP              Kind = "http"
	KindInvalidPacket     Kind = "invalid_packet"
	KindInvalidHeader     Kind = "invalid_header"
	KindProtocolViolation Kind = "protocol_violation"
	KindCancelled         Kind = "cancelled"
)

// Error is a structured, wrapped error carrying a Kind, the failing
// operation, and an optional cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports equality by Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

func IO(op string, cause error) *Error {
	return New(KindIO, op, "", cause)
}

func TLS(op, message string, cause error) *Error {
	return New(KindTLS, op, message, cause)
}

func HTTP(op, message string, cause error) *Error {
	return New(KindHTTP, op, message, cause)
}

func InvalidPacketHeader(message string, cause error) *Error {
	return New(KindInvalidPacket, "header", message, cause)
}

func InvalidPacketPayload(message string, cause error) *Error {
	return New(KindInvalidPacket, "payload", message, cause)
}

func InvalidHeaderRead(cause error) *Error {
	return New(KindInvalidHeader, "read", "", cause)
}

func InvalidHeaderVersion(value uint8) *Error {
	return New(KindInvalidHeader, "invalid_version", fmt.Sprintf("version=%d", value), nil)
}

func InvalidHeaderIHL(value uint8) *Error {
	return New(KindInvalidHeader, "invalid_internet_header_length", fmt.Sprintf("ihl=%d", value), nil)
}

func ProtocolViolation(op, message string) *Error {
	return New(KindProtocolViolation, op, message, nil)
}

// Cancelled wraps context.Canceled with the Cancelled kind so callers can use
// errors.Is(err, errorsx.ErrCancelled) after IsCancelled translation below.
var ErrCancelled = New(KindCancelled, "cancelled", "", context.Canceled)

// IsCancelled reports whether err represents cooperative shutdown having been
// observed at a suspension point.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
