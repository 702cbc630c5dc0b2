package dbusconn

import (
	"errors"
	"fmt"
)

// HandshakeError is returned when the SASL authentication handshake
// fails, for either the client or the server side. Err, when set, is
// the lower-level cause reported by the transport.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dbus handshake: %s: %v", e.Reason, e.Err)
	}
	return "dbus handshake: " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool {
	_, ok := target.(*HandshakeError)
	return ok
}

// InsufficientDataError is returned by the wire codec when fewer
// bytes remain in the input than the field being decoded requires.
// Err, when set, is the short read that triggered it (typically
// io.EOF or io.ErrUnexpectedEOF).
type InsufficientDataError struct {
	Wanted int
	Got    int
	Err    error
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: wanted %d bytes, got %d", e.Wanted, e.Got)
}

func (e *InsufficientDataError) Unwrap() error { return e.Err }

func (e *InsufficientDataError) Is(target error) bool {
	_, ok := target.(*InsufficientDataError)
	return ok
}

// InvalidUTF8Error is returned when a string or object path field
// does not contain valid UTF-8.
type InvalidUTF8Error struct {
	Bytes []byte
}

func (e *InvalidUTF8Error) Error() string {
	return fmt.Sprintf("invalid UTF-8 in string field (%d bytes)", len(e.Bytes))
}

func (e *InvalidUTF8Error) Is(target error) bool {
	_, ok := target.(*InvalidUTF8Error)
	return ok
}

// InvalidSignatureError is returned when a signature string does not
// parse against the D-Bus signature grammar.
type InvalidSignatureError struct {
	Signature string
	Reason    string
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("invalid signature %q: %s", e.Signature, e.Reason)
}

// Is reports target as a match if it is an *InvalidSignatureError
// with the same Signature, or one with no Signature set (a wildcard
// match on the error kind alone).
func (e *InvalidSignatureError) Is(target error) bool {
	t, ok := target.(*InvalidSignatureError)
	if !ok {
		return false
	}
	return t.Signature == "" || t.Signature == e.Signature
}

// SignatureMismatchError is returned when a decode is requested
// against a signature that does not match the value or body actually
// present.
type SignatureMismatchError struct {
	Want, Got Signature
}

func (e *SignatureMismatchError) Error() string {
	return fmt.Sprintf("signature mismatch: wanted %q, got %q", e.Want, e.Got)
}

func (e *SignatureMismatchError) Is(target error) bool {
	t, ok := target.(*SignatureMismatchError)
	if !ok {
		return false
	}
	return (t.Want == "" || t.Want == e.Want) && (t.Got == "" || t.Got == e.Got)
}

// InvalidDataError is returned for malformed wire data that isn't
// covered by a more specific error, such as an array length prefix
// at or above the 2^26 byte limit imposed by the D-Bus specification.
type InvalidDataError struct {
	Reason string
}

func (e *InvalidDataError) Error() string { return "invalid data: " + e.Reason }

// Is reports target as a match if it is an *InvalidDataError with the
// same Reason, or one with no Reason set.
func (e *InvalidDataError) Is(target error) bool {
	t, ok := target.(*InvalidDataError)
	if !ok {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// MethodError is returned by [Conn.CallMethod] when the peer replies
// with a D-Bus Error message instead of a MethodReturn.
type MethodError struct {
	Name string
	Body []byte
	Sig  Signature
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("method call failed: %s", e.Name)
}

// Is reports target as a match if it is a *MethodError with the same
// Name, or one with no Name set, so callers can test for a specific
// D-Bus error name without caring about the reply body.
func (e *MethodError) Is(target error) bool {
	t, ok := target.(*MethodError)
	if !ok {
		return false
	}
	return t.Name == "" || t.Name == e.Name
}

// UnsupportedError is returned when an operation isn't available
// given the connection's negotiated capabilities, such as attaching
// file descriptors to a message on a connection that did not
// negotiate fd-passing.
type UnsupportedError struct {
	Reason string
}

func (e *UnsupportedError) Error() string { return "unsupported: " + e.Reason }

func (e *UnsupportedError) Is(target error) bool {
	t, ok := target.(*UnsupportedError)
	if !ok {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// ErrNameTaken is returned by [Conn.SetUniqueName] when the unique
// name has already been set.
var ErrNameTaken = errors.New("dbus: unique name already set")

// ErrClosed is returned by connection operations performed after the
// connection has been closed.
var ErrClosed = errors.New("dbus: connection closed")
