package net

import (
	"errors"
	"fmt"
)

var (
	// ErrSaturated marks a connection whose outbound budget ran out this
	// frame. It is a flow-control outcome, never returned to callers as a
	// failure; it only tags log output.
	ErrSaturated = errors.New("net: connection saturated")
	// ErrConnectionClosed is returned when queueing on a closed connection.
	ErrConnectionClosed = errors.New("net: connection closed")
	// ErrTruncatedPacket indicates a bunch header or payload ran past the end
	// of the packet.
	ErrTruncatedPacket = errors.New("net: truncated packet")
	// ErrUnknownBunch indicates an unknown bunch kind on the wire.
	ErrUnknownBunch = errors.New("net: unknown bunch kind")
	// ErrBunchTooLarge indicates a payload that does not fit the length field.
	ErrBunchTooLarge = errors.New("net: bunch payload too large")
	// ErrUnknownChannel indicates a bunch addressed to a handle with no channel.
	ErrUnknownChannel = errors.New("net: unknown channel handle")
	// ErrNotConnected is returned by drivers asked to send before init.
	ErrNotConnected = errors.New("net: driver not initialised")
)

// TransportError is a socket or file I/O failure. It is fatal to the owning
// connection only.
type TransportError struct {
	Op   string
	Conn ConnectionID
	Err  error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("transport %s (conn %d): %v", e.Op, e.Conn, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ProtocolError is a malformed frame or handshake. The offending connection
// is closed.
type ProtocolError struct {
	Conn   ConnectionID
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("protocol (conn %d): %s: %v", e.Conn, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol (conn %d): %s", e.Conn, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
