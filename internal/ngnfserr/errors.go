// Package ngnfserr defines the closed error taxonomy observable to callers
// of the block cache, transaction engine and transports.
package ngnfserr

import "errors"

// Sentinel errors making up the observable taxonomy. Components wrap these
// with fmt.Errorf("...: %w", ...) to attach context; callers compare with
// errors.Is.
var (
	// ErrInvalid signals malformed flags, a bad message header, or access
	// outside advertised bounds.
	ErrInvalid = errors.New("ngnfs: invalid argument")

	// ErrNoMemory signals an allocation failure on any path.
	ErrNoMemory = errors.New("ngnfs: no memory")

	// ErrIO signals a persistent or transient failure from the block
	// transport or socket.
	ErrIO = errors.New("ngnfs: io error")

	// ErrProtocol signals a wire header violation, an unknown message
	// type, or an invalid enumerator on the wire.
	ErrProtocol = errors.New("ngnfs: protocol error")

	// ErrNotSupported signals a submit op the transport cannot currently
	// service.
	ErrNotSupported = errors.New("ngnfs: not supported")
)

// WireCode is the closed, small set of error codes carried on the wire.
// Unknown-at-wire codes map to ErrProtocol at the receiver.
type WireCode uint8

const (
	WireOK WireCode = iota
	WireUnknown
	WireIO
	WireNoMemory
)

// FromWire maps a wire error code to the observable taxonomy.
func FromWire(c WireCode) error {
	switch c {
	case WireOK:
		return nil
	case WireIO:
		return ErrIO
	case WireNoMemory:
		return ErrNoMemory
	default:
		return ErrProtocol
	}
}

// ToWire maps an observable error back to its wire code, for servers
// replying to a request. Errors outside {IO, NoMemory} collapse to
// WireUnknown since the wire taxonomy is deliberately small.
func ToWire(err error) WireCode {
	switch {
	case err == nil:
		return WireOK
	case errors.Is(err, ErrIO):
		return WireIO
	case errors.Is(err, ErrNoMemory):
		return WireNoMemory
	default:
		return WireUnknown
	}
}
