// Package xerrors implements the closed error taxonomy of §7: CONFIG,
// TRANSPORT, SERVER, TIMEOUT, INTERNAL. Requests and Jobs classify failures
// against these sentinels with errors.Is instead of inventing ad-hoc error
// types per package.
package xerrors

import "errors"

// Class is the taxonomy bucket a failure belongs to.
type Class string

const (
	Config    Class = "CONFIG"
	Transport Class = "TRANSPORT"
	Server    Class = "SERVER"
	Timeout   Class = "TIMEOUT"
	Internal  Class = "INTERNAL"
)

// Sentinels for errors.Is comparisons; wrap with fmt.Errorf("...: %w", ErrX).
var (
	ErrConfig    = errors.New("config error")
	ErrTransport = errors.New("transport error")
	ErrServer    = errors.New("server error")
	ErrTimeout   = errors.New("timeout")
	ErrInternal  = errors.New("internal invariant violation")
)

// ClassOf maps a Class to its sentinel, for callers that only know the class
// at runtime (e.g. a worker's statusExt mapped to a Class by the caller).
func ClassOf(c Class) error {
	switch c {
	case Config:
		return ErrConfig
	case Transport:
		return ErrTransport
	case Server:
		return ErrServer
	case Timeout:
		return ErrTimeout
	default:
		return ErrInternal
	}
}
