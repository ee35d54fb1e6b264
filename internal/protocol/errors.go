package protocol

import (
	"errors"
	"fmt"
	"net"
)

var ErrNotConnected = errors.New("not connected")

// ErrUnsupportedVersion means the requested protocol version is not one the
// Dialer can speak. Retrying cannot help, so it is fatal.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// ResolveError means the target host name could not be resolved. It is
// never retried.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("DNS lookup for %s failed: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// ConnectError wraps a failed handshake or login.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsFatal reports whether err must suppress reconnection: the
// name-resolution family and unsupported versions.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnsupportedVersion) {
		return true
	}
	var re *ResolveError
	if errors.As(err, &re) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
