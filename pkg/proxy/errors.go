package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Handshake and pipeline failures. Every error is local to one
// connection: it is logged at the pipeline boundary and the connection
// is torn down, the accept loop never sees it.
var (
	// ErrUnknownProxy means the first bytes matched no supported
	// client protocol.
	ErrUnknownProxy = errors.New("unknown proxy protocol")

	// ErrHTTPMissingHost means a CONNECT request without a Host header.
	ErrHTTPMissingHost = errors.New("http connect: missing Host header")

	// ErrSocks5BadAddrType means an unsupported SOCKS5 address type.
	ErrSocks5BadAddrType = errors.New("socks5: unsupported address type")

	// ErrNotTLS13 means the ClientHello does not negotiate TLS 1.3.
	ErrNotTLS13 = errors.New("client hello does not negotiate tls 1.3")

	// ErrNoSNI means the ClientHello carries no server name.
	ErrNoSNI = errors.New("client hello carries no server name")
)

// Socks5UnsupportedError reports a SOCKS5 command other than CONNECT.
type Socks5UnsupportedError struct {
	Cmd byte
}

func (e *Socks5UnsupportedError) Error() string {
	return fmt.Sprintf("socks5: unsupported command 0x%02x", e.Cmd)
}

// isBenignNetError reports errors produced by one copier racing the
// close() from the opposite direction. They signal ordinary teardown and
// are not logged.
func isBenignNetError(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EBADF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
