package proxy

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/monsterxx03/snifrag/pkg/tlsx"
)

// ProxyProtocol identifies how the client framed its request.
type ProxyProtocol int

const (
	// ProtocolUnknown is the terminal-failure state.
	ProtocolUnknown ProxyProtocol = iota

	// ProtocolNone means the client speaks TLS directly: the first byte
	// on the wire was a TLS handshake record type.
	ProtocolNone

	// ProtocolHTTP is an HTTP/1.1 CONNECT tunnel.
	ProtocolHTTP

	// ProtocolSocks5 is a SOCKS5 (RFC 1928) CONNECT tunnel.
	ProtocolSocks5
)

func (p ProxyProtocol) String() string {
	switch p {
	case ProtocolNone:
		return "none"
	case ProtocolHTTP:
		return "http"
	case ProtocolSocks5:
		return "socks5"
	default:
		return "unknown"
	}
}

// SOCKS5 command types
const (
	socksCmdConnect = 0x01
)

// SOCKS5 address types
const (
	socksAddrIPv4   = 0x01
	socksAddrDomain = 0x03
	socksAddrIPv6   = 0x04
)

// SOCKS5 reply codes
const (
	socksRepSucceeded            = 0x00
	socksRepCommandNotSupported  = 0x07
	socksRepAddrTypeNotSupported = 0x08
)

const proxyAgent = "MyProxy/1.0"

// Handshake runs the proxy-protocol state machine over the client's
// inbound bytes and returns the detected protocol plus the tunnel target.
//
// For ProtocolNone the detection byte 0x16 has been consumed and host is
// empty: the remote comes from the ClientHello SNI, and the caller must
// prepend 0x16 when reading the record header.
//
// Reads are deliberately unbuffered (one byte at a time for line-oriented
// input) so that no bytes of the following TLS record are consumed here.
func Handshake(conn net.Conn) (ProxyProtocol, string, int, error) {
	b, err := readByte(conn)
	if err != nil {
		return ProtocolUnknown, "", 0, fmt.Errorf("read detection byte: %w", err)
	}

	switch {
	case b == 0x05:
		host, port, err := socks5Handshake(conn)
		if err != nil {
			return ProtocolUnknown, "", 0, err
		}
		return ProtocolSocks5, host, port, nil
	case b == 'C':
		rest := make([]byte, 6)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return ProtocolUnknown, "", 0, fmt.Errorf("read method: %w", err)
		}
		if string(rest) != "ONNECT" {
			return ProtocolUnknown, "", 0, ErrUnknownProxy
		}
		host, port, err := httpConnectHandshake(conn)
		if err != nil {
			return ProtocolUnknown, "", 0, err
		}
		return ProtocolHTTP, host, port, nil
	case b == tlsx.RecordTypeHandshake:
		return ProtocolNone, "", 0, nil
	default:
		return ProtocolUnknown, "", 0, ErrUnknownProxy
	}
}

// httpConnectHandshake consumes the CONNECT request line and headers,
// extracts the target from the Host header and replies. The leading
// "CONNECT" has already been consumed by detection.
func httpConnectHandshake(conn net.Conn) (string, int, error) {
	// Rest of the request line.
	if _, err := readLine(conn); err != nil {
		return "", 0, fmt.Errorf("read request line: %w", err)
	}

	var host string
	port := 443
	for {
		line, err := readLine(conn)
		if err != nil {
			return "", 0, fmt.Errorf("read header line: %w", err)
		}
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "host:") {
			h, p, err := splitHostPort(strings.TrimSpace(line[5:]))
			if err != nil {
				continue
			}
			host, port = h, p
		}
	}

	if host == "" {
		fmt.Fprintf(conn, "HTTP/1.1 400 Bad Request\r\nProxy-agent: %s\r\n\r\n", proxyAgent)
		return "", 0, ErrHTTPMissingHost
	}

	if _, err := fmt.Fprintf(conn, "HTTP/1.1 200 Connection established\r\nProxy-agent: %s\r\n\r\n", proxyAgent); err != nil {
		return "", 0, fmt.Errorf("write connect reply: %w", err)
	}
	return host, port, nil
}

// socks5Handshake completes the RFC 1928 negotiation: no authentication,
// CONNECT only. The version byte 0x05 has already been consumed.
func socks5Handshake(conn net.Conn) (string, int, error) {
	nauth, err := readByte(conn)
	if err != nil {
		return "", 0, fmt.Errorf("read auth method count: %w", err)
	}
	if _, err := io.ReadFull(conn, make([]byte, int(nauth))); err != nil {
		return "", 0, fmt.Errorf("read auth methods: %w", err)
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		return "", 0, fmt.Errorf("write auth reply: %w", err)
	}

	// Request header: version, command, reserved.
	head := make([]byte, 3)
	if _, err := io.ReadFull(conn, head); err != nil {
		return "", 0, fmt.Errorf("read request header: %w", err)
	}
	if head[0] != 0x05 {
		return "", 0, fmt.Errorf("socks5: bad request version 0x%02x", head[0])
	}
	if head[1] != socksCmdConnect {
		writeSocks5Reply(conn, socksRepCommandNotSupported)
		return "", 0, &Socks5UnsupportedError{Cmd: head[1]}
	}

	atyp, err := readByte(conn)
	if err != nil {
		return "", 0, fmt.Errorf("read address type: %w", err)
	}

	var host string
	switch atyp {
	case socksAddrIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, fmt.Errorf("read ipv4 address: %w", err)
		}
		host = net.IP(addr).String()
	case socksAddrDomain:
		n, err := readByte(conn)
		if err != nil {
			return "", 0, fmt.Errorf("read domain length: %w", err)
		}
		name := make([]byte, int(n))
		if _, err := io.ReadFull(conn, name); err != nil {
			return "", 0, fmt.Errorf("read domain: %w", err)
		}
		host = string(name)
	case socksAddrIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, fmt.Errorf("read ipv6 address: %w", err)
		}
		host = net.IP(addr).String()
	default:
		writeSocks5Reply(conn, socksRepAddrTypeNotSupported)
		return "", 0, ErrSocks5BadAddrType
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBytes); err != nil {
		return "", 0, fmt.Errorf("read port: %w", err)
	}
	port := int(portBytes[0])<<8 | int(portBytes[1])

	if err := writeSocks5Reply(conn, socksRepSucceeded); err != nil {
		return "", 0, fmt.Errorf("write connect reply: %w", err)
	}
	return host, port, nil
}

// writeSocks5Reply sends a fixed-form reply with a zero IPv4 bind address.
func writeSocks5Reply(conn net.Conn, rep byte) error {
	_, err := conn.Write([]byte{0x05, rep, 0x00, socksAddrIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// splitHostPort parses "host:port" from a Host header. Bracketed IPv6
// literals are accepted; a missing port defaults to 443.
func splitHostPort(hostport string) (string, int, error) {
	host := hostport
	port := 443

	if strings.HasPrefix(hostport, "[") {
		end := strings.Index(hostport, "]")
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated ipv6 literal in %q", hostport)
		}
		host = hostport[1:end]
		if rest := hostport[end+1:]; strings.HasPrefix(rest, ":") {
			p, err := strconv.Atoi(rest[1:])
			if err != nil {
				return "", 0, fmt.Errorf("invalid port in %q", hostport)
			}
			port = p
		}
		return host, port, nil
	}

	if idx := strings.LastIndex(hostport, ":"); idx != -1 {
		p, err := strconv.Atoi(hostport[idx+1:])
		if err != nil {
			return "", 0, fmt.Errorf("invalid port in %q", hostport)
		}
		host, port = hostport[:idx], p
	}
	if host == "" {
		return "", 0, fmt.Errorf("empty host in %q", hostport)
	}
	return host, port, nil
}

// readByte reads exactly one byte from conn.
func readByte(conn io.Reader) (byte, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(conn, b); err != nil {
		return 0, err
	}
	return b[0], nil
}

// readLine reads a CRLF-terminated line one byte at a time, returning it
// without the terminator. Byte-wise reads keep the bytes after the blank
// line on the wire for the record reader.
func readLine(conn io.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := readByte(conn)
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
		sb.WriteByte(b)
		if sb.Len() > 8192 {
			return "", fmt.Errorf("header line too long")
		}
	}
}
