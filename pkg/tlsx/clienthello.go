package tlsx

import (
	"fmt"

	"github.com/monsterxx03/snifrag/pkg/codec"
)

// TLS record and handshake constants
const (
	RecordTypeHandshake  = 0x16
	HandshakeClientHello = 0x01

	extServerName = 0x0000
	extKeyShare   = 0x0033

	// RecordHeaderLen is the length of the outer TLS record header:
	// type (1) + legacy version (2) + length (2).
	RecordHeaderLen = 5

	// MaxRecordLen bounds the declared record payload. TLSPlaintext
	// fragments are at most 2^14 bytes; allow some slack for
	// non-conforming clients.
	MaxRecordLen = 16384 + 256
)

// MalformedTLSError reports a ClientHello that failed structural
// validation, naming the field that failed.
type MalformedTLSError struct {
	Where string
}

func (e *MalformedTLSError) Error() string {
	return fmt.Sprintf("malformed tls client hello: %s", e.Where)
}

func malformed(where string) error {
	return &MalformedTLSError{Where: where}
}

// ClientHelloInfo holds what the pipeline needs from a parsed ClientHello:
// the server name, its byte range inside the handshake message, and
// whether the hello negotiates TLS 1.3.
type ClientHelloInfo struct {
	SNI     string
	IsTLS13 bool

	// [SNIStart, SNIEnd) is the byte range of the raw server name within
	// the handshake message (including its 4-byte handshake header).
	SNIStart int
	SNIEnd   int
}

// ParseClientHello decodes the handshake message carried by the first TLS
// record. hello is the record payload: a 4-byte handshake header followed
// by the ClientHello body.
func ParseClientHello(hello []byte) (*ClientHelloInfo, error) {
	if len(hello) < 4 {
		return nil, malformed("handshake header truncated")
	}
	if hello[0] != HandshakeClientHello {
		return nil, malformed(fmt.Sprintf("handshake type 0x%02x is not ClientHello", hello[0]))
	}

	bodyLen := int(codec.BE32(hello[1:4]))
	if bodyLen+4 != len(hello) {
		return nil, malformed("handshake length does not match record payload")
	}

	info := &ClientHelloInfo{}
	body := hello[4:]
	pos := 0

	// legacy_version (2) + random (32)
	pos += 34
	if pos > len(body) {
		return nil, malformed("legacy version and random truncated")
	}

	if pos >= len(body) {
		return nil, malformed("session id length missing")
	}
	pos += 1 + int(body[pos])
	if pos > len(body) {
		return nil, malformed("session id truncated")
	}

	if pos+2 > len(body) {
		return nil, malformed("cipher suites length missing")
	}
	pos += 2 + int(codec.BE16(body[pos:]))
	if pos > len(body) {
		return nil, malformed("cipher suites truncated")
	}

	if pos >= len(body) {
		return nil, malformed("compression methods length missing")
	}
	pos += 1 + int(body[pos])
	if pos > len(body) {
		return nil, malformed("compression methods truncated")
	}

	if pos+2 > len(body) {
		return nil, malformed("extensions length missing")
	}
	extLen := int(codec.BE16(body[pos:]))
	pos += 2
	if len(body)-pos != extLen {
		return nil, malformed("extensions length does not match remaining bytes")
	}

	for pos < len(body) {
		if pos+4 > len(body) {
			return nil, malformed("extension header truncated")
		}
		extID := codec.BE16(body[pos:])
		l := int(codec.BE16(body[pos+2:]))
		pos += 4
		if pos+l > len(body) {
			return nil, malformed(fmt.Sprintf("extension 0x%04x body truncated", extID))
		}
		ext := body[pos : pos+l]

		switch extID {
		case extServerName:
			// server_name_list length (2), then the first entry:
			// name type (1) + name length (2) + name.
			if len(ext) < 5 {
				return nil, malformed("server_name extension too short")
			}
			if ext[2] == 0x00 { // DNS host name
				nameLen := int(codec.BE16(ext[3:5]))
				if 5+nameLen > len(ext) {
					return nil, malformed("server name truncated")
				}
				info.SNI = string(ext[5 : 5+nameLen])
				// Offsets are relative to the whole handshake message,
				// 4-byte header included.
				info.SNIStart = 4 + pos + 5
				info.SNIEnd = info.SNIStart + nameLen
			}
		case extKeyShare:
			info.IsTLS13 = true
		}

		pos += l
	}

	return info, nil
}
