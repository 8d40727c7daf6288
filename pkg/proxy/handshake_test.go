package proxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// runHandshake drives Handshake on the server half of a pipe while the
// client side runs script.
func runHandshake(t *testing.T, script func(c net.Conn)) (ProxyProtocol, string, int, error) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		script(client)
	}()

	proto, host, port, err := Handshake(server)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client script did not finish")
	}
	return proto, host, port, err
}

func TestHandshakeSocks5Domain(t *testing.T) {
	proto, host, port, err := runHandshake(t, func(c net.Conn) {
		c.Write([]byte{0x05, 0x01, 0x00})

		reply := make([]byte, 2)
		if _, err := io.ReadFull(c, reply); err != nil {
			t.Errorf("read auth reply: %v", err)
			return
		}
		if reply[0] != 0x05 || reply[1] != 0x00 {
			t.Errorf("unexpected auth reply: %v", reply)
		}

		req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.com"))}
		req = append(req, "example.com"...)
		req = append(req, 0x01, 0xBB)
		c.Write(req)

		conn := make([]byte, 10)
		if _, err := io.ReadFull(c, conn); err != nil {
			t.Errorf("read connect reply: %v", err)
			return
		}
		if conn[0] != 0x05 || conn[1] != 0x00 {
			t.Errorf("unexpected connect reply: %v", conn)
		}
	})

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if proto != ProtocolSocks5 {
		t.Errorf("Expected socks5, got %s", proto)
	}
	if host != "example.com" || port != 443 {
		t.Errorf("Expected example.com:443, got %s:%d", host, port)
	}
}

func TestHandshakeSocks5IPv4(t *testing.T) {
	proto, host, port, err := runHandshake(t, func(c net.Conn) {
		c.Write([]byte{0x05, 0x01, 0x00})
		io.ReadFull(c, make([]byte, 2))
		c.Write([]byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB})
		io.ReadFull(c, make([]byte, 10))
	})

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if proto != ProtocolSocks5 || host != "93.184.216.34" || port != 443 {
		t.Errorf("Unexpected result: %s %s:%d", proto, host, port)
	}
}

func TestHandshakeSocks5IPv6(t *testing.T) {
	ip := net.ParseIP("2001:db8::1").To16()
	_, host, port, err := runHandshake(t, func(c net.Conn) {
		c.Write([]byte{0x05, 0x01, 0x00})
		io.ReadFull(c, make([]byte, 2))
		req := append([]byte{0x05, 0x01, 0x00, 0x04}, ip...)
		req = append(req, 0x1F, 0x90)
		c.Write(req)
		io.ReadFull(c, make([]byte, 10))
	})

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if host != "2001:db8::1" || port != 8080 {
		t.Errorf("Expected 2001:db8::1:8080, got %s:%d", host, port)
	}
}

func TestHandshakeSocks5UnsupportedCommand(t *testing.T) {
	_, _, _, err := runHandshake(t, func(c net.Conn) {
		c.Write([]byte{0x05, 0x01, 0x00})
		io.ReadFull(c, make([]byte, 2))
		c.Write([]byte{0x05, 0x02, 0x00}) // BIND

		reply := make([]byte, 10)
		if _, err := io.ReadFull(c, reply); err != nil {
			t.Errorf("read failure reply: %v", err)
			return
		}
		if reply[1] != socksRepCommandNotSupported {
			t.Errorf("expected command-not-supported reply, got %v", reply)
		}
	})

	var uerr *Socks5UnsupportedError
	if !errors.As(err, &uerr) {
		t.Fatalf("Expected Socks5UnsupportedError, got: %v", err)
	}
	if uerr.Cmd != 0x02 {
		t.Errorf("Expected cmd 0x02, got 0x%02x", uerr.Cmd)
	}
}

func TestHandshakeSocks5BadAddrType(t *testing.T) {
	_, _, _, err := runHandshake(t, func(c net.Conn) {
		c.Write([]byte{0x05, 0x01, 0x00})
		io.ReadFull(c, make([]byte, 2))
		c.Write([]byte{0x05, 0x01, 0x00, 0x05})

		reply := make([]byte, 10)
		io.ReadFull(c, reply)
		if reply[1] != socksRepAddrTypeNotSupported {
			t.Errorf("expected addr-type-not-supported reply, got %v", reply)
		}
	})

	if !errors.Is(err, ErrSocks5BadAddrType) {
		t.Fatalf("Expected ErrSocks5BadAddrType, got: %v", err)
	}
}

func TestHandshakeHTTPConnect(t *testing.T) {
	proto, host, port, err := runHandshake(t, func(c net.Conn) {
		io.WriteString(c, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\nUser-Agent: curl\r\n\r\n")

		r := bufio.NewReader(c)
		status, err := r.ReadString('\n')
		if err != nil {
			t.Errorf("read status: %v", err)
			return
		}
		if !strings.HasPrefix(status, "HTTP/1.1 200") {
			t.Errorf("unexpected status: %q", status)
		}
		agent, _ := r.ReadString('\n')
		if !strings.Contains(agent, "MyProxy/1.0") {
			t.Errorf("missing proxy agent header: %q", agent)
		}
	})

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if proto != ProtocolHTTP || host != "example.com" || port != 443 {
		t.Errorf("Unexpected result: %s %s:%d", proto, host, port)
	}
}

func TestHandshakeHTTPMissingHost(t *testing.T) {
	_, _, _, err := runHandshake(t, func(c net.Conn) {
		io.WriteString(c, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")

		r := bufio.NewReader(c)
		status, _ := r.ReadString('\n')
		if !strings.HasPrefix(status, "HTTP/1.1 400") {
			t.Errorf("unexpected status: %q", status)
		}
	})

	if !errors.Is(err, ErrHTTPMissingHost) {
		t.Fatalf("Expected ErrHTTPMissingHost, got: %v", err)
	}
}

func TestHandshakeHTTPBadMethod(t *testing.T) {
	_, _, _, err := runHandshake(t, func(c net.Conn) {
		// Detection consumes exactly seven bytes before rejecting.
		io.WriteString(c, "CONNEXT")
	})
	if !errors.Is(err, ErrUnknownProxy) {
		t.Fatalf("Expected ErrUnknownProxy, got: %v", err)
	}
}

func TestHandshakeRawTLS(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write([]byte{0x16, 0x03, 0x01, 0x00, 0x05, 0xAA})

	proto, host, _, err := Handshake(server)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if proto != ProtocolNone {
		t.Errorf("Expected none, got %s", proto)
	}
	if host != "" {
		t.Errorf("Expected empty host, got %q", host)
	}

	// Only the detection byte was consumed.
	rest := make([]byte, 5)
	server.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(server, rest); err != nil {
		t.Fatalf("read remainder: %v", err)
	}
	if rest[0] != 0x03 || rest[4] != 0xAA {
		t.Errorf("remainder bytes consumed by detection: %v", rest)
	}
}

func TestHandshakeUnknown(t *testing.T) {
	_, _, _, err := runHandshake(t, func(c net.Conn) {
		c.Write([]byte{0x99})
	})
	if !errors.Is(err, ErrUnknownProxy) {
		t.Fatalf("Expected ErrUnknownProxy, got: %v", err)
	}
}

func TestSplitHostPort(t *testing.T) {
	for _, tc := range []struct {
		in   string
		host string
		port int
		ok   bool
	}{
		{"example.com:443", "example.com", 443, true},
		{"example.com:8443", "example.com", 8443, true},
		{"example.com", "example.com", 443, true},
		{"93.184.216.34:443", "93.184.216.34", 443, true},
		{"[::1]:443", "::1", 443, true},
		{"[2001:db8::1]", "2001:db8::1", 443, true},
		{"example.com:x", "", 0, false},
		{"", "", 0, false},
	} {
		host, port, err := splitHostPort(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("%q: unexpected error state: %v", tc.in, err)
			continue
		}
		if tc.ok && (host != tc.host || port != tc.port) {
			t.Errorf("%q: expected %s:%d, got %s:%d", tc.in, tc.host, tc.port, host, port)
		}
	}
}
