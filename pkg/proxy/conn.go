package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/monsterxx03/snifrag/pkg/codec"
	"github.com/monsterxx03/snifrag/pkg/doh"
	"github.com/monsterxx03/snifrag/pkg/policy"
	"github.com/monsterxx03/snifrag/pkg/tlsx"
)

const spliceBufSize = 16 * 1024

// Conn is one accepted client connection and its per-connection pipeline
// state. A Conn is owned by exactly one goroutine; only teardown is
// shared between the two splice copiers.
type Conn struct {
	id       string
	client   net.Conn
	upstream net.Conn

	resolver    *doh.Resolver
	policies    *policy.Table
	dialTimeout time.Duration
	stats       *ProxyStats

	closeOnce sync.Once
	log       *slog.Logger
}

func newConn(client net.Conn, resolver *doh.Resolver, policies *policy.Table, dialTimeout time.Duration, stats *ProxyStats) *Conn {
	id := ulid.Make().String()
	return &Conn{
		id:          id,
		client:      client,
		resolver:    resolver,
		policies:    policies,
		dialTimeout: dialTimeout,
		stats:       stats,
		log:         slog.With("conn", id, "peer", client.RemoteAddr().String()),
	}
}

// handle runs the per-connection pipeline: proxy handshake, first-record
// read, ClientHello parse, policy, resolution, upstream connect,
// fragmented first write, then the bidirectional splice. Any unrecovered
// error aborts the whole connection; nothing propagates to the caller.
func (c *Conn) handle(ctx context.Context) {
	defer c.teardown()

	proto, host, port, err := Handshake(c.client)
	if err != nil {
		c.log.Warn("proxy handshake failed", "error", err)
		return
	}
	c.log.Debug("handshake complete", "protocol", proto.String(), "host", host, "port", port)

	header, hello, err := c.readFirstRecord(proto)
	if err != nil {
		c.log.Warn("first record read failed", "error", err)
		return
	}

	info, err := tlsx.ParseClientHello(hello)
	if err != nil {
		c.log.Warn("client hello rejected", "error", err)
		return
	}
	if !info.IsTLS13 {
		c.log.Warn("client hello rejected", "error", ErrNotTLS13)
		return
	}
	if info.SNI == "" {
		c.log.Warn("client hello rejected", "error", ErrNoSNI)
		return
	}

	// A missing or literal-IP tunnel target is replaced by the SNI: the
	// name is what policy and resolution key on.
	if host == "" || net.ParseIP(host) != nil {
		host = info.SNI
		port = 443
	}

	rule := c.policies.Lookup(host)
	if rule.Port != 0 {
		port = rule.Port
	}

	ip := rule.IP
	if ip == "" {
		qtype := "A"
		if rule.IPType == "ipv6" {
			qtype = "AAAA"
		}
		ip, err = c.resolver.Resolve(ctx, host, qtype)
		if err != nil {
			c.log.Warn("resolution failed", "host", host, "error", err)
			return
		}
	}

	if err := c.dialUpstream(ip, port, rule.IPType); err != nil {
		c.log.Warn("upstream connect failed", "addr", net.JoinHostPort(ip, strconv.Itoa(port)), "error", err)
		return
	}
	c.log.Info("tunnel established", "host", host, "ip", ip, "port", port, "protocol", proto.String())

	if c.policies.Bypass(net.ParseIP(ip)) {
		// Trusted range: forward the hello untouched.
		if _, err := c.upstream.Write(append(header, hello...)); err != nil {
			c.log.Warn("hello write failed", "error", err)
			return
		}
	} else {
		frag := tlsx.NewFragmenter(time.Now().UnixNano())
		chunks := frag.Fragment(hello, info.SNIStart, info.SNIEnd, header[:3])
		if err := frag.WriteChunks(c.upstream, chunks); err != nil {
			c.log.Warn("fragmented hello write failed", "error", err)
			return
		}
		c.log.Debug("client hello fragmented", "sni", info.SNI, "chunks", len(chunks))
	}

	c.splice()
}

// readFirstRecord reads the 5-byte TLS record header and the full record
// payload. On the raw-TLS path the detection byte 0x16 was already
// consumed, so it is prepended to 4 freshly-read bytes; either way the
// resulting header layout is identical.
func (c *Conn) readFirstRecord(proto ProxyProtocol) ([]byte, []byte, error) {
	header := make([]byte, tlsx.RecordHeaderLen)
	if proto == ProtocolNone {
		header[0] = tlsx.RecordTypeHandshake
		if _, err := io.ReadFull(c.client, header[1:]); err != nil {
			return nil, nil, fmt.Errorf("read record header: %w", err)
		}
	} else {
		if _, err := io.ReadFull(c.client, header); err != nil {
			return nil, nil, fmt.Errorf("read record header: %w", err)
		}
	}

	if header[0] != tlsx.RecordTypeHandshake {
		return nil, nil, fmt.Errorf("record type 0x%02x is not a handshake", header[0])
	}
	recordLen := int(codec.BE16(header[3:5]))
	if recordLen < 4 || recordLen > tlsx.MaxRecordLen {
		return nil, nil, fmt.Errorf("implausible record length %d", recordLen)
	}

	hello := make([]byte, recordLen)
	if _, err := io.ReadFull(c.client, hello); err != nil {
		return nil, nil, fmt.Errorf("read record payload: %w", err)
	}
	return header, hello, nil
}

// dialUpstream connects to ip:port with the configured timeout and
// enables TCP_NODELAY so fragment writes are not coalesced by Nagle.
func (c *Conn) dialUpstream(ip string, port int, ipType string) error {
	network := "tcp4"
	if ipType == "ipv6" || (net.ParseIP(ip) != nil && net.ParseIP(ip).To4() == nil) {
		network = "tcp6"
	}
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.Dial(network, net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	c.upstream = conn
	return nil
}

// splice copies bytes in both directions until either side ends. The
// downstream copier runs in its own goroutine, the upstream copier in
// the connection's goroutine; whichever finishes first closes both
// sockets, unblocking the other.
func (c *Conn) splice() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.copyHalf(c.client, c.upstream)
	}()
	c.copyHalf(c.upstream, c.client)
	wg.Wait()
}

func (c *Conn) copyHalf(dst, src net.Conn) {
	buf := make([]byte, spliceBufSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if c.stats != nil {
		c.stats.addBytes(uint64(n))
	}
	// First side done: tear both sockets down so the opposite copier
	// observes EOF or a benign closed-descriptor error.
	c.teardown()
	if err != nil && !isBenignNetError(err) {
		c.log.Warn("splice error", "error", err)
	}
}

// teardown closes both sockets exactly once, on every exit path.
func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.client.Close()
		if c.upstream != nil {
			c.upstream.Close()
		}
	})
}
