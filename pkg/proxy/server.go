package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/monsterxx03/snifrag/pkg/config"
	"github.com/monsterxx03/snifrag/pkg/doh"
	"github.com/monsterxx03/snifrag/pkg/policy"
)

// Server is the proxy listener and accept loop. Each accepted connection
// runs its own pipeline goroutine; the server holds no per-connection
// routing state.
type Server struct {
	listenAddr  string
	dialTimeout time.Duration
	resolver    *doh.Resolver
	policies    *policy.Table

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stats    *ProxyStats
}

// NewServer builds a Server from cfg. The DoH resolver is routed through
// the server's own listen address.
func NewServer(cfg *config.Config) (*Server, error) {
	policies, err := policy.NewTable(cfg.Policy.Hosts, cfg.Policy.BypassCIDRs)
	if err != nil {
		return nil, fmt.Errorf("build policy table: %w", err)
	}

	resolver := doh.NewResolver(doh.Config{
		Endpoint:    cfg.DoH.Endpoint,
		BootstrapIP: cfg.DoH.BootstrapIP,
		Timeout:     cfg.DoH.Timeout,
		ProxyAddr:   cfg.ListenAddr(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listenAddr:  cfg.ListenAddr(),
		dialTimeout: cfg.Client.CnnTimeout,
		resolver:    resolver,
		policies:    policies,
		ctx:         ctx,
		cancel:      cancel,
		stats:       newProxyStats(),
	}, nil
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	lc := net.ListenConfig{Control: reusePortControl}
	listener, err := lc.Listen(s.ctx, "tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Info("proxy listening", "address", s.listenAddr)
	return nil
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *Server) Stop() {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		slog.Info("proxy stopped", "stats", s.stats.Snapshot())
	case <-time.After(10 * time.Second):
		slog.Warn("proxy stop timeout", "stats", s.stats.Snapshot())
	}
}

// acceptLoop accepts incoming connections. Per-connection errors never
// terminate the loop.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(clientConn net.Conn) {
	defer s.wg.Done()

	s.stats.connOpened()
	defer s.stats.connClosed()

	c := newConn(clientConn, s.resolver, s.policies, s.dialTimeout, s.stats)
	c.handle(s.ctx)
}

// ListenAddr returns the bound listener address, or the configured one
// before Start.
func (s *Server) ListenAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.listenAddr
}

// Stats returns the server's statistics snapshot.
func (s *Server) Stats() map[string]interface{} {
	return s.stats.Snapshot()
}

// Resolver exposes the shared DoH handle.
func (s *Server) Resolver() *doh.Resolver {
	return s.resolver
}
