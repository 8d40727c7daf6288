package proxy

import (
	"sync"
	"time"
)

// ProxyStats tracks proxy statistics
type ProxyStats struct {
	totalConnections  uint64
	activeConnections uint64
	bytesTransferred  uint64
	startTime         time.Time
	mu                sync.RWMutex
}

func newProxyStats() *ProxyStats {
	return &ProxyStats{startTime: time.Now()}
}

func (s *ProxyStats) connOpened() {
	s.mu.Lock()
	s.totalConnections++
	s.activeConnections++
	s.mu.Unlock()
}

func (s *ProxyStats) connClosed() {
	s.mu.Lock()
	s.activeConnections--
	s.mu.Unlock()
}

func (s *ProxyStats) addBytes(n uint64) {
	s.mu.Lock()
	s.bytesTransferred += n
	s.mu.Unlock()
}

// Snapshot returns the current statistics.
func (s *ProxyStats) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := time.Since(s.startTime).Seconds()

	stats := make(map[string]interface{})
	stats["total_connections"] = s.totalConnections
	stats["active_connections"] = s.activeConnections
	stats["bytes_transferred"] = s.bytesTransferred
	stats["uptime_seconds"] = uptime

	return stats
}
