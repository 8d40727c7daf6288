package doh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	// DefaultEndpoint is Cloudflare's JSON resolver API.
	DefaultEndpoint = "https://cloudflare-dns.com/dns-query"

	// DefaultBootstrapIP answers A lookups for the resolver's own host
	// names without touching the network. The DoH request is routed
	// through this proxy, so resolving the endpoint through DoH would
	// recurse forever.
	DefaultBootstrapIP = "104.16.249.249"

	// ttlSlack is subtracted from the answer TTL so entries expire
	// slightly before the upstream record does.
	ttlSlack = 10
)

var bootstrapHosts = map[string]bool{
	"cloudflare-dns.com": true,
	"one.one.one.one":    true,
}

// ErrNoAnswer is returned when the DoH response carries no answer of the
// requested type.
var ErrNoAnswer = fmt.Errorf("doh: no answer of requested type")

// HTTPError reports a non-200 status from the DoH endpoint.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("doh: endpoint returned status %d", e.Status)
}

// Config configures a Resolver.
type Config struct {
	// Endpoint is the dns-json query URL. Defaults to DefaultEndpoint.
	Endpoint string

	// ProxyAddr, when set, routes DoH HTTPS requests through an HTTP
	// CONNECT proxy at host:port — normally this proxy's own listener.
	ProxyAddr string

	// BootstrapIP overrides DefaultBootstrapIP.
	BootstrapIP string

	// Timeout bounds a single DoH HTTP exchange.
	Timeout time.Duration
}

type cacheEntry struct {
	ip        string
	expiresAt int64
}

// Resolver resolves names via DNS-over-HTTPS with a single-flight cache:
// for any key at most one upstream query runs at a time, and concurrent
// callers wait for the in-flight result instead of issuing their own.
type Resolver struct {
	endpoint    string
	bootstrapIP string
	client      *http.Client

	mu       sync.Mutex
	cache    map[string]cacheEntry
	inflight map[string]chan struct{}
	hits     int64
	misses   int64
}

// NewResolver creates a Resolver.
func NewResolver(cfg Config) *Resolver {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.BootstrapIP == "" {
		cfg.BootstrapIP = DefaultBootstrapIP
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := &http.Transport{}
	if cfg.ProxyAddr != "" {
		transport.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: cfg.ProxyAddr})
	}

	return &Resolver{
		endpoint:    cfg.Endpoint,
		bootstrapIP: cfg.BootstrapIP,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		cache:    make(map[string]cacheEntry),
		inflight: make(map[string]chan struct{}),
	}
}

// Resolve returns an IP for name. qtype is "A" or "AAAA".
func (r *Resolver) Resolve(ctx context.Context, name, qtype string) (string, error) {
	qcode, ok := dns.StringToType[qtype]
	if !ok || (qcode != dns.TypeA && qcode != dns.TypeAAAA) {
		return "", fmt.Errorf("doh: unsupported query type %q", qtype)
	}

	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if bootstrapHosts[name] && qcode == dns.TypeA {
		return r.bootstrapIP, nil
	}

	key := name + "/" + qtype
	for {
		r.mu.Lock()
		if e, ok := r.cache[key]; ok {
			if time.Now().Unix() < e.expiresAt {
				r.hits++
				r.mu.Unlock()
				return e.ip, nil
			}
			delete(r.cache, key)
		}
		if ch, ok := r.inflight[key]; ok {
			// Another caller is resolving this key. Wait for it to
			// publish and re-read the cache.
			r.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			continue
		}
		ch := make(chan struct{})
		r.inflight[key] = ch
		r.misses++
		r.mu.Unlock()

		ip, ttl, err := r.query(ctx, name, qtype, qcode)

		r.mu.Lock()
		delete(r.inflight, key)
		close(ch)
		if err != nil {
			r.mu.Unlock()
			return "", err
		}
		r.cache[key] = cacheEntry{ip: ip, expiresAt: time.Now().Unix() + int64(ttl) - ttlSlack}
		r.mu.Unlock()

		slog.Debug("doh resolved", "name", name, "type", qtype, "ip", ip, "ttl", ttl)
		return ip, nil
	}
}

type dnsJSONAnswer struct {
	Type int    `json:"type"`
	Data string `json:"data"`
	TTL  int    `json:"TTL"`
}

type dnsJSONResponse struct {
	Status int             `json:"Status"`
	Answer []dnsJSONAnswer `json:"Answer"`
}

// query performs one dns-json GET against the endpoint.
func (r *Resolver) query(ctx context.Context, name, qtype string, qcode uint16) (string, int, error) {
	u := fmt.Sprintf("%s?name=%s&type=%s", r.endpoint, url.QueryEscape(name), qtype)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", 0, fmt.Errorf("doh: build request: %w", err)
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("doh: transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", 0, &HTTPError{Status: resp.StatusCode}
	}

	var parsed dnsJSONResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", 0, fmt.Errorf("doh: decode response: %w", err)
	}

	for _, ans := range parsed.Answer {
		if ans.Type == int(qcode) {
			return ans.Data, ans.TTL, nil
		}
	}
	return "", 0, ErrNoAnswer
}

// Stats returns cache statistics.
func (r *Resolver) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]interface{})
	stats["size"] = len(r.cache)
	stats["hits"] = r.hits
	stats["misses"] = r.misses

	total := r.hits + r.misses
	if total > 0 {
		stats["hit_rate"] = float64(r.hits) / float64(total)
	} else {
		stats["hit_rate"] = 0.0
	}
	return stats
}
