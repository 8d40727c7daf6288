package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/monsterxx03/snifrag/pkg/policy"
)

// GetConfigDir returns the default configuration directory (~/.config/snifrag)
func GetConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config"
	}
	return filepath.Join(homeDir, ".config", "snifrag")
}

// Config represents the main configuration for the proxy
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Client (upstream dialing) configuration
	Client ClientConfig `mapstructure:"client"`

	// DoH resolver configuration
	DoH DoHConfig `mapstructure:"doh"`

	// Per-host policy and bypass ranges
	Policy PolicyConfig `mapstructure:"policy"`

	// Log level (debug, info, warn, error)
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// ServerConfig contains listener settings
type ServerConfig struct {
	// Listen host for the proxy listener
	Host string `mapstructure:"host" yaml:"host"`

	// Listen port
	Port int `mapstructure:"port" yaml:"port"`

	// Listen backlog. Go's listener takes the kernel default; the value
	// is kept for deployments that tune somaxconn to match.
	Backlog int `mapstructure:"backlog" yaml:"backlog"`
}

// ClientConfig contains upstream connection settings
type ClientConfig struct {
	// Timeout for upstream TCP connects
	CnnTimeout time.Duration `mapstructure:"cnn_timeout" yaml:"cnn_timeout"`
}

// DoHConfig contains DNS-over-HTTPS resolver settings
type DoHConfig struct {
	// dns-json query endpoint
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// IP answering A lookups for cloudflare-dns.com and one.one.one.one
	// (the default endpoint's hosts), breaking the resolver-through-proxy
	// bootstrap cycle. Other endpoint hosts are resolved over DoH.
	BootstrapIP string `mapstructure:"bootstrap_ip" yaml:"bootstrap_ip"`

	// Timeout for one DoH HTTP exchange
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PolicyConfig contains per-host rules and fragmentation bypass ranges
type PolicyConfig struct {
	// Hosts maps a host name to its connection rule
	Hosts map[string]policy.Rule `mapstructure:"hosts" yaml:"hosts,omitempty"`

	// BypassCIDRs lists ranges whose connections skip fragmentation
	BypassCIDRs []string `mapstructure:"bypass_cidrs" yaml:"bypass_cidrs,omitempty"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    9933,
			Backlog: 128,
		},
		Client: ClientConfig{
			CnnTimeout: 3 * time.Second,
		},
		DoH: DoHConfig{
			Endpoint:    "https://cloudflare-dns.com/dns-query",
			BootstrapIP: "104.16.249.249",
			Timeout:     10 * time.Second,
		},
		Policy: PolicyConfig{
			BypassCIDRs: []string{"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
		},
		LogLevel: "info",
	}
}

// ListenAddr returns the host:port the proxy listener binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
