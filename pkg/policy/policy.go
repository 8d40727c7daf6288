package policy

import (
	"fmt"
	"net"
	"strings"

	"github.com/yl2chen/cidranger"
)

// Rule is a per-host connection policy. Zero values mean "unspecified":
// the pipeline resolves the host itself and defaults the port.
type Rule struct {
	// IP, when set, skips DNS resolution entirely.
	IP string `mapstructure:"ip" yaml:"ip,omitempty"`

	// Port overrides the destination port.
	Port int `mapstructure:"port" yaml:"port,omitempty"`

	// IPType selects the address family for resolution: "ipv4" or
	// "ipv6". Empty means ipv4.
	IPType string `mapstructure:"ip_type" yaml:"ip_type,omitempty"`
}

// IsZero reports whether no field of the rule is set.
func (r Rule) IsZero() bool {
	return r.IP == "" && r.Port == 0 && r.IPType == ""
}

// Table answers per-host policy lookups and bypass-range membership.
// It is built once at startup and read-only afterwards.
type Table struct {
	hosts  map[string]Rule
	ranger cidranger.Ranger
}

// NewTable builds a Table from host rules and bypass CIDRs. Host keys are
// matched case-insensitively. Upstream IPs inside a bypass CIDR are
// relayed without ClientHello fragmentation.
func NewTable(hosts map[string]Rule, bypassCIDRs []string) (*Table, error) {
	t := &Table{
		hosts:  make(map[string]Rule, len(hosts)),
		ranger: cidranger.NewPCTrieRanger(),
	}

	for host, rule := range hosts {
		switch rule.IPType {
		case "", "ipv4", "ipv6":
		default:
			return nil, fmt.Errorf("policy for %s: invalid ip_type %q", host, rule.IPType)
		}
		if rule.IP != "" && net.ParseIP(rule.IP) == nil {
			return nil, fmt.Errorf("policy for %s: invalid ip %q", host, rule.IP)
		}
		if rule.Port < 0 || rule.Port > 65535 {
			return nil, fmt.Errorf("policy for %s: invalid port %d", host, rule.Port)
		}
		t.hosts[strings.ToLower(host)] = rule
	}

	for _, cidr := range bypassCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("bypass cidr %q: %w", cidr, err)
		}
		if err := t.ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("bypass cidr %q: %w", cidr, err)
		}
	}

	return t, nil
}

// Lookup returns the rule for host, or a zero Rule when none is
// configured. There is no error path.
func (t *Table) Lookup(host string) Rule {
	return t.hosts[strings.ToLower(host)]
}

// Bypass reports whether ip falls inside a configured bypass range.
func (t *Table) Bypass(ip net.IP) bool {
	if ip == nil {
		return false
	}
	ok, err := t.ranger.Contains(ip)
	return err == nil && ok
}
