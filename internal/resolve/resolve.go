// Package resolve attaches PTR names to alive hosts.
package resolve

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"

	"github.com/anstrom/netmonkey/internal/errors"
)

const (
	defaultTimeout  = 2 * time.Second
	defaultCacheTTL = 10 * time.Minute
	resolvConfPath  = "/etc/resolv.conf"

	// A /16 sweep fits without evicting its own answers.
	defaultCacheSize = 1 << 16
)

// Resolver performs reverse lookups against a single DNS server and keeps
// the most recent answers in a bounded cache.
type Resolver struct {
	server string
	client *dns.Client
	ttl    time.Duration

	cache *expirable.LRU[netip.Addr, string]
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout sets the per-query timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.client.Timeout = d
		}
	}
}

// WithCacheTTL sets how long answers are reused. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Resolver) {
		r.ttl = d
	}
}

// New creates a resolver. An empty server falls back to the first
// nameserver of /etc/resolv.conf.
func New(server string, opts ...Option) (*Resolver, error) {
	if server == "" {
		conf, err := dns.ClientConfigFromFile(resolvConfPath)
		if err != nil {
			return nil, errors.WrapConfigError(errors.CodeConfiguration, "Failed to read resolver configuration", err)
		}
		if len(conf.Servers) == 0 {
			return nil, errors.ErrConfigMissing("scan.dns_server")
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		return nil, errors.ErrConfigInvalid("scan.dns_server", server)
	}

	r := &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: defaultTimeout},
		ttl:    defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ttl > 0 {
		r.cache = expirable.NewLRU[netip.Addr, string](defaultCacheSize, nil, r.ttl)
	}
	return r, nil
}

// Server returns the DNS server queried by the resolver.
func (r *Resolver) Server() string {
	return r.server
}

// LookupAddr returns the first PTR name of addr without the trailing dot.
func (r *Resolver) LookupAddr(ctx context.Context, addr netip.Addr) (string, error) {
	addr = addr.Unmap()
	if name, ok := r.cached(addr); ok {
		return name, nil
	}

	arpa, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return "", errors.ErrInvalidTarget(addr.String())
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		scanErr := errors.NewScanErrorWithTarget(errors.CodeTimeout, "PTR query failed", addr.String())
		scanErr.Cause = err
		return "", scanErr
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", errors.NewScanErrorWithTarget(errors.CodeHostUnreachable,
			"PTR query returned "+dns.RcodeToString[resp.Rcode], addr.String())
	}

	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			name := strings.TrimSuffix(ptr.Ptr, ".")
			r.store(addr, name)
			return name, nil
		}
	}

	// An empty answer is cached as well so repeated sweeps skip the query.
	r.store(addr, "")
	return "", nil
}

func (r *Resolver) cached(addr netip.Addr) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	return r.cache.Get(addr)
}

func (r *Resolver) store(addr netip.Addr, name string) {
	if r.cache == nil {
		return
	}
	r.cache.Add(addr, name)
}
