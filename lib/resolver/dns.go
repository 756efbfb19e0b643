/*
 * Quicpool
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package resolver

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/miekg/dns"
)

// DNSResolverConfig configures a DNSResolver.
type DNSResolverConfig struct {
	// Server is the upstream DNS server address, host:port.
	Server string
	// Client is the DNS client to use. Defaults to a plain UDP client.
	Client *dns.Client
	// Log is the resolver logger.
	Log *slog.Logger
}

func (c *DNSResolverConfig) checkAndSetDefaults() error {
	if c.Server == "" {
		return trace.BadParameter("missing parameter Server")
	}
	if c.Client == nil {
		c.Client = new(dns.Client)
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "quic:resolver")
	return nil
}

// DNSResolver resolves hosts against a DNS server, querying HTTPS (SVCB)
// records alongside A/AAAA so results carry protocol metadata.
type DNSResolver struct {
	cfg DNSResolverConfig
}

// NewDNSResolver creates a DNSResolver.
func NewDNSResolver(cfg DNSResolverConfig) (*DNSResolver, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &DNSResolver{cfg: cfg}, nil
}

// CreateRequest implements [HostResolver].
func (r *DNSResolver) CreateRequest(host string, port uint16, params RequestParams) Request {
	req := &dnsRequest{resolver: r, host: host, port: port}
	req.priority.Store(int64(params.Priority))
	return req
}

type dnsRequest struct {
	resolver *DNSResolver
	host     string
	port     uint16
	priority atomic.Int64
}

// SetPriority implements [Request]. The DNS transport has no queue, so the
// priority is only recorded.
func (q *dnsRequest) SetPriority(p Priority) {
	q.priority.Store(int64(p))
}

// Start implements [Request].
func (q *dnsRequest) Start(ctx context.Context) (*Result, error) {
	fqdn := dns.Fqdn(q.host)

	httpsMsg, err := q.exchange(ctx, fqdn, dns.TypeHTTPS)
	if err != nil {
		// Service binding lookups are best effort; address records decide
		// whether the host resolves at all.
		q.resolver.cfg.Log.DebugContext(ctx, "HTTPS record lookup failed.", "host", q.host, "error", err)
		httpsMsg = nil
	}
	aMsg, err := q.exchange(ctx, fqdn, dns.TypeA)
	if err != nil {
		return nil, trace.Wrap(err, "resolving %q", q.host)
	}
	aaaaMsg, err := q.exchange(ctx, fqdn, dns.TypeAAAA)
	if err != nil {
		return nil, trace.Wrap(err, "resolving %q", q.host)
	}

	result := parseResult(fqdn, httpsMsg, aMsg, aaaaMsg)
	if len(result.Endpoints) == 0 {
		return nil, trace.NotFound("no addresses for %q", q.host)
	}
	return result, nil
}

func (q *dnsRequest) exchange(ctx context.Context, fqdn string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	resp, _, err := q.resolver.cfg.Client.ExchangeContext(ctx, msg, q.resolver.cfg.Server)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "DNS exchange with %v failed", q.resolver.cfg.Server)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, trace.NotFound("DNS query for %q returned %v", fqdn, dns.RcodeToString[resp.Rcode])
	}
	return resp, nil
}

// parseResult assembles a Result from the three responses. httpsMsg may be
// nil. Service binding endpoints come first, ordered by record priority;
// the bare address endpoint, if any addresses resolved, comes last.
func parseResult(fqdn string, httpsMsg, aMsg, aaaaMsg *dns.Msg) *Result {
	result := &Result{Aliases: []string{trimDot(fqdn)}}

	var addrs []netip.Addr
	for _, msg := range []*dns.Msg{aMsg, aaaaMsg} {
		if msg == nil {
			continue
		}
		for _, rr := range msg.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(rr.A.To4()); ok {
					addrs = append(addrs, a)
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(rr.AAAA); ok {
					addrs = append(addrs, a)
				}
			case *dns.CNAME:
				alias := trimDot(rr.Target)
				if !slices.Contains(result.Aliases, alias) {
					result.Aliases = append(result.Aliases, alias)
				}
			}
		}
	}

	var svcb []*dns.HTTPS
	if httpsMsg != nil {
		for _, rr := range httpsMsg.Answer {
			https, ok := rr.(*dns.HTTPS)
			// Priority 0 is alias mode; only service mode records carry
			// usable metadata.
			if !ok || https.Priority == 0 {
				continue
			}
			svcb = append(svcb, https)
		}
		slices.SortStableFunc(svcb, func(a, b *dns.HTTPS) int {
			return int(a.Priority) - int(b.Priority)
		})
	}

	for _, rr := range svcb {
		ep := Endpoint{ALPN: []string{}}
		for _, kv := range rr.Value {
			switch kv := kv.(type) {
			case *dns.SVCBAlpn:
				ep.ALPN = append(ep.ALPN, kv.Alpn...)
			case *dns.SVCBPort:
				ep.Port = kv.Port
			case *dns.SVCBIPv4Hint:
				ep.Addresses = append(ep.Addresses, ipsToAddrs(kv.Hint)...)
			case *dns.SVCBIPv6Hint:
				ep.Addresses = append(ep.Addresses, ipsToAddrs(kv.Hint)...)
			case *dns.SVCBECHConfig:
				ep.ECHConfigList = kv.ECH
			}
		}
		if len(ep.Addresses) == 0 {
			ep.Addresses = slices.Clone(addrs)
		}
		if len(ep.Addresses) == 0 || len(ep.ALPN) == 0 {
			continue
		}
		result.Endpoints = append(result.Endpoints, ep)
	}

	if len(addrs) > 0 {
		result.Endpoints = append(result.Endpoints, Endpoint{Addresses: addrs})
	}
	return result
}

func ipsToAddrs(ips []net.IP) []netip.Addr {
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		if a, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, a)
		}
	}
	return out
}

func trimDot(name string) string {
	if len(name) > 0 && name[len(name)-1] == '.' {
		return name[:len(name)-1]
	}
	return name
}
