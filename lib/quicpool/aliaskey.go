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

package quicpool

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// HostPort is a destination host and port.
type HostPort struct {
	Host string
	Port uint16
}

// String returns the host:port form.
func (h HostPort) String() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(int(h.Port)))
}

// Empty reports whether the destination is unset.
func (h HostPort) Empty() bool { return h.Host == "" }

// PrivacyMode partitions sessions carrying credentialed traffic from
// uncredentialed traffic.
type PrivacyMode int

const (
	PrivacyModeDisabled PrivacyMode = iota
	PrivacyModeEnabled
)

// NetworkAnonymizationKey partitions sessions by requesting site. Opaque
// to the pool; equal keys may share sessions.
type NetworkAnonymizationKey string

// ServerID is the logical server identity a session authenticates as.
type ServerID struct {
	Host string
	Port uint16
}

// String returns the host:port form.
func (s ServerID) String() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

// ProxyServer is one hop of a proxy chain. Hops are QUIC proxies reached
// by tunneling through the preceding hops.
type ProxyServer struct {
	// Addr is the proxy endpoint.
	Addr HostPort
}

// ProxyChain is an ordered list of proxy hops, outermost first. An empty
// chain means a direct connection.
type ProxyChain []ProxyServer

// Empty reports whether the chain has no hops.
func (c ProxyChain) Empty() bool { return len(c) == 0 }

// Last returns the final hop, the one the target session tunnels through.
func (c ProxyChain) Last() ProxyServer { return c[len(c)-1] }

// Prefix returns the chain without its final hop.
func (c ProxyChain) Prefix() ProxyChain { return c[:len(c)-1] }

// String returns a canonical form usable as a map key component.
func (c ProxyChain) String() string {
	if len(c) == 0 {
		return "direct"
	}
	hops := make([]string, 0, len(c))
	for _, s := range c {
		hops = append(hops, s.Addr.String())
	}
	return strings.Join(hops, "|")
}

// SessionKey identifies the set of requests that may share one session: at
// most one active session exists per distinct SessionKey.
type SessionKey struct {
	// ServerID is the logical server identity.
	ServerID ServerID
	// PrivacyMode separates credentialed from uncredentialed sessions.
	PrivacyMode PrivacyMode
	// ProxyChain is the chain the session is tunneled through.
	ProxyChain ProxyChain
	// AnonymizationKey partitions sessions by requesting site.
	AnonymizationKey NetworkAnonymizationKey
	// RequireDNSHTTPSALPN restricts the session to endpoints whose DNS
	// service binding advertises an h3 ALPN.
	RequireDNSHTTPSALPN bool
}

// String returns a canonical form usable as a map key.
func (k SessionKey) String() string {
	return fmt.Sprintf("%s/p%d/%s/%s/alpn%t",
		k.ServerID, k.PrivacyMode, k.ProxyChain, k.AnonymizationKey, k.RequireDNSHTTPSALPN)
}

// AliasKey groups requests and names sessions in the pool. Several alias
// keys (DNS aliases, IP-pooled keys) may resolve to the same session; the
// session key inside stays the sharing unit.
type AliasKey struct {
	// Destination is the host the connection is actually made to. It may
	// differ from the server identity for DNS aliases and IP pooling.
	Destination HostPort
	// Key is the session sharing key.
	Key SessionKey
}

// String returns a canonical form usable as a map key.
func (a AliasKey) String() string {
	return a.Destination.String() + "->" + a.Key.String()
}
