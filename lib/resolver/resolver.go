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

// Package resolver defines the host resolution interface consumed by the
// QUIC session pool, and a DNS implementation of it. Endpoint results
// optionally carry HTTPS/SVCB service binding metadata: the supported ALPN
// list and encrypted client hello support, both of which feed QUIC version
// selection.
package resolver

import (
	"context"
	"net/netip"
)

// Priority orders resolution requests. Higher values resolve first when
// the resolver queues work.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLowest
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityHighest
)

// Endpoint is one candidate route to a destination. An endpoint produced
// from bare A/AAAA records has a nil ALPN list; an endpoint produced from
// an HTTPS/SVCB record carries the record's protocol metadata.
type Endpoint struct {
	// Addresses are the resolved addresses for this route.
	Addresses []netip.Addr
	// Port overrides the destination port when non-zero (SVCB "port").
	Port uint16
	// ALPN is the protocol list advertised by the service binding, nil for
	// bare address results.
	ALPN []string
	// ECHConfigList is the encrypted client hello configuration advertised
	// by the service binding, nil when absent.
	ECHConfigList []byte
}

// SupportsECH reports whether the route advertises encrypted client hello.
func (e Endpoint) SupportsECH() bool { return len(e.ECHConfigList) > 0 }

// Result is a completed resolution.
type Result struct {
	// Endpoints are the candidate routes, service-binding results first in
	// record priority order, then the bare address result if any.
	Endpoints []Endpoint
	// Aliases are the DNS aliases (CNAME chain) traversed during
	// resolution, including the query name.
	Aliases []string
}

// RequestParams carries per-request resolution options.
type RequestParams struct {
	// Priority is the initial request priority.
	Priority Priority
	// AnonymizationKey partitions any resolver-side caching.
	AnonymizationKey string
	// SecureDNSPolicy selects the secure DNS behavior for this request.
	SecureDNSPolicy SecureDNSPolicy
}

// SecureDNSPolicy mirrors the caller's secure DNS preference.
type SecureDNSPolicy int

const (
	// SecureDNSAllow lets the resolver pick its configured mode.
	SecureDNSAllow SecureDNSPolicy = iota
	// SecureDNSDisable forces insecure resolution for this request.
	SecureDNSDisable
)

// Request is one in-flight resolution. Start blocks; it is the suspend
// point of the jobs driving it.
type Request interface {
	// Start performs the resolution, blocking until done or the context is
	// canceled. It must be called at most once.
	Start(ctx context.Context) (*Result, error)
	// SetPriority updates the request priority while queued.
	SetPriority(p Priority)
}

// HostResolver creates resolution requests. The session pool treats it as
// an external collaborator.
type HostResolver interface {
	// CreateRequest prepares a resolution of host:port. The request does
	// not start until [Request.Start] is called.
	CreateRequest(host string, port uint16, params RequestParams) Request
}
