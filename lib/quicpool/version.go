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
	"slices"

	"github.com/quic-go/quic-go"

	"github.com/gravitational/quicpool/lib/resolver"
)

// Version is a QUIC wire version.
type Version uint32

const (
	// VersionUnknown means no version has been determined.
	VersionUnknown Version = 0
	// Version1 is RFC 9000 QUIC.
	Version1 = Version(quic.Version1)
	// Version2 is RFC 9369 QUIC.
	Version2 = Version(quic.Version2)
)

// Valid reports whether v names an actual version.
func (v Version) Valid() bool { return v != VersionUnknown }

// ALPN returns the application protocol token negotiated for this
// version. Both standardized versions run HTTP/3.
func (v Version) ALPN() string {
	switch v {
	case Version1, Version2:
		return "h3"
	}
	return ""
}

func (v Version) quicVersion() quic.Version { return quic.Version(v) }

// DefaultSupportedVersions is the pool's default version preference order.
func DefaultSupportedVersions() []Version {
	return []Version{Version1, Version2}
}

// selectQuicVersion picks the QUIC version to attempt against one resolved
// endpoint.
//
// Endpoints without protocol metadata (bare address results) are only
// usable in SVCB-optional mode, and only when a target version is already
// known externally, e.g. from Alt-Svc. Endpoints with metadata must
// advertise the known version's ALPN, or, when no version is fixed, the
// first version in the supported preference order whose ALPN they
// advertise is selected. Returns VersionUnknown when the endpoint is not
// usable.
func selectQuicVersion(known Version, ep resolver.Endpoint, supported []Version, svcbOptional bool) Version {
	if len(ep.ALPN) == 0 {
		if !svcbOptional || !known.Valid() {
			return VersionUnknown
		}
		return known
	}

	if known.Valid() {
		if slices.Contains(ep.ALPN, known.ALPN()) {
			return known
		}
		return VersionUnknown
	}

	for _, v := range supported {
		if slices.Contains(ep.ALPN, v.ALPN()) {
			return v
		}
	}
	return VersionUnknown
}

// svcbOptionalMode decides whether bare address results may be used.
// When encrypted client hello is enabled and every candidate route
// advertises ECH support, only explicit protocol metadata is trusted.
func svcbOptionalMode(echEnabled bool, endpoints []resolver.Endpoint) bool {
	if !echEnabled {
		return true
	}
	sawMetadata := false
	for _, ep := range endpoints {
		if len(ep.ALPN) == 0 {
			continue
		}
		sawMetadata = true
		if !ep.SupportsECH() {
			return true
		}
	}
	return !sawMetadata
}
