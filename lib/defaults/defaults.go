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

// Package defaults contains default constants used across the quicpool
// codebase.
package defaults

import "time"

const (
	// ClockSkewThreshold is the minimum difference between a wall clock
	// delta and a monotonic clock delta that is treated as a clock jump.
	ClockSkewThreshold = time.Second

	// BrokenServiceBaseTimeout is how long a service stays broken after
	// its first failure. Subsequent failures double the timeout.
	BrokenServiceBaseTimeout = 5 * time.Minute

	// BrokenServiceMaxTimeout caps the exponential broken-service backoff.
	BrokenServiceMaxTimeout = 48 * time.Hour

	// MaxAlternateNetworkRetries is the number of times a session attempt
	// may rebind to an alternate network after a handshake failure on the
	// default network.
	MaxAlternateNetworkRetries = 1

	// HandshakeTimeout bounds the QUIC crypto handshake.
	HandshakeTimeout = 10 * time.Second

	// ResolveTimeout bounds a single host resolution request.
	ResolveTimeout = 30 * time.Second

	// ShutdownTimeout bounds the graceful pool shutdown.
	ShutdownTimeout = 30 * time.Second
)
