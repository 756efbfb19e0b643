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
	"errors"
)

// Error kinds surfaced to session requests. Callers classify with
// [errors.Is]; concrete failures wrap these with detail.
var (
	// ErrHostResolution indicates the destination did not resolve to a
	// usable address.
	ErrHostResolution = errors.New("host resolution failed")

	// ErrNoMatchingProtocol indicates no resolved endpoint supports QUIC
	// under the applicable version and ALPN rules.
	ErrNoMatchingProtocol = errors.New("no resolved endpoint supports a usable QUIC version")

	// ErrSessionCreation indicates a connection-level failure while
	// constructing the session, before the handshake.
	ErrSessionCreation = errors.New("QUIC session creation failed")

	// ErrHandshakeFailed indicates the cryptographic handshake did not
	// complete.
	ErrHandshakeFailed = errors.New("QUIC handshake failed")

	// ErrProofInvalid indicates the server's handshake proof failed
	// validation. More specific than ErrHandshakeFailed.
	ErrProofInvalid = errors.New("QUIC handshake proof invalid")

	// ErrIdleTimeout indicates the connection idle timeout fired.
	ErrIdleTimeout = errors.New("QUIC connection idle timeout")

	// ErrHandshakeTimeout indicates the handshake timeout fired.
	ErrHandshakeTimeout = errors.New("QUIC handshake timeout")

	// ErrWriteError indicates a packet write failed at the socket level.
	ErrWriteError = errors.New("QUIC packet write error")

	// ErrPoolClosed indicates the session pool has shut down.
	ErrPoolClosed = errors.New("QUIC session pool is closed")
)

// isRetryableHandshakeError reports whether the handshake failure kind
// qualifies for a retry on an alternate network.
func isRetryableHandshakeError(err error) bool {
	return errors.Is(err, ErrIdleTimeout) ||
		errors.Is(err, ErrHandshakeTimeout) ||
		errors.Is(err, ErrWriteError)
}

// CloseReason says why the pool or an attempt closed a session. Reported
// in metrics and logs.
type CloseReason int

const (
	// CloseReasonPooled: an equivalent session won the activation race.
	CloseReasonPooled CloseReason = iota
	// CloseReasonIPPooled: a session to the same address became active
	// first and was substituted.
	CloseReasonIPPooled
	// CloseReasonHandshakeFailed: the crypto handshake failed.
	CloseReasonHandshakeFailed
	// CloseReasonRetryOnAlternateNetwork: discarded before retrying on
	// another network.
	CloseReasonRetryOnAlternateNetwork
	// CloseReasonMigrationFailed: the session could not migrate off a lost
	// network.
	CloseReasonMigrationFailed
	// CloseReasonNetworkChanged: the underlying network went away and
	// migration is disabled or impossible.
	CloseReasonNetworkChanged
	// CloseReasonIPAddressChanged: the local address set changed and the
	// pool is configured to close on such changes.
	CloseReasonIPAddressChanged
	// CloseReasonShutdown: the pool is shutting down.
	CloseReasonShutdown
)

// String implements [fmt.Stringer].
func (r CloseReason) String() string {
	switch r {
	case CloseReasonPooled:
		return "pooled"
	case CloseReasonIPPooled:
		return "ip_pooled"
	case CloseReasonHandshakeFailed:
		return "handshake_failed"
	case CloseReasonRetryOnAlternateNetwork:
		return "retry_on_alternate_network"
	case CloseReasonMigrationFailed:
		return "migration_failed"
	case CloseReasonNetworkChanged:
		return "network_changed"
	case CloseReasonIPAddressChanged:
		return "ip_address_changed"
	case CloseReasonShutdown:
		return "shutdown"
	}
	return "unknown"
}

// ErrorDetails carries best effort diagnostics alongside a failed request.
// Absence of detail is not itself an error.
type ErrorDetails struct {
	// QUICConnectionError is the wire error code of the failed connection,
	// zero if none was observed.
	QUICConnectionError uint64
	// HandshakeFailed reports whether the failure happened during the
	// cryptographic handshake.
	HandshakeFailed bool
}
