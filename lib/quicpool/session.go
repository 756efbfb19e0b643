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
	"context"
	"io"
	"net/netip"

	"github.com/gravitational/trace"

	"github.com/gravitational/quicpool/lib/netmon"
)

// Stream is a bidirectional stream on a session. Proxy jobs tunnel nested
// sessions through one of these.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Session is the QUIC session collaborator. The pool owns activated
// sessions exclusively; the wire protocol behind this interface is out of
// the pool's scope.
type Session interface {
	// StartReading starts the session's packet processing. Called once,
	// right after creation.
	StartReading() error
	// CryptoConnect drives the cryptographic handshake, blocking until it
	// is confirmed or fails.
	CryptoConnect(ctx context.Context) error
	// OneRTTKeysAvailable reports whether the handshake progressed far
	// enough to install 1-RTT keys.
	OneRTTKeysAvailable() bool
	// Connected reports whether the underlying connection is alive.
	Connected() bool
	// PeerAddress returns the resolved address the session is connected
	// to. The zero value for tunneled sessions.
	PeerAddress() netip.AddrPort
	// CanPool reports whether the session's server certificate also
	// covers hostname under the given key, making IP pooling safe.
	CanPool(hostname string, key SessionKey) bool
	// OpenStream opens a bidirectional stream. Fails once the session is
	// going away.
	OpenStream(ctx context.Context) (Stream, error)
	// MigrateToNetwork rebinds the session to another network.
	MigrateToNetwork(ctx context.Context, network netmon.Handle) error
	// HasNonMigratableStreams reports whether any active stream pins the
	// session to its current network.
	HasNonMigratableStreams() bool
	// MarkGoingAway stops the session from accepting new streams while
	// existing ones continue.
	MarkGoingAway()
	// Close terminates the session.
	Close(reason CloseReason, err error) error
	// ConnectionErrorCode returns the observed wire error code, zero if
	// none.
	ConnectionErrorCode() uint64
}

// SessionParams carries everything a factory needs to construct a session.
type SessionParams struct {
	// Key is the session sharing key.
	Key SessionKey
	// Endpoint is the address to connect to. Unset for tunneled sessions.
	Endpoint netip.AddrPort
	// Version is the QUIC version to use.
	Version Version
	// Network is the network to bind to, [netmon.Invalid] for the default.
	Network netmon.Handle
	// Crypto keeps the shared crypto configuration alive for the duration
	// of the attempt.
	Crypto *CryptoConfigHandle
	// RequireConfirmation demands a confirmed handshake before the session
	// is handed out.
	RequireConfirmation bool
}

// SessionFactory constructs sessions. The pool ships a quic-go backed
// implementation; tests substitute fakes.
type SessionFactory interface {
	// New creates a session to a resolved endpoint. The session is not
	// handshaken yet.
	New(ctx context.Context, params SessionParams) (Session, error)
	// NewFromStream creates a session tunneled over an existing stream.
	NewFromStream(ctx context.Context, stream Stream, params SessionParams) (Session, error)
}

// sessionEntry is the pool's record of one activated session. The pool is
// the sole owner; requests receive non-owning [SessionHandle]s.
type sessionEntry struct {
	id      uint64
	session Session
	key     SessionKey
	network netmon.Handle
	// aliases are all alias keys currently resolving to this session,
	// keyed by their canonical string.
	aliases    map[string]AliasKey
	dnsAliases []string
	goingAway  bool
}

// SessionID implements [monitor.Session].
func (e *sessionEntry) SessionID() uint64 { return e.id }

// SessionHandle is a non-owning reference to a pooled session. It does not
// extend the session's lifetime; operations fail once the pool dropped the
// session.
type SessionHandle struct {
	pool  *Pool
	entry *sessionEntry
}

// Active reports whether the pool still holds the session and it accepts
// new streams.
func (h *SessionHandle) Active() bool {
	return h.pool.sessionUsable(h.entry)
}

// Session returns the underlying session, or nil if the pool dropped it.
func (h *SessionHandle) Session() Session {
	if !h.pool.sessionAlive(h.entry) {
		return nil
	}
	return h.entry.session
}

// OpenStream opens a stream on the session.
func (h *SessionHandle) OpenStream(ctx context.Context) (Stream, error) {
	if !h.pool.sessionUsable(h.entry) {
		return nil, trace.ConnectionProblem(nil, "session is no longer usable")
	}
	stream, err := h.entry.session.OpenStream(ctx)
	return stream, trace.Wrap(err)
}
