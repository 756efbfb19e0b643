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
	"errors"
	"net/netip"

	"github.com/gravitational/trace"

	"github.com/gravitational/quicpool/lib/defaults"
	"github.com/gravitational/quicpool/lib/netmon"
)

// attemptTransport is the source a session attempt connects over: a
// resolved endpoint for direct jobs, a proxy tunnel stream for proxy jobs.
type attemptTransport interface {
	isAttemptTransport()
}

// endpointTransport connects to a resolved address, optionally bound to a
// specific network.
type endpointTransport struct {
	endpoint netip.AddrPort
	network  netmon.Handle
}

func (endpointTransport) isAttemptTransport() {}

// tunnelTransport connects over an established proxy tunnel stream.
// Tunneled attempts cannot rebind networks; the proxy session owns the
// socket.
type tunnelTransport struct {
	stream Stream
}

func (tunnelTransport) isAttemptTransport() {}

type attemptState int

const (
	attemptCreateSession attemptState = iota
	attemptCreateSessionComplete
	attemptCryptoConnect
	attemptConfirmConnection
)

// sessionAttempt turns one transport source into a confirmed, activated
// session. It is the single copy of the create/connect/confirm/activate
// machinery, shared by the direct and proxy jobs.
//
// The attempt owns its candidate session during creation; ownership
// transfers to the pool on activation or the session is closed on failure
// and on IP pool collision.
type sessionAttempt struct {
	pool       *Pool
	key        AliasKey
	version    Version
	crypto     *CryptoConfigHandle
	dnsAliases []string
	transport  attemptTransport

	requireConfirmation      bool
	onFailedOnDefaultNetwork func()

	retries int
	session Session
	details ErrorDetails
}

// run drives the attempt to a terminal state. It returns the activated (or
// substituted) session entry, or the terminal error.
func (a *sessionAttempt) run(ctx context.Context) (*sessionEntry, error) {
	state := attemptCreateSession
	var connectErr error

	for {
		switch state {
		case attemptCreateSession:
			session, err := a.createSession(ctx)
			if err != nil {
				a.pool.metrics.reportAttemptError("create_session")
				return nil, trace.Wrap(errors.Join(ErrSessionCreation, err))
			}
			a.session = session
			state = attemptCreateSessionComplete

		case attemptCreateSessionComplete:
			if err := a.session.StartReading(); err != nil {
				a.recordSessionError()
				a.session.Close(CloseReasonHandshakeFailed, err)
				a.session = nil
				a.pool.metrics.reportAttemptError("start_reading")
				return nil, trace.Wrap(errors.Join(ErrSessionCreation, err))
			}
			state = attemptCryptoConnect

		case attemptCryptoConnect:
			connectErr = a.session.CryptoConnect(ctx)
			state = attemptConfirmConnection

		case attemptConfirmConnection:
			entry, retry, err := a.confirmConnection(ctx, connectErr)
			if retry {
				state = attemptCreateSession
				connectErr = nil
				continue
			}
			return entry, trace.Wrap(err)
		}
	}
}

func (a *sessionAttempt) createSession(ctx context.Context) (Session, error) {
	params := SessionParams{
		Key:                 a.key.Key,
		Version:             a.version,
		Crypto:              a.crypto,
		RequireConfirmation: a.requireConfirmation,
	}
	switch t := a.transport.(type) {
	case *endpointTransport:
		params.Endpoint = t.endpoint
		params.Network = t.network
		session, err := a.pool.cfg.SessionFactory.New(ctx, params)
		return session, trace.Wrap(err)
	case *tunnelTransport:
		session, err := a.pool.cfg.SessionFactory.NewFromStream(ctx, t.stream, params)
		return session, trace.Wrap(err)
	}
	return nil, trace.BadParameter("unknown attempt transport type %T", a.transport)
}

// confirmConnection is the terminal step: on handshake failure it decides
// between alternate-network retry and terminal failure, on success it
// resolves the IP pool race and activates the session.
func (a *sessionAttempt) confirmConnection(ctx context.Context, connectErr error) (entry *sessionEntry, retry bool, err error) {
	if connectErr != nil {
		a.recordSessionError()

		if alternate := a.alternateNetworkForRetry(connectErr); alternate.Valid() {
			a.pool.log.DebugContext(ctx, "Handshake failed on default network, retrying on alternate network.",
				"key", a.key.Key.String(), "network", alternate, "error", connectErr)
			if a.onFailedOnDefaultNetwork != nil {
				a.onFailedOnDefaultNetwork()
			}
			a.session.Close(CloseReasonRetryOnAlternateNetwork, connectErr)
			a.session = nil
			a.retries++
			a.transport.(*endpointTransport).network = alternate
			a.pool.metrics.reportRetryOnAlternateNetwork()
			return nil, true, nil
		}

		a.session.Close(CloseReasonHandshakeFailed, connectErr)
		a.session = nil
		a.pool.metrics.reportAttemptError("handshake")
		return nil, false, trace.Wrap(connectErr)
	}

	// Another attempt for the same address may have won while this one was
	// handshaking. Prefer the established session.
	if existing := a.pool.adoptMatchingIPSession(a.key, a.session.PeerAddress(), a.dnsAliases); existing != nil {
		a.session.Close(CloseReasonIPPooled, nil)
		a.session = nil
		a.pool.metrics.reportIPPoolHit()
		return existing, false, nil
	}

	network := a.sessionNetwork()
	entry, activated := a.pool.activateSession(a.key, a.session, a.dnsAliases, network)
	if !activated {
		// An equivalent session won the activation race.
		a.session.Close(CloseReasonPooled, nil)
		a.session = nil
		if entry == nil {
			// Activation is refused without an equivalent session only while
			// the pool is closing.
			return nil, false, trace.Wrap(ErrPoolClosed)
		}
		return entry, false, nil
	}
	a.session = nil
	return entry, false, nil
}

// alternateNetworkForRetry returns the network to retry on, or Invalid if
// the failure does not qualify. A retry requires: the feature enabled, a
// direct (non-tunneled) attempt still bound to the default network, a
// timeout or write error before 1-RTT keys, remaining retry budget, and an
// actual alternate network existing.
func (a *sessionAttempt) alternateNetworkForRetry(connectErr error) netmon.Handle {
	if !a.pool.cfg.RetryOnAlternateNetworkBeforeHandshake {
		return netmon.Invalid
	}
	et, ok := a.transport.(*endpointTransport)
	if !ok {
		return netmon.Invalid
	}
	if a.retries >= defaults.MaxAlternateNetworkRetries {
		return netmon.Invalid
	}
	if !isRetryableHandshakeError(connectErr) {
		return netmon.Invalid
	}
	if a.session.OneRTTKeysAvailable() {
		return netmon.Invalid
	}
	bound := et.network
	if !bound.Valid() {
		bound = a.pool.cfg.Netmon.DefaultNetwork()
	}
	if bound != a.pool.cfg.Netmon.DefaultNetwork() {
		return netmon.Invalid
	}
	return a.pool.FindAlternateNetwork(bound)
}

func (a *sessionAttempt) sessionNetwork() netmon.Handle {
	if et, ok := a.transport.(*endpointTransport); ok && et.network.Valid() {
		return et.network
	}
	return a.pool.cfg.Netmon.DefaultNetwork()
}

func (a *sessionAttempt) recordSessionError() {
	if a.session == nil {
		return
	}
	if code := a.session.ConnectionErrorCode(); code != 0 {
		a.details.QUICConnectionError = code
	}
	a.details.HandshakeFailed = true
}
