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
	"sync"

	"github.com/gravitational/trace"

	"github.com/gravitational/quicpool/lib/resolver"
)

// RequestParams describes one session request.
type RequestParams struct {
	// Destination is the host to connect to.
	Destination HostPort
	// PrivacyMode separates credentialed from uncredentialed sessions.
	PrivacyMode PrivacyMode
	// ProxyChain tunnels the session through the listed proxies. Empty for
	// a direct connection.
	ProxyChain ProxyChain
	// AnonymizationKey partitions session reuse by requesting site.
	AnonymizationKey NetworkAnonymizationKey
	// Version is the externally known target QUIC version, e.g. from
	// Alt-Svc. VersionUnknown lets DNS metadata pick one.
	Version Version
	// Priority orders host resolution for this request.
	Priority resolver.Priority
	// RequireConfirmation demands a confirmed handshake before completion.
	RequireConfirmation bool
	// RequireDNSHTTPSALPN restricts the session to endpoints whose DNS
	// service binding advertises an h3 ALPN.
	RequireDNSHTTPSALPN bool
	// OnFailedOnDefaultNetwork, if set, is called when the attempt failed
	// on the default network and is about to retry on an alternate one.
	// Not a terminal notification.
	OnFailedOnDefaultNetwork func()
}

func (p *RequestParams) checkAndSetDefaults() error {
	if p.Destination.Empty() {
		return trace.BadParameter("missing parameter Destination")
	}
	return nil
}

func (p *RequestParams) aliasKey() AliasKey {
	return AliasKey{
		Destination: p.Destination,
		Key: SessionKey{
			ServerID:            ServerID{Host: p.Destination.Host, Port: p.Destination.Port},
			PrivacyMode:         p.PrivacyMode,
			ProxyChain:          p.ProxyChain,
			AnonymizationKey:    p.AnonymizationKey,
			RequireDNSHTTPSALPN: p.RequireDNSHTTPSALPN,
		},
	}
}

// SessionRequest is the caller's handle on one pending or completed
// session request. It references its job while pending and never owns the
// session it resolves to.
type SessionRequest struct {
	pool *Pool
	key  AliasKey

	done chan struct{}

	mu                    sync.Mutex
	job                   job
	handle                *SessionHandle
	err                   error
	details               ErrorDetails
	expectResolution      bool
	expectSessionCreation bool
	completed             bool

	failedOnDefaultOnce      sync.Once
	onFailedOnDefaultNetwork func()
}

// Done is closed when the request completed, successfully or not. Requests
// satisfied from an existing session are born completed.
func (r *SessionRequest) Done() <-chan struct{} { return r.done }

// Result returns the session handle or the terminal error. Only valid
// after Done is closed.
func (r *SessionRequest) Result() (*SessionHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle, r.err
}

// WaitForSession blocks until the request completes or the context is
// canceled. On cancellation, the request deregisters from its job.
func (r *SessionRequest) WaitForSession(ctx context.Context) (*SessionHandle, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		r.Cancel()
		return nil, trace.Wrap(ctx.Err())
	}
}

// Cancel deregisters a pending request from its job. The job itself keeps
// running; other requests are unaffected. Canceling a completed request is
// a no-op.
func (r *SessionRequest) Cancel() {
	r.mu.Lock()
	j := r.job
	r.job = nil
	r.mu.Unlock()
	if j != nil {
		j.removeRequest(r)
	}
}

// SetPriority forwards a priority change to the job's in-flight host
// resolution.
func (r *SessionRequest) SetPriority(p resolver.Priority) {
	r.mu.Lock()
	j := r.job
	r.mu.Unlock()
	if j != nil {
		j.setPriority(p)
	}
}

// ErrorDetails returns best effort diagnostics for a failed request.
func (r *SessionRequest) ErrorDetails() ErrorDetails {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.details
}

// ExpectsHostResolution reports whether the request will still observe a
// host resolution completing.
func (r *SessionRequest) ExpectsHostResolution() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expectResolution
}

// ExpectsSessionCreation reports whether the request will still observe a
// session creation completing.
func (r *SessionRequest) ExpectsSessionCreation() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expectSessionCreation
}

// CreateStream opens a stream on the session the request resolved to.
func (r *SessionRequest) CreateStream(ctx context.Context) (Stream, error) {
	handle, err := r.Result()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if handle == nil {
		return nil, trace.BadParameter("request has not completed")
	}
	stream, err := handle.OpenStream(ctx)
	return stream, trace.Wrap(err)
}

// complete delivers the terminal result. Exactly once; later calls are
// dropped.
func (r *SessionRequest) complete(handle *SessionHandle, err error, details ErrorDetails) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	r.job = nil
	r.handle = handle
	r.err = err
	r.details = details
	r.expectResolution = false
	r.expectSessionCreation = false
	r.mu.Unlock()
	close(r.done)
}

// setExpectations updates which lifecycle callbacks the request should
// still anticipate.
func (r *SessionRequest) setExpectations(resolution, sessionCreation bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return
	}
	r.expectResolution = resolution
	r.expectSessionCreation = sessionCreation
}

// failedOnDefaultNetwork relays the non-terminal retry notification to the
// caller, at most once.
func (r *SessionRequest) failedOnDefaultNetwork() {
	r.failedOnDefaultOnce.Do(func() {
		if r.onFailedOnDefaultNetwork != nil {
			r.onFailedOnDefaultNetwork()
		}
	})
}
