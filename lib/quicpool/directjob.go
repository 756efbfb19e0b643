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
	"sync"

	"github.com/gravitational/trace"

	"github.com/gravitational/quicpool/lib/netmon"
	"github.com/gravitational/quicpool/lib/resolver"
)

// directJob resolves the destination, selects an endpoint and QUIC
// version, and delegates to a session attempt over the chosen endpoint.
type directJob struct {
	requests requestSet

	pool    *Pool
	key     AliasKey
	version Version
	crypto  *CryptoConfigHandle

	requireConfirmation bool

	mu         sync.Mutex
	resolved   bool
	resolveReq resolver.Request
	priority   resolver.Priority
	details    ErrorDetails
}

func newDirectJob(p *Pool, key AliasKey, params RequestParams, requireConfirmation bool) *directJob {
	return &directJob{
		requests:            newRequestSet(),
		pool:                p,
		key:                 key,
		version:             params.Version,
		crypto:              p.cryptoConfigs.handle(key.Key.AnonymizationKey),
		requireConfirmation: requireConfirmation,
		priority:            params.Priority,
	}
}

func (j *directJob) aliasKey() AliasKey { return j.key }

// addRequest attaches the request with expectations matching the job's
// progress: a request attaching after resolution finished will never
// observe it. Expectations are set under j.mu, which also serializes the
// post-resolution lowering pass, so the job only ever lowers them.
func (j *directJob) addRequest(r *SessionRequest) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r.setExpectations(!j.resolved, true)
	j.requests.add(r)
}

func (j *directJob) removeRequest(r *SessionRequest) { j.requests.remove(r) }

func (j *directJob) setPriority(p resolver.Priority) {
	j.mu.Lock()
	j.priority = p
	req := j.resolveReq
	j.mu.Unlock()
	if req != nil {
		req.SetPriority(p)
	}
}

func (j *directJob) populateErrorDetails(d *ErrorDetails) {
	j.mu.Lock()
	defer j.mu.Unlock()
	*d = j.details
}

func (j *directJob) run(ctx context.Context) (*sessionEntry, error) {
	defer j.crypto.Close()

	result, err := j.resolveHost(ctx)

	// Resolution is done either way; attached requests only have session
	// creation left to observe. Marking resolved and snapshotting under one
	// j.mu hold means every request either appears in the snapshot or
	// attaches with the resolution expectation already cleared.
	j.mu.Lock()
	j.resolved = true
	reqs := j.requests.snapshot()
	j.mu.Unlock()
	for _, r := range reqs {
		r.setExpectations(false, true)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Another key may have resolved to one of the same addresses while
	// this one was resolving.
	if entry := j.pool.adoptMatchingIPSessionForEndpoints(j.key, j.candidateAddrs(result), result.Aliases); entry != nil {
		j.pool.metrics.reportIPPoolHit()
		return entry, nil
	}

	endpoint, version, err := j.selectEndpoint(result)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	attempt := &sessionAttempt{
		pool:                j.pool,
		key:                 j.key,
		version:             version,
		crypto:              j.crypto,
		dnsAliases:          result.Aliases,
		transport:           &endpointTransport{endpoint: endpoint, network: netmon.Invalid},
		requireConfirmation: j.requireConfirmation,
		onFailedOnDefaultNetwork: func() {
			for _, r := range j.requests.snapshot() {
				r.failedOnDefaultNetwork()
			}
		},
	}
	entry, err := attempt.run(ctx)

	j.mu.Lock()
	j.details = attempt.details
	j.mu.Unlock()

	return entry, trace.Wrap(err)
}

func (j *directJob) resolveHost(ctx context.Context) (*resolver.Result, error) {
	j.mu.Lock()
	req := j.pool.cfg.Resolver.CreateRequest(j.key.Destination.Host, j.key.Destination.Port, resolver.RequestParams{
		Priority:         j.priority,
		AnonymizationKey: string(j.key.Key.AnonymizationKey),
	})
	j.resolveReq = req
	j.mu.Unlock()

	result, err := req.Start(ctx)

	j.mu.Lock()
	j.resolveReq = nil
	j.mu.Unlock()

	if err != nil {
		return nil, trace.Wrap(errors.Join(ErrHostResolution, err))
	}
	return result, nil
}

// selectEndpoint picks the first endpoint with a usable QUIC version, in
// resolver preference order.
func (j *directJob) selectEndpoint(result *resolver.Result) (netip.AddrPort, Version, error) {
	svcbOptional := !j.key.Key.RequireDNSHTTPSALPN &&
		svcbOptionalMode(j.pool.cfg.ECHEnabled, result.Endpoints)

	for _, ep := range result.Endpoints {
		version := selectQuicVersion(j.version, ep, j.pool.cfg.SupportedVersions, svcbOptional)
		if !version.Valid() || len(ep.Addresses) == 0 {
			continue
		}
		port := j.key.Destination.Port
		if ep.Port != 0 {
			port = ep.Port
		}
		return netip.AddrPortFrom(ep.Addresses[0], port), version, nil
	}
	return netip.AddrPort{}, VersionUnknown, trace.Wrap(ErrNoMatchingProtocol)
}

// candidateAddrs expands the result's endpoints into concrete address
// candidates for IP pool matching.
func (j *directJob) candidateAddrs(result *resolver.Result) []netip.AddrPort {
	var out []netip.AddrPort
	for _, ep := range result.Endpoints {
		port := j.key.Destination.Port
		if ep.Port != 0 {
			port = ep.Port
		}
		for _, a := range ep.Addresses {
			out = append(out, netip.AddrPortFrom(a, port))
		}
	}
	return out
}
