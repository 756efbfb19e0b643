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

// proxyJob reaches the destination through a proxy chain: it requests a
// session to the last hop (recursively through the pool, so chain prefixes
// are themselves pooled), opens a tunnel stream on it, and runs a session
// attempt over the tunnel.
type proxyJob struct {
	requests requestSet

	pool    *Pool
	key     AliasKey
	version Version
	crypto  *CryptoConfigHandle

	mu       sync.Mutex
	nested   *SessionRequest
	priority resolver.Priority
	details  ErrorDetails
}

func newProxyJob(p *Pool, key AliasKey, params RequestParams) *proxyJob {
	return &proxyJob{
		requests: newRequestSet(),
		pool:     p,
		key:      key,
		version:  params.Version,
		crypto:   p.cryptoConfigs.handle(key.Key.AnonymizationKey),
		priority: params.Priority,
	}
}

func (j *proxyJob) aliasKey() AliasKey { return j.key }

// addRequest attaches the request. Proxied requests never observe a host
// resolution; the destination resolves at the proxy.
func (j *proxyJob) addRequest(r *SessionRequest) {
	r.setExpectations(false, true)
	j.requests.add(r)
}

func (j *proxyJob) removeRequest(r *SessionRequest) { j.requests.remove(r) }

func (j *proxyJob) setPriority(p resolver.Priority) {
	j.mu.Lock()
	j.priority = p
	nested := j.nested
	j.mu.Unlock()
	if nested != nil {
		nested.SetPriority(p)
	}
}

func (j *proxyJob) populateErrorDetails(d *ErrorDetails) {
	j.mu.Lock()
	defer j.mu.Unlock()
	*d = j.details
}

func (j *proxyJob) run(ctx context.Context) (*sessionEntry, error) {
	defer j.crypto.Close()

	// Proxied sessions cannot negotiate a version via DNS: resolution of
	// the destination happens at the proxy. The version must be fixed up
	// front.
	version := j.version
	if !version.Valid() {
		version = j.pool.cfg.SupportedVersions[0]
	}

	stream, err := j.openTunnel(ctx, version)

	// The tunnel substitutes for resolution and socket setup; requests
	// only have session creation left to observe.
	for _, r := range j.requests.snapshot() {
		r.setExpectations(false, true)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	attempt := &sessionAttempt{
		pool:      j.pool,
		key:       j.key,
		version:   version,
		crypto:    j.crypto,
		transport: &tunnelTransport{stream: stream},
		// The tunnel cost a round trip already; the target session is
		// always confirmed before being handed out.
		requireConfirmation: true,
	}
	entry, err := attempt.run(ctx)

	j.mu.Lock()
	j.details = attempt.details
	j.mu.Unlock()

	return entry, trace.Wrap(err)
}

// openTunnel obtains a confirmed session to the last proxy hop and opens
// the tunnel stream on it.
func (j *proxyJob) openTunnel(ctx context.Context, version Version) (Stream, error) {
	chain := j.key.Key.ProxyChain
	last := chain.Last()

	// Hops whose usage is "proxy" share one anonymization partition
	// unless the embedder partitions them explicitly; privacy partitioning
	// applies at the outermost edge, and sharing lets chain prefixes be
	// reused across differently keyed requests.
	hopKey := j.pool.cfg.ProxyHopAnonymizationKey
	if j.pool.cfg.PartitionProxyHops {
		hopKey = j.key.Key.AnonymizationKey
	}

	nested, err := j.pool.RequestSession(RequestParams{
		Destination:      last.Addr,
		ProxyChain:       chain.Prefix(),
		AnonymizationKey: hopKey,
		Version:          version,
		Priority:         j.priority,
		// One extra round trip buys confidence the tunnel will succeed.
		RequireConfirmation: true,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	j.mu.Lock()
	j.nested = nested
	j.mu.Unlock()

	handle, err := nested.WaitForSession(ctx)

	j.mu.Lock()
	j.nested = nil
	j.mu.Unlock()

	if err != nil {
		return nil, trace.Wrap(err, "establishing session to proxy %v", last.Addr)
	}

	stream, err := handle.OpenStream(ctx)
	if err != nil {
		return nil, trace.Wrap(err, "opening tunnel stream to proxy %v", last.Addr)
	}
	return stream, nil
}
