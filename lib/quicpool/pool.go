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

// Package quicpool creates, reuses, migrates, and tears down QUIC
// transport sessions on behalf of higher level stream requests. The
// [Pool] is the single point of truth for whether a usable session
// already exists for a request; when none does, it groups requests into
// jobs that drive session attempts to completion.
package quicpool

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/quicpool/lib/netmon"
	"github.com/gravitational/quicpool/lib/quicpool/monitor"
	"github.com/gravitational/quicpool/lib/resolver"
)

// Config configures a Pool.
type Config struct {
	// Context is a signaling context.
	Context context.Context
	// Resolver resolves destination hosts.
	Resolver resolver.HostResolver
	// SessionFactory constructs QUIC sessions.
	SessionFactory SessionFactory
	// Netmon lists the platform's connected networks.
	Netmon netmon.Lister
	// Notifier, if set, is the network change source the pool registers
	// itself with.
	Notifier *netmon.Notifier
	// BrokenTracker remembers recently broken servers. Defaults to an
	// in-memory tracker.
	BrokenTracker BrokenServiceTracker
	// Clock is used for broken-service expiry.
	Clock clockwork.Clock
	// Log is the pool logger.
	Log *slog.Logger
	// TLS is the base crypto configuration shared by all sessions.
	TLS *tls.Config
	// SupportedVersions is the version preference order for DNS-driven
	// selection. Defaults to [DefaultSupportedVersions].
	SupportedVersions []Version
	// ECHEnabled reports whether encrypted client hello is enabled,
	// restricting SVCB-optional mode.
	ECHEnabled bool
	// MigrateSessionsOnNetworkChange migrates sessions off disconnecting
	// networks instead of closing them.
	MigrateSessionsOnNetworkChange bool
	// RetryOnAlternateNetworkBeforeHandshake enables one pre-handshake
	// retry on an alternate network after a timeout or write error on the
	// default network.
	RetryOnAlternateNetworkBeforeHandshake bool
	// CloseSessionsOnIPChange closes all sessions when the local address
	// set changes.
	CloseSessionsOnIPChange bool
	// GoAwaySessionsOnIPChange marks all sessions going away instead of
	// closing them on address changes. Ignored when
	// CloseSessionsOnIPChange is set.
	GoAwaySessionsOnIPChange bool
	// PartitionProxyHops partitions sessions to intermediate proxy hops
	// by the requesting site's anonymization key. Off by default so chain
	// prefixes can be reused; the outermost edge stays partitioned either
	// way.
	PartitionProxyHops bool
	// ProxyHopAnonymizationKey is the shared partition used for proxy
	// hops when PartitionProxyHops is off.
	ProxyHopAnonymizationKey NetworkAnonymizationKey
}

func (c *Config) checkAndSetDefaults() error {
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.SessionFactory == nil {
		return trace.BadParameter("missing parameter SessionFactory")
	}
	if c.Context == nil {
		c.Context = context.Background()
	}
	if c.Netmon == nil {
		if c.Notifier != nil {
			c.Netmon = c.Notifier
		} else {
			c.Netmon = netmon.StaticLister{Default: netmon.Invalid}
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BrokenTracker == nil {
		c.BrokenTracker = NewBrokenServiceTracker(c.Clock)
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "quicpool")
	if len(c.SupportedVersions) == 0 {
		c.SupportedVersions = DefaultSupportedVersions()
	}
	return nil
}

// Pool is the QUIC session pool. It owns all activated sessions and all
// in-flight jobs; requests and attempts hold non-owning back references
// validated through the pool.
type Pool struct {
	cfg     Config
	log     *slog.Logger
	metrics *poolMetrics
	mon     *monitor.ConnectivityMonitor

	cryptoConfigs *cryptoConfigCache

	ctx    context.Context
	cancel context.CancelFunc
	jobsWG sync.WaitGroup

	mu sync.Mutex
	// jobs maps alias keys to their in-flight job. A key is either here
	// (pending) or in aliases (resolved), never meaningfully both; when a
	// racing lookup sees both, the resolved session wins.
	jobs map[string]job
	// bySessionKey holds the at-most-one active session per session key.
	bySessionKey map[string]*sessionEntry
	// aliases maps every registered alias key to its session.
	aliases map[string]*sessionEntry
	// byIP indexes sessions by peer address for IP pooling.
	byIP map[netip.AddrPort]map[*sessionEntry]struct{}
	// bySession maps live session objects back to their entry.
	bySession map[Session]*sessionEntry

	nextSessionID uint64
	closed        bool
}

// NewPool creates a session pool. If cfg.Notifier is set the pool
// registers for network change events; the caller unregisters by calling
// [Pool.Close].
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	metrics, err := newPoolMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	mon, err := monitor.New(monitor.Config{
		DefaultNetwork: cfg.Netmon.DefaultNetwork(),
		Log:            cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ctx, cancel := context.WithCancel(cfg.Context)
	p := &Pool{
		cfg:           cfg,
		log:           cfg.Log,
		metrics:       metrics,
		mon:           mon,
		cryptoConfigs: newCryptoConfigCache(cfg.TLS),
		ctx:           ctx,
		cancel:        cancel,
		jobs:          make(map[string]job),
		bySessionKey:  make(map[string]*sessionEntry),
		aliases:       make(map[string]*sessionEntry),
		byIP:          make(map[netip.AddrPort]map[*sessionEntry]struct{}),
		bySession:     make(map[Session]*sessionEntry),
	}

	if cfg.Notifier != nil {
		cfg.Notifier.Register(p)
	}
	return p, nil
}

// Monitor returns the pool's connectivity monitor.
func (p *Pool) Monitor() *monitor.ConnectivityMonitor { return p.mon }

// RequestSession asks for a session usable for the given parameters. When
// a matching session already exists the returned request is born
// completed; otherwise it completes when the serving job reaches a
// terminal state.
func (p *Pool) RequestSession(params RequestParams) (*SessionRequest, error) {
	if err := params.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	key := params.aliasKey()
	r := &SessionRequest{
		pool:                     p,
		key:                      key,
		done:                     make(chan struct{}),
		onFailedOnDefaultNetwork: params.OnFailedOnDefaultNetwork,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, trace.Wrap(ErrPoolClosed)
	}

	if entry := p.lookupUsableLocked(key); entry != nil {
		handle := &SessionHandle{pool: p, entry: entry}
		p.mu.Unlock()
		p.metrics.reportRequest("existing_session")
		r.complete(handle, nil, ErrorDetails{})
		return r, nil
	}

	j, ok := p.jobs[key.String()]
	if !ok {
		requireConfirmation := params.RequireConfirmation ||
			p.cfg.BrokenTracker.WasRecentlyBroken(key.Key.ServerID)
		if key.Key.ProxyChain.Empty() {
			j = newDirectJob(p, key, params, requireConfirmation)
		} else {
			j = newProxyJob(p, key, params)
		}
		p.jobs[key.String()] = j
		p.jobsWG.Add(1)
		go p.runJob(j)
	}
	r.mu.Lock()
	r.job = j
	r.mu.Unlock()
	j.addRequest(r)
	p.mu.Unlock()

	p.metrics.reportRequest("pending")
	return r, nil
}

// CancelRequest deregisters a pending request.
func (p *Pool) CancelRequest(r *SessionRequest) { r.Cancel() }

// lookupUsableLocked finds an active session for the alias key: an exact
// alias registration, an exact session key match under another alias, or
// a DNS alias of an activated session.
func (p *Pool) lookupUsableLocked(key AliasKey) *sessionEntry {
	if entry := p.aliases[key.String()]; entry != nil && p.usableLocked(entry) {
		return entry
	}
	if entry := p.bySessionKey[key.Key.String()]; entry != nil && p.usableLocked(entry) {
		p.addAliasLocked(entry, key)
		return entry
	}
	for _, entry := range p.bySessionKey {
		if !p.usableLocked(entry) || !p.compatibleForPoolingLocked(key.Key, entry) {
			continue
		}
		for _, alias := range entry.dnsAliases {
			if alias == key.Destination.Host {
				p.addAliasLocked(entry, key)
				return entry
			}
		}
	}
	return nil
}

func (p *Pool) usableLocked(entry *sessionEntry) bool {
	return p.bySession[entry.session] == entry && !entry.goingAway && entry.session.Connected()
}

// compatibleForPoolingLocked reports whether a session may serve a
// differently keyed request: matching partition fields, a certificate
// covering the requested host, and no recent broken mark.
func (p *Pool) compatibleForPoolingLocked(key SessionKey, entry *sessionEntry) bool {
	if entry.key.PrivacyMode != key.PrivacyMode ||
		entry.key.ProxyChain.String() != key.ProxyChain.String() ||
		entry.key.AnonymizationKey != key.AnonymizationKey {
		return false
	}
	if p.cfg.BrokenTracker.WasRecentlyBroken(key.ServerID) {
		return false
	}
	return entry.session.CanPool(key.ServerID.Host, key)
}

func (p *Pool) addAliasLocked(entry *sessionEntry, key AliasKey) {
	entry.aliases[key.String()] = key
	p.aliases[key.String()] = entry
}

func (p *Pool) runJob(j job) {
	defer p.jobsWG.Done()
	entry, err := j.run(p.ctx)
	p.jobFinished(j, entry, err)
}

// jobFinished retires the job and notifies every attached request exactly
// once. The job is removed from the pending map before the snapshot so no
// request can attach afterwards.
func (p *Pool) jobFinished(j job, entry *sessionEntry, err error) {
	key := j.aliasKey()

	p.mu.Lock()
	delete(p.jobs, key.String())
	if err == nil && entry != nil {
		p.addAliasLocked(entry, key)
	}
	var reqs []*SessionRequest
	switch j := j.(type) {
	case *directJob:
		reqs = j.requests.snapshot()
	case *proxyJob:
		reqs = j.requests.snapshot()
	}
	p.mu.Unlock()

	if err != nil {
		if shouldMarkBroken(err) {
			p.cfg.BrokenTracker.MarkBroken(key.Key.ServerID)
		}
		p.metrics.reportJobResult("error")
		var details ErrorDetails
		j.populateErrorDetails(&details)
		p.log.DebugContext(p.ctx, "Session job failed.", "key", key.String(), "error", err)
		for _, r := range reqs {
			r.complete(nil, err, details)
		}
		return
	}

	p.cfg.BrokenTracker.ConfirmWorking(key.Key.ServerID)
	p.metrics.reportJobResult("ok")
	for _, r := range reqs {
		r.complete(&SessionHandle{pool: p, entry: entry}, nil, ErrorDetails{})
	}
}

// shouldMarkBroken reports whether the failure says anything about the
// server's ability to speak QUIC. Resolution failures, protocol selection
// failures, and pool-initiated cancellation do not.
func shouldMarkBroken(err error) bool {
	return !trace.IsNotFound(err) &&
		!isAny(err, ErrHostResolution, ErrNoMatchingProtocol, ErrPoolClosed, context.Canceled)
}

// ActivateSession registers a session under the alias key, making it
// visible to subsequent requests. Returns false when an active session
// already exists for an equivalent key; the caller must then close the
// session citing the pooled reason. Repeating the call for the same
// session is a no-op returning true.
func (p *Pool) ActivateSession(key AliasKey, s Session, dnsAliases []string) bool {
	_, ok := p.activateSession(key, s, dnsAliases, p.cfg.Netmon.DefaultNetwork())
	return ok
}

func (p *Pool) activateSession(key AliasKey, s Session, dnsAliases []string, network netmon.Handle) (*sessionEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing := p.bySessionKey[key.Key.String()]; existing != nil && !existing.goingAway {
		if existing.session == s {
			return existing, true
		}
		return existing, false
	}
	if p.closed {
		return nil, false
	}

	p.nextSessionID++
	entry := &sessionEntry{
		id:         p.nextSessionID,
		session:    s,
		key:        key.Key,
		network:    network,
		aliases:    make(map[string]AliasKey),
		dnsAliases: dnsAliases,
	}
	p.bySessionKey[key.Key.String()] = entry
	p.bySession[s] = entry
	p.addAliasLocked(entry, key)
	if addr := s.PeerAddress(); addr.IsValid() {
		set, ok := p.byIP[addr]
		if !ok {
			set = make(map[*sessionEntry]struct{})
			p.byIP[addr] = set
		}
		set[entry] = struct{}{}
	}

	p.mon.OnSessionRegistered(entry, network)
	p.metrics.reportActivation()
	p.log.DebugContext(p.ctx, "Session activated.", "key", key.String(), "peer", s.PeerAddress())
	return entry, true
}

// HasMatchingIPSession reports whether a differently keyed session to one
// of the candidate addresses already exists and may be pooled onto. A hit
// registers the alias so subsequent lookups resolve directly.
func (p *Pool) HasMatchingIPSession(key AliasKey, endpoints []netip.AddrPort, dnsAliases []string, useDNSAliases bool) bool {
	if !useDNSAliases {
		dnsAliases = nil
	}
	return p.adoptMatchingIPSessionForEndpoints(key, endpoints, dnsAliases) != nil
}

func (p *Pool) adoptMatchingIPSession(key AliasKey, addr netip.AddrPort, dnsAliases []string) *sessionEntry {
	if !addr.IsValid() {
		return nil
	}
	return p.adoptMatchingIPSessionForEndpoints(key, []netip.AddrPort{addr}, dnsAliases)
}

func (p *Pool) adoptMatchingIPSessionForEndpoints(key AliasKey, addrs []netip.AddrPort, dnsAliases []string) *sessionEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, addr := range addrs {
		for entry := range p.byIP[addr] {
			if !p.usableLocked(entry) || !p.compatibleForPoolingLocked(key.Key, entry) {
				continue
			}
			p.addAliasLocked(entry, key)
			for _, alias := range dnsAliases {
				var known bool
				for _, existing := range entry.dnsAliases {
					if existing == alias {
						known = true
						break
					}
				}
				if !known {
					entry.dnsAliases = append(entry.dnsAliases, alias)
				}
			}
			return entry
		}
	}
	return nil
}

// OnSessionGoingAway removes the session from all lookup maps so it
// accepts no new streams. Idempotent.
func (p *Pool) OnSessionGoingAway(s Session) {
	p.mu.Lock()
	entry := p.bySession[s]
	if entry != nil {
		p.unlinkLocked(entry)
		entry.goingAway = true
	}
	p.mu.Unlock()
	if entry != nil {
		s.MarkGoingAway()
	}
}

// OnSessionClosed drops every reference to the session. Idempotent.
func (p *Pool) OnSessionClosed(s Session) {
	p.mu.Lock()
	entry := p.bySession[s]
	if entry != nil {
		p.unlinkLocked(entry)
		delete(p.bySession, s)
	}
	p.mu.Unlock()
	if entry != nil {
		p.mon.OnSessionRemoved(entry)
		p.metrics.reportSessionRemoved()
	}
}

// unlinkLocked removes the entry's aliases and indexes, leaving only the
// bySession back reference.
func (p *Pool) unlinkLocked(entry *sessionEntry) {
	if p.bySessionKey[entry.key.String()] == entry {
		delete(p.bySessionKey, entry.key.String())
	}
	for aliasID := range entry.aliases {
		if p.aliases[aliasID] == entry {
			delete(p.aliases, aliasID)
		}
	}
	if addr := entry.session.PeerAddress(); addr.IsValid() {
		if set, ok := p.byIP[addr]; ok {
			delete(set, entry)
			if len(set) == 0 {
				delete(p.byIP, addr)
			}
		}
	}
}

// FindAlternateNetwork returns a connected network other than oldNetwork,
// or [netmon.Invalid] when none exists. The platform enumeration order
// decides ties.
func (p *Pool) FindAlternateNetwork(oldNetwork netmon.Handle) netmon.Handle {
	for _, n := range p.cfg.Netmon.ConnectedNetworks() {
		if n != oldNetwork && n.Valid() {
			return n
		}
	}
	return netmon.Invalid
}

// OnIPAddressChanged implements [netmon.Observer].
func (p *Pool) OnIPAddressChanged() {
	p.mon.OnIPAddressChanged()
	switch {
	case p.cfg.CloseSessionsOnIPChange:
		p.closeAllSessions(CloseReasonIPAddressChanged)
	case p.cfg.GoAwaySessionsOnIPChange:
		for _, entry := range p.snapshotSessions() {
			p.OnSessionGoingAway(entry.session)
		}
	}
}

// OnNetworkConnected implements [netmon.Observer].
func (p *Pool) OnNetworkConnected(network netmon.Handle) {
	p.log.DebugContext(p.ctx, "Network connected.", "network", network)
}

// OnNetworkDisconnected implements [netmon.Observer].
func (p *Pool) OnNetworkDisconnected(network netmon.Handle) {
	p.MaybeMigrateOrCloseSessions(network, true)
}

// OnNetworkMadeDefault implements [netmon.Observer].
func (p *Pool) OnNetworkMadeDefault(network netmon.Handle) {
	p.mon.OnDefaultNetworkUpdated(network)
	if p.cfg.MigrateSessionsOnNetworkChange {
		p.migrateSessionsToNetwork(network)
	}
}

// MaybeMigrateOrCloseSessions handles sessions bound to a network that is
// going away: sessions pinned by non-migratable streams are closed when
// closeIfCannotMigrate is set; otherwise each session migrates to an
// alternate network when migration is enabled and an alternate exists,
// and is closed when not.
func (p *Pool) MaybeMigrateOrCloseSessions(network netmon.Handle, closeIfCannotMigrate bool) {
	for _, entry := range p.snapshotSessions() {
		if entry.network != network {
			continue
		}
		if entry.session.HasNonMigratableStreams() && closeIfCannotMigrate {
			p.closeSession(entry, CloseReasonNetworkChanged, nil)
			continue
		}
		if !p.cfg.MigrateSessionsOnNetworkChange {
			p.closeSession(entry, CloseReasonNetworkChanged, nil)
			continue
		}
		alternate := p.FindAlternateNetwork(network)
		if !alternate.Valid() {
			p.closeSession(entry, CloseReasonNetworkChanged, nil)
			continue
		}
		p.migrateSession(entry, alternate)
	}
}

func (p *Pool) migrateSessionsToNetwork(network netmon.Handle) {
	for _, entry := range p.snapshotSessions() {
		if entry.network == network {
			continue
		}
		if entry.session.HasNonMigratableStreams() {
			continue
		}
		p.migrateSession(entry, network)
	}
}

func (p *Pool) migrateSession(entry *sessionEntry, network netmon.Handle) {
	if err := entry.session.MigrateToNetwork(p.ctx, network); err != nil {
		p.metrics.reportMigration("failed")
		p.log.DebugContext(p.ctx, "Session migration failed, closing session.",
			"key", entry.key.String(), "network", network, "error", err)
		p.closeSession(entry, CloseReasonMigrationFailed, err)
		return
	}
	p.mu.Lock()
	entry.network = network
	p.mu.Unlock()
	p.metrics.reportMigration("ok")
}

func (p *Pool) snapshotSessions() []*sessionEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*sessionEntry, 0, len(p.bySession))
	for _, entry := range p.bySession {
		out = append(out, entry)
	}
	return out
}

func (p *Pool) closeSession(entry *sessionEntry, reason CloseReason, err error) {
	entry.session.Close(reason, err)
	p.metrics.reportSessionClosed(reason)
	p.OnSessionClosed(entry.session)
}

func (p *Pool) closeAllSessions(reason CloseReason) {
	for _, entry := range p.snapshotSessions() {
		p.closeSession(entry, reason, nil)
	}
}

func (p *Pool) sessionAlive(entry *sessionEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bySession[entry.session] == entry
}

func (p *Pool) sessionUsable(entry *sessionEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usableLocked(entry)
}

// NumActiveSessions returns the number of sessions the pool holds.
func (p *Pool) NumActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bySession)
}

// Shutdown marks all sessions going away, waits for in-flight jobs up to
// the context deadline, then closes everything.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for _, entry := range p.snapshotSessions() {
		p.OnSessionGoingAway(entry.session)
	}

	done := make(chan struct{})
	go func() {
		p.jobsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	p.Close()
}

// Close tears the pool down immediately: pending jobs are canceled,
// sessions closed, and the network observer deregistered.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if p.cfg.Notifier != nil {
		p.cfg.Notifier.Unregister(p)
	}
	p.cancel()
	p.closeAllSessions(CloseReasonShutdown)
	p.jobsWG.Wait()
	return nil
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
