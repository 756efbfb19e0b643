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
	"bytes"
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/quicpool/lib/netmon"
	"github.com/gravitational/quicpool/lib/resolver"
)

const waitTimeout = 10 * time.Second

// fakeResolver serves canned results per host.
type fakeResolver struct {
	mu      sync.Mutex
	results map[string]*resolver.Result
	errs    map[string]error
	// gate, when set, blocks every Start call until the channel is closed.
	gate chan struct{}
	// requests counts CreateRequest calls per host.
	requests map[string]int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		results:  make(map[string]*resolver.Result),
		errs:     make(map[string]error),
		requests: make(map[string]int),
	}
}

func (f *fakeResolver) addHost(host string, addrs ...netip.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[host] = &resolver.Result{
		Endpoints: []resolver.Endpoint{{Addresses: addrs}},
		Aliases:   []string{host},
	}
}

func (f *fakeResolver) setResult(host string, result *resolver.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[host] = result
}

func (f *fakeResolver) setError(host string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[host] = err
}

func (f *fakeResolver) requestCount(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[host]
}

func (f *fakeResolver) CreateRequest(host string, port uint16, params resolver.RequestParams) resolver.Request {
	f.mu.Lock()
	f.requests[host]++
	gate := f.gate
	f.mu.Unlock()
	return &fakeResolveRequest{resolver: f, host: host, gate: gate}
}

type fakeResolveRequest struct {
	resolver *fakeResolver
	host     string
	gate     chan struct{}
}

func (r *fakeResolveRequest) Start(ctx context.Context) (*resolver.Result, error) {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
	r.resolver.mu.Lock()
	defer r.resolver.mu.Unlock()
	if err := r.resolver.errs[r.host]; err != nil {
		return nil, err
	}
	if result := r.resolver.results[r.host]; result != nil {
		return result, nil
	}
	return nil, trace.NotFound("no addresses for %q", r.host)
}

func (r *fakeResolveRequest) SetPriority(p resolver.Priority) {}

// fakeSession is a scriptable Session.
type fakeSession struct {
	mu sync.Mutex

	addr       netip.AddrPort
	connectErr error
	oneRTT     bool
	canPool    bool
	migrateErr error
	// connectGate, when set, blocks CryptoConnect until the channel is
	// closed or the context is canceled.
	connectGate chan struct{}

	connected     bool
	goingAway     bool
	closed        bool
	closeReason   CloseReason
	network       netmon.Handle
	streamsOpened int
	errorCode     uint64
	nonMigratable bool
}

func newFakeSession(addr netip.AddrPort) *fakeSession {
	return &fakeSession{
		addr:      addr,
		connected: true,
		canPool:   true,
		network:   netmon.Invalid,
	}
}

func (s *fakeSession) StartReading() error { return nil }

func (s *fakeSession) CryptoConnect(ctx context.Context) error {
	s.mu.Lock()
	gate := s.connectGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		s.connected = false
		return s.connectErr
	}
	return nil
}

func (s *fakeSession) OneRTTKeysAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oneRTT
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}

func (s *fakeSession) PeerAddress() netip.AddrPort { return s.addr }

func (s *fakeSession) CanPool(hostname string, key SessionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canPool
}

func (s *fakeSession) OpenStream(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.goingAway {
		return nil, trace.ConnectionProblem(nil, "session unavailable")
	}
	s.streamsOpened++
	return &fakeStream{}, nil
}

func (s *fakeSession) MigrateToNetwork(ctx context.Context, network netmon.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrateErr != nil {
		return s.migrateErr
	}
	s.network = network
	return nil
}

func (s *fakeSession) HasNonMigratableStreams() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonMigratable
}

func (s *fakeSession) MarkGoingAway() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goingAway = true
}

func (s *fakeSession) Close(reason CloseReason, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.closeReason = reason
	}
	return nil
}

func (s *fakeSession) ConnectionErrorCode() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCode
}

func (s *fakeSession) isClosed() (bool, CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeReason
}

func (s *fakeSession) migratedTo() netmon.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.network
}

type fakeStream struct {
	bytes.Buffer
}

func (s *fakeStream) Close() error { return nil }

// fakeFactory hands out scripted sessions in order, falling back to fresh
// connected sessions once the script runs out.
type fakeFactory struct {
	mu              sync.Mutex
	scripted        []*fakeSession
	created         []*fakeSession
	newErr          error
	calls           []SessionParams
	fromStreamCalls []SessionParams
}

func newFakeFactory(scripted ...*fakeSession) *fakeFactory {
	return &fakeFactory{scripted: scripted}
}

func (f *fakeFactory) next(addr netip.AddrPort) *fakeSession {
	if len(f.scripted) > 0 {
		s := f.scripted[0]
		f.scripted = f.scripted[1:]
		return s
	}
	return newFakeSession(addr)
}

func (f *fakeFactory) New(ctx context.Context, params SessionParams) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if f.newErr != nil {
		return nil, f.newErr
	}
	s := f.next(params.Endpoint)
	f.created = append(f.created, s)
	return s, nil
}

func (f *fakeFactory) NewFromStream(ctx context.Context, stream Stream, params SessionParams) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fromStreamCalls = append(f.fromStreamCalls, params)
	if f.newErr != nil {
		return nil, f.newErr
	}
	s := f.next(netip.AddrPort{})
	f.created = append(f.created, s)
	return s, nil
}

func (f *fakeFactory) newCalls() []SessionParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SessionParams(nil), f.calls...)
}

func (f *fakeFactory) tunnelCalls() []SessionParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SessionParams(nil), f.fromStreamCalls...)
}

func (f *fakeFactory) createdSessions() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.created...)
}

type testPool struct {
	*Pool
	resolver *fakeResolver
	factory  *fakeFactory
}

func newTestPool(t *testing.T, mutate func(cfg *Config)) *testPool {
	t.Helper()

	res := newFakeResolver()
	factory := newFakeFactory()
	cfg := Config{
		Resolver:       res,
		SessionFactory: factory,
		Netmon:         netmon.StaticLister{Default: netmon.Invalid},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	pool, err := NewPool(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return &testPool{Pool: pool, resolver: res, factory: factory}
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return addr
}

func waitForSession(t *testing.T, r *SessionRequest) *SessionHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	handle, err := r.WaitForSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)
	return handle
}

func waitForError(t *testing.T, r *SessionRequest) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := r.WaitForSession(ctx)
	require.Error(t, err)
	return err
}
