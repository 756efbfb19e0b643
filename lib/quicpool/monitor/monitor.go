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

// Package monitor aggregates per-session degradation and write error
// signals on the current default network. The session pool consults the
// aggregate to drive migration heuristics; everything here is scoped to one
// default network and fully reset when the default changes.
package monitor

import (
	"log/slog"
	"math"
	"sync"

	"github.com/gravitational/quicpool/lib/netmon"
)

// Session identifies a tracked QUIC session. Implementations must be
// comparable; the pool passes its session entries by pointer.
type Session interface {
	// SessionID returns a process-unique session identifier.
	SessionID() uint64
}

// WriteErrorCode is an OS-level error code observed on a session write.
type WriteErrorCode int

// Write error codes that indicate a connectivity problem rather than a
// peer or protocol failure.
const (
	WriteErrorAddressUnreachable WriteErrorCode = iota + 1
	WriteErrorAccessDenied
	WriteErrorInternetDisconnected
)

// IsConnectivityError reports whether the write error code indicates loss
// of connectivity on the reporting network.
func IsConnectivityError(code WriteErrorCode) bool {
	switch code {
	case WriteErrorAddressUnreachable, WriteErrorAccessDenied, WriteErrorInternetDisconnected:
		return true
	}
	return false
}

// Config configures a ConnectivityMonitor.
type Config struct {
	// DefaultNetwork is the default network at construction time.
	DefaultNetwork netmon.Handle
	// Log is the monitor logger.
	Log *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "quic:monitor")
	return nil
}

// ConnectivityMonitor tracks degrading sessions, active sessions, and
// write errors on the current default network. Reports about any other
// network are ignored.
type ConnectivityMonitor struct {
	log     *slog.Logger
	metrics *monitorMetrics

	mu             sync.Mutex
	defaultNetwork netmon.Handle
	degrading      map[Session]struct{}
	active         map[Session]struct{}
	writeErrors    map[WriteErrorCode]int

	// activeAtFirstFailure is the active session count snapshotted when the
	// first degradation or connectivity write error was observed since the
	// last reset. Negative means no snapshot is active.
	activeAtFirstFailure int
}

// New creates a ConnectivityMonitor.
func New(cfg Config) (*ConnectivityMonitor, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	metrics, err := newMonitorMetrics()
	if err != nil {
		return nil, err
	}
	m := &ConnectivityMonitor{
		log:            cfg.Log,
		metrics:        metrics,
		defaultNetwork: cfg.DefaultNetwork,
	}
	m.resetLocked()
	return m, nil
}

// resetLocked clears all tracked state. Callers must hold m.mu, except
// during construction.
func (m *ConnectivityMonitor) resetLocked() {
	m.degrading = make(map[Session]struct{})
	m.active = make(map[Session]struct{})
	m.writeErrors = make(map[WriteErrorCode]int)
	m.activeAtFirstFailure = -1
	m.metrics.setDegradingSessions(0)
}

// OnSessionRegistered records a new active session on the given network.
func (m *ConnectivityMonitor) OnSessionRegistered(s Session, network netmon.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if network != m.defaultNetwork {
		return
	}
	m.active[s] = struct{}{}
}

// OnSessionRemoved forgets a session, whichever sets it is in.
func (m *ConnectivityMonitor) OnSessionRemoved(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, s)
	delete(m.degrading, s)
	m.metrics.setDegradingSessions(len(m.degrading))
}

// OnSessionPathDegrading records that the session observed path
// degradation on the given network.
func (m *ConnectivityMonitor) OnSessionPathDegrading(s Session, network netmon.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if network != m.defaultNetwork {
		return
	}
	m.active[s] = struct{}{}
	m.degrading[s] = struct{}{}
	m.metrics.setDegradingSessions(len(m.degrading))
	if m.activeAtFirstFailure < 0 {
		m.activeAtFirstFailure = len(m.active)
	}
}

// OnSessionResumedPostPathDegrading records that the session recovered
// after degrading, resetting the failure snapshot.
func (m *ConnectivityMonitor) OnSessionResumedPostPathDegrading(s Session, network netmon.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if network != m.defaultNetwork {
		return
	}
	delete(m.degrading, s)
	m.metrics.setDegradingSessions(len(m.degrading))
	m.activeAtFirstFailure = -1
}

// OnSessionEncounteringWriteError counts a write error observed by the
// session on the given network.
func (m *ConnectivityMonitor) OnSessionEncounteringWriteError(s Session, network netmon.Handle, code WriteErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if network != m.defaultNetwork {
		return
	}
	m.active[s] = struct{}{}
	m.writeErrors[code] = saturatingAdd(m.writeErrors[code], 1)
	m.metrics.reportWriteError(code)
	if IsConnectivityError(code) && m.activeAtFirstFailure < 0 {
		m.activeAtFirstFailure = len(m.active)
	}
}

// OnDefaultNetworkUpdated switches the monitor to a new default network.
// All prior state is discarded: signals gathered on the old default say
// nothing about the new one.
func (m *ConnectivityMonitor) OnDefaultNetworkUpdated(network netmon.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultNetwork = network
	m.resetLocked()
	m.metrics.reportReset()
	m.log.Debug("Default network updated, connectivity state reset.", "network", network)
}

// OnIPAddressChanged resets degradation and write error state on platforms
// without per-network handles, where an address change is the only signal
// that "the network" changed. The active set is kept: the sessions still
// exist and remain registered.
func (m *ConnectivityMonitor) OnIPAddressChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defaultNetwork.Valid() {
		// Per-network platforms get OnDefaultNetworkUpdated instead.
		return
	}
	m.degrading = make(map[Session]struct{})
	m.writeErrors = make(map[WriteErrorCode]int)
	m.activeAtFirstFailure = -1
	m.metrics.setDegradingSessions(0)
	m.metrics.reportReset()
}

// GetNumDegradingSessions returns the number of currently degrading
// sessions on the default network.
func (m *ConnectivityMonitor) GetNumDegradingSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.degrading)
}

// GetCountForWriteErrorCode returns how many writes failed with the given
// code since the last reset.
func (m *ConnectivityMonitor) GetCountForWriteErrorCode(code WriteErrorCode) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeErrors[code]
}

// NumActiveSessions returns the number of sessions tracked on the default
// network.
func (m *ConnectivityMonitor) NumActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// DegradedSessionPercentage returns the share of sessions degrading,
// relative to the active count snapshotted at the first failure. Returns 0
// when no snapshot is active.
func (m *ConnectivityMonitor) DegradedSessionPercentage() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeAtFirstFailure <= 0 {
		return 0
	}
	return min(100*len(m.degrading)/m.activeAtFirstFailure, 100)
}

func saturatingAdd(a, b int) int {
	if a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}
