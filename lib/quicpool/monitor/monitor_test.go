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

package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/quicpool/lib/netmon"
)

type testSession uint64

func (s testSession) SessionID() uint64 { return uint64(s) }

func newMonitor(t *testing.T, def netmon.Handle) *ConnectivityMonitor {
	t.Helper()
	m, err := New(Config{DefaultNetwork: def})
	require.NoError(t, err)
	return m
}

func TestDegradingSessionCounts(t *testing.T) {
	t.Parallel()
	m := newMonitor(t, 1)

	s1, s2 := testSession(1), testSession(2)
	m.OnSessionRegistered(s1, 1)
	m.OnSessionRegistered(s2, 1)
	require.Equal(t, 2, m.NumActiveSessions())
	require.Equal(t, 0, m.GetNumDegradingSessions())

	m.OnSessionPathDegrading(s1, 1)
	m.OnSessionPathDegrading(s2, 1)
	// Repeating a report does not double count.
	m.OnSessionPathDegrading(s1, 1)
	require.Equal(t, 2, m.GetNumDegradingSessions())

	m.OnSessionResumedPostPathDegrading(s1, 1)
	require.Equal(t, 1, m.GetNumDegradingSessions())

	// Removal clears the degrading mark too.
	m.OnSessionRemoved(s2)
	require.Equal(t, 0, m.GetNumDegradingSessions())
	require.Equal(t, 1, m.NumActiveSessions())
}

func TestEventsOnOtherNetworksIgnored(t *testing.T) {
	t.Parallel()
	m := newMonitor(t, 1)

	s := testSession(1)
	m.OnSessionRegistered(s, 1)
	m.OnSessionPathDegrading(s, 2)
	require.Equal(t, 0, m.GetNumDegradingSessions())

	m.OnSessionEncounteringWriteError(s, 2, WriteErrorAddressUnreachable)
	require.Equal(t, 0, m.GetCountForWriteErrorCode(WriteErrorAddressUnreachable))
}

func TestWriteErrorCounts(t *testing.T) {
	t.Parallel()
	m := newMonitor(t, 1)

	s := testSession(1)
	m.OnSessionRegistered(s, 1)
	m.OnSessionEncounteringWriteError(s, 1, WriteErrorAddressUnreachable)
	m.OnSessionEncounteringWriteError(s, 1, WriteErrorAddressUnreachable)
	m.OnSessionEncounteringWriteError(s, 1, WriteErrorAccessDenied)

	require.Equal(t, 2, m.GetCountForWriteErrorCode(WriteErrorAddressUnreachable))
	require.Equal(t, 1, m.GetCountForWriteErrorCode(WriteErrorAccessDenied))
	require.Equal(t, 0, m.GetCountForWriteErrorCode(WriteErrorInternetDisconnected))
}

func TestDefaultNetworkUpdateResets(t *testing.T) {
	t.Parallel()
	m := newMonitor(t, 1)

	s := testSession(1)
	m.OnSessionRegistered(s, 1)
	m.OnSessionPathDegrading(s, 1)
	m.OnSessionEncounteringWriteError(s, 1, WriteErrorAddressUnreachable)

	m.OnDefaultNetworkUpdated(2)
	require.Equal(t, 0, m.GetNumDegradingSessions())
	require.Equal(t, 0, m.GetCountForWriteErrorCode(WriteErrorAddressUnreachable))
	require.Equal(t, 0, m.NumActiveSessions())

	// Events on the new default are tracked again.
	m.OnSessionRegistered(s, 2)
	m.OnSessionPathDegrading(s, 2)
	require.Equal(t, 1, m.GetNumDegradingSessions())
}

func TestIPAddressChangeResetsOnlyWithoutDefaultNetwork(t *testing.T) {
	t.Parallel()

	// With a valid default network the per-network events are the source
	// of truth and the address change is ignored.
	m := newMonitor(t, 1)
	s := testSession(1)
	m.OnSessionRegistered(s, 1)
	m.OnSessionPathDegrading(s, 1)
	m.OnIPAddressChanged()
	require.Equal(t, 1, m.GetNumDegradingSessions())

	// Without one, the address change is the only signal there is.
	m = newMonitor(t, netmon.Invalid)
	m.OnSessionRegistered(s, netmon.Invalid)
	m.OnSessionPathDegrading(s, netmon.Invalid)
	m.OnSessionEncounteringWriteError(s, netmon.Invalid, WriteErrorAddressUnreachable)
	m.OnIPAddressChanged()
	require.Equal(t, 0, m.GetNumDegradingSessions())
	require.Equal(t, 0, m.GetCountForWriteErrorCode(WriteErrorAddressUnreachable))
}

func TestDegradedSessionPercentage(t *testing.T) {
	t.Parallel()
	m := newMonitor(t, 1)
	require.Equal(t, 0, m.DegradedSessionPercentage())

	sessions := []testSession{1, 2, 3, 4}
	for _, s := range sessions {
		m.OnSessionRegistered(s, 1)
	}
	m.OnSessionPathDegrading(sessions[0], 1)
	require.Equal(t, 25, m.DegradedSessionPercentage())

	m.OnSessionPathDegrading(sessions[1], 1)
	require.Equal(t, 50, m.DegradedSessionPercentage())
}

func TestIsConnectivityError(t *testing.T) {
	t.Parallel()
	require.True(t, IsConnectivityError(WriteErrorAddressUnreachable))
	require.True(t, IsConnectivityError(WriteErrorInternetDisconnected))
	require.True(t, IsConnectivityError(WriteErrorAccessDenied))
	require.False(t, IsConnectivityError(WriteErrorCode(0)))
}
