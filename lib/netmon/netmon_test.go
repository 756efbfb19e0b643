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

package netmon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type event struct {
	kind    string
	network Handle
}

type recordingObserver struct {
	events []event
}

func (o *recordingObserver) OnIPAddressChanged() {
	o.events = append(o.events, event{kind: "ip", network: Invalid})
}

func (o *recordingObserver) OnNetworkConnected(network Handle) {
	o.events = append(o.events, event{kind: "connected", network: network})
}

func (o *recordingObserver) OnNetworkDisconnected(network Handle) {
	o.events = append(o.events, event{kind: "disconnected", network: network})
}

func (o *recordingObserver) OnNetworkMadeDefault(network Handle) {
	o.events = append(o.events, event{kind: "default", network: network})
}

func newTestNotifier(t *testing.T) *Notifier {
	t.Helper()
	n, err := NewNotifier(NotifierConfig{})
	require.NoError(t, err)
	return n
}

func TestNotifierTracksConnectedSet(t *testing.T) {
	t.Parallel()
	n := newTestNotifier(t)

	require.Empty(t, n.ConnectedNetworks())
	require.Equal(t, Invalid, n.DefaultNetwork())

	n.NetworkConnected(1)
	n.NetworkConnected(2)
	n.NetworkConnected(1) // duplicate, ignored
	require.Equal(t, []Handle{1, 2}, n.ConnectedNetworks())

	n.NetworkMadeDefault(1)
	require.Equal(t, Handle(1), n.DefaultNetwork())

	// Disconnecting the default clears the designation.
	n.NetworkDisconnected(1)
	require.Equal(t, []Handle{2}, n.ConnectedNetworks())
	require.Equal(t, Invalid, n.DefaultNetwork())

	// Disconnecting an unknown network is a no-op.
	n.NetworkDisconnected(7)
	require.Equal(t, []Handle{2}, n.ConnectedNetworks())
}

func TestNotifierMadeDefaultImpliesConnected(t *testing.T) {
	t.Parallel()
	n := newTestNotifier(t)

	n.NetworkMadeDefault(3)
	require.Equal(t, []Handle{3}, n.ConnectedNetworks())
	require.Equal(t, Handle(3), n.DefaultNetwork())
}

func TestNotifierObserverEvents(t *testing.T) {
	t.Parallel()
	n := newTestNotifier(t)
	o := &recordingObserver{}
	n.Register(o)

	n.NetworkConnected(1)
	n.NetworkConnected(1) // duplicate, no event
	n.NetworkMadeDefault(1)
	n.NetworkMadeDefault(1) // already default, no event
	n.IPAddressChanged()
	n.NetworkDisconnected(1)

	require.Equal(t, []event{
		{kind: "connected", network: 1},
		{kind: "default", network: 1},
		{kind: "ip", network: Invalid},
		{kind: "disconnected", network: 1},
	}, o.events)

	n.Unregister(o)
	n.NetworkConnected(2)
	require.Len(t, o.events, 4)
}

func TestInvalidHandle(t *testing.T) {
	t.Parallel()
	require.False(t, Invalid.Valid())
	require.True(t, Handle(0).Valid())

	n := newTestNotifier(t)
	n.NetworkConnected(Invalid)
	n.NetworkMadeDefault(Invalid)
	require.Empty(t, n.ConnectedNetworks())
	require.Equal(t, Invalid, n.DefaultNetwork())
}
