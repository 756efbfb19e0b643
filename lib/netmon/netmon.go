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

// Package netmon distributes platform network change notifications to the
// components that react to them. Platforms without multi-network support
// report a single network with the [Invalid] handle acting as the "no other
// network" sentinel.
package netmon

import (
	"log/slog"
	"slices"
	"sync"
)

// Handle identifies one platform network. Handles are opaque to this
// package; the platform integration assigns them.
type Handle int64

// Invalid is the sentinel returned when no network matches, e.g. when
// looking for an alternate network on a platform that only has one.
const Invalid Handle = -1

// Valid reports whether h refers to an actual network.
func (h Handle) Valid() bool { return h != Invalid }

// Observer receives network change events. Callbacks are invoked
// synchronously from the notifier in registration order; observers must not
// block.
type Observer interface {
	// OnIPAddressChanged is called when the local address set changed
	// without a per-network event, e.g. on single-network platforms.
	OnIPAddressChanged()
	// OnNetworkConnected is called when a network becomes usable.
	OnNetworkConnected(network Handle)
	// OnNetworkDisconnected is called when a network goes away.
	OnNetworkDisconnected(network Handle)
	// OnNetworkMadeDefault is called when the platform designates a new
	// default network.
	OnNetworkMadeDefault(network Handle)
}

// Lister exposes the platform's current view of connected networks.
type Lister interface {
	// ConnectedNetworks returns the currently connected networks in
	// platform enumeration order.
	ConnectedNetworks() []Handle
	// DefaultNetwork returns the current default network, or [Invalid] if
	// the platform does not report one.
	DefaultNetwork() Handle
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	// Log is the notifier logger.
	Log *slog.Logger
}

func (c *NotifierConfig) checkAndSetDefaults() error {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "netmon")
	return nil
}

// Notifier tracks the connected network set from platform events and fans
// the events out to registered observers. It implements [Lister].
type Notifier struct {
	log *slog.Logger

	mu        sync.Mutex
	observers []Observer
	connected []Handle
	def       Handle
}

// NewNotifier creates a Notifier with no connected networks.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Notifier{
		log: cfg.Log,
		def: Invalid,
	}, nil
}

// Register adds an observer. The observer starts receiving events
// immediately.
func (n *Notifier) Register(o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, o)
}

// Unregister removes a previously registered observer.
func (n *Notifier) Unregister(o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.observers {
		if n.observers[i] == o {
			n.observers = slices.Delete(n.observers, i, i+1)
			return
		}
	}
}

// ConnectedNetworks implements [Lister].
func (n *Notifier) ConnectedNetworks() []Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.connected)
}

// DefaultNetwork implements [Lister].
func (n *Notifier) DefaultNetwork() Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.def
}

func (n *Notifier) snapshotObservers() []Observer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.observers)
}

// NetworkConnected records the network as connected and notifies observers.
// Reporting an already connected network is a no-op.
func (n *Notifier) NetworkConnected(network Handle) {
	if !network.Valid() {
		return
	}
	n.mu.Lock()
	if slices.Contains(n.connected, network) {
		n.mu.Unlock()
		return
	}
	n.connected = append(n.connected, network)
	n.mu.Unlock()

	n.log.Debug("Network connected.", "network", network)
	for _, o := range n.snapshotObservers() {
		o.OnNetworkConnected(network)
	}
}

// NetworkDisconnected removes the network from the connected set and
// notifies observers. The default designation is cleared if it pointed at
// the disconnecting network.
func (n *Notifier) NetworkDisconnected(network Handle) {
	n.mu.Lock()
	i := slices.Index(n.connected, network)
	if i < 0 {
		n.mu.Unlock()
		return
	}
	n.connected = slices.Delete(n.connected, i, i+1)
	if n.def == network {
		n.def = Invalid
	}
	n.mu.Unlock()

	n.log.Debug("Network disconnected.", "network", network)
	for _, o := range n.snapshotObservers() {
		o.OnNetworkDisconnected(network)
	}
}

// NetworkMadeDefault records the new default network and notifies
// observers. An unknown network is added to the connected set first.
func (n *Notifier) NetworkMadeDefault(network Handle) {
	if !network.Valid() {
		return
	}
	n.mu.Lock()
	if !slices.Contains(n.connected, network) {
		n.connected = append(n.connected, network)
	}
	if n.def == network {
		n.mu.Unlock()
		return
	}
	n.def = network
	n.mu.Unlock()

	n.log.Debug("Network made default.", "network", network)
	for _, o := range n.snapshotObservers() {
		o.OnNetworkMadeDefault(network)
	}
}

// IPAddressChanged notifies observers of an address change on platforms
// without per-network events.
func (n *Notifier) IPAddressChanged() {
	n.log.Debug("IP address changed.")
	for _, o := range n.snapshotObservers() {
		o.OnIPAddressChanged()
	}
}

// StaticLister is a fixed [Lister], used by tests and by embedders on
// platforms without network enumeration.
type StaticLister struct {
	// Networks is the connected network list.
	Networks []Handle
	// Default is the default network. Set to [Invalid] when there is none.
	Default Handle
}

// ConnectedNetworks implements [Lister].
func (l StaticLister) ConnectedNetworks() []Handle { return slices.Clone(l.Networks) }

// DefaultNetwork implements [Lister].
func (l StaticLister) DefaultNetwork() Handle { return l.Default }
