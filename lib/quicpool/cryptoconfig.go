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
	"crypto/tls"
	"sync"
)

// CryptoConfigHandle keeps one shared crypto configuration alive for as
// long as a job needs it. Multiple concurrent jobs share the same
// underlying configuration; each holds its own handle and closing one does
// not invalidate the others.
type CryptoConfigHandle struct {
	cache *cryptoConfigCache
	key   NetworkAnonymizationKey
	conf  *tls.Config
	once  sync.Once
}

// TLSConfig returns the shared TLS configuration. Callers clone before
// mutating.
func (h *CryptoConfigHandle) TLSConfig() *tls.Config { return h.conf }

// Close releases the handle. Safe to call more than once.
func (h *CryptoConfigHandle) Close() {
	h.once.Do(func() {
		h.cache.release(h.key)
	})
}

type cryptoConfigEntry struct {
	conf *tls.Config
	refs int
}

// cryptoConfigCache holds one crypto configuration per network
// anonymization key, refcounted by outstanding handles. TLS session
// resumption state must not leak across anonymization partitions, hence
// the per-key split.
type cryptoConfigCache struct {
	base *tls.Config

	mu      sync.Mutex
	entries map[NetworkAnonymizationKey]*cryptoConfigEntry
}

func newCryptoConfigCache(base *tls.Config) *cryptoConfigCache {
	if base == nil {
		base = &tls.Config{}
	}
	return &cryptoConfigCache{
		base:    base,
		entries: make(map[NetworkAnonymizationKey]*cryptoConfigEntry),
	}
}

// handle returns a new handle for the configuration partition identified
// by key, creating the partition on first use.
func (c *cryptoConfigCache) handle(key NetworkAnonymizationKey) *CryptoConfigHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		conf := c.base.Clone()
		conf.ClientSessionCache = tls.NewLRUClientSessionCache(0)
		entry = &cryptoConfigEntry{conf: conf}
		c.entries[key] = entry
	}
	entry.refs++

	return &CryptoConfigHandle{
		cache: c,
		key:   key,
		conf:  entry.conf,
	}
}

func (c *cryptoConfigCache) release(key NetworkAnonymizationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(c.entries, key)
	}
}
