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
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gravitational/quicpool/lib/defaults"
)

// BrokenServiceTracker remembers which servers recently failed to speak
// QUIC, so the pool avoids pooling onto them and requires handshake
// confirmation when retrying them.
type BrokenServiceTracker interface {
	// WasRecentlyBroken reports whether the server failed recently enough
	// that its broken mark has not expired.
	WasRecentlyBroken(id ServerID) bool
	// MarkBroken records a failure, extending the expiry exponentially on
	// repeated failures.
	MarkBroken(id ServerID)
	// ConfirmWorking clears the failure history after a confirmed
	// handshake.
	ConfirmWorking(id ServerID)
}

type brokenEntry struct {
	brokenUntil time.Time
	failures    int
}

// brokenTracker is the in-memory BrokenServiceTracker used when the
// embedder does not supply one.
type brokenTracker struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]*brokenEntry
}

// NewBrokenServiceTracker creates an in-memory tracker with exponential
// expiry backoff.
func NewBrokenServiceTracker(clock clockwork.Clock) BrokenServiceTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &brokenTracker{
		clock:   clock,
		entries: make(map[string]*brokenEntry),
	}
}

func (t *brokenTracker) WasRecentlyBroken(id ServerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id.String()]
	return ok && t.clock.Now().Before(entry.brokenUntil)
}

func (t *brokenTracker) MarkBroken(id ServerID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[id.String()]
	if !ok {
		entry = &brokenEntry{}
		t.entries[id.String()] = entry
	}
	entry.failures++

	timeout := defaults.BrokenServiceBaseTimeout << min(entry.failures-1, 16)
	if timeout > defaults.BrokenServiceMaxTimeout {
		timeout = defaults.BrokenServiceMaxTimeout
	}
	entry.brokenUntil = t.clock.Now().Add(timeout)
}

func (t *brokenTracker) ConfirmWorking(id ServerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id.String())
}
