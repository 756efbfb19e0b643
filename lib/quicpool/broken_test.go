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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/quicpool/lib/defaults"
)

func TestBrokenServiceTracker(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	tracker := NewBrokenServiceTracker(clock)
	id := ServerID{Host: "example.com", Port: 443}

	require.False(t, tracker.WasRecentlyBroken(id))

	tracker.MarkBroken(id)
	require.True(t, tracker.WasRecentlyBroken(id))

	clock.Advance(defaults.BrokenServiceBaseTimeout - time.Second)
	require.True(t, tracker.WasRecentlyBroken(id))

	clock.Advance(2 * time.Second)
	require.False(t, tracker.WasRecentlyBroken(id))
}

func TestBrokenServiceTrackerBackoff(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	tracker := NewBrokenServiceTracker(clock)
	id := ServerID{Host: "example.com", Port: 443}

	// Two consecutive failures double the expiry.
	tracker.MarkBroken(id)
	tracker.MarkBroken(id)
	clock.Advance(defaults.BrokenServiceBaseTimeout + time.Second)
	require.True(t, tracker.WasRecentlyBroken(id))
	clock.Advance(defaults.BrokenServiceBaseTimeout)
	require.False(t, tracker.WasRecentlyBroken(id))
}

func TestBrokenServiceTrackerCap(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	tracker := NewBrokenServiceTracker(clock)
	id := ServerID{Host: "example.com", Port: 443}

	for range 40 {
		tracker.MarkBroken(id)
	}
	clock.Advance(defaults.BrokenServiceMaxTimeout - time.Second)
	require.True(t, tracker.WasRecentlyBroken(id))
	clock.Advance(2 * time.Second)
	require.False(t, tracker.WasRecentlyBroken(id))
}

func TestBrokenServiceTrackerConfirmWorking(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	tracker := NewBrokenServiceTracker(clock)
	id := ServerID{Host: "example.com", Port: 443}

	tracker.MarkBroken(id)
	tracker.ConfirmWorking(id)
	require.False(t, tracker.WasRecentlyBroken(id))

	// The failure history resets too: the next failure starts at the base
	// timeout again.
	tracker.MarkBroken(id)
	clock.Advance(defaults.BrokenServiceBaseTimeout + time.Second)
	require.False(t, tracker.WasRecentlyBroken(id))
}
