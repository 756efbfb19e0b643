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
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockSkewDetected(t *testing.T) {
	t.Parallel()
	epoch := time.Unix(1700000000, 0)

	tests := []struct {
		name   string
		ticks  time.Duration
		wall   time.Duration
		expect bool
	}{
		{
			name:   "clocks advance together",
			ticks:  5 * time.Second,
			wall:   5 * time.Second,
			expect: false,
		},
		{
			name:   "wall ahead under threshold",
			ticks:  5 * time.Second,
			wall:   5*time.Second + 999*time.Millisecond,
			expect: false,
		},
		{
			name:   "wall ahead at threshold",
			ticks:  5 * time.Second,
			wall:   6 * time.Second,
			expect: true,
		},
		{
			name:   "wall jumps without monotonic progress",
			ticks:  0,
			wall:   1001 * time.Millisecond,
			expect: true,
		},
		{
			name:   "monotonic ahead of wall",
			ticks:  10 * time.Second,
			wall:   5 * time.Second,
			expect: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := NewSkewDetector(0, epoch)
			require.Equal(t, tc.expect, d.ClockSkewDetected(tc.ticks, epoch.Add(tc.wall)))
		})
	}
}

func TestClockSkewUpdatesBaseline(t *testing.T) {
	t.Parallel()
	epoch := time.Unix(1700000000, 0)
	d := NewSkewDetector(0, epoch)

	// A jump is reported once; the readings become the new baseline even
	// when skew was detected.
	require.True(t, d.ClockSkewDetected(0, epoch.Add(2*time.Second)))
	require.False(t, d.ClockSkewDetected(time.Second, epoch.Add(3*time.Second)))

	// A second independent jump is reported again.
	require.True(t, d.ClockSkewDetected(2*time.Second, epoch.Add(10*time.Second)))
}
