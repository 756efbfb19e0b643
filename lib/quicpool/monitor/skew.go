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
	"time"

	"github.com/gravitational/quicpool/lib/defaults"
)

// SkewDetector detects jumps between wall clock time and monotonic time,
// e.g. an NTP step or a suspend/resume cycle. Handshake timing math based
// on the wall clock is not trustworthy across such a jump.
type SkewDetector struct {
	lastTicks time.Duration
	lastWall  time.Time
}

// NewSkewDetector creates a SkewDetector seeded with the current monotonic
// reading and wall time.
func NewSkewDetector(ticks time.Duration, wall time.Time) *SkewDetector {
	return &SkewDetector{
		lastTicks: ticks,
		lastWall:  wall,
	}
}

// ClockSkewDetected reports whether the wall clock advanced at least
// [defaults.ClockSkewThreshold] more than the monotonic clock since the
// previous call. Both stored readings are updated regardless of the
// outcome.
func (d *SkewDetector) ClockSkewDetected(ticks time.Duration, wall time.Time) bool {
	wallDelta := wall.Sub(d.lastWall)
	ticksDelta := ticks - d.lastTicks
	d.lastTicks = ticks
	d.lastWall = wall
	return wallDelta-ticksDelta >= defaults.ClockSkewThreshold
}
