/*
 * Copyright (c) 2025, Quietlane Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package monotime provides a monotonic clock with an int64 time value, which
is compatible with atomic operations. Activity timestamps that are read and
written from concurrent send paths and receive loops are stored as monotime
values with sync/atomic, avoiding a mutex per tracked component.

*/
package monotime

import (
	"time"
)

// Time is a monotonic clock reading, in nanoseconds elapsed since an
// arbitrary process start point. Time values are comparable only within
// the same process.
type Time int64

var startTime = time.Now()

// Now returns the current monotonic clock reading.
func Now() Time {
	return Time(time.Since(startTime))
}

// Since returns the elapsed time since t.
func Since(t Time) time.Duration {
	return time.Duration(Now() - t)
}

// Add returns the monotonic time t advanced by duration d.
func (t Time) Add(d time.Duration) Time {
	return t + Time(d)
}

// Sub returns the duration t-u.
func (t Time) Sub(u Time) time.Duration {
	return time.Duration(t - u)
}
