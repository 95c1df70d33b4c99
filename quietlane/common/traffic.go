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

package common

import (
	"sync/atomic"
)

// Traffic counts bytes sent and received by a transport component. All
// operations are atomic, making Traffic suitable for concurrent update from
// send paths and receive loops without additional locking.
type Traffic struct {
	sent     int64
	received int64
}

// AddSent adds n to the sent byte count.
func (t *Traffic) AddSent(n int64) {
	atomic.AddInt64(&t.sent, n)
}

// AddReceived adds n to the received byte count.
func (t *Traffic) AddReceived(n int64) {
	atomic.AddInt64(&t.received, n)
}

// Sent returns the total bytes sent.
func (t *Traffic) Sent() int64 {
	return atomic.LoadInt64(&t.sent)
}

// Received returns the total bytes received.
func (t *Traffic) Received() int64 {
	return atomic.LoadInt64(&t.received)
}

// GetMetrics implements the MetricsSource interface.
func (t *Traffic) GetMetrics() LogFields {
	return LogFields{
		"bytes_sent":     t.Sent(),
		"bytes_received": t.Received(),
	}
}
