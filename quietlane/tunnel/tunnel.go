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

Package tunnel aggregates one or more encrypted packet channels into a
single packet pipe. Egress batches are partitioned to fit the selected
channel's payload budget and dispatched across usable channels; ingress
batches from every attached channel are re-emitted on the tunnel's own
received handler.

Channel selection prefers connected channels with the oldest last-activity
timestamp. Because a send refreshes the channel's activity, selection
rotates across channels under sustained load.

*/
package tunnel

import (
	std_errors "errors"
	"sync"
	"sync/atomic"

	"github.com/quietlane/quietlane-tunnel-core/quietlane/common"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/errors"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/monotime"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/packet"
	"golang.org/x/sync/errgroup"
)

// ErrNoChannel is returned by SendPackets when no usable channel is
// attached.
var ErrNoChannel = std_errors.New("no usable channel")

// PacketsReceivedHandler receives a batch of ingress packets. Handlers are
// invoked from channel receive loops and must not block; handlers that
// need to do I/O dispatch to their own goroutine.
type PacketsReceivedHandler func(packets []*packet.IPPacket)

// Channel is an encrypted bidirectional transport for batches of IP
// packets. A Channel has exactly one owner after attachment to a Tunnel,
// which disposes it with the tunnel.
type Channel interface {

	// ChannelID returns the channel's unique identifier.
	ChannelID() string

	// Start launches the channel's receive loop. Start is idempotent
	// once started; a disposed channel cannot be restarted.
	Start() error

	// IsStarted indicates whether Start succeeded and the channel is not
	// disposed.
	IsStarted() bool

	// IsConnected indicates whether the channel has a known peer to send
	// to.
	IsConnected() bool

	// SetPacketsReceived registers the single ingress handler. Must be
	// called before Start.
	SetPacketsReceived(handler PacketsReceivedHandler)

	// SendPackets writes one batch of packets as a single datagram. The
	// batch must fit the channel's payload budget.
	SendPackets(packets []*packet.IPPacket) error

	// PayloadBudget returns the maximum total packet bytes per batch.
	PayloadBudget() int

	// LastActivity returns the monotonic time of the last send or
	// receive.
	LastActivity() monotime.Time

	// Traffic returns the channel's byte counters.
	Traffic() *common.Traffic

	// Dispose cancels the receive loop and closes the channel's
	// resources. Dispose is idempotent.
	Dispose()
}

// Config specifies a Tunnel configuration.
type Config struct {

	// Logger is used for logging events.
	Logger common.Logger
}

// Tunnel holds an ordered set of attached channels and presents them to
// the upper layer as a single packet pipe.
type Tunnel struct {
	config *Config

	mutex    sync.Mutex
	channels []Channel
	handler  PacketsReceivedHandler

	disposed int32
}

// NewTunnel creates an empty Tunnel.
func NewTunnel(config *Config) *Tunnel {
	return &Tunnel{
		config: config,
	}
}

// SetPacketsReceived registers the handler re-emitting ingress batches
// from all attached channels. Must be called before AddChannel.
func (tunnel *Tunnel) SetPacketsReceived(handler PacketsReceivedHandler) {
	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()
	tunnel.handler = handler
}

// AddChannel attaches a channel, subscribing to its ingress batches and
// starting it if not already started. The tunnel owns the channel from
// this point and disposes it on tunnel disposal.
func (tunnel *Tunnel) AddChannel(channel Channel) error {

	if atomic.LoadInt32(&tunnel.disposed) != 0 {
		return errors.TraceNew("tunnel disposed")
	}

	// Ingress batches are re-emitted verbatim.
	channel.SetPacketsReceived(func(packets []*packet.IPPacket) {
		tunnel.mutex.Lock()
		handler := tunnel.handler
		tunnel.mutex.Unlock()
		if handler != nil {
			handler(packets)
		}
	})

	if !channel.IsStarted() {
		err := channel.Start()
		if err != nil {
			return errors.Trace(err)
		}
	}

	tunnel.mutex.Lock()
	tunnel.channels = append(tunnel.channels, channel)
	tunnel.mutex.Unlock()

	if tunnel.config.Logger != nil {
		tunnel.config.Logger.WithTraceFields(
			common.LogFields{"channel_id": channel.ChannelID()}).Info(
			"channel attached")
	}

	return nil
}

// selectChannel picks the send channel: connected channels are preferred,
// oldest last-activity first.
func (tunnel *Tunnel) selectChannel() Channel {

	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()

	var selected Channel
	selectedConnected := false

	for _, channel := range tunnel.channels {
		if !channel.IsStarted() {
			continue
		}
		connected := channel.IsConnected()
		better := false
		switch {
		case selected == nil:
			better = true
		case connected != selectedConnected:
			better = connected
		default:
			better = channel.LastActivity() < selected.LastActivity()
		}
		if better {
			selected = channel
			selectedConnected = connected
		}
	}

	return selected
}

// SendPackets partitions the batch into sub-batches no larger than the
// selected channel's payload budget and dispatches them across channels.
// Returns ErrNoChannel when no usable channel is attached.
func (tunnel *Tunnel) SendPackets(packets []*packet.IPPacket) error {

	for len(packets) > 0 {

		channel := tunnel.selectChannel()
		if channel == nil {
			return errors.Trace(ErrNoChannel)
		}

		budget := channel.PayloadBudget()

		batch := packets[:0:0]
		batchSize := 0
		for len(packets) > 0 {
			size := packets[0].TotalLength()
			if len(batch) > 0 && batchSize+size > budget {
				break
			}
			batch = append(batch, packets[0])
			batchSize += size
			packets = packets[1:]
		}

		err := channel.SendPackets(batch)
		if err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

// Traffic sums byte counters across all attached channels.
func (tunnel *Tunnel) Traffic() (sent, received int64) {
	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()
	for _, channel := range tunnel.channels {
		traffic := channel.Traffic()
		sent += traffic.Sent()
		received += traffic.Received()
	}
	return sent, received
}

// Dispose disposes all owned channels. Dispose is idempotent.
func (tunnel *Tunnel) Dispose() {

	if !atomic.CompareAndSwapInt32(&tunnel.disposed, 0, 1) {
		return
	}

	tunnel.mutex.Lock()
	channels := tunnel.channels
	tunnel.channels = nil
	tunnel.mutex.Unlock()

	disposeGroup := new(errgroup.Group)
	for _, channel := range channels {
		channel := channel
		disposeGroup.Go(func() error {
			channel.Dispose()
			return nil
		})
	}
	_ = disposeGroup.Wait()
}
