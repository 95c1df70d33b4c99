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

package pingproxy

import (
	"context"
	"net"
	"time"

	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/errors"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	icmpProtocolIPv4 = 1
	icmpProtocolIPv6 = 58
)

// icmpEchoClient issues native ICMP echoes via an unprivileged datagram
// ICMP socket. One client exists per tunneled source address, isolating
// ICMP identifier spaces between sources.
type icmpEchoClient struct {
	isIPv6 bool
	conn   *icmp.PacketConn
}

// newEchoClient is the echoClient factory; tests override it.
var newEchoClient = func(sourceIP net.IP) (echoClient, error) {

	isIPv6 := sourceIP.To4() == nil

	// The socket is bound to the wildcard address: the tunneled source is
	// not an address of the host. The per-source client still scopes
	// identifier allocation.

	var conn *icmp.PacketConn
	var err error
	if isIPv6 {
		conn, err = icmp.ListenPacket("udp6", "::")
	} else {
		conn, err = icmp.ListenPacket("udp4", "0.0.0.0")
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &icmpEchoClient{isIPv6: isIPv6, conn: conn}, nil
}

// echo sends one Echo Request and blocks until the matching Echo Reply, the
// ctx deadline, or cancellation. The reply payload is returned.
func (client *icmpEchoClient) echo(
	ctx context.Context,
	destination net.IP,
	id, seq int,
	payload []byte) ([]byte, error) {

	var requestType, replyType icmp.Type
	var protocol int
	if client.isIPv6 {
		requestType = ipv6.ICMPTypeEchoRequest
		replyType = ipv6.ICMPTypeEchoReply
		protocol = icmpProtocolIPv6
	} else {
		requestType = ipv4.ICMPTypeEcho
		replyType = ipv4.ICMPTypeEchoReply
		protocol = icmpProtocolIPv4
	}

	message := icmp.Message{
		Type: requestType,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: payload,
		},
	}

	wire, err := message.Marshal(nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	deadline := time.Now().Add(time.Hour)
	if ctxDeadline, ok := ctx.Deadline(); ok {
		deadline = ctxDeadline
	}
	err = client.conn.SetDeadline(deadline)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Unprivileged datagram ICMP sockets take a UDP address form.
	_, err = client.conn.WriteTo(wire, &net.UDPAddr{IP: destination})
	if err != nil {
		return nil, errors.Trace(err)
	}

	buffer := make([]byte, 65536)
	for {

		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}

		n, _, err := client.conn.ReadFrom(buffer)
		if err != nil {
			return nil, errors.Trace(err)
		}

		reply, err := icmp.ParseMessage(protocol, buffer[:n])
		if err != nil {
			// Not a parsable ICMP message; keep waiting.
			continue
		}

		if reply.Type != replyType {
			continue
		}

		replyEcho, ok := reply.Body.(*icmp.Echo)
		if !ok || replyEcho.Seq != seq {
			// A stale reply from an earlier, timed-out echo.
			continue
		}

		// Note: the kernel rewrites the identifier on unprivileged
		// datagram ICMP sockets, so the reply identifier is not matched.

		return replyEcho.Data, nil
	}
}

func (client *icmpEchoClient) close() error {
	return client.conn.Close()
}
