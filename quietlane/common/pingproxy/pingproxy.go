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

Package pingproxy emulates tunneled ICMP Echo Requests using the host
network stack. A PingProxy owns one native ICMP echo client scoped to a
single tunneled source address; a PingProxyPool maintains a bounded,
least-recently-used set of proxies keyed by source address.

An Echo Request handed to a proxy is reissued from the host to the declared
destination. The reply is rebuilt as an IP packet addressed back to the
tunneled source, preserving the ICMP identifier, sequence number, and
payload, and delivered to the registered receiver. Replies may be emitted
out of order relative to requests.

*/
package pingproxy

import (
	"context"
	std_errors "errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/errors"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/monotime"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/packet"
)

const (
	DEFAULT_ICMP_TIMEOUT = 30 * time.Second
)

// ErrNotEchoRequest is returned when a packet handed to a proxy is not an
// ICMP Echo Request.
var ErrNotEchoRequest = std_errors.New("not an ICMP echo request")

// PacketProxyReceiver receives emulated reply packets and endpoint events
// from proxies. OnNewRemoteEndpoint is invoked the first time a proxy sees
// a given (protocol, remote) pair; OnNewEndpoint the first time either the
// local or remote endpoint is seen. The events are informational.
//
// Callbacks may be invoked concurrently from multiple in-flight echoes.
type PacketProxyReceiver interface {
	OnPacketReceived(p *packet.IPPacket) error
	OnNewRemoteEndpoint(protocol layers.IPProtocol, remoteIP net.IP)
	OnNewEndpoint(
		protocol layers.IPProtocol,
		localIP, remoteIP net.IP,
		isNewLocal, isNewRemote bool)
}

// echoClient abstracts the native ICMP echo socket, allowing tests to
// substitute an in-process responder.
type echoClient interface {
	echo(
		ctx context.Context,
		destination net.IP,
		id, seq int,
		payload []byte) ([]byte, error)
	close() error
}

// PingProxy answers tunneled ICMP Echo Requests from a single source
// address by reissuing them from the host network stack.
type PingProxy struct {
	sourceIP net.IP
	client   echoClient
	receiver PacketProxyReceiver
	timeout  time.Duration
	logger   common.Logger

	lastUsed int64

	// echoMutex serializes this proxy's in-flight echoes.
	echoMutex sync.Mutex

	endpointMutex sync.Mutex
	usedLocal     bool
	seenRemotes   map[string]bool

	closed int32
}

// NewPingProxy creates a PingProxy for the given tunneled source address,
// using a native ICMP echo client. newEchoClient may be overridden in
// tests.
func NewPingProxy(
	logger common.Logger,
	receiver PacketProxyReceiver,
	sourceIP net.IP,
	timeout time.Duration) (*PingProxy, error) {

	client, err := newEchoClient(sourceIP)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return newPingProxyWithClient(
		logger, receiver, sourceIP, timeout, client), nil
}

func newPingProxyWithClient(
	logger common.Logger,
	receiver PacketProxyReceiver,
	sourceIP net.IP,
	timeout time.Duration,
	client echoClient) *PingProxy {

	if timeout <= 0 {
		timeout = DEFAULT_ICMP_TIMEOUT
	}

	return &PingProxy{
		sourceIP:    sourceIP,
		client:      client,
		receiver:    receiver,
		timeout:     timeout,
		logger:      logger,
		lastUsed:    int64(monotime.Now()),
		seenRemotes: make(map[string]bool),
	}
}

// LastUsed returns the monotonic time of the most recent SendPacket.
func (proxy *PingProxy) LastUsed() monotime.Time {
	return monotime.Time(atomic.LoadInt64(&proxy.lastUsed))
}

func (proxy *PingProxy) touch() {
	atomic.StoreInt64(&proxy.lastUsed, int64(monotime.Now()))
}

func (proxy *PingProxy) isClosed() bool {
	return atomic.LoadInt32(&proxy.closed) != 0
}

// SendPacket emulates one ICMP Echo Request. The call blocks for up to the
// configured timeout waiting for the host echo reply; callers that must not
// block dispatch SendPacket on its own goroutine, as PingProxyPool does.
// The emulated reply is handed to the receiver, not returned.
func (proxy *PingProxy) SendPacket(
	ctx context.Context, p *packet.IPPacket) error {

	if proxy.isClosed() {
		return errors.TraceNew("proxy closed")
	}

	proxy.touch()

	echoRequest, err := parseEchoRequest(p)
	if err != nil {
		return errors.Trace(err)
	}

	proxy.reportEndpoints(echoRequest)

	ctx, cancel := context.WithTimeout(ctx, proxy.timeout)
	defer cancel()

	// Serialize this proxy's in-flight echoes. Distinct proxies ping
	// concurrently.

	proxy.echoMutex.Lock()
	replyPayload, err := proxy.client.echo(
		ctx,
		echoRequest.destination,
		echoRequest.id,
		echoRequest.seq,
		echoRequest.payload)
	proxy.echoMutex.Unlock()
	if err != nil {
		return errors.Trace(err)
	}

	reply, err := makeEchoReply(echoRequest, replyPayload)
	if err != nil {
		return errors.Trace(err)
	}

	err = proxy.receiver.OnPacketReceived(reply)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func (proxy *PingProxy) reportEndpoints(request *echoRequest) {

	proxy.endpointMutex.Lock()

	isNewLocal := !proxy.usedLocal
	proxy.usedLocal = true

	remoteKey := request.destination.String()
	isNewRemote := !proxy.seenRemotes[remoteKey]
	proxy.seenRemotes[remoteKey] = true

	proxy.endpointMutex.Unlock()

	if isNewRemote {
		proxy.receiver.OnNewRemoteEndpoint(
			request.protocol, request.destination)
	}
	if isNewLocal || isNewRemote {
		proxy.receiver.OnNewEndpoint(
			request.protocol,
			request.source,
			request.destination,
			isNewLocal,
			isNewRemote)
	}
}

// Dispose closes the native echo client. Any in-flight echo fails. Dispose
// is idempotent.
func (proxy *PingProxy) Dispose() {
	if !atomic.CompareAndSwapInt32(&proxy.closed, 0, 1) {
		return
	}
	err := proxy.client.close()
	if err != nil && proxy.logger != nil {
		proxy.logger.WithTraceFields(
			common.LogFields{"error": err.Error()}).Warning(
			"close echo client failed")
	}
}

// echoRequest is a parsed tunneled ICMP Echo Request.
type echoRequest struct {
	protocol    layers.IPProtocol
	source      net.IP
	destination net.IP
	id          int
	seq         int
	payload     []byte
}

func parseEchoRequest(p *packet.IPPacket) (*echoRequest, error) {

	switch p.Version() {

	case 4:
		if p.Protocol() != layers.IPProtocolICMPv4 {
			return nil, errors.Trace(ErrNotEchoRequest)
		}
		decoded := gopacket.NewPacket(
			p.Bytes(), layers.LayerTypeIPv4,
			gopacket.DecodeOptions{NoCopy: true})
		icmpLayer, ok := decoded.Layer(
			layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if !ok || icmpLayer.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
			return nil, errors.Trace(ErrNotEchoRequest)
		}
		return &echoRequest{
			protocol:    layers.IPProtocolICMPv4,
			source:      p.Source(),
			destination: p.Destination(),
			id:          int(icmpLayer.Id),
			seq:         int(icmpLayer.Seq),
			payload:     icmpLayer.LayerPayload(),
		}, nil

	case 6:
		if p.Protocol() != layers.IPProtocolICMPv6 {
			return nil, errors.Trace(ErrNotEchoRequest)
		}
		decoded := gopacket.NewPacket(
			p.Bytes(), layers.LayerTypeIPv6,
			gopacket.DecodeOptions{NoCopy: true})
		icmpLayer, ok := decoded.Layer(
			layers.LayerTypeICMPv6).(*layers.ICMPv6)
		if !ok ||
			icmpLayer.TypeCode.Type() != layers.ICMPv6TypeEchoRequest {
			return nil, errors.Trace(ErrNotEchoRequest)
		}
		echoLayer, ok := decoded.Layer(
			layers.LayerTypeICMPv6Echo).(*layers.ICMPv6Echo)
		if !ok {
			return nil, errors.Trace(ErrNotEchoRequest)
		}
		return &echoRequest{
			protocol:    layers.IPProtocolICMPv6,
			source:      p.Source(),
			destination: p.Destination(),
			id:          int(echoLayer.Identifier),
			seq:         int(echoLayer.SeqNumber),
			payload:     echoLayer.LayerPayload(),
		}, nil
	}

	return nil, errors.Trace(ErrNotEchoRequest)
}

// makeEchoReply builds the emulated reply packet: addresses swapped, type
// Echo Reply, identifier, sequence number, and payload preserved, checksums
// computed.
func makeEchoReply(
	request *echoRequest, replyPayload []byte) (*packet.IPPacket, error) {

	buffer := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	var err error

	if request.protocol == layers.IPProtocolICMPv4 {

		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    request.destination,
			DstIP:    request.source,
		}
		icmp := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(
				layers.ICMPv4TypeEchoReply, 0),
			Id:  uint16(request.id),
			Seq: uint16(request.seq),
		}
		err = gopacket.SerializeLayers(
			buffer, options, ip, icmp, gopacket.Payload(replyPayload))

	} else {

		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolICMPv6,
			SrcIP:      request.destination,
			DstIP:      request.source,
		}
		icmp := &layers.ICMPv6{
			TypeCode: layers.CreateICMPv6TypeCode(
				layers.ICMPv6TypeEchoReply, 0),
		}
		echo := &layers.ICMPv6Echo{
			Identifier: uint16(request.id),
			SeqNumber:  uint16(request.seq),
		}
		serializeErr := icmp.SetNetworkLayerForChecksum(ip)
		if serializeErr != nil {
			return nil, errors.Trace(serializeErr)
		}
		err = gopacket.SerializeLayers(
			buffer, options, ip, icmp, echo, gopacket.Payload(replyPayload))
	}

	if err != nil {
		return nil, errors.Trace(err)
	}

	reply, err := packet.Parse(buffer.Bytes())
	if err != nil {
		return nil, errors.Trace(err)
	}

	return reply, nil
}
