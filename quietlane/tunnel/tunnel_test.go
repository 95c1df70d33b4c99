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

package tunnel_test

import (
	"bytes"
	std_errors "errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/cryptor"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/monotime"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/packet"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/prng"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/udpchannel"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/tunnel"
)

func makeTestPacket(t *testing.T, payloadSize int) *packet.IPPacket {

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("10.9.0.1").To4(),
		DstIP:    net.ParseIP("10.9.0.2").To4(),
	}
	udp := &layers.UDP{SrcPort: 6000, DstPort: 6001}
	err := udp.SetNetworkLayerForChecksum(ip)
	if err != nil {
		t.Fatalf("SetNetworkLayerForChecksum failed: %s", err)
	}

	buffer := gopacket.NewSerializeBuffer()
	err = gopacket.SerializeLayers(
		buffer,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, udp, gopacket.Payload(prng.Bytes(payloadSize)))
	if err != nil {
		t.Fatalf("SerializeLayers failed: %s", err)
	}

	p, err := packet.Parse(buffer.Bytes())
	if err != nil {
		t.Fatalf("Parse failed: %s", err)
	}

	return p
}

type batchCollector struct {
	mutex   sync.Mutex
	packets []*packet.IPPacket
	signal  chan struct{}
}

func newBatchCollector() *batchCollector {
	return &batchCollector{signal: make(chan struct{}, 64)}
}

func (collector *batchCollector) handle(packets []*packet.IPPacket) {
	collector.mutex.Lock()
	collector.packets = append(collector.packets, packets...)
	collector.mutex.Unlock()
	collector.signal <- struct{}{}
}

func (collector *batchCollector) waitForPackets(
	t *testing.T, count int, timeout time.Duration) []*packet.IPPacket {
	deadline := time.After(timeout)
	for {
		collector.mutex.Lock()
		received := len(collector.packets)
		collector.mutex.Unlock()
		if received >= count {
			break
		}
		select {
		case <-collector.signal:
		case <-deadline:
			t.Fatalf("timeout waiting for %d packets", count)
		}
	}
	collector.mutex.Lock()
	defer collector.mutex.Unlock()
	return append([]*packet.IPPacket(nil), collector.packets...)
}

func TestUdpChannelViaTunnel(t *testing.T) {

	sessionKey := prng.Bytes(cryptor.KEY_LENGTH)

	serverConn, err := net.ListenUDP(
		"udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %s", err)
	}
	clientConn, err := net.DialUDP(
		"udp", nil, serverConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP failed: %s", err)
	}

	serverChannel, err := udpchannel.NewUdpChannel(
		&udpchannel.ChannelConfig{
			Conn:       serverConn,
			SessionID:  200,
			SessionKey: sessionKey,
			IsServer:   true,
		})
	if err != nil {
		t.Fatalf("NewUdpChannel failed: %s", err)
	}
	clientChannel, err := udpchannel.NewUdpChannel(
		&udpchannel.ChannelConfig{
			Conn:       clientConn,
			SessionID:  200,
			SessionKey: sessionKey,
		})
	if err != nil {
		t.Fatalf("NewUdpChannel failed: %s", err)
	}

	serverTunnel := tunnel.NewTunnel(&tunnel.Config{})
	clientTunnel := tunnel.NewTunnel(&tunnel.Config{})
	defer serverTunnel.Dispose()
	defer clientTunnel.Dispose()

	serverCollector := newBatchCollector()
	clientCollector := newBatchCollector()
	serverTunnel.SetPacketsReceived(serverCollector.handle)
	clientTunnel.SetPacketsReceived(clientCollector.handle)

	err = serverTunnel.AddChannel(serverChannel)
	if err != nil {
		t.Fatalf("AddChannel failed: %s", err)
	}
	err = clientTunnel.AddChannel(clientChannel)
	if err != nil {
		t.Fatalf("AddChannel failed: %s", err)
	}

	sent := []*packet.IPPacket{
		makeTestPacket(t, 100),
		makeTestPacket(t, 200),
		makeTestPacket(t, 300),
	}

	err = clientTunnel.SendPackets(sent)
	if err != nil {
		t.Fatalf("SendPackets failed: %s", err)
	}

	received := serverCollector.waitForPackets(t, 3, 5*time.Second)

	for i, p := range received {
		if !bytes.Equal(p.Bytes(), sent[i].Bytes()) {
			t.Fatalf("server received packet %d differs", i)
		}
	}

	err = serverTunnel.SendPackets(received)
	if err != nil {
		t.Fatalf("SendPackets failed: %s", err)
	}

	echoed := clientCollector.waitForPackets(t, 3, 5*time.Second)

	for i, p := range echoed {
		if !bytes.Equal(p.Bytes(), sent[i].Bytes()) {
			t.Fatalf("client received packet %d differs", i)
		}
	}

	sentBytes, receivedBytes := clientTunnel.Traffic()
	if sentBytes == 0 || receivedBytes == 0 {
		t.Fatalf("tunnel traffic not counted")
	}
}

func TestNoChannel(t *testing.T) {

	emptyTunnel := tunnel.NewTunnel(&tunnel.Config{})
	defer emptyTunnel.Dispose()

	err := emptyTunnel.SendPackets(
		[]*packet.IPPacket{makeTestPacket(t, 10)})
	if !std_errors.Is(err, tunnel.ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
}

// fakeChannel records sent batches, for testing partitioning and channel
// selection without sockets.
type fakeChannel struct {
	id           string
	budget       int
	mutex        sync.Mutex
	batches      [][]*packet.IPPacket
	lastActivity monotime.Time
	started      bool
	disposed     bool
	traffic      common.Traffic
}

func newFakeChannel(id string, budget int) *fakeChannel {
	return &fakeChannel{
		id:           id,
		budget:       budget,
		lastActivity: monotime.Now(),
	}
}

func (channel *fakeChannel) ChannelID() string { return channel.id }

func (channel *fakeChannel) Start() error {
	channel.started = true
	return nil
}

func (channel *fakeChannel) IsStarted() bool {
	return channel.started && !channel.disposed
}

func (channel *fakeChannel) IsConnected() bool { return true }

func (channel *fakeChannel) SetPacketsReceived(
	handler tunnel.PacketsReceivedHandler) {
}

func (channel *fakeChannel) SendPackets(
	packets []*packet.IPPacket) error {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	channel.batches = append(channel.batches, packets)
	channel.lastActivity = monotime.Now()
	return nil
}

func (channel *fakeChannel) PayloadBudget() int { return channel.budget }

func (channel *fakeChannel) LastActivity() monotime.Time {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	return channel.lastActivity
}

func (channel *fakeChannel) Traffic() *common.Traffic {
	return &channel.traffic
}

func (channel *fakeChannel) Dispose() { channel.disposed = true }

func TestPartitionAndRotation(t *testing.T) {

	first := newFakeChannel("first", 1000)
	second := newFakeChannel("second", 1000)

	testTunnel := tunnel.NewTunnel(&tunnel.Config{})
	defer testTunnel.Dispose()

	err := testTunnel.AddChannel(first)
	if err != nil {
		t.Fatalf("AddChannel failed: %s", err)
	}
	err = testTunnel.AddChannel(second)
	if err != nil {
		t.Fatalf("AddChannel failed: %s", err)
	}

	// 10 packets of ~428 bytes each: batches of at most 2 fit the 1000
	// byte budget, so at least 5 sub-batches are dispatched, rotating
	// across both channels as sends refresh activity.

	var packets []*packet.IPPacket
	for i := 0; i < 10; i++ {
		packets = append(packets, makeTestPacket(t, 400))
	}

	err = testTunnel.SendPackets(packets)
	if err != nil {
		t.Fatalf("SendPackets failed: %s", err)
	}

	firstBatches := len(first.batches)
	secondBatches := len(second.batches)

	if firstBatches == 0 || secondBatches == 0 {
		t.Fatalf(
			"sends not rotated: %d, %d", firstBatches, secondBatches)
	}

	for _, batches := range [][][]*packet.IPPacket{
		first.batches, second.batches} {
		for _, batch := range batches {
			batchSize := 0
			for _, p := range batch {
				batchSize += p.TotalLength()
			}
			if batchSize > 1000 {
				t.Fatalf("batch exceeds budget: %d", batchSize)
			}
		}
	}

	// Disposing the tunnel disposes owned channels.

	testTunnel.Dispose()
	if !first.disposed || !second.disposed {
		t.Fatalf("channels not disposed with tunnel")
	}
}
