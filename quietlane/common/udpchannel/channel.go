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

Package udpchannel implements the encrypted UDP datagram transports of the
tunneling core.

UdpChannel is the legacy framing: one UDP socket per channel and session,
with batches of IP packets encrypted by a position-addressable key stream.
Wire format per datagram:

	client -> server: sessionId(4) | cryptoPos(8) | Enc( sessionId(4) | packet* )
	server -> client:                cryptoPos(8) | Enc( sessionId(4) | packet* )

Enc(X) XORs X with the session key stream at cryptoPos. The repeated
post-cipher session id is an integrity witness: the receiver verifies it
against the expected session id after decryption and drops the datagram on
mismatch. Integers are little-endian.

Client and server derive disjoint key stream subranges: client send
positions start at 0, server send positions at 2^62. A receiver always
decrypts with the position carried by the datagram. Positions advance by
the encrypted byte count per send under a per-direction single-writer
discipline; a Tunnel never issues overlapping sends to the same channel.

UdpChannelTransmitter, in transmitter.go, is the multi-session framing over
one shared socket.

*/
package udpchannel

import (
	"encoding/binary"
	std_errors "errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/quietlane/quietlane-tunnel-core/quietlane/common"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/cryptor"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/errors"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/monotime"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/packet"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/prng"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/tunnel"
)

const (
	DEFAULT_MTU = 1500

	// SERVER_POSITION_BASE is the key stream position where server send
	// positions start, the midpoint of the non-negative 64-bit range.
	// Client send positions start at 0.
	SERVER_POSITION_BASE = int64(1) << 62

	clientHeaderLength = 12
	serverHeaderLength = 8
	innerHeaderLength  = 4

	maxDatagramSize = 65536
)

var (
	// ErrOversized is returned when an outgoing batch exceeds the channel
	// payload budget.
	ErrOversized = std_errors.New("batch exceeds MTU budget")

	// ErrShortWrite is returned when the socket writes fewer bytes than
	// requested.
	ErrShortWrite = std_errors.New("short write")

	// ErrUnauthorized indicates a datagram whose post-decryption session
	// id does not match the expected session id. Such datagrams are
	// dropped and never delivered.
	ErrUnauthorized = std_errors.New("session id mismatch")

	// ErrChannelNotStarted is returned for sends before Start or after
	// Dispose.
	ErrChannelNotStarted = std_errors.New("channel not started")
)

// Channel lifecycle states.
const (
	stateNew int32 = iota
	stateStarted
	stateDisposed
)

// ChannelConfig specifies a UdpChannel configuration.
type ChannelConfig struct {

	// Logger is used for logging events.
	Logger common.Logger

	// Conn is the channel's UDP socket. The channel owns the socket and
	// closes it on disposal. A client passes a connected socket; a
	// server passes a bound socket and the channel learns the remote
	// address from the first valid datagram.
	Conn *net.UDPConn

	// RemoteAddr is the peer address for sends on an unconnected socket.
	// Ignored when Conn is connected. A server may leave this nil.
	RemoteAddr *net.UDPAddr

	// SessionID is the 32-bit legacy session id shared with the peer.
	SessionID uint32

	// SessionKey is the 16-byte AES key defining the session key stream.
	SessionKey []byte

	// IsServer selects the server wire format and key stream position
	// base.
	IsServer bool

	// MTU is the fragmentation-allowed MTU bounding outgoing datagrams.
	// When 0, DEFAULT_MTU is used.
	MTU int
}

// UdpChannel is a legacy-framing channel owning one UDP socket. UdpChannel
// implements tunnel.Channel.
type UdpChannel struct {
	// Note: 64-bit ints used with atomic operations are placed
	// at the start of struct to ensure 64-bit alignment.
	lastActivity int64

	config    *ChannelConfig
	channelID string
	conn      *net.UDPConn
	cryptor   *cryptor.BufferCryptor

	positionBase int64
	headerLength int

	// sendPosition is the accumulated encrypted byte count. Sends are
	// serialized by the owning Tunnel; sendPosition is not locked.
	sendPosition int64

	handler tunnel.PacketsReceivedHandler

	remoteAddrMutex sync.Mutex
	remoteAddr      *net.UDPAddr
	connConnected   bool

	traffic   common.Traffic
	state     int32
	connected int32

	runWaitGroup  *sync.WaitGroup
	stopBroadcast chan struct{}
}

// NewUdpChannel creates a UdpChannel in the New state.
func NewUdpChannel(config *ChannelConfig) (*UdpChannel, error) {

	sessionCryptor, err := cryptor.New(config.SessionKey)
	if err != nil {
		return nil, errors.Trace(err)
	}

	useConfig := *config
	if useConfig.MTU <= 0 {
		useConfig.MTU = DEFAULT_MTU
	}

	channel := &UdpChannel{
		config:        &useConfig,
		channelID:     prng.HexString(8),
		conn:          config.Conn,
		cryptor:       sessionCryptor,
		remoteAddr:    config.RemoteAddr,
		connConnected: config.Conn.RemoteAddr() != nil,
		runWaitGroup:  new(sync.WaitGroup),
		stopBroadcast: make(chan struct{}),
		lastActivity:  int64(monotime.Now()),
	}

	if config.IsServer {
		channel.positionBase = SERVER_POSITION_BASE
		channel.headerLength = serverHeaderLength
	} else {
		channel.positionBase = 0
		channel.headerLength = clientHeaderLength
	}

	return channel, nil
}

// ChannelID implements tunnel.Channel.
func (channel *UdpChannel) ChannelID() string {
	return channel.channelID
}

// SetPacketsReceived implements tunnel.Channel. Must be called before
// Start.
func (channel *UdpChannel) SetPacketsReceived(
	handler tunnel.PacketsReceivedHandler) {
	channel.handler = handler
}

// Start launches the receive loop, transitioning New -> Started.
func (channel *UdpChannel) Start() error {

	if !atomic.CompareAndSwapInt32(&channel.state, stateNew, stateStarted) {
		if atomic.LoadInt32(&channel.state) == stateStarted {
			return nil
		}
		return errors.Trace(ErrChannelNotStarted)
	}

	// A client knows its peer; a server connects on first valid receive.
	if !channel.config.IsServer {
		atomic.StoreInt32(&channel.connected, 1)
	}

	channel.runWaitGroup.Add(1)
	go channel.runReceiver()

	return nil
}

// IsStarted implements tunnel.Channel.
func (channel *UdpChannel) IsStarted() bool {
	return atomic.LoadInt32(&channel.state) == stateStarted
}

// IsConnected implements tunnel.Channel.
func (channel *UdpChannel) IsConnected() bool {
	return atomic.LoadInt32(&channel.connected) != 0
}

// LastActivity implements tunnel.Channel.
func (channel *UdpChannel) LastActivity() monotime.Time {
	return monotime.Time(atomic.LoadInt64(&channel.lastActivity))
}

func (channel *UdpChannel) touch() {
	atomic.StoreInt64(&channel.lastActivity, int64(monotime.Now()))
}

// Traffic implements tunnel.Channel.
func (channel *UdpChannel) Traffic() *common.Traffic {
	return &channel.traffic
}

// PayloadBudget implements tunnel.Channel: the maximum total packet bytes
// per batch.
func (channel *UdpChannel) PayloadBudget() int {
	return channel.config.MTU - channel.headerLength
}

// SendPackets writes one batch of packets as a single datagram. The caller
// guarantees the batch fits the payload budget and that sends on this
// channel do not overlap; the key stream position invariant depends on
// both.
func (channel *UdpChannel) SendPackets(packets []*packet.IPPacket) error {

	if atomic.LoadInt32(&channel.state) != stateStarted {
		return errors.Trace(ErrChannelNotStarted)
	}

	totalSize := 0
	for _, p := range packets {
		totalSize += p.TotalLength()
	}
	if totalSize > channel.PayloadBudget() {
		return errors.Tracef(
			"%w: %d > %d", ErrOversized, totalSize, channel.PayloadBudget())
	}

	buffer := make(
		[]byte, channel.headerLength+innerHeaderLength+totalSize)

	cryptoPos := channel.positionBase + channel.sendPosition

	var encrypted []byte
	if channel.config.IsServer {
		binary.LittleEndian.PutUint64(buffer[0:8], uint64(cryptoPos))
		encrypted = buffer[serverHeaderLength:]
	} else {
		binary.LittleEndian.PutUint32(buffer[0:4], channel.config.SessionID)
		binary.LittleEndian.PutUint64(buffer[4:12], uint64(cryptoPos))
		encrypted = buffer[clientHeaderLength:]
	}

	binary.LittleEndian.PutUint32(
		encrypted[0:innerHeaderLength], channel.config.SessionID)
	offset := innerHeaderLength
	for _, p := range packets {
		offset += copy(encrypted[offset:], p.Bytes())
	}

	channel.cryptor.Cipher(encrypted, cryptoPos)

	written, err := channel.write(buffer)
	if err != nil {
		if isFatalSocketError(err) {
			channel.Dispose()
		}
		return errors.Trace(err)
	}
	if written != len(buffer) {
		return errors.Tracef(
			"%w: %d < %d", ErrShortWrite, written, len(buffer))
	}

	channel.sendPosition += int64(len(encrypted))
	channel.traffic.AddSent(int64(written))
	channel.touch()

	return nil
}

func (channel *UdpChannel) write(buffer []byte) (int, error) {

	if channel.connConnected {
		return channel.conn.Write(buffer)
	}

	channel.remoteAddrMutex.Lock()
	remoteAddr := channel.remoteAddr
	channel.remoteAddrMutex.Unlock()

	if remoteAddr == nil {
		return 0, errors.TraceNew("no remote address")
	}

	return channel.conn.WriteToUDP(buffer, remoteAddr)
}

// runReceiver is the channel's long-running receive loop. Datagrams are
// parsed and decrypted into a pending batch which is emitted when no
// further datagram is immediately available, batching across bursts
// without adding idle latency.
func (channel *UdpChannel) runReceiver() {
	defer channel.runWaitGroup.Done()

	buffer := make([]byte, maxDatagramSize)
	var batch []*packet.IPPacket

	for {

		select {
		case <-channel.stopBroadcast:
			return
		default:
		}

		if len(batch) > 0 {
			// Drain: emit the pending batch as soon as the readable
			// queue is empty.
			channel.conn.SetReadDeadline(time.Now())
		} else {
			channel.conn.SetReadDeadline(time.Time{})
		}

		received, remoteAddr, err := channel.conn.ReadFromUDP(buffer)

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				channel.conn.SetReadDeadline(time.Time{})
				channel.emit(batch)
				batch = nil
				continue
			}
			if isFatalSocketError(err) {
				channel.emit(batch)
				// Dispose waits on this loop; don't deadlock it.
				go channel.Dispose()
				return
			}
			channel.log("transient receive error", err)
			continue
		}

		packets, err := channel.decodeDatagram(buffer[:received], remoteAddr)
		if err != nil {
			// Unauthorized and malformed datagrams are dropped; the
			// loop continues.
			channel.log("datagram dropped", err)
			continue
		}

		channel.traffic.AddReceived(int64(received))
		channel.touch()

		batch = append(batch, packets...)
	}
}

// decodeDatagram parses, decrypts, and verifies one inbound datagram,
// returning its packets.
func (channel *UdpChannel) decodeDatagram(
	datagram []byte, remoteAddr *net.UDPAddr) ([]*packet.IPPacket, error) {

	// The inbound format is the peer's outbound format.
	var inboundHeaderLength int
	if channel.config.IsServer {
		inboundHeaderLength = clientHeaderLength
	} else {
		inboundHeaderLength = serverHeaderLength
	}

	if len(datagram) < inboundHeaderLength+innerHeaderLength {
		return nil, errors.Trace(packet.ErrMalformedPacket)
	}

	var cryptoPos int64
	if channel.config.IsServer {
		outerSessionID := binary.LittleEndian.Uint32(datagram[0:4])
		if outerSessionID != channel.config.SessionID {
			return nil, errors.Trace(ErrUnauthorized)
		}
		cryptoPos = int64(binary.LittleEndian.Uint64(datagram[4:12]))
	} else {
		cryptoPos = int64(binary.LittleEndian.Uint64(datagram[0:8]))
	}

	if cryptoPos < 0 {
		return nil, errors.Trace(ErrUnauthorized)
	}

	encrypted := datagram[inboundHeaderLength:]
	channel.cryptor.Cipher(encrypted, cryptoPos)

	innerSessionID := binary.LittleEndian.Uint32(
		encrypted[0:innerHeaderLength])
	if innerSessionID != channel.config.SessionID {
		return nil, errors.Trace(ErrUnauthorized)
	}

	packets, err := packet.ReadAll(encrypted[innerHeaderLength:])
	if err != nil {
		return nil, errors.Trace(err)
	}

	// First valid datagram connects a server channel and pins the peer
	// address for sends.
	if channel.config.IsServer {
		channel.remoteAddrMutex.Lock()
		channel.remoteAddr = remoteAddr
		channel.remoteAddrMutex.Unlock()
	}
	atomic.StoreInt32(&channel.connected, 1)

	return packets, nil
}

func (channel *UdpChannel) emit(batch []*packet.IPPacket) {
	if len(batch) == 0 || channel.handler == nil {
		return
	}
	channel.handler(batch)
}

func (channel *UdpChannel) log(message string, err error) {
	if channel.config.Logger == nil {
		return
	}
	channel.config.Logger.WithTraceFields(
		common.LogFields{
			"channel_id": channel.channelID,
			"error":      err.Error(),
		}).Warning(message)
}

// Dispose cancels the receive loop, closes the socket, and transitions the
// channel to Disposed. Dispose is idempotent and safe to call from the
// receive loop itself.
func (channel *UdpChannel) Dispose() {

	if atomic.SwapInt32(&channel.state, stateDisposed) == stateDisposed {
		return
	}

	close(channel.stopBroadcast)

	// Closing the socket interrupts a blocked read.
	channel.conn.Close()

	channel.runWaitGroup.Wait()
}

// isFatalSocketError reports whether a socket error indicates the socket
// is unusable, requiring disposal, as opposed to a transient condition.
func isFatalSocketError(err error) bool {
	return std_errors.Is(err, net.ErrClosed) ||
		std_errors.Is(err, os.ErrInvalid) ||
		std_errors.Is(err, syscall.EINVAL)
}
