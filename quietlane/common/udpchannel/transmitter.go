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

package udpchannel

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	std_errors "errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quietlane/quietlane-tunnel-core/quietlane/common"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/cryptor"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/errors"
	"golang.org/x/crypto/hkdf"
)

// UdpChannelTransmitter carries many sessions over one shared UDP socket.
// Each datagram has a fixed 32-byte header:
//
//	offset  field            size  encryption
//	0       IV               8     plaintext
//	8       signature "OK"   2     obfuscated
//	10      reserved         6     obfuscated
//	16      sessionId        8     obfuscated
//	24      sessionCryptoPos 8     obfuscated
//	32..    payload          var   encrypted by the session key
//
// Header bytes 8..32 are XORed with a 24-byte key stream produced by the
// server-key cryptor at a position derived from the random per-datagram IV.
// The payload is encrypted separately, by the session key at
// sessionCryptoPos; the transmitter never sees session keys and hands the
// decrypted header metadata plus the still-encrypted payload to the
// session layer.

const (
	TRANSMITTER_HEADER_LENGTH = 32

	ivLength                     = 8
	obfuscatedHeaderLength       = TRANSMITTER_HEADER_LENGTH - ivLength
	obfuscationKeyDerivationSalt = "udp-header-obfuscation"

	// ivPositionMask bounds the key stream position derived from a random
	// IV, keeping position arithmetic within the signed 64-bit range.
	ivPositionMask = int64(1)<<62 - 1
)

// Signature bytes "OK", verified after header deobfuscation.
var headerSignature = [2]byte{0x4F, 0x4B}

// ErrBadSignature indicates a datagram whose deobfuscated signature is not
// "OK". Such datagrams are dropped and the session layer is not invoked.
var ErrBadSignature = std_errors.New("signature mismatch")

// SessionReceiver is the session layer interface invoked on every
// validated datagram. The buffer holds the entire datagram with the
// payload, still encrypted by the session key at cryptoPos, beginning at
// payloadOffset. The receiver owns the buffer.
//
// OnReceiveData is called from the transmitter's receive loop and must not
// block.
type SessionReceiver interface {
	OnReceiveData(
		sessionID uint64,
		remoteAddr *net.UDPAddr,
		cryptoPos int64,
		buffer []byte,
		payloadOffset int)
}

// TransmitterConfig specifies a UdpChannelTransmitter configuration.
type TransmitterConfig struct {

	// Logger is used for logging events.
	Logger common.Logger

	// Conn is the shared UDP socket. The transmitter owns the socket and
	// closes it on disposal.
	Conn *net.UDPConn

	// ServerKey derives the header obfuscation key. Both peers hold the
	// server key; session keys are managed by the session layer.
	ServerKey []byte

	// Receiver is the session layer demultiplexing validated datagrams
	// by session id.
	Receiver SessionReceiver
}

// UdpChannelTransmitter is the shared-socket datagram transmitter.
type UdpChannelTransmitter struct {
	config        *TransmitterConfig
	conn          *net.UDPConn
	headerCryptor *cryptor.BufferCryptor

	// sendMutex serializes send buffer composition, IV generation, and
	// the socket write, preventing IV interleaving and partial writes
	// across concurrent senders.
	sendMutex  sync.Mutex
	sendBuffer []byte

	traffic common.Traffic
	closed  int32

	runWaitGroup *sync.WaitGroup
}

// NewUdpChannelTransmitter creates a transmitter and starts its receive
// loop.
func NewUdpChannelTransmitter(
	config *TransmitterConfig) (*UdpChannelTransmitter, error) {

	// The obfuscation key is derived from the server key, so the header
	// format carries no bytes of the server key itself.
	obfuscationKey := make([]byte, cryptor.KEY_LENGTH)
	_, err := io.ReadFull(
		hkdf.New(
			sha256.New,
			config.ServerKey,
			[]byte(obfuscationKeyDerivationSalt),
			nil),
		obfuscationKey)
	if err != nil {
		return nil, errors.Trace(err)
	}

	headerCryptor, err := cryptor.New(obfuscationKey)
	if err != nil {
		return nil, errors.Trace(err)
	}

	transmitter := &UdpChannelTransmitter{
		config:        config,
		conn:          config.Conn,
		headerCryptor: headerCryptor,
		sendBuffer:    make([]byte, maxDatagramSize),
		runWaitGroup:  new(sync.WaitGroup),
	}

	transmitter.runWaitGroup.Add(1)
	go transmitter.runReceiver()

	return transmitter, nil
}

// ivPosition derives the header key stream position from wire IV bytes.
func ivPosition(iv []byte) int64 {
	return int64(binary.LittleEndian.Uint64(iv)) & ivPositionMask
}

// SendTo writes one datagram carrying a session payload already encrypted
// by the session key at sessionCryptoPos. remoteAddr may be nil when the
// socket is connected. Concurrent SendTo calls are serialized.
func (transmitter *UdpChannelTransmitter) SendTo(
	remoteAddr *net.UDPAddr,
	sessionID uint64,
	sessionCryptoPos int64,
	payload []byte) error {

	if atomic.LoadInt32(&transmitter.closed) != 0 {
		return errors.Trace(net.ErrClosed)
	}

	transmitter.sendMutex.Lock()
	defer transmitter.sendMutex.Unlock()

	datagramSize := TRANSMITTER_HEADER_LENGTH + len(payload)
	if datagramSize > len(transmitter.sendBuffer) {
		return errors.Tracef(
			"%w: %d > %d",
			ErrOversized, datagramSize, len(transmitter.sendBuffer))
	}

	buffer := transmitter.sendBuffer[:datagramSize]

	// The IV must be cryptographically random: a repeated IV reuses the
	// header obfuscation key stream.
	_, err := rand.Read(buffer[0:ivLength])
	if err != nil {
		return errors.Trace(err)
	}

	buffer[8] = headerSignature[0]
	buffer[9] = headerSignature[1]
	for i := 10; i < 16; i++ {
		buffer[i] = 0
	}
	binary.LittleEndian.PutUint64(buffer[16:24], sessionID)
	binary.LittleEndian.PutUint64(buffer[24:32], uint64(sessionCryptoPos))

	transmitter.headerCryptor.Cipher(
		buffer[ivLength:TRANSMITTER_HEADER_LENGTH],
		ivPosition(buffer[0:ivLength]))

	copy(buffer[TRANSMITTER_HEADER_LENGTH:], payload)

	var written int
	if remoteAddr != nil {
		written, err = transmitter.conn.WriteToUDP(buffer, remoteAddr)
	} else {
		written, err = transmitter.conn.Write(buffer)
	}
	if err != nil {
		return errors.Trace(err)
	}
	if written != len(buffer) {
		return errors.Tracef(
			"%w: %d < %d", ErrShortWrite, written, len(buffer))
	}

	transmitter.traffic.AddSent(int64(written))

	return nil
}

// Traffic returns the transmitter's byte counters.
func (transmitter *UdpChannelTransmitter) Traffic() *common.Traffic {
	return &transmitter.traffic
}

// runReceiver reads datagrams, deobfuscates and validates headers, and
// forwards validated datagrams to the session layer. Invalid datagrams are
// dropped and the loop continues serving subsequent datagrams.
func (transmitter *UdpChannelTransmitter) runReceiver() {
	defer transmitter.runWaitGroup.Done()

	for {

		// The buffer is handed off to the receiver per datagram.
		buffer := make([]byte, maxDatagramSize)

		received, remoteAddr, err := transmitter.conn.ReadFromUDP(buffer)

		if err != nil {
			if isFatalSocketError(err) {
				go transmitter.Dispose()
				return
			}
			transmitter.log("transient receive error", err)
			continue
		}

		datagram := buffer[:received]

		sessionID, cryptoPos, err := transmitter.decodeHeader(datagram)
		if err != nil {
			transmitter.log("datagram dropped", err)
			continue
		}

		transmitter.traffic.AddReceived(int64(received))

		transmitter.config.Receiver.OnReceiveData(
			sessionID,
			remoteAddr,
			cryptoPos,
			datagram,
			TRANSMITTER_HEADER_LENGTH)
	}
}

// decodeHeader deobfuscates and validates a datagram header in place,
// returning the session id and session key stream position.
func (transmitter *UdpChannelTransmitter) decodeHeader(
	datagram []byte) (uint64, int64, error) {

	if len(datagram) < TRANSMITTER_HEADER_LENGTH {
		return 0, 0, errors.Tracef(
			"%w: truncated header: %d", ErrBadSignature, len(datagram))
	}

	transmitter.headerCryptor.Cipher(
		datagram[ivLength:TRANSMITTER_HEADER_LENGTH],
		ivPosition(datagram[0:ivLength]))

	if datagram[8] != headerSignature[0] ||
		datagram[9] != headerSignature[1] {
		return 0, 0, errors.Trace(ErrBadSignature)
	}

	// Reserved bytes 10..16 are ignored.

	sessionID := binary.LittleEndian.Uint64(datagram[16:24])
	cryptoPos := int64(binary.LittleEndian.Uint64(datagram[24:32]))

	if cryptoPos < 0 {
		return 0, 0, errors.Trace(ErrBadSignature)
	}

	return sessionID, cryptoPos, nil
}

func (transmitter *UdpChannelTransmitter) log(message string, err error) {
	if transmitter.config.Logger == nil {
		return
	}
	transmitter.config.Logger.WithTraceFields(
		common.LogFields{"error": err.Error()}).Warning(message)
}

// Dispose stops the receive loop and closes the shared socket. Dispose is
// idempotent.
func (transmitter *UdpChannelTransmitter) Dispose() {

	if !atomic.CompareAndSwapInt32(&transmitter.closed, 0, 1) {
		return
	}

	transmitter.conn.Close()
	transmitter.runWaitGroup.Wait()
}
