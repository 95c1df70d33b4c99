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

Package chunkstream implements a length-delimited framing over a reliable
byte transport that allows the logical stream to be terminated in-band and
the transport to be reused for a fresh logical stream without reconnecting.

Wire layout:

	chunk      := len(4, little-endian signed) | bytes(len)
	stream     := chunk* terminator
	terminator := chunk with len == 0, followed by a 16-byte nonce

The nonce written after the terminator is the secret of the next logical
stream on the same transport. Reuse is bilateral: each peer writes its own
terminator and nonce and reads the peer's, then constructs a fresh
ChunkStream bound to the same transport. The prior instance is closed and
all further I/O on it fails. Reuse may be performed an unbounded number of
times.

ChunkStream supports one concurrent reader and one concurrent writer, the
way a net.Conn does.

*/
package chunkstream

import (
	"context"
	"encoding/binary"
	std_errors "errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quietlane/quietlane-tunnel-core/quietlane/common"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/errors"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/prng"
)

const (
	// SECRET_LENGTH is the length of the per-stream secret and of the reuse
	// nonce carried after the terminator chunk.
	SECRET_LENGTH = 16

	// MAX_CHUNK_SIZE bounds the length field of a received chunk. Longer
	// chunks, and negative lengths, are malformed.
	MAX_CHUNK_SIZE = 16 * 1024 * 1024

	headerSize = 4
)

var (
	// ErrStreamClosed is returned for any I/O on a closed or superseded
	// ChunkStream.
	ErrStreamClosed = std_errors.New("stream closed")

	// ErrMalformedFrame is returned when a received chunk header is invalid.
	// The stream is failed and closed.
	ErrMalformedFrame = std_errors.New("malformed frame")
)

// ChunkStream is one logical, length-delimited stream bound to a reliable
// byte transport.
type ChunkStream struct {
	streamID  string
	secret    [SECRET_LENGTH]byte
	transport io.ReadWriteCloser

	closed int32

	readMutex     sync.Mutex
	readRemaining int
	finished      bool
	peerSecret    [SECRET_LENGTH]byte
	readNonce     bool

	writeMutex      sync.Mutex
	wroteChunkCount int64
	wroteTerminator bool
	nextSecret      [SECRET_LENGTH]byte
}

// New creates a ChunkStream over the given transport. The secret identifies
// this logical stream; pass the nonce obtained from the reuse handshake, or
// nil for an initial stream, in which case a random secret is assigned.
func New(transport io.ReadWriteCloser, secret []byte) (*ChunkStream, error) {

	stream := &ChunkStream{
		streamID:  prng.HexString(8),
		transport: transport,
	}

	if secret == nil {
		randomSecret, err := common.MakeSecureRandomBytes(SECRET_LENGTH)
		if err != nil {
			return nil, errors.Trace(err)
		}
		secret = randomSecret
	}
	if len(secret) != SECRET_LENGTH {
		return nil, errors.Tracef("invalid secret length: %d", len(secret))
	}
	copy(stream.secret[:], secret)

	return stream, nil
}

// StreamID returns the unique identifier of this logical stream.
func (stream *ChunkStream) StreamID() string {
	return stream.streamID
}

// Secret returns the stream secret.
func (stream *ChunkStream) Secret() []byte {
	secret := make([]byte, SECRET_LENGTH)
	copy(secret, stream.secret[:])
	return secret
}

// WroteChunkCount returns the number of chunks written, including the
// terminator chunk once written.
func (stream *ChunkStream) WroteChunkCount() int64 {
	stream.writeMutex.Lock()
	defer stream.writeMutex.Unlock()
	return stream.wroteChunkCount
}

// Finished indicates whether the read side has observed the terminator.
func (stream *ChunkStream) Finished() bool {
	stream.readMutex.Lock()
	defer stream.readMutex.Unlock()
	return stream.finished
}

// CanReuse indicates whether this instance may still negotiate transport
// reuse. Closed and superseded instances cannot.
func (stream *ChunkStream) CanReuse() bool {
	return atomic.LoadInt32(&stream.closed) == 0
}

func (stream *ChunkStream) isClosed() bool {
	return atomic.LoadInt32(&stream.closed) != 0
}

// Read reads stream bytes, transparently removing chunk framing. Read
// honors arbitrary caller buffer sizes; a chunk may be consumed across
// multiple partial reads. Once the terminator is observed Read returns
// io.EOF.
func (stream *ChunkStream) Read(p []byte) (int, error) {

	if stream.isClosed() {
		return 0, errors.Trace(ErrStreamClosed)
	}

	stream.readMutex.Lock()
	defer stream.readMutex.Unlock()

	if stream.finished {
		return 0, io.EOF
	}

	if stream.readRemaining == 0 {
		chunkLength, err := stream.readChunkHeader()
		if err != nil {
			return 0, errors.Trace(err)
		}
		if chunkLength == 0 {
			stream.finished = true
			return 0, io.EOF
		}
		stream.readRemaining = chunkLength
	}

	if len(p) > stream.readRemaining {
		p = p[:stream.readRemaining]
	}

	n, err := stream.transport.Read(p)
	stream.readRemaining -= n
	if err != nil {
		return n, errors.Trace(err)
	}

	return n, nil
}

// readChunkHeader reads and validates one 4-byte chunk length. A malformed
// length fails and closes the stream.
func (stream *ChunkStream) readChunkHeader() (int, error) {

	var header [headerSize]byte
	_, err := io.ReadFull(stream.transport, header[:])
	if err != nil {
		return 0, errors.Trace(err)
	}

	chunkLength := int32(binary.LittleEndian.Uint32(header[:]))
	if chunkLength < 0 || chunkLength > MAX_CHUNK_SIZE {
		stream.close(true)
		return 0, errors.Tracef(
			"%w: chunk length %d", ErrMalformedFrame, chunkLength)
	}

	return int(chunkLength), nil
}

// Write emits one chunk containing p.
func (stream *ChunkStream) Write(p []byte) (int, error) {

	if stream.isClosed() {
		return 0, errors.Trace(ErrStreamClosed)
	}

	stream.writeMutex.Lock()
	defer stream.writeMutex.Unlock()

	if stream.wroteTerminator {
		return 0, errors.Trace(ErrStreamClosed)
	}

	// The header and payload are emitted in a single transport write; with
	// a TCP transport this avoids a small-segment header write per chunk.

	buffer := make([]byte, headerSize+len(p))
	binary.LittleEndian.PutUint32(buffer, uint32(len(p)))
	copy(buffer[headerSize:], p)

	_, err := stream.transport.Write(buffer)
	if err != nil {
		return 0, errors.Trace(err)
	}

	stream.wroteChunkCount += 1

	return len(p), nil
}

// WriteTerminator emits the zero-length terminator chunk followed by a
// fresh random nonce, the secret of the next logical stream. It is safe to
// call WriteTerminator more than once; only the first call writes.
func (stream *ChunkStream) WriteTerminator() error {

	if stream.isClosed() {
		return errors.Trace(ErrStreamClosed)
	}

	stream.writeMutex.Lock()
	defer stream.writeMutex.Unlock()

	if stream.wroteTerminator {
		return nil
	}

	nonce, err := common.MakeSecureRandomBytes(SECRET_LENGTH)
	if err != nil {
		return errors.Trace(err)
	}
	copy(stream.nextSecret[:], nonce)

	buffer := make([]byte, headerSize+SECRET_LENGTH)
	copy(buffer[headerSize:], nonce)

	_, err = stream.transport.Write(buffer)
	if err != nil {
		return errors.Trace(err)
	}

	stream.wroteTerminator = true
	stream.wroteChunkCount += 1

	return nil
}

// CreateReuse negotiates transport reuse and returns a fresh ChunkStream
// bound to the same transport. The local terminator and nonce are written
// if not already written; the incoming stream is drained through its
// terminator and the peer nonce is read and becomes the new stream's
// secret. This instance is closed without closing the transport and all
// further I/O on it fails.
//
// The ctx deadline, when present, is applied to the transport if it
// supports deadlines.
func (stream *ChunkStream) CreateReuse(
	ctx context.Context) (*ChunkStream, error) {

	if stream.isClosed() {
		return nil, errors.Trace(ErrStreamClosed)
	}

	type deadlineSetter interface {
		SetDeadline(t time.Time) error
	}
	if deadline, ok := ctx.Deadline(); ok {
		if setter, ok := stream.transport.(deadlineSetter); ok {
			err := setter.SetDeadline(deadline)
			if err != nil {
				return nil, errors.Trace(err)
			}
			defer setter.SetDeadline(time.Time{})
		}
	}

	err := stream.WriteTerminator()
	if err != nil {
		return nil, errors.Trace(err)
	}

	peerSecret, err := stream.readReuseNonce()
	if err != nil {
		return nil, errors.Trace(err)
	}

	// The old instance must not advance the transport beyond the handshake
	// bytes; marking it closed before constructing the successor guarantees
	// this.

	stream.close(false)

	newStream, err := New(stream.transport, peerSecret)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return newStream, nil
}

// readReuseNonce drains the incoming stream through its terminator, then
// reads the peer's 16-byte reuse nonce.
func (stream *ChunkStream) readReuseNonce() ([]byte, error) {

	stream.readMutex.Lock()
	defer stream.readMutex.Unlock()

	discard := make([]byte, 4096)
	for !stream.finished {

		if stream.readRemaining == 0 {
			chunkLength, err := stream.readChunkHeader()
			if err != nil {
				return nil, errors.Trace(err)
			}
			if chunkLength == 0 {
				stream.finished = true
				break
			}
			stream.readRemaining = chunkLength
		}

		n := stream.readRemaining
		if n > len(discard) {
			n = len(discard)
		}
		read, err := stream.transport.Read(discard[:n])
		stream.readRemaining -= read
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	if !stream.readNonce {
		_, err := io.ReadFull(stream.transport, stream.peerSecret[:])
		if err != nil {
			return nil, errors.Trace(err)
		}
		stream.readNonce = true
	}

	return stream.peerSecret[:], nil
}

func (stream *ChunkStream) close(closeTransport bool) error {
	if !atomic.CompareAndSwapInt32(&stream.closed, 0, 1) {
		return nil
	}
	if closeTransport {
		return stream.transport.Close()
	}
	return nil
}

// Close closes the stream and the underlying transport. For a graceful
// close, call WriteTerminator first; an abrupt close omits the terminator.
// Close is idempotent.
func (stream *ChunkStream) Close() error {
	return stream.close(true)
}

// Conn adapts a ChunkStream and its originating net.Conn so a ChunkStream
// can stand in where a net.Conn is expected, with framing applied to Read
// and Write.
type Conn struct {
	net.Conn
	stream *ChunkStream
}

// NewConn creates a framed Conn over conn. The secret semantics match New.
func NewConn(conn net.Conn, secret []byte) (*Conn, error) {
	stream, err := New(conn, secret)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Conn{Conn: conn, stream: stream}, nil
}

// Stream returns the underlying ChunkStream.
func (conn *Conn) Stream() *ChunkStream {
	return conn.stream
}

func (conn *Conn) Read(p []byte) (int, error) {
	return conn.stream.Read(p)
}

func (conn *Conn) Write(p []byte) (int, error) {
	return conn.stream.Write(p)
}

func (conn *Conn) Close() error {
	return conn.stream.Close()
}
