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

package chunkstream

import (
	"bytes"
	"context"
	"encoding/binary"
	std_errors "errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/prng"
)

func startTCPPair(t *testing.T) (net.Conn, net.Conn) {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	defer listener.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		accepted <- acceptResult{conn: conn, err: err}
	}()

	clientConn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %s", err)
	}

	result := <-accepted
	if result.err != nil {
		t.Fatalf("Accept failed: %s", result.err)
	}

	return clientConn, result.conn
}

// echoUntilEOF reads stream bytes and writes them back until the terminator
// is observed.
func echoUntilEOF(stream *ChunkStream) error {
	buffer := make([]byte, 4096)
	for {
		n, err := stream.Read(buffer)
		if n > 0 {
			_, err := stream.Write(buffer[:n])
			if err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func TestTextRoundTripWithReuse(t *testing.T) {

	clientConn, serverConn := startTCPPair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	clientStream, err := New(clientConn, nil)
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}
	serverStream, err := New(serverConn, nil)
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}

	chunks := []string{
		"HelloHelloHelloHelloHello\r\n",
		"Apple1234,AppleApple\r\n",
		"Book009,BookBookBook",
		"550Clock\n\r,ClockClock",
	}

	serverDone := make(chan error, 1)
	go func() {
		// Two logical streams on one transport, with a reuse in between.
		stream := serverStream
		for i := 0; i < 2; i++ {
			err := echoUntilEOF(stream)
			if err != nil {
				serverDone <- err
				return
			}
			if i == 0 {
				ctx, cancel := context.WithTimeout(
					context.Background(), 5*time.Second)
				stream, err = stream.CreateReuse(ctx)
				cancel()
				if err != nil {
					serverDone <- err
					return
				}
			}
		}
		serverDone <- nil
	}()

	stream := clientStream

	for round := 0; round < 2; round++ {

		var expected bytes.Buffer
		for _, chunk := range chunks {
			expected.WriteString(chunk)
		}

		var prefix [4]byte
		binary.LittleEndian.PutUint32(prefix[:], uint32(expected.Len()))
		_, err = stream.Write(prefix[:])
		if err != nil {
			t.Fatalf("Write failed: %s", err)
		}

		for _, chunk := range chunks {
			_, err = stream.Write([]byte(chunk))
			if err != nil {
				t.Fatalf("Write failed: %s", err)
			}
		}

		if stream.WroteChunkCount() != 5 {
			t.Fatalf(
				"unexpected chunk count: %d", stream.WroteChunkCount())
		}

		// The server echoes the prefix chunk too; reassemble and compare.

		echoed := make([]byte, 4+expected.Len())
		_, err = io.ReadFull(stream, echoed)
		if err != nil {
			t.Fatalf("ReadFull failed: %s", err)
		}

		echoedLength := binary.LittleEndian.Uint32(echoed[0:4])
		if int(echoedLength) != expected.Len() {
			t.Fatalf("unexpected echoed length: %d", echoedLength)
		}
		if !bytes.Equal(echoed[4:], expected.Bytes()) {
			t.Fatalf("echoed bytes differ")
		}

		if round == 0 {

			ctx, cancel := context.WithTimeout(
				context.Background(), 5*time.Second)
			newStream, err := stream.CreateReuse(ctx)
			cancel()
			if err != nil {
				t.Fatalf("CreateReuse failed: %s", err)
			}

			if stream.CanReuse() {
				t.Fatalf("superseded stream still reusable")
			}
			_, err = stream.Write([]byte("data"))
			if !std_errors.Is(err, ErrStreamClosed) {
				t.Fatalf("expected ErrStreamClosed, got %v", err)
			}
			_, err = stream.Read(make([]byte, 1))
			if !std_errors.Is(err, ErrStreamClosed) {
				t.Fatalf("expected ErrStreamClosed, got %v", err)
			}

			stream = newStream
		}
	}

	err = stream.WriteTerminator()
	if err != nil {
		t.Fatalf("WriteTerminator failed: %s", err)
	}
	err = stream.Close()
	if err != nil {
		t.Fatalf("Close failed: %s", err)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server worker failed: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server worker did not complete")
	}
}

func TestBinaryLargeBuffer(t *testing.T) {

	clientConn, serverConn := startTCPPair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	clientStream, err := New(clientConn, nil)
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}
	serverStream, err := New(serverConn, nil)
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}

	payload := prng.Bytes(10*1024*1024 + 2000)

	serverDone := make(chan error, 1)
	go func() {
		err := echoUntilEOF(serverStream)
		if err == nil {
			err = serverStream.WriteTerminator()
		}
		serverDone <- err
	}()

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	_, err = clientStream.Write(prefix[:])
	if err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	// The payload exceeds the socket buffers, so it is written while the
	// echo is read concurrently.
	writeErrors := make(chan error, 2)
	go func() {
		_, err := clientStream.Write(payload)
		writeErrors <- err
		writeErrors <- clientStream.WriteTerminator()
	}()

	echoed := make([]byte, 4+len(payload))
	_, err = io.ReadFull(clientStream, echoed)
	if err != nil {
		t.Fatalf("ReadFull failed: %s", err)
	}

	err = <-writeErrors
	if err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	err = <-writeErrors
	if err != nil {
		t.Fatalf("WriteTerminator failed: %s", err)
	}

	if !bytes.Equal(echoed[4:], payload) {
		t.Fatalf("echoed bytes differ")
	}

	// The next read observes the terminator.

	n, err := clientStream.Read(make([]byte, 1))
	if n != 0 || err != io.EOF {
		t.Fatalf("expected EOF, got %d, %v", n, err)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server worker failed: %s", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server worker did not complete")
	}
}

func TestMalformedFrame(t *testing.T) {

	clientConn, serverConn := startTCPPair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	stream, err := New(serverConn, nil)
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}

	// A negative length, little-endian.
	_, err = clientConn.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	_, err = stream.Read(make([]byte, 16))
	if !std_errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}

	// The stream failed closed.

	_, err = stream.Read(make([]byte, 16))
	if !std_errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestConnAdapter(t *testing.T) {

	clientConn, serverConn := startTCPPair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	client, err := NewConn(clientConn, nil)
	if err != nil {
		t.Fatalf("NewConn failed: %s", err)
	}
	server, err := NewConn(serverConn, nil)
	if err != nil {
		t.Fatalf("NewConn failed: %s", err)
	}

	message := []byte("framed message")

	_, err = client.Write(message)
	if err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	received := make([]byte, len(message))
	_, err = io.ReadFull(server, received)
	if err != nil {
		t.Fatalf("ReadFull failed: %s", err)
	}

	if !bytes.Equal(received, message) {
		t.Fatalf("received bytes differ")
	}
}
