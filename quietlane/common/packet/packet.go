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

Package packet parses and serializes IP packets carried through tunnel
channels. Channels move batches of packets packed contiguously into datagram
payloads; ReadNext walks such a buffer, yielding one IPPacket per packet.

Hot path field access (version, addresses, lengths) operates directly on the
wire bytes. Header and transport checksum recomputation, needed after
address rewriting or payload changes, is delegated to gopacket
serialization.

*/
package packet

import (
	"encoding/binary"
	std_errors "errors"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/errors"
)

// ErrMalformedPacket is returned when a buffer does not contain a valid IP
// packet: the header is truncated, or the declared total length exceeds the
// remaining buffer.
var ErrMalformedPacket = std_errors.New("malformed packet")

const (
	ipv4MinHeaderLength = 20
	ipv6HeaderLength    = 40
)

// IPPacket is a parsed IPv4 or IPv6 datagram. An IPPacket owns its backing
// bytes; mutating accessors change the wire bytes in place and callers must
// invoke Update to recompute checksums and length fields afterwards.
type IPPacket struct {
	data []byte
}

// ReadNext reads one IP packet beginning at buf[*idx] and advances *idx by
// the packet's total length. The returned IPPacket copies its bytes out of
// buf, so buf may be reused. Returns ErrMalformedPacket when the header is
// truncated or the declared length exceeds the remaining buffer.
func ReadNext(buf []byte, idx *int) (*IPPacket, error) {

	remaining := buf[*idx:]

	if len(remaining) < 1 {
		return nil, errors.Trace(ErrMalformedPacket)
	}

	var totalLength int

	switch remaining[0] >> 4 {
	case 4:
		if len(remaining) < ipv4MinHeaderLength {
			return nil, errors.Trace(ErrMalformedPacket)
		}
		totalLength = int(binary.BigEndian.Uint16(remaining[2:4]))
		headerLength := int(remaining[0]&0x0F) * 4
		if headerLength < ipv4MinHeaderLength || totalLength < headerLength {
			return nil, errors.Trace(ErrMalformedPacket)
		}
	case 6:
		if len(remaining) < ipv6HeaderLength {
			return nil, errors.Trace(ErrMalformedPacket)
		}
		totalLength = ipv6HeaderLength +
			int(binary.BigEndian.Uint16(remaining[4:6]))
	default:
		return nil, errors.Trace(ErrMalformedPacket)
	}

	if totalLength > len(remaining) {
		return nil, errors.Trace(ErrMalformedPacket)
	}

	data := make([]byte, totalLength)
	copy(data, remaining[:totalLength])
	*idx += totalLength

	return &IPPacket{data: data}, nil
}

// Parse reads the single IP packet at the start of buf.
func Parse(buf []byte) (*IPPacket, error) {
	idx := 0
	p, err := ReadNext(buf, &idx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

// ReadAll reads consecutive IP packets until buf is exhausted.
func ReadAll(buf []byte) ([]*IPPacket, error) {
	var packets []*IPPacket
	idx := 0
	for idx < len(buf) {
		p, err := ReadNext(buf, &idx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// Version returns 4 or 6.
func (p *IPPacket) Version() int {
	return int(p.data[0] >> 4)
}

// Protocol returns the transport protocol: the IPv4 protocol field or the
// IPv6 next header field.
func (p *IPPacket) Protocol() layers.IPProtocol {
	if p.Version() == 4 {
		return layers.IPProtocol(p.data[9])
	}
	return layers.IPProtocol(p.data[6])
}

// Source returns the source address.
func (p *IPPacket) Source() net.IP {
	if p.Version() == 4 {
		return net.IP(p.data[12:16])
	}
	return net.IP(p.data[8:24])
}

// Destination returns the destination address.
func (p *IPPacket) Destination() net.IP {
	if p.Version() == 4 {
		return net.IP(p.data[16:20])
	}
	return net.IP(p.data[24:40])
}

// SetSource overwrites the source address in place. The caller must invoke
// Update before reemitting the packet.
func (p *IPPacket) SetSource(ip net.IP) {
	if p.Version() == 4 {
		copy(p.data[12:16], ip.To4())
	} else {
		copy(p.data[8:24], ip.To16())
	}
}

// SetDestination overwrites the destination address in place. The caller
// must invoke Update before reemitting the packet.
func (p *IPPacket) SetDestination(ip net.IP) {
	if p.Version() == 4 {
		copy(p.data[16:20], ip.To4())
	} else {
		copy(p.data[24:40], ip.To16())
	}
}

// TotalLength returns the full packet length, header included. This always
// equals len(p.Bytes()).
func (p *IPPacket) TotalLength() int {
	return len(p.data)
}

// headerLength returns the IP header length in bytes.
func (p *IPPacket) headerLength() int {
	if p.Version() == 4 {
		return int(p.data[0]&0x0F) * 4
	}
	return ipv6HeaderLength
}

// Payload returns the bytes following the IP header. The slice aliases the
// packet's backing bytes.
func (p *IPPacket) Payload() []byte {
	return p.data[p.headerLength():]
}

// Bytes returns the packet's wire bytes. The slice aliases the packet's
// backing bytes.
func (p *IPPacket) Bytes() []byte {
	return p.data
}

// Clone returns a deep copy whose mutation cannot affect the original.
func (p *IPPacket) Clone() *IPPacket {
	data := make([]byte, len(p.data))
	copy(data, p.data)
	return &IPPacket{data: data}
}

// Update recomputes the IP header checksum and length fields, and the
// transport checksum for TCP, UDP, ICMPv4, and ICMPv6 payloads, reflecting
// any in-place header or payload mutations.
func (p *IPPacket) Update() error {

	var firstLayer gopacket.LayerType
	if p.Version() == 4 {
		firstLayer = layers.LayerTypeIPv4
	} else {
		firstLayer = layers.LayerTypeIPv6
	}

	decoded := gopacket.NewPacket(
		p.data, firstLayer, gopacket.DecodeOptions{NoCopy: true})
	// A decode failure after a TCP or UDP header is in the application
	// payload (for example, non-DNS bytes on port 53); the failed bytes are
	// carried through as raw payload below.
	if decoded.ErrorLayer() != nil && decoded.TransportLayer() == nil {
		return errors.TraceMsg(
			decoded.ErrorLayer().Error(), ErrMalformedPacket.Error())
	}

	networkLayer := decoded.NetworkLayer()
	if networkLayer == nil {
		return errors.Trace(ErrMalformedPacket)
	}

	var serializable []gopacket.SerializableLayer

	for _, decodedLayer := range decoded.Layers() {
		switch typedLayer := decodedLayer.(type) {
		case *layers.IPv4:
			serializable = append(serializable, typedLayer)
		case *layers.IPv6:
			serializable = append(serializable, typedLayer)
		case *layers.TCP:
			err := typedLayer.SetNetworkLayerForChecksum(networkLayer)
			if err != nil {
				return errors.Trace(err)
			}
			serializable = append(serializable, typedLayer)
		case *layers.UDP:
			err := typedLayer.SetNetworkLayerForChecksum(networkLayer)
			if err != nil {
				return errors.Trace(err)
			}
			serializable = append(serializable, typedLayer)
		case *layers.ICMPv4:
			serializable = append(serializable, typedLayer)
		case *layers.ICMPv6:
			err := typedLayer.SetNetworkLayerForChecksum(networkLayer)
			if err != nil {
				return errors.Trace(err)
			}
			serializable = append(serializable, typedLayer)
		case *layers.ICMPv6Echo:
			serializable = append(serializable, typedLayer)
		case *gopacket.Payload:
			serializable = append(serializable, typedLayer)
		case *gopacket.Fragment:
			serializable = append(
				serializable, gopacket.Payload(*typedLayer))
		default:
			serializable = append(
				serializable,
				gopacket.Payload(decodedLayer.LayerContents()))
		}
	}

	buffer := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	err := gopacket.SerializeLayers(buffer, options, serializable...)
	if err != nil {
		return errors.Trace(err)
	}

	serialized := buffer.Bytes()
	p.data = make([]byte, len(serialized))
	copy(p.data, serialized)

	return nil
}
