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

Package cryptor implements a position-addressable stream cipher. A
BufferCryptor is keyed with an AES-128 key used in counter mode; the key
defines an infinite key stream and Cipher XORs a buffer with the key stream
starting at an arbitrary byte position.

Because the cipher is CTR-like, any reuse of a (key, position) range breaks
confidentiality. Callers must ensure positions are assigned monotonically per
key stream; channels enforce this with a single-writer discipline per
direction. A BufferCryptor performs no internal locking beyond the
concurrency safety of the underlying AES block cipher.

*/
package cryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/errors"
)

// KEY_LENGTH is the required key size, in bytes.
const KEY_LENGTH = 16

// BufferCryptor is a position-addressable AES-128 CTR key stream.
type BufferCryptor struct {
	block cipher.Block
}

// New creates a BufferCryptor keyed with the given AES-128 key.
func New(key []byte) (*BufferCryptor, error) {
	if len(key) != KEY_LENGTH {
		return nil, errors.Tracef("invalid key length: %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &BufferCryptor{block: block}, nil
}

// Clone returns an independent BufferCryptor over the same key. Each
// direction of a channel owns its own instance.
func (c *BufferCryptor) Clone() *BufferCryptor {
	return &BufferCryptor{block: c.block}
}

// Cipher XORs buf with the key stream starting at byte position. Encryption
// and decryption are the same operation; decrypting requires the exact
// position used to encrypt.
//
// A negative position, or a position whose range wraps the signed 64-bit
// space, is a programming error and panics.
func (c *BufferCryptor) Cipher(buf []byte, position int64) {

	if position < 0 {
		panic(fmt.Sprintf("invalid key stream position: %d", position))
	}
	if position > math.MaxInt64-int64(len(buf)) {
		panic(fmt.Sprintf(
			"key stream position wraps: %d + %d", position, len(buf)))
	}

	if len(buf) == 0 {
		return
	}

	// The CTR counter block is the big-endian block index of the position;
	// a partial leading block is skipped by discarding key stream bytes.

	var counter [aes.BlockSize]byte
	binary.BigEndian.PutUint64(
		counter[aes.BlockSize-8:], uint64(position)/aes.BlockSize)

	stream := cipher.NewCTR(c.block, counter[:])

	skip := int(uint64(position) % aes.BlockSize)
	if skip > 0 {
		var discard [aes.BlockSize]byte
		stream.XORKeyStream(discard[:skip], discard[:skip])
	}

	stream.XORKeyStream(buf, buf)
}
