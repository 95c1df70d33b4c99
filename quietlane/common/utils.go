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

package common

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/quietlane/quietlane-tunnel-core/quietlane/common/errors"
)

// MakeSecureRandomBytes is a helper function that wraps crypto/rand.Read.
func MakeSecureRandomBytes(length int) ([]byte, error) {
	randomBytes := make([]byte, length)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return randomBytes, nil
}

// MakeSecureRandomStringHex returns a hex encoded random string.
// byteLength specifies the pre-encoded data length.
func MakeSecureRandomStringHex(byteLength int) (string, error) {
	b, err := MakeSecureRandomBytes(byteLength)
	if err != nil {
		return "", errors.Trace(err)
	}
	return hex.EncodeToString(b), nil
}
