// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package hostdb

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// HashKey returns the credential hash sent within an Authent packet.
func HashKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// ParseKeyHash decodes a hex encoded key hash.
func ParseKeyHash(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key hash: %w", err)
	}
	if len(b) != sha256.Size {
		return nil, fmt.Errorf("invalid key hash length %d", len(b))
	}
	return b, nil
}

// VerifyKeyHash compares two key hashes in constant time. Empty hashes never
// match.
func VerifyKeyHash(expected, presented []byte) bool {
	if len(expected) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(expected, presented) == 1
}
