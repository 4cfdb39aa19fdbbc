package crypto

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"crypto/sha256"
	"encoding/binary"
)

// Hash32 returns the most-significant 32 bits of the SHA-256 digest of s.
// It is used both for hash ring positions and for BAT key hashes, so the
// two sides of the wire must agree on it exactly.
func Hash32(s string) uint32 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint32(sum[:4])
}
