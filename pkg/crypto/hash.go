// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crypto

import (
	"crypto/sha256"
	"hash/crc32"

	"golang.org/x/crypto/sha3"
)

// SHA256 returns the SHA-256 digest of in.
func SHA256(in []byte) [32]byte {
	return sha256.Sum256(in)
}

// SHA3256 returns the SHA3-256 digest of in, used by the HierarchicalSha3256
// and HierarchicalIntegritySha3 hash-type families.
func SHA3256(in []byte) [32]byte {
	return sha3.Sum256(in)
}

// CRC32 returns the IEEE CRC-32 checksum of in, used only by the USB
// host-framing contract (§6), never by filesystem hash validation.
func CRC32(in []byte) uint32 {
	return crc32.ChecksumIEEE(in)
}
