// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keyset loads the flat key-value material a host key file (or a
// captured system-program memory snapshot, see pkg/procmem) provides and
// exposes the three lookups the content pipeline needs: the header key,
// per-generation KAEKs and titleke(k)s. It is read-only once loaded,
// mirroring the teacher's KeySet container in pkg/amd/psb/keyset.go: a
// flat map built once, queried many times, never mutated after load.
package keyset

import (
	"encoding/hex"
	"fmt"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// MaxKeyGeneration is the highest key-generation index the pipeline
// understands (spec.md §4.2: generation ∈ 0..32).
const MaxKeyGeneration = 32

// KAEKIndex selects which of the three key-area-encryption-key families
// to use; the CA header's KAEK selector picks one directly.
type KAEKIndex int

const (
	KAEKApplication KAEKIndex = 0
	KAEKOcean       KAEKIndex = 1
	KAEKSystem      KAEKIndex = 2
)

// Keyset is the immutable, process-wide table of cryptographic key
// material produced from a host key file and/or a runtime memory dump.
type Keyset struct {
	headerKey [32]byte
	hasHeader bool

	kaek     map[KAEKIndex]map[int][16]byte
	titlekek map[int][16]byte

	// eticketRSAKek is used to unwrap the personalized eticket RSA
	// device key from the calibration partition blob (spec.md §4.3).
	eticketRSAKek [16]byte
	hasETicketKek bool
}

// New returns an empty Keyset; entries are added with the Set* methods,
// typically by a loader that parses a host key file.
func New() *Keyset {
	return &Keyset{
		kaek:     make(map[KAEKIndex]map[int][16]byte),
		titlekek: make(map[int][16]byte),
	}
}

// SetHeaderKey installs the 32-byte header key (split into two 16-byte
// XTS subkeys by HeaderKeys).
func (k *Keyset) SetHeaderKey(key [32]byte) { k.headerKey = key; k.hasHeader = true }

// SetKAEK installs a per-generation key-area encryption key.
func (k *Keyset) SetKAEK(index KAEKIndex, generation int, key [16]byte) {
	if k.kaek[index] == nil {
		k.kaek[index] = make(map[int][16]byte)
	}
	k.kaek[index][generation] = key
}

// SetTitlekek installs a per-generation titlekey-decryption key.
func (k *Keyset) SetTitlekek(generation int, key [16]byte) { k.titlekek[generation] = key }

// SetETicketRSAKek installs the key used to unwrap the eticket device key.
func (k *Keyset) SetETicketRSAKek(key [16]byte) { k.eticketRSAKek = key; k.hasETicketKek = true }

// HeaderKey returns the 32-byte NCA header key, split into the two
// 16-byte XTS subkeys callers need for AESXTSCrypt.
func (k *Keyset) HeaderKey() (key1, key2 [16]byte, err error) {
	if !k.hasHeader {
		return key1, key2, &nxerr.MissingKey{Kind: "header_key"}
	}
	copy(key1[:], k.headerKey[:16])
	copy(key2[:], k.headerKey[16:])
	return key1, key2, nil
}

// KAEK returns the key-area encryption key for the given family and
// generation.
func (k *Keyset) KAEK(index KAEKIndex, generation int) ([16]byte, error) {
	if generation < 0 || generation > MaxKeyGeneration {
		return [16]byte{}, &nxerr.UnknownKeygen{Value: generation}
	}
	gens := k.kaek[index]
	key, ok := gens[generation]
	if !ok {
		return [16]byte{}, &nxerr.MissingKey{Kind: "kaek", Index: int(index), Generation: generation}
	}
	return key, nil
}

// Titlekek returns the titlekey-decryption key for the given generation.
func (k *Keyset) Titlekek(generation int) ([16]byte, error) {
	if generation < 0 || generation > MaxKeyGeneration {
		return [16]byte{}, &nxerr.UnknownKeygen{Value: generation}
	}
	key, ok := k.titlekek[generation]
	if !ok {
		return [16]byte{}, &nxerr.MissingKey{Kind: "titlekek", Generation: generation}
	}
	return key, nil
}

// ETicketRSAKek returns the key used to unwrap the eticket device key.
func (k *Keyset) ETicketRSAKek() ([16]byte, error) {
	if !k.hasETicketKek {
		return [16]byte{}, &nxerr.MissingKey{Kind: "eticket_rsa_kek"}
	}
	return k.eticketRSAKek, nil
}

// ParseHexKey decodes a "name = hex" style key-file value into an array
// of length n, the way a host key-file parser would for each line.
func ParseHexKey(value string, n int) ([]byte, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("keyset: invalid hex value %q: %w", value, err)
	}
	if len(raw) != n {
		return nil, fmt.Errorf("keyset: value %q has length %d, want %d", value, len(raw), n)
	}
	return raw, nil
}
