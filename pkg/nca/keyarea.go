// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/keyset"
)

// KeyArea is the decrypted 4x16-byte key area: one AES-128 key per
// section's potential crypto role (ExeFS/RomFS/Logo/titlekey-like
// auxiliary slots), indexed the same way as Header.EncryptedKeyArea.
type KeyArea [numSections][16]byte

// DecryptKeyArea decrypts h's key area with the KAEK selected by
// h.KeyAreaIndex and h.KeyGeneration (spec.md §4.5 step 7), applicable
// only when the content has no rights id. For NCA0 content whose
// "encrypted" key area is actually already plaintext, the key area is
// returned unchanged instead of garbage-decrypted.
func DecryptKeyArea(h *Header, ks *keyset.Keyset) (KeyArea, error) {
	var area KeyArea
	if h.Format == FormatNca0 {
		flat := make([]byte, 0, numSections*keyAreaEntrySize)
		for i := range h.EncryptedKeyArea {
			flat = append(flat, h.EncryptedKeyArea[i][:]...)
		}
		if isPlaintextKeyArea(flat) {
			for i := range area {
				copy(area[i][:], h.EncryptedKeyArea[i][:])
			}
			return area, nil
		}
	}

	kaek, err := ks.KAEK(keyset.KAEKIndex(h.KeyAreaIndex), h.KeyGeneration)
	if err != nil {
		return area, err
	}
	for i := range h.EncryptedKeyArea {
		if err := nxcrypto.AESECB(kaek[:], h.EncryptedKeyArea[i][:], area[i][:], false); err != nil {
			return area, err
		}
	}
	return area, nil
}
