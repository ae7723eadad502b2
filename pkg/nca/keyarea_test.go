// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"testing"

	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/keyset"
	"github.com/stretchr/testify/require"
)

func TestDecryptKeyAreaNca3(t *testing.T) {
	ks := testKeyset(t)
	kaek, err := ks.KAEK(keyset.KAEKApplication, 1)
	require.NoError(t, err)

	var plainArea [numSections][16]byte
	for i := range plainArea {
		plainArea[i][0] = byte(i + 1)
	}

	h := &Header{Format: FormatNca3, KeyGeneration: 1, KeyAreaIndex: int(keyset.KAEKApplication)}
	for i := range h.EncryptedKeyArea {
		require.NoError(t, nxcrypto.AESECB(kaek[:], plainArea[i][:], h.EncryptedKeyArea[i][:], true))
	}

	area, err := DecryptKeyArea(h, ks)
	require.NoError(t, err)
	require.Equal(t, KeyArea(plainArea), area)
}

func TestDecryptKeyAreaNca0Plaintext(t *testing.T) {
	ks := testKeyset(t)
	h := &Header{Format: FormatNca0}
	// EncryptedKeyArea left all-zero: hashes to ncaAllZeroKeyAreaHash, so
	// DecryptKeyArea must short-circuit and hand it back untouched
	// instead of garbage-decrypting it with an (absent) KAEK.

	area, err := DecryptKeyArea(h, ks)
	require.NoError(t, err)
	require.Equal(t, KeyArea{}, area)
}

func TestDecryptKeyAreaMissingKaek(t *testing.T) {
	ks := keyset.New()
	var hk [32]byte
	ks.SetHeaderKey(hk)
	h := &Header{Format: FormatNca3, KeyGeneration: 5, KeyAreaIndex: int(keyset.KAEKSystem)}

	_, err := DecryptKeyArea(h, ks)
	require.Error(t, err)
}
