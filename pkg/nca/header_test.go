// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"encoding/binary"
	"testing"

	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/keyset"
	"github.com/stretchr/testify/require"
)

func testKeyset(t *testing.T) *keyset.Keyset {
	t.Helper()
	ks := keyset.New()
	var headerKey [32]byte
	for i := range headerKey {
		headerKey[i] = byte(i)
	}
	ks.SetHeaderKey(headerKey)
	for gen := 0; gen <= 2; gen++ {
		var key [16]byte
		key[0] = byte(0x10 + gen)
		ks.SetKAEK(keyset.KAEKApplication, gen, key)
	}
	return ks
}

// buildEncryptedHeader constructs a NCA3 main header with the given
// plaintext field values, XTS-encrypts it with ks's header key, and
// returns the 0x400-byte encrypted result ready for ParseHeader.
func buildEncryptedHeader(t *testing.T, ks *keyset.Keyset, magic [4]byte, keyGen, keyAreaIndex byte, sections [numSections]SectionEntry, keyArea [numSections][16]byte) []byte {
	t.Helper()
	plain := make([]byte, HeaderSize)
	copy(plain[offMagic:], magic[:])
	plain[offKeyGeneration] = keyGen
	plain[offKeyAreaIndex] = keyAreaIndex
	binary.LittleEndian.PutUint64(plain[offContentSize:], 0x100000)
	binary.LittleEndian.PutUint64(plain[offProgramID:], 0x0100000000010000)
	for i := 0; i < numSections; i++ {
		off := offSectionEntries + i*sectionEntrySize
		binary.LittleEndian.PutUint32(plain[off:], sections[i].MediaStartOffset)
		binary.LittleEndian.PutUint32(plain[off+4:], sections[i].MediaEndOffset)
		copy(plain[offKeyArea+i*keyAreaEntrySize:], keyArea[i][:])
		hash := nxcrypto.SHA256([]byte("section-header-placeholder"))
		copy(plain[offSectionHashes+i*sectionHashSize:], hash[:])
	}

	key1, key2, err := ks.HeaderKey()
	require.NoError(t, err)
	encrypted := make([]byte, HeaderSize)
	require.NoError(t, nxcrypto.AESXTSCrypt(key1[:], key2[:], 0, nxcrypto.XTSSectorSize, plain, encrypted, true))
	return encrypted
}

func TestParseHeaderNca3RoundTrip(t *testing.T) {
	ks := testKeyset(t)
	sections := [numSections]SectionEntry{
		{MediaStartOffset: 0x10, MediaEndOffset: 0x20},
	}
	var keyArea [numSections][16]byte
	keyArea[2][0] = 0xaa

	encrypted := buildEncryptedHeader(t, ks, [4]byte{'N', 'C', 'A', '3'}, 1, byte(keyset.KAEKApplication), sections, keyArea)

	h, err := ParseHeader(encrypted, ks, nil)
	require.NoError(t, err)
	require.Equal(t, FormatNca3, h.Format)
	require.Equal(t, 1, h.KeyGeneration)
	require.Equal(t, int(keyset.KAEKApplication), h.KeyAreaIndex)
	require.Equal(t, int64(0x100000), h.ContentSize)
	require.True(t, h.SectionPopulated(0))
	require.False(t, h.SectionPopulated(1))
	require.False(t, h.RightsIDAvailable)

	sector, off := h.SectionHeaderSector(0)
	require.Equal(t, uint64(2), sector)
	require.Equal(t, int64(HeaderSize), off)

	start, end := h.SectionContentRange(0)
	require.Equal(t, int64(0x10*nxcrypto.XTSSectorSize), start)
	require.Equal(t, int64(0x20*nxcrypto.XTSSectorSize), end)
}

func TestParseHeaderBadMagic(t *testing.T) {
	ks := testKeyset(t)
	var sections [numSections]SectionEntry
	var keyArea [numSections][16]byte
	encrypted := buildEncryptedHeader(t, ks, [4]byte{'B', 'A', 'D', '!'}, 0, 0, sections, keyArea)

	_, err := ParseHeader(encrypted, ks, nil)
	require.Error(t, err)
}

func TestParseHeaderShort(t *testing.T) {
	ks := testKeyset(t)
	_, err := ParseHeader(make([]byte, 0x10), ks, nil)
	require.Error(t, err)
}

func TestParseHeaderKeyGenerationIsMax(t *testing.T) {
	ks := testKeyset(t)
	plain := make([]byte, HeaderSize)
	copy(plain[offMagic:], []byte{'N', 'C', 'A', '3'})
	plain[offKeyGeneration] = 3
	plain[offKeyGeneration2] = 7

	key1, key2, err := ks.HeaderKey()
	require.NoError(t, err)
	encrypted := make([]byte, HeaderSize)
	require.NoError(t, nxcrypto.AESXTSCrypt(key1[:], key2[:], 0, nxcrypto.XTSSectorSize, plain, encrypted, true))

	h, err := ParseHeader(encrypted, ks, nil)
	require.NoError(t, err)
	require.Equal(t, 7, h.KeyGeneration)
}
