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

// buildFullContent assembles a complete, self-consistent NCA3 content
// file: main header, 4 section headers (only section 0 populated, with
// no sub-layers), and section 0's plaintext data, all encrypted with
// ks's header key and key-area slot 2 (the CTR content key).
func buildFullContent(t *testing.T, ks *keyset.Keyset, sectionData []byte) []byte {
	t.Helper()

	sectionStart := int64(FullHeaderSize)
	mediaUnit := int64(nxcrypto.XTSSectorSize)
	require.Zero(t, sectionStart%mediaUnit)
	sectionEnd := sectionStart + int64(len(sectionData))
	require.Zero(t, sectionEnd%mediaUnit, "pad sectionData to a media-unit multiple in callers")

	key1, key2, err := ks.HeaderKey()
	require.NoError(t, err)

	ctrKey, err := ks.KAEK(keyset.KAEKApplication, 0)
	require.NoError(t, err)

	// Section header 0: FsTypeRomFs, AesCtr, no sub-layers.
	secPlain := make([]byte, SectionHeaderSize)
	secPlain[secOffFsType] = byte(FsTypeRomFs)
	secPlain[secOffEncryptionType] = byte(EncryptionAesCtr)
	secEncrypted := make([]byte, SectionHeaderSize)
	require.NoError(t, nxcrypto.AESXTSCrypt(key1[:], key2[:], 2, nxcrypto.XTSSectorSize, secPlain, secEncrypted, true))
	secHash := nxcrypto.SHA256(secPlain)

	var ctr [16]byte
	nxcrypto.CTRInitPartial(&ctr, [8]byte{}, sectionStart)
	encryptedData := make([]byte, len(sectionData))
	require.NoError(t, nxcrypto.AESCTR(ctrKey[:], ctr, sectionData, encryptedData))

	mainPlain := make([]byte, HeaderSize)
	copy(mainPlain[offMagic:], []byte{'N', 'C', 'A', '3'})
	mainPlain[offKeyGeneration] = 0
	mainPlain[offKeyAreaIndex] = byte(keyset.KAEKApplication)
	binary.LittleEndian.PutUint64(mainPlain[offContentSize:], uint64(sectionEnd))
	binary.LittleEndian.PutUint32(mainPlain[offSectionEntries:], uint32(sectionStart/mediaUnit))
	binary.LittleEndian.PutUint32(mainPlain[offSectionEntries+4:], uint32(sectionEnd/mediaUnit))
	copy(mainPlain[offSectionHashes:], secHash[:])
	// Key area slot 2 holds the section's CTR content key, AES-ECB
	// "encrypted" with the application KAEK (spec.md §4.5 step 7).
	require.NoError(t, nxcrypto.AESECB(ctrKey[:], ctrKey[:], mainPlain[offKeyArea+2*keyAreaEntrySize:offKeyArea+3*keyAreaEntrySize], true))

	mainEncrypted := make([]byte, HeaderSize)
	require.NoError(t, nxcrypto.AESXTSCrypt(key1[:], key2[:], 0, nxcrypto.XTSSectorSize, mainPlain, mainEncrypted, true))

	content := make([]byte, sectionEnd)
	copy(content[0:HeaderSize], mainEncrypted)
	copy(content[HeaderSize:HeaderSize+SectionHeaderSize], secEncrypted)
	copy(content[sectionStart:], encryptedData)
	return content
}

func TestOpenRegularSectionRoundTrip(t *testing.T) {
	ks := testKeyset(t)
	sectionData := make([]byte, nxcrypto.XTSSectorSize)
	copy(sectionData, []byte("decrypted romfs bytes start here"))

	content := buildFullContent(t, ks, sectionData)
	provider := NewSliceProvider(content)

	ca, err := Open(content[:FullHeaderSize], OpenOptions{Provider: provider, Keyset: ks})
	require.NoError(t, err)
	require.Equal(t, FormatNca3, ca.Header.Format)

	sc := ca.Section(0)
	require.NotNil(t, sc)
	require.Nil(t, ca.Section(1))

	out := make([]byte, 32)
	require.NoError(t, sc.Storage.Read(0, out))
	require.Equal(t, "decrypted romfs bytes start here", string(out))
}

func TestOpenBadSectionHashRejected(t *testing.T) {
	ks := testKeyset(t)
	sectionData := make([]byte, nxcrypto.XTSSectorSize)
	content := buildFullContent(t, ks, sectionData)
	content[HeaderSize] ^= 0xff // corrupt section 0's header ciphertext
	provider := NewSliceProvider(content)

	_, err := Open(content[:FullHeaderSize], OpenOptions{Provider: provider, Keyset: ks})
	require.Error(t, err)
}

func TestOpenMissingHeaderKey(t *testing.T) {
	ks := keyset.New()
	_, err := Open(make([]byte, FullHeaderSize), OpenOptions{Provider: NewSliceProvider(nil), Keyset: ks})
	require.Error(t, err)
}
