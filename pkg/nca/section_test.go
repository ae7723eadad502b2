// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"encoding/binary"
	"testing"

	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
	"github.com/stretchr/testify/require"
)

func buildEncryptedSectionHeader(t *testing.T, key1, key2 [16]byte, sector uint64, fsType FsType, encryption EncryptionType, sparse SparseInfo, patch PatchInfo, compression CompressionInfo) []byte {
	t.Helper()
	plain := make([]byte, SectionHeaderSize)
	plain[secOffFsType] = byte(fsType)
	plain[secOffEncryptionType] = byte(encryption)

	binary.LittleEndian.PutUint64(plain[secOffPatchInfo:], uint64(patch.IndirectBucket.Offset))
	binary.LittleEndian.PutUint64(plain[secOffPatchInfo+8:], uint64(patch.IndirectBucket.Size))
	binary.LittleEndian.PutUint64(plain[secOffPatchInfo+16:], uint64(patch.AesCtrExBucket.Offset))
	binary.LittleEndian.PutUint64(plain[secOffPatchInfo+24:], uint64(patch.AesCtrExBucket.Size))

	binary.LittleEndian.PutUint64(plain[secOffSparseInfo:], uint64(sparse.Bucket.Offset))
	binary.LittleEndian.PutUint64(plain[secOffSparseInfo+8:], uint64(sparse.Bucket.Size))
	binary.LittleEndian.PutUint64(plain[secOffSparseInfo+16:], uint64(sparse.PhysicalOffset))
	binary.LittleEndian.PutUint32(plain[secOffSparseInfo+24:], sparse.Generation)

	binary.LittleEndian.PutUint64(plain[secOffCompression:], uint64(compression.Bucket.Offset))
	binary.LittleEndian.PutUint64(plain[secOffCompression+8:], uint64(compression.Bucket.Size))

	encrypted := make([]byte, SectionHeaderSize)
	require.NoError(t, nxcrypto.AESXTSCrypt(key1[:], key2[:], sector, nxcrypto.XTSSectorSize, plain, encrypted, true))
	return encrypted
}

func TestParseSectionHeaderRoundTrip(t *testing.T) {
	var key1, key2 [16]byte
	key1[0], key2[0] = 1, 2
	sparse := SparseInfo{Bucket: BucketDescriptor{Offset: 0x4000, Size: 0x200}, PhysicalOffset: 0x8000, Generation: 3}
	patch := PatchInfo{
		IndirectBucket: BucketDescriptor{Offset: 0x1000, Size: 0x100},
		AesCtrExBucket: BucketDescriptor{Offset: 0x2000, Size: 0x100},
	}
	compression := CompressionInfo{Bucket: BucketDescriptor{Offset: 0x6000, Size: 0x100}}

	encrypted := buildEncryptedSectionHeader(t, key1, key2, 2, FsTypeRomFs, EncryptionAesCtr, sparse, patch, compression)

	sh, err := parseSectionHeader(encrypted, key1, key2, 2)
	require.NoError(t, err)
	require.Equal(t, FsTypeRomFs, sh.FsType)
	require.Equal(t, EncryptionAesCtr, sh.Encryption)
	require.True(t, sh.HasSparseLayer())
	require.True(t, sh.HasPatchLayer())
	require.True(t, sh.HasCompressionLayer())
	require.Equal(t, sparse.PhysicalOffset, sh.Sparse.PhysicalOffset)
	require.Equal(t, sparse.Generation, sh.Sparse.Generation)
	require.Equal(t, patch.IndirectBucket, sh.Patch.IndirectBucket)
}

func TestParseSectionHeaderNoLayers(t *testing.T) {
	var key1, key2 [16]byte
	encrypted := buildEncryptedSectionHeader(t, key1, key2, 0, FsTypePartitionFs, EncryptionNone, SparseInfo{}, PatchInfo{}, CompressionInfo{})

	sh, err := parseSectionHeader(encrypted, key1, key2, 0)
	require.NoError(t, err)
	require.False(t, sh.HasSparseLayer())
	require.False(t, sh.HasPatchLayer())
	require.False(t, sh.HasCompressionLayer())
}

func TestParseSectionHeaderShort(t *testing.T) {
	var key1, key2 [16]byte
	_, err := parseSectionHeader(make([]byte, 0x10), key1, key2, 0)
	require.Error(t, err)
}
