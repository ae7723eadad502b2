// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"encoding/binary"
	"testing"

	"github.com/pierrec/lz4"
	"github.com/stretchr/testify/require"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/bucket"
	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
)

// bucketEntryFixture describes one entry for buildSingleNodeBucket: its
// virtual offset and a callback that fills in the entry-specific bytes
// beyond the shared 8-byte virtual-offset prefix every bucket-tree entry
// starts with.
type bucketEntryFixture struct {
	VirtualOffset int64
	Fill          func(raw []byte)
}

// buildSingleNodeBucket assembles a minimal single-entry-node bucket-tree
// table (no L2 layer), mirroring pkg/bucket's own test fixture builder
// but generalized over entrySize and per-entry payload bytes.
func buildSingleNodeBucket(t *testing.T, entrySize int, entries []bucketEntryFixture, endOffset int64) []byte {
	t.Helper()
	const nodeSize = 0x1000
	buf := make([]byte, 0, bucket.HeaderSize+nodeSize*2)

	hdr := make([]byte, bucket.HeaderSize)
	copy(hdr[0:4], bucket.Magic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], 1)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(entries)))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(nodeSize))
	buf = append(buf, hdr...)

	root := make([]byte, nodeSize)
	binary.LittleEndian.PutUint32(root[0:4], 0)
	binary.LittleEndian.PutUint32(root[4:8], 1)
	binary.LittleEndian.PutUint64(root[bucket.NodeHeaderSize:bucket.NodeHeaderSize+8], uint64(entries[0].VirtualOffset))
	buf = append(buf, root...)

	node := make([]byte, nodeSize)
	binary.LittleEndian.PutUint32(node[0:4], 0)
	binary.LittleEndian.PutUint32(node[4:8], uint32(len(entries)))
	binary.LittleEndian.PutUint64(node[8:16], uint64(endOffset))
	for i, e := range entries {
		off := bucket.NodeHeaderSize + i*entrySize
		binary.LittleEndian.PutUint64(node[off:off+8], uint64(e.VirtualOffset))
		if e.Fill != nil {
			e.Fill(node[off : off+entrySize])
		}
	}
	buf = append(buf, node...)
	return buf
}

func TestRegularStorageNone(t *testing.T) {
	data := []byte("hello, romfs content here")
	provider := NewSliceProvider(data)
	s := NewRegular(provider, 0, int64(len(data)), EncryptionNone, [16]byte{}, [16]byte{}, [16]byte{}, [8]byte{}, MetaDataHashRegion{})

	out := make([]byte, 5)
	require.NoError(t, s.Read(7, out))
	require.Equal(t, "romfs", string(out))
}

func TestRegularStorageCtrRoundTrip(t *testing.T) {
	plain := []byte("0123456789abcdef0123456789abcdef")
	var ctrKey [16]byte
	var upperIV [8]byte
	ctrKey[0] = 0x42

	encrypted := make([]byte, len(plain))
	var ctr [16]byte
	nxcrypto.CTRInitPartial(&ctr, upperIV, 0)
	require.NoError(t, nxcrypto.AESCTR(ctrKey[:], ctr, plain, encrypted))

	provider := NewSliceProvider(encrypted)
	s := NewRegular(provider, 0, int64(len(plain)), EncryptionAesCtr, [16]byte{}, [16]byte{}, ctrKey, upperIV, MetaDataHashRegion{})

	out := make([]byte, len(plain))
	require.NoError(t, s.Read(0, out))
	require.Equal(t, plain, out)
}

func TestSparseStorageZeroAndData(t *testing.T) {
	backing := make([]byte, 0x1000)
	copy(backing, []byte("physical-backed-bytes"))
	provider := NewSliceProvider(backing)

	entries := []bucketEntryFixture{
		{VirtualOffset: 0, Fill: func(raw []byte) { raw[16] = sparseIndexPatch }},
		{VirtualOffset: 0x100, Fill: func(raw []byte) {
			binary.LittleEndian.PutUint64(raw[8:16], 0)
			raw[16] = 0
		}},
	}
	table, err := bucket.Load(buildSingleNodeBucket(t, indirectEntrySize, entries, 0x200), indirectEntrySize)
	require.NoError(t, err)

	var ctrKey [16]byte
	s := NewSparse(table, provider, ctrKey, SparseInfo{PhysicalOffset: 0, Generation: 5})

	zero := make([]byte, 8)
	require.NoError(t, s.Read(0, zero))
	require.Equal(t, make([]byte, 8), zero)

	out := make([]byte, 8)
	require.NoError(t, s.Read(0x100, out))
	require.NotEqual(t, make([]byte, 8), out) // CTR-decrypted garbage, just not all-zero
}

func TestCtrExStorageEncryptionFlag(t *testing.T) {
	plain := []byte("plaintext-entry-")
	var ctrKey [16]byte
	ctrKey[0] = 7

	var ctr [16]byte
	nxcrypto.CTRInitPartialEx(&ctr, 9, 0x10)
	encrypted := make([]byte, len(plain))
	require.NoError(t, nxcrypto.AESCTR(ctrKey[:], ctr, plain, encrypted))

	backing := make([]byte, 0x10+len(plain))
	copy(backing[0x10:], encrypted)
	provider := NewSliceProvider(backing)

	entries := []bucketEntryFixture{
		{VirtualOffset: 0, Fill: func(raw []byte) {
			binary.LittleEndian.PutUint32(raw[8:12], 9)
			raw[12] = ctrExEncryptionEnabled
		}},
	}
	table, err := bucket.Load(buildSingleNodeBucket(t, ctrExEntrySize, entries, int64(len(plain))), ctrExEntrySize)
	require.NoError(t, err)

	s := NewCtrEx(table, provider, 0x10, ctrKey)
	out := make([]byte, len(plain))
	require.NoError(t, s.Read(0, out))
	require.Equal(t, plain, out)
}

func TestCompressedStorageNoneZeroLz4(t *testing.T) {
	rawData := []byte("the quick brown fox jumps over the lazy dog, repeated for lz4")
	compressed := make([]byte, len(rawData)*2)
	n, err := lz4.CompressBlock(rawData, compressed, nil)
	require.NoError(t, err)
	require.NotZero(t, n)
	compressed = compressed[:n]

	plainRegion := []byte("plain-bytes-here")

	backing := make([]byte, 0)
	plainOffset := int64(len(backing))
	backing = append(backing, plainRegion...)
	lz4Offset := int64(len(backing))
	backing = append(backing, compressed...)

	lower := NewRegular(NewSliceProvider(backing), 0, int64(len(backing)), EncryptionNone, [16]byte{}, [16]byte{}, [16]byte{}, [8]byte{}, MetaDataHashRegion{})

	entries := []bucketEntryFixture{
		{VirtualOffset: 0, Fill: func(raw []byte) {
			binary.LittleEndian.PutUint64(raw[8:16], uint64(plainOffset))
			binary.LittleEndian.PutUint32(raw[16:20], uint32(len(plainRegion)))
			raw[20] = byte(compressionNone)
		}},
		{VirtualOffset: int64(len(plainRegion)), Fill: func(raw []byte) {
			raw[20] = byte(compressionZero)
		}},
		{VirtualOffset: int64(len(plainRegion)) + 0x10, Fill: func(raw []byte) {
			binary.LittleEndian.PutUint64(raw[8:16], uint64(lz4Offset))
			binary.LittleEndian.PutUint32(raw[16:20], uint32(len(compressed)))
			raw[20] = byte(compressionLZ4)
		}},
	}
	end := int64(len(plainRegion)) + 0x10 + int64(len(rawData))
	table, err := bucket.Load(buildSingleNodeBucket(t, compressedEntrySize, entries, end), compressedEntrySize)
	require.NoError(t, err)

	s := NewCompressed(table, lower)

	out := make([]byte, len(plainRegion))
	require.NoError(t, s.Read(0, out))
	require.Equal(t, plainRegion, out)

	zero := make([]byte, 0x10)
	require.NoError(t, s.Read(int64(len(plainRegion)), zero))
	require.Equal(t, make([]byte, 0x10), zero)

	decompressed := make([]byte, len(rawData))
	require.NoError(t, s.Read(int64(len(plainRegion))+0x10, decompressed))
	require.Equal(t, rawData, decompressed)
}
