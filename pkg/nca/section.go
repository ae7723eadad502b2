// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"encoding/binary"
	"fmt"

	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// FsType selects the filesystem driver layered above a section's storage.
type FsType uint8

const (
	FsTypePartitionFs FsType = 0
	FsTypeRomFs       FsType = 1
)

// HashType selects the hash-tree scheme protecting a section.
type HashType uint8

const (
	HashNone HashType = iota
	HashHierarchicalSha256
	HashHierarchicalSha3256
	HashHierarchicalIntegrity
	HashHierarchicalIntegritySha3
)

// EncryptionType selects the section's content cipher.
type EncryptionType uint8

const (
	EncryptionNone EncryptionType = iota
	EncryptionAesXts
	EncryptionAesCtr
	EncryptionAesCtrEx
	EncryptionAesCtrSkipLayerHash
	EncryptionAesCtrExSkipLayerHash
)

var fsTypeNames = map[FsType]string{FsTypePartitionFs: "PartitionFs", FsTypeRomFs: "RomFs"}

func (t FsType) String() string { return nameOr("FsType", fsTypeNames, t) }

var hashTypeNames = map[HashType]string{
	HashNone:                      "None",
	HashHierarchicalSha256:        "HierarchicalSha256",
	HashHierarchicalSha3256:       "HierarchicalSha3256",
	HashHierarchicalIntegrity:     "HierarchicalIntegrity",
	HashHierarchicalIntegritySha3: "HierarchicalIntegritySha3",
}

func (t HashType) String() string { return nameOr("HashType", hashTypeNames, t) }

var encryptionTypeNames = map[EncryptionType]string{
	EncryptionNone:                  "None",
	EncryptionAesXts:                "AesXts",
	EncryptionAesCtr:                "AesCtr",
	EncryptionAesCtrEx:              "AesCtrEx",
	EncryptionAesCtrSkipLayerHash:   "AesCtrSkipLayerHash",
	EncryptionAesCtrExSkipLayerHash: "AesCtrExSkipLayerHash",
}

func (t EncryptionType) String() string { return nameOr("EncryptionType", encryptionTypeNames, t) }

func nameOr[T ~uint8](kind string, names map[T]string, t T) string {
	if name, ok := names[t]; ok {
		return name
	}
	return fmt.Sprintf("%s(%d)", kind, uint8(t))
}

// BucketDescriptor is the recurring (offset, size) pair that locates a
// bucket-tree table within a section's virtual address space.
type BucketDescriptor struct {
	Offset int64
	Size   int64
}

func (d BucketDescriptor) empty() bool { return d.Size == 0 }

// PatchInfo locates the Indirect and CTR-EX bucket tables for a Patch
// section.
type PatchInfo struct {
	IndirectBucket BucketDescriptor
	AesCtrExBucket BucketDescriptor
}

// SparseInfo locates the Sparse bucket table; Generation == 0 means the
// layer is absent (spec.md §4.6 step 2).
type SparseInfo struct {
	Bucket         BucketDescriptor
	PhysicalOffset int64
	Generation     uint32
}

// CompressionInfo locates the Compressed bucket table.
type CompressionInfo struct {
	Bucket BucketDescriptor
}

// MetaDataHashRegion marks the virtual range the section's hash table
// occupies, used to split reads at skip-hash boundaries (spec.md §4.6
// step 1).
type MetaDataHashRegion struct {
	Offset int64
	Size   int64
}

const (
	secOffVersion        = 0x000
	secOffFsType         = 0x002
	secOffHashType       = 0x003
	secOffEncryptionType = 0x004
	secOffHashData       = 0x008
	secHashDataSize      = 0xf8
	secOffPatchInfo      = 0x100
	secOffSparseInfo     = 0x120
	secOffUpperIV        = 0x140
	secOffCompression    = 0x148
	secOffMetaHashRegion = 0x158
)

// SectionHeader is the fully decrypted, parsed per-section header.
type SectionHeader struct {
	FsType         FsType
	HashType       HashType
	Encryption     EncryptionType
	HashData       [secHashDataSize]byte
	Patch          PatchInfo
	Sparse         SparseInfo
	Compression    CompressionInfo
	MetaHashRegion MetaDataHashRegion
	UpperIV        [8]byte

	Decrypted    [SectionHeaderSize]byte
	rawEncrypted [SectionHeaderSize]byte
}

func readBucketDescriptor(d []byte) BucketDescriptor {
	return BucketDescriptor{
		Offset: int64(binary.LittleEndian.Uint64(d[0:8])),
		Size:   int64(binary.LittleEndian.Uint64(d[8:16])),
	}
}

// parseSectionHeader decrypts (if needed) and parses a raw 0x200-byte
// section header. The header key and sector are supplied by the caller,
// which resolves format-version-dependent placement via
// Header.SectionHeaderSector.
func parseSectionHeader(encrypted []byte, key1, key2 [16]byte, sector uint64) (*SectionHeader, error) {
	if len(encrypted) < SectionHeaderSize {
		return nil, &nxerr.MalformedImage{Where: "nca.section_header", Err: errShortSectionHeader(len(encrypted))}
	}
	var h SectionHeader
	copy(h.rawEncrypted[:], encrypted[:SectionHeaderSize])
	if err := nxcrypto.AESXTSCrypt(key1[:], key2[:], sector, nxcrypto.XTSSectorSize, h.rawEncrypted[:], h.Decrypted[:], false); err != nil {
		return nil, err
	}
	d := h.Decrypted[:]

	h.FsType = FsType(d[secOffFsType])
	h.HashType = HashType(d[secOffHashType])
	h.Encryption = EncryptionType(d[secOffEncryptionType])
	copy(h.HashData[:], d[secOffHashData:secOffHashData+secHashDataSize])

	h.Patch.IndirectBucket = readBucketDescriptor(d[secOffPatchInfo:])
	h.Patch.AesCtrExBucket = readBucketDescriptor(d[secOffPatchInfo+16:])

	h.Sparse.Bucket = readBucketDescriptor(d[secOffSparseInfo:])
	h.Sparse.PhysicalOffset = int64(binary.LittleEndian.Uint64(d[secOffSparseInfo+16 : secOffSparseInfo+24]))
	h.Sparse.Generation = binary.LittleEndian.Uint32(d[secOffSparseInfo+24 : secOffSparseInfo+28])

	copy(h.UpperIV[:], d[secOffUpperIV:secOffUpperIV+8])

	h.Compression.Bucket = readBucketDescriptor(d[secOffCompression:])

	h.MetaHashRegion.Offset = int64(binary.LittleEndian.Uint64(d[secOffMetaHashRegion : secOffMetaHashRegion+8]))
	h.MetaHashRegion.Size = int64(binary.LittleEndian.Uint64(d[secOffMetaHashRegion+8 : secOffMetaHashRegion+16]))

	return &h, nil
}

// EncryptedBytes returns the still-encrypted section header as read
// from the content file.
func (h *SectionHeader) EncryptedBytes() []byte { return h.rawEncrypted[:] }

// HasSparseLayer reports whether the section carries a Sparse layer.
func (h *SectionHeader) HasSparseLayer() bool { return h.Sparse.Generation != 0 && !h.Sparse.Bucket.empty() }

// HasPatchLayer reports whether the section carries an Indirect/CTR-EX
// (Patch) layer pair.
func (h *SectionHeader) HasPatchLayer() bool { return !h.Patch.IndirectBucket.empty() }

// HasCompressionLayer reports whether the section carries a Compressed
// layer.
func (h *SectionHeader) HasCompressionLayer() bool { return !h.Compression.Bucket.empty() }
