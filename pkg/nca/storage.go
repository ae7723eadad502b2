// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Storage implements the section storage stack (spec.md §4.6, design
// note in §9): a composition of Regular/Sparse/Indirect/CtrEx/Compressed
// virtual storages. Per the spec's explicit design note, this is a
// tagged sum dispatched through a type switch, not a set of Go
// interfaces with dynamic method tables — the variant set is closed and
// every read is on the hot path, unlike the teacher's Firmware/Visitor
// interface hierarchy, which suits an open,
// rarely-hot-path set of firmware section kinds.
package nca

import (
	"github.com/pierrec/lz4"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/bucket"
	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

type storageKind int

const (
	kindRegular storageKind = iota
	kindSparse
	kindIndirect
	kindCtrEx
	kindCompressed
)

// Storage is one node of the section storage stack. Its behavior is
// selected by kind; only the fields relevant to that kind are populated.
type Storage struct {
	kind storageKind
	size int64

	// kindRegular / leaf reads shared by kindCtrEx
	provider   ContentProvider
	baseOffset int64 // absolute content offset this storage's virtual 0 maps to
	encryption EncryptionType
	xtsKey1    [16]byte
	xtsKey2    [16]byte
	ctrKey     [16]byte
	upperIV    [8]byte
	hashRegion MetaDataHashRegion // skip-layer-hash split boundary, regular only

	// bucket-backed kinds
	table     *bucket.Table
	lower     *Storage // Sparse/Compressed: storage read for non-zero/non-LZ4 entries
	original  *Storage // Indirect only: the base CA's "Original" source
	patchLow  *Storage // Indirect only: the CTR-EX storage serving "Patch" entries
	sparseGen uint32
	sparsePhy int64
}

// Size returns the virtual size this storage exposes.
func (s *Storage) Size() int64 { return s.size }

// Read fills out with the plaintext bytes of this storage at virtual
// offset v, dispatching on kind (spec.md §9: tagged sum, not vtables).
func (s *Storage) Read(v int64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	if v < 0 || v+int64(len(out)) > s.size {
		return &nxerr.OutOfRange{Offset: v, Length: int64(len(out)), Extent: s.size}
	}
	switch s.kind {
	case kindRegular:
		return s.readRegular(v, out)
	case kindSparse:
		return s.readSparse(v, out)
	case kindIndirect:
		return s.readIndirect(v, out)
	case kindCtrEx:
		return s.readCtrEx(v, out)
	case kindCompressed:
		return s.readCompressed(v, out)
	default:
		return &nxerr.InvalidArgument{Where: "nca.Storage.Read", Err: errNoStorage()}
	}
}

// NewRegular builds the leaf storage that reads [baseOffset,
// baseOffset+size) from provider, applying the section's declared
// cipher (spec.md §4.6 step 1).
func NewRegular(provider ContentProvider, baseOffset, size int64, encryption EncryptionType, xtsKey1, xtsKey2, ctrKey [16]byte, upperIV [8]byte, hashRegion MetaDataHashRegion) *Storage {
	return &Storage{
		kind: kindRegular, size: size, provider: provider, baseOffset: baseOffset,
		encryption: encryption, xtsKey1: xtsKey1, xtsKey2: xtsKey2, ctrKey: ctrKey,
		upperIV: upperIV, hashRegion: hashRegion,
	}
}

func (s *Storage) readRegular(v int64, out []byte) error {
	switch s.encryption {
	case EncryptionNone:
		return s.providerReadPlain(v, out)
	case EncryptionAesXts:
		return s.readXTS(v, out)
	case EncryptionAesCtr, EncryptionAesCtrEx:
		return s.readCTRPlain(v, out)
	case EncryptionAesCtrSkipLayerHash, EncryptionAesCtrExSkipLayerHash:
		return s.readCTRSkipHash(v, out)
	default:
		return &nxerr.MalformedImage{Where: "nca.section.encryption", Err: errBadEncryptionType(byte(s.encryption))}
	}
}

func (s *Storage) providerReadPlain(v int64, out []byte) error {
	raw, err := s.provider.ReadContentFile(s.baseOffset+v, len(out))
	if err != nil {
		return &nxerr.IoError{Source: err}
	}
	copy(out, raw)
	return nil
}

// readXTS decrypts with AES-XTS at whole-sector granularity, aligning
// down/up around the requested range since XTS only operates on
// complete sectors (spec.md §4.1).
func (s *Storage) readXTS(v int64, out []byte) error {
	sectorSize := int64(nxcrypto.XTSSectorSize)
	alignedStart := v - v%sectorSize
	alignedEnd := v + int64(len(out))
	if rem := alignedEnd % sectorSize; rem != 0 {
		alignedEnd += sectorSize - rem
	}
	raw, err := s.provider.ReadContentFile(s.baseOffset+alignedStart, int(alignedEnd-alignedStart))
	if err != nil {
		return &nxerr.IoError{Source: err}
	}
	plain := make([]byte, len(raw))
	sector := uint64((s.baseOffset + alignedStart) / sectorSize)
	if err := nxcrypto.AESXTSCrypt(s.xtsKey1[:], s.xtsKey2[:], sector, nxcrypto.XTSSectorSize, raw, plain, false); err != nil {
		return err
	}
	copy(out, plain[v-alignedStart:v-alignedStart+int64(len(out))])
	return nil
}

func (s *Storage) readCTRPlain(v int64, out []byte) error {
	raw, err := s.provider.ReadContentFile(s.baseOffset+v, len(out))
	if err != nil {
		return &nxerr.IoError{Source: err}
	}
	var ctr [16]byte
	nxcrypto.CTRInitPartial(&ctr, s.upperIV, s.baseOffset+v)
	return nxcrypto.AESCTR(s.ctrKey[:], ctr, raw, out)
}

// readCTRSkipHash splits the requested range at the section's
// meta-data-hash-region boundary, reading that region's bytes verbatim
// and CTR-decrypting the rest (spec.md §4.6 step 1).
func (s *Storage) readCTRSkipHash(v int64, out []byte) error {
	start, end := v, v+int64(len(out))
	hashStart, hashEnd := s.hashRegion.Offset, s.hashRegion.Offset+s.hashRegion.Size
	for cur := start; cur < end; {
		inHash := cur >= hashStart && cur < hashEnd
		var segEnd int64
		if inHash {
			segEnd = end
			if hashEnd < segEnd {
				segEnd = hashEnd
			}
		} else {
			segEnd = end
			if hashStart > cur && hashStart < segEnd {
				segEnd = hashStart
			}
		}
		sub := out[cur-start : segEnd-start]
		if inHash {
			if err := s.providerReadPlain(cur, sub); err != nil {
				return err
			}
		} else if err := s.readCTRPlain(cur, sub); err != nil {
			return err
		}
		cur = segEnd
	}
	return nil
}

// NewSparse builds a Sparse layer (spec.md §4.6 step 2): present iff
// info.Generation != 0. Patch-indexed entries read as zero; others are
// served from the content file at info.PhysicalOffset + entry offset,
// CTR-decrypted with a counter keyed off the generation.
func NewSparse(table *bucket.Table, provider ContentProvider, ctrKey [16]byte, info SparseInfo) *Storage {
	return &Storage{
		kind: kindSparse, size: table.EndOffset(), table: table, provider: provider,
		ctrKey: ctrKey, sparseGen: info.Generation, sparsePhy: info.PhysicalOffset,
	}
}

const sparseIndexPatch = 1

func (s *Storage) readSparse(v int64, out []byte) error {
	return walkBucket(s.table, v, out, func(e bucket.Entry, local int64, sub []byte) error {
		storageIndex := e.Raw[16]
		if storageIndex == sparseIndexPatch {
			for i := range sub {
				sub[i] = 0
			}
			return nil
		}
		physicalOffset := int64From(e.Raw[8:16])
		abs := s.sparsePhy + physicalOffset + local
		raw, err := s.provider.ReadContentFile(abs, len(sub))
		if err != nil {
			return &nxerr.IoError{Source: err}
		}
		var ctr [16]byte
		nxcrypto.CTRInitPartialEx(&ctr, s.sparseGen, abs)
		return nxcrypto.AESCTR(s.ctrKey[:], ctr, raw, sub)
	})
}

// NewIndirect builds a Patch-type Indirect layer (spec.md §4.6 step 3).
// original serves entries tagged Original; patchLow (a CTR-EX storage
// from NewCtrEx) serves entries tagged Patch.
func NewIndirect(table *bucket.Table, original, patchLow *Storage) *Storage {
	return &Storage{kind: kindIndirect, size: table.EndOffset(), table: table, original: original, patchLow: patchLow}
}

const indirectIndexPatch = 1

// IsPatched reports whether any byte in [v, v+length) of an Indirect
// storage is served from the Patch source rather than the Original CA —
// used by pkg/roifs's is_entry_updated (spec.md §4.8) to tell whether a
// Patch RoIFS file differs from its base-game counterpart. Storages that
// are not Indirect report false, since nothing upstream of Indirect can
// be partially patched.
func (s *Storage) IsPatched(v, length int64) (bool, error) {
	if s.kind != kindIndirect {
		return false, nil
	}
	if length <= 0 {
		return false, nil
	}
	visitor, err := s.table.Find(v)
	if err != nil {
		return false, err
	}
	cur := v
	end := v + length
	for cur < end {
		e := visitor.Current()
		if e.Raw[16] == indirectIndexPatch {
			return true, nil
		}
		if e.RangeEnd >= end {
			return false, nil
		}
		if !visitor.CanAdvance() {
			return false, nil
		}
		if err := visitor.Advance(); err != nil {
			return false, err
		}
		cur = e.RangeEnd
	}
	return false, nil
}

func (s *Storage) readIndirect(v int64, out []byte) error {
	return walkBucket(s.table, v, out, func(e bucket.Entry, local int64, sub []byte) error {
		physicalOffset := int64From(e.Raw[8:16])
		target := s.original
		if e.Raw[16] == indirectIndexPatch {
			target = s.patchLow
		}
		return target.Read(physicalOffset+local, sub)
	})
}

// NewCtrEx builds a CTR-EX layer (spec.md §4.6 step 4): for entries with
// encryption enabled, decrypts provider bytes at baseOffset+v using a
// counter keyed off the entry's own generation.
func NewCtrEx(table *bucket.Table, provider ContentProvider, baseOffset int64, ctrKey [16]byte) *Storage {
	return &Storage{kind: kindCtrEx, size: table.EndOffset(), table: table, provider: provider, baseOffset: baseOffset, ctrKey: ctrKey}
}

const ctrExEncryptionEnabled = 1

func (s *Storage) readCtrEx(v int64, out []byte) error {
	return walkBucket(s.table, v, out, func(e bucket.Entry, local int64, sub []byte) error {
		abs := s.baseOffset + e.VirtualOffset + local
		raw, err := s.provider.ReadContentFile(abs, len(sub))
		if err != nil {
			return &nxerr.IoError{Source: err}
		}
		if e.Raw[12] != ctrExEncryptionEnabled {
			copy(sub, raw)
			return nil
		}
		generation := uint32From(e.Raw[8:12])
		var ctr [16]byte
		nxcrypto.CTRInitPartialEx(&ctr, generation, abs)
		return nxcrypto.AESCTR(s.ctrKey[:], ctr, raw, sub)
	})
}

// Compressed entry layout (0x18 bytes): virtual_offset(8),
// physical_offset(8), physical_size(4), compression_type(1),
// compression_level(1), reserved(2).
type compressionType byte

const (
	compressionNone compressionType = iota
	compressionZero
	compressionLZ4
)

// NewCompressed builds a Compressed layer (spec.md §4.6 step 5). lower
// serves None entries' physical extents and LZ4 entries' compressed
// extents.
func NewCompressed(table *bucket.Table, lower *Storage) *Storage {
	return &Storage{kind: kindCompressed, size: table.EndOffset(), table: table, lower: lower}
}

func (s *Storage) readCompressed(v int64, out []byte) error {
	return walkBucket(s.table, v, out, func(e bucket.Entry, local int64, sub []byte) error {
		physicalOffset := int64From(e.Raw[8:16])
		physicalSize := int(uint32From(e.Raw[16:20]))
		switch compressionType(e.Raw[20]) {
		case compressionNone:
			return s.lower.Read(physicalOffset+local, sub)
		case compressionZero:
			for i := range sub {
				sub[i] = 0
			}
			return nil
		case compressionLZ4:
			decompressedSize := int(e.RangeEnd - e.VirtualOffset)
			compressed := make([]byte, physicalSize)
			if err := s.lower.Read(physicalOffset, compressed); err != nil {
				return err
			}
			decompressed := make([]byte, decompressedSize)
			n, err := lz4.UncompressBlock(compressed, decompressed)
			if err != nil {
				return &nxerr.CryptoError{Source: err}
			}
			if n != decompressedSize {
				return &nxerr.MalformedImage{Where: "nca.compressed.lz4", Err: errLZ4SizeMismatch(n, decompressedSize)}
			}
			copy(sub, decompressed[local:local+int64(len(sub))])
			return nil
		default:
			return &nxerr.MalformedImage{Where: "nca.compressed.type", Err: errBadCompressionType(e.Raw[20])}
		}
	})
}

// walkBucket visits every bucket entry overlapping [v, v+len(out)),
// calling fn once per entry with the entry, the offset local to that
// entry's start, and the output slice for that sub-range — at most one
// contiguous call per entry, matching the bounded-recursion contract in
// spec.md §8 testable property 2.
func walkBucket(table *bucket.Table, v int64, out []byte, fn func(e bucket.Entry, local int64, sub []byte) error) error {
	visitor, err := table.Find(v)
	if err != nil {
		return err
	}
	remaining := out
	cur := v
	for len(remaining) > 0 {
		e := visitor.Current()
		segEnd := e.RangeEnd
		end := cur + int64(len(remaining))
		if segEnd > end {
			segEnd = end
		}
		n := segEnd - cur
		if err := fn(e, cur-e.VirtualOffset, remaining[:n]); err != nil {
			return err
		}
		remaining = remaining[n:]
		cur = segEnd
		if len(remaining) == 0 {
			break
		}
		if !visitor.CanAdvance() {
			return &nxerr.OutOfRange{Offset: cur, Length: int64(len(remaining)), Extent: table.EndOffset()}
		}
		if err := visitor.Advance(); err != nil {
			return err
		}
	}
	return nil
}

func int64From(b []byte) int64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return int64(v)
}

func uint32From(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
