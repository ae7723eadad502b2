// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hashtree implements the hierarchical hash-tree patcher (spec.md
// §4.10): given a plaintext write against a section, it walks the
// section's hash levels bottom-up, splicing the new bytes in, recomputing
// every affected hash block, and emitting the set of encrypted
// absolute-offset byte patches a streaming dumper must apply. Grounded on
// pkg/uefi/firmwarevolume.go's pattern of parsing a fixed binary metadata
// blob into a typed Go struct once, up front, then operating on the typed
// form from there on.
package hashtree

import (
	"encoding/binary"

	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// HashAlgorithm selects the digest used at every level.
type HashAlgorithm int

const (
	AlgorithmSHA256 HashAlgorithm = iota
	AlgorithmSHA3256
)

func (a HashAlgorithm) sum(b []byte) [32]byte {
	if a == AlgorithmSHA3256 {
		return nxcrypto.SHA3256(b)
	}
	return nxcrypto.SHA256(b)
}

// Storage is the read side of a section's virtual address space — the
// plaintext view a patch's recomputation reads through to gather
// surrounding block bytes.
type Storage interface {
	Read(offset int64, out []byte) error
	Size() int64
}

// Level describes one hash level: Offset/Size locate this level's
// own data (hash array, for every level but the innermost data level) in
// the section's virtual address space; blockSize is the granularity at
// which that data was hashed to produce the next level up.
type Level struct {
	Offset    int64
	Size      int64
	BlockSize int64
}

// HierarchicalSha256 describes a PFS-backed hash tree (spec.md §4.10): a
// flat array of levels, the last of which is the PFS data itself, hashed
// in fixed BlockSize chunks whose digests are the previous level's data.
type HierarchicalSha256 struct {
	Levels     []Level // 1..5, outermost (closest to master hash) first
	MasterHash [32]byte
	Algorithm  HashAlgorithm
}

// HierarchicalIntegrity describes an IVFC-backed hash tree (spec.md
// §4.10): exactly 6 levels, each with its own block order, the last
// being the RoIFS data itself.
type HierarchicalIntegrity struct {
	Levels     [6]Level
	MasterHash [32]byte
	Algorithm  HashAlgorithm
}

// tree is the common shape both public descriptors reduce to for the
// patch algorithm: an ordered list of levels from the data level back up
// to (but not including) the master hash, plus the master hash slot.
type tree struct {
	levels     []Level
	algorithm  HashAlgorithm
	masterHash *[32]byte
}

func (h *HierarchicalSha256) asTree() *tree {
	return &tree{levels: h.Levels, algorithm: h.Algorithm, masterHash: &h.MasterHash}
}

func (h *HierarchicalIntegrity) asTree() *tree {
	levels := make([]Level, len(h.Levels))
	copy(levels, h.Levels[:])
	return &tree{levels: levels, algorithm: h.Algorithm, masterHash: &h.MasterHash}
}

// Patch is the set of encrypted, absolute-content-offset byte ranges a
// streaming dumper must splice in to reflect a write made against the
// plaintext view of a section (spec.md §4.10). It does not apply
// itself — see WriteToBuffer.
type Patch struct {
	ContentID string
	Regions   []Region
	Written   bool
}

// Region is one contiguous absolute-offset byte range within Patch.
// covered tracks, across repeated WriteToBuffer calls against a
// streamed sequence of chunks, how much of this region has been spliced
// in so far — Written flips once every region reports full coverage.
type Region struct {
	Offset  int64
	Bytes   []byte
	covered int64
}

// Encryptor encrypts a plaintext region for storage back into the
// content file at absoluteOffset — satisfied by a section's CTR/XTS
// cipher context. A nil Encryptor leaves regions in plaintext, which is
// correct for a skip-hash region (spec.md §4.6 step 1).
type Encryptor interface {
	Encrypt(absoluteOffset int64, plaintext []byte) ([]byte, error)
}

// ComputeFromPfs builds a Patch for a write against a PFS-backed
// (HierarchicalSha256) section, recomputing every hash level from the
// data level up to (not including) the master hash, which is written
// directly into h.MasterHash in memory for the caller to fold into
// its section/CA header hash chain (spec.md §4.10 step "level 0").
func ComputeFromPfs(h *HierarchicalSha256, storage Storage, contentBaseOffset int64, data []byte, virtualOffset int64, contentID string, enc Encryptor) (*Patch, error) {
	return compute(h.asTree(), storage, contentBaseOffset, data, virtualOffset, contentID, enc)
}

// ComputeFromIntegrity builds a Patch for a write against an
// IVFC-backed (HierarchicalIntegrity, RoIFS) section.
func ComputeFromIntegrity(h *HierarchicalIntegrity, storage Storage, contentBaseOffset int64, data []byte, virtualOffset int64, contentID string, enc Encryptor) (*Patch, error) {
	return compute(h.asTree(), storage, contentBaseOffset, data, virtualOffset, contentID, enc)
}

func compute(t *tree, storage Storage, contentBaseOffset int64, data []byte, virtualOffset int64, contentID string, enc Encryptor) (*Patch, error) {
	if len(t.levels) == 0 {
		return nil, &nxerr.UnsupportedLayer{Reason: "hash tree has no levels"}
	}
	if len(data) == 0 {
		return &Patch{ContentID: contentID}, nil
	}

	patch := &Patch{ContentID: contentID}
	spliced := data
	spliceStart := virtualOffset
	spliceEnd := virtualOffset + int64(len(data))

	// Emit the patch for the data level itself.
	region, err := encryptRegion(enc, contentBaseOffset+spliceStart, spliced)
	if err != nil {
		return nil, err
	}
	patch.Regions = append(patch.Regions, region)

	for levelIdx := len(t.levels) - 1; levelIdx >= 0; levelIdx-- {
		level := t.levels[levelIdx]
		blockSize := level.BlockSize
		if blockSize <= 0 {
			return nil, &nxerr.UnsupportedLayer{Reason: "zero block size at hash level"}
		}

		// spliceStart/spliceEnd are absolute within the section's virtual
		// address space; align the touched range to this level's block
		// size, anchored to the level's own start rather than to virtual
		// offset zero, since a level's region rarely starts on a block
		// boundary of its own block size.
		localStart := spliceStart - level.Offset
		localEnd := spliceEnd - level.Offset
		blockStartLocal := alignDown(localStart, blockSize)
		blockEndLocal := alignUp(localEnd, blockSize)
		blockStart := level.Offset + blockStartLocal
		blockEnd := level.Offset + blockEndLocal

		// Read the current (pre-splice) contents of the affected blocks,
		// through the section's virtual address space, then overlay the
		// newly-written bytes at their relative position.
		blockData := make([]byte, blockEnd-blockStart)
		if err := storage.Read(blockStart, blockData); err != nil {
			return nil, err
		}
		copy(blockData[spliceStart-blockStart:], spliced)

		numBlocks := int((blockEnd - blockStart) / blockSize)
		newHashes := make([]byte, numBlocks*32)
		for b := 0; b < numBlocks; b++ {
			chunk := blockData[int64(b)*blockSize : int64(b+1)*blockSize]
			sum := t.algorithm.sum(chunk)
			copy(newHashes[b*32:(b+1)*32], sum[:])
		}

		if levelIdx == 0 {
			// The outermost level's whole region, with the splice
			// applied, feeds the master hash directly rather than
			// another level.
			whole := make([]byte, level.Size)
			if err := storage.Read(level.Offset, whole); err != nil {
				return nil, err
			}
			copy(whole[spliceStart-level.Offset:], spliced)
			*t.masterHash = t.algorithm.sum(whole)
			break
		}

		parent := t.levels[levelIdx-1]
		hashOffsetInParentLevel := blockStartLocal / blockSize * 32
		parentAbsolute := contentBaseOffset + parent.Offset + hashOffsetInParentLevel

		region, err := encryptRegion(enc, parentAbsolute, newHashes)
		if err != nil {
			return nil, err
		}
		patch.Regions = append(patch.Regions, region)

		// Propagate: the next iteration up treats this level's newly
		// written hash array as its own spliced data.
		spliced = newHashes
		spliceStart = parent.Offset + hashOffsetInParentLevel
		spliceEnd = spliceStart + int64(len(newHashes))
	}

	return patch, nil
}

func encryptRegion(enc Encryptor, absoluteOffset int64, plaintext []byte) (Region, error) {
	if enc == nil {
		return Region{Offset: absoluteOffset, Bytes: plaintext}, nil
	}
	encrypted, err := enc.Encrypt(absoluteOffset, plaintext)
	if err != nil {
		return Region{}, err
	}
	return Region{Offset: absoluteOffset, Bytes: encrypted}, nil
}

func alignDown(v, align int64) int64 { return v - (v % align + align) % align }
func alignUp(v, align int64) int64   { return alignDown(v+align-1, align) }

// WriteToBuffer applies the overlapping portion of patch against buf,
// which represents bufLen bytes of the content file starting at
// bufOffset — used during a streaming dump where the hash-tree patch is
// computed once but must be spliced into many sequential chunks as they
// pass through (spec.md §4.10). Patch.Written flips true once every
// region has been fully covered by some call.
func WriteToBuffer(patch *Patch, buf []byte, bufOffset int64, bufLen int64) {
	bufEnd := bufOffset + bufLen
	allCovered := true
	for i := range patch.Regions {
		r := &patch.Regions[i]
		rEnd := r.Offset + int64(len(r.Bytes))
		start := r.Offset
		if start < bufOffset {
			start = bufOffset
		}
		end := rEnd
		if end > bufEnd {
			end = bufEnd
		}
		if start < end {
			copy(buf[start-bufOffset:end-bufOffset], r.Bytes[start-r.Offset:end-r.Offset])
			r.covered += end - start
		}
		if r.covered < int64(len(r.Bytes)) {
			allCovered = false
		}
	}
	if allCovered {
		patch.Written = true
	}
}

// ParseHierarchicalSha256 parses the HierarchicalSha256 layout packed
// into a section header's 0xf8-byte hash-data field: a layer count, up
// to 5 (offset, size) regions, a shared block size, then the master
// hash (spec.md §4.10).
func ParseHierarchicalSha256(hashData []byte, algorithm HashAlgorithm) (*HierarchicalSha256, error) {
	if len(hashData) < 0x78 {
		return nil, &nxerr.MalformedImage{Where: "hashtree.sha256", Err: errShortHashData(len(hashData))}
	}
	layerCount := int(binary.LittleEndian.Uint32(hashData[0:4]))
	if layerCount < 1 || layerCount > 5 {
		return nil, &nxerr.MalformedImage{Where: "hashtree.sha256.layer_count", Err: errBadLayerCount(layerCount)}
	}
	levels := make([]Level, layerCount)
	for i := 0; i < layerCount; i++ {
		off := 4 + i*16
		levels[i] = Level{
			Offset: int64(binary.LittleEndian.Uint64(hashData[off : off+8])),
			Size:   int64(binary.LittleEndian.Uint64(hashData[off+8 : off+16])),
		}
	}
	blockSize := int64(binary.LittleEndian.Uint32(hashData[4+5*16 : 4+5*16+4]))
	for i := range levels {
		levels[i].BlockSize = blockSize
	}
	var master [32]byte
	copy(master[:], hashData[4+5*16+4:4+5*16+4+32])
	return &HierarchicalSha256{Levels: levels, MasterHash: master, Algorithm: algorithm}, nil
}

// ParseHierarchicalIntegrity parses an IVFC hash-data field: 6 fixed
// levels each with their own (offset, size, block order), then the
// master hash (spec.md §4.10).
func ParseHierarchicalIntegrity(hashData []byte, algorithm HashAlgorithm) (*HierarchicalIntegrity, error) {
	const levelRecordSize = 24
	if len(hashData) < 6*levelRecordSize+32 {
		return nil, &nxerr.MalformedImage{Where: "hashtree.integrity", Err: errShortHashData(len(hashData))}
	}
	var h HierarchicalIntegrity
	h.Algorithm = algorithm
	for i := 0; i < 6; i++ {
		off := i * levelRecordSize
		order := binary.LittleEndian.Uint32(hashData[off+16 : off+20])
		h.Levels[i] = Level{
			Offset:    int64(binary.LittleEndian.Uint64(hashData[off : off+8])),
			Size:      int64(binary.LittleEndian.Uint64(hashData[off+8 : off+16])),
			BlockSize: int64(1) << order,
		}
	}
	copy(h.MasterHash[:], hashData[6*levelRecordSize:6*levelRecordSize+32])
	return &h, nil
}
