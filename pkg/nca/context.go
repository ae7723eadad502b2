// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"github.com/DarkMatterCore/nxdumptool-core/pkg/bucket"
	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/keyset"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// Key-area slot indices this module assigns to the two standard roles a
// section needs: an AES-XTS key pair (NCA0 content) and an AES-CTR key
// (everything else). The remaining slot (3) exists in the on-disk
// format but is unused by any section role this pipeline drives.
const (
	keyAreaSlotXts1 = 0
	keyAreaSlotXts2 = 1
	keyAreaSlotCtr  = 2
)

// OpenOptions gathers everything CaContext.Open needs beyond the raw
// header bytes: the content provider, the keyset, the production/
// development modulus to verify the main signature against (nil skips
// verification), an externally-resolved titlekey (the caller already
// consulted pkg/ticket; nil means none available or none needed), and,
// for Patch-type content, the base CA's already-open section storages
// to serve Indirect "Original" reads.
type OpenOptions struct {
	Provider     ContentProvider
	Keyset       *keyset.Keyset
	Modulus      []byte
	Titlekey     *[16]byte
	BaseSections [numSections]*Storage
}

// CaContext is the fully opened content archive (spec.md §4.5): a
// decrypted header, decrypted key area (or titlekey), and per-section
// contexts, all opened by Open. It owns all four; a section must not outlive
// its CaContext (spec.md §9 ownership note) — in Go this is simply
// aliasing, since CaContext.sections holds the only strong references.
type CaContext struct {
	Header   *Header
	KeyArea  KeyArea
	Titlekey *[16]byte

	provider ContentProvider
	sections [numSections]*SectionContext
}

// SectionContext owns one section's decrypted header and its assembled
// storage stack; it back-references its parent CA only through values
// already copied at open time (key material, provider), never through a
// pointer back to CaContext, so there is no cycle to manage.
type SectionContext struct {
	Header  *SectionHeader
	Storage *Storage
}

// Open parses and validates encryptedHeader (spec.md §4.5 steps 1-8),
// then opens every populated section (step 9) and assembles its storage
// stack (spec.md §4.6).
func Open(encryptedHeader []byte, opts OpenOptions) (*CaContext, error) {
	header, err := ParseHeader(encryptedHeader, opts.Keyset, opts.Modulus)
	if err != nil {
		return nil, err
	}

	ca := &CaContext{Header: header, Titlekey: opts.Titlekey, provider: opts.Provider}

	if !header.RightsIDAvailable {
		area, err := DecryptKeyArea(header, opts.Keyset)
		if err != nil {
			return nil, err
		}
		ca.KeyArea = area
	}
	// If rights id is available but no titlekey was resolved, we proceed
	// anyway (spec.md §4.5 step 8): sections needing it fail on first
	// read rather than failing the whole open.

	key1, key2, err := opts.Keyset.HeaderKey()
	if err != nil {
		return nil, err
	}

	for i := 0; i < numSections; i++ {
		if !header.SectionPopulated(i) {
			continue
		}
		sc, err := ca.openSection(i, key1, key2, opts.BaseSections[i])
		if err != nil {
			return nil, err
		}
		ca.sections[i] = sc
	}
	return ca, nil
}

// Section returns the already-opened context for section i, or nil if
// that section is not populated.
func (ca *CaContext) Section(i int) *SectionContext {
	if i < 0 || i >= numSections {
		return nil
	}
	return ca.sections[i]
}

// Read performs a raw, uninterpreted read of the content file (spec.md
// §4.5's read() operation) — no section-level crypto is applied here;
// callers that want plaintext section bytes go through a
// SectionContext's Storage instead.
func (ca *CaContext) Read(contentOffset int64, length int) ([]byte, error) {
	raw, err := ca.provider.ReadContentFile(contentOffset, length)
	if err != nil {
		return nil, &nxerr.IoError{Source: err}
	}
	return raw, nil
}

func (ca *CaContext) openSection(i int, headerKey1, headerKey2 [16]byte, base *Storage) (*SectionContext, error) {
	sector, contentOffset := ca.Header.SectionHeaderSector(i)
	raw, err := ca.provider.ReadContentFile(contentOffset, SectionHeaderSize)
	if err != nil {
		return nil, &nxerr.IoError{Source: err}
	}

	var sh *SectionHeader
	if ca.Header.Format == FormatNca0 {
		xts1, xts2 := ca.sectionXtsKeys()
		sh, err = parseSectionHeader(raw, xts1, xts2, sector)
	} else {
		sh, err = parseSectionHeader(raw, headerKey1, headerKey2, sector)
	}
	if err != nil {
		return nil, err
	}

	expected := ca.Header.SectionHashes[i]
	got := nxcrypto.SHA256(sh.Decrypted[:])
	if got != expected {
		return nil, &nxerr.HashMismatch{Where: "nca.section_header", Expected: expected[:], Actual: got[:]}
	}

	if ca.Header.Format == FormatNca0 && sh.HasSparseLayer() {
		return nil, &nxerr.UnsupportedCombination{Reason: "NCA0 content with a Sparse section layer"}
	}

	start, end := ca.Header.SectionContentRange(i)
	size := end - start
	xtsKey1, xtsKey2, ctrKey := ca.sectionKeys()

	regular := NewRegular(ca.provider, start, size, sh.Encryption, xtsKey1, xtsKey2, ctrKey, sh.UpperIV, sh.MetaHashRegion)

	storage := regular
	if sh.HasCompressionLayer() {
		table, err := loadBucketFromStorage(regular, sh.Compression.Bucket, compressedEntrySize)
		if err != nil {
			return nil, err
		}
		storage = NewCompressed(table, regular)
	}
	if sh.HasSparseLayer() {
		table, err := loadBucketFromStorage(storage, sh.Sparse.Bucket, indirectEntrySize)
		if err != nil {
			return nil, err
		}
		storage = NewSparse(table, ca.provider, ctrKey, sh.Sparse)
	}
	if sh.HasPatchLayer() {
		exTable, err := loadBucketFromStorage(storage, sh.Patch.AesCtrExBucket, ctrExEntrySize)
		if err != nil {
			return nil, err
		}
		ctrExStorage := NewCtrEx(exTable, ca.provider, start, ctrKey)
		indTable, err := loadBucketFromStorage(storage, sh.Patch.IndirectBucket, indirectEntrySize)
		if err != nil {
			return nil, err
		}
		storage = NewIndirect(indTable, base, ctrExStorage)
	}

	return &SectionContext{Header: sh, Storage: storage}, nil
}

const (
	indirectEntrySize   = 0x14
	ctrExEntrySize      = 0x10
	compressedEntrySize = 0x18
)

// loadBucketFromStorage reads a bucket-tree table's bytes through an
// already-assembled lower storage and parses it — the table lives
// inside the section's own (decrypted, and possibly already
// compressed-layer-composed) virtual byte stream, so it must be read
// the same way any other section byte is.
func loadBucketFromStorage(lower *Storage, desc BucketDescriptor, entrySize int) (*bucket.Table, error) {
	buf := make([]byte, desc.Size)
	if err := lower.Read(desc.Offset, buf); err != nil {
		return nil, err
	}
	return bucket.Load(buf, entrySize)
}

// sectionKeys resolves the AES key material every section needs: the
// rights-id titlekey when present, otherwise the matching key-area
// slots (spec.md §4.5 steps 7-8).
func (ca *CaContext) sectionKeys() (xts1, xts2, ctr [16]byte) {
	if ca.Header.RightsIDAvailable {
		if ca.Titlekey != nil {
			ctr = *ca.Titlekey
		}
		return xts1, xts2, ctr
	}
	return ca.KeyArea[keyAreaSlotXts1], ca.KeyArea[keyAreaSlotXts2], ca.KeyArea[keyAreaSlotCtr]
}

// sectionXtsKeys resolves the pair of key-area slots NCA0 section
// headers are encrypted with directly (rather than the shared header
// key NCA2/NCA3 use).
func (ca *CaContext) sectionXtsKeys() (key1, key2 [16]byte) {
	return ca.KeyArea[keyAreaSlotXts1], ca.KeyArea[keyAreaSlotXts2]
}
