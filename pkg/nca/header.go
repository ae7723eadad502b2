// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nca implements the content-archive reader (spec.md §4.5) and
// the composable section storage stack (spec.md §4.6) built on top of
// it. It is grounded on the teacher's firmware-volume reader
// (pkg/uefi/firmwarevolume.go): a fixed binary header is decrypted and
// validated up front, then a table of child regions (here, four
// sections instead of a volume's file list) is parsed lazily as each is
// opened.
package nca

import (
	"bytes"
	"encoding/binary"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/contentid"
	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/keyset"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// FormatVersion identifies the three on-disk CA header layouts.
type FormatVersion int

const (
	FormatUnknown FormatVersion = iota
	FormatNca0
	FormatNca2
	FormatNca3
)

func (v FormatVersion) String() string {
	switch v {
	case FormatNca0:
		return "NCA0"
	case FormatNca2:
		return "NCA2"
	case FormatNca3:
		return "NCA3"
	default:
		return "unknown"
	}
}

// ContentType enumerates the CA header's content_type byte.
type ContentType uint8

const (
	ContentMeta ContentType = iota
	ContentProgram
	ContentData
	ContentControl
	ContentManual
	ContentPublicData
	ContentDelta
)

const (
	// HeaderSize is the fixed size of the main CA header block, present
	// in every format version at the start of the content.
	HeaderSize = 0x400

	// SectionHeaderSize is the size of one of the 4 per-section headers
	// that follow the main header for NCA2/NCA3.
	SectionHeaderSize = 0x200

	// FullHeaderSize is the main header plus the 4 trailing section
	// headers, the unit decrypted and validated at open() time for
	// NCA2/NCA3 content (spec.md §4.5 steps 1-2).
	FullHeaderSize = HeaderSize + 4*SectionHeaderSize

	numSections = 4

	offMagic            = 0x200
	offDistType         = 0x204
	offContentType      = 0x205
	offKeyGeneration    = 0x206
	offKeyAreaIndex     = 0x207
	offContentSize      = 0x208
	offProgramID        = 0x210
	offContentIndex     = 0x218
	offSdkVersion       = 0x21c
	offKeyGeneration2   = 0x220
	offRightsID         = 0x230
	offSectionEntries   = 0x240
	sectionEntrySize    = 0x10
	offSectionHashes    = 0x280
	sectionHashSize     = 0x20
	offKeyArea          = 0x300
	keyAreaEntrySize    = 0x10
	offSignature        = 0x000
	signatureSize       = 0x100
	offSignedRegionFrom = 0x200 // the main header's signature covers [0x200, 0x400)
)

var ncaMagics = map[[4]byte]FormatVersion{
	{'N', 'C', 'A', '0'}: FormatNca0,
	{'N', 'C', 'A', '2'}: FormatNca2,
	{'N', 'C', 'A', '3'}: FormatNca3,
}

// SectionEntry is one of the 4 media-unit start/end ranges in the main
// header (spec.md §3).
type SectionEntry struct {
	MediaStartOffset uint32
	MediaEndOffset   uint32
}

func (e SectionEntry) empty() bool { return e.MediaEndOffset <= e.MediaStartOffset }

// Header is the fully decrypted, parsed main CA header.
type Header struct {
	Format            FormatVersion
	DistributionType  byte
	ContentType       ContentType
	KeyGeneration     int // max(legacy, current) per spec.md §4.5 step 4
	KeyAreaIndex      int
	ContentSize       int64
	ProgramID         uint64
	ContentIndex      uint32
	SDKVersion        uint32
	RightsID          contentid.ID
	RightsIDAvailable bool
	Sections          [numSections]SectionEntry
	SectionHashes     [numSections][32]byte
	EncryptedKeyArea  [numSections][keyAreaEntrySize]byte

	ValidMainSignature bool

	// Decrypted holds the plaintext main header bytes; rawEncrypted keeps
	// the encrypted bytes as read.
	Decrypted    [HeaderSize]byte
	rawEncrypted [HeaderSize]byte
}

// ParseHeader decrypts and validates the main 0x400-byte CA header found
// at the start of encrypted, AES-XTS keyed with the keyset's header key,
// and verifies (but does not require) the fixed-key RSA-PSS signature
// using modulus (the per-generation production or development key the
// caller selected).
func ParseHeader(encrypted []byte, ks *keyset.Keyset, modulus []byte) (*Header, error) {
	if len(encrypted) < HeaderSize {
		return nil, &nxerr.MalformedImage{Where: "nca.header", Err: errShortHeader(len(encrypted))}
	}
	key1, key2, err := ks.HeaderKey()
	if err != nil {
		return nil, err
	}

	var h Header
	copy(h.rawEncrypted[:], encrypted[:HeaderSize])

	if err := nxcrypto.AESXTSCrypt(key1[:], key2[:], 0, nxcrypto.XTSSectorSize, h.rawEncrypted[:], h.Decrypted[:], false); err != nil {
		return nil, err
	}
	d := h.Decrypted[:]

	var magic [4]byte
	copy(magic[:], d[offMagic:offMagic+4])
	format, ok := ncaMagics[magic]
	if !ok {
		return nil, &nxerr.MalformedImage{Where: "nca.header.magic", Err: errBadMagic(magic)}
	}
	h.Format = format

	h.DistributionType = d[offDistType]
	h.ContentType = ContentType(d[offContentType])
	legacyGen := int(d[offKeyGeneration])
	currentGen := int(d[offKeyGeneration2])
	h.KeyGeneration = legacyGen
	if currentGen > h.KeyGeneration {
		h.KeyGeneration = currentGen
	}
	h.KeyAreaIndex = int(d[offKeyAreaIndex])
	h.ContentSize = int64(binary.LittleEndian.Uint64(d[offContentSize : offContentSize+8]))
	h.ProgramID = binary.LittleEndian.Uint64(d[offProgramID : offProgramID+8])
	h.ContentIndex = binary.LittleEndian.Uint32(d[offContentIndex : offContentIndex+4])
	h.SDKVersion = binary.LittleEndian.Uint32(d[offSdkVersion : offSdkVersion+4])
	copy(h.RightsID[:], d[offRightsID:offRightsID+contentid.Size])
	h.RightsIDAvailable = !h.RightsID.IsZero()

	for i := 0; i < numSections; i++ {
		off := offSectionEntries + i*sectionEntrySize
		h.Sections[i] = SectionEntry{
			MediaStartOffset: binary.LittleEndian.Uint32(d[off : off+4]),
			MediaEndOffset:   binary.LittleEndian.Uint32(d[off+4 : off+8]),
		}
		copy(h.SectionHashes[i][:], d[offSectionHashes+i*sectionHashSize:offSectionHashes+(i+1)*sectionHashSize])
		copy(h.EncryptedKeyArea[i][:], d[offKeyArea+i*keyAreaEntrySize:offKeyArea+(i+1)*keyAreaEntrySize])
	}

	if modulus != nil {
		// The signature covers the second half of the header only
		// (spec.md §3, §4.5 step 6); never fatal on mismatch.
		sig := d[offSignature : offSignature+signatureSize]
		signed := d[offSignedRegionFrom:HeaderSize]
		h.ValidMainSignature = nxcrypto.RSAPSSVerifySHA256(modulus, sig, signed) == nil
	}

	return &h, nil
}

// EncryptedBytes returns the still-encrypted main header, the reusable
// patch source the ownership model in spec.md §3 calls for.
func (h *Header) EncryptedBytes() []byte { return h.rawEncrypted[:] }

// SectionHeaderSector returns the absolute XTS sector (for the purpose
// of decrypting raw bytes with the header key) and the byte offset
// within the content file at which section i's header begins, per the
// format-version-dependent placement spec.md §4.5 step 9 describes.
func (h *Header) SectionHeaderSector(i int) (sector uint64, contentOffset int64) {
	switch h.Format {
	case FormatNca3:
		return uint64(2 + i), int64(HeaderSize + i*SectionHeaderSize)
	case FormatNca2:
		return 0, int64(HeaderSize + i*SectionHeaderSize)
	case FormatNca0:
		start := int64(h.Sections[i].MediaStartOffset) * int64(nxcrypto.XTSSectorSize)
		return uint64(h.Sections[i].MediaStartOffset) - 2, start - SectionHeaderSize
	default:
		return 0, 0
	}
}

// SectionContentRange returns the absolute byte range of section i's
// data within the content file.
func (h *Header) SectionContentRange(i int) (start, end int64) {
	e := h.Sections[i]
	return int64(e.MediaStartOffset) * int64(nxcrypto.XTSSectorSize), int64(e.MediaEndOffset) * int64(nxcrypto.XTSSectorSize)
}

// SectionPopulated reports whether section i carries data.
func (h *Header) SectionPopulated(i int) bool { return !h.Sections[i].empty() }

// ncaAllZeroKeyAreaHash is the SHA-256 of an all-zero 0x40-byte key area,
// the "nothing was ever encrypted here" signature some early NCA0
// content carries verbatim in its key-area bytes (spec.md §4.5 step 7).
var ncaAllZeroKeyAreaHash = nxcrypto.SHA256(make([]byte, numSections*keyAreaEntrySize))

// isPlaintextKeyArea reports whether the still-"encrypted" NCA0 key area
// bytes hash to ncaAllZeroKeyAreaHash, meaning they were never actually
// encrypted and should be used as-is.
func isPlaintextKeyArea(encrypted []byte) bool {
	sum := nxcrypto.SHA256(encrypted)
	return bytes.Equal(sum[:], ncaAllZeroKeyAreaHash[:])
}
