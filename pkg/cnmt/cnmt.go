// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cnmt parses and patches a content-meta record (spec.md §4.9):
// the packaged header, extended header, content-info array,
// content-meta-info array (SystemUpdate only) and extended data that
// together describe every content archive belonging to one title.
// Grounded on pkg/cbfs's header-then-records parsing shape, generalized
// to the variable-length, type-dependent record layout a content-meta
// blob uses in place of CBFS's fixed-size file records.
package cnmt

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/hashtree"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/pfs"
)

func sha256Of(b []byte) [32]byte { return nxcrypto.SHA256(b) }

// Type enumerates the content-meta types a packaged header can declare.
type Type byte

const (
	TypeSystemProgram Type = 1 + iota
	TypeSystemData
	TypeSystemUpdate
	TypeBootImagePackage
	TypeBootImagePackageSafe
	_reservedGap1
	_reservedGap2
	_reservedGap3
	TypeApplication
	TypePatch
	TypeAddOnContent
	TypeDelta
	TypeDataPatch
)

var typeNames = map[Type]string{
	TypeSystemProgram:        "SystemProgram",
	TypeSystemData:           "SystemData",
	TypeSystemUpdate:         "SystemUpdate",
	TypeBootImagePackage:     "BootImagePackage",
	TypeBootImagePackageSafe: "BootImagePackageSafe",
	TypeApplication:          "Application",
	TypePatch:                "Patch",
	TypeAddOnContent:         "AddOnContent",
	TypeDelta:                "Delta",
	TypeDataPatch:            "DataPatch",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", byte(t))
}

func parseTypeName(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// ContentType enumerates the kind of each referenced content archive.
type ContentType byte

const (
	ContentMeta ContentType = iota
	ContentProgram
	ContentData
	ContentControl
	ContentHtmlDocument
	ContentLegalInformation
	ContentDeltaFragment
)

// ContentInfo is one 0x38-byte packaged-content-info record (spec.md
// §4.9): SHA-256 over the referenced content, its 16-byte content id,
// its 48-bit LE size, content type and id offset.
type ContentInfo struct {
	Hash        [32]byte
	ContentID   [16]byte
	Size        int64
	ContentType ContentType
	IDOffset    byte
}

const contentInfoSize = 0x38

func parseContentInfo(raw []byte) ContentInfo {
	var ci ContentInfo
	copy(ci.Hash[:], raw[0:32])
	copy(ci.ContentID[:], raw[32:48])
	ci.Size = int64From48(raw[48:54])
	ci.ContentType = ContentType(raw[54])
	ci.IDOffset = raw[55]
	return ci
}

func (ci ContentInfo) serialize() []byte {
	raw := make([]byte, contentInfoSize)
	copy(raw[0:32], ci.Hash[:])
	copy(raw[32:48], ci.ContentID[:])
	putInt64As48(raw[48:54], ci.Size)
	raw[54] = byte(ci.ContentType)
	raw[55] = ci.IDOffset
	return raw
}

// MetaInfo is one 0x10-byte content-meta-info record, present only when
// the packaged header's Type is SystemUpdate (spec.md §4.9).
type MetaInfo struct {
	TitleID    uint64
	Version    uint32
	Type       Type
	Attributes byte
}

const metaInfoSize = 0x10

func parseMetaInfo(raw []byte) MetaInfo {
	return MetaInfo{
		TitleID:    binary.LittleEndian.Uint64(raw[0:8]),
		Version:    binary.LittleEndian.Uint32(raw[8:12]),
		Type:       Type(raw[12]),
		Attributes: raw[13],
	}
}

func (m MetaInfo) serialize() []byte {
	raw := make([]byte, metaInfoSize)
	binary.LittleEndian.PutUint64(raw[0:8], m.TitleID)
	binary.LittleEndian.PutUint32(raw[8:12], m.Version)
	raw[12] = byte(m.Type)
	raw[13] = m.Attributes
	return raw
}

const headerSize = 0x20

// Header is the packaged content-meta header (spec.md §4.9).
type Header struct {
	TitleID            uint64
	Version            uint32
	Type               Type
	ExtendedHeaderSize uint16
	ContentCount       uint16
	ContentMetaCount   uint16
	Attributes         byte
}

// Context is the parsed content-meta record plus the SHA-256 of the raw
// bytes it was built from, which GeneratePatch compares against the
// re-serialized record to tell whether anything changed (spec.md §4.9).
type Context struct {
	entryName string

	Header         Header
	ExtendedHeader []byte
	ContentInfos   []ContentInfo
	MetaInfos      []MetaInfo
	ExtendedData   []byte
	Digest         [32]byte

	rawHash [32]byte
	dirty   bool
}

const digestSize = 32

// Open locates the single ".cnmt" entry inside pfsCtx, cross-checks its
// filename against the title id and type recorded in the parsed header,
// and fully parses its packaged header, extended header, content-info
// and content-meta-info arrays, extended data and trailing digest
// (spec.md §4.9).
func Open(pfsCtx *pfs.Context) (*Context, error) {
	entryIdx := -1
	var entryName string
	for i := 0; i < pfsCtx.EntryCount(); i++ {
		e, err := pfsCtx.Entry(i)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(e.Name, ".cnmt") {
			entryIdx = i
			entryName = e.Name
			break
		}
	}
	if entryIdx < 0 {
		return nil, nxerr.NewNotFound("cnmt entry in partition filesystem")
	}

	wantType, wantTitleID, err := parseEntryFileName(entryName)
	if err != nil {
		return nil, err
	}

	e, err := pfsCtx.Entry(entryIdx)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, e.Size)
	if err := pfsCtx.ReadEntry(e, 0, raw); err != nil {
		return nil, err
	}

	ctx, err := parse(raw)
	if err != nil {
		return nil, err
	}
	ctx.entryName = entryName

	if ctx.Header.TitleID != wantTitleID {
		return nil, &nxerr.MalformedImage{Where: "cnmt.title_id", Err: errTitleIDMismatch(ctx.Header.TitleID, wantTitleID)}
	}
	if ctx.Header.Type != wantType {
		return nil, &nxerr.MalformedImage{Where: "cnmt.type", Err: errTypeMismatch(ctx.Header.Type, wantType)}
	}
	return ctx, nil
}

func parseEntryFileName(name string) (Type, uint64, error) {
	base := strings.TrimSuffix(name, ".cnmt")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return 0, 0, &nxerr.MalformedImage{Where: "cnmt.filename", Err: errBadFileName(name)}
	}
	t, ok := parseTypeName(parts[0])
	if !ok {
		return 0, 0, &nxerr.MalformedImage{Where: "cnmt.filename.type", Err: errUnknownTypeName(parts[0])}
	}
	titleID, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return 0, 0, &nxerr.MalformedImage{Where: "cnmt.filename.title_id", Err: err}
	}
	return t, titleID, nil
}

func parse(raw []byte) (*Context, error) {
	if len(raw) < headerSize+digestSize {
		return nil, &nxerr.MalformedImage{Where: "cnmt.header", Err: errShortBlob(len(raw))}
	}

	h := Header{
		TitleID:            binary.LittleEndian.Uint64(raw[0:8]),
		Version:            binary.LittleEndian.Uint32(raw[8:12]),
		Type:               Type(raw[12]),
		ExtendedHeaderSize: binary.LittleEndian.Uint16(raw[14:16]),
		ContentCount:       binary.LittleEndian.Uint16(raw[16:18]),
		ContentMetaCount:   binary.LittleEndian.Uint16(raw[18:20]),
		Attributes:         raw[20],
	}

	cursor := headerSize
	if cursor+int(h.ExtendedHeaderSize) > len(raw) {
		return nil, &nxerr.MalformedImage{Where: "cnmt.extended_header", Err: errShortBlob(len(raw))}
	}
	extendedHeader := append([]byte{}, raw[cursor:cursor+int(h.ExtendedHeaderSize)]...)
	cursor += int(h.ExtendedHeaderSize)

	contentInfos := make([]ContentInfo, h.ContentCount)
	for i := 0; i < int(h.ContentCount); i++ {
		if cursor+contentInfoSize > len(raw) {
			return nil, &nxerr.MalformedImage{Where: "cnmt.content_info", Err: errShortBlob(len(raw))}
		}
		contentInfos[i] = parseContentInfo(raw[cursor : cursor+contentInfoSize])
		cursor += contentInfoSize
	}

	var metaInfos []MetaInfo
	if h.Type == TypeSystemUpdate {
		metaInfos = make([]MetaInfo, h.ContentMetaCount)
		for i := 0; i < int(h.ContentMetaCount); i++ {
			if cursor+metaInfoSize > len(raw) {
				return nil, &nxerr.MalformedImage{Where: "cnmt.meta_info", Err: errShortBlob(len(raw))}
			}
			metaInfos[i] = parseMetaInfo(raw[cursor : cursor+metaInfoSize])
			cursor += metaInfoSize
		}
	}

	extendedDataEnd := len(raw) - digestSize
	if extendedDataEnd < cursor {
		return nil, &nxerr.MalformedImage{Where: "cnmt.extended_data", Err: errShortBlob(len(raw))}
	}
	extendedData := append([]byte{}, raw[cursor:extendedDataEnd]...)

	var digest [32]byte
	copy(digest[:], raw[extendedDataEnd:])

	return &Context{
		Header:         h,
		ExtendedHeader: extendedHeader,
		ContentInfos:   contentInfos,
		MetaInfos:      metaInfos,
		ExtendedData:   extendedData,
		Digest:         digest,
		rawHash:        sha256Of(raw),
	}, nil
}

// VerifyContent compares hash against the recorded hash for contentID,
// returning a HashMismatch if they differ and NotFound if no content
// info references that id (spec.md §4.9).
func (c *Context) VerifyContent(contentID [16]byte, hash [32]byte) error {
	ci, ok := c.findContent(contentID)
	if !ok {
		return nxerr.NewNotFound("content id " + hex16(contentID))
	}
	if ci.Hash != hash {
		return &nxerr.HashMismatch{Where: "cnmt.content", Expected: ci.Hash[:], Actual: hash[:]}
	}
	return nil
}

// VerifyAll checks every content info against hashesByID (keyed by
// lowercase hex content id), aggregating every mismatch or missing
// entry into a single error via go-multierror rather than failing fast
// on the first bad content (spec.md §4.9, §8 testable property: a
// caller auditing a whole title wants every divergence, not just one).
func (c *Context) VerifyAll(hashesByID map[string][32]byte) error {
	var result *multierror.Error
	for _, ci := range c.ContentInfos {
		id := hex16(ci.ContentID)
		got, ok := hashesByID[id]
		if !ok {
			result = multierror.Append(result, nxerr.NewNotFound("content id "+id))
			continue
		}
		if got != ci.Hash {
			result = multierror.Append(result, &nxerr.HashMismatch{Where: "cnmt.content:" + id, Expected: ci.Hash[:], Actual: got[:]})
		}
	}
	return result.ErrorOrNil()
}

// UpdateContent replaces the content id and hash recorded for oldID
// with newID/newHash and marks the record dirty so a subsequent
// GeneratePatch call re-serializes it (spec.md §4.9).
func (c *Context) UpdateContent(oldID [16]byte, newID [16]byte, newHash [32]byte) error {
	for i := range c.ContentInfos {
		if c.ContentInfos[i].ContentID == oldID {
			c.ContentInfos[i].ContentID = newID
			c.ContentInfos[i].Hash = newHash
			c.dirty = true
			return nil
		}
	}
	return nxerr.NewNotFound("content id " + hex16(oldID))
}

func (c *Context) findContent(id [16]byte) (ContentInfo, bool) {
	for _, ci := range c.ContentInfos {
		if ci.ContentID == id {
			return ci, true
		}
	}
	return ContentInfo{}, false
}

// Serialize re-packs the header, extended header, content-info and
// meta-info arrays, extended data and digest back into one blob, in the
// same layout Open parses (spec.md §4.9).
func (c *Context) Serialize() []byte {
	var out []byte
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(hdr[0:8], c.Header.TitleID)
	binary.LittleEndian.PutUint32(hdr[8:12], c.Header.Version)
	hdr[12] = byte(c.Header.Type)
	binary.LittleEndian.PutUint16(hdr[14:16], uint16(len(c.ExtendedHeader)))
	binary.LittleEndian.PutUint16(hdr[16:18], uint16(len(c.ContentInfos)))
	binary.LittleEndian.PutUint16(hdr[18:20], uint16(len(c.MetaInfos)))
	hdr[20] = c.Header.Attributes
	out = append(out, hdr...)
	out = append(out, c.ExtendedHeader...)
	for _, ci := range c.ContentInfos {
		out = append(out, ci.serialize()...)
	}
	for _, mi := range c.MetaInfos {
		out = append(out, mi.serialize()...)
	}
	out = append(out, c.ExtendedData...)
	out = append(out, c.Digest[:]...)
	return out
}

// PfsEntryPatch is the raw replacement bytes GeneratePatch produces for
// this record's PFS entry, ready to be hash-tree patched by a caller
// holding the enclosing section's storage and hash-tree descriptor
// (spec.md §4.10).
type PfsEntryPatch struct {
	EntryName string
	NewBytes  []byte
}

// GeneratePatch returns the re-serialized record if UpdateContent
// changed anything since Open, or nil if the record is unchanged
// (spec.md §4.9).
func (c *Context) GeneratePatch() *PfsEntryPatch {
	if !c.dirty {
		return nil
	}
	newBytes := c.Serialize()
	if sha256Of(newBytes) == c.rawHash {
		return nil
	}
	return &PfsEntryPatch{EntryName: c.entryName, NewBytes: newBytes}
}

// HashTreePatch wraps GeneratePatch with the hash-tree recomputation a
// caller needs to actually splice the new cnmt bytes into a streamed
// PFS section dump: entryVirtualOffset, the offset of the entry's bytes
// in the section's virtual address space, is passed unchanged to
// pkg/hashtree as the write offset, which returns the encrypted region
// set (spec.md §4.10).
func (c *Context) HashTreePatch(tree *hashtree.HierarchicalSha256, storage hashtree.Storage, contentBaseOffset, entryVirtualOffset int64, enc hashtree.Encryptor) (*hashtree.Patch, error) {
	p := c.GeneratePatch()
	if p == nil {
		return nil, nil
	}
	return hashtree.ComputeFromPfs(tree, storage, contentBaseOffset, p.NewBytes, entryVirtualOffset, c.entryName, enc)
}

func int64From48(b []byte) int64 {
	var v uint64
	for i := 5; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return int64(v)
}

func putInt64As48(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 6; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

func hex16(id [16]byte) string { return fmt.Sprintf("%032x", id) }
