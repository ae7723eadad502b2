// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pfs implements the flat partition-filesystem reader (spec.md
// §4.7): a 16-byte header, a packed entry table and a zero-padded name
// table, read from a section's storage stack the way pkg/cbfs reads a
// CBFS image's header-then-entries layout off a flat byte stream.
package pfs

import (
	"bytes"
	"encoding/binary"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// Storage is the byte-addressable collaborator a Context reads through —
// satisfied by *nca.Storage, kept as a narrow interface here so this
// package never imports pkg/nca.
type Storage interface {
	Read(offset int64, out []byte) error
	Size() int64
}

const (
	headerSize    = 0x10
	entrySize     = 0x18
	alignment     = 0x20
	npdmMagic     = "META"
	npdmEntryName = "main.npdm"
)

var magic = [4]byte{'P', 'F', 'S', '0'}

// Entry is one parsed PFS table row.
type Entry struct {
	Name       string
	DataOffset int64
	Size       int64
}

// Context is the opened, in-memory PFS table plus a non-owning reference
// to the storage it reads entry bytes through (spec.md §3).
type Context struct {
	storage    Storage
	entries    []Entry
	headerSize int64
	isExeFS    bool
}

// Open parses the PFS header and entry/name tables at the start of
// storage (spec.md §4.7).
func Open(storage Storage) (*Context, error) {
	hdr := make([]byte, headerSize)
	if err := storage.Read(0, hdr); err != nil {
		return nil, err
	}
	var m [4]byte
	copy(m[:], hdr[0:4])
	if m != magic {
		return nil, &nxerr.MalformedImage{Where: "pfs.header.magic", Err: errBadMagic(m)}
	}
	entryCount := binary.LittleEndian.Uint32(hdr[4:8])
	nameTableSize := binary.LittleEndian.Uint32(hdr[8:12])
	if entryCount == 0 {
		return nil, &nxerr.MalformedImage{Where: "pfs.header.entry_count", Err: errZeroEntryCount()}
	}
	if nameTableSize == 0 {
		return nil, &nxerr.MalformedImage{Where: "pfs.header.name_table_size", Err: errZeroNameTable()}
	}

	rawEntries := make([]byte, int(entryCount)*entrySize)
	if err := storage.Read(headerSize, rawEntries); err != nil {
		return nil, err
	}
	nameTable := make([]byte, nameTableSize)
	if err := storage.Read(headerSize+int64(len(rawEntries)), nameTable); err != nil {
		return nil, err
	}

	entries := make([]Entry, entryCount)
	var prevEnd int64
	for i := 0; i < int(entryCount); i++ {
		raw := rawEntries[i*entrySize : (i+1)*entrySize]
		dataOffset := int64(binary.LittleEndian.Uint64(raw[0:8]))
		size := int64(binary.LittleEndian.Uint64(raw[8:16]))
		nameOffset := binary.LittleEndian.Uint32(raw[16:20])
		if dataOffset < prevEnd {
			return nil, &nxerr.MalformedImage{Where: "pfs.entry.offset", Err: errNonMonotonic(i)}
		}
		name, err := readName(nameTable, nameOffset)
		if err != nil {
			return nil, err
		}
		entries[i] = Entry{Name: name, DataOffset: dataOffset, Size: size}
		prevEnd = dataOffset + size
	}

	headerEnd := int64(headerSize) + int64(len(rawEntries)) + int64(len(nameTable))
	alignedHeaderSize := alignUp(headerEnd, alignment)

	ctx := &Context{storage: storage, entries: entries, headerSize: alignedHeaderSize}
	ctx.isExeFS = ctx.detectExeFS()
	return ctx, nil
}

// readName reads a name starting at nameOffset up to (but not including)
// the next NUL byte, or the end of the table if none is found — names
// may abut the next entry's bytes with no terminator (spec.md §9).
func readName(table []byte, nameOffset uint32) (string, error) {
	if int(nameOffset) > len(table) {
		return "", &nxerr.OutOfRange{Offset: int64(nameOffset), Length: 1, Extent: int64(len(table))}
	}
	rest := table[nameOffset:]
	if end := bytes.IndexByte(rest, 0); end >= 0 {
		return string(rest[:end]), nil
	}
	return string(rest), nil
}

func alignUp(v int64, align int64) int64 { return (v + align - 1) &^ (align - 1) }

// EntryCount returns the number of entries in the table.
func (c *Context) EntryCount() int { return len(c.entries) }

// Entry returns the i-th entry.
func (c *Context) Entry(i int) (Entry, error) {
	if i < 0 || i >= len(c.entries) {
		return Entry{}, &nxerr.OutOfRange{Offset: int64(i), Length: 1, Extent: int64(len(c.entries))}
	}
	return c.entries[i], nil
}

// EntryByName does a linear scan for name — entries are few (spec.md §4.7).
func (c *Context) EntryByName(name string) (int, bool) {
	for i, e := range c.entries {
		if e.Name == name {
			return i, true
		}
	}
	return -1, false
}

// ReadEntry reads len(out) bytes of entry e's data starting at offset,
// relative to the entry's own data range.
func (c *Context) ReadEntry(e Entry, offset int64, out []byte) error {
	if offset < 0 || offset+int64(len(out)) > e.Size {
		return &nxerr.OutOfRange{Offset: offset, Length: int64(len(out)), Extent: e.Size}
	}
	return c.storage.Read(c.headerSize+e.DataOffset+offset, out)
}

// ReadPartition reads len(out) bytes of the whole data area starting at
// offset, relative to the start of the data area (after the header,
// entry table and name table).
func (c *Context) ReadPartition(offset int64, out []byte) error {
	return c.storage.Read(c.headerSize+offset, out)
}

// IsExeFS reports whether this PFS is an ExeFS partition: it carries a
// "main.npdm" entry whose first bytes decode to the NPDM magic (spec.md
// §4.7, supplemented from original_source/source/core/pfs.c).
func (c *Context) IsExeFS() bool { return c.isExeFS }

func (c *Context) detectExeFS() bool {
	i, ok := c.EntryByName(npdmEntryName)
	if !ok {
		return false
	}
	e, err := c.Entry(i)
	if err != nil || e.Size < int64(len(npdmMagic)) {
		return false
	}
	head := make([]byte, len(npdmMagic))
	if err := c.ReadEntry(e, 0, head); err != nil {
		return false
	}
	return string(head) == npdmMagic
}
