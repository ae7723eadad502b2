// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package roifs implements the read-only, hierarchical content
// filesystem reader (spec.md §4.8): directory and file tables linked by
// sibling/child offsets rather than a path string per entry, walked the
// way pkg/visitors traverses a UEFI firmware-volume tree node by node.
package roifs

import (
	"encoding/binary"
	"strings"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// Storage is the byte-addressable collaborator a Context reads through.
type Storage interface {
	Read(offset int64, out []byte) error
	Size() int64
}

// PatchAware is implemented by storages that can report whether a byte
// range is served by a Patch extent rather than the base CA — satisfied
// by *nca.Storage. Storages that don't implement it are treated as never
// patched.
type PatchAware interface {
	IsPatched(offset, length int64) (bool, error)
}

const void = 0xFFFFFFFF

// header offsets shared by both the legacy and current table layouts:
// four uint32/int64 region descriptors, current adding a bucket-tree
// relocation table pair per region which this reader does not need.
const (
	legacyHeaderSize  = 0x50
	currentHeaderSize = 0x80
)

// EntryKind distinguishes directory from file entries in the traversal
// iterator (spec.md §4.8).
type EntryKind int

const (
	KindDirectory EntryKind = iota
	KindFile
)

type dirEntry struct {
	parentOffset        uint32
	nextSiblingOffset    uint32
	firstChildDirOffset  uint32
	firstChildFileOffset uint32
	name                 string
	hashChainNext        uint32
}

// File is a resolved file-table row.
type File struct {
	offset            uint32
	parentOffset      uint32
	nextSiblingOffset uint32
	DataOffset        int64
	DataSize          int64
	Name              string
	hashChainNext     uint32
}

// Context is the opened directory/file table pair plus the storage the
// data area is read through (spec.md §3).
type Context struct {
	storage      Storage
	dirTable     []byte
	fileTable    []byte
	dataAreaBase int64
}

// Open parses the directory and file tables described by the header at
// the start of storage. Legacy (0x50-byte) and current (0x80-byte)
// headers are distinguished by the dir-table offset: one below 0x80
// selects the legacy layout (spec.md §4.8).
func Open(storage Storage) (*Context, error) {
	hdr := make([]byte, currentHeaderSize)
	if err := storage.Read(0, hdr); err != nil {
		return nil, err
	}

	dirOffset, dirSize := readRegion(hdr, 0)
	fileOffset, fileSize := readRegion(hdr, 0x18)

	headerSize := currentHeaderSize
	if dirOffset < currentHeaderSize {
		headerSize = legacyHeaderSize
		dirOffset, dirSize = readRegion(hdr, 0)
		fileOffset, fileSize = readRegion(hdr, 0x10)
	}
	_ = headerSize

	dirTable := make([]byte, dirSize)
	if err := storage.Read(dirOffset, dirTable); err != nil {
		return nil, err
	}
	fileTable := make([]byte, fileSize)
	if err := storage.Read(fileOffset, fileTable); err != nil {
		return nil, err
	}

	return &Context{
		storage:      storage,
		dirTable:     dirTable,
		fileTable:    fileTable,
		dataAreaBase: fileOffset + fileSize,
	}, nil
}

// readRegion reads an (offset int64, size int64) pair at off within the
// header — both legacy and current layouts use 8-byte offset/size pairs
// for each region, only the pair positions differ.
func readRegion(hdr []byte, off int) (int64, int64) {
	offset := int64(binary.LittleEndian.Uint64(hdr[off : off+8]))
	size := int64(binary.LittleEndian.Uint64(hdr[off+8 : off+16]))
	return offset, size
}

func (c *Context) readDirEntry(offset uint32) (dirEntry, error) {
	if int(offset)+0x14 > len(c.dirTable) {
		return dirEntry{}, &nxerr.OutOfRange{Offset: int64(offset), Length: 0x14, Extent: int64(len(c.dirTable))}
	}
	raw := c.dirTable[offset:]
	nameLen := binary.LittleEndian.Uint32(raw[16:20])
	if int(offset)+0x14+int(nameLen) > len(c.dirTable) {
		return dirEntry{}, &nxerr.OutOfRange{Offset: int64(offset) + 0x14, Length: int64(nameLen), Extent: int64(len(c.dirTable))}
	}
	name := string(raw[20 : 20+nameLen])
	hashChainNext := binary.LittleEndian.Uint32(raw[20+nameLen : 24+nameLen])
	return dirEntry{
		parentOffset:         binary.LittleEndian.Uint32(raw[0:4]),
		nextSiblingOffset:    binary.LittleEndian.Uint32(raw[4:8]),
		firstChildDirOffset:  binary.LittleEndian.Uint32(raw[8:12]),
		firstChildFileOffset: binary.LittleEndian.Uint32(raw[12:16]),
		name:                 name,
		hashChainNext:        hashChainNext,
	}, nil
}

func (c *Context) readFileEntry(offset uint32) (File, error) {
	if int(offset)+0x20 > len(c.fileTable) {
		return File{}, &nxerr.OutOfRange{Offset: int64(offset), Length: 0x20, Extent: int64(len(c.fileTable))}
	}
	raw := c.fileTable[offset:]
	nameLen := binary.LittleEndian.Uint32(raw[24:28])
	if int(offset)+0x20+int(nameLen) > len(c.fileTable) {
		return File{}, &nxerr.OutOfRange{Offset: int64(offset) + 0x20, Length: int64(nameLen), Extent: int64(len(c.fileTable))}
	}
	name := string(raw[28 : 28+nameLen])
	hashChainNext := binary.LittleEndian.Uint32(raw[28+nameLen : 32+nameLen])
	return File{
		offset:            offset,
		parentOffset:      binary.LittleEndian.Uint32(raw[0:4]),
		nextSiblingOffset: binary.LittleEndian.Uint32(raw[4:8]),
		DataOffset:        int64(binary.LittleEndian.Uint64(raw[8:16])),
		DataSize:          int64(binary.LittleEndian.Uint64(raw[16:24])),
		Name:              name,
		hashChainNext:     hashChainNext,
	}, nil
}

// Lookup resolves a "/"-separated path, tokenizing and walking the
// child-dir list until the final component, which is then searched for
// among both the child-dir and child-file lists (spec.md §4.8). Returns
// NotFound if any component is absent.
func (c *Context) Lookup(path string) (EntryKind, File, error) {
	path = strings.Trim(path, "/")
	var components []string
	if path != "" {
		components = strings.Split(path, "/")
	}

	dirOffset := uint32(0)
	for i, comp := range components {
		last := i == len(components)-1

		dir, err := c.readDirEntry(dirOffset)
		if err != nil {
			return 0, File{}, err
		}

		if last {
			if child, ok, err := c.findChildDir(dir.firstChildDirOffset, comp); err != nil {
				return 0, File{}, err
			} else if ok {
				_ = child
				return KindDirectory, File{}, nil
			}
			if f, ok, err := c.findChildFile(dir.firstChildFileOffset, comp); err != nil {
				return 0, File{}, err
			} else if ok {
				return KindFile, f, nil
			}
			return 0, File{}, nxerr.NewNotFound("roifs path: " + path)
		}

		next, ok, err := c.findChildDir(dir.firstChildDirOffset, comp)
		if err != nil {
			return 0, File{}, err
		}
		if !ok {
			return 0, File{}, nxerr.NewNotFound("roifs path: " + path)
		}
		dirOffset = next
	}
	return KindDirectory, File{}, nil
}

func (c *Context) findChildDir(first uint32, name string) (uint32, bool, error) {
	offset := first
	for offset != void {
		e, err := c.readDirEntry(offset)
		if err != nil {
			return 0, false, err
		}
		if e.name == name {
			return offset, true, nil
		}
		offset = e.nextSiblingOffset
	}
	return 0, false, nil
}

func (c *Context) findChildFile(first uint32, name string) (File, bool, error) {
	offset := first
	for offset != void {
		f, err := c.readFileEntry(offset)
		if err != nil {
			return File{}, false, err
		}
		if f.Name == name {
			return f, true, nil
		}
		offset = f.nextSiblingOffset
	}
	return File{}, false, nil
}

// VisitFunc is called once per entry during Walk, receiving its full
// path, kind and (for files) size.
type VisitFunc func(path string, kind EntryKind, size int64) error

// Walk performs a deterministic traversal of the whole tree: children
// before siblings, directories before files — matching the order
// pkg/visitors' firmware-volume walker applies to nested volume images.
func (c *Context) Walk(visit VisitFunc) error {
	return c.walkDir(0, "", visit)
}

func (c *Context) walkDir(dirOffset uint32, prefix string, visit VisitFunc) error {
	dir, err := c.readDirEntry(dirOffset)
	if err != nil {
		return err
	}

	childOffset := dir.firstChildDirOffset
	for childOffset != void {
		child, err := c.readDirEntry(childOffset)
		if err != nil {
			return err
		}
		path := joinPath(prefix, child.name)
		if err := visit(path, KindDirectory, 0); err != nil {
			return err
		}
		if err := c.walkDir(childOffset, path, visit); err != nil {
			return err
		}
		childOffset = child.nextSiblingOffset
	}

	fileOffset := dir.firstChildFileOffset
	for fileOffset != void {
		f, err := c.readFileEntry(fileOffset)
		if err != nil {
			return err
		}
		path := joinPath(prefix, f.Name)
		if err := visit(path, KindFile, f.DataSize); err != nil {
			return err
		}
		fileOffset = f.nextSiblingOffset
	}
	return nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// ReadFile reads len(out) bytes of f's data starting at offset, relative
// to the file's own data range (spec.md §4.8).
func (c *Context) ReadFile(f File, offset int64, out []byte) error {
	if offset < 0 || offset+int64(len(out)) > f.DataSize {
		return &nxerr.OutOfRange{Offset: offset, Length: int64(len(out)), Extent: f.DataSize}
	}
	return c.storage.Read(c.dataAreaBase+f.DataOffset+offset, out)
}

// IsEntryUpdated reports whether f's data range overlaps a Patch-tagged
// extent in the underlying storage — meaningful only for a Patch RoIFS
// opened on top of an Indirect section storage (spec.md §4.8).
func (c *Context) IsEntryUpdated(f File) (bool, error) {
	aware, ok := c.storage.(PatchAware)
	if !ok {
		return false, nil
	}
	return aware.IsPatched(c.dataAreaBase+f.DataOffset, f.DataSize)
}
