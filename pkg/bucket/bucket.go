// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bucket implements the generic two-level bucket-tree index
// (spec.md §4.4) that powers the Sparse, Indirect, CTR-EX and Compressed
// storage layers. A Table is parameterized only by entry size; it treats
// every entry as an opaque blob whose first 8 little-endian bytes are its
// virtual offset, and leaves decoding the remaining fields to the
// consumer package the way the teacher's bucket-tree traversal is shared
// across unrelated UEFI section types while each decodes its own header.
package bucket

import (
	"encoding/binary"
	"sort"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// HeaderSize is the size in bytes of the table's fixed header.
const HeaderSize = 16

// NodeHeaderSize is the size in bytes of a node's fixed header.
const NodeHeaderSize = 16

// Magic is the fixed 4-byte tag at the start of every bucket-tree table.
var Magic = [4]byte{'B', 'K', 'T', 'R'}

const (
	minNodeSize = 0x400
	maxNodeSize = 0x80000
)

// Header is the bucket-tree table's fixed 16-byte header.
type Header struct {
	Magic      [4]byte
	Version    uint32
	EntryCount uint32
	NodeSize   uint32
}

// nodeHeader is the fixed 16-byte on-disk prefix of every offset-node and
// entry-node: index, count and end-offset (spec.md §3). A node's start
// offset is never stored redundantly on disk — it is always derived,
// either from the previous node's end-offset or, within a node, from its
// first entry's virtual offset.
type nodeHeader struct {
	Index     uint32
	Count     uint32
	EndOffset int64
}

// Entry is one decoded row of an entry-node: its virtual start offset,
// the exclusive end of its range, and its raw undecoded bytes.
type Entry struct {
	VirtualOffset int64
	RangeEnd      int64
	Raw           []byte
}

// entryNode is an in-memory parsed entry-node.
type entryNode struct {
	header  nodeHeader
	entries []Entry
}

// Table is the fully in-memory, parsed representation of one bucket-tree:
// this matches spec.md §3's ownership note that a bucket-tree context
// exclusively owns its fully in-memory table.
type Table struct {
	header    Header
	entrySize int
	nodeSize  int
	endOffset int64

	hasL2        bool
	rootOffsets  []int64 // child start offsets: either of L2 nodes or of entry-nodes directly
	l2Offsets    [][]int64
	entryNodes   []entryNode
}

// Load parses and validates a bucket-tree table stored at the start of
// data, whose on-disk entries are entrySize bytes each.
func Load(data []byte, entrySize int) (*Table, error) {
	if entrySize < 8 {
		return nil, nxerr.NewInvalidArgument("bucket.Load", errBadEntrySize(entrySize))
	}
	if len(data) < HeaderSize {
		return nil, &nxerr.MalformedImage{Where: "bucket.header", Err: errShortBuffer(len(data), HeaderSize)}
	}

	var hdr Header
	copy(hdr.Magic[:], data[0:4])
	hdr.Version = binary.LittleEndian.Uint32(data[4:8])
	hdr.EntryCount = binary.LittleEndian.Uint32(data[8:12])
	hdr.NodeSize = binary.LittleEndian.Uint32(data[12:16])

	if hdr.Magic != Magic {
		return nil, &nxerr.MalformedImage{Where: "bucket.header.magic", Err: errBadMagic(hdr.Magic)}
	}
	if hdr.EntryCount == 0 {
		return nil, &nxerr.MalformedImage{Where: "bucket.header.entry_count", Err: errZeroEntries()}
	}
	nodeSize := int(hdr.NodeSize)
	if nodeSize < minNodeSize || nodeSize > maxNodeSize || nodeSize&(nodeSize-1) != 0 {
		return nil, &nxerr.MalformedImage{Where: "bucket.header.node_size", Err: errBadNodeSize(nodeSize)}
	}
	if nodeSize < entrySize+NodeHeaderSize {
		return nil, &nxerr.MalformedImage{Where: "bucket.header.node_size", Err: errNodeTooSmall(nodeSize, entrySize)}
	}

	entriesPerNode := (nodeSize - NodeHeaderSize) / entrySize
	offsetsPerNode := (nodeSize - NodeHeaderSize) / 8
	numEntryNodes := ceilDiv(int(hdr.EntryCount), entriesPerNode)
	numOffsetNodes := ceilDiv(numEntryNodes, offsetsPerNode)
	hasL2 := numOffsetNodes > 1

	t := &Table{header: hdr, entrySize: entrySize, nodeSize: nodeSize, hasL2: hasL2}

	cursor := HeaderSize
	readNode := func(tag string) ([]byte, error) {
		if cursor+nodeSize > len(data) {
			return nil, &nxerr.MalformedImage{Where: "bucket." + tag, Err: errShortBuffer(len(data)-cursor, nodeSize)}
		}
		n := data[cursor : cursor+nodeSize]
		cursor += nodeSize
		return n, nil
	}

	rootRaw, err := readNode("root")
	if err != nil {
		return nil, err
	}
	rootHdr, rootOffsets, err := parseOffsetNode(rootRaw)
	if err != nil {
		return nil, err
	}
	t.rootOffsets = rootOffsets

	if hasL2 {
		if int(rootHdr.Count) != numOffsetNodes {
			return nil, &nxerr.MalformedImage{Where: "bucket.root.count", Err: errCountMismatch(numOffsetNodes, int(rootHdr.Count))}
		}
		t.l2Offsets = make([][]int64, numOffsetNodes)
		for i := 0; i < numOffsetNodes; i++ {
			raw, err := readNode("l2")
			if err != nil {
				return nil, err
			}
			_, offs, err := parseOffsetNode(raw)
			if err != nil {
				return nil, err
			}
			t.l2Offsets[i] = offs
		}
	} else if int(rootHdr.Count) != numEntryNodes {
		return nil, &nxerr.MalformedImage{Where: "bucket.root.count", Err: errCountMismatch(numEntryNodes, int(rootHdr.Count))}
	}

	t.entryNodes = make([]entryNode, numEntryNodes)
	var prevEnd int64
	remaining := int(hdr.EntryCount)
	for i := 0; i < numEntryNodes; i++ {
		raw, err := readNode("entry")
		if err != nil {
			return nil, err
		}
		n := ceilMin(remaining, entriesPerNode)
		node, err := parseEntryNode(raw, entrySize, n)
		if err != nil {
			return nil, err
		}
		if int(node.header.Index) != i {
			return nil, &nxerr.MalformedImage{Where: "bucket.entry_node.index", Err: errIndexMismatch(i, int(node.header.Index))}
		}
		startOffset := node.entries[0].VirtualOffset
		if i > 0 && startOffset != prevEnd {
			return nil, &nxerr.MalformedImage{Where: "bucket.entry_node.start_offset", Err: errDiscontinuity(prevEnd, startOffset)}
		}
		if startOffset >= node.header.EndOffset {
			return nil, &nxerr.MalformedImage{Where: "bucket.entry_node.range", Err: errEmptyRange(startOffset, node.header.EndOffset)}
		}
		// Fill range ends now that we know each entry's neighbor.
		for j := range node.entries {
			if j+1 < len(node.entries) {
				node.entries[j].RangeEnd = node.entries[j+1].VirtualOffset
			} else {
				node.entries[j].RangeEnd = node.header.EndOffset
			}
			if j > 0 && node.entries[j].VirtualOffset <= node.entries[j-1].VirtualOffset {
				return nil, &nxerr.MalformedImage{Where: "bucket.entry.monotonic", Err: errNotMonotonic()}
			}
		}
		t.entryNodes[i] = node
		prevEnd = node.header.EndOffset
		remaining -= n
	}
	t.endOffset = prevEnd
	return t, nil
}

// EndOffset returns the virtual size the table covers.
func (t *Table) EndOffset() int64 { return t.endOffset }

// EntryCount returns the total number of entries across all entry-nodes.
func (t *Table) EntryCount() int { return int(t.header.EntryCount) }

func ceilDiv(a, b int) int {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func ceilMin(remaining, perNode int) int {
	if remaining < perNode {
		return remaining
	}
	return perNode
}

func parseOffsetNode(raw []byte) (nodeHeader, []int64, error) {
	hdr, err := parseNodeHeader(raw)
	if err != nil {
		return hdr, nil, err
	}
	offsets := make([]int64, hdr.Count)
	for i := 0; i < int(hdr.Count); i++ {
		off := NodeHeaderSize + i*8
		if off+8 > len(raw) {
			return hdr, nil, &nxerr.MalformedImage{Where: "bucket.offset_node", Err: errShortBuffer(len(raw)-off, 8)}
		}
		offsets[i] = int64(binary.LittleEndian.Uint64(raw[off : off+8]))
	}
	return hdr, offsets, nil
}

func parseEntryNode(raw []byte, entrySize, count int) (entryNode, error) {
	hdr, err := parseNodeHeader(raw)
	if err != nil {
		return entryNode{}, err
	}
	entries := make([]Entry, count)
	for i := 0; i < count; i++ {
		off := NodeHeaderSize + i*entrySize
		if off+entrySize > len(raw) {
			return entryNode{}, &nxerr.MalformedImage{Where: "bucket.entry_node", Err: errShortBuffer(len(raw)-off, entrySize)}
		}
		rawEntry := raw[off : off+entrySize]
		entries[i] = Entry{
			VirtualOffset: int64(binary.LittleEndian.Uint64(rawEntry[:8])),
			Raw:           rawEntry,
		}
	}
	return entryNode{header: hdr, entries: entries}, nil
}

func parseNodeHeader(raw []byte) (nodeHeader, error) {
	if len(raw) < NodeHeaderSize {
		return nodeHeader{}, &nxerr.MalformedImage{Where: "bucket.node_header", Err: errShortBuffer(len(raw), NodeHeaderSize)}
	}
	return nodeHeader{
		Index:     binary.LittleEndian.Uint32(raw[0:4]),
		Count:     binary.LittleEndian.Uint32(raw[4:8]),
		EndOffset: int64(binary.LittleEndian.Uint64(raw[8:16])),
	}, nil
}

// Find locates the entry covering virtual offset v and returns a Visitor
// positioned at it. The lower bound of each entry's range is inclusive,
// the upper bound exclusive (spec.md §4.4 tie-breaks).
func (t *Table) Find(v int64) (*Visitor, error) {
	if v < 0 || v >= t.endOffset {
		return nil, &nxerr.OutOfRange{Offset: v, Length: 1, Extent: t.endOffset}
	}

	entryNodeIdx := searchOffsets(t.rootOffsets, v)
	if t.hasL2 {
		offsetsPerNode := (t.nodeSize - NodeHeaderSize) / 8
		entryNodeIdx = entryNodeIdx*offsetsPerNode + searchOffsets(t.l2Offsets[entryNodeIdx], v)
	}
	node := t.entryNodes[entryNodeIdx]
	entryIdx := sort.Search(len(node.entries), func(i int) bool {
		return node.entries[i].RangeEnd > v
	})
	if entryIdx == len(node.entries) || node.entries[entryIdx].VirtualOffset > v {
		return nil, &nxerr.MalformedImage{Where: "bucket.find", Err: errNoCoveringEntry(v)}
	}
	return &Visitor{table: t, nodeIdx: entryNodeIdx, entryIdx: entryIdx}, nil
}

// searchOffsets returns the index i such that offsets[i] <= v < offsets[i+1]
// (or the last index if v is past the final offset).
func searchOffsets(offsets []int64, v int64) int {
	i := sort.Search(len(offsets), func(i int) bool { return offsets[i] > v })
	if i == 0 {
		return 0
	}
	return i - 1
}

// Visitor walks entries in ascending virtual-offset order starting from a
// Find result.
type Visitor struct {
	table    *Table
	nodeIdx  int
	entryIdx int
}

// Current returns the entry the visitor is positioned at.
func (v *Visitor) Current() Entry {
	return v.table.entryNodes[v.nodeIdx].entries[v.entryIdx]
}

// CanAdvance reports whether a further call to Advance would succeed.
func (v *Visitor) CanAdvance() bool {
	node := v.table.entryNodes[v.nodeIdx]
	if v.entryIdx+1 < len(node.entries) {
		return true
	}
	return v.nodeIdx+1 < len(v.table.entryNodes)
}

// Advance moves the visitor to the next entry in ascending virtual-offset
// order, validating the crossed node boundary's index/continuity
// invariants as it goes (spec.md §4.4).
func (v *Visitor) Advance() error {
	node := v.table.entryNodes[v.nodeIdx]
	if v.entryIdx+1 < len(node.entries) {
		v.entryIdx++
		return nil
	}
	if v.nodeIdx+1 >= len(v.table.entryNodes) {
		return &nxerr.OutOfRange{Offset: node.header.EndOffset, Length: 1, Extent: v.table.endOffset}
	}
	next := v.table.entryNodes[v.nodeIdx+1]
	if int(next.header.Index) != v.nodeIdx+1 {
		return &nxerr.MalformedImage{Where: "bucket.advance.index", Err: errIndexMismatch(v.nodeIdx+1, int(next.header.Index))}
	}
	nextStart := next.entries[0].VirtualOffset
	if nextStart != node.header.EndOffset {
		return &nxerr.MalformedImage{Where: "bucket.advance.start_offset", Err: errDiscontinuity(node.header.EndOffset, nextStart)}
	}
	if nextStart >= next.header.EndOffset {
		return &nxerr.MalformedImage{Where: "bucket.advance.range", Err: errEmptyRange(nextStart, next.header.EndOffset)}
	}
	v.nodeIdx++
	v.entryIdx = 0
	return nil
}
