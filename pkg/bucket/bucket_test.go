// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bucket

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

const testEntrySize = 0x14 // Indirect-storage entry size

// buildTable assembles a minimal, valid bucket-tree table in memory given
// a flat list of strictly-increasing virtual offsets and the table's
// total end offset. Entries are padded to testEntrySize with their index
// so tests can assert on which raw entry Find() returned.
func buildTable(t *testing.T, offsets []int64, endOffset int64, nodeSize int) []byte {
	t.Helper()
	entriesPerNode := (nodeSize - NodeHeaderSize) / testEntrySize
	offsetsPerNode := (nodeSize - NodeHeaderSize) / 8
	numEntryNodes := ceilDiv(len(offsets), entriesPerNode)
	numOffsetNodes := ceilDiv(numEntryNodes, offsetsPerNode)
	require.Equal(t, 1, numOffsetNodes, "test fixture must not require an L2 layer")

	buf := make([]byte, 0, HeaderSize+nodeSize*(1+numEntryNodes))

	hdr := make([]byte, HeaderSize)
	copy(hdr[0:4], Magic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], 1)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(offsets)))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(nodeSize))
	buf = append(buf, hdr...)

	// Root offset-node: one offset per entry-node, equal to that node's
	// first virtual offset.
	root := make([]byte, nodeSize)
	binary.LittleEndian.PutUint32(root[0:4], 0)
	binary.LittleEndian.PutUint32(root[4:8], uint32(numEntryNodes))
	for i := 0; i < numEntryNodes; i++ {
		start := i * entriesPerNode
		off := NodeHeaderSize + i*8
		binary.LittleEndian.PutUint64(root[off:off+8], uint64(offsets[start]))
	}
	buf = append(buf, root...)

	for n := 0; n < numEntryNodes; n++ {
		start := n * entriesPerNode
		end := start + entriesPerNode
		if end > len(offsets) {
			end = len(offsets)
		}
		node := make([]byte, nodeSize)
		binary.LittleEndian.PutUint32(node[0:4], uint32(n))
		binary.LittleEndian.PutUint32(node[4:8], uint32(end-start))
		var nodeEnd int64
		if end == len(offsets) {
			nodeEnd = endOffset
		} else {
			nodeEnd = offsets[end]
		}
		binary.LittleEndian.PutUint64(node[8:16], uint64(nodeEnd))
		for i := start; i < end; i++ {
			off := NodeHeaderSize + (i-start)*testEntrySize
			binary.LittleEndian.PutUint64(node[off:off+8], uint64(offsets[i]))
			node[off+8] = byte(i) // marker so tests can identify the entry
		}
		buf = append(buf, node...)
	}
	return buf
}

func TestBucketTableSingleNode(t *testing.T) {
	offsets := []int64{0, 0x1000, 0x2000, 0x5000}
	data := buildTable(t, offsets, 0x8000, minNodeSize)

	table, err := Load(data, testEntrySize)
	require.NoError(t, err)
	require.Equal(t, int64(0x8000), table.EndOffset())
	require.Equal(t, 4, table.EntryCount())

	v, err := table.Find(0x1500)
	require.NoError(t, err)
	e := v.Current()
	require.Equal(t, int64(0x1000), e.VirtualOffset)
	require.Equal(t, int64(0x2000), e.RangeEnd)
	require.Equal(t, byte(1), e.Raw[8])

	v2, err := table.Find(0x7000)
	require.NoError(t, err)
	e2 := v2.Current()
	require.Equal(t, int64(0x5000), e2.VirtualOffset)
	require.Equal(t, int64(0x8000), e2.RangeEnd)

	_, err = table.Find(0x8000)
	require.Error(t, err)
}

func TestBucketTableMultiNodeAdvance(t *testing.T) {
	// Force >1 entry-node within minNodeSize: entriesPerNode = (0x400-16)/20 = 50.
	var offsets []int64
	for i := 0; i < 120; i++ {
		offsets = append(offsets, int64(i)*0x1000)
	}
	endOffset := int64(120) * 0x1000
	data := buildTable(t, offsets, endOffset, minNodeSize)

	table, err := Load(data, testEntrySize)
	require.NoError(t, err)

	v, err := table.Find(0)
	require.NoError(t, err)
	count := 1
	for v.CanAdvance() {
		require.NoError(t, v.Advance())
		count++
	}
	require.Equal(t, len(offsets), count)
	last := v.Current()
	require.Equal(t, offsets[len(offsets)-1], last.VirtualOffset)
	require.Equal(t, endOffset, last.RangeEnd)
}

func TestBucketTableBadMagic(t *testing.T) {
	data := buildTable(t, []int64{0}, 0x1000, minNodeSize)
	data[0] = 'X'
	_, err := Load(data, testEntrySize)
	require.Error(t, err)
}

func TestBucketTableNonMonotonicRejected(t *testing.T) {
	data := buildTable(t, []int64{0, 0x1000, 0x500}, 0x2000, minNodeSize)
	_, err := Load(data, testEntrySize)
	require.Error(t, err)
}
