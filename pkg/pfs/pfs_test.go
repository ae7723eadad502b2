// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pfs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// memStorage is a fixed in-memory Storage used to build test fixtures
// without depending on pkg/nca.
type memStorage []byte

func (m memStorage) Read(offset int64, out []byte) error {
	if offset < 0 || offset+int64(len(out)) > int64(len(m)) {
		return errShortRead
	}
	copy(out, m[offset:offset+int64(len(out))])
	return nil
}

func (m memStorage) Size() int64 { return int64(len(m)) }

var errShortRead = errNonMonotonic(-1)

// buildPfs assembles a minimal PFS0 image from a set of (name, data)
// pairs, packed contiguously with no inter-entry padding.
func buildPfs(t *testing.T, files [][2]string) []byte {
	t.Helper()

	var names []byte
	type built struct {
		nameOffset uint32
		data       []byte
	}
	var entries []built
	for _, f := range files {
		entries = append(entries, built{nameOffset: uint32(len(names)), data: []byte(f[1])})
		names = append(names, []byte(f[0])...)
		names = append(names, 0)
	}

	entryTable := make([]byte, len(entries)*entrySize)
	var dataOffset int64
	var data []byte
	for i, e := range entries {
		raw := entryTable[i*entrySize : (i+1)*entrySize]
		binary.LittleEndian.PutUint64(raw[0:8], uint64(dataOffset))
		binary.LittleEndian.PutUint64(raw[8:16], uint64(len(e.data)))
		binary.LittleEndian.PutUint32(raw[16:20], e.nameOffset)
		data = append(data, e.data...)
		dataOffset += int64(len(e.data))
	}

	hdr := make([]byte, headerSize)
	copy(hdr[0:4], magic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(entries)))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(names)))

	raw := append(append(append([]byte{}, hdr...), entryTable...), names...)
	aligned := alignUp(int64(len(raw)), alignment)
	padded := make([]byte, aligned)
	copy(padded, raw)
	return append(padded, data...)
}

func TestOpenAndReadEntries(t *testing.T) {
	img := buildPfs(t, [][2]string{
		{"Data", "first-file-bytes"},
		{"Logo", "second"},
	})

	ctx, err := Open(memStorage(img))
	require.NoError(t, err)
	require.Equal(t, 2, ctx.EntryCount())

	i, ok := ctx.EntryByName("Logo")
	require.True(t, ok)
	e, err := ctx.Entry(i)
	require.NoError(t, err)
	require.Equal(t, int64(6), e.Size)

	out := make([]byte, e.Size)
	require.NoError(t, ctx.ReadEntry(e, 0, out))
	require.Equal(t, "second", string(out))

	_, err = ctx.Entry(99)
	require.Error(t, err)
}

func TestReadEntryOutOfRange(t *testing.T) {
	img := buildPfs(t, [][2]string{{"a", "1234"}})
	ctx, err := Open(memStorage(img))
	require.NoError(t, err)

	e, err := ctx.Entry(0)
	require.NoError(t, err)

	out := make([]byte, 10)
	require.Error(t, ctx.ReadEntry(e, 0, out))
}

func TestOpenBadMagicRejected(t *testing.T) {
	img := buildPfs(t, [][2]string{{"a", "1"}})
	img[0] = 'X'
	_, err := Open(memStorage(img))
	require.Error(t, err)
}

func TestIsExeFSDetection(t *testing.T) {
	npdm := "META" + "padding-bytes-to-fill-out-a-realistic-npdm-blob"
	img := buildPfs(t, [][2]string{
		{"main.npdm", npdm},
		{"main", "elf-bytes"},
	})
	ctx, err := Open(memStorage(img))
	require.NoError(t, err)
	require.True(t, ctx.IsExeFS())
}

func TestIsExeFSFalseWithoutNpdm(t *testing.T) {
	img := buildPfs(t, [][2]string{{"data.bin", "whatever"}})
	ctx, err := Open(memStorage(img))
	require.NoError(t, err)
	require.False(t, ctx.IsExeFS())
}

func TestReadPartition(t *testing.T) {
	img := buildPfs(t, [][2]string{{"a", "abcdefgh"}})
	ctx, err := Open(memStorage(img))
	require.NoError(t, err)

	out := make([]byte, 4)
	require.NoError(t, ctx.ReadPartition(2, out))
	require.Equal(t, "cdef", string(out))
}
