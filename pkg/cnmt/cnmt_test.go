// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cnmt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	nxcrypto "github.com/DarkMatterCore/nxdumptool-core/pkg/crypto"
	"github.com/DarkMatterCore/nxdumptool-core/pkg/pfs"
)

type memStorage []byte

func (m memStorage) Read(offset int64, out []byte) error {
	copy(out, m[offset:offset+int64(len(out))])
	return nil
}

func (m memStorage) Size() int64 { return int64(len(m)) }

// buildCnmtBlob assembles a single content-info record content-meta blob
// for an Application title.
func buildCnmtBlob(t *testing.T, titleID uint64, contentID [16]byte, hash [32]byte) []byte {
	t.Helper()
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(hdr[0:8], titleID)
	binary.LittleEndian.PutUint32(hdr[8:12], 1)
	hdr[12] = byte(TypeApplication)
	binary.LittleEndian.PutUint16(hdr[14:16], 0)
	binary.LittleEndian.PutUint16(hdr[16:18], 1)
	binary.LittleEndian.PutUint16(hdr[18:20], 0)

	ci := ContentInfo{Hash: hash, ContentID: contentID, Size: 4096, ContentType: ContentProgram}

	blob := append([]byte{}, hdr...)
	blob = append(blob, ci.serialize()...)
	blob = append(blob, make([]byte, digestSize)...)
	return blob
}

// buildPfsWithCnmt wraps a single cnmt blob into a minimal PFS0 image.
func buildPfsWithCnmt(t *testing.T, entryName string, blob []byte) *pfs.Context {
	t.Helper()
	const pfsHeaderSize = 0x10
	const pfsEntrySize = 0x18
	names := append([]byte(entryName), 0)
	entry := make([]byte, pfsEntrySize)
	binary.LittleEndian.PutUint64(entry[0:8], 0)
	binary.LittleEndian.PutUint64(entry[8:16], uint64(len(blob)))
	binary.LittleEndian.PutUint32(entry[16:20], 0)

	hdr := make([]byte, pfsHeaderSize)
	copy(hdr[0:4], []byte{'P', 'F', 'S', '0'})
	binary.LittleEndian.PutUint32(hdr[4:8], 1)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(names)))

	raw := append(append(append([]byte{}, hdr...), entry...), names...)
	for len(raw)%0x20 != 0 {
		raw = append(raw, 0)
	}
	raw = append(raw, blob...)

	ctx, err := pfs.Open(memStorage(raw))
	require.NoError(t, err)
	return ctx
}

func TestOpenParsesHeaderAndContent(t *testing.T) {
	var contentID [16]byte
	contentID[0] = 0x11
	hash := nxcrypto.SHA256([]byte("content-bytes"))
	blob := buildCnmtBlob(t, 0x0100000000010000, contentID, hash)
	pfsCtx := buildPfsWithCnmt(t, "Application_0100000000010000.cnmt", blob)

	ctx, err := Open(pfsCtx)
	require.NoError(t, err)
	require.Equal(t, TypeApplication, ctx.Header.Type)
	require.Equal(t, uint64(0x0100000000010000), ctx.Header.TitleID)
	require.Len(t, ctx.ContentInfos, 1)
	require.Equal(t, hash, ctx.ContentInfos[0].Hash)
}

func TestOpenTitleIDMismatchRejected(t *testing.T) {
	var contentID [16]byte
	hash := nxcrypto.SHA256([]byte("x"))
	blob := buildCnmtBlob(t, 0x0100000000010000, contentID, hash)
	pfsCtx := buildPfsWithCnmt(t, "Application_0200000000020000.cnmt", blob)

	_, err := Open(pfsCtx)
	require.Error(t, err)
}

func TestVerifyContent(t *testing.T) {
	var contentID [16]byte
	contentID[1] = 0x22
	hash := nxcrypto.SHA256([]byte("good"))
	blob := buildCnmtBlob(t, 0x0100000000010000, contentID, hash)
	pfsCtx := buildPfsWithCnmt(t, "Application_0100000000010000.cnmt", blob)
	ctx, err := Open(pfsCtx)
	require.NoError(t, err)

	require.NoError(t, ctx.VerifyContent(contentID, hash))
	require.Error(t, ctx.VerifyContent(contentID, nxcrypto.SHA256([]byte("bad"))))
}

func TestVerifyAllAggregatesMismatches(t *testing.T) {
	var contentID [16]byte
	contentID[2] = 0x33
	hash := nxcrypto.SHA256([]byte("good"))
	blob := buildCnmtBlob(t, 0x0100000000010000, contentID, hash)
	pfsCtx := buildPfsWithCnmt(t, "Application_0100000000010000.cnmt", blob)
	ctx, err := Open(pfsCtx)
	require.NoError(t, err)

	idHex := hex16(contentID)
	err = ctx.VerifyAll(map[string][32]byte{idHex: nxcrypto.SHA256([]byte("wrong"))})
	require.Error(t, err)
}

func TestUpdateContentAndGeneratePatch(t *testing.T) {
	var contentID [16]byte
	contentID[3] = 0x44
	hash := nxcrypto.SHA256([]byte("good"))
	blob := buildCnmtBlob(t, 0x0100000000010000, contentID, hash)
	pfsCtx := buildPfsWithCnmt(t, "Application_0100000000010000.cnmt", blob)
	ctx, err := Open(pfsCtx)
	require.NoError(t, err)

	require.Nil(t, ctx.GeneratePatch())

	var newID [16]byte
	newID[0] = 0xAA
	newHash := nxcrypto.SHA256([]byte("new"))
	require.NoError(t, ctx.UpdateContent(contentID, newID, newHash))

	patch := ctx.GeneratePatch()
	require.NotNil(t, patch)
	require.Equal(t, "Application_0100000000010000.cnmt", patch.EntryName)

	reparsed, err := parse(patch.NewBytes)
	require.NoError(t, err)
	require.Equal(t, newID, reparsed.ContentInfos[0].ContentID)
	require.Equal(t, newHash, reparsed.ContentInfos[0].Hash)
}
