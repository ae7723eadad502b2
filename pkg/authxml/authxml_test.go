// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package authxml

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleDoc() Document {
	return Document{
		TitleID:       0x0100000000010000,
		Version:       1,
		MetaType:      "Application",
		MetaContentID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		MetaSize:      512,
		Contents: []ContentEntry{
			{ContentID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", ContentType: "Program", Size: 1024, KeyGeneration: 3},
			{ContentID: "cccccccccccccccccccccccccccccccc", ContentType: "Control", Size: 256, KeyGeneration: 3},
		},
	}
}

func TestEmitIncludesMetaAndAllContents(t *testing.T) {
	out, err := Emit(sampleDoc(), nil)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(out, "\n"))
	require.Contains(t, out, "<Id>0x0100000000010000</Id>")
	require.Contains(t, out, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.Contains(t, out, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.Contains(t, out, "cccccccccccccccccccccccccccccccc")
}

func TestEmitFiltersToRequestedIDs(t *testing.T) {
	out, err := Emit(sampleDoc(), []string{"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"})
	require.NoError(t, err)
	require.Contains(t, out, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NotContains(t, out, "cccccccccccccccccccccccccccccccc")
}

func TestEmitUnreferencedContentRejected(t *testing.T) {
	_, err := Emit(sampleDoc(), []string{"deadbeefdeadbeefdeadbeefdeadbeef"})
	require.Error(t, err)
}

func TestEmitMetaIDAlwaysAllowedInFilter(t *testing.T) {
	out, err := Emit(sampleDoc(), []string{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	require.NoError(t, err)
	require.Contains(t, out, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
}
