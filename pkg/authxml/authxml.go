// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package authxml emits the authoring-tool XML sidecar that accompanies
// a repackaged content archive (spec.md §4.11): pure string formatting,
// no I/O or cryptography, one <Content> element per content entry plus
// the meta content archive itself. Grounded on pkg/visitors' find.go,
// which formats a found firmware-volume node into a human-readable
// report string field by field rather than through a template engine.
package authxml

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/DarkMatterCore/nxdumptool-core/pkg/nxerr"
)

// ContentEntry is one content archive referenced by a content-meta
// record, in the shape the emitter needs (spec.md §4.9/§4.11).
type ContentEntry struct {
	ContentID   string // lowercase hex, no dashes
	ContentType string // e.g. "Program", "Control", "Meta"
	Hash        [32]byte
	Size        int64
	KeyGeneration int
	IDOffset    byte
}

// Document is the full set of inputs the authoring XML needs: the meta
// content archive's own identity plus every content it references.
type Document struct {
	TitleID       uint64
	Version       uint32
	MetaType      string
	MetaContentID string
	MetaHash      [32]byte
	MetaSize      int64
	Contents      []ContentEntry
}

// Emit renders doc as newline-terminated UTF-8 authoring XML. ids, if
// non-empty, restricts the emitted <Content> elements to that set of
// content ids; any id in ids not found among doc.Contents (and not the
// meta content id) is an UnreferencedContent error (spec.md §4.11).
func Emit(doc Document, ids []string) (string, error) {
	var selected []ContentEntry
	if len(ids) == 0 {
		selected = doc.Contents
	} else {
		byID := make(map[string]ContentEntry, len(doc.Contents))
		for _, c := range doc.Contents {
			byID[c.ContentID] = c
		}
		for _, id := range ids {
			if id == doc.MetaContentID {
				continue
			}
			c, ok := byID[id]
			if !ok {
				return "", &nxerr.UnreferencedContent{ContentID: id}
			}
			selected = append(selected, c)
		}
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	fmt.Fprintf(&b, "<ContentMeta>\n")
	fmt.Fprintf(&b, "  <Id>0x%016x</Id>\n", doc.TitleID)
	fmt.Fprintf(&b, "  <Version>%d</Version>\n", doc.Version)
	fmt.Fprintf(&b, "  <Type>%s</Type>\n", sanitize(doc.MetaType))

	writeContent(&b, ContentEntry{
		ContentID:   doc.MetaContentID,
		ContentType: "Meta",
		Hash:        doc.MetaHash,
		Size:        doc.MetaSize,
	})
	for _, c := range selected {
		writeContent(&b, c)
	}

	fmt.Fprintf(&b, "</ContentMeta>\n")
	return b.String(), nil
}

func writeContent(b *strings.Builder, c ContentEntry) {
	fmt.Fprintf(b, "  <Content>\n")
	fmt.Fprintf(b, "    <Type>%s</Type>\n", sanitize(c.ContentType))
	fmt.Fprintf(b, "    <Id>%s</Id>\n", sanitize(c.ContentID))
	fmt.Fprintf(b, "    <Size>%d</Size>\n", c.Size)
	fmt.Fprintf(b, "    <Hash>%x</Hash>\n", c.Hash)
	fmt.Fprintf(b, "    <KeyGeneration>%d</KeyGeneration>\n", c.KeyGeneration)
	fmt.Fprintf(b, "  </Content>\n")
}

// sanitize normalizes s to NFC so that any unicode content/title
// metadata pulled from a name table embeds as a single canonical
// encoding in the generated XML, rather than whatever decomposition the
// source table happened to store (spec.md §4.11).
func sanitize(s string) string {
	return norm.NFC.String(s)
}
