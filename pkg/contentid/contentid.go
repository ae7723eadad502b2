// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package contentid implements the 16-byte identifiers used throughout
// the content pipeline: content ids, rights ids and key ids. Unlike the
// Microsoft-style mixed-endian GUID these formats are simple big-endian
// hex strings, so the byte layout is never reordered on parse/format —
// only the textual encoding is adapted from that pattern.
package contentid

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Size is the number of bytes in a content id or rights id.
const Size = 16

// ID represents a content id, rights id or similar 16-byte identifier.
type ID [Size]byte

// Parse decodes a 32-character hex string (optionally containing
// hyphens, which are stripped) into an ID.
func Parse(s string) (ID, error) {
	var id ID
	stripped := strings.ReplaceAll(s, "-", "")
	decoded, err := hex.DecodeString(stripped)
	if err != nil {
		return id, fmt.Errorf("contentid: %q is not valid hex: %w", s, err)
	}
	if len(decoded) != Size {
		return id, fmt.Errorf("contentid: %q has length %d, want %d bytes", s, len(decoded), Size)
	}
	copy(id[:], decoded)
	return id, nil
}

// MustParse parses s or panics; used for well-known compile-time constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the id as lowercase hex, matching the ".nca" filename
// convention (§ scenario S1).
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether every byte of the id is zero, which for a
// rights id means "no titlekey crypto" (spec.md §4.5 step 5).
func (id ID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
