// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import "fmt"

func errShortHeader(n int) error {
	return fmt.Errorf("content is %#x bytes, shorter than the %#x-byte CA header", n, HeaderSize)
}
func errBadMagic(m [4]byte) error { return fmt.Errorf("unrecognized CA magic %q", m) }
func errShortSectionHeader(n int) error {
	return fmt.Errorf("section header read returned %#x bytes, want %#x", n, SectionHeaderSize)
}
func errBadFsType(v byte) error       { return fmt.Errorf("unknown section filesystem type %#x", v) }
func errBadHashType(v byte) error     { return fmt.Errorf("unknown section hash type %#x", v) }
func errBadEncryptionType(v byte) error {
	return fmt.Errorf("unknown section encryption type %#x", v)
}
func errNoStorage() error { return fmt.Errorf("storage stack has no layers") }
func errLZ4SizeMismatch(got, want int) error {
	return fmt.Errorf("lz4 decompressed size %#x disagrees with entry's virtual range %#x", got, want)
}
func errBadCompressionType(v byte) error { return fmt.Errorf("unknown compression type %#x", v) }
