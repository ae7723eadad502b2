// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bucket

import "fmt"

func errBadEntrySize(n int) error { return fmt.Errorf("entry size %d is too small, want >= 8", n) }
func errShortBuffer(have, want int) error {
	return fmt.Errorf("buffer too short: have %d bytes, want %d", have, want)
}
func errBadMagic(m [4]byte) error { return fmt.Errorf("bad magic %q, want %q", m, Magic) }
func errZeroEntries() error       { return fmt.Errorf("entry_count is zero") }
func errBadNodeSize(n int) error {
	return fmt.Errorf("node_size %#x is not a power of two in [%#x, %#x]", n, minNodeSize, maxNodeSize)
}
func errNodeTooSmall(nodeSize, entrySize int) error {
	return fmt.Errorf("node_size %#x is smaller than entry_size %#x + header", nodeSize, entrySize)
}
func errCountMismatch(want, got int) error {
	return fmt.Errorf("node count mismatch: want %d, got %d", want, got)
}
func errIndexMismatch(want, got int) error {
	return fmt.Errorf("node index mismatch: want %d, got %d", want, got)
}
func errDiscontinuity(prevEnd, nextStart int64) error {
	return fmt.Errorf("node discontinuity: previous end %#x != next start %#x", prevEnd, nextStart)
}
func errEmptyRange(start, end int64) error {
	return fmt.Errorf("node range is empty or inverted: [%#x, %#x)", start, end)
}
func errNotMonotonic() error     { return fmt.Errorf("entry virtual offsets are not strictly increasing") }
func errNoCoveringEntry(v int64) error { return fmt.Errorf("no entry covers virtual offset %#x", v) }
