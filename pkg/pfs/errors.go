// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pfs

import "fmt"

func errBadMagic(got [4]byte) error { return fmt.Errorf("bad PFS0 magic: %q", got) }

func errZeroEntryCount() error { return fmt.Errorf("entry_count is zero") }

func errZeroNameTable() error { return fmt.Errorf("name_table_size is zero") }

func errNonMonotonic(index int) error {
	return fmt.Errorf("entry %d starts before the previous entry ends", index)
}
