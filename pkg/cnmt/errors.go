// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cnmt

import "fmt"

func errShortBlob(got int) error { return fmt.Errorf("content meta blob too short: %d bytes", got) }

func errBadFileName(name string) error {
	return fmt.Errorf("entry name %q does not match <type>_<title_id>.cnmt", name)
}

func errUnknownTypeName(name string) error { return fmt.Errorf("unknown content meta type %q", name) }

func errTitleIDMismatch(got, want uint64) error {
	return fmt.Errorf("header title id %016x does not match filename title id %016x", got, want)
}

func errTypeMismatch(got, want Type) error {
	return fmt.Errorf("header type %s does not match filename type %s", got, want)
}
