// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ticket

import "fmt"

func errShortRecord(n int) error {
	return fmt.Errorf("ticket record is %d bytes, want >= %#x", n, Size)
}
func errBadPrivExpLen(n int) error {
	return fmt.Errorf("encrypted private exponent length %d is not a multiple of the AES block size", n)
}
func errBadUnwrapLen(n int) error {
	return fmt.Errorf("RSA-OAEP unwrap produced %d bytes, want 16", n)
}
func errBadTitlekeyType(v byte) error {
	return fmt.Errorf("unknown titlekey_type %#x", v)
}
